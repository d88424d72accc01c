// Package assets loads the four fixed firmware binaries that make up a lamp
// release: bootloader, partition table, OTA data seed, and application image.
// The fifth flashed region (storage) is synthesized per device, never fetched.
package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openglow/glowflash/internal/config"
)

// Fixed asset file names, as published under a release base URL.
const (
	FileBootloader = "bootloader.bin"
	FileTable      = "partitions.bin"
	FileOTAData    = "ota_data_initial.bin"
	FileApp        = "glow_app.bin"
)

// Set holds the four loaded release binaries.
type Set struct {
	Bootloader []byte
	Table      []byte
	OTAData    []byte
	App        []byte
}

// Loader fetches a complete asset set. Implementations must fail the whole
// load if any single asset is unavailable.
type Loader interface {
	Load(ctx context.Context) (*Set, error)
}

// DefaultBaseURL is the public release host for lamp firmware.
const DefaultBaseURL = "https://firmware.openglow.io/latest"

// HTTPLoader fetches assets over HTTP GET, optionally through an on-disk
// cache. All four files are fetched concurrently.
type HTTPLoader struct {
	BaseURL string
	Client  *http.Client
	Cache   *Cache
}

// NewHTTPLoader creates a loader for the given base URL. A nil cache disables
// caching.
func NewHTTPLoader(baseURL string, cache *Cache) *HTTPLoader {
	return &HTTPLoader{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 60 * time.Second},
		Cache:   cache,
	}
}

// Load fetches all four assets. Any non-success response or transport error
// aborts the load with the failing path in the error.
func (l *HTTPLoader) Load(ctx context.Context) (*Set, error) {
	names := [4]string{FileBootloader, FileTable, FileOTAData, FileApp}
	var bufs [4][]byte
	var errs [4]error

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			bufs[i], errs[i] = l.fetch(ctx, name)
		}(i, name)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", names[i], err)
		}
	}

	return &Set{
		Bootloader: bufs[0],
		Table:      bufs[1],
		OTAData:    bufs[2],
		App:        bufs[3],
	}, nil
}

func (l *HTTPLoader) fetch(ctx context.Context, name string) ([]byte, error) {
	fileURL, err := url.JoinPath(l.BaseURL, name)
	if err != nil {
		return nil, err
	}

	if l.Cache != nil {
		if data, ok := l.Cache.Get(fileURL); ok {
			config.Debugf("asset %s served from cache", name)
			return data, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := l.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", fileURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", fileURL, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", fileURL, err)
	}

	if l.Cache != nil {
		if err := l.Cache.Put(fileURL, name, data); err != nil {
			// Cache failures never fail the load.
			config.Debugf("cache store failed for %s: %v", name, err)
		}
	}

	return data, nil
}

func (l *HTTPLoader) client() *http.Client {
	if l.Client != nil {
		return l.Client
	}
	return http.DefaultClient
}

// DirLoader reads the four assets from a local directory, for bench use and
// development builds.
type DirLoader struct {
	Dir string
}

func (l *DirLoader) Load(ctx context.Context) (*Set, error) {
	read := func(name string) ([]byte, error) {
		data, err := os.ReadFile(filepath.Join(l.Dir, name))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		return data, nil
	}

	var set Set
	var err error
	if set.Bootloader, err = read(FileBootloader); err != nil {
		return nil, err
	}
	if set.Table, err = read(FileTable); err != nil {
		return nil, err
	}
	if set.OTAData, err = read(FileOTAData); err != nil {
		return nil, err
	}
	if set.App, err = read(FileApp); err != nil {
		return nil, err
	}
	return &set, nil
}
