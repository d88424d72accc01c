package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Cache stores downloaded release binaries on disk. Entries are keyed by
// source URL and carry a SHA-256 sidecar so a corrupt or truncated download
// is never served back.
type Cache struct {
	baseDir string
}

// CacheEntry describes one cached asset.
type CacheEntry struct {
	Path       string
	Name       string
	Size       int64
	Downloaded time.Time
}

// DefaultCachePath returns the default cache directory.
func DefaultCachePath() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "glowflash", "assets"), nil
}

// OpenCache opens or creates the cache at the default location.
func OpenCache() (*Cache, error) {
	path, err := DefaultCachePath()
	if err != nil {
		return nil, err
	}
	return OpenCacheAt(path)
}

// OpenCacheAt opens or creates a cache at the given path.
func OpenCacheAt(path string) (*Cache, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{baseDir: path}, nil
}

// Path returns the cache directory.
func (c *Cache) Path() string {
	return c.baseDir
}

// entryPath builds a filename from the source URL and asset name so the same
// file from two releases never collides.
func (c *Cache) entryPath(sourceURL, name string) string {
	sum := sha256.Sum256([]byte(sourceURL))
	return filepath.Join(c.baseDir, hex.EncodeToString(sum[:8])+"_"+name)
}

// Get returns a cached asset body for the given source URL, verifying it
// against its recorded checksum. A missing or corrupt entry returns ok=false
// (corrupt entries are removed).
func (c *Cache) Get(sourceURL string) ([]byte, bool) {
	// Entry name embeds the URL hash; find it by scanning sidecars.
	matches, err := filepath.Glob(c.entryPrefix(sourceURL) + "*")
	if err != nil || len(matches) == 0 {
		return nil, false
	}

	for _, path := range matches {
		if strings.HasSuffix(path, ".sha256") {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		want, err := os.ReadFile(path + ".sha256")
		if err != nil {
			os.Remove(path)
			continue
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != strings.TrimSpace(string(want)) {
			os.Remove(path)
			os.Remove(path + ".sha256")
			continue
		}
		return data, true
	}
	return nil, false
}

func (c *Cache) entryPrefix(sourceURL string) string {
	sum := sha256.Sum256([]byte(sourceURL))
	return filepath.Join(c.baseDir, hex.EncodeToString(sum[:8])+"_")
}

// Put stores an asset body under its source URL. Written via a temp file and
// rename so a crash never leaves a half-written entry behind.
func (c *Cache) Put(sourceURL, name string, data []byte) error {
	destPath := c.entryPath(sourceURL, name)
	tmpPath := destPath + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize cache entry: %w", err)
	}

	sum := sha256.Sum256(data)
	if err := os.WriteFile(destPath+".sha256", []byte(hex.EncodeToString(sum[:])), 0644); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("failed to write checksum sidecar: %w", err)
	}
	return nil
}

// List returns all cached assets.
func (c *Cache) List() ([]CacheEntry, error) {
	entries, err := os.ReadDir(c.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var result []CacheEntry
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".sha256") || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		// Entry names are <urlhash>_<asset name>.
		name := e.Name()
		if idx := strings.Index(name, "_"); idx >= 0 {
			name = name[idx+1:]
		}
		result = append(result, CacheEntry{
			Path:       filepath.Join(c.baseDir, e.Name()),
			Name:       name,
			Size:       info.Size(),
			Downloaded: info.ModTime(),
		})
	}
	return result, nil
}

// Clear removes all cached assets and sidecars.
func (c *Cache) Clear() error {
	entries, err := os.ReadDir(c.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.baseDir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
