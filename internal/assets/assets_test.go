package assets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testServer(t *testing.T, missing string) *httptest.Server {
	t.Helper()
	bodies := map[string][]byte{
		"/" + FileBootloader: []byte("boot"),
		"/" + FileTable:      []byte("table"),
		"/" + FileOTAData:    []byte("ota"),
		"/" + FileApp:        []byte("app"),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if missing != "" && strings.HasSuffix(r.URL.Path, missing) {
			http.NotFound(w, r)
			return
		}
		body, ok := bodies[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPLoaderLoad(t *testing.T) {
	srv := testServer(t, "")
	l := NewHTTPLoader(srv.URL, nil)

	set, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(set.Bootloader) != "boot" || string(set.Table) != "table" ||
		string(set.OTAData) != "ota" || string(set.App) != "app" {
		t.Errorf("unexpected asset contents: %+v", set)
	}
}

func TestHTTPLoaderMissingAppFails(t *testing.T) {
	srv := testServer(t, FileApp)
	l := NewHTTPLoader(srv.URL, nil)

	_, err := l.Load(context.Background())
	if err == nil {
		t.Fatal("expected error for missing app asset")
	}
	if !strings.Contains(err.Error(), FileApp) {
		t.Errorf("error %q does not reference the failing file %s", err, FileApp)
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error %q does not reference the response status", err)
	}
}

func TestHTTPLoaderUsesCache(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	cache, err := OpenCacheAt(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	l := NewHTTPLoader(srv.URL, cache)

	if _, err := l.Load(context.Background()); err != nil {
		t.Fatalf("first load: %v", err)
	}
	first := hits
	if first != 4 {
		t.Fatalf("first load made %d requests, want 4", first)
	}

	if _, err := l.Load(context.Background()); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if hits != first {
		t.Errorf("second load hit the server %d more times, want 0", hits-first)
	}
}

func TestCacheRejectsCorruptEntry(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenCacheAt(dir)
	if err != nil {
		t.Fatal(err)
	}

	const url = "https://example.test/glow_app.bin"
	if err := cache.Put(url, FileApp, []byte("good data")); err != nil {
		t.Fatal(err)
	}
	if _, ok := cache.Get(url); !ok {
		t.Fatal("fresh entry not served")
	}

	// Corrupt the stored body; Get must refuse and purge it.
	entries, err := cache.List()
	if err != nil || len(entries) != 1 {
		t.Fatalf("List = %v, %v", entries, err)
	}
	if err := os.WriteFile(entries[0].Path, []byte("tampered"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, ok := cache.Get(url); ok {
		t.Error("corrupt entry served from cache")
	}
	if _, err := os.Stat(entries[0].Path); !os.IsNotExist(err) {
		t.Error("corrupt entry not removed")
	}
}

func TestDirLoader(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{FileBootloader, FileTable, FileOTAData, FileApp} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
	}

	set, err := (&DirLoader{Dir: dir}).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(set.App) != FileApp {
		t.Errorf("app = %q, want %q", set.App, FileApp)
	}

	os.Remove(filepath.Join(dir, FileTable))
	if _, err := (&DirLoader{Dir: dir}).Load(context.Background()); err == nil {
		t.Error("expected error for missing table file")
	}
}
