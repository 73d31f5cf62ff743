package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestIndexURL(t *testing.T) {
	r := &Registry{BaseURL: "https://index.example.com"}

	tests := []struct {
		name     string
		expected string
	}{
		{"a", "https://index.example.com/1/a"},
		{"ab", "https://index.example.com/2/ab"},
		{"abc", "https://index.example.com/3/a/abc"},
		{"serde", "https://index.example.com/se/rd/serde"},
		{"", ""},
	}

	for _, tc := range tests {
		got := r.indexURL(tc.name)
		if got != tc.expected {
			t.Errorf("indexURL(%q) = %q, want %q", tc.name, got, tc.expected)
		}
	}
}

func TestRegistryCachePath(t *testing.T) {
	r := &Registry{CacheDir: "/tmp/test-cache"}

	tests := []struct {
		name     string
		expected string
	}{
		{"actionlint", "/tmp/test-cache/a/actionlint.idx"},
		{"golang", "/tmp/test-cache/g/golang.idx"},
		{"", ""},
	}

	for _, tc := range tests {
		got := r.cachePath(tc.name)
		if got != tc.expected {
			t.Errorf("cachePath(%q) = %q, want %q", tc.name, got, tc.expected)
		}
	}
}

func TestFetchIndexEntry(t *testing.T) {
	mockEntry := `{"name":"serde","vers":"1.0.0","yanked":false,"cksum":"abc"}` + "\n"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/se/rd/serde" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(mockEntry))
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	cacheDir := t.TempDir()
	reg := &Registry{
		BaseURL:  server.URL,
		CacheDir: cacheDir,
		client:   &http.Client{},
	}

	ctx := context.Background()
	data, err := reg.FetchIndexEntry(ctx, "serde")
	if err != nil {
		t.Fatalf("FetchIndexEntry failed: %v", err)
	}
	if string(data) != mockEntry {
		t.Errorf("FetchIndexEntry returned unexpected content")
	}

	_, err = reg.FetchIndexEntry(ctx, "nonexistent-crate")
	if err == nil {
		t.Error("FetchIndexEntry should fail for a crate missing from the index")
	}
}

func TestCacheOperations(t *testing.T) {
	cacheDir := t.TempDir()
	reg := New(cacheDir)

	testData := []byte(`{"vers":"1.0.0","yanked":false,"cksum":"abc"}`)

	if err := reg.CacheIndexEntry("test-crate", testData); err != nil {
		t.Fatalf("CacheIndexEntry failed: %v", err)
	}

	expectedPath := filepath.Join(cacheDir, "t", "test-crate.idx")
	if _, err := os.Stat(expectedPath); os.IsNotExist(err) {
		t.Error("Cache file was not created")
	}

	cached, err := reg.GetCached("test-crate")
	if err != nil {
		t.Fatalf("GetCached failed: %v", err)
	}
	if string(cached) != string(testData) {
		t.Errorf("GetCached returned %q, want %q", cached, testData)
	}

	if !reg.IsCached("test-crate") {
		t.Error("IsCached should return true for cached crate")
	}
	if reg.IsCached("not-cached") {
		t.Error("IsCached should return false for non-cached crate")
	}

	notCached, err := reg.GetCached("not-cached")
	if err != nil {
		t.Fatalf("GetCached failed for non-cached: %v", err)
	}
	if notCached != nil {
		t.Error("GetCached should return nil for non-cached crate")
	}
}

func TestClearCache(t *testing.T) {
	cacheDir := t.TempDir()
	reg := New(cacheDir)

	_ = reg.CacheIndexEntry("crate-a", []byte("content a"))
	_ = reg.CacheIndexEntry("crate-b", []byte("content b"))

	if !reg.IsCached("crate-a") || !reg.IsCached("crate-b") {
		t.Fatal("crates should be cached")
	}

	if err := reg.ClearCache(); err != nil {
		t.Fatalf("ClearCache failed: %v", err)
	}

	if reg.IsCached("crate-a") || reg.IsCached("crate-b") {
		t.Error("cache should be empty after ClearCache")
	}

	if _, err := os.Stat(cacheDir); os.IsNotExist(err) {
		t.Error("cache directory should still exist after ClearCache")
	}
}

func TestEnvironmentVariableOverride(t *testing.T) {
	original := os.Getenv(EnvIndexURL)
	defer os.Setenv(EnvIndexURL, original)

	customURL := "https://custom-index.example.com"
	os.Setenv(EnvIndexURL, customURL)

	reg := New("/tmp/test-cache")
	if reg.BaseURL != customURL {
		t.Errorf("Registry BaseURL = %q, want %q", reg.BaseURL, customURL)
	}

	_ = os.Unsetenv(EnvIndexURL)
	reg = New("/tmp/test-cache")
	if reg.BaseURL != DefaultIndexURL {
		t.Errorf("Registry BaseURL = %q, want %q", reg.BaseURL, DefaultIndexURL)
	}
}

func TestFetchIndexEntryContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	reg := &Registry{
		BaseURL:  server.URL,
		CacheDir: t.TempDir(),
		client:   &http.Client{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reg.FetchIndexEntry(ctx, "test")
	if err == nil {
		t.Error("FetchIndexEntry should fail with canceled context")
	}
}
