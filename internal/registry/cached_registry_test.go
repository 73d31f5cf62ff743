package registry

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCachedRegistry_FreshCacheHit(t *testing.T) {
	cacheDir := t.TempDir()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Network should not be called for fresh cache hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("network content"))
	}))
	defer server.Close()

	reg := New(cacheDir)
	reg.BaseURL = server.URL

	content := []byte(`{"vers":"1.0.0","yanked":false,"cksum":"abc"}`)
	if err := reg.CacheIndexEntry("test-crate", content); err != nil {
		t.Fatalf("CacheIndexEntry failed: %v", err)
	}

	cached := NewCachedRegistry(reg, 1*time.Hour)

	result, info, err := cached.GetIndexEntry(context.Background(), "test-crate")
	if err != nil {
		t.Fatalf("GetIndexEntry failed: %v", err)
	}

	if string(result) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", result, content)
	}

	if info == nil {
		t.Fatal("expected CacheInfo, got nil")
	}
	if info.IsStale {
		t.Error("expected IsStale=false for fresh cache hit")
	}
}

func TestCachedRegistry_ExpiredCacheRefresh(t *testing.T) {
	cacheDir := t.TempDir()
	networkContent := []byte(`{"vers":"2.0.0","yanked":false,"cksum":"xyz"}`)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(networkContent)
	}))
	defer server.Close()

	reg := New(cacheDir)
	reg.BaseURL = server.URL

	oldContent := []byte(`{"vers":"1.0.0","yanked":false,"cksum":"abc"}`)
	entryPath := filepath.Join(cacheDir, "t", "test-crate.idx")
	if err := os.MkdirAll(filepath.Dir(entryPath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(entryPath, oldContent, 0644); err != nil {
		t.Fatal(err)
	}

	meta := &CacheMetadata{
		CachedAt:    time.Now().Add(-2 * time.Hour),
		ExpiresAt:   time.Now().Add(-1 * time.Hour),
		LastAccess:  time.Now().Add(-2 * time.Hour),
		Size:        int64(len(oldContent)),
		ContentHash: computeContentHash(oldContent),
	}
	if err := reg.WriteMeta("test-crate", meta); err != nil {
		t.Fatalf("WriteMeta failed: %v", err)
	}

	cached := NewCachedRegistry(reg, 1*time.Hour)

	result, info, err := cached.GetIndexEntry(context.Background(), "test-crate")
	if err != nil {
		t.Fatalf("GetIndexEntry failed: %v", err)
	}

	if string(result) != string(networkContent) {
		t.Errorf("content mismatch: got %q, want %q", result, networkContent)
	}

	if info == nil {
		t.Fatal("expected CacheInfo, got nil")
	}
	if info.IsStale {
		t.Error("expected IsStale=false after successful refresh")
	}

	newCached, _ := reg.GetCached("test-crate")
	if string(newCached) != string(networkContent) {
		t.Errorf("cache should be updated with network content")
	}
}

func TestCachedRegistry_StaleFallbackWithinMaxStale(t *testing.T) {
	cacheDir := t.TempDir()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	reg := New(cacheDir)
	reg.BaseURL = server.URL

	oldContent := []byte(`{"vers":"1.0.0","yanked":false,"cksum":"abc"}`)
	entryPath := filepath.Join(cacheDir, "t", "test-crate.idx")
	if err := os.MkdirAll(filepath.Dir(entryPath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(entryPath, oldContent, 0644); err != nil {
		t.Fatal(err)
	}

	meta := &CacheMetadata{
		CachedAt:    time.Now().Add(-2 * time.Hour),
		ExpiresAt:   time.Now().Add(-1 * time.Hour),
		LastAccess:  time.Now().Add(-2 * time.Hour),
		Size:        int64(len(oldContent)),
		ContentHash: computeContentHash(oldContent),
	}
	if err := reg.WriteMeta("test-crate", meta); err != nil {
		t.Fatalf("WriteMeta failed: %v", err)
	}

	cached := NewCachedRegistry(reg, 1*time.Hour)

	oldStderr := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w

	result, info, err := cached.GetIndexEntry(context.Background(), "test-crate")

	w.Close()
	os.Stderr = oldStderr
	var stderrBuf bytes.Buffer
	_, _ = stderrBuf.ReadFrom(r)
	stderrOutput := stderrBuf.String()

	if err != nil {
		t.Fatalf("GetIndexEntry should succeed with stale fallback, got error: %v", err)
	}

	if string(result) != string(oldContent) {
		t.Errorf("content mismatch: got %q, want %q", result, oldContent)
	}

	if info == nil {
		t.Fatal("expected CacheInfo, got nil")
	}
	if !info.IsStale {
		t.Error("expected IsStale=true for stale fallback")
	}

	if !strings.Contains(stderrOutput, "Warning: Using cached index entry 'test-crate'") {
		t.Errorf("expected warning message, got: %q", stderrOutput)
	}
}

func TestCachedRegistry_StaleFallbackExceedsMaxStale(t *testing.T) {
	cacheDir := t.TempDir()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	reg := New(cacheDir)
	reg.BaseURL = server.URL

	oldContent := []byte(`{"vers":"1.0.0","yanked":false,"cksum":"abc"}`)
	entryPath := filepath.Join(cacheDir, "t", "test-crate.idx")
	if err := os.MkdirAll(filepath.Dir(entryPath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(entryPath, oldContent, 0644); err != nil {
		t.Fatal(err)
	}

	meta := &CacheMetadata{
		CachedAt:    time.Now().Add(-10 * 24 * time.Hour),
		ExpiresAt:   time.Now().Add(-10*24*time.Hour + 1*time.Hour),
		LastAccess:  time.Now().Add(-10 * 24 * time.Hour),
		Size:        int64(len(oldContent)),
		ContentHash: computeContentHash(oldContent),
	}
	if err := reg.WriteMeta("test-crate", meta); err != nil {
		t.Fatalf("WriteMeta failed: %v", err)
	}

	cached := NewCachedRegistry(reg, 1*time.Hour)

	_, _, err := cached.GetIndexEntry(context.Background(), "test-crate")
	if err == nil {
		t.Fatal("expected error for cache exceeding max stale")
	}

	var regErr *RegistryError
	if !errors.As(err, &regErr) {
		t.Fatalf("expected *RegistryError, got %T", err)
	}
	if regErr.Type != ErrTypeCacheTooStale {
		t.Errorf("expected ErrTypeCacheTooStale, got %v", regErr.Type)
	}
}

func TestCachedRegistry_StaleFallbackDisabled(t *testing.T) {
	cacheDir := t.TempDir()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	reg := New(cacheDir)
	reg.BaseURL = server.URL

	oldContent := []byte(`{"vers":"1.0.0","yanked":false,"cksum":"abc"}`)
	entryPath := filepath.Join(cacheDir, "t", "test-crate.idx")
	if err := os.MkdirAll(filepath.Dir(entryPath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(entryPath, oldContent, 0644); err != nil {
		t.Fatal(err)
	}

	meta := &CacheMetadata{
		CachedAt:    time.Now().Add(-2 * time.Hour),
		ExpiresAt:   time.Now().Add(-1 * time.Hour),
		LastAccess:  time.Now().Add(-2 * time.Hour),
		Size:        int64(len(oldContent)),
		ContentHash: computeContentHash(oldContent),
	}
	if err := reg.WriteMeta("test-crate", meta); err != nil {
		t.Fatalf("WriteMeta failed: %v", err)
	}

	cached := NewCachedRegistry(reg, 1*time.Hour)
	cached.SetStaleFallback(false)

	_, _, err := cached.GetIndexEntry(context.Background(), "test-crate")
	if err == nil {
		t.Error("expected error when stale fallback is disabled")
	}
}

func TestCachedRegistry_StaleFallbackDisabledViaMaxStaleZero(t *testing.T) {
	cacheDir := t.TempDir()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	reg := New(cacheDir)
	reg.BaseURL = server.URL

	oldContent := []byte(`{"vers":"1.0.0","yanked":false,"cksum":"abc"}`)
	entryPath := filepath.Join(cacheDir, "t", "test-crate.idx")
	if err := os.MkdirAll(filepath.Dir(entryPath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(entryPath, oldContent, 0644); err != nil {
		t.Fatal(err)
	}

	meta := &CacheMetadata{
		CachedAt:    time.Now().Add(-2 * time.Hour),
		ExpiresAt:   time.Now().Add(-1 * time.Hour),
		LastAccess:  time.Now().Add(-2 * time.Hour),
		Size:        int64(len(oldContent)),
		ContentHash: computeContentHash(oldContent),
	}
	if err := reg.WriteMeta("test-crate", meta); err != nil {
		t.Fatalf("WriteMeta failed: %v", err)
	}

	cached := NewCachedRegistry(reg, 1*time.Hour)
	cached.SetMaxStale(0)

	_, _, err := cached.GetIndexEntry(context.Background(), "test-crate")
	if err == nil {
		t.Error("expected error when max stale is 0")
	}
}

func TestCachedRegistry_CacheMissNetworkSuccess(t *testing.T) {
	cacheDir := t.TempDir()
	networkContent := []byte(`{"vers":"1.0.0","yanked":false,"cksum":"new"}`)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(networkContent)
	}))
	defer server.Close()

	reg := New(cacheDir)
	reg.BaseURL = server.URL

	cached := NewCachedRegistry(reg, 1*time.Hour)

	result, info, err := cached.GetIndexEntry(context.Background(), "new-crate")
	if err != nil {
		t.Fatalf("GetIndexEntry failed: %v", err)
	}

	if string(result) != string(networkContent) {
		t.Errorf("content mismatch: got %q, want %q", result, networkContent)
	}

	if info == nil {
		t.Fatal("expected CacheInfo, got nil")
	}
	if info.IsStale {
		t.Error("expected IsStale=false for fresh fetch")
	}

	cachedContent, _ := reg.GetCached("new-crate")
	if string(cachedContent) != string(networkContent) {
		t.Error("content should be cached after fetch")
	}

	meta, _ := reg.ReadMeta("new-crate")
	if meta == nil {
		t.Fatal("metadata should exist")
	}
	expectedExpiry := meta.CachedAt.Add(1 * time.Hour)
	if !meta.ExpiresAt.Equal(expectedExpiry) {
		t.Errorf("ExpiresAt mismatch: got %v, want %v", meta.ExpiresAt, expectedExpiry)
	}
}

func TestCachedRegistry_CacheMissNetworkFailure(t *testing.T) {
	cacheDir := t.TempDir()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	reg := New(cacheDir)
	reg.BaseURL = server.URL

	cached := NewCachedRegistry(reg, 1*time.Hour)

	_, _, err := cached.GetIndexEntry(context.Background(), "nonexistent")
	if err == nil {
		t.Error("expected error for cache miss with network failure")
	}

	regErr, ok := err.(*RegistryError)
	if !ok {
		t.Errorf("expected *RegistryError, got %T", err)
	} else if regErr.Type != ErrTypeNotFound {
		t.Errorf("expected ErrTypeNotFound, got %v", regErr.Type)
	}
}

func TestCachedRegistry_TTLRespected(t *testing.T) {
	cacheDir := t.TempDir()
	fetchCount := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetchCount++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"vers":"1.0.0","yanked":false,"cksum":"t"}`))
	}))
	defer server.Close()

	reg := New(cacheDir)
	reg.BaseURL = server.URL

	cached := NewCachedRegistry(reg, 100*time.Millisecond)

	_, _, err := cached.GetIndexEntry(context.Background(), "test")
	if err != nil {
		t.Fatalf("first GetIndexEntry failed: %v", err)
	}
	if fetchCount != 1 {
		t.Errorf("expected 1 fetch, got %d", fetchCount)
	}

	_, _, err = cached.GetIndexEntry(context.Background(), "test")
	if err != nil {
		t.Fatalf("second GetIndexEntry failed: %v", err)
	}
	if fetchCount != 1 {
		t.Errorf("expected 1 fetch (cached), got %d", fetchCount)
	}

	time.Sleep(150 * time.Millisecond)

	_, _, err = cached.GetIndexEntry(context.Background(), "test")
	if err != nil {
		t.Fatalf("third GetIndexEntry failed: %v", err)
	}
	if fetchCount != 2 {
		t.Errorf("expected 2 fetches after TTL expiry, got %d", fetchCount)
	}
}

func TestCachedRegistry_Registry(t *testing.T) {
	cacheDir := t.TempDir()
	reg := New(cacheDir)
	cached := NewCachedRegistry(reg, 1*time.Hour)

	if cached.Registry() != reg {
		t.Error("Registry() should return underlying registry")
	}
}

func TestCachedRegistry_WithCacheManager(t *testing.T) {
	cacheDir := t.TempDir()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content := make([]byte, 1024)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(content)
	}))
	defer server.Close()

	reg := New(cacheDir)
	reg.BaseURL = server.URL

	cm := NewCacheManager(cacheDir, 2048)

	cached := NewCachedRegistry(reg, 1*time.Hour)
	cached.SetCacheManager(cm)

	if cached.CacheManager() != cm {
		t.Error("CacheManager() should return configured manager")
	}

	_, _, err := cached.GetIndexEntry(context.Background(), "crate1")
	if err != nil {
		t.Fatalf("First GetIndexEntry failed: %v", err)
	}

	_, _, err = cached.GetIndexEntry(context.Background(), "crate2")
	if err != nil {
		t.Fatalf("Second GetIndexEntry failed: %v", err)
	}

	size, _ := cm.Size()
	lowWater := int64(2048 * 60 / 100)
	if size > lowWater {
		t.Errorf("Cache size %d should be <= low water mark %d after eviction", size, lowWater)
	}
}

func TestCachedRegistry_NoCacheManager(t *testing.T) {
	cacheDir := t.TempDir()
	content := []byte(`{"vers":"1.0.0","yanked":false,"cksum":"t"}`)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(content)
	}))
	defer server.Close()

	reg := New(cacheDir)
	reg.BaseURL = server.URL

	cached := NewCachedRegistry(reg, 1*time.Hour)

	if cached.CacheManager() != nil {
		t.Error("CacheManager() should be nil by default")
	}

	result, _, err := cached.GetIndexEntry(context.Background(), "test")
	if err != nil {
		t.Fatalf("GetIndexEntry failed: %v", err)
	}

	if string(result) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", result, content)
	}
}

func TestCachedRegistry_SetMaxStale(t *testing.T) {
	cacheDir := t.TempDir()
	reg := New(cacheDir)

	cached := NewCachedRegistry(reg, 1*time.Hour)
	cached.SetMaxStale(24 * time.Hour)
}

func TestCachedRegistry_SetStaleFallback(t *testing.T) {
	cacheDir := t.TempDir()
	reg := New(cacheDir)

	cached := NewCachedRegistry(reg, 1*time.Hour)
	cached.SetStaleFallback(false)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{30 * time.Minute, "30 minutes"},
		{1 * time.Hour, "1 hour"},
		{2 * time.Hour, "2 hours"},
		{23 * time.Hour, "23 hours"},
		{24 * time.Hour, "1 day"},
		{48 * time.Hour, "2 days"},
		{7 * 24 * time.Hour, "7 days"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatDuration(tt.duration)
			if result != tt.expected {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.duration, result, tt.expected)
			}
		})
	}
}
