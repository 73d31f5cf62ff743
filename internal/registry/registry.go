package registry

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/binstow/binstow/internal/config"
)

const (
	// DefaultIndexURL is the default sparse-HTTP index base, matching
	// crates.io's own sparse index.
	DefaultIndexURL = "https://index.crates.io"

	// EnvIndexURL overrides the sparse-HTTP index base URL.
	EnvIndexURL = "BINSTOW_INDEX_URL"
)

// Registry fetches raw index-entry blobs from a sparse-HTTP crate index and
// caches them locally, independent of how those blobs are subsequently
// parsed and matched (see sparse.go).
type Registry struct {
	BaseURL  string // Base URL of the sparse index.
	CacheDir string // Local cache directory.
	client   *http.Client
}

// newRegistryHTTPClient creates a secure HTTP client for registry operations
// with compression disabled (decompression-bomb protection) and conservative
// timeouts.
func newRegistryHTTPClient() *http.Client {
	return &http.Client{
		Timeout: config.GetHTTPTimeout(),
		Transport: &http.Transport{
			DisableCompression: true,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// New creates a Registry rooted at cacheDir, honoring EnvIndexURL.
func New(cacheDir string) *Registry {
	baseURL := os.Getenv(EnvIndexURL)
	if baseURL == "" {
		baseURL = DefaultIndexURL
	}

	return &Registry{
		BaseURL:  baseURL,
		CacheDir: cacheDir,
		client:   newRegistryHTTPClient(),
	}
}

// firstLetter is the cache-layout discriminator: a single lowercase letter
// (or "0" for names that don't start with one), kept independent of the
// wire-level crate_prefix_components scheme used to build index URLs.
func firstLetter(name string) string {
	if name == "" {
		return "0"
	}
	c := strings.ToLower(string(name[0]))
	if c < "a" || c > "z" {
		return "0"
	}
	return c
}

// indexURL returns the sparse-HTTP URL for a crate's index entry file,
// following the crate_prefix_components path layout (spec §4.D).
func (r *Registry) indexURL(name string) string {
	if name == "" {
		return ""
	}
	c1, c2, err := cratePrefixComponents(name)
	if err != nil {
		return ""
	}
	if c2 != "" {
		return fmt.Sprintf("%s/%s/%s/%s", r.BaseURL, c1, c2, strings.ToLower(name))
	}
	return fmt.Sprintf("%s/%s/%s", r.BaseURL, c1, strings.ToLower(name))
}

// cachePath returns the local cache path for a crate's index entry blob.
func (r *Registry) cachePath(name string) string {
	if name == "" {
		return ""
	}
	return filepath.Join(r.CacheDir, firstLetter(name), name+".idx")
}

// FetchIndexEntry fetches the raw newline-delimited-JSON index entry blob
// for a crate from the sparse index.
func (r *Registry) FetchIndexEntry(ctx context.Context, name string) ([]byte, error) {
	url := r.indexURL(name)
	if url == "" {
		return nil, &RegistryError{
			Type:    ErrTypeValidation,
			Crate:   name,
			Message: "invalid crate name",
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &RegistryError{
			Type:    ErrTypeNetwork,
			Crate:   name,
			Message: "failed to create request",
			Err:     err,
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, WrapNetworkError(err, name, "failed to fetch index entry")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &RegistryError{
			Type:    ErrTypeNotFound,
			Crate:   name,
			Message: fmt.Sprintf("crate %s not found in registry index", name),
		}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RegistryError{
			Type:    ErrTypeRateLimit,
			Crate:   name,
			Message: "registry index rate limit exceeded",
		}
	}

	if resp.StatusCode != http.StatusOK {
		errType := ErrTypeNetwork
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			errType = ErrTypeValidation
		}
		return nil, &RegistryError{
			Type:    errType,
			Crate:   name,
			Message: fmt.Sprintf("registry index returned status %d", resp.StatusCode),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RegistryError{
			Type:    ErrTypeParsing,
			Crate:   name,
			Message: "failed to read index entry content",
			Err:     err,
		}
	}

	return data, nil
}

// GetCached returns a cached index entry blob if it exists.
func (r *Registry) GetCached(name string) ([]byte, error) {
	path := r.cachePath(name)
	if path == "" {
		return nil, fmt.Errorf("invalid crate name")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cached index entry: %w", err)
	}

	meta, _ := r.ReadMeta(name)
	if meta == nil {
		meta, err = newCacheMetadataFromFile(path, data, DefaultCacheTTL)
		if err == nil {
			_ = r.WriteMeta(name, meta)
		}
	} else {
		_ = r.UpdateLastAccess(name)
	}

	return data, nil
}

// CacheIndexEntry saves an index entry blob to the local cache and writes
// its metadata sidecar.
func (r *Registry) CacheIndexEntry(name string, data []byte) error {
	path := r.cachePath(name)
	if path == "" {
		return fmt.Errorf("invalid crate name")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write cached index entry: %w", err)
	}

	meta := newCacheMetadata(data, DefaultCacheTTL)
	_ = r.WriteMeta(name, meta)

	return nil
}

// ClearCache removes all cached index entries.
func (r *Registry) ClearCache() error {
	if r.CacheDir == "" {
		return fmt.Errorf("cache directory not set")
	}

	if err := os.RemoveAll(r.CacheDir); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}

	if err := os.MkdirAll(r.CacheDir, 0755); err != nil {
		return fmt.Errorf("failed to recreate cache directory: %w", err)
	}

	return nil
}

// IsCached checks if a crate's index entry is cached locally.
func (r *Registry) IsCached(name string) bool {
	path := r.cachePath(name)
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// ListCached returns all cached crate names.
func (r *Registry) ListCached() ([]string, error) {
	if r.CacheDir == "" {
		return nil, nil
	}

	var names []string

	entries, err := os.ReadDir(r.CacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		letterDir := filepath.Join(r.CacheDir, entry.Name())
		subEntries, err := os.ReadDir(letterDir)
		if err != nil {
			continue
		}

		for _, subEntry := range subEntries {
			if subEntry.IsDir() {
				continue
			}
			name := subEntry.Name()
			if strings.HasSuffix(name, ".idx") {
				names = append(names, strings.TrimSuffix(name, ".idx"))
			}
		}
	}

	return names, nil
}
