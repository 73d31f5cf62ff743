package registry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/binstow/binstow/internal/httputil"
)

// indexEntry is one line of a sparse-index entry file.
type indexEntry struct {
	Vers   string `json:"vers"`
	Yanked bool   `json:"yanked"`
	Cksum  string `json:"cksum"`
}

// ErrVersionMismatch is returned when no entry satisfies a requirement.
var ErrVersionMismatch = fmt.Errorf("registry: no version satisfies the requirement")

// ErrNotFound is returned when the crate has no entry in the index at all.
var ErrNotFound = fmt.Errorf("registry: crate not found in index")

// cratePrefixComponents returns the length-1/2/3/4+ crate-name prefix
// components used both to locate a crate's sparse-index path and to render
// its `dl` download-URL template (spec §4.D). Grounded on the upstream
// registry's crate_prefix_components: names of length 1 or 2 form their own
// single-component bucket; length 3 buckets under "3/<first-char>"; length
// 4+ buckets under "<c1c2>/<c3c4>".
func cratePrefixComponents(crateName string) (string, string, error) {
	n := len(crateName)
	switch {
	case n == 0:
		return "", "", fmt.Errorf("registry: empty crate name")
	case n == 1:
		return "1", "", nil
	case n == 2:
		return "2", "", nil
	case n == 3:
		return "3", strings.ToLower(crateName[:1]), nil
	default:
		return strings.ToLower(crateName[:2]), strings.ToLower(crateName[2:4]), nil
	}
}

// parseIndexEntries parses a newline-delimited-JSON sparse-index blob.
// Lines that fail to parse are skipped rather than failing the whole fetch,
// matching the upstream index's tolerance of trailing blank lines.
func parseIndexEntries(data []byte) []indexEntry {
	var entries []indexEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e indexEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// findMatch implements spec §4.D's matching algorithm: among entries whose
// Yanked is false and whose Vers parses and satisfies req, return the one
// with the maximum Vers.
func findMatch(entries []indexEntry, req *semver.Constraints) (MatchedVersion, error) {
	var best *semver.Version
	var bestEntry indexEntry

	for _, e := range entries {
		if e.Yanked {
			continue
		}
		v, err := semver.NewVersion(e.Vers)
		if err != nil {
			continue
		}
		if !req.Check(v) {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
			bestEntry = e
		}
	}

	if best == nil {
		return MatchedVersion{}, ErrVersionMismatch
	}
	return MatchedVersion{Version: bestEntry.Vers, SHA256Hex: bestEntry.Cksum}, nil
}

// renderDLTemplate renders the registry's `dl` download-URL template for a
// matched version. Supported tokens: {crate}, {version}, {prefix},
// {lowerprefix}, {sha256-checksum}. A template with no recognized tokens is
// treated as a base URL, and the crates.io-style suffix
// "/<crate>/<version>/download" is appended (spec §4.D).
func renderDLTemplate(dlTemplate, crateName string, c1, c2 string, matched MatchedVersion) string {
	prefix := c1
	lowerPrefix := strings.ToLower(c1)
	if c2 != "" {
		prefix = c1 + "/" + c2
		lowerPrefix = strings.ToLower(prefix)
	}

	if !strings.Contains(dlTemplate, "{") {
		return fmt.Sprintf("%s/%s/%s/download", dlTemplate, crateName, matched.Version)
	}

	replacer := strings.NewReplacer(
		"{crate}", crateName,
		"{version}", matched.Version,
		"{prefix}", prefix,
		"{lowerprefix}", lowerPrefix,
		"{sha256-checksum}", matched.SHA256Hex,
	)
	return replacer.Replace(dlTemplate)
}

// registryConfig mirrors config.json at a sparse index's root, which
// carries the `dl` download-URL template.
type registryConfig struct {
	DL string `json:"dl"`
}

// SparseHTTPProvider resolves crates against a sparse-HTTP index such as
// crates.io's (spec §4.D, "Sparse HTTP variant").
type SparseHTTPProvider struct {
	reg    *Registry
	client *httputil.RetryingClient
	config *registryConfig
}

// NewSparseHTTPProvider builds a provider backed by reg (for index-entry
// fetch and caching) and client (for the config.json and crate-tarball
// fetches).
func NewSparseHTTPProvider(reg *Registry, client *httputil.RetryingClient) *SparseHTTPProvider {
	return &SparseHTTPProvider{reg: reg, client: client}
}

func newGETRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: build request for %s: %w", url, err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// loadConfig fetches and caches config.json, which carries the `dl`
// template, once per provider lifetime.
func (p *SparseHTTPProvider) loadConfig(ctx context.Context) (*registryConfig, error) {
	if p.config != nil {
		return p.config, nil
	}

	url := p.reg.BaseURL + "/config.json"
	req, err := newGETRequest(ctx, url)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req, true)
	if err != nil {
		return nil, fmt.Errorf("registry: fetch index config: %w", err)
	}
	defer resp.Body.Close()

	var cfg registryConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("registry: parse index config: %w", err)
	}
	p.config = &cfg
	return p.config, nil
}

// FetchMatching implements Provider.
func (p *SparseHTTPProvider) FetchMatching(ctx context.Context, name string, req *semver.Constraints) (*Manifest, MatchedVersion, error) {
	entries, err := p.fetchEntries(ctx, name)
	if err != nil {
		return nil, MatchedVersion{}, err
	}

	matched, err := findMatch(entries, req)
	if err != nil {
		return nil, MatchedVersion{}, err
	}

	cfg, err := p.loadConfig(ctx)
	if err != nil {
		return nil, MatchedVersion{}, err
	}

	c1, c2, err := cratePrefixComponents(name)
	if err != nil {
		return nil, MatchedVersion{}, err
	}
	crateURL := renderDLTemplate(cfg.DL, name, c1, c2, matched)

	manifest, err := parseManifest(ctx, p.client, crateURL, name, matched.Version, matched.SHA256Hex)
	if err != nil {
		return nil, MatchedVersion{}, err
	}

	return manifest, matched, nil
}

// fetchEntries serves the crate's index-entry blob from cache when fresh,
// otherwise fetches and caches it, then parses it into entries.
func (p *SparseHTTPProvider) fetchEntries(ctx context.Context, name string) ([]indexEntry, error) {
	cached := NewCachedRegistry(p.reg, 5*time.Minute)
	data, _, err := cached.GetIndexEntry(ctx, name)
	if err != nil {
		if re, ok := err.(*RegistryError); ok && re.Type == ErrTypeNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	return parseIndexEntries(data), nil
}
