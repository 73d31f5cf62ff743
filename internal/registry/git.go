package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/binstow/binstow/internal/httputil"
)

// GitProvider resolves crates against a git-hosted index, cloned shallowly
// once per process into a temp directory (spec §4.D, "Git variant").
type GitProvider struct {
	repoURL string
	client  *httputil.RetryingClient

	mu       sync.Mutex
	cloneDir string
	config   *registryConfig
}

// NewGitProvider builds a provider that shallow-clones repoURL on first use.
func NewGitProvider(repoURL string, client *httputil.RetryingClient) *GitProvider {
	return &GitProvider{repoURL: repoURL, client: client}
}

// ensureClone performs the one-time shallow clone, idempotently: a depth-1
// clone with a checked-out working tree, not a bare repository.
func (p *GitProvider) ensureClone(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cloneDir != "" {
		return p.cloneDir, nil
	}

	dir, err := os.MkdirTemp("", "binstow-index-*")
	if err != nil {
		return "", fmt.Errorf("registry: create clone directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", p.repoURL, dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("registry: shallow clone of %s failed: %w: %s", p.repoURL, err, strings.TrimSpace(string(out)))
	}

	p.cloneDir = dir
	return dir, nil
}

// entryPath returns the on-disk path of a crate's index entry file within
// the cloned index, mirroring the sparse-HTTP layout (spec §4.D).
func entryPath(cloneDir, crateName string) (string, error) {
	c1, c2, err := cratePrefixComponents(crateName)
	if err != nil {
		return "", err
	}
	if c2 != "" {
		return filepath.Join(cloneDir, c1, c2, strings.ToLower(crateName)), nil
	}
	return filepath.Join(cloneDir, c1, strings.ToLower(crateName)), nil
}

// loadConfig reads config.json from the HEAD commit's tree.
func (p *GitProvider) loadConfig(ctx context.Context) (*registryConfig, error) {
	p.mu.Lock()
	if p.config != nil {
		defer p.mu.Unlock()
		return p.config, nil
	}
	p.mu.Unlock()

	dir, err := p.ensureClone(ctx)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("registry: read index config.json: %w", err)
	}

	var cfg registryConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("registry: parse index config.json: %w", err)
	}

	p.mu.Lock()
	p.config = &cfg
	p.mu.Unlock()
	return &cfg, nil
}

// FetchMatching implements Provider. Subsequent lookups after the initial
// clone read directly from the working tree, since a shallow clone's HEAD
// commit already holds every current entry file.
func (p *GitProvider) FetchMatching(ctx context.Context, name string, req *semver.Constraints) (*Manifest, MatchedVersion, error) {
	dir, err := p.ensureClone(ctx)
	if err != nil {
		return nil, MatchedVersion{}, err
	}

	path, err := entryPath(dir, name)
	if err != nil {
		return nil, MatchedVersion{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, MatchedVersion{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, MatchedVersion{}, fmt.Errorf("registry: read index entry for %s: %w", name, err)
	}

	entries := parseIndexEntries(data)
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

// Close removes the temp clone directory, if one was created.
func (p *GitProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cloneDir == "" {
		return nil
	}
	err := os.RemoveAll(p.cloneDir)
	p.cloneDir = ""
	return err
}
