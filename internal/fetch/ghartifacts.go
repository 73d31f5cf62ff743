package fetch

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// ghRelease identifies a single GitHub release, used as the coalescing key
// for GitHubArtifactCache (spec §4.F: "batched GitHub artifact-existence
// lookup, cached per release so multiple target/format probes against the
// same release cost a single API call").
type ghRelease struct {
	owner, repo, tag string
}

// GitHubArtifactCache answers "does this release have an asset with this
// filename" for many (release, filename) pairs while making at most one
// GetReleaseByTag call per distinct release, and backs off globally once
// the GitHub API signals rate-limiting.
//
// Grounded on the upstream gh_api_client: a two-level cache (per-release
// asset-name set, built once per release) plus a shared "retry after" gate
// so every caller observes a rate limit hit by any caller.
type GitHubArtifactCache struct {
	client *github.Client

	mu         sync.Mutex
	sets       map[ghRelease]*assetSetEntry
	retryAfter time.Time
}

type assetSetEntry struct {
	once  sync.Once
	names map[string]struct{}
	err   error
}

// NewGitHubArtifactCache builds a cache authenticated from the GITHUB_TOKEN
// environment variable, if set; unauthenticated requests are subject to
// GitHub's much lower anonymous rate limit but otherwise work the same.
func NewGitHubArtifactCache(httpClient *http.Client) *GitHubArtifactCache {
	token := os.Getenv("GITHUB_TOKEN")
	gh := github.NewClient(httpClient)
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		gh = github.NewClient(oauth2.NewClient(context.Background(), ts))
	}
	return &GitHubArtifactCache{
		client: gh,
		sets:   make(map[ghRelease]*assetSetEntry),
	}
}

// ErrRateLimited is returned by HasAsset when the shared rate-limit gate is
// currently closed; callers should treat this as "probe inconclusive" and
// fall back to a direct HTTP HEAD request rather than failing outright.
var ErrRateLimited = fmt.Errorf("fetch: GitHub API rate limit reached")

// TryExtractRelease parses a github.com release-download asset URL into its
// (owner, repo, tag) components, mirroring GhReleaseArtifact::try_extract_from_url.
// It returns ok=false for any URL that isn't a recognized release-asset URL.
func TryExtractRelease(url string) (owner, repo, tag, filename string, ok bool) {
	const prefix = "https://github.com/"
	if !strings.HasPrefix(url, prefix) {
		return "", "", "", "", false
	}
	rest := strings.TrimPrefix(url, prefix)
	parts := strings.Split(rest, "/")
	// owner/repo/releases/download/tag/filename
	if len(parts) != 6 || parts[2] != "releases" || parts[3] != "download" {
		return "", "", "", "", false
	}
	return parts[0], parts[1], parts[4], parts[5], true
}

// HasAsset reports whether the named release contains an asset with
// exactly the given filename. It returns ErrRateLimited (not a hard error)
// when the shared backoff gate is closed; callers fall back to raw HTTP.
func (c *GitHubArtifactCache) HasAsset(ctx context.Context, owner, repo, tag, filename string) (bool, error) {
	c.mu.Lock()
	if time.Now().Before(c.retryAfter) {
		c.mu.Unlock()
		return false, ErrRateLimited
	}
	key := ghRelease{owner, repo, tag}
	entry, ok := c.sets[key]
	if !ok {
		entry = &assetSetEntry{}
		c.sets[key] = entry
	}
	c.mu.Unlock()

	entry.once.Do(func() {
		entry.names, entry.err = c.fetchAssetNames(ctx, owner, repo, tag)
	})
	if entry.err != nil {
		if rl, ok := entry.err.(*github.RateLimitError); ok {
			c.mu.Lock()
			c.retryAfter = rl.Rate.Reset.Time
			c.mu.Unlock()
			return false, ErrRateLimited
		}
		return false, entry.err
	}
	_, present := entry.names[filename]
	return present, nil
}

func (c *GitHubArtifactCache) fetchAssetNames(ctx context.Context, owner, repo, tag string) (map[string]struct{}, error) {
	release, _, err := c.client.Repositories.GetReleaseByTag(ctx, owner, repo, tag)
	if err != nil {
		// Rate limit, release not found, unauthorized or any other API
		// failure: HasAsset reports it and the caller degrades to a direct
		// probe.
		return nil, err
	}
	names := make(map[string]struct{}, len(release.Assets))
	for _, a := range release.Assets {
		if a.Name != nil {
			names[*a.Name] = struct{}{}
		}
	}
	return names, nil
}
