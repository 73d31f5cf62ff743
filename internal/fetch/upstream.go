package fetch

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/binstow/binstow/internal/extractor"
	"github.com/binstow/binstow/internal/httputil"
	"github.com/binstow/binstow/internal/target"
	"github.com/binstow/binstow/internal/urltemplate"
)

// archiveSuffixFor returns the canonical filename suffix for a package
// format, factoring in the target's binary extension for the raw case.
func archiveSuffixFor(f extractor.Format, t target.Triple) string {
	switch f {
	case extractor.FormatTar:
		return ".tar"
	case extractor.FormatTarGz:
		return ".tar.gz"
	case extractor.FormatTarBz2:
		return ".tar.bz2"
	case extractor.FormatTarXz:
		return ".tar.xz"
	case extractor.FormatTarZstd:
		return ".tar.zst"
	case extractor.FormatTarLzip:
		return ".tar.lz"
	case extractor.FormatZip:
		return ".zip"
	case extractor.FormatRaw:
		return t.BinaryExt()
	default:
		return ""
	}
}

// candidate is one (format, rendered URL) pair produced from a pkg-url
// template for a single target.
type candidate struct {
	format extractor.Format
	url    string
}

// UpstreamMetadataFetcher locates an artifact using the crate's declared
// pkg-url (if any) or, failing that, the default release-URL templates for
// its repository's hosting service (spec §4.F, grounded on the upstream
// gh_crate_meta fetcher). Existence is tested with a HEAD probe, routed
// through the GitHub artifact cache when the URL is a github.com release
// asset so N probes against the same release cost one API call.
type UpstreamMetadataFetcher struct {
	data   Data
	triple target.Triple
	client *httputil.RetryingClient
	gh     *GitHubArtifactCache

	mu       sync.Mutex
	resolved *candidate
}

// NewUpstreamMetadataFetcher constructs a fetcher for one target triple.
func NewUpstreamMetadataFetcher(data Data, triple target.Triple, client *httputil.RetryingClient, gh *GitHubArtifactCache) *UpstreamMetadataFetcher {
	return &UpstreamMetadataFetcher{data: data, triple: triple, client: client, gh: gh}
}

func (f *UpstreamMetadataFetcher) candidates() []candidate {
	var templates []string
	if f.data.Meta.PkgURL != "" {
		templates = []string{f.data.Meta.PkgURL}
	} else {
		host := GuessHostingService(f.data.Repo)
		templates = DefaultPkgURLTemplates(host)
	}
	if len(templates) == 0 {
		return nil
	}

	formats := formatsToTry(f.data.Meta.PkgFmt)
	out := make([]candidate, 0, len(templates)*len(formats))
	for _, fm := range formats {
		suffix := archiveSuffixFor(fm, f.triple)
		ctx := contextFor(f.data, f.triple, suffix)
		for _, tpl := range templates {
			url, err := urltemplate.Render(tpl, ctx)
			if err != nil {
				continue
			}
			out = append(out, candidate{format: fm, url: url})
		}
	}
	return out
}

// Find races HEAD probes across every (format, template) candidate and
// keeps the first one to answer "exists". Individual probe errors (network
// failures, 404s) are swallowed, and Find never returns an error: no
// candidate, no probe success, or a cancelled ctx all yield (false, nil).
func (f *UpstreamMetadataFetcher) Find(ctx context.Context) (bool, error) {
	cands := f.candidates()
	if len(cands) == 0 {
		return false, nil
	}

	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner *candidate
	)
	for i := range cands {
		c := cands[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.probe(probeCtx, c.url)
			if err != nil || !ok {
				return
			}
			mu.Lock()
			if winner == nil {
				winner = &c
				cancel()
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if winner == nil {
		return false, nil
	}
	f.mu.Lock()
	f.resolved = winner
	f.mu.Unlock()
	return true, nil
}

func (f *UpstreamMetadataFetcher) probe(ctx context.Context, url string) (bool, error) {
	if owner, repo, tag, filename, ok := TryExtractRelease(url); ok && f.gh != nil {
		present, err := f.gh.HasAsset(ctx, owner, repo, tag, filename)
		if err == nil {
			return present, nil
		}
		// Rate-limited or otherwise inconclusive: fall through to a
		// direct HEAD probe below.
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := f.client.Do(req, false)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// FetchAndExtract downloads the URL found by Find and extracts it under
// destDir. No checksum or signature check is applied: the extractor is
// given a nil verifier.
func (f *UpstreamMetadataFetcher) FetchAndExtract(ctx context.Context, destDir string) error {
	f.mu.Lock()
	winner := f.resolved
	f.mu.Unlock()
	if winner == nil {
		return fmt.Errorf("fetch: FetchAndExtract called before a successful Find")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, winner.url, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req, true)
	if err != nil {
		return fmt.Errorf("fetch: downloading %s: %w", winner.url, err)
	}
	defer resp.Body.Close()

	return extractor.ToFile(winner.format, resp.Body, destDir, nil)
}

func (f *UpstreamMetadataFetcher) PkgFmt() extractor.Format {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved != nil {
		return f.resolved.format
	}
	return extractor.FormatTarGz
}

func (f *UpstreamMetadataFetcher) SourceName() string { return "upstream metadata" }
func (f *UpstreamMetadataFetcher) Target() string     { return f.triple.String() }
func (f *UpstreamMetadataFetcher) IsThirdParty() bool { return false }

// ReportToUpstream is a no-op for this strategy: unlike the third-party
// mirror, first-party hosting services have no install-telemetry endpoint.
func (f *UpstreamMetadataFetcher) ReportToUpstream(ctx context.Context) {}
