package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/ProtonMail/gopenpgp/v2/crypto"

	"github.com/binstow/binstow/internal/extractor"
	"github.com/binstow/binstow/internal/httputil"
	"github.com/binstow/binstow/internal/target"
	"github.com/binstow/binstow/internal/verify"
)

const (
	mirrorBaseURL              = "https://github.com/cargo-bins/cargo-quickinstall/releases/download"
	mirrorStatsURL             = "https://warehouse-clerk-tmp.vercel.app/api/crate"
	mirrorSupportedTargetsURL  = "https://raw.githubusercontent.com/cargo-bins/cargo-quickinstall/main/supported-targets"
	mirrorSignKeyArmored       = "" // ships empty, so buildVerifier returns nil and mirror downloads are not signature-checked; nothing else supplies a key.
	mirrorUniversalMacOSTarget = "universal-apple-darwin"
)

var (
	supportedTargetsOnce sync.Once
	supportedTargets     map[string]struct{}
	supportedTargetsErr  error
)

// fetchSupportedTargets downloads and caches, for the lifetime of the
// process, the quickinstall mirror's whitespace-separated list of targets
// it publishes builds for (grounded on quickinstall.rs's
// get_quickinstall_supported_targets, which uses a process-lifetime
// OnceCell for the same reason: the list rarely changes and a repeat
// multi-target install shouldn't refetch it per target).
func fetchSupportedTargets(ctx context.Context, client *httputil.RetryingClient) (map[string]struct{}, error) {
	supportedTargetsOnce.Do(func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, mirrorSupportedTargetsURL, nil)
		if err != nil {
			supportedTargetsErr = err
			return
		}
		resp, err := client.Do(req, true)
		if err != nil {
			supportedTargetsErr = err
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			supportedTargetsErr = err
			return
		}
		set := make(map[string]struct{})
		for _, tgt := range strings.Fields(string(body)) {
			set[tgt] = struct{}{}
		}
		supportedTargets = set
	})
	return supportedTargets, supportedTargetsErr
}

// isUniversalMacOS reports whether t is the lipo'd universal macOS target,
// which the quickinstall mirror never publishes artifacts for (every
// individual-arch macOS build supersedes it).
func isUniversalMacOS(t target.Triple) bool {
	return t.String() == mirrorUniversalMacOSTarget
}

// ThirdPartyMirrorFetcher fetches from the cargo-quickinstall community
// mirror: a fixed, non-configurable URL scheme keyed only by name, version,
// and target, always tar.gz (spec §4.F, grounded on quickinstall.rs).
// Unlike UpstreamMetadataFetcher it reports every install attempt to the
// mirror's stats endpoint, best-effort, so the mirror maintainers know
// which builds are worth keeping warm.
type ThirdPartyMirrorFetcher struct {
	data   Data
	triple target.Triple
	client *httputil.RetryingClient

	resolvedURL string
}

// NewThirdPartyMirrorFetcher constructs a mirror fetcher for one target.
func NewThirdPartyMirrorFetcher(data Data, triple target.Triple, client *httputil.RetryingClient) *ThirdPartyMirrorFetcher {
	return &ThirdPartyMirrorFetcher{data: data, triple: triple, client: client}
}

func (f *ThirdPartyMirrorFetcher) artifactURL() string {
	return fmt.Sprintf("%s/%s-%s/%s-%s-%s.tar.gz",
		mirrorBaseURL, f.data.Name, f.data.Version, f.data.Name, f.data.Version, f.triple.String())
}

// Find reports whether the mirror publishes a build for this target,
// short-circuiting targets the mirror is known never to carry (the
// universal macOS pseudo-target) before spending a network round trip.
func (f *ThirdPartyMirrorFetcher) Find(ctx context.Context) (bool, error) {
	if isUniversalMacOS(f.triple) {
		return false, nil
	}

	targets, err := fetchSupportedTargets(ctx, f.client)
	if err != nil {
		// The supported-targets list is advisory pre-filtering only; a
		// failure to fetch it falls through to a direct probe instead of
		// failing Find outright.
		targets = nil
	}
	if targets != nil {
		if _, ok := targets[f.triple.String()]; !ok {
			return false, nil
		}
	}

	url := f.artifactURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := f.client.Do(req, false)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	f.resolvedURL = url
	return true, nil
}

// FetchAndExtract downloads and unpacks the mirror's tar.gz artifact,
// verifying the detached PGP signature when a verifying key is
// configured (SignatureIfPresent policy: absence of the .sig asset is not
// an error, since older mirror uploads predate signing).
func (f *ThirdPartyMirrorFetcher) FetchAndExtract(ctx context.Context, destDir string) error {
	if f.resolvedURL == "" {
		return fmt.Errorf("fetch: FetchAndExtract called before a successful Find")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.resolvedURL, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req, true)
	if err != nil {
		return fmt.Errorf("fetch: downloading %s: %w", f.resolvedURL, err)
	}
	defer resp.Body.Close()

	verifier, err := f.buildVerifier(ctx)
	if err != nil {
		return err
	}
	if err := extractor.ToFile(extractor.FormatTarGz, resp.Body, destDir, verifier); err != nil {
		return err
	}
	if verifier != nil && !verifier.Validate() {
		return fmt.Errorf("fetch: signature verification failed for %s", f.resolvedURL)
	}
	return nil
}

// buildVerifier fetches the detached .sig asset alongside the artifact, if
// a verifying key is configured, and wraps it as a DataVerifier. With no
// key configured it returns nil (no verification), matching
// SignatureIgnore.
func (f *ThirdPartyMirrorFetcher) buildVerifier(ctx context.Context) (verify.DataVerifier, error) {
	if mirrorSignKeyArmored == "" {
		return nil, nil
	}
	key, err := crypto.NewKeyFromArmored(mirrorSignKeyArmored)
	if err != nil {
		return nil, fmt.Errorf("fetch: parsing quickinstall verifying key: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.resolvedURL+".sig", nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req, false)
	if err != nil || resp.StatusCode != http.StatusOK {
		return nil, nil // no signature published for this artifact
	}
	defer resp.Body.Close()
	sigData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return verify.NewSignature(key, sigData), nil
}

func (f *ThirdPartyMirrorFetcher) PkgFmt() extractor.Format { return extractor.FormatTarGz }
func (f *ThirdPartyMirrorFetcher) SourceName() string       { return "quickinstall mirror" }
func (f *ThirdPartyMirrorFetcher) Target() string           { return f.triple.String() }
func (f *ThirdPartyMirrorFetcher) IsThirdParty() bool       { return true }

// ReportToUpstream posts an advisory "install attempt" signal to the
// mirror's stats endpoint. Best-effort: errors are swallowed since the
// mirror being unreachable must never fail an install (spec §4.F).
func (f *ThirdPartyMirrorFetcher) ReportToUpstream(ctx context.Context) {
	url := fmt.Sprintf("%s/%s/%s/%s", mirrorStatsURL, f.data.Name, f.data.Version, f.triple.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return
	}
	resp, err := f.client.Do(req, false)
	if err != nil {
		return
	}
	resp.Body.Close()
}
