// Package resolve implements per-crate resolution (spec §4.H): deciding,
// for one requested crate, whether it is already satisfied, and if not,
// which fetcher strategy and target triple will supply its artifact, and
// where each of its binaries will land once installed.
package resolve

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/binstow/binstow/internal/binplan"
	"github.com/binstow/binstow/internal/binstallerr"
	"github.com/binstow/binstow/internal/extractor"
	"github.com/binstow/binstow/internal/fetch"
	"github.com/binstow/binstow/internal/httputil"
	"github.com/binstow/binstow/internal/records"
	"github.com/binstow/binstow/internal/registry"
	"github.com/binstow/binstow/internal/target"
)

// Resolution is the three-way outcome of resolving one crate (spec §4.H).
// InstallFromSource is preserved for fidelity with the upstream resolver's
// state machine, but this installer never reports it as actionable: the
// compile-from-source strategy is permanently disabled (building packages
// from source is an explicit non-goal), so a crate that reaches this
// outcome always surfaces as a KindNoViableTargets error instead.
type Resolution int

const (
	ResolutionAlreadyUpToDate Resolution = iota
	ResolutionFetch
	ResolutionInstallFromSource
)

// Result is what a successful Resolve call returns for one crate.
type Result struct {
	Kind     Resolution
	Name     string
	Version  string
	Target   string
	Fetcher  fetch.Fetcher // the winning strategy; nil for AlreadyUpToDate
	BinFiles []*binplan.BinFile
}

// Request is everything Resolve needs for one crate named on the command
// line.
type Request struct {
	Name string

	// VersionReqRaw is exactly what the user typed after '@', or "" if they
	// named the crate with no requirement. Distinguishing "absent" from an
	// explicit "*" matters for the already-up-to-date short-circuit (spec
	// §4.H step 1; see DESIGN.md Open Question 1).
	VersionReqRaw string
	VersionReq    *semver.Constraints

	Targets    []target.Triple
	Force      bool
	NoSymlinks bool

	// CLIMeta carries any pkg-url/pkg-fmt/bin-dir overrides the user passed
	// directly on the command line; set fields take precedence over the
	// crate's own Cargo.toml metadata.
	CLIMeta registry.BinstallMeta

	// EnabledStrategies restricts which fetch.Strategy* names race()
	// considers; nil means every strategy in fetch.AllStrategies is tried.
	EnabledStrategies []string
}

func (req Request) strategyEnabled(name string) bool {
	if len(req.EnabledStrategies) == 0 {
		return true
	}
	for _, s := range req.EnabledStrategies {
		if s == name {
			return true
		}
	}
	return false
}

// Resolver holds everything shared across all crates in one invocation.
type Resolver struct {
	Provider   registry.Provider
	Records    *records.Manifest
	HTTPClient *httputil.RetryingClient
	GHCache    *fetch.GitHubArtifactCache

	// WorkDir is a scratch directory; each crate gets its own subdirectory
	// for downloaded/extracted artifacts.
	WorkDir string
	// InstallPath is the destination directory binaries are planned into.
	InstallPath string

	// RegistrySource names the registry this resolver queries, recorded
	// into install records (e.g. "crates.io").
	RegistrySource string
}

// Resolve resolves one crate against the registry and, unless it is
// already satisfied, races the fetcher strategies across req.Targets and
// plans the winner's binaries.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	if shortCircuit, ok := r.alreadyUpToDateShortCircuit(req); ok {
		return shortCircuit, nil
	}

	manifest, matched, err := r.Provider.FetchMatching(ctx, req.Name, req.VersionReq)
	if err != nil {
		return nil, err
	}

	if rec, ok := r.Records.Get(req.Name); ok && !req.Force && rec.CurrentVersion == matched.Version {
		return &Result{Kind: ResolutionAlreadyUpToDate, Name: req.Name, Version: matched.Version}, nil
	}

	if len(manifest.Bin) == 0 {
		return nil, binstallerr.New(binstallerr.KindMissingPackageSection,
			fmt.Sprintf("crate %q declares no [[bin]] sections", req.Name)).WithCrate(req.Name)
	}

	meta := mergeMeta(manifest.Package.Metadata.Binstall, req.CLIMeta)
	data := fetch.Data{
		Name:    req.Name,
		Version: matched.Version,
		Repo:    manifest.Package.Repository,
		Meta:    meta,
	}

	winner, err := r.race(ctx, data, req.Targets, req)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		// Every target's every strategy failed to find an artifact, and
		// the compile-from-source fallback is never enabled.
		return nil, binstallerr.New(binstallerr.KindNoViableTargets,
			fmt.Sprintf("no prebuilt artifact found for %s@%s across %d candidate target(s)",
				req.Name, matched.Version, len(req.Targets))).WithCrate(req.Name)
	}

	destRoot := filepath.Join(r.WorkDir, req.Name)
	extractDest := destRoot
	binPathIsFile := winner.fetcher.PkgFmt() == extractor.FormatRaw
	if binPathIsFile {
		extractDest = filepath.Join(destRoot, req.Name+winner.target.BinaryExt())
	}

	if err := winner.fetcher.FetchAndExtract(ctx, extractDest); err != nil {
		return nil, binstallerr.Wrap(binstallerr.KindIO,
			fmt.Sprintf("fetching %s@%s", req.Name, matched.Version), err).WithCrate(req.Name)
	}
	winner.fetcher.ReportToUpstream(ctx)

	binFiles, err := r.planBinaries(manifest.Bin, data, winner, matched.Version, meta, destRoot, extractDest, binPathIsFile, req.NoSymlinks)
	if err != nil {
		return nil, err
	}

	return &Result{
		Kind:     ResolutionFetch,
		Name:     req.Name,
		Version:  matched.Version,
		Target:   winner.target.String(),
		Fetcher:  winner.fetcher,
		BinFiles: binFiles,
	}, nil
}

// alreadyUpToDateShortCircuit implements spec §4.H step 1: an explicit
// version requirement that is either the literal wildcard or already
// satisfied by the installed version skips the registry round trip
// entirely, per DESIGN.md's Open Question 1 decision. A bare crate name
// (no requirement typed at all) always re-queries.
func (r *Resolver) alreadyUpToDateShortCircuit(req Request) (*Result, bool) {
	if req.Force || req.VersionReqRaw == "" {
		return nil, false
	}
	rec, ok := r.Records.Get(req.Name)
	if !ok {
		return nil, false
	}
	installed, err := semver.NewVersion(rec.CurrentVersion)
	if err != nil {
		return nil, false
	}

	isWildcard := req.VersionReqRaw == "*"
	satisfiesInstalled := req.VersionReq != nil && req.VersionReq.Check(installed)
	if !isWildcard && !satisfiesInstalled {
		return nil, false
	}
	return &Result{Kind: ResolutionAlreadyUpToDate, Name: req.Name, Version: rec.CurrentVersion}, true
}

// mergeMeta overlays CLI-supplied overrides (pkg-url/pkg-fmt/bin-dir) on
// top of the crate's own metadata; empty CLI fields don't override.
func mergeMeta(crate, cli registry.BinstallMeta) registry.BinstallMeta {
	out := crate
	if cli.PkgURL != "" {
		out.PkgURL = cli.PkgURL
	}
	if cli.PkgFmt != "" {
		out.PkgFmt = cli.PkgFmt
	}
	if cli.BinDir != "" {
		out.BinDir = cli.BinDir
	}
	if cli.SigningKey != "" {
		out.SigningKey = cli.SigningKey
	}
	return out
}

// attempt pairs one target with one fetcher strategy instance.
type attempt struct {
	target  target.Triple
	fetcher fetch.Fetcher
}

// race spawns Find concurrently across every (target, strategy)
// combination but, per spec §4.H step 5, declares the winner by scanning
// completed attempts in the caller's declared preference order rather than
// by completion order — a later-declared target that answers first must
// not preempt an earlier-declared target that also succeeds.
func (r *Resolver) race(ctx context.Context, data fetch.Data, targets []target.Triple, req Request) (*attempt, error) {
	attempts := make([]attempt, 0, len(targets)*2)
	for _, t := range targets {
		if req.strategyEnabled(fetch.StrategyUpstreamMetadata) {
			attempts = append(attempts, attempt{t, fetch.NewUpstreamMetadataFetcher(data, t, r.HTTPClient, r.GHCache)})
		}
		if req.strategyEnabled(fetch.StrategyQuickinstallMirror) {
			attempts = append(attempts, attempt{t, fetch.NewThirdPartyMirrorFetcher(data, t, r.HTTPClient)})
		}
	}

	found := make([]bool, len(attempts))
	var wg sync.WaitGroup
	for i := range attempts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := attempts[i].fetcher.Find(ctx)
			found[i] = err == nil && ok
		}(i)
	}
	wg.Wait()

	for i := range attempts {
		if found[i] {
			return &attempts[i], nil
		}
	}
	return nil, nil
}

// planBinaries builds a BinFile plan for each [[bin]] entry the crate
// declares, inferring the archive layout when no explicit bin-dir override
// is configured, and verifies every planned source actually exists in the
// extracted archive before returning.
func (r *Resolver) planBinaries(bins []registry.BinSection, data fetch.Data, winner *attempt, version string, meta registry.BinstallMeta, destRoot, extractDest string, binPathIsFile bool, noSymlinks bool) ([]*binplan.BinFile, error) {
	planData := binplan.Data{
		Name:        data.Name,
		Target:      winner.target,
		Version:     version,
		Repo:        data.Repo,
		InstallPath: r.InstallPath,
	}
	if binPathIsFile {
		planData.PkgFmt = "bin"
		planData.BinPath = extractDest
	} else {
		planData.BinPath = destRoot
	}

	binDirTemplate := meta.BinDir
	if binDirTemplate == "" && !binPathIsFile {
		binDirTemplate = binplan.InferBinDirTemplate(planData, func(relDir string) bool {
			info, err := os.Stat(filepath.Join(destRoot, relDir))
			return err == nil && info.IsDir()
		})
	}

	hasFile := func(relPath string) bool {
		info, err := os.Stat(filepath.Join(destRoot, relPath))
		return err == nil && !info.IsDir()
	}

	binFiles := make([]*binplan.BinFile, 0, len(bins))
	for _, bin := range bins {
		bf, err := binplan.New(planData, bin.Name, binDirTemplate, noSymlinks)
		if err != nil {
			return nil, binstallerr.Wrap(binstallerr.KindPathEscape,
				fmt.Sprintf("planning binary %q for %s", bin.Name, data.Name), err).WithCrate(data.Name)
		}
		if err := bf.CheckSourceExists(hasFile); err != nil {
			return nil, binstallerr.Wrap(binstallerr.KindBinFileNotFound,
				fmt.Sprintf("binary %q for %s", bin.Name, data.Name), err).WithCrate(data.Name)
		}
		binFiles = append(binFiles, bf)
	}
	if len(binFiles) == 0 {
		return nil, binstallerr.New(binstallerr.KindNoBinaries,
			fmt.Sprintf("%s declares no usable binaries", data.Name)).WithCrate(data.Name)
	}
	return binFiles, nil
}
