package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"

	"github.com/binstow/binstow/internal/binstallerr"
	"github.com/binstow/binstow/internal/buildinfo"
	"github.com/binstow/binstow/internal/config"
	"github.com/binstow/binstow/internal/fetch"
	"github.com/binstow/binstow/internal/httputil"
	"github.com/binstow/binstow/internal/orchestrate"
	"github.com/binstow/binstow/internal/records"
	"github.com/binstow/binstow/internal/registry"
	"github.com/binstow/binstow/internal/resolve"
	"github.com/binstow/binstow/internal/target"
)

// exitCodeError carries a process exit code through cobra's error-returning
// RunE without main having to re-derive it from a generic error.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

func asExitCodeError(err error, target **exitCodeError) bool {
	return errors.As(err, target)
}

func newExitError(code int, msg string) *exitCodeError {
	return &exitCodeError{code: code, msg: msg}
}

var installFlags struct {
	version           string
	targets           []string
	manifestPath      string
	binDir            string
	pkgFmt            string
	pkgURL            string
	installPath       string
	roots             string
	noSymlinks        bool
	dryRun            bool
	noConfirm         bool
	noCleanup         bool
	force             bool
	minTLSVersion     string
	strategies        []string
	disableStrategies []string
	rateLimit         string
}

func registerInstallFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&installFlags.version, "version", "", "Version requirement; only valid with a single crate argument")
	f.StringSliceVar(&installFlags.targets, "targets", nil, "Comma-separated target triples to try, in preference order")
	f.StringVar(&installFlags.manifestPath, "manifest-path", "", "Path to a local Cargo.toml to install from, bypassing the registry")
	f.StringVar(&installFlags.binDir, "bin-dir", "", "Override the archive's binary-directory template")
	f.StringVar(&installFlags.pkgFmt, "pkg-fmt", "", "Override the package format (tgz, tbz2, txz, tzstd, zip, bin)")
	f.StringVar(&installFlags.pkgURL, "pkg-url", "", "Override the package URL template")
	f.StringVar(&installFlags.installPath, "install-path", "", "Directory to install binaries into")
	f.StringVar(&installFlags.roots, "roots", "", "Override the cargo root directory (defaults to CARGO_HOME/CARGO_INSTALL_ROOT detection)")
	f.BoolVar(&installFlags.noSymlinks, "no-symlinks", false, "Skip creating the unversioned convenience symlink")
	f.BoolVar(&installFlags.dryRun, "dry-run", false, "Resolve and print the install plan without installing anything")
	f.BoolVar(&installFlags.noConfirm, "no-confirm", false, "Skip the confirmation prompt")
	f.BoolVar(&installFlags.noCleanup, "no-cleanup", false, "Keep the per-run download/extraction temp directory")
	f.BoolVar(&installFlags.force, "force", false, "Reinstall even if the already-up-to-date short-circuit would apply")
	f.StringVar(&installFlags.minTLSVersion, "min-tls-version", "", "Minimum accepted TLS version (1.2 or 1.3)")
	f.StringSliceVar(&installFlags.strategies, "strategies", nil, "Comma-separated allow-list of fetch strategies to try")
	f.StringSliceVar(&installFlags.disableStrategies, "disable-strategies", nil, "Comma-separated deny-list of fetch strategies to skip")
	f.StringVar(&installFlags.rateLimit, "rate-limit", "", "Outbound request rate limit, as \"n/duration\" (e.g. \"10/1s\")")
}

// crateSpec is one parsed `crate[@req]` positional argument.
type crateSpec struct {
	name          string
	versionReqRaw string
}

func parseCrateSpecs(args []string) []crateSpec {
	specs := make([]crateSpec, len(args))
	for i, arg := range args {
		if idx := strings.Index(arg, "@"); idx >= 0 {
			specs[i] = crateSpec{name: arg[:idx], versionReqRaw: arg[idx+1:]}
		} else {
			specs[i] = crateSpec{name: arg}
		}
	}
	return specs
}

// singleCrateOnlyFlagsSet returns the names of the flags that are set among
// those spec §6 rejects when more than one crate is named on the command line.
func singleCrateOnlyFlagsSet() []string {
	var set []string
	if installFlags.version != "" {
		set = append(set, "--version")
	}
	if installFlags.manifestPath != "" {
		set = append(set, "--manifest-path")
	}
	if installFlags.binDir != "" {
		set = append(set, "--bin-dir")
	}
	if installFlags.pkgFmt != "" {
		set = append(set, "--pkg-fmt")
	}
	if installFlags.pkgURL != "" {
		set = append(set, "--pkg-url")
	}
	return set
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	specs := parseCrateSpecs(args)

	if len(specs) > 1 {
		if set := singleCrateOnlyFlagsSet(); len(set) > 0 {
			return newExitError(binstallerr.KindOverrideOptionWithMultiInstall.ExitCode(),
				fmt.Sprintf("cannot combine multiple crates with %s", strings.Join(set, ", ")))
		}
	} else if installFlags.version != "" && specs[0].versionReqRaw != "" {
		return newExitError(binstallerr.KindSuperfluousVersionOption.ExitCode(),
			fmt.Sprintf("crate %q already names a version requirement; --version is redundant", args[0]))
	}

	if err := validateStrategies(installFlags.strategies); err != nil {
		return newExitError(binstallerr.KindInvalidStrategies.ExitCode(), err.Error())
	}
	if err := validateStrategies(installFlags.disableStrategies); err != nil {
		return newExitError(binstallerr.KindInvalidStrategies.ExitCode(), err.Error())
	}

	if installFlags.roots != "" {
		os.Setenv(config.EnvCargoHome, installFlags.roots)
	}
	cfg, err := config.DefaultConfig()
	if err != nil {
		return newExitError(1, err.Error())
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return newExitError(binstallerr.KindIO.ExitCode(), err.Error())
	}

	installPath := cfg.InstallRoot
	if installFlags.installPath != "" {
		installPath = installFlags.installPath
		if err := os.MkdirAll(installPath, 0o755); err != nil {
			return newExitError(binstallerr.KindIO.ExitCode(), err.Error())
		}
	}

	minTLS, err := parseMinTLSVersion(installFlags.minTLSVersion)
	if err != nil {
		return newExitError(binstallerr.KindURLParse.ExitCode(), err.Error())
	}

	numRequests, per := config.GetRateLimit()
	if installFlags.rateLimit != "" {
		numRequests, per, err = parseRateLimit(installFlags.rateLimit)
		if err != nil {
			return newExitError(binstallerr.KindURLParse.ExitCode(), err.Error())
		}
	}

	clientOpts := httputil.DefaultOptions()
	clientOpts.Timeout = config.GetHTTPTimeout()
	clientOpts.MinTLSVersion = minTLS
	httpClient := httputil.NewRetryingClient(clientOpts, "binstow/"+buildinfo.Version(), numRequests, per)

	var provider registry.Provider
	if installFlags.manifestPath != "" {
		provider, err = registry.NewLocalManifestProvider(installFlags.manifestPath)
		if err != nil {
			return newExitError(binstallerr.KindManifestParse.ExitCode(), err.Error())
		}
	} else {
		reg := registry.New(cfg.IndexCache)
		provider = registry.NewSparseHTTPProvider(reg, httpClient)
	}

	manifest, err := records.Load(cfg.CratesManifestPath(), cfg.CratesTomlPath())
	if err != nil {
		return newExitError(binstallerr.KindIO.ExitCode(), err.Error())
	}

	targets, err := resolveTargets(installFlags.targets)
	if err != nil {
		return newExitError(binstallerr.KindURLParse.ExitCode(), err.Error())
	}

	enabledStrategies := filterStrategies(installFlags.strategies, installFlags.disableStrategies)

	resolver := &resolve.Resolver{
		Provider:       provider,
		Records:        manifest,
		HTTPClient:     httpClient,
		GHCache:        fetch.NewGitHubArtifactCache(httpClient.Raw()),
		WorkDir:        cfg.DownloadTemp,
		InstallPath:    installPath,
		RegistrySource: "crates.io",
	}

	requests := make([]resolve.Request, len(specs))
	for i, spec := range specs {
		versionReqRaw := spec.versionReqRaw
		if len(specs) == 1 && installFlags.version != "" {
			versionReqRaw = installFlags.version
		}
		var constraints *semver.Constraints
		if versionReqRaw != "" {
			constraints, err = semver.NewConstraint(versionReqRaw)
			if err != nil {
				return newExitError(binstallerr.KindVersionReqParse.ExitCode(),
					fmt.Sprintf("%s: invalid version requirement %q: %v", spec.name, versionReqRaw, err))
			}
		}
		requests[i] = resolve.Request{
			Name:          spec.name,
			VersionReqRaw: versionReqRaw,
			VersionReq:    constraints,
			Targets:       targets,
			Force:         installFlags.force,
			NoSymlinks:    installFlags.noSymlinks,
			CLIMeta: registry.BinstallMeta{
				PkgURL: installFlags.pkgURL,
				PkgFmt: installFlags.pkgFmt,
				BinDir: installFlags.binDir,
			},
			EnabledStrategies: enabledStrategies,
		}
	}

	orch := orchestrate.New(resolver, manifest, "crates.io")
	outcomes := orch.Run(ctx, requests, orchestrate.Options{
		NoConfirm: installFlags.noConfirm,
		DryRun:    installFlags.dryRun,
		NoCleanup: installFlags.noCleanup,
	})

	errs := reportOutcomes(outcomes)
	if !installFlags.noCleanup && !installFlags.dryRun {
		os.RemoveAll(cfg.DownloadTemp)
	}

	if code := binstallerr.HighestExitCode(errs); code != 0 {
		return newExitError(code, fmt.Sprintf("%d crate(s) failed", len(errs)))
	}
	return nil
}

func reportOutcomes(outcomes []orchestrate.Outcome) []error {
	var errs []error
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			fmt.Fprintf(os.Stderr, "error: %s: %v\n", o.Request.Name, o.Err)
			errs = append(errs, o.Err)
		case o.Result.Kind == resolve.ResolutionAlreadyUpToDate:
			fmt.Printf("%s: already up to date (%s)\n", o.Result.Name, o.Result.Version)
		default:
			fmt.Printf("%s: installed %s (%s)\n", o.Result.Name, o.Result.Version, o.Result.Target)
		}
	}
	return errs
}

func validateStrategies(names []string) error {
	for _, n := range names {
		if !fetch.ValidStrategy(n) {
			return fmt.Errorf("unrecognized strategy %q (want one of %s)", n, strings.Join(fetch.AllStrategies, ", "))
		}
	}
	return nil
}

func filterStrategies(allow, deny []string) []string {
	base := fetch.AllStrategies
	if len(allow) > 0 {
		base = allow
	}
	if len(deny) == 0 {
		return base
	}
	denySet := make(map[string]bool, len(deny))
	for _, d := range deny {
		denySet[d] = true
	}
	out := make([]string, 0, len(base))
	for _, s := range base {
		if !denySet[s] {
			out = append(out, s)
		}
	}
	return out
}

func resolveTargets(raw []string) ([]target.Triple, error) {
	if len(raw) > 0 {
		triples := make([]target.Triple, len(raw))
		for i, s := range raw {
			t, err := target.Parse(s)
			if err != nil {
				return nil, err
			}
			triples[i] = t
		}
		return triples, nil
	}

	host, err := target.DetectHost()
	if err != nil {
		return nil, err
	}
	triples := []target.Triple{host}
	for _, s := range target.AlternativeWindowsTargets(host, nil) {
		t, err := target.Parse(s)
		if err != nil {
			continue
		}
		triples = append(triples, t)
	}
	return triples, nil
}

func parseMinTLSVersion(s string) (uint16, error) {
	switch s {
	case "":
		return 0, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("invalid --min-tls-version %q (want 1.2 or 1.3)", s)
	}
}

func parseRateLimit(s string) (uint32, time.Duration, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid --rate-limit %q (want \"n/duration\")", s)
	}
	n, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil || n == 0 {
		return 0, 0, fmt.Errorf("invalid --rate-limit count %q", parts[0])
	}
	per, err := time.ParseDuration(parts[1])
	if err != nil || per <= 0 {
		return 0, 0, fmt.Errorf("invalid --rate-limit period %q", parts[1])
	}
	return uint32(n), per, nil
}

