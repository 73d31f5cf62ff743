// Package fetch implements the Fetcher Strategies (spec §4.F): for each
// (target-triple, package-format, URL template) combination, produce a
// candidate artifact URL and test it. Two concrete strategies are provided,
// grounded on the upstream fetcher pipeline: an upstream-metadata strategy
// (pkg-url from package metadata, or default hosting-service templates) and
// a third-party-mirror strategy (a single well-known quickinstall-style
// URL, existence-checked through the batched GitHub artifact cache).
package fetch

import (
	"context"

	"github.com/binstow/binstow/internal/extractor"
	"github.com/binstow/binstow/internal/registry"
	"github.com/binstow/binstow/internal/target"
)

// Data carries the per-crate, per-target context a Fetcher needs to render
// URL templates and plan extraction, mirroring the original fetchers::Data.
type Data struct {
	Name     string
	Version  string
	Repo     string // redirected, trailing-slash-trimmed repository URL; empty if unknown
	Subcrate string
	Meta     registry.BinstallMeta
}

// Fetcher locates, downloads, and verifies an artifact for a
// (package, version, target) combination (spec §4.F, §9 "Dynamic dispatch
// over fetcher strategies"). Concrete strategies are constructed through a
// uniform factory so the Resolver (§4.H) can iterate over them without
// knowing their concrete type.
type Fetcher interface {
	// Find locates a viable artifact and caches the winning URL/format. A
	// false return (with nil error) means "not found here", which is
	// non-fatal per spec §7 ("Probing errors during find() are
	// non-fatal").
	Find(ctx context.Context) (bool, error)

	// FetchAndExtract downloads the resolution found by Find and unpacks
	// it under destDir. Find must have returned true first.
	FetchAndExtract(ctx context.Context, destDir string) error

	PkgFmt() extractor.Format
	SourceName() string
	Target() string
	IsThirdParty() bool

	// ReportToUpstream emits an advisory "install attempt" signal; it must
	// never block Find/FetchAndExtract and must swallow its own errors.
	ReportToUpstream(ctx context.Context)
}

// Strategy names recognized by --strategies/--disable-strategies (spec §6).
const (
	StrategyUpstreamMetadata   = "upstream-metadata"
	StrategyQuickinstallMirror = "quickinstall-mirror"
)

// AllStrategies lists every strategy name in the race's declared
// preference order (spec §4.H step 5: upstream metadata is always tried
// ahead of the third-party mirror for a given target).
var AllStrategies = []string{StrategyUpstreamMetadata, StrategyQuickinstallMirror}

// ValidStrategy reports whether name is a recognized strategy identifier.
func ValidStrategy(name string) bool {
	for _, s := range AllStrategies {
		if s == name {
			return true
		}
	}
	return false
}

// allFormats is the package-format search order used when metadata doesn't
// pin one down: tar.gz first, since it is by far the most common upstream
// release convention, followed by the remaining tar variants, zip, then raw.
var allFormats = []extractor.Format{
	extractor.FormatTarGz,
	extractor.FormatTar,
	extractor.FormatTarXz,
	extractor.FormatTarZstd,
	extractor.FormatTarBz2,
	extractor.FormatTarLzip,
	extractor.FormatZip,
	extractor.FormatRaw,
}

// formatsToTry returns the package formats a fetcher should probe, honoring
// an explicit pkg-fmt metadata override.
func formatsToTry(pkgFmt string) []extractor.Format {
	if f, ok := parsePkgFmt(pkgFmt); ok {
		return []extractor.Format{f}
	}
	return allFormats
}

// parsePkgFmt maps the Cargo.toml pkg-fmt metadata string to a Format.
func parsePkgFmt(s string) (extractor.Format, bool) {
	switch s {
	case "tar":
		return extractor.FormatTar, true
	case "tgz", "tar.gz":
		return extractor.FormatTarGz, true
	case "tbz2", "tar.bz2":
		return extractor.FormatTarBz2, true
	case "txz", "tar.xz":
		return extractor.FormatTarXz, true
	case "tzstd", "tar.zst", "tar.zstd":
		return extractor.FormatTarZstd, true
	case "zip":
		return extractor.FormatZip, true
	case "bin":
		return extractor.FormatRaw, true
	default:
		return 0, false
	}
}

// contextFor builds the urltemplate.Render context for a (Data, triple,
// archive-suffix) combination, enumerating the recognized key set of spec
// §4.F: name, repo, target, version, archive-format (alias format),
// archive-suffix, binary-ext, subcrate, plus target-related keys.
func contextFor(d Data, t target.Triple, archiveSuffix string) map[string]string {
	archiveFormat := "bin"
	if archiveSuffix != "" {
		archiveFormat = archiveSuffix[1:] // strip leading dot
	}

	ctx := map[string]string{
		"name":           d.Name,
		"target":         t.String(),
		"version":        d.Version,
		"format":         archiveFormat,
		"archive-format": archiveFormat,
		"archive-suffix": archiveSuffix,
		"binary-ext":     t.BinaryExt(),
		"target_family":  t.Family(),
		"target_arch":    t.Arch(),
		"target_vendor":  t.Vendor(),
		"target_libc":    t.Env(),
	}
	if d.Repo != "" {
		ctx["repo"] = d.Repo
	}
	if d.Subcrate != "" {
		ctx["subcrate"] = d.Subcrate
	}
	return ctx
}
