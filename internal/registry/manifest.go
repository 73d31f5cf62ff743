package registry

import (
	"context"
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"

	"github.com/binstow/binstow/internal/extractor"
	"github.com/binstow/binstow/internal/httputil"
	"github.com/binstow/binstow/internal/verify"
)

// BinSection mirrors a Cargo.toml [[bin]] table.
type BinSection struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
}

// BinstallMeta mirrors [package.metadata.binstall] — the escape hatches a
// crate author can set to override default fetch behavior (spec §4.F,
// §4.G): a direct pkg-url template, a package-format override, and
// per-target overrides layered on top.
type BinstallMeta struct {
	PkgURL     string                  `toml:"pkg-url"`
	PkgFmt     string                  `toml:"pkg-fmt"`
	BinDir     string                  `toml:"bin-dir"`
	Disabled   bool                    `toml:"disabled"`
	SigningKey string                  `toml:"signing"`
	Overrides  map[string]BinstallMeta `toml:"overrides"`
}

// PackageMetadata mirrors [package.metadata].
type PackageMetadata struct {
	Binstall BinstallMeta `toml:"binstall"`
}

// PackageSection mirrors a Cargo.toml [package] table.
type PackageSection struct {
	Name       string          `toml:"name"`
	Version    string          `toml:"version"`
	Repository string          `toml:"repository"`
	Metadata   PackageMetadata `toml:"metadata"`
}

// Manifest is the parsed Cargo.toml of a resolved crate, scoped to what the
// rest of the install pipeline needs.
type Manifest struct {
	Package PackageSection `toml:"package"`
	Bin     []BinSection   `toml:"bin"`
}

// MatchedVersion is the result of the matching algorithm: the maximum
// non-yanked version satisfying a requirement, plus the checksum recorded
// for it by the index.
type MatchedVersion struct {
	Version string
	// SHA256Hex is the checksum in lowercase hex, as recorded by the index.
	SHA256Hex string
}

// Provider resolves (crate, requirement) pairs against a registry index.
type Provider interface {
	// FetchMatching finds the maximum non-yanked version of name satisfying
	// req, downloads its crate tarball, verifies the checksum during the
	// stream, extracts only Cargo.toml from it, and returns the parsed
	// manifest alongside the matched version (spec §4.D).
	FetchMatching(ctx context.Context, name string, req *semver.Constraints) (*Manifest, MatchedVersion, error)
}

// manifestVisitor is an extractor.Visitor that captures only the top-level
// Cargo.toml entry of a crate tarball (named "<crate>-<version>/Cargo.toml"
// per crates.io convention) and stops as soon as it's found.
type manifestVisitor struct {
	wantPrefix string
	data       []byte
	found      bool
}

func newManifestVisitor(crateDashVersion string) *manifestVisitor {
	return &manifestVisitor{wantPrefix: crateDashVersion + "/Cargo.toml"}
}

func (v *manifestVisitor) Visit(entry extractor.Entry) error {
	if entry.Path() != v.wantPrefix {
		return nil
	}
	buf := make([]byte, entry.Size())
	if _, err := io.ReadFull(entry, buf); err != nil {
		return fmt.Errorf("registry: read Cargo.toml from archive: %w", err)
	}
	v.data = buf
	v.found = true
	return extractor.ErrStopVisiting
}

func (v *manifestVisitor) loadManifest() (*Manifest, error) {
	if !v.found {
		return nil, fmt.Errorf("registry: Cargo.toml not found in crate archive at %s", v.wantPrefix)
	}
	var m Manifest
	if err := toml.Unmarshal(v.data, &m); err != nil {
		return nil, fmt.Errorf("registry: parse Cargo.toml: %w", err)
	}
	return &m, nil
}

// parseManifest downloads crateURL (the crate's release tarball), verifies
// its SHA-256 against expectedChecksumHex during the stream, extracts only
// the Cargo.toml entry via a tar visitor, and parses it. Grounded on the
// upstream registry client's "parse_manifest": download, verify, visit,
// parse — never buffering the whole tarball.
func parseManifest(ctx context.Context, client *httputil.RetryingClient, crateURL, crateName, version, expectedChecksumHex string) (*Manifest, error) {
	digest := verify.NewDigest(expectedChecksumHex)

	req, err := newGETRequest(ctx, crateURL)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req, true)
	if err != nil {
		return nil, fmt.Errorf("registry: fetch crate tarball %s: %w", crateURL, err)
	}
	defer resp.Body.Close()

	v := newManifestVisitor(fmt.Sprintf("%s-%s", crateName, version))
	if err := extractor.Visit(extractor.FormatTarGz, resp.Body, v, digest); err != nil {
		return nil, fmt.Errorf("registry: extract Cargo.toml from %s: %w", crateURL, err)
	}

	if !digest.Validate() {
		return nil, fmt.Errorf("registry: checksum mismatch for %s: expected %s, got %s",
			crateName, expectedChecksumHex, digest.Actual())
	}

	return v.loadManifest()
}
