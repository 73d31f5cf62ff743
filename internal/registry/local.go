package registry

import (
	"context"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
)

// LocalManifestProvider satisfies Provider from a single Cargo.toml already
// on disk (the `--manifest-path` CLI override, spec §6), bypassing the
// registry index entirely: there is exactly one "version" to match, the one
// already declared in the file.
type LocalManifestProvider struct {
	manifest *Manifest
}

// NewLocalManifestProvider parses path as a Cargo.toml and returns a
// Provider that always resolves to it, regardless of the requested name or
// version requirement.
func NewLocalManifestProvider(path string) (*LocalManifestProvider, error) {
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, fmt.Errorf("registry: parse manifest %s: %w", path, err)
	}
	return &LocalManifestProvider{manifest: &m}, nil
}

// FetchMatching ignores req (a local manifest names exactly one version)
// and returns the parsed manifest directly.
func (p *LocalManifestProvider) FetchMatching(ctx context.Context, name string, req *semver.Constraints) (*Manifest, MatchedVersion, error) {
	return p.manifest, MatchedVersion{Version: p.manifest.Package.Version}, nil
}
