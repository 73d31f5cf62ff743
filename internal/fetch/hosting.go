package fetch

import (
	"net/url"
	"strings"
)

// RepositoryHost is a closed enumeration of the hosting services for which
// binstow knows a default release-artifact URL convention (spec §4.F,
// Open Question 2: closed list, no generic/user-extensible detector).
type RepositoryHost int

const (
	HostUnknown RepositoryHost = iota
	HostGitHub
	HostGitLab
	HostBitBucket
	HostSourceForge
	HostCodeberg
)

// GuessHostingService inspects a repository URL's host component and
// returns the matching RepositoryHost, or HostUnknown if none of the known
// services match.
func GuessHostingService(repoURL string) RepositoryHost {
	lower := strings.ToLower(repoURL)
	if u, err := url.Parse(lower); err == nil && u.Host != "" {
		lower = u.Hostname()
	}
	switch {
	case strings.Contains(lower, "github.com"):
		return HostGitHub
	case strings.Contains(lower, "gitlab.com"):
		return HostGitLab
	case strings.Contains(lower, "bitbucket.org"):
		return HostBitBucket
	case strings.Contains(lower, "sourceforge.net"):
		return HostSourceForge
	case strings.Contains(lower, "codeberg.org"):
		return HostCodeberg
	default:
		return HostUnknown
	}
}

// fullFilenames are archive filename templates that embed both the target
// triple and the version; they are tried first.
var fullFilenames = []string{
	"{ name }-{ target }-v{ version }{ archive-suffix }",
	"{ name }-{ target }-{ version }{ archive-suffix }",
	"{ name }-{ version }-{ target }{ archive-suffix }",
	"{ name }-v{ version }-{ target }{ archive-suffix }",
	"{ name }_{ target }_v{ version }{ archive-suffix }",
	"{ name }_{ target }_{ version }{ archive-suffix }",
	"{ name }_{ version }_{ target }{ archive-suffix }",
	"{ name }_v{ version }_{ target }{ archive-suffix }",
}

// noVersionFilenames are filename templates that embed the target triple
// but not the version, tried after fullFilenames against the same release
// paths.
var noVersionFilenames = []string{
	"{ name }-{ target }{ archive-suffix }",
	"{ name }_{ target }{ archive-suffix }",
}

// releasePaths maps each hosting service to its release-download URL
// prefixes, parameterized by repo/version; the trailing filename segment is
// appended by applyFilenames.
var releasePaths = map[RepositoryHost][]string{
	HostGitHub: {
		"{ repo }/releases/download/v{ version }/",
		"{ repo }/releases/download/{ version }/",
	},
	HostGitLab: {
		"{ repo }/-/releases/v{ version }/downloads/",
		"{ repo }/-/releases/{ version }/downloads/",
	},
	HostBitBucket: {
		"{ repo }/downloads/",
	},
	HostSourceForge: {
		"{ repo }/files/v{ version }/",
		"{ repo }/files/{ version }/",
	},
	HostCodeberg: {
		"{ repo }/releases/download/v{ version }/",
		"{ repo }/releases/download/{ version }/",
	},
}

// applyFilenames builds the cartesian product of release-path prefixes and
// filename templates, producing a flat list of full pkg-url templates.
func applyFilenames(paths, filenames []string) []string {
	out := make([]string, 0, len(paths)*len(filenames))
	for _, p := range paths {
		for _, f := range filenames {
			out = append(out, p+f)
		}
	}
	return out
}

// DefaultPkgURLTemplates returns the ordered set of pkg-url templates to
// probe for a hosting service when the crate metadata does not declare an
// explicit pkg-url override. Version-qualified filenames are tried first
// (most specific), then the unversioned fallbacks. Every SourceForge
// template ends in "/download".
func DefaultPkgURLTemplates(host RepositoryHost) []string {
	paths, ok := releasePaths[host]
	if !ok {
		return nil
	}
	out := applyFilenames(paths, fullFilenames)
	out = append(out, applyFilenames(paths, noVersionFilenames)...)
	if host == HostSourceForge {
		for i := range out {
			out[i] += "/download"
		}
	}
	return out
}
