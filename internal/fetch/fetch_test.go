package fetch

import (
	"testing"

	"github.com/binstow/binstow/internal/registry"
	"github.com/binstow/binstow/internal/target"
)

func mustTriple(t *testing.T, s string) target.Triple {
	t.Helper()
	tr, err := target.Parse(s)
	if err != nil {
		t.Fatalf("target.Parse(%q): %v", s, err)
	}
	return tr
}

func TestGuessHostingService(t *testing.T) {
	cases := map[string]RepositoryHost{
		"https://github.com/foo/bar":          HostGitHub,
		"https://gitlab.com/foo/bar":          HostGitLab,
		"https://bitbucket.org/foo/bar":       HostBitBucket,
		"https://sourceforge.net/p/foo/bar":   HostSourceForge,
		"https://codeberg.org/foo/bar":        HostCodeberg,
		"https://example.com/foo/bar":         HostUnknown,
	}
	for url, want := range cases {
		if got := GuessHostingService(url); got != want {
			t.Errorf("GuessHostingService(%q) = %v, want %v", url, got, want)
		}
	}
}

func TestDefaultPkgURLTemplates_UnknownHostReturnsNil(t *testing.T) {
	if got := DefaultPkgURLTemplates(HostUnknown); got != nil {
		t.Errorf("DefaultPkgURLTemplates(HostUnknown) = %v, want nil", got)
	}
}

func TestDefaultPkgURLTemplates_GitHubIncludesVersionedAndFallbackTemplates(t *testing.T) {
	templates := DefaultPkgURLTemplates(HostGitHub)
	if len(templates) == 0 {
		t.Fatal("expected non-empty template list for GitHub")
	}
	foundVersioned, foundUnversioned := false, false
	for _, tpl := range templates {
		if tpl == "{ repo }/releases/download/v{ version }/{ name }-{ target }-v{ version }{ archive-suffix }" {
			foundVersioned = true
		}
		if tpl == "{ repo }/releases/download/v{ version }/{ name }-{ target }{ archive-suffix }" {
			foundUnversioned = true
		}
	}
	if !foundVersioned {
		t.Error("expected a versioned full-filename template")
	}
	if !foundUnversioned {
		t.Error("expected an unversioned fallback-filename template")
	}
}

func TestTryExtractRelease(t *testing.T) {
	owner, repo, tag, filename, ok := TryExtractRelease(
		"https://github.com/foo/bar/releases/download/v1.2.3/bar-x86_64.tar.gz")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if owner != "foo" || repo != "bar" || tag != "v1.2.3" || filename != "bar-x86_64.tar.gz" {
		t.Errorf("got (%q,%q,%q,%q)", owner, repo, tag, filename)
	}

	if _, _, _, _, ok := TryExtractRelease("https://example.com/not/a/release"); ok {
		t.Error("expected ok=false for non-release URL")
	}
}

func TestUpstreamMetadataFetcher_Candidates_UsesExplicitPkgURL(t *testing.T) {
	data := Data{
		Name:    "ripgrep",
		Version: "14.1.0",
		Repo:    "https://github.com/BurntSushi/ripgrep",
		Meta: registry.BinstallMeta{
			PkgURL: "{ repo }/releases/download/{ version }/{ name }-{ version }-{ target }{ archive-suffix }",
			PkgFmt: "tgz",
		},
	}
	f := NewUpstreamMetadataFetcher(data, mustTriple(t, "x86_64-unknown-linux-gnu"), nil, nil)
	cands := f.candidates()
	if len(cands) != 1 {
		t.Fatalf("expected exactly 1 candidate for explicit pkg-url + pinned pkg-fmt, got %d", len(cands))
	}
	want := "https://github.com/BurntSushi/ripgrep/releases/download/14.1.0/ripgrep-14.1.0-x86_64-unknown-linux-gnu.tar.gz"
	if cands[0].url != want {
		t.Errorf("candidate URL = %q, want %q", cands[0].url, want)
	}
}

func TestUpstreamMetadataFetcher_Candidates_EmptyWithoutRepoOrOverride(t *testing.T) {
	data := Data{Name: "foo", Version: "1.0.0"}
	f := NewUpstreamMetadataFetcher(data, mustTriple(t, "x86_64-unknown-linux-gnu"), nil, nil)
	if cands := f.candidates(); len(cands) != 0 {
		t.Errorf("expected no candidates with no repo and no pkg-url override, got %d", len(cands))
	}
}

func TestThirdPartyMirrorFetcher_ArtifactURL(t *testing.T) {
	data := Data{Name: "ripgrep", Version: "14.1.0"}
	f := NewThirdPartyMirrorFetcher(data, mustTriple(t, "x86_64-unknown-linux-gnu"), nil)
	want := mirrorBaseURL + "/ripgrep-14.1.0/ripgrep-14.1.0-x86_64-unknown-linux-gnu.tar.gz"
	if got := f.artifactURL(); got != want {
		t.Errorf("artifactURL() = %q, want %q", got, want)
	}
}

func TestIsUniversalMacOS(t *testing.T) {
	if !isUniversalMacOS(mustTriple(t, mirrorUniversalMacOSTarget)) {
		t.Error("expected universal-apple-darwin to be detected as universal macOS")
	}
	if isUniversalMacOS(mustTriple(t, "x86_64-apple-darwin")) {
		t.Error("did not expect x86_64-apple-darwin to be detected as universal macOS")
	}
}
