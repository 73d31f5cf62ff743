package urltemplate

import "testing"

func TestRender_SimpleSubstitution(t *testing.T) {
	ctx := map[string]string{
		"name":           "foo",
		"version":        "1.2.3",
		"target":         "x86_64-unknown-linux-gnu",
		"archive-format": "tar.gz",
	}
	got, err := Render("{name}-{version}-{target}.{archive-format}", ctx)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	want := "foo-1.2.3-x86_64-unknown-linux-gnu.tar.gz"
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestRender_SpacedTokens(t *testing.T) {
	ctx := map[string]string{"bin": "foo", "binary-ext": ""}
	got, err := Render("{ bin }{ binary-ext }", ctx)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if got != "foo" {
		t.Errorf("Render() = %q, want %q", got, "foo")
	}
}

func TestRender_MissingKeyErrors(t *testing.T) {
	_, err := Render("{repo}/releases/{version}", map[string]string{"version": "1.0.0"})
	if err == nil {
		t.Fatal("Render() expected error for missing key, got nil")
	}
}

func TestRender_UnrecognizedKeyErrors(t *testing.T) {
	ctx := map[string]string{"name": "foo"}
	_, err := Render("{name}-{bogus}", ctx)
	if err == nil {
		t.Fatal("Render() expected error for unrecognized key, got nil")
	}
}

func TestHasTokens(t *testing.T) {
	if !HasTokens("{name}") {
		t.Error("HasTokens() = false, want true")
	}
	if HasTokens("no-tokens-here") {
		t.Error("HasTokens() = true, want false")
	}
}
