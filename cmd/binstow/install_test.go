package main

import (
	"reflect"
	"testing"

	"github.com/binstow/binstow/internal/fetch"
)

func TestParseCrateSpecs(t *testing.T) {
	got := parseCrateSpecs([]string{"ripgrep@^14", "fd"})
	want := []crateSpec{
		{name: "ripgrep", versionReqRaw: "^14"},
		{name: "fd"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseCrateSpecs() = %+v, want %+v", got, want)
	}
}

func TestValidateStrategies_RejectsUnknownName(t *testing.T) {
	if err := validateStrategies([]string{"nonexistent-strategy"}); err == nil {
		t.Error("expected an error for an unrecognized strategy name")
	}
	if err := validateStrategies([]string{fetch.StrategyUpstreamMetadata}); err != nil {
		t.Errorf("unexpected error for a known strategy: %v", err)
	}
}

func TestFilterStrategies_DenyListRemovesFromDefault(t *testing.T) {
	got := filterStrategies(nil, []string{fetch.StrategyQuickinstallMirror})
	want := []string{fetch.StrategyUpstreamMetadata}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("filterStrategies() = %v, want %v", got, want)
	}
}

func TestFilterStrategies_AllowListOverridesDefault(t *testing.T) {
	got := filterStrategies([]string{fetch.StrategyQuickinstallMirror}, nil)
	want := []string{fetch.StrategyQuickinstallMirror}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("filterStrategies() = %v, want %v", got, want)
	}
}

func TestParseMinTLSVersion(t *testing.T) {
	if _, err := parseMinTLSVersion("1.4"); err == nil {
		t.Error("expected an error for an unsupported TLS version string")
	}
	v, err := parseMinTLSVersion("1.3")
	if err != nil || v == 0 {
		t.Errorf("parseMinTLSVersion(1.3) = (%v, %v)", v, err)
	}
}

func TestParseRateLimit(t *testing.T) {
	n, per, err := parseRateLimit("10/1s")
	if err != nil {
		t.Fatalf("parseRateLimit() error: %v", err)
	}
	if n != 10 || per.Seconds() != 1 {
		t.Errorf("parseRateLimit() = (%d, %v)", n, per)
	}
	if _, _, err := parseRateLimit("not-a-rate"); err == nil {
		t.Error("expected an error for a malformed rate-limit string")
	}
}

func TestSingleCrateOnlyFlagsSet(t *testing.T) {
	installFlags.version = ""
	installFlags.binDir = ""
	installFlags.pkgFmt = ""
	installFlags.pkgURL = ""
	installFlags.manifestPath = ""
	if got := singleCrateOnlyFlagsSet(); len(got) != 0 {
		t.Errorf("expected no flags set, got %v", got)
	}

	installFlags.pkgFmt = "tgz"
	defer func() { installFlags.pkgFmt = "" }()
	if got := singleCrateOnlyFlagsSet(); len(got) != 1 || got[0] != "--pkg-fmt" {
		t.Errorf("singleCrateOnlyFlagsSet() = %v, want [--pkg-fmt]", got)
	}
}
