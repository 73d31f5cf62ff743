package records

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileReturnsEmptyManifest(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(filepath.Join(dir, "crates-v1.json"), filepath.Join(dir, ".crates.toml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(m.All()) != 0 {
		t.Errorf("expected empty manifest, got %d records", len(m.All()))
	}
}

func TestSaveThenLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "crates-v1.json")
	tomlPath := filepath.Join(dir, ".crates.toml")

	m, err := Load(jsonPath, tomlPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	m.Put(InstallRecord{
		Name:           "ripgrep",
		CurrentVersion: "14.1.0",
		Source:         "crates.io",
		TargetTriple:   "x86_64-unknown-linux-gnu",
		BinNames:       []string{"rg"},
		InstalledAt:    time.Now().UTC().Truncate(time.Second),
	})
	if err := m.Save(); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	reloaded, err := Load(jsonPath, tomlPath)
	if err != nil {
		t.Fatalf("reload Load() error: %v", err)
	}
	rec, ok := reloaded.Get("ripgrep")
	if !ok {
		t.Fatal("expected ripgrep record to survive round trip")
	}
	if rec.CurrentVersion != "14.1.0" || len(rec.BinNames) != 1 || rec.BinNames[0] != "rg" {
		t.Errorf("reloaded record mismatch: %+v", rec)
	}
}

func TestPut_ReplacesExistingRecordByName(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(filepath.Join(dir, "crates-v1.json"), filepath.Join(dir, ".crates.toml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	m.Put(InstallRecord{Name: "ripgrep", CurrentVersion: "14.0.0"})
	m.Put(InstallRecord{Name: "ripgrep", CurrentVersion: "14.1.0"})

	all := m.All()
	if len(all) != 1 {
		t.Fatalf("expected 1 record after replacing by name, got %d", len(all))
	}
	if all[0].CurrentVersion != "14.1.0" {
		t.Errorf("CurrentVersion = %q, want %q", all[0].CurrentVersion, "14.1.0")
	}
}

func TestRemove_DeletesRecord(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(filepath.Join(dir, "crates-v1.json"), filepath.Join(dir, ".crates.toml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	m.Put(InstallRecord{Name: "ripgrep", CurrentVersion: "14.1.0"})
	m.Remove("ripgrep")
	if _, ok := m.Get("ripgrep"); ok {
		t.Error("expected ripgrep to be removed")
	}
}
