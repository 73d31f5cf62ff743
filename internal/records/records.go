package records

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/binstow/binstow/internal/atomicinstall"
)

// InstallRecord is one entry in the install manifest: everything binstow
// needs later to detect "already up to date" and to list or uninstall a
// previously-installed crate (spec §4.J). Only the fields below are kept:
// JSON keys not listed here are dropped when a record is loaded and saved
// again.
type InstallRecord struct {
	Name           string    `json:"name" toml:"name"`
	VersionReq     string    `json:"version_req,omitempty" toml:"version_req,omitempty"`
	CurrentVersion string    `json:"current_version" toml:"current_version"`
	Source         string    `json:"source" toml:"source"` // e.g. "crates.io" or a registry URL
	TargetTriple   string    `json:"target" toml:"target"`
	BinNames       []string  `json:"bin_names" toml:"bin_names"`
	InstalledAt    time.Time `json:"installed_at" toml:"installed_at"`
}

// Manifest is the full set of install records, keyed by crate name — later
// entries in a loaded file replace earlier ones by name, matching how a
// rewrite after an upgrade replaces the old record in place.
type Manifest struct {
	path string
	toml string

	records map[string]InstallRecord
}

// Load reads the newline-delimited JSON manifest at jsonPath under a shared
// lock, tolerating a missing file (a fresh install tree has none yet).
// Malformed lines are skipped rather than failing the whole load, since a
// half-written line from a crashed prior run should not block every future
// install.
func Load(jsonPath, tomlPath string) (*Manifest, error) {
	m := &Manifest{path: jsonPath, toml: tomlPath, records: make(map[string]InstallRecord)}

	lock, err := lockShared(jsonPath + ".lock")
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	file, err := os.Open(jsonPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("records: opening %s: %w", jsonPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec InstallRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		m.records[rec.Name] = rec
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("records: reading %s: %w", jsonPath, err)
	}
	return m, nil
}

// Get returns the record for name, if one exists.
func (m *Manifest) Get(name string) (InstallRecord, bool) {
	rec, ok := m.records[name]
	return rec, ok
}

// Put inserts or replaces the record for rec.Name.
func (m *Manifest) Put(rec InstallRecord) {
	m.records[rec.Name] = rec
}

// Remove deletes the record for name, if any.
func (m *Manifest) Remove(name string) {
	delete(m.records, name)
}

// All returns every record, sorted by name for deterministic output.
func (m *Manifest) All() []InstallRecord {
	out := make([]InstallRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Save rewrites both the NDJSON manifest and its TOML mirror under an
// exclusive lock, atomically (spec §4.J: "the two files must never be
// observed in a mutually inconsistent state by a concurrent reader").
func (m *Manifest) Save() error {
	lock, err := lockExclusive(m.path + ".lock")
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if err := m.writeJSON(); err != nil {
		return err
	}
	return m.writeTOML()
}

func (m *Manifest) writeJSON() error {
	tmp, err := os.CreateTemp(dirOf(m.path), "crates-v1-*.json.tmp")
	if err != nil {
		return fmt.Errorf("records: creating temp manifest: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	for _, rec := range m.All() {
		b, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("records: marshaling record %q: %w", rec.Name, err)
		}
		if _, err := w.Write(b); err != nil {
			tmp.Close()
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return atomicinstall.InstallFile(tmpPath, m.path, true)
}

// tomlManifest is the on-disk shape of the .crates.toml mirror: a single
// [v1] table mapping "<name> <version> (<source>)" to its declared bin names, matching
// cargo-install's own .crates.toml convention so external tooling that
// already parses cargo's file keeps working against binstow's installs.
type tomlManifest struct {
	V1 map[string][]string `toml:"v1"`
}

func (m *Manifest) writeTOML() error {
	doc := tomlManifest{V1: make(map[string][]string)}
	for _, rec := range m.All() {
		key := fmt.Sprintf("%s %s (%s)", rec.Name, rec.CurrentVersion, rec.Source)
		doc.V1[key] = rec.BinNames
	}

	tmp, err := os.CreateTemp(dirOf(m.toml), "crates-*.toml.tmp")
	if err != nil {
		return fmt.Errorf("records: creating temp toml mirror: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("records: encoding toml mirror: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return atomicinstall.InstallFile(tmpPath, m.toml, true)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[:i]
		}
	}
	return "."
}
