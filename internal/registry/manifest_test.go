package registry

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/binstow/binstow/internal/httputil"
)

func buildCrateTarGz(t *testing.T, crateDashVersion, cargoToml string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	name := crateDashVersion + "/Cargo.toml"
	hdr := &tar.Header{
		Name:     name,
		Mode:     0644,
		Size:     int64(len(cargoToml)),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("write tar header: %v", err)
	}
	if _, err := tw.Write([]byte(cargoToml)); err != nil {
		t.Fatalf("write tar data: %v", err)
	}

	otherHdr := &tar.Header{
		Name:     crateDashVersion + "/src/main.rs",
		Mode:     0644,
		Size:     5,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(otherHdr); err != nil {
		t.Fatalf("write tar header: %v", err)
	}
	if _, err := tw.Write([]byte("fn(){")); err != nil {
		t.Fatalf("write tar data: %v", err)
	}

	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

const sampleCargoToml = `
[package]
name = "exampletool"
version = "1.2.3"
repository = "https://github.com/example/exampletool"

[package.metadata.binstall]
pkg-url = "{repo}/releases/download/v{version}/{name}-{target}.tar.gz"
pkg-fmt = "tgz"

[[bin]]
name = "exampletool"
path = "src/main.rs"
`

func TestParseManifest_ExtractsCargoToml(t *testing.T) {
	archive := buildCrateTarGz(t, "exampletool-1.2.3", sampleCargoToml)
	checksum := sha256Hex(archive)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	client := httputil.NewRetryingClient(httputil.DefaultOptions(), "binstow-test", 100, time.Second)
	manifest, err := parseManifest(context.Background(), client, server.URL, "exampletool", "1.2.3", checksum)
	if err != nil {
		t.Fatalf("parseManifest() error: %v", err)
	}

	if manifest.Package.Name != "exampletool" {
		t.Errorf("expected package name 'exampletool', got %q", manifest.Package.Name)
	}
	if manifest.Package.Version != "1.2.3" {
		t.Errorf("expected version '1.2.3', got %q", manifest.Package.Version)
	}
	if manifest.Package.Metadata.Binstall.PkgFmt != "tgz" {
		t.Errorf("expected pkg-fmt 'tgz', got %q", manifest.Package.Metadata.Binstall.PkgFmt)
	}
	if len(manifest.Bin) != 1 || manifest.Bin[0].Name != "exampletool" {
		t.Errorf("expected one bin entry named 'exampletool', got %+v", manifest.Bin)
	}
}

func TestParseManifest_ChecksumMismatch(t *testing.T) {
	archive := buildCrateTarGz(t, "exampletool-1.2.3", sampleCargoToml)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	client := httputil.NewRetryingClient(httputil.DefaultOptions(), "binstow-test", 100, time.Second)
	_, err := parseManifest(context.Background(), client, server.URL, "exampletool", "1.2.3", "0000000000000000000000000000000000000000000000000000000000000000")
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestParseManifest_CargoTomlMissing(t *testing.T) {
	archive := buildCrateTarGz(t, "othertool-9.9.9", sampleCargoToml)
	checksum := sha256Hex(archive)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	client := httputil.NewRetryingClient(httputil.DefaultOptions(), "binstow-test", 100, time.Second)
	_, err := parseManifest(context.Background(), client, server.URL, "exampletool", "1.2.3", checksum)
	if err == nil {
		t.Fatal("expected error when Cargo.toml entry is missing for the requested crate-version prefix")
	}
}

func TestManifestVisitor_StopsAfterCargoToml(t *testing.T) {
	v := newManifestVisitor("exampletool-1.2.3")
	if v.found {
		t.Fatal("visitor should not start in found state")
	}
	if v.wantPrefix != "exampletool-1.2.3/Cargo.toml" {
		t.Errorf("unexpected wantPrefix: %q", v.wantPrefix)
	}
}
