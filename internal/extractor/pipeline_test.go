package extractor

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTar(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestToFile_TarExtractsRegularFiles(t *testing.T) {
	data := buildTar(t, map[string]string{
		"foo-1.0.0-x86_64/foo": "binary-contents",
		"foo-1.0.0-x86_64/":    "",
	})
	dest := t.TempDir()

	require.NoError(t, ToFile(FormatTar, bytes.NewReader(data), dest, nil))

	got, err := os.ReadFile(filepath.Join(dest, "foo-1.0.0-x86_64", "foo"))
	require.NoError(t, err)
	assert.Equal(t, "binary-contents", string(got))
}

func TestToFile_TarSkipsPathEscapeEntries(t *testing.T) {
	data := buildTar(t, map[string]string{
		"../../etc/passwd": "malicious",
		"legit":            "ok",
	})
	dest := t.TempDir()

	require.NoError(t, ToFile(FormatTar, bytes.NewReader(data), dest, nil))

	_, err := os.Stat(filepath.Join(dest, "..", "..", "etc", "passwd"))
	assert.True(t, os.IsNotExist(err) || err != nil)

	got, err := os.ReadFile(filepath.Join(dest, "legit"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got))

	// No file escaped the destination root.
	outside := filepath.Join(filepath.Dir(dest), "passwd")
	_, statErr := os.Stat(outside)
	assert.True(t, os.IsNotExist(statErr))
}

func TestToFile_TarIgnoresSymlinkEntries(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "link", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd",
	}))
	require.NoError(t, tw.Close())

	dest := t.TempDir()
	require.NoError(t, ToFile(FormatTar, &buf, dest, nil))

	_, err := os.Lstat(filepath.Join(dest, "link"))
	assert.True(t, os.IsNotExist(err), "symlink entries must be ignored, not materialized")
}

func TestToFile_Raw(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "mybinary")
	require.NoError(t, ToFile(FormatRaw, bytes.NewReader([]byte("elf-bytes")), dest, nil))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "elf-bytes", string(got))
}

func TestDetectFormat(t *testing.T) {
	cases := map[string]Format{
		"foo.tar.gz":  FormatTarGz,
		"foo.tgz":     FormatTarGz,
		"foo.tar.xz":  FormatTarXz,
		"foo.tar.bz2": FormatTarBz2,
		"foo.tar.zst": FormatTarZstd,
		"foo.tar.lz":  FormatTarLzip,
		"foo.tar":     FormatTar,
		"foo.zip":     FormatZip,
	}
	for name, want := range cases {
		got, ok := DetectFormat(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
}

type recordingVerifier struct {
	chunks [][]byte
}

func (r *recordingVerifier) Update(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	r.chunks = append(r.chunks, cp)
}
func (r *recordingVerifier) Validate() bool { return true }

func TestToFile_FeedsBytesToVerifier(t *testing.T) {
	data := buildTar(t, map[string]string{"f": "hello world"})
	v := &recordingVerifier{}

	require.NoError(t, ToFile(FormatTar, bytes.NewReader(data), t.TempDir(), v))

	var total int
	for _, c := range v.chunks {
		total += len(c)
	}
	assert.Equal(t, len(data), total)
}

type collectingVisitor struct {
	paths []string
}

func (c *collectingVisitor) Visit(e Entry) error {
	c.paths = append(c.paths, e.Path())
	return nil
}

func TestVisit_IteratesAllEntriesInOrder(t *testing.T) {
	// buildTar takes a map and so writes entries in no fixed order; write
	// the archive directly to know the order the visitor must report.
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range []string{"a", "b"} {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: 1}))
		_, err := tw.Write([]byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	v := &collectingVisitor{}

	require.NoError(t, Visit(FormatTar, &buf, v, nil))

	assert.Equal(t, []string{"a", "b"}, v.paths)
}

type stoppingVisitor struct {
	seen []string
}

func (s *stoppingVisitor) Visit(e Entry) error {
	s.seen = append(s.seen, e.Path())
	if e.Path() == "Cargo.toml" {
		return ErrStopVisiting
	}
	return nil
}

func TestVisit_StopsEarlyOnSentinel(t *testing.T) {
	data := buildTar(t, map[string]string{"Cargo.toml": "[package]", "src/main.rs": "fn main(){}"})
	v := &stoppingVisitor{}

	require.NoError(t, Visit(FormatTar, bytes.NewReader(data), v, nil))
	assert.Contains(t, v.seen, "Cargo.toml")
	assert.Equal(t, "Cargo.toml", v.seen[len(v.seen)-1], "no entry is visited after the visitor stops")
}
