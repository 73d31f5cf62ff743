// Package extractor implements the Streaming Extractor (spec §4.C): it
// consumes an asynchronous byte stream, tees every byte through an optional
// verify.DataVerifier, and either unpacks entries to disk or drives a
// caller-supplied visitor over them — all without buffering the whole
// archive in memory (tar-family formats; zip is inherently seek-based and
// spools to a temp file, as its central directory sits at the end of the
// stream).
package extractor

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	lzip "github.com/sorairolake/lzip-go"
	"github.com/ulikunitz/xz"

	"github.com/binstow/binstow/internal/verify"
)

// Format is the on-the-wire package format, per spec §3 ("Package
// Format").
type Format int

const (
	FormatTar Format = iota
	FormatTarGz
	FormatTarBz2
	FormatTarXz
	FormatTarZstd
	FormatTarLzip
	FormatZip
	FormatRaw
)

// IsTarFamily reports whether f decomposes into the tar family (spec §3:
// "a decomposition into {tar-family, zip, raw}").
func (f Format) IsTarFamily() bool {
	switch f {
	case FormatTar, FormatTarGz, FormatTarBz2, FormatTarXz, FormatTarZstd, FormatTarLzip:
		return true
	default:
		return false
	}
}

// Extensions returns the filename extensions recognized for a format.
func (f Format) Extensions() []string {
	switch f {
	case FormatTar:
		return []string{".tar"}
	case FormatTarGz:
		return []string{".tar.gz", ".tgz"}
	case FormatTarBz2:
		return []string{".tar.bz2", ".tbz2", ".tbz"}
	case FormatTarXz:
		return []string{".tar.xz", ".txz"}
	case FormatTarZstd:
		return []string{".tar.zst", ".tzst"}
	case FormatTarLzip:
		return []string{".tar.lz", ".tlz"}
	case FormatZip:
		return []string{".zip"}
	case FormatRaw:
		return []string{".bin", ""}
	default:
		return nil
	}
}

// DetectFormat infers a Format from a filename's extension.
func DetectFormat(filename string) (Format, bool) {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz, true
	case strings.HasSuffix(lower, ".tar.bz2"), strings.HasSuffix(lower, ".tbz2"), strings.HasSuffix(lower, ".tbz"):
		return FormatTarBz2, true
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return FormatTarXz, true
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return FormatTarZstd, true
	case strings.HasSuffix(lower, ".tar.lz"), strings.HasSuffix(lower, ".tlz"):
		return FormatTarLzip, true
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar, true
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, true
	default:
		return FormatRaw, false
	}
}

// teeReader wraps src so every byte read also flows into a
// verify.DataVerifier, implementing the "DataVerifier hook receives every
// byte before extraction" requirement of spec §4.C without buffering.
type teeReader struct {
	src      io.Reader
	verifier verify.DataVerifier
}

func (t *teeReader) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 && t.verifier != nil {
		t.verifier.Update(p[:n])
	}
	return n, err
}

// channelBridge hands bytes from an async producer goroutine to a
// synchronous-Read consumer through a bounded channel, per spec §5
// ("async tasks explicitly hand off to blocking workers ... The async
// producer feeds bytes into a bounded channel. A blocking worker task
// consumes the channel through a synchronous-Read adapter"). This keeps
// the producer's network reads decoupled from the consumer's CPU-bound
// decompression loop.
type channelBridge struct {
	ch   chan []byte
	errc chan error
	buf  []byte
	err  error
}

const channelDepth = 4

// newChannelBridge spawns a producer goroutine reading from src in
// chunkSize pieces and returns an io.Reader the blocking decode worker can
// consume synchronously.
func newChannelBridge(src io.Reader, chunkSize int) io.Reader {
	b := &channelBridge{
		ch:   make(chan []byte, channelDepth),
		errc: make(chan error, 1),
	}
	go func() {
		defer close(b.ch)
		buf := make([]byte, chunkSize)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				b.ch <- chunk
			}
			if err != nil {
				b.errc <- err
				return
			}
		}
	}()
	return b
}

func (b *channelBridge) Read(p []byte) (int, error) {
	for len(b.buf) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		chunk, ok := <-b.ch
		if !ok {
			select {
			case err := <-b.errc:
				b.err = err
			default:
				b.err = io.EOF
			}
			continue
		}
		b.buf = chunk
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

const defaultChunkSize = 32 * 1024

// ToFile extracts src (an archive in the given format) to destDir,
// validating every entry's path stays within destDir and feeding every
// byte to verifier (nil is permitted, equivalent to verify.Noop).
//
// Directories are created after all regular files are written, so
// directory permission bits set by the archive cannot interfere with
// descendant writes (spec §4.C, tar loop step 3).
func ToFile(format Format, src io.Reader, destDir string, verifier verify.DataVerifier) error {
	bridged := newChannelBridge(&teeReader{src: src, verifier: verifier}, defaultChunkSize)

	switch format {
	case FormatRaw:
		return extractRaw(bridged, destDir)
	case FormatZip:
		return extractZip(bridged, destDir)
	default:
		tr, cleanup, err := tarReaderFor(format, bridged)
		if err != nil {
			return err
		}
		defer cleanup()
		return extractTar(tr, destDir)
	}
}

// tarReaderFor wraps r with the decompressor appropriate to format and
// returns a *tar.Reader plus a cleanup func for readers that must be
// closed (gzip, zstd).
func tarReaderFor(format Format, r io.Reader) (*tar.Reader, func(), error) {
	noop := func() {}
	switch format {
	case FormatTar:
		return tar.NewReader(r), noop, nil
	case FormatTarGz:
		gzr, err := gzip.NewReader(r)
		if err != nil {
			return nil, noop, fmt.Errorf("extractor: open gzip stream: %w", err)
		}
		return tar.NewReader(gzr), func() { gzr.Close() }, nil
	case FormatTarBz2:
		return tar.NewReader(bzip2.NewReader(r)), noop, nil
	case FormatTarXz:
		xzr, err := xz.NewReader(r)
		if err != nil {
			return nil, noop, fmt.Errorf("extractor: open xz stream: %w", err)
		}
		return tar.NewReader(xzr), noop, nil
	case FormatTarZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, noop, fmt.Errorf("extractor: open zstd stream: %w", err)
		}
		return tar.NewReader(zr), func() { zr.Close() }, nil
	case FormatTarLzip:
		lr, err := lzip.NewReader(r)
		if err != nil {
			return nil, noop, fmt.Errorf("extractor: open lzip stream: %w", err)
		}
		return tar.NewReader(lr), noop, nil
	default:
		return nil, noop, fmt.Errorf("extractor: %v is not a tar-family format", format)
	}
}

// isPathWithinDirectory reports whether targetPath, once made absolute,
// lies at or under basePath.
func isPathWithinDirectory(targetPath, basePath string) bool {
	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return false
	}
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return false
	}
	return absTarget == absBase || strings.HasPrefix(absTarget, absBase+string(os.PathSeparator))
}

// normalizedEscapes reports whether name, once cleaned, escapes the
// extraction root: contains a ".." component crossing the root, or begins
// with an absolute/prefix component. Spec §4.C step 1 / §8 Property 2.
func normalizedEscapes(name string) bool {
	if filepath.IsAbs(name) {
		return true
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return true
	}
	return false
}

// extractTar runs the tar-based extraction loop of spec §4.C: entries
// escaping the destination are skipped; regular files are unpacked in
// place; directories are deferred until after all files; symlinks and
// other entry types are ignored for safety.
func extractTar(tr *tar.Reader, destDir string) error {
	var deferredDirs []*tar.Header

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("extractor: read tar header: %w", err)
		}

		name := strings.TrimPrefix(header.Name, "./")
		if normalizedEscapes(name) {
			continue
		}

		target := filepath.Join(destDir, name)
		if !isPathWithinDirectory(target, destDir) {
			continue
		}

		switch header.Typeflag {
		case tar.TypeDir:
			deferredDirs = append(deferredDirs, header)
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("extractor: create parent of %s: %w", target, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, os.FileMode(header.Mode)&0o777)
			if err != nil {
				return fmt.Errorf("extractor: create %s: %w", target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("extractor: write %s: %w", target, err)
			}
			f.Close()
		default:
			// symlink, device, fifo, etc: ignored for safety (spec §4.C step 4).
		}
	}

	for _, header := range deferredDirs {
		name := strings.TrimPrefix(header.Name, "./")
		target := filepath.Join(destDir, name)
		if err := os.MkdirAll(target, os.FileMode(header.Mode)&0o777|0o700); err != nil {
			return fmt.Errorf("extractor: create directory %s: %w", target, err)
		}
	}

	return nil
}

// extractRaw writes the whole stream to a single file whose name is
// destDir's final path component (spec §4.C: "Raw-binary extraction writes
// the whole stream to a single file whose name is the destination's file
// name").
func extractRaw(src io.Reader, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("extractor: create parent of %s: %w", destPath, err)
	}
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("extractor: create %s: %w", destPath, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, src); err != nil {
		return fmt.Errorf("extractor: write %s: %w", destPath, err)
	}
	return nil
}

// extractZip spools src to a temp file (the zip central directory sits at
// the end of the stream, so zip.NewReader needs io.ReaderAt/Seek), then
// walks entries, sanitizing names per spec §4.C ("reject NUL bytes, reject
// absolute paths, reject any path that escapes the destination").
func extractZip(src io.Reader, destDir string) error {
	tmp, err := os.CreateTemp("", "extractor-zip-*")
	if err != nil {
		return fmt.Errorf("extractor: create zip spool file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	size, err := io.Copy(tmp, src)
	if err != nil {
		return fmt.Errorf("extractor: spool zip stream: %w", err)
	}

	zr, err := zip.NewReader(tmp, size)
	if err != nil {
		return fmt.Errorf("extractor: open zip central directory: %w", err)
	}

	for _, f := range zr.File {
		if strings.ContainsRune(f.Name, 0) {
			continue
		}
		name := strings.TrimPrefix(f.Name, "./")
		if normalizedEscapes(name) {
			continue
		}

		target := filepath.Join(destDir, name)
		if !isPathWithinDirectory(target, destDir) {
			continue
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("extractor: create directory %s: %w", target, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("extractor: create parent of %s: %w", target, err)
		}

		mode := f.Mode()
		if mode&0o777 == 0 {
			mode = 0o644
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("extractor: open zip entry %s: %w", f.Name, err)
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, mode&0o777)
		if err != nil {
			rc.Close()
			return fmt.Errorf("extractor: create %s: %w", target, err)
		}
		_, copyErr := io.Copy(out, rc)
		out.Close()
		rc.Close()
		if copyErr != nil {
			return fmt.Errorf("extractor: write %s: %w", target, copyErr)
		}
	}

	return nil
}
