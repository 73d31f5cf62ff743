package extractor

import (
	"archive/tar"
	"fmt"
	"io"

	"github.com/binstow/binstow/internal/verify"
)

// EntryType classifies a visited tar entry.
type EntryType int

const (
	EntryFile EntryType = iota
	EntryDir
	EntryOther
)

// Entry exposes a single archive entry to a Visitor, including a readable
// handle (valid only for the duration of the Visit call).
type Entry interface {
	Path() string
	Size() int64
	Type() EntryType
	io.Reader
}

// Visitor is invoked once per archive entry in a tar-based visitor-mode
// extraction (spec §4.C, "Visitor mode"). The caller owns the loop; ErrStopVisiting
// may be returned from Visit to end iteration early without error.
type Visitor interface {
	Visit(entry Entry) error
}

// ErrStopVisiting is returned by a Visitor's Visit method to end iteration
// without it being treated as a failure.
var ErrStopVisiting = fmt.Errorf("extractor: stop visiting")

type tarEntry struct {
	header *tar.Header
	tr     *tar.Reader
}

func (e *tarEntry) Path() string { return e.header.Name }
func (e *tarEntry) Size() int64  { return e.header.Size }
func (e *tarEntry) Type() EntryType {
	switch e.header.Typeflag {
	case tar.TypeReg:
		return EntryFile
	case tar.TypeDir:
		return EntryDir
	default:
		return EntryOther
	}
}
func (e *tarEntry) Read(p []byte) (int, error) { return e.tr.Read(p) }

// Visit drives v over every entry of a tar-family archive in src, feeding
// every byte to verifier along the way. Unread bytes of an entry the
// visitor didn't fully consume are drained before advancing, per spec
// §4.C ("drains any unread bytes before advancing").
func Visit(format Format, src io.Reader, v Visitor, verifier verify.DataVerifier) error {
	if !format.IsTarFamily() {
		return fmt.Errorf("extractor: visitor mode only supports tar-family formats")
	}

	bridged := newChannelBridge(&teeReader{src: src, verifier: verifier}, defaultChunkSize)
	tr, cleanup, err := tarReaderFor(format, bridged)
	if err != nil {
		return err
	}
	defer cleanup()

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("extractor: read tar header: %w", err)
		}

		entry := &tarEntry{header: header, tr: tr}
		visitErr := v.Visit(entry)

		// Drain any bytes the visitor left unread so the next Next() call
		// lands on the following header.
		io.Copy(io.Discard, tr)

		if visitErr != nil {
			if visitErr == ErrStopVisiting {
				// Read the rest of the raw stream so verifier still sees
				// every byte of the archive.
				if _, err := io.Copy(io.Discard, bridged); err != nil {
					return fmt.Errorf("extractor: drain archive: %w", err)
				}
				return nil
			}
			return visitErr
		}
	}
	return nil
}
