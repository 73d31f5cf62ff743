// Package verify implements the Artifact Verifier (spec §4.E): a
// DataVerifier hook that tees every downloaded byte into a running digest
// and/or signature check, validated once the stream ends.
package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
)

// DataVerifier receives every byte of a downloaded artifact before
// extraction and is asked to validate once the stream completes.
type DataVerifier interface {
	Update(data []byte)
	Validate() bool
}

// Digest is a DataVerifier that checks the stream's SHA-256 against an
// expected hex-encoded checksum.
type Digest struct {
	expected string
	h        []byte
	state    interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
	actual string
}

// NewDigest constructs a Digest verifier for the expected hex-encoded
// SHA-256 checksum.
func NewDigest(expectedHex string) *Digest {
	h := sha256.New()
	return &Digest{expected: expectedHex, state: h}
}

func (d *Digest) Update(data []byte) { d.state.Write(data) }

// Validate computes the final digest and compares it against the expected
// checksum (case-insensitively).
func (d *Digest) Validate() bool {
	sum := d.state.Sum(nil)
	d.actual = hex.EncodeToString(sum)
	return equalFoldHex(d.actual, d.expected)
}

// Actual returns the computed digest, valid only after Validate has run.
func (d *Digest) Actual() string { return d.actual }

func equalFoldHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Signature is a DataVerifier that buffers the full stream (a detached
// PGP signature verification requires the complete message) and checks it
// against a configured public key at Validate time.
type Signature struct {
	key       *crypto.Key
	signature []byte
	buf       []byte
}

// NewSignature constructs a Signature verifier. signatureData is the raw
// bytes of the detached signature (armored or binary); key is the already
// fingerprint-validated public key (see KeyCache.Get).
func NewSignature(key *crypto.Key, signatureData []byte) *Signature {
	return &Signature{key: key, signature: signatureData}
}

func (s *Signature) Update(data []byte) {
	s.buf = append(s.buf, data...)
}

// Validate verifies the buffered stream against the detached signature.
func (s *Signature) Validate() bool {
	keyRing, err := crypto.NewKeyRing(s.key)
	if err != nil {
		return false
	}

	sig, err := crypto.NewPGPSignatureFromArmored(string(s.signature))
	if err != nil {
		sig = crypto.NewPGPSignature(s.signature)
	}

	message := crypto.NewPlainMessage(s.buf)
	return keyRing.VerifyDetached(message, sig, 0) == nil
}

// Noop is a DataVerifier for "signature optional, none present": it
// always validates successfully without buffering anything.
type Noop struct{}

func (Noop) Update([]byte)  {}
func (Noop) Validate() bool { return true }

// Composite feeds every byte to each of its member verifiers and
// validates only if all of them do, per spec §4.E ("If both a digest and
// a signature are required, they compose").
type Composite struct {
	members []DataVerifier
}

// NewComposite combines one or more DataVerifiers into one.
func NewComposite(members ...DataVerifier) *Composite {
	return &Composite{members: members}
}

func (c *Composite) Update(data []byte) {
	for _, m := range c.members {
		m.Update(data)
	}
}

func (c *Composite) Validate() bool {
	ok := true
	for _, m := range c.members {
		if !m.Validate() {
			ok = false
		}
	}
	return ok
}

// SignaturePolicy governs whether a missing or unconfigured signature is
// tolerated, per spec §4.E.
type SignaturePolicy int

const (
	// SignatureIgnore performs no signature verification at all.
	SignatureIgnore SignaturePolicy = iota
	// SignatureIfPresent verifies only when signing is configured.
	SignatureIfPresent
	// SignatureRequire fails the crate if no signing config exists or no
	// signature can be downloaded.
	SignatureRequire
)

// ErrSignatureRequired is returned by Build when policy is Require but no
// signing configuration/signature data is available.
var ErrSignatureRequired = fmt.Errorf("verify: signature required but not available")

// Build assembles the DataVerifier appropriate to the configured digest
// and signature policy. checksumHex may be empty (no digest check,
// unusual but tolerated for raw mirror artifacts); key/signatureData are
// nil/empty unless signing is configured and a signature was fetched.
func Build(checksumHex string, policy SignaturePolicy, key *crypto.Key, signatureData []byte) (DataVerifier, error) {
	var members []DataVerifier

	if checksumHex != "" {
		members = append(members, NewDigest(checksumHex))
	}

	switch policy {
	case SignatureIgnore:
		// no-op
	case SignatureIfPresent:
		if key != nil && len(signatureData) > 0 {
			members = append(members, NewSignature(key, signatureData))
		}
	case SignatureRequire:
		if key == nil || len(signatureData) == 0 {
			return nil, ErrSignatureRequired
		}
		members = append(members, NewSignature(key, signatureData))
	}

	switch len(members) {
	case 0:
		return Noop{}, nil
	case 1:
		return members[0], nil
	default:
		return NewComposite(members...), nil
	}
}
