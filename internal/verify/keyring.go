package verify

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ProtonMail/gopenpgp/v2/crypto"

	"github.com/binstow/binstow/internal/httputil"
)

// MaxKeySize bounds a fetched PGP public key (100KB).
const MaxKeySize = 100 * 1024

// MaxSignatureSize bounds a fetched detached signature (10KB).
const MaxSignatureSize = 10 * 1024

// KeyFetchTimeout bounds key/signature HTTP fetches.
const KeyFetchTimeout = 30 * time.Second

var fingerprintRegex = regexp.MustCompile(`^[0-9A-Fa-f]{40}$`)

// ValidateFingerprint checks that fingerprint is 40 hex characters.
func ValidateFingerprint(fingerprint string) error {
	if !fingerprintRegex.MatchString(fingerprint) {
		return fmt.Errorf("verify: invalid fingerprint format: must be 40 hex characters, got %q", fingerprint)
	}
	return nil
}

// NormalizeFingerprint upper-cases a fingerprint for stable comparison.
func NormalizeFingerprint(fingerprint string) string {
	return strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
}

// KeyCache caches PGP public keys on disk, keyed by fingerprint.
type KeyCache struct {
	cacheDir string
}

// NewKeyCache constructs a cache rooted at cacheDir (created lazily).
func NewKeyCache(cacheDir string) *KeyCache {
	return &KeyCache{cacheDir: cacheDir}
}

// Get retrieves the key for fingerprint, serving from cache when
// available and otherwise fetching keyURL and validating the fetched
// key's fingerprint matches before caching and returning it.
func (c *KeyCache) Get(ctx context.Context, fingerprint, keyURL string) (*crypto.Key, error) {
	fingerprint = NormalizeFingerprint(fingerprint)

	if key, err := c.loadFromCache(fingerprint); err == nil {
		return key, nil
	}

	key, armored, err := c.fetchKey(ctx, keyURL, fingerprint)
	if err != nil {
		return nil, err
	}

	_ = c.saveToCache(fingerprint, armored)
	return key, nil
}

func (c *KeyCache) loadFromCache(fingerprint string) (*crypto.Key, error) {
	path := filepath.Join(c.cacheDir, fingerprint+".asc")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	key, err := crypto.NewKeyFromArmored(string(data))
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("verify: cached key is invalid: %w", err)
	}

	if strings.ToUpper(key.GetFingerprint()) != fingerprint {
		os.Remove(path)
		return nil, fmt.Errorf("verify: cached key fingerprint mismatch")
	}
	return key, nil
}

func (c *KeyCache) fetchKey(ctx context.Context, keyURL, expected string) (*crypto.Key, string, error) {
	ctx, cancel := context.WithTimeout(ctx, KeyFetchTimeout)
	defer cancel()

	client := httputil.NewSecureClient(httputil.ClientOptions{Timeout: KeyFetchTimeout})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("verify: build key request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("verify: fetch key from %s: %w", keyURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("verify: fetch key: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxKeySize+1))
	if err != nil {
		return nil, "", fmt.Errorf("verify: read key: %w", err)
	}
	if len(data) > MaxKeySize {
		return nil, "", fmt.Errorf("verify: key exceeds maximum size of %d bytes", MaxKeySize)
	}

	armored := string(data)
	key, err := crypto.NewKeyFromArmored(armored)
	if err != nil {
		return nil, "", fmt.Errorf("verify: parse PGP key: %w", err)
	}

	fp := strings.ToUpper(key.GetFingerprint())
	if fp != expected {
		return nil, "", fmt.Errorf("verify: key fingerprint mismatch: expected %s, got %s", expected, fp)
	}

	return key, armored, nil
}

func (c *KeyCache) saveToCache(fingerprint, armored string) error {
	if err := os.MkdirAll(c.cacheDir, 0o700); err != nil {
		return err
	}
	path := filepath.Join(c.cacheDir, fingerprint+".asc")
	return os.WriteFile(path, []byte(armored), 0o600)
}

// FetchSignature downloads a detached signature file from signatureURL.
func FetchSignature(ctx context.Context, signatureURL string) ([]byte, error) {
	client := httputil.NewSecureClient(httputil.ClientOptions{Timeout: KeyFetchTimeout})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signatureURL, nil)
	if err != nil {
		return nil, fmt.Errorf("verify: build signature request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify: fetch signature from %s: %w", signatureURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verify: fetch signature: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxSignatureSize+1))
	if err != nil {
		return nil, fmt.Errorf("verify: read signature: %w", err)
	}
	if len(data) > MaxSignatureSize {
		return nil, fmt.Errorf("verify: signature exceeds maximum size of %d bytes", MaxSignatureSize)
	}
	return data, nil
}

// ParseFingerprint normalizes and validates a fingerprint string.
func ParseFingerprint(fp string) (string, error) {
	fp = NormalizeFingerprint(fp)
	if len(fp) != 40 {
		return "", fmt.Errorf("verify: fingerprint must be 40 hex characters, got %d", len(fp))
	}
	if _, err := hex.DecodeString(fp); err != nil {
		return "", fmt.Errorf("verify: fingerprint contains invalid hex characters: %w", err)
	}
	return fp, nil
}
