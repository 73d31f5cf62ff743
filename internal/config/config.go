// Package config resolves binstow's environment-driven configuration: the
// install root, the cargo home used for install-record bookkeeping, and the
// range-clamped numeric knobs (HTTP timeout, rate limit, retry policy, index
// cache). Only GetHTTPTimeout and GetRateLimit are called from outside this
// package; the HTTP client and the registry do not read the retry or
// index-cache getters.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// EnvCargoInstallRoot overrides the directory binaries are installed
	// into, mirroring cargo-install's own CARGO_INSTALL_ROOT.
	EnvCargoInstallRoot = "CARGO_INSTALL_ROOT"

	// EnvCargoHome overrides the cargo home directory; binstow stores its
	// install records (crates-v1.json, .crates.toml) under
	// $CARGO_HOME/binstall the way cargo itself does under $CARGO_HOME.
	EnvCargoHome = "CARGO_HOME"

	// EnvHTTPTimeout configures the HTTP client timeout for registry,
	// artifact, and GitHub API requests.
	EnvHTTPTimeout = "BINSTOW_HTTP_TIMEOUT"

	// EnvRateLimit configures the outbound request rate limit in "n/duration"
	// form, e.g. "10/1s" for 10 requests per second.
	EnvRateLimit = "BINSTOW_RATE_LIMIT"

	// EnvMaxRetries configures the retry count returned by GetMaxRetries.
	// httputil.RetryingClient uses its own fixed limit of 3 retries and
	// does not read this setting.
	EnvMaxRetries = "BINSTOW_MAX_RETRIES"

	// EnvRetryAfterCap configures the Retry-After ceiling returned by
	// GetRetryAfterCap. httputil.RetryingClient clamps Retry-After to its
	// own MaxRetryAfter constant (2m) and does not read this setting.
	EnvRetryAfterCap = "BINSTOW_RETRY_AFTER_CAP"

	// EnvIndexCacheSizeLimit configures the on-disk size limit for the
	// registry index cache (spec §4.D).
	EnvIndexCacheSizeLimit = "BINSTOW_INDEX_CACHE_SIZE_LIMIT"

	// EnvIndexCacheMaxStale configures how long a stale cached index entry
	// may be served after its TTL expires when the registry is unreachable.
	EnvIndexCacheMaxStale = "BINSTOW_INDEX_CACHE_MAX_STALE"

	// EnvIndexCacheStaleFallback enables/disables stale-if-error fallback.
	EnvIndexCacheStaleFallback = "BINSTOW_INDEX_CACHE_STALE_FALLBACK"

	// DefaultHTTPTimeout is the default timeout for registry/artifact/API
	// requests (30 seconds).
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultMaxRetries is the default retry budget for retryable responses.
	DefaultMaxRetries = 3

	// DefaultRetryAfterCap is the default ceiling on an honored Retry-After.
	DefaultRetryAfterCap = 2 * time.Minute

	// DefaultIndexCacheSizeLimit is the default on-disk cache size limit
	// (50MB).
	DefaultIndexCacheSizeLimit = 50 * 1024 * 1024

	// DefaultIndexCacheMaxStale is the default maximum staleness for
	// cache fallback (7 days).
	DefaultIndexCacheMaxStale = 7 * 24 * time.Hour
)

// GetHTTPTimeout returns the configured HTTP timeout from BINSTOW_HTTP_TIMEOUT.
// If not set or invalid, returns DefaultHTTPTimeout. Accepts duration strings
// like "30s", "1m", "2m30s".
func GetHTTPTimeout() time.Duration {
	envValue := os.Getenv(EnvHTTPTimeout)
	if envValue == "" {
		return DefaultHTTPTimeout
	}

	duration, err := time.ParseDuration(envValue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default %v\n",
			EnvHTTPTimeout, envValue, DefaultHTTPTimeout)
		return DefaultHTTPTimeout
	}

	if duration < 1*time.Second {
		fmt.Fprintf(os.Stderr, "Warning: %s too low (%v), using minimum 1s\n",
			EnvHTTPTimeout, duration)
		return 1 * time.Second
	}
	if duration > 10*time.Minute {
		fmt.Fprintf(os.Stderr, "Warning: %s too high (%v), using maximum 10m\n",
			EnvHTTPTimeout, duration)
		return 10 * time.Minute
	}

	return duration
}

// GetRateLimit returns the configured request count and period from
// BINSTOW_RATE_LIMIT, in "n/duration" form (e.g. "10/1s"). If not set or
// invalid, returns a conservative default of 10 requests per second.
func GetRateLimit() (uint32, time.Duration) {
	const defaultN, defaultPer = 10, time.Second

	envValue := os.Getenv(EnvRateLimit)
	if envValue == "" {
		return defaultN, defaultPer
	}

	parts := strings.SplitN(envValue, "/", 2)
	if len(parts) != 2 {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q (want \"n/duration\"), using default %d/%v\n",
			EnvRateLimit, envValue, defaultN, defaultPer)
		return defaultN, defaultPer
	}

	n, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil || n == 0 {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s count %q, using default %d/%v\n",
			EnvRateLimit, parts[0], defaultN, defaultPer)
		return defaultN, defaultPer
	}

	per, err := time.ParseDuration(parts[1])
	if err != nil || per <= 0 {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s period %q, using default %d/%v\n",
			EnvRateLimit, parts[1], defaultN, defaultPer)
		return defaultN, defaultPer
	}

	return uint32(n), per
}

// GetMaxRetries returns the configured retry budget from BINSTOW_MAX_RETRIES.
// If not set or invalid, returns DefaultMaxRetries.
func GetMaxRetries() int {
	envValue := os.Getenv(EnvMaxRetries)
	if envValue == "" {
		return DefaultMaxRetries
	}

	n, err := strconv.Atoi(envValue)
	if err != nil || n < 0 {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default %d\n",
			EnvMaxRetries, envValue, DefaultMaxRetries)
		return DefaultMaxRetries
	}

	if n > 10 {
		fmt.Fprintf(os.Stderr, "Warning: %s too high (%d), using maximum 10\n", EnvMaxRetries, n)
		return 10
	}

	return n
}

// GetRetryAfterCap returns the configured ceiling on an honored Retry-After
// header, from BINSTOW_RETRY_AFTER_CAP. If not set or invalid, returns
// DefaultRetryAfterCap.
func GetRetryAfterCap() time.Duration {
	envValue := os.Getenv(EnvRetryAfterCap)
	if envValue == "" {
		return DefaultRetryAfterCap
	}

	duration, err := time.ParseDuration(envValue)
	if err != nil || duration <= 0 {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default %v\n",
			EnvRetryAfterCap, envValue, DefaultRetryAfterCap)
		return DefaultRetryAfterCap
	}

	if duration > 30*time.Minute {
		fmt.Fprintf(os.Stderr, "Warning: %s too high (%v), using maximum 30m\n",
			EnvRetryAfterCap, duration)
		return 30 * time.Minute
	}

	return duration
}

// ParseByteSize parses a human-readable byte size string into bytes.
// Accepts formats: plain numbers (52428800), KB/K (50K, 50KB), MB/M (50M, 50MB), GB/G (1G, 1GB).
// Case-insensitive. Returns an error for invalid formats.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	s = strings.ToUpper(s)

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}

	var numStr string
	var suffix string
	for i, c := range s {
		if c >= '0' && c <= '9' || c == '.' {
			numStr += string(c)
		} else {
			suffix = s[i:]
			break
		}
	}

	if numStr == "" {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size number: %q", numStr)
	}

	var multiplier float64
	switch suffix {
	case "", "B":
		multiplier = 1
	case "K", "KB":
		multiplier = 1024
	case "M", "MB":
		multiplier = 1024 * 1024
	case "G", "GB":
		multiplier = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("invalid size suffix: %q", suffix)
	}

	return int64(num * multiplier), nil
}

// GetIndexCacheSizeLimit returns the configured registry index cache size
// limit from BINSTOW_INDEX_CACHE_SIZE_LIMIT. If not set or invalid, returns
// DefaultIndexCacheSizeLimit (50MB). Accepts human-readable sizes like
// "50MB", "50M", "52428800".
func GetIndexCacheSizeLimit() int64 {
	envValue := os.Getenv(EnvIndexCacheSizeLimit)
	if envValue == "" {
		return DefaultIndexCacheSizeLimit
	}

	size, err := ParseByteSize(envValue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default %dMB\n",
			EnvIndexCacheSizeLimit, envValue, DefaultIndexCacheSizeLimit/(1024*1024))
		return DefaultIndexCacheSizeLimit
	}

	minSize := int64(1 * 1024 * 1024)
	maxSize := int64(10 * 1024 * 1024 * 1024)

	if size < minSize {
		fmt.Fprintf(os.Stderr, "Warning: %s too low (%d bytes), using minimum 1MB\n",
			EnvIndexCacheSizeLimit, size)
		return minSize
	}
	if size > maxSize {
		fmt.Fprintf(os.Stderr, "Warning: %s too high (%d bytes), using maximum 10GB\n",
			EnvIndexCacheSizeLimit, size)
		return maxSize
	}

	return size
}

// GetIndexCacheMaxStale returns the configured maximum cache staleness from
// BINSTOW_INDEX_CACHE_MAX_STALE. If not set or invalid, returns
// DefaultIndexCacheMaxStale (7 days). If set to 0, stale fallback is
// disabled. Accepts duration strings like "24h", "7d", "168h".
func GetIndexCacheMaxStale() time.Duration {
	envValue := os.Getenv(EnvIndexCacheMaxStale)
	if envValue == "" {
		return DefaultIndexCacheMaxStale
	}

	if len(envValue) > 1 && (envValue[len(envValue)-1] == 'd' || envValue[len(envValue)-1] == 'D') {
		daysStr := envValue[:len(envValue)-1]
		days, err := strconv.ParseFloat(daysStr, 64)
		if err == nil {
			duration := time.Duration(days * 24 * float64(time.Hour))
			if duration == 0 {
				return 0
			}
			if duration > 30*24*time.Hour {
				fmt.Fprintf(os.Stderr, "Warning: %s too high (%v), using maximum 30d\n",
					EnvIndexCacheMaxStale, duration)
				return 30 * 24 * time.Hour
			}
			return duration
		}
	}

	duration, err := time.ParseDuration(envValue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default %v\n",
			EnvIndexCacheMaxStale, envValue, DefaultIndexCacheMaxStale)
		return DefaultIndexCacheMaxStale
	}

	if duration == 0 {
		return 0
	}

	if duration < 1*time.Hour {
		fmt.Fprintf(os.Stderr, "Warning: %s too low (%v), using minimum 1h\n",
			EnvIndexCacheMaxStale, duration)
		return 1 * time.Hour
	}
	if duration > 30*24*time.Hour {
		fmt.Fprintf(os.Stderr, "Warning: %s too high (%v), using maximum 30d\n",
			EnvIndexCacheMaxStale, duration)
		return 30 * 24 * time.Hour
	}

	return duration
}

// GetIndexCacheStaleFallback returns whether stale-if-error fallback is
// enabled for the registry index cache. Reads from
// BINSTOW_INDEX_CACHE_STALE_FALLBACK. Accepts "true", "1", "yes", "on",
// "false", "0", "no", "off" (case-insensitive). Default is true.
func GetIndexCacheStaleFallback() bool {
	envValue := os.Getenv(EnvIndexCacheStaleFallback)
	if envValue == "" {
		return true
	}

	switch strings.ToLower(envValue) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default true\n",
			EnvIndexCacheStaleFallback, envValue)
		return true
	}
}

// DefaultHomeOverride can be set by the binary's main package (via ldflags)
// to change the default cargo home for dev builds. CARGO_HOME still takes
// precedence.
var DefaultHomeOverride string

// Config holds binstow's resolved filesystem layout, rooted at the cargo
// home the way cargo-install itself lays out $CARGO_HOME/bin and
// $CARGO_HOME/registry.
type Config struct {
	CargoHome    string // $CARGO_HOME
	InstallRoot  string // $CARGO_INSTALL_ROOT, or $CARGO_HOME/bin
	BinstallDir  string // $CARGO_HOME/binstall (install records, spec §4.J)
	IndexCache   string // $CARGO_HOME/binstall/registry-index
	DownloadTemp string // $CARGO_HOME/binstall/tmp (per-process download staging)
	KeyCacheDir  string // $CARGO_HOME/binstall/keys (PGP public keys, spec §4.E)
	ConfigFile   string // $CARGO_HOME/binstall/config.toml
}

// DefaultConfig returns binstow's default configuration, resolving
// CARGO_HOME and CARGO_INSTALL_ROOT the way cargo itself does
// (CARGO_INSTALL_ROOT, else CARGO_HOME/bin, else ~/.cargo/bin).
func DefaultConfig() (*Config, error) {
	cargoHome := os.Getenv(EnvCargoHome)
	if cargoHome == "" {
		if DefaultHomeOverride != "" {
			cargoHome = DefaultHomeOverride
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get user home directory: %w", err)
			}
			cargoHome = filepath.Join(home, ".cargo")
		}
	}

	installRoot := os.Getenv(EnvCargoInstallRoot)
	if installRoot == "" {
		installRoot = filepath.Join(cargoHome, "bin")
	}

	binstallDir := filepath.Join(cargoHome, "binstall")

	return &Config{
		CargoHome:    cargoHome,
		InstallRoot:  installRoot,
		BinstallDir:  binstallDir,
		IndexCache:   filepath.Join(binstallDir, "registry-index"),
		DownloadTemp: filepath.Join(binstallDir, "tmp"),
		KeyCacheDir:  filepath.Join(binstallDir, "keys"),
		ConfigFile:   filepath.Join(binstallDir, "config.toml"),
	}, nil
}

// EnsureDirectories creates every directory the Config references.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.CargoHome,
		c.InstallRoot,
		c.BinstallDir,
		c.IndexCache,
		c.DownloadTemp,
		c.KeyCacheDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// CratesManifestPath returns the path to the newline-delimited-JSON install
// record (spec §4.J).
func (c *Config) CratesManifestPath() string {
	return filepath.Join(c.BinstallDir, "crates-v1.json")
}

// CratesTomlPath returns the path to the TOML mirror of the install record
// (spec §4.J, `.crates.toml` for cargo-install compatibility).
func (c *Config) CratesTomlPath() string {
	return filepath.Join(c.CargoHome, ".crates.toml")
}
