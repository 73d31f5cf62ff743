package httputil

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// MaxRetryAfter is the configured ceiling Retry-After is clamped to,
// per spec §4.B ("clamp to a configured maximum (two minutes)").
const MaxRetryAfter = 2 * time.Minute

// maxRetries is the small fixed retry limit of spec §4.B.
const maxRetries = 3

// timeoutClassDelay is the short fixed delay applied on 408/504 responses.
const timeoutClassDelay = 200 * time.Millisecond

// RetryingClient wraps an *http.Client with the client-side rate limiter
// and per-host server-feedback delay map described in spec §4.B. It is
// the concrete HTTP Client component (4.B) shared by the Registry Index
// Resolver, the Fetcher Strategies, and the Streaming Extractor's download
// step.
type RetryingClient struct {
	inner   *http.Client
	limiter *RateLimiter
	delays  *HostDelayMap
	agent   string
}

// NewRetryingClient builds a RetryingClient over a secure transport
// (NewSecureClient) with the given rate limit (numRequests per `per`).
func NewRetryingClient(opts ClientOptions, userAgent string, numRequests uint32, per time.Duration) *RetryingClient {
	return &RetryingClient{
		inner:   NewSecureClient(opts),
		limiter: NewRateLimiter(numRequests, per),
		delays:  NewHostDelayMap(),
		agent:   userAgent,
	}
}

// retryableStatus reports whether an HTTP status code is in the
// retry-eligible set of spec §4.B: {429, 503, 408, 504}.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable,
		http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Do sends req, honoring the rate limiter and per-host delay map, and
// retrying up to maxRetries times on transport timeouts or a retryable
// status. errorForStatus, when true, converts a final response with a
// status of 400 or above into a plain error; mapping that error to a
// binstallerr kind is left to the caller.
func (c *RetryingClient) Do(req *http.Request, errorForStatus bool) (*http.Response, error) {
	if c.agent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.agent)
	}

	host := req.URL.Hostname()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		c.limiter.Wait()
		c.delays.WaitFor(host)

		resp, err := c.inner.Do(req)
		if err != nil {
			if isTimeoutErr(err) && attempt < maxRetries {
				lastErr = err
				continue
			}
			return nil, err
		}

		if retryableStatus(resp.StatusCode) {
			c.recordThrottle(resp, host)
			resp.Body.Close()
			if attempt < maxRetries {
				lastErr = fmt.Errorf("retryable status %d from %s", resp.StatusCode, req.URL)
				continue
			}
			if errorForStatus {
				return nil, fmt.Errorf("giving up after %d attempts: status %d from %s", maxRetries+1, resp.StatusCode, req.URL)
			}
			return resp, nil
		}

		c.delays.Clear(host)

		if errorForStatus && resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, fmt.Errorf("http status %d for %s", resp.StatusCode, req.URL)
		}
		return resp, nil
	}
	return nil, lastErr
}

// recordThrottle tightens the client-side limiter and sets the per-host
// delay, from a 429/503/408/504 response's Retry-After header (or the
// fixed timeout-class delay for 408/504), per spec §4.B.
func (c *RetryingClient) recordThrottle(resp *http.Response, host string) {
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		c.limiter.Tighten()
		delay := parseRetryAfter(resp.Header.Get("Retry-After"))
		if delay > MaxRetryAfter {
			delay = MaxRetryAfter
		}
		if delay <= 0 {
			delay = timeoutClassDelay
		}
		until := time.Now().Add(delay)
		c.delays.SetDelay(host, until)
		if respHost := resp.Request.URL.Hostname(); respHost != "" && respHost != host {
			c.delays.SetDelay(respHost, until)
		}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		c.delays.SetDelay(host, time.Now().Add(timeoutClassDelay))
	}
}

// parseRetryAfter parses a Retry-After header value, either a number of
// seconds or an HTTP-date, returning 0 if unparseable.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return false
}

// Raw returns the underlying *http.Client, for callers (e.g. streaming
// download) that need to construct their own request/response plumbing
// but still want the SSRF-hardened transport.
func (c *RetryingClient) Raw() *http.Client { return c.inner }
