package httputil

import (
	"sync"
	"time"
)

// rateLimitState is either "limited" (serving requests at num/per) or
// "ready" with rem tokens left in the current window, mirroring the
// Inner{state: Limited|Ready{rem}} shape in the original delay_request.rs.
type rateLimitState struct {
	limited bool
	rem     uint32
}

// RateLimiter is a token-bucket-like window shared by every request the
// HTTP client issues: up to numRequests requests may be dispatched per
// `per` window; once exhausted, callers wait until the window resets.
// On repeated 429/503 responses the window is tightened (num_requests
// halved, per inflated) so that the client converges on a non-offending
// rate, per spec §4.B.
type RateLimiter struct {
	mu         sync.Mutex
	numRequest uint32
	per        time.Duration
	until      time.Time
	state      rateLimitState
}

// maxPer is the ceiling delay_request.rs inflates `per` towards.
const maxPer = 700 * time.Millisecond

// NewRateLimiter constructs a limiter allowing numRequests per `per`.
func NewRateLimiter(numRequests uint32, per time.Duration) *RateLimiter {
	if numRequests == 0 {
		numRequests = 1
	}
	return &RateLimiter{
		numRequest: numRequests,
		per:        per,
		state:      rateLimitState{limited: false, rem: numRequests},
	}
}

// Wait blocks until a token is available, consuming one.
func (r *RateLimiter) Wait() {
	for {
		r.mu.Lock()
		now := time.Now()

		if r.state.limited {
			if now.After(r.until) || now.Equal(r.until) {
				r.state = rateLimitState{limited: false, rem: r.numRequest}
			} else {
				wait := r.until.Sub(now)
				r.mu.Unlock()
				time.Sleep(wait)
				continue
			}
		}

		if r.state.rem > 0 {
			r.state.rem--
			if r.state.rem == 0 {
				r.state.limited = true
				r.until = now.Add(r.per)
			}
			r.mu.Unlock()
			return
		}

		// rem == 0 but not yet marked limited: shouldn't normally
		// happen, but guard against it by entering the limited state.
		r.state.limited = true
		r.until = now.Add(r.per)
		r.mu.Unlock()
	}
}

// Tighten halves num_requests and inflates `per` by 1.2x (capped at
// maxPer), converging repeated-offender callers onto a slower rate. This
// mirrors `inc_rate_limit()` in delay_request.rs.
func (r *RateLimiter) Tighten() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.numRequest > 1 {
		r.numRequest /= 2
	}
	newPer := time.Duration(float64(r.per) * 1.2)
	if newPer > maxPer {
		newPer = maxPer
	}
	if newPer > r.per {
		r.per = newPer
	}
}

// HostDelayMap tracks, per hostname, the earliest instant at which the
// next request may be dispatched — populated from Retry-After response
// headers (§4.B) and consulted before every send.
type HostDelayMap struct {
	mu      sync.Mutex
	delays  map[string]time.Time
	strikes map[string]int
}

// NewHostDelayMap constructs an empty per-host delay map.
func NewHostDelayMap() *HostDelayMap {
	return &HostDelayMap{
		delays:  make(map[string]time.Time),
		strikes: make(map[string]int),
	}
}

// SetDelay records that host must not be contacted again until `until`.
// A later call with an earlier `until` does not move the deadline back.
func (m *HostDelayMap) SetDelay(host string, until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.delays[host]; !ok || until.After(cur) {
		m.delays[host] = until
	}
	m.strikes[host]++
}

// Clear resets the strike counter for host after a successful request.
func (m *HostDelayMap) Clear(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strikes, host)
}

// WaitFor blocks until host's recorded delay (if any) has elapsed,
// additionally waiting an escalating 200ms + 100ms*min(strikes,20) when
// the host has repeatedly been throttled, per delay_request.rs's `call()`.
func (m *HostDelayMap) WaitFor(host string) {
	for {
		m.mu.Lock()
		until, ok := m.delays[host]
		m.mu.Unlock()

		if !ok {
			break
		}
		now := time.Now()
		if now.After(until) || now.Equal(until) {
			m.mu.Lock()
			delete(m.delays, host)
			m.mu.Unlock()
			break
		}
		time.Sleep(until.Sub(now))
	}

	if strikes := m.strikeCount(host); strikes > 0 {
		extra := 200*time.Millisecond + time.Duration(min(strikes, 20))*100*time.Millisecond
		time.Sleep(extra)
	}
}

func (m *HostDelayMap) strikeCount(host string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strikes[host]
}
