package realtime

import (
	"sync"
	"time"
)

// RateLimiter bounds how many inbound envelopes one connection may submit
// inside a sliding window. Stamps arrive in order, so expiry is a prefix trim.
type RateLimiter struct {
	mu     sync.Mutex
	stamps []time.Time
	max    int
	window time.Duration
}

// NewRateLimiter falls back to the package defaults on non-positive inputs.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		stamps: make([]time.Time, 0, max),
		max:    max,
		window: window,
	}
}

// Allow records an event at now and reports whether it fits in the window.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	expired := 0
	for expired < len(r.stamps) && !r.stamps[expired].After(cut) {
		expired++
	}
	if expired > 0 {
		r.stamps = append(r.stamps[:0], r.stamps[expired:]...)
	}

	if len(r.stamps) >= r.max {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}
