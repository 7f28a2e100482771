package realtime

import (
	"sync"
	"time"
)

// RateLimiter bounds how many inbound frames one WebSocket session may push
// through the receive loop per sliding window. Extension snapshots arrive as
// a single cache_update, so legitimate traffic is delta-sized; the limit
// exists to shed runaway clients, not to pace the pipeline.
type RateLimiter struct {
	mu     sync.Mutex
	stamps []time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter returns a limiter admitting at most limit frames per window.
// Non-positive inputs fall back to the session defaults in limits.go.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		stamps: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow records a frame arriving at now and reports whether the session is
// still under its window budget. Expired stamps are pruned in place so the
// backing array is reused across the life of the connection.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	live := r.stamps[:0]
	for _, ts := range r.stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	r.stamps = live

	if len(r.stamps) >= r.limit {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}
