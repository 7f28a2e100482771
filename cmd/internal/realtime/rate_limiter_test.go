package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_AllowsUpToLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d denied within limit", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("event over limit allowed")
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if !rl.Allow(now) || !rl.Allow(now) {
		t.Fatalf("initial events denied")
	}
	if rl.Allow(now.Add(500 * time.Millisecond)) {
		t.Fatalf("mid-window event allowed over limit")
	}

	// Once the first events age out, capacity returns.
	later := now.Add(1100 * time.Millisecond)
	if !rl.Allow(later) {
		t.Fatalf("event denied after window slid")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < rateLimitEvents; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d denied under default limit", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("event over default limit allowed")
	}
}
