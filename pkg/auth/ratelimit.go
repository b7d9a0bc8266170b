package auth

import (
	"sync"
	"time"
)

// rateLimiter is a fixed-window limiter keyed by peer id. Each peer gets its
// own window; exhausting one peer's budget never affects another.
type rateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	limit   int
	window  time.Duration
}

type rateLimitEntry struct {
	attempts    int
	windowStart time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		entries: make(map[string]*rateLimitEntry),
		limit:   limit,
		window:  window,
	}
}

// allow records one attempt for key and reports whether it fits in the
// current window. The window resets once it has fully elapsed.
func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	e, ok := rl.entries[key]
	if !ok || now.Sub(e.windowStart) >= rl.window {
		rl.entries[key] = &rateLimitEntry{attempts: 1, windowStart: now}
		return true
	}

	e.attempts++
	return e.attempts <= rl.limit
}

// retryAfter returns the seconds until key's current window resets.
func (rl *rateLimiter) retryAfter(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[key]
	if !ok {
		return 0
	}
	remaining := rl.window - time.Since(e.windowStart)
	if remaining < 0 {
		return 0
	}
	return int(remaining.Seconds()) + 1
}

// cleanup removes entries whose window started more than maxAge ago.
func (rl *rateLimiter) cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for key, e := range rl.entries {
		if e.windowStart.Before(cutoff) {
			delete(rl.entries, key)
		}
	}
}
