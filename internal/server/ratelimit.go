package server

import (
	"sync"
	"time"
)

// RateLimiter implements a sliding-window rate limit per device.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string][]time.Time
	now      func() time.Time
}

// NewRateLimiter creates a rate limiter. If limit <= 0, Allow always returns true.
func NewRateLimiter(limit int, windowSeconds int) *RateLimiter {
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	return &RateLimiter{
		limit:    limit,
		window:   time.Duration(windowSeconds) * time.Second,
		counters: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow checks whether the device is within rate limit. Returns false if exceeded.
func (rl *RateLimiter) Allow(deviceID string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	timestamps := rl.counters[deviceID]
	pruned := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= rl.limit {
		rl.counters[deviceID] = pruned
		return false
	}

	rl.counters[deviceID] = append(pruned, now)
	return true
}

// RetryAfter is the window length in whole seconds.
func (rl *RateLimiter) RetryAfter() int {
	return int(rl.window / time.Second)
}

// Prune drops devices with no submissions inside the window.
func (rl *RateLimiter) Prune() {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.window)
	for id, ts := range rl.counters {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(rl.counters, id)
		}
	}
}
