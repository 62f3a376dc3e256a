// Package ratelimit implements per-rule packet rate limiting for the
// firewall engine. Each rule id gets an independent token bucket refilled
// on a sliding window.
package ratelimit

import (
	"sync"
	"time"

	"grimm.is/bastion/internal/clock"
)

// Limiter manages rate limiting for multiple rule ids.
type Limiter struct {
	buckets map[uint32]*bucket
	clk     clock.Clock
	mu      sync.Mutex
}

// bucket implements a token bucket rate limiter.
type bucket struct {
	tokens   int
	limit    int
	window   time.Duration
	lastFill time.Time
	mu       sync.Mutex
}

// NewLimiter creates a new rate limiter. A nil clock uses the system clock.
func NewLimiter(clk clock.Clock) *Limiter {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Limiter{
		buckets: make(map[uint32]*bucket),
		clk:     clk,
	}
}

// Allow checks whether one more packet is allowed for the given rule id.
// limit is the maximum number of packets per window.
func (l *Limiter) Allow(id uint32, limit int, window time.Duration) bool {
	if limit <= 0 || window <= 0 {
		return true
	}

	l.mu.Lock()
	b, exists := l.buckets[id]
	if !exists {
		b = &bucket{
			tokens:   limit,
			limit:    limit,
			window:   window,
			lastFill: l.clk.Now(),
		}
		l.buckets[id] = b
	}
	l.mu.Unlock()

	return b.take(l.clk)
}

// take attempts to take a token from the bucket.
func (b *bucket) take(clk clock.Clock) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Refill tokens once the window has elapsed
	now := clk.Now()
	if now.Sub(b.lastFill) >= b.window {
		b.tokens = b.limit
		b.lastFill = now
	}

	if b.tokens <= 0 {
		return false
	}

	b.tokens--
	return true
}

// Reset clears rate limit state for a specific rule id.
func (l *Limiter) Reset(id uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, id)
}

// CleanupExpired removes buckets that haven't refilled within maxAge.
// Called periodically so removed rules don't leak bucket state.
func (l *Limiter) CleanupExpired(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	for id, b := range l.buckets {
		b.mu.Lock()
		if now.Sub(b.lastFill) > maxAge {
			delete(l.buckets, id)
		}
		b.mu.Unlock()
	}
}
