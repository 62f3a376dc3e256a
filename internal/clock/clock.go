// Package clock provides a mockable time source for testing.
// In production it simply wraps time.Now(); tests inject a MockClock so
// rate-limit windows, tunnel timeouts, and boot-event timestamps are
// deterministic.
package clock

import (
	"sync"
	"time"
)

// Clock is the interface for time operations.
// Use package-level functions for convenience, or inject a Clock for testing.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending callback scheduled through a Clock. Stop cancels it and
// reports whether the callback had not yet fired.
type Timer interface {
	Stop() bool
}

// --- Real Clock (simple wrapper) ---

// RealClock provides the actual system time.
type RealClock struct{}

// Now returns the current system time.
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// AfterFunc schedules f on the system timer.
func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// --- Mock Clock (for testing) ---

// MockClock is a test clock with controllable time. Timers scheduled with
// AfterFunc fire synchronously from Set or Advance once their deadline is
// reached.
type MockClock struct {
	mu      sync.RWMutex
	current time.Time
	timers  []*mockTimer
}

type mockTimer struct {
	clk      *MockClock
	deadline time.Time
	f        func()
	fired    bool
	stopped  bool
}

// Stop cancels the timer. Returns false when it already fired or was stopped.
func (t *mockTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// NewMockClock creates a mock clock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now returns the mock time.
func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Set sets the mock time and fires any timers whose deadline has passed.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	due := c.takeDueLocked()
	c.mu.Unlock()

	// Callbacks run outside the lock so they may schedule new timers or
	// read the clock.
	for _, f := range due {
		f()
	}
}

// Advance advances the mock time by d, firing due timers.
func (c *MockClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

// AfterFunc schedules f to run when the mock time reaches or passes the
// deadline.
func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTimer{clk: c, deadline: c.current.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *MockClock) takeDueLocked() []func() {
	var due []func()
	remaining := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.deadline.After(c.current):
			t.fired = true
			due = append(due, t.f)
		default:
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	return due
}

// --- Package-level convenience functions ---

// Now returns the current system time.
func Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func Since(t time.Time) time.Duration {
	return time.Since(t)
}
