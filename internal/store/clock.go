package store

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock supplies transaction times. The store reads it inside the append
// critical section, so any implementation must be safe for concurrent use.
//
// Implemented by MonotonicClock (production) and FixedClock (tests).
type Clock interface {
	Now() time.Time
}

// MonotonicClock returns wall-clock time clamped to be non-decreasing.
//
// Wall clocks can step backwards (NTP adjustments, leap smearing). The
// ledger's ordering invariant only needs non-decreasing transaction
// times, with seq as the tie-breaker, so the clamp holds the last
// observed time rather than inventing increments.
type MonotonicClock struct {
	last atomic.Int64 // unix nanos of the last returned time
}

// NewMonotonicClock creates a clock starting from the current wall time.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{}
}

// Now returns the current time, never earlier than any previously
// returned time.
func (c *MonotonicClock) Now() time.Time {
	for {
		now := time.Now().UTC().UnixNano()
		last := c.last.Load()
		if now < last {
			now = last
		}
		if c.last.CompareAndSwap(last, now) {
			return time.Unix(0, now).UTC()
		}
	}
}

// FixedClock returns a settable time for deterministic tests.
//
// Tests set exact transaction times to exercise as-of cutoffs, identical
// timestamps (tie-break paths) and partition-window exhaustion.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock creates a clock pinned to t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{now: t.UTC()}
}

// Now returns the pinned time.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set pins the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
