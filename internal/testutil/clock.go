package testutil

import (
	"sync"
	"time"
)

// FixedClock is a deterministic model.Clock for tests.
//
// Every call to Now returns the current instant and then advances it by
// Step, so successive events get distinct, predictable timestamps. A zero
// Step freezes the clock.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FixedClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewFixedClock creates a clock starting at start (converted to UTC).
func NewFixedClock(start time.Time, step time.Duration) *FixedClock {
	return &FixedClock{now: start.UTC(), step: step}
}

// Now returns the current instant and advances the clock by its step.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the current instant without advancing.
func (c *FixedClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to t.
//
// Used to place a scenario just before midnight.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
