package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start time of a ManualClock.
var Epoch = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

// ManualClock is a wall clock that only moves when told to.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock reading start. A zero start means Epoch.
func NewManualClock(start time.Time) *ManualClock {
	if start.IsZero() {
		start = Epoch
	}
	return &ManualClock{now: start}
}

// Now returns the current reading. It satisfies model.NowFunc when passed
// as a method value.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new reading.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Ticking returns a NowFunc that advances the clock by step on every call,
// so consecutive readings are distinct.
func (c *ManualClock) Ticking(step time.Duration) func() time.Time {
	return func() time.Time {
		c.mu.Lock()
		defer c.mu.Unlock()
		t := c.now
		c.now = c.now.Add(step)
		return t
	}
}
