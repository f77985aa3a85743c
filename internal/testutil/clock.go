package testutil

import (
	"sync"
	"time"
)

// Epoch is the wall time a DeterministicClock starts at.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// DeterministicClock is a manually advanced clock for tests. Next moves it
// one step; Now reports Epoch plus one second per step and never moves on
// its own, so rate limiters and recorded_at columns see the same times on
// every run.
//
// Safe for concurrent use.
type DeterministicClock struct {
	mu  sync.Mutex
	seq int64
}

// NewDeterministicClock creates a clock at step 0.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{}
}

// Next advances the clock one step and returns the new step.
func (c *DeterministicClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the current step without advancing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Now returns the wall time of the current step.
func (c *DeterministicClock) Now() time.Time {
	return Epoch.Add(time.Duration(c.Current()) * time.Second)
}

// Reset moves the clock back to step 0.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}
