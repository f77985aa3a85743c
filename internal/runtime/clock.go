package runtime

import "sync/atomic"

// Clock is the monotonic logical tick counter. Tick numbers stamp every
// invocation, grant and patch; they are never derived from wall time.
//
// Safe for concurrent use.
type Clock struct {
	tick atomic.Int64
}

// NewClock creates a clock whose first tick is 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming after tick start.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.tick.Store(start)
	return c
}

// Next advances the clock and returns the new tick.
func (c *Clock) Next() int64 {
	return c.tick.Add(1)
}

// Current returns the last tick handed out, or the start value.
func (c *Clock) Current() int64 {
	return c.tick.Load()
}
