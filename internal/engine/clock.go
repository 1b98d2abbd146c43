package engine

import "sync/atomic"

// Clock is a monotonic logical clock stamping every mutation, firing,
// and task transition with a strictly increasing seq. Ordering by seq
// instead of wall time keeps traces and golden comparisons free of
// clock races, and makes the audit log replayable in one order.
//
// Thread-safe: entity loops run in parallel and share one clock.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0; the first Next returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming from a specific sequence number.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and advances the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without advancing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
