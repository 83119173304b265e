package engine

import "sync/atomic"

// Clock is a logical counter that stamps objects with the position at which
// they completed within a run. Run results are sorted by object id, so the
// stamp is what shows write order.
//
// Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0. The first Next returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next position.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last position handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
