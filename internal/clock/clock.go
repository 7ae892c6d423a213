// Package clock provides the engine-wide monotonic timestamp source.
//
// Every version, event and vector entry is stamped from a single Clock so that
// timestamps are strictly increasing across the whole engine. This is what
// makes as-of reads a total order: for any wall-clock instant T there is a
// well-defined set of versions with timestamp <= T.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock issues strictly increasing uint64 nanosecond timestamps.
//
// The wall clock is used as a floor; if the wall clock stalls or steps
// backwards, Next still advances by one nanosecond per call.
type Clock struct {
	last atomic.Uint64
}

// New creates a Clock. The zero value is also usable.
func New() *Clock {
	return &Clock{}
}

// Next returns the next timestamp. Safe for concurrent use.
func (c *Clock) Next() uint64 {
	for {
		now := uint64(time.Now().UnixNano())
		last := c.last.Load()
		if now <= last {
			now = last + 1
		}
		if c.last.CompareAndSwap(last, now) {
			return now
		}
	}
}

// Observe advances the clock to at least ts. It is used when replaying a WAL
// or importing a bundle so that new writes never collide with replayed
// timestamps.
func (c *Clock) Observe(ts uint64) {
	for {
		last := c.last.Load()
		if ts <= last {
			return
		}
		if c.last.CompareAndSwap(last, ts) {
			return
		}
	}
}

// Now returns the last issued timestamp without advancing the clock.
// Returns 0 if no timestamp has been issued yet.
func (c *Clock) Now() uint64 {
	return c.last.Load()
}
