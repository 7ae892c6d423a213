package version

import "sync/atomic"

// Counter issues version numbers for one branch. Numbers start at 1 and are
// never reused.
type Counter struct {
	n atomic.Uint64
}

// Next returns the next version number.
func (c *Counter) Next() uint64 {
	return c.n.Add(1)
}

// Current returns the last issued version number (0 before any write).
func (c *Counter) Current() uint64 {
	return c.n.Load()
}

// Observe advances the counter to at least v. Used when replaying a WAL or
// importing a bundle so fresh writes never collide with replayed numbers.
func (c *Counter) Observe(v uint64) {
	for {
		cur := c.n.Load()
		if v <= cur {
			return
		}
		if c.n.CompareAndSwap(cur, v) {
			return
		}
	}
}
