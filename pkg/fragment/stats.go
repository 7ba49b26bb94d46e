package fragment

import "sync/atomic"

// Counter is a simple atomic counter shared between the receiver,
// transmitter, and the facade's Redis mirror (spec.md §6 "statistics").
type Counter struct {
	v atomic.Int64
}

// Inc increments the counter by one.
func (c *Counter) Inc() { c.v.Add(1) }

// Load returns the counter's current value.
func (c *Counter) Load() int64 { return c.v.Load() }
