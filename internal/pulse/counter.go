// Package pulse captures flow sensor edges with zero loss.
//
// Counter is the only state shared between the sensor event context and
// the rest of the process. The event context only increments, consumers
// only Drain(). Both sides are single atomic operations, so no pulse can
// be lost between a read and a clear.
package pulse

import "sync/atomic"

// Counter is a monotonic uint32 edge counter.
// Zero value is ready to use.
// Overflow after 2^32 edges between drains is out of practical range.
type Counter struct {
	n uint32
}

// Inc records one qualifying edge. Sole writer is the sensor read loop.
func (c *Counter) Inc() {
	atomic.AddUint32(&c.n, 1)
}

// Drain atomically reads the accumulated count and resets it to zero.
// Must be a true exchange: read-then-assign would drop an edge arriving
// in between.
func (c *Counter) Drain() uint32 {
	return atomic.SwapUint32(&c.n, 0)
}

// Peek returns the current count without resetting. Diagnostic only.
func (c *Counter) Peek() uint32 {
	return atomic.LoadUint32(&c.n)
}
