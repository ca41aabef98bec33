package rpc

import (
	"math"
	"sync/atomic"
)

// pendingCounter bounds the number of requests in flight on a channel. It is
// mutated only from the channel's executor; the atomics let other goroutines
// read a snapshot.
type pendingCounter struct {
	count  atomic.Uint32
	max    atomic.Uint32
	onZero func()
}

func newPendingCounter(onZero func()) *pendingCounter {
	c := &pendingCounter{onZero: onZero}
	c.max.Store(math.MaxUint32)
	return c
}

// tryIncrement takes a slot unless the counter is already at its maximum.
func (c *pendingCounter) tryIncrement() bool {
	n := c.count.Load()
	if n >= c.max.Load() {
		return false
	}
	c.count.Store(n + 1)
	return true
}

// decrement releases a slot and fires onZero when the last one goes.
func (c *pendingCounter) decrement() {
	n := c.count.Load()
	if n == 0 {
		panic("rpc: pending request counter underflow")
	}
	c.count.Store(n - 1)
	if n == 1 && c.onZero != nil {
		c.onZero()
	}
}

// setMaximum applies from the next tryIncrement. Zero means unbounded.
func (c *pendingCounter) setMaximum(n uint32) {
	if n == 0 {
		n = math.MaxUint32
	}
	c.max.Store(n)
}

func (c *pendingCounter) value() uint32   { return c.count.Load() }
func (c *pendingCounter) maximum() uint32 { return c.max.Load() }
