package inflight

import (
	"context"
	"sync"
)

// Counter tracks work that should block draining.
type Counter struct {
	mu   sync.Mutex
	n    int64
	zero chan struct{}
}

// Inc increments the counter.
func (c *Counter) Inc() {
	c.mu.Lock()
	if c.n == 0 {
		c.zero = make(chan struct{})
	}
	c.n++
	c.mu.Unlock()
}

// Dec decrements the counter; it never goes below zero.
func (c *Counter) Dec() {
	c.mu.Lock()
	if c.n > 0 {
		c.n--
		if c.n == 0 {
			close(c.zero)
		}
	}
	c.mu.Unlock()
}

// Load returns the current count.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// WaitForZero blocks until the count is zero or the context is done.
func (c *Counter) WaitForZero(ctx context.Context) bool {
	c.mu.Lock()
	if c.n == 0 {
		c.mu.Unlock()
		return true
	}
	ch := c.zero
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}
