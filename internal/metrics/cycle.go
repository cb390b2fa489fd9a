package metrics

import (
	"sync"
	"time"
)

// CycleTimer tracks the duration of the last, average and longest cycle of a
// control loop.
type CycleTimer struct {
	mu    sync.Mutex
	start time.Time
	last  time.Duration
	max   time.Duration
	total time.Duration
	count uint64
}

// NewCycleTimer returns an idle timer.
func NewCycleTimer() *CycleTimer { return &CycleTimer{} }

// Start marks the beginning of a cycle.
func (c *CycleTimer) Start(now time.Time) {
	c.mu.Lock()
	c.start = now
	c.mu.Unlock()
}

// Stop closes the cycle begun by Start and returns its duration.
func (c *CycleTimer) Stop(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.start.IsZero() {
		return 0
	}
	d := now.Sub(c.start)
	c.start = time.Time{}
	c.last = d
	c.total += d
	c.count++
	if d > c.max {
		c.max = d
	}
	return d
}

// Last returns the duration of the most recent cycle.
func (c *CycleTimer) Last() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Avg returns the mean cycle duration.
func (c *CycleTimer) Avg() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == 0 {
		return 0
	}
	return c.total / time.Duration(c.count)
}

// Max returns the longest cycle seen.
func (c *CycleTimer) Max() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

// Count returns the number of completed cycles.
func (c *CycleTimer) Count() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
