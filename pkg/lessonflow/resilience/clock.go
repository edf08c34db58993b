// Package resilience holds the shared guards placed around upstream calls:
// a circuit breaker that fast-fails a failing provider and an idempotency
// guard that keeps one in-flight execution per run key.
//
// Both types are safe for concurrent use and are meant to be created once
// per process (or per dependency container) and shared by reference.
package resilience

import (
	"sync"
	"time"
)

// Clock supplies the current time. Readings from the system clock carry a
// monotonic component, so durations computed from them ignore wall-clock
// adjustments.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the real clock.
var SystemClock Clock = systemClock{}

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a ManualClock reading start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
