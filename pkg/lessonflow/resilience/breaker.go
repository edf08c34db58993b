package resilience

import (
	"sync"
	"time"
)

const (
	// DefaultFailureThreshold is the failure count that opens a breaker.
	DefaultFailureThreshold = 5

	// DefaultCooldown is how long an open breaker blocks calls.
	DefaultCooldown = 60 * time.Second
)

// BreakerState is the logical state of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker counts consecutive upstream failures and blocks calls once
// the count reaches the threshold, until the cooldown has elapsed.
//
// The breaker only tracks state. It never returns errors; callers decide what
// to do when Check reports false.
type CircuitBreaker struct {
	mu           sync.Mutex
	threshold    int
	cooldown     time.Duration
	failureCount int
	openedAt     time.Time
	clock        Clock
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many failures open the breaker.
func WithFailureThreshold(n int) BreakerOption {
	return func(b *CircuitBreaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays open.
func WithCooldown(d time.Duration) BreakerOption {
	return func(b *CircuitBreaker) {
		if d >= 0 {
			b.cooldown = d
		}
	}
}

// WithClock sets the breaker's time source.
func WithClock(c Clock) BreakerOption {
	return func(b *CircuitBreaker) {
		if c != nil {
			b.clock = c
		}
	}
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		threshold: DefaultFailureThreshold,
		cooldown:  DefaultCooldown,
		clock:     SystemClock,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Check reports whether a call may proceed now. Once the cooldown has
// elapsed the breaker is half-open and Check returns true; checking alone
// never resets the failure count.
func (b *CircuitBreaker) Check() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked() != BreakerOpen
}

// RecordSuccess closes the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	b.failureCount = 0
	b.openedAt = time.Time{}
	b.mu.Unlock()
}

// RecordFailure counts a failure. Reaching the threshold opens the breaker;
// a failure while half-open re-opens it with a fresh cooldown.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	if b.failureCount < b.threshold {
		return
	}
	if b.openedAt.IsZero() || b.cooldownElapsedLocked() {
		b.openedAt = b.clock.Now()
	}
}

// Reset restores the closed state.
func (b *CircuitBreaker) Reset() {
	b.RecordSuccess()
}

// IsOpen reports whether the breaker is blocking calls.
func (b *CircuitBreaker) IsOpen() bool {
	return !b.Check()
}

// State returns the logical breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// FailureCount returns failures recorded since the last success or reset.
func (b *CircuitBreaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// RetryAfter returns the time left before an open breaker goes half-open.
func (b *CircuitBreaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stateLocked() != BreakerOpen {
		return 0
	}
	return b.cooldown - b.clock.Now().Sub(b.openedAt)
}

func (b *CircuitBreaker) stateLocked() BreakerState {
	if b.failureCount < b.threshold {
		return BreakerClosed
	}
	if b.cooldownElapsedLocked() {
		return BreakerHalfOpen
	}
	return BreakerOpen
}

func (b *CircuitBreaker) cooldownElapsedLocked() bool {
	if b.openedAt.IsZero() {
		return true
	}
	return b.clock.Now().Sub(b.openedAt) >= b.cooldown
}
