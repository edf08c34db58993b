package resilience

import (
	"sync"
	"time"
)

const (
	// DefaultIdempotencyTTL is how long a completed result stays retrievable.
	DefaultIdempotencyTTL = 300 * time.Second

	// DefaultIdempotencyMaxSize bounds the number of stored results.
	DefaultIdempotencyMaxSize = 1000
)

type storedResult[T any] struct {
	value T
	at    time.Time
}

// IdempotencyGuard allows at most one in-flight execution per key and keeps
// terminal results for late callers, bounded by TTL and size.
//
// All state sits behind one mutex. TryAcquire is therefore a true
// compare-and-set across goroutines racing on the same key.
type IdempotencyGuard[T any] struct {
	mu         sync.Mutex
	inProgress map[string]struct{}
	results    map[string]storedResult[T]
	ttl        time.Duration
	maxSize    int
	clock      Clock
}

// GuardOption configures an IdempotencyGuard.
type GuardOption func(*guardConfig)

type guardConfig struct {
	ttl     time.Duration
	maxSize int
	clock   Clock
}

// WithTTL sets how long completed results are kept.
func WithTTL(d time.Duration) GuardOption {
	return func(c *guardConfig) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithMaxSize bounds how many completed results are kept.
func WithMaxSize(n int) GuardOption {
	return func(c *guardConfig) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithGuardClock sets the guard's time source.
func WithGuardClock(clock Clock) GuardOption {
	return func(c *guardConfig) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewIdempotencyGuard creates an empty guard.
func NewIdempotencyGuard[T any](opts ...GuardOption) *IdempotencyGuard[T] {
	cfg := guardConfig{
		ttl:     DefaultIdempotencyTTL,
		maxSize: DefaultIdempotencyMaxSize,
		clock:   SystemClock,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &IdempotencyGuard[T]{
		inProgress: make(map[string]struct{}),
		results:    make(map[string]storedResult[T]),
		ttl:        cfg.ttl,
		maxSize:    cfg.maxSize,
		clock:      cfg.clock,
	}
}

// TryAcquire marks key in progress and returns true, or returns false if key
// is already in progress. A completed key can be acquired again.
func (g *IdempotencyGuard[T]) TryAcquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.evictExpiredLocked()
	if _, busy := g.inProgress[key]; busy {
		return false
	}
	g.inProgress[key] = struct{}{}
	return true
}

// Complete stores result for key and releases it. The oldest results are
// evicted until the guard is within its size bound.
func (g *IdempotencyGuard[T]) Complete(key string, result T) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.inProgress, key)
	g.results[key] = storedResult[T]{value: result, at: g.clock.Now()}
	g.evictExpiredLocked()
	g.evictOverflowLocked()
}

// Fail releases key without storing a result. Any earlier result for key is
// dropped.
func (g *IdempotencyGuard[T]) Fail(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.inProgress, key)
	delete(g.results, key)
}

// GetResult returns the live stored result for key.
func (g *IdempotencyGuard[T]) GetResult(key string) (T, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.evictExpiredLocked()
	r, ok := g.results[key]
	if !ok {
		var zero T
		return zero, false
	}
	return r.value, true
}

// IsInProgress reports whether key is currently acquired.
func (g *IdempotencyGuard[T]) IsInProgress(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.inProgress[key]
	return busy
}

// Clear drops all state.
func (g *IdempotencyGuard[T]) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inProgress = make(map[string]struct{})
	g.results = make(map[string]storedResult[T])
}

// Len returns the number of stored results.
func (g *IdempotencyGuard[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.results)
}

func (g *IdempotencyGuard[T]) evictExpiredLocked() {
	cutoff := g.clock.Now().Add(-g.ttl)
	for key, r := range g.results {
		if r.at.Before(cutoff) {
			delete(g.results, key)
		}
	}
}

func (g *IdempotencyGuard[T]) evictOverflowLocked() {
	for len(g.results) > g.maxSize {
		var oldestKey string
		var oldest time.Time
		first := true
		for key, r := range g.results {
			if first || r.at.Before(oldest) {
				oldestKey, oldest, first = key, r.at, false
			}
		}
		delete(g.results, oldestKey)
	}
}
