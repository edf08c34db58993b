package trace

import (
	"time"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/resilience"
)

// Option configures a store.
type Option func(*options)

type options struct {
	ttl        time.Duration
	maxEntries int
	clock      resilience.Clock
}

func defaultOptions() options {
	return options{
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		clock:      resilience.SystemClock,
	}
}

// WithTTL sets how long a run is kept after its last update.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithMaxEntries bounds the number of runs kept.
func WithMaxEntries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEntries = n
		}
	}
}

// WithClock sets the store clock.
func WithClock(c resilience.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}
