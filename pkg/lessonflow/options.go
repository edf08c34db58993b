package lessonflow

import (
	"context"
	"time"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/quality"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/resilience"
)

// Option configures a Workflow.
type Option func(*Workflow)

// WithClock sets the clock used for the wall-clock budget and durations.
func WithClock(c resilience.Clock) Option {
	return func(w *Workflow) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithSleep replaces the retry backoff sleeper.
// Tests use this to observe delays without waiting.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Workflow) {
		w.sleep = sleep
	}
}

// WithChecks replaces the hard-constraint check chain run by validate.
func WithChecks(checks ...quality.Check) Option {
	return func(w *Workflow) {
		w.checks = checks
	}
}

// WithScorecardFunc replaces the scorecard builder.
func WithScorecardFunc(fn func(RunState) (*Scorecard, error)) Option {
	return func(w *Workflow) {
		if fn != nil {
			w.scorecard = fn
		}
	}
}

// WithMaxStages bounds the number of stage executions per run.
// Default: enough for every refinement iteration plus the executor.
func WithMaxStages(n int) Option {
	return func(w *Workflow) {
		if n > 0 {
			w.maxStages = n
		}
	}
}
