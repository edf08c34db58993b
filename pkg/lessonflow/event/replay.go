package event

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/resilience"
)

// Default replay bounds.
const (
	DefaultReplayTTL     = time.Hour
	DefaultReplayMaxRuns = 1000
)

// MemoryReplay keeps recent runs' events so clients that reconnect can
// catch up with GET /runs/{id}/events?after=<seq>.
//
// A run expires ReplayTTL after its last event. When it does, the
// Sequencer forgets the run as well.
type MemoryReplay struct {
	mu      sync.Mutex
	runs    map[string]*replayRun
	ttl     time.Duration
	maxRuns int
	clock   resilience.Clock
	seq     *Sequencer
}

type replayRun struct {
	events  []Event
	touched time.Time
}

// ReplayOption configures a MemoryReplay.
type ReplayOption func(*MemoryReplay)

// WithReplayTTL sets how long a run's events are kept after its last event.
func WithReplayTTL(d time.Duration) ReplayOption {
	return func(r *MemoryReplay) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithReplayMaxRuns bounds the number of runs kept.
func WithReplayMaxRuns(n int) ReplayOption {
	return func(r *MemoryReplay) {
		if n > 0 {
			r.maxRuns = n
		}
	}
}

// WithReplayClock sets the clock used for expiry.
func WithReplayClock(c resilience.Clock) ReplayOption {
	return func(r *MemoryReplay) {
		if c != nil {
			r.clock = c
		}
	}
}

// NewMemoryReplay creates a replay store. seq may be nil.
func NewMemoryReplay(seq *Sequencer, opts ...ReplayOption) *MemoryReplay {
	r := &MemoryReplay{
		runs:    make(map[string]*replayRun),
		ttl:     DefaultReplayTTL,
		maxRuns: DefaultReplayMaxRuns,
		clock:   resilience.SystemClock,
		seq:     seq,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Append implements StreamWriter.
func (r *MemoryReplay) Append(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.evictExpiredLocked(now)

	run, ok := r.runs[evt.RunID]
	if !ok {
		run = &replayRun{}
		r.runs[evt.RunID] = run
	}
	run.events = append(run.events, evt)
	run.touched = now

	r.evictOverflowLocked()
	return nil
}

// Events returns the run's events with Seq greater than after, in order.
// The bool is false when the run is unknown or has expired.
func (r *MemoryReplay) Events(runID string, after int64) ([]Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictExpiredLocked(r.clock.Now())

	run, ok := r.runs[runID]
	if !ok {
		return nil, false
	}
	i := sort.Search(len(run.events), func(i int) bool {
		return run.events[i].Seq > after
	})
	out := make([]Event, len(run.events)-i)
	copy(out, run.events[i:])
	return out, true
}

// Len returns the number of runs held.
func (r *MemoryReplay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func (r *MemoryReplay) evictExpiredLocked(now time.Time) {
	for id, run := range r.runs {
		if now.Sub(run.touched) > r.ttl {
			r.dropLocked(id)
		}
	}
}

func (r *MemoryReplay) evictOverflowLocked() {
	for len(r.runs) > r.maxRuns {
		var oldestID string
		var oldest time.Time
		for id, run := range r.runs {
			if oldestID == "" || run.touched.Before(oldest) {
				oldestID, oldest = id, run.touched
			}
		}
		r.dropLocked(oldestID)
	}
}

func (r *MemoryReplay) dropLocked(runID string) {
	delete(r.runs, runID)
	if r.seq != nil {
		r.seq.Release(runID)
	}
}
