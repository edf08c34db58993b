package event

import (
	"sync/atomic"

	"github.com/alphadose/haxmap"
)

// Sequencer hands out per-run sequence numbers. One Sequencer is shared by
// every emitter in a process so a run id never reuses a number, even when
// the run is retried under the same id.
type Sequencer struct {
	counters *haxmap.Map[string, *atomic.Int64]
}

// NewSequencer creates an empty Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{counters: haxmap.New[string, *atomic.Int64]()}
}

// Next returns the next sequence number for runID, starting at 1.
func (s *Sequencer) Next(runID string) int64 {
	counter, _ := s.counters.GetOrCompute(runID, func() *atomic.Int64 {
		return new(atomic.Int64)
	})
	return counter.Add(1)
}

// Current returns the last number handed out for runID, or 0.
func (s *Sequencer) Current(runID string) int64 {
	counter, ok := s.counters.Get(runID)
	if !ok {
		return 0
	}
	return counter.Load()
}

// Release forgets runID. Only call it once the run's events are gone.
func (s *Sequencer) Release(runID string) {
	s.counters.Del(runID)
}

// Len returns the number of tracked runs.
func (s *Sequencer) Len() int {
	return int(s.counters.Len())
}
