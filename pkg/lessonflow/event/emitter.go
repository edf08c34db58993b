package event

import (
	"context"
	"log/slog"
	"sync"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/observability"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/resilience"
)

// StreamWriter receives every event of a run, in sequence order.
type StreamWriter func(ctx context.Context, evt Event) error

// Emitter stamps and delivers the events of one run.
//
// Emit holds a lock across delivery, so sinks observe events in strict
// sequence order even when stages emit from different goroutines. A sink
// error is logged and does not stop delivery to the remaining sinks.
type Emitter struct {
	runID  string
	seq    *Sequencer
	clock  resilience.Clock
	logger *slog.Logger

	mu       sync.Mutex
	sinks    []StreamWriter
	terminal *Event
	count    int
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithSink adds a sink. Sinks are called in the order added.
func WithSink(w StreamWriter) EmitterOption {
	return func(e *Emitter) {
		if w != nil {
			e.sinks = append(e.sinks, w)
		}
	}
}

// WithEmitterClock sets the clock used for event timestamps.
func WithEmitterClock(c resilience.Clock) EmitterOption {
	return func(e *Emitter) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithEmitterLogger sets the logger for sink failures. The emitter adds
// run_id itself, so l should not carry it.
func WithEmitterLogger(l *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEmitter creates an emitter for runID. A nil seq gets a private
// Sequencer.
func NewEmitter(runID string, seq *Sequencer, opts ...EmitterOption) *Emitter {
	if seq == nil {
		seq = NewSequencer()
	}
	e := &Emitter{
		runID:  runID,
		seq:    seq,
		clock:  resilience.SystemClock,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("run_id", runID))
	return e
}

// AddSink attaches another sink. Events already emitted are not replayed
// to it.
func (e *Emitter) AddSink(w StreamWriter) {
	if w == nil {
		return
	}
	e.mu.Lock()
	e.sinks = append(e.sinks, w)
	e.mu.Unlock()
}

// RunID returns the run this emitter belongs to.
func (e *Emitter) RunID() string { return e.runID }

// Emit sequences and delivers one event. It returns false without
// delivering anything when the run already has its terminal event.
func (e *Emitter) Emit(ctx context.Context, typ Type, stage string, payload map[string]any) (Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminal != nil {
		e.logger.Warn("event dropped after terminal event",
			slog.String("type", string(typ)),
			slog.String("terminal", string(e.terminal.Type)),
		)
		return Event{}, false
	}

	evt := New(e.runID, typ, stage, payload)
	evt.Timestamp = e.clock.Now().UTC()
	evt.Seq = e.seq.Next(e.runID)
	if typ.IsTerminal() {
		e.terminal = &evt
	}
	e.count++

	for _, sink := range e.sinks {
		if err := sink(ctx, evt); err != nil {
			observability.LogSinkError(e.logger, "stream_writer", string(typ), err)
		}
	}
	return evt, true
}

// Terminated reports whether a terminal event has been emitted.
func (e *Emitter) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminal != nil
}

// Terminal returns the terminal event, if any.
func (e *Emitter) Terminal() (Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal == nil {
		return Event{}, false
	}
	return *e.terminal, true
}

// Count returns the number of events delivered.
func (e *Emitter) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// Collector is a StreamWriter that keeps every event in memory.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// Write implements StreamWriter.
func (c *Collector) Write(_ context.Context, evt Event) error {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
	return nil
}

// Events returns a copy of the collected events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Types returns the collected event types in order.
func (c *Collector) Types() []Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Type, len(c.events))
	for i, evt := range c.events {
		out[i] = evt.Type
	}
	return out
}
