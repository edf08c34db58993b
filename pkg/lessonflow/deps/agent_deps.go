package deps

import (
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/config"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/curriculum"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/event"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/llm"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/observability"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/tools"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/trace"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/vectorstore"
)

// Errors returned by NewAgentDeps.
var (
	ErrNilContainer = errors.New("deps: container is nil")
	ErrRunID        = errors.New("deps: run id is required")
)

// RunParams identifies one run.
type RunParams struct {
	TeacherID string
	RunID     string
	Subject   string

	// Emitter, when set, is used as is. Otherwise one is built that writes
	// to StreamWriter, the container's replay store, and its event bus.
	Emitter      *event.Emitter
	StreamWriter event.StreamWriter

	// MaxWorkflowDuration overrides the configured budget when positive.
	MaxWorkflowDuration time.Duration
}

// AgentDeps is the immutable configuration of one run. Fields are set once
// by NewAgentDeps and only exposed through getters.
type AgentDeps struct {
	teacherID string
	runID     string
	subject   string

	defaultVariants     []string
	maxRefinementIters  int
	maxWorkflowDuration time.Duration
	passThreshold       float64
	retry               config.RetrySettings
	maxTokens           int
	temperature         float64

	llm          llm.Provider
	embeddings   llm.Embedder
	vectorStore  *vectorstore.Store
	catalog      *curriculum.Catalog
	eventBus     event.Bus
	tools        *tools.Registry
	emitter      *event.Emitter
	streamWriter event.StreamWriter
	traces       *trace.Recorder
	metrics      observability.MetricsRecorder
	spans        observability.SpanManager
	logger       *slog.Logger
}

// NewAgentDeps builds the per-run bundle from a container.
func NewAgentDeps(c *Container, p RunParams) (*AgentDeps, error) {
	if c == nil {
		return nil, ErrNilContainer
	}
	if p.RunID == "" {
		return nil, ErrRunID
	}

	s := c.Settings
	maxDuration := s.MaxWorkflowDuration
	if p.MaxWorkflowDuration > 0 {
		maxDuration = p.MaxWorkflowDuration
	}

	base := c.Logger
	if base == nil {
		base = slog.Default()
	}
	logger := base.With(slog.String("run_id", p.RunID))

	emitter := p.Emitter
	if emitter == nil {
		// The emitter labels its own records with the run id.
		opts := []event.EmitterOption{event.WithEmitterLogger(base)}
		if p.StreamWriter != nil {
			opts = append(opts, event.WithSink(p.StreamWriter))
		}
		if c.Replay != nil {
			opts = append(opts, event.WithSink(c.Replay.Append))
		}
		if c.EventBus != nil {
			opts = append(opts, event.WithSink(event.BusWriter(c.EventBus)))
		}
		emitter = event.NewEmitter(p.RunID, c.Sequencer, opts...)
	} else if p.StreamWriter != nil {
		emitter.AddSink(p.StreamWriter)
	}

	metrics := c.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	spans := c.Spans
	if spans == nil {
		spans = observability.NoopSpanManager{}
	}

	return &AgentDeps{
		teacherID:           p.TeacherID,
		runID:               p.RunID,
		subject:             p.Subject,
		defaultVariants:     slices.Clone(s.DefaultVariants),
		maxRefinementIters:  s.MaxRefinementIters,
		maxWorkflowDuration: maxDuration,
		passThreshold:       s.PassThreshold,
		retry:               s.Retry,
		maxTokens:           s.LLM.MaxTokens,
		temperature:         s.LLM.Temperature,
		llm:                 c.LLM,
		embeddings:          c.Embeddings,
		vectorStore:         c.VectorStore,
		catalog:             c.Catalog,
		eventBus:            c.EventBus,
		tools:               c.Tools,
		emitter:             emitter,
		streamWriter:        p.StreamWriter,
		traces:              trace.NewRecorder(c.Traces, logger),
		metrics:             metrics,
		spans:               spans,
		logger:              logger,
	}, nil
}

// TeacherID returns the requesting teacher, empty for anonymous runs.
func (d *AgentDeps) TeacherID() string { return d.teacherID }

// RunID returns the run identifier.
func (d *AgentDeps) RunID() string { return d.runID }

// Subject returns the subject hint, possibly empty.
func (d *AgentDeps) Subject() string { return d.subject }

// DefaultVariants returns a copy of the export variants to produce.
func (d *AgentDeps) DefaultVariants() []string { return slices.Clone(d.defaultVariants) }

// MaxRefinementIters bounds the number of refinement passes.
func (d *AgentDeps) MaxRefinementIters() int { return d.maxRefinementIters }

// MaxWorkflowDuration is the wall-clock budget for the whole run.
func (d *AgentDeps) MaxWorkflowDuration() time.Duration { return d.maxWorkflowDuration }

// PassThreshold is the minimum validation score that passes a draft.
func (d *AgentDeps) PassThreshold() float64 { return d.passThreshold }

// Retry returns the retry policy for model calls.
func (d *AgentDeps) Retry() config.RetrySettings { return d.retry }

// MaxTokens caps each model completion.
func (d *AgentDeps) MaxTokens() int { return d.maxTokens }

// Temperature is the sampling temperature for model calls.
func (d *AgentDeps) Temperature() float64 { return d.temperature }

// LLM returns the chat provider.
func (d *AgentDeps) LLM() llm.Provider { return d.llm }

// Embeddings returns the embedder, nil when none is configured.
func (d *AgentDeps) Embeddings() llm.Embedder { return d.embeddings }

// VectorStore returns the standards index.
func (d *AgentDeps) VectorStore() *vectorstore.Store { return d.vectorStore }

// Catalog returns the curriculum standards catalog.
func (d *AgentDeps) Catalog() *curriculum.Catalog { return d.catalog }

// EventBus returns the shared bus, nil when events stay in-process.
func (d *AgentDeps) EventBus() event.Bus { return d.eventBus }

// Tools returns the tool registry. It may be nil.
func (d *AgentDeps) Tools() *tools.Registry { return d.tools }

// Emitter returns the run's event emitter.
func (d *AgentDeps) Emitter() *event.Emitter { return d.emitter }

// StreamWriter returns the caller's stream sink, nil for sync runs.
func (d *AgentDeps) StreamWriter() event.StreamWriter { return d.streamWriter }

// Traces returns the recorder for model call traces.
func (d *AgentDeps) Traces() *trace.Recorder { return d.traces }

// Metrics never returns nil.
func (d *AgentDeps) Metrics() observability.MetricsRecorder { return d.metrics }

// Spans never returns nil.
func (d *AgentDeps) Spans() observability.SpanManager { return d.spans }

// Logger returns a logger that already carries run_id.
func (d *AgentDeps) Logger() *slog.Logger { return d.logger }
