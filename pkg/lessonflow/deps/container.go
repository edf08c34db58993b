// Package deps wires the process-lifetime collaborators of the service and
// builds the immutable per-run bundle handed to a workflow.
//
// A Container is created once at startup. For every run, NewAgentDeps
// copies the collaborators it needs out of the container together with the
// run's identifiers and tunables. The container's circuit breaker is not
// part of AgentDeps; it is passed next to it so that every workflow built
// from one container shares exactly one breaker.
package deps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/config"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/curriculum"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/event"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/llm"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/observability"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/resilience"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/tools"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/trace"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/vectorstore"
)

// Container holds the shared, process-lifetime collaborators.
type Container struct {
	Settings    config.Settings
	LLM         llm.Provider
	Embeddings  llm.Embedder
	VectorStore *vectorstore.Store
	Catalog     *curriculum.Catalog
	EventBus    event.Bus
	Tools       *tools.Registry
	Breaker     *resilience.CircuitBreaker
	Sequencer   *event.Sequencer
	Replay      *event.MemoryReplay
	Traces      trace.Store
	Metrics     observability.MetricsRecorder
	Spans       observability.SpanManager
	Logger      *slog.Logger
}

// Option overrides a collaborator the container would otherwise build from
// settings.
type Option func(*Container)

// WithProvider sets the LLM provider.
func WithProvider(p llm.Provider) Option {
	return func(c *Container) { c.LLM = p }
}

// WithEmbedder sets the embeddings backend.
func WithEmbedder(e llm.Embedder) Option {
	return func(c *Container) { c.Embeddings = e }
}

// WithCatalog sets the curriculum catalog.
func WithCatalog(cat *curriculum.Catalog) Option {
	return func(c *Container) { c.Catalog = cat }
}

// WithBus sets the event bus.
func WithBus(b event.Bus) Option {
	return func(c *Container) { c.EventBus = b }
}

// WithTraceStore sets the trace store.
func WithTraceStore(s trace.Store) Option {
	return func(c *Container) { c.Traces = s }
}

// WithBreaker sets the circuit breaker.
func WithBreaker(b *resilience.CircuitBreaker) Option {
	return func(c *Container) { c.Breaker = b }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *Container) { c.Metrics = m }
}

// WithSpans sets the span manager.
func WithSpans(s observability.SpanManager) Option {
	return func(c *Container) { c.Spans = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Container) { c.Logger = l }
}

// NewContainer builds every collaborator not supplied through opts and
// seeds the vector store with the curriculum catalog.
func NewContainer(ctx context.Context, settings config.Settings, opts ...Option) (*Container, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	c := &Container{Settings: settings}
	for _, opt := range opts {
		opt(c)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	var err error
	if c.LLM == nil {
		c.LLM, err = llm.NewProvider(ctx, llm.ProviderConfig{
			Provider: settings.LLM.Provider,
			APIKey:   settings.LLM.APIKey,
			Model:    settings.LLM.Model,
			BaseURL:  settings.LLM.BaseURL,
			Timeout:  settings.LLM.Timeout,
		}, c.Logger)
		if err != nil {
			return nil, fmt.Errorf("llm provider: %w", err)
		}
	}

	if c.Embeddings == nil {
		c.Embeddings, err = llm.NewEmbedder(llm.EmbedderConfig{
			Provider:   settings.Embeddings.Provider,
			APIKey:     settings.Embeddings.APIKey,
			Model:      settings.Embeddings.Model,
			Dimensions: settings.Embeddings.Dimensions,
		})
		if err != nil {
			return nil, fmt.Errorf("embeddings: %w", err)
		}
	}

	if c.Catalog == nil {
		c.Catalog = curriculum.DefaultCatalog()
	}
	c.VectorStore = vectorstore.New(c.Embeddings)
	if err := tools.IndexCatalog(ctx, c.VectorStore, c.Catalog); err != nil {
		return nil, fmt.Errorf("index curriculum catalog: %w", err)
	}
	c.Tools = tools.DefaultRegistry(c.VectorStore, c.Catalog)

	if c.Breaker == nil {
		c.Breaker = resilience.NewCircuitBreaker(
			resilience.WithFailureThreshold(settings.Breaker.FailureThreshold),
			resilience.WithCooldown(settings.Breaker.Cooldown),
		)
	}

	c.Sequencer = event.NewSequencer()
	c.Replay = event.NewMemoryReplay(c.Sequencer,
		event.WithReplayTTL(settings.Events.ReplayTTL),
		event.WithReplayMaxRuns(settings.Events.ReplayMaxRuns),
	)

	if c.EventBus == nil {
		c.EventBus, err = newBus(settings.Events, c.Logger)
		if err != nil {
			return nil, err
		}
	}

	if c.Traces == nil {
		c.Traces, err = trace.Open(trace.Config{
			Backend:    settings.Trace.Backend,
			Path:       settings.Trace.Path,
			TTL:        settings.Trace.TTL,
			MaxEntries: settings.Trace.MaxEntries,
		})
		if err != nil {
			_ = c.EventBus.Close()
			return nil, fmt.Errorf("trace store: %w", err)
		}
	}

	if c.Metrics == nil {
		c.Metrics = observability.NewMetricsRecorder()
	}
	if c.Spans == nil {
		c.Spans = observability.NewSpanManager()
	}

	return c, nil
}

func newBus(s config.EventSettings, logger *slog.Logger) (event.Bus, error) {
	switch s.Backend {
	case "", "local":
		return event.NewBus(event.BusConfig{
			NonBlocking: true,
			OnDrop: func(evt event.Event, subscriptionID string) {
				logger.Warn("event dropped for slow subscriber",
					slog.String("run_id", evt.RunID),
					slog.String("type", string(evt.Type)),
					slog.String("subscription", subscriptionID),
				)
			},
		}), nil
	case "nats":
		bus, err := event.ConnectNATS(s.NATSURL, s.SubjectPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("event bus: %w", err)
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("unknown event backend: %q", s.Backend)
	}
}

// Close releases the event bus and trace store.
func (c *Container) Close() error {
	var errs []error
	if c.EventBus != nil {
		errs = append(errs, c.EventBus.Close())
	}
	if c.Traces != nil {
		errs = append(errs, c.Traces.Close())
	}
	return errors.Join(errs...)
}
