package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope for lessonflow spans.
const TracerName = "lessonflow"

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartRunSpan starts the parent span for a whole run.
	StartRunSpan(ctx context.Context, runID, teacherID string) (context.Context, trace.Span)

	// StartStageSpan starts a child span for one stage.
	StartStageSpan(ctx context.Context, stage string, refineIter int) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct {
	provider trace.TracerProvider
}

// NewSpanManager returns a SpanManager using the global OTel tracer
// provider, resolved when each span starts.
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// NewSpanManagerFrom returns a SpanManager bound to provider.
func NewSpanManagerFrom(provider trace.TracerProvider) SpanManager {
	return &otelSpanManager{provider: provider}
}

func (m *otelSpanManager) tracer() trace.Tracer {
	if m.provider != nil {
		return m.provider.Tracer(TracerName)
	}
	return otel.Tracer(TracerName)
}

func (m *otelSpanManager) StartRunSpan(ctx context.Context, runID, teacherID string) (context.Context, trace.Span) {
	return m.tracer().Start(ctx, "lessonflow.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("teacher.id", teacherID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartStageSpan(ctx context.Context, stage string, refineIter int) (context.Context, trace.Span) {
	return m.tracer().Start(ctx, "lessonflow.stage."+stage,
		trace.WithAttributes(
			attribute.String("stage", stage),
			attribute.Int("refine_iter", refineIter),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
