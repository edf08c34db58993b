package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope for lessonflow metrics.
const MeterName = "lessonflow"

// MetricsRecorder records workflow metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordStage records one stage execution with its duration and error status.
	RecordStage(ctx context.Context, stage string, duration time.Duration, err error)

	// RecordRun records a run reaching a terminal status.
	RecordRun(ctx context.Context, status string, duration time.Duration)

	// RecordRetry records one retry of an upstream call.
	RecordRetry(ctx context.Context, operation string)

	// RecordBreakerRejection records a call refused by an open circuit breaker.
	RecordBreakerRejection(ctx context.Context, stage string)
}

type otelMetrics struct {
	stageExecutions   metric.Int64Counter
	stageLatency      metric.Float64Histogram
	stageErrors       metric.Int64Counter
	runs              metric.Int64Counter
	runLatency        metric.Float64Histogram
	retries           metric.Int64Counter
	breakerRejections metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.GetMeterProvider())
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(provider metric.MeterProvider) (*otelMetrics, error) {
	meter := provider.Meter(MeterName)
	m := &otelMetrics{}
	var err error

	if m.stageExecutions, err = meter.Int64Counter("lessonflow.stage.executions",
		metric.WithDescription("Number of stage executions"),
	); err != nil {
		return nil, err
	}
	if m.stageLatency, err = meter.Float64Histogram("lessonflow.stage.latency_ms",
		metric.WithDescription("Stage execution latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.stageErrors, err = meter.Int64Counter("lessonflow.stage.errors",
		metric.WithDescription("Number of failed stage executions"),
	); err != nil {
		return nil, err
	}
	if m.runs, err = meter.Int64Counter("lessonflow.run.count",
		metric.WithDescription("Number of runs by terminal status"),
	); err != nil {
		return nil, err
	}
	if m.runLatency, err = meter.Float64Histogram("lessonflow.run.latency_ms",
		metric.WithDescription("Run latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter("lessonflow.retry.attempts",
		metric.WithDescription("Number of retried upstream calls"),
	); err != nil {
		return nil, err
	}
	if m.breakerRejections, err = meter.Int64Counter("lessonflow.breaker.rejections",
		metric.WithDescription("Number of calls refused by the circuit breaker"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by the global OTel
// meter provider. Configure the provider with otel.SetMeterProvider before
// the first call. If initialization fails it returns NoopMetrics.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder", ErrAttr(err))
		return NoopMetrics{}
	}
	return m
}

// NewMetricsRecorderFrom returns a MetricsRecorder bound to provider.
func NewMetricsRecorderFrom(provider metric.MeterProvider) (MetricsRecorder, error) {
	m, err := newOtelMetrics(provider)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *otelMetrics) RecordStage(ctx context.Context, stage string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("stage", stage))

	m.stageExecutions.Add(ctx, 1, attrs)
	m.stageLatency.Record(ctx, float64(duration.Microseconds())/1000.0, attrs)
	if err != nil {
		m.stageErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordRun(ctx context.Context, status string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.runs.Add(ctx, 1, attrs)
	m.runLatency.Record(ctx, float64(duration.Microseconds())/1000.0, attrs)
}

func (m *otelMetrics) RecordRetry(ctx context.Context, operation string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

func (m *otelMetrics) RecordBreakerRejection(ctx context.Context, stage string) {
	m.breakerRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
