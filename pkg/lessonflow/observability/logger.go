// Package observability provides the logging, metrics, and tracing helpers
// used by the lesson-plan workflow.
//
// Features:
//   - Structured logging via slog with consistent run and stage fields
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// ErrAttr formats an error as a log attribute.
func ErrAttr(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// EnrichLogger adds stage context to a run logger. The run helpers below
// expect logger to carry run_id already; AgentDeps attaches it once.
//
//	enriched := EnrichLogger(runLogger, "planner", 1)
//	enriched.Info("calling model") // includes stage, refine_iter
func EnrichLogger(logger *slog.Logger, stage string, refineIter int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("stage", stage),
		slog.Int("refine_iter", refineIter),
	)
}

// LogRunStart logs the start of a workflow run.
func LogRunStart(logger *slog.Logger, teacherID, subject string) {
	if logger == nil {
		return
	}
	logger.Info("plan run starting",
		slog.String("teacher_id", teacherID),
		slog.String("subject", subject),
	)
}

// LogRunComplete logs successful run completion.
func LogRunComplete(logger *slog.Logger, durationMs float64, stages, refineIter int) {
	if logger == nil {
		return
	}
	logger.Info("plan run completed",
		slog.Float64("duration_ms", durationMs),
		slog.Int("stages_executed", stages),
		slog.Int("refine_iter", refineIter),
	)
}

// LogRunError logs run failure.
func LogRunError(logger *slog.Logger, err error, durationMs float64, lastStage string) {
	if logger == nil {
		return
	}
	logger.Error("plan run failed",
		ErrAttr(err),
		slog.Float64("duration_ms", durationMs),
		slog.String("last_stage", lastStage),
	)
}

// LogStageStart logs stage entry.
func LogStageStart(logger *slog.Logger, stage string) {
	if logger == nil {
		return
	}
	logger.Debug("stage starting", slog.String("stage", stage))
}

// LogStageComplete logs stage completion and where the run goes next.
func LogStageComplete(logger *slog.Logger, stage string, durationMs float64, next string) {
	if logger == nil {
		return
	}
	logger.Debug("stage completed",
		slog.String("stage", stage),
		slog.Float64("duration_ms", durationMs),
		slog.String("next", next),
	)
}

// LogStageError logs a stage failure.
func LogStageError(logger *slog.Logger, stage string, err error) {
	if logger == nil {
		return
	}
	logger.Error("stage failed",
		slog.String("stage", stage),
		ErrAttr(err),
	)
}

// LogSinkError logs a failed best-effort write (event sink, trace store).
// These never fail the run.
func LogSinkError(logger *slog.Logger, sink, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("sink write failed",
		slog.String("sink", sink),
		slog.String("operation", op),
		ErrAttr(err),
	)
}

// LogRetry logs a retry of a failed upstream call.
func LogRetry(logger *slog.Logger, operation string, attempt int, delay time.Duration, err error) {
	if logger == nil {
		return
	}
	logger.Warn("retrying operation",
		slog.String("operation", operation),
		slog.Int("attempt", attempt),
		slog.Float64("delay_ms", float64(delay.Microseconds())/1000.0),
		ErrAttr(err),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that reports the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000.0
	}
}
