package trace

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/observability"
)

// Recorder writes traces on a best-effort basis. Store errors are logged and
// swallowed; a nil Recorder or a Recorder without a store does nothing.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder wraps store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

func (r *Recorder) enabled() bool {
	return r != nil && r.store != nil
}

// Start creates the run trace and records its identifying fields.
func (r *Recorder) Start(ctx context.Context, runID, teacherID, subject string) {
	if !r.enabled() {
		return
	}
	if _, err := r.store.GetOrCreate(ctx, runID); err != nil {
		observability.LogSinkError(r.logger, "trace", "get_or_create", err)
		return
	}
	r.Update(ctx, runID, map[string]any{
		"status":     StatusRunning,
		"teacher_id": teacherID,
		"subject":    subject,
	})
}

// Node appends one stage execution.
func (r *Recorder) Node(ctx context.Context, runID string, node NodeTrace) {
	if !r.enabled() {
		return
	}
	if err := r.store.AppendNode(ctx, runID, node); err != nil {
		observability.LogSinkError(r.logger, "trace", "append_node", err)
	}
}

// Update sets run fields.
func (r *Recorder) Update(ctx context.Context, runID string, fields map[string]any) {
	if !r.enabled() {
		return
	}
	if err := r.store.UpdateRun(ctx, runID, fields); err != nil {
		observability.LogSinkError(r.logger, "trace", "update_run", err)
	}
}
