package lessonflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/agent"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/deps"
	flowerrors "github.com/randalmurphal/lessonflow/pkg/lessonflow/errors"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/event"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/observability"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/quality"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/resilience"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/trace"
)

// Workflow runs the lesson-plan pipeline for one AgentDeps.
// A Workflow is not safe for concurrent Run calls; build one per run.
type Workflow struct {
	deps     *deps.AgentDeps
	breaker  *resilience.CircuitBreaker
	planner  *agent.Planner
	executor *agent.Executor

	clock     resilience.Clock
	sleep     func(ctx context.Context, d time.Duration) error
	checks    []quality.Check
	scorecard func(RunState) (*Scorecard, error)
	maxStages int
}

// BuildPlanWorkflow wires the agents for d. The breaker is shared with
// every other workflow built from the same container; a nil breaker gets
// a private one with default thresholds.
func BuildPlanWorkflow(d *deps.AgentDeps, breaker *resilience.CircuitBreaker, opts ...Option) (*Workflow, error) {
	if d == nil {
		return nil, ErrNilDeps
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker()
	}

	agentOpts := []agent.Option{
		agent.WithMaxTokens(d.MaxTokens()),
		agent.WithTemperature(d.Temperature()),
		agent.WithLogger(d.Logger()),
	}
	w := &Workflow{
		deps:      d,
		breaker:   breaker,
		planner:   agent.NewPlanner(d.LLM(), d.Tools(), agentOpts...),
		executor:  agent.NewExecutor(d.LLM(), d.Tools(), agentOpts...),
		clock:     resilience.SystemClock,
		checks:    quality.DefaultChecks,
		maxStages: 4*(d.MaxRefinementIters()+1) + 3,
	}
	w.scorecard = func(s RunState) (*Scorecard, error) {
		return BuildScorecard(s, d.Catalog())
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Breaker returns the circuit breaker gating model calls.
func (w *Workflow) Breaker() *resilience.CircuitBreaker {
	return w.breaker
}

// Run drives one run from the planner to a terminal stage.
//
// Run returns an error only when the input is rejected before anything is
// emitted. Every run that starts ends with Status done or failed, exactly
// one terminal event, and a nil error; a failed run carries Error and
// FailedStage.
func (w *Workflow) Run(ctx context.Context, init RunState) (final RunState, runErr error) {
	d := w.deps
	s := init
	if s.RunID == "" {
		s.RunID = d.RunID()
	}
	if s.RunID != d.RunID() {
		return s, fmt.Errorf("%w: state %q, deps %q", ErrRunIDMismatch, s.RunID, d.RunID())
	}
	if s.TeacherID == "" {
		s.TeacherID = d.TeacherID()
	}
	if s.Subject == "" {
		s.Subject = d.Subject()
	}
	if err := s.validate(); err != nil {
		return s, err
	}

	start := w.clock.Now()
	if s.StartedAt.IsZero() {
		s.StartedAt = start
	}
	s.Stage = StagePlanner
	s.Status = StatusRunning
	s.Error = ""
	s.FailedStage = ""

	ctx, span := d.Spans().StartRunSpan(ctx, s.RunID, s.TeacherID)
	observability.LogRunStart(d.Logger(), s.TeacherID, s.Subject)
	w.emit(ctx, event.TypeRunStarted, "", map[string]any{
		"teacher_id":               s.TeacherID,
		"subject":                  s.Subject,
		"max_refinement_iters":     d.MaxRefinementIters(),
		"max_workflow_duration_ms": d.MaxWorkflowDuration().Milliseconds(),
	})
	d.Traces().Start(ctx, s.RunID, s.TeacherID, s.Subject)

	stages := 0
	defer func() {
		if r := recover(); r != nil {
			s = failState(s, s.Stage, &PanicError{Stage: s.Stage, Value: r, Stack: string(debug.Stack())})
		}
		final = w.finish(ctx, s, start, stages)
		var spanErr error
		if final.Status == StatusFailed {
			spanErr = errors.New(final.Error)
		}
		d.Spans().EndSpanWithError(span, spanErr)
	}()

	for !s.Stage.Terminal() {
		if stages >= w.maxStages {
			s = failState(s, s.Stage, fmt.Errorf("%w (%d)", ErrMaxStages, w.maxStages))
			break
		}
		if err := ctx.Err(); err != nil {
			s = failState(s, s.Stage, &StageError{Stage: s.Stage, Err: err})
			break
		}
		stages++
		s = w.step(ctx, s)
	}
	return s, nil
}

// step runs the current stage and routes to the next one.
func (w *Workflow) step(ctx context.Context, s RunState) RunState {
	d := w.deps
	stage := s.Stage
	logger := observability.EnrichLogger(d.Logger(), string(stage), s.RefineIter)

	observability.LogStageStart(logger, string(stage))
	w.emit(ctx, event.TypeStageStarted, stage, map[string]any{"refine_iter": s.RefineIter})

	stageCtx, span := d.Spans().StartStageSpan(ctx, string(stage), s.RefineIter)
	started := w.clock.Now()
	out, err := w.runStage(stageCtx, stage, s)
	elapsed := w.clock.Now().Sub(started)
	durationMs := elapsed.Milliseconds()

	d.Metrics().RecordStage(stageCtx, string(stage), elapsed, err)
	d.Spans().EndSpanWithError(span, err)

	node := trace.NodeTrace{
		Node:       string(stage),
		DurationMs: float64(durationMs),
		RefineIter: s.RefineIter,
		StartedAt:  started,
	}

	if err != nil {
		err = stageError(stage, err)
		observability.LogStageError(logger, string(stage), err)
		w.emit(ctx, event.TypeStageFailed, stage, map[string]any{
			"error":       err.Error(),
			"kind":        FailureKind(err),
			"duration_ms": durationMs,
		})
		node.Status = trace.NodeFailed
		node.Error = err.Error()
		d.Traces().Node(ctx, s.RunID, node)
		return failState(out, stage, err)
	}

	out.Stage = next(stage, out)
	observability.LogStageComplete(logger, string(stage), float64(durationMs), string(out.Stage))
	w.emit(ctx, event.TypeStageCompleted, stage, map[string]any{
		"refine_iter": out.RefineIter,
		"duration_ms": durationMs,
		"next":        string(out.Stage),
	})
	node.Status = trace.NodeCompleted
	node.Rationale = rationale(stage, out)
	d.Traces().Node(ctx, s.RunID, node)
	return out
}

// runStage dispatches to the stage body, recovering panics.
func (w *Workflow) runStage(ctx context.Context, stage Stage, s RunState) (out RunState, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = s
			err = &PanicError{Stage: stage, Value: r, Stack: string(debug.Stack())}
		}
	}()

	switch stage {
	case StagePlanner:
		return w.draftPlan(ctx, s)
	case StageValidate:
		return w.validate(ctx, s)
	case StageDecision:
		return w.route(ctx, s)
	case StageBumpRefine:
		return w.bumpRefine(ctx, s)
	case StageExecutor:
		return w.exportPlan(ctx, s)
	default:
		return s, fmt.Errorf("unknown stage %q", stage)
	}
}

// finish emits the terminal event and records the outcome.
func (w *Workflow) finish(ctx context.Context, s RunState, start time.Time, stages int) RunState {
	d := w.deps
	if s.Status != StatusFailed {
		s.Status = StatusDone
		s.Stage = StageDone
	}

	elapsed := w.clock.Now().Sub(start)
	durationMs := elapsed.Milliseconds()
	d.Metrics().RecordRun(ctx, s.Status, elapsed)

	fields := map[string]any{
		"status":      s.Status,
		"refine_iter": s.RefineIter,
		"duration_ms": durationMs,
		"score":       s.Score(),
	}

	if s.Status == StatusDone {
		variants := []string{}
		humanReview := true
		if s.Final != nil {
			variants = s.Final.Variants()
			humanReview = s.Final.HumanReviewRequired
		}
		w.emit(ctx, event.TypeRunCompleted, "", map[string]any{
			"score":                 s.Score(),
			"refine_iter":           s.RefineIter,
			"variants":              variants,
			"human_review_required": humanReview,
			"duration_ms":           durationMs,
		})
		observability.LogRunComplete(d.Logger(), float64(durationMs), stages, s.RefineIter)
		fields["variants"] = variants
		fields["human_review_required"] = humanReview
		if s.Scorecard != nil {
			fields["scorecard"] = s.Scorecard
		}
	} else {
		w.emit(ctx, event.TypeRunFailed, "", map[string]any{
			"error":       s.Error,
			"stage":       string(s.FailedStage),
			"duration_ms": durationMs,
		})
		observability.LogRunError(d.Logger(), errors.New(s.Error), float64(durationMs), string(s.FailedStage))
		fields["error"] = s.Error
		fields["failed_stage"] = string(s.FailedStage)
	}

	d.Traces().Update(ctx, s.RunID, fields)
	return s
}

func (w *Workflow) emit(ctx context.Context, typ event.Type, stage Stage, payload map[string]any) {
	w.deps.Emitter().Emit(ctx, typ, string(stage), payload)
}

func failState(s RunState, stage Stage, err error) RunState {
	s.Status = StatusFailed
	s.FailedStage = stage
	s.Error = err.Error()
	s.Stage = StageFailed
	return s
}

func rationale(stage Stage, s RunState) string {
	switch stage {
	case StageValidate:
		if s.Validation != nil {
			return string(s.Validation.Status)
		}
	case StageDecision:
		return string(s.Decision)
	}
	return ""
}

// retryConfig maps the run's retry settings onto a RetryConfig for stage.
func (w *Workflow) retryConfig(ctx context.Context, stage Stage) flowerrors.RetryConfig {
	d := w.deps
	r := d.Retry()
	return flowerrors.RetryConfig{
		MaxAttempts:    r.MaxAttempts,
		InitialBackoff: r.InitialDelay,
		MaxBackoff:     r.MaxDelay,
		BackoffFactor:  r.BackoffFactor,
		Operation:      string(stage),
		Logger:         d.Logger(),
		Sleep:          w.sleep,
		OnRetry: func(int, time.Duration, error) {
			d.Metrics().RecordRetry(ctx, string(stage))
		},
	}
}

// guardedCall gates fn on the circuit breaker and retries transient
// failures. The breaker sees one success or one failure per call.
func guardedCall[T any](
	ctx context.Context,
	w *Workflow,
	stage Stage,
	fn func(context.Context) (agent.Result[T], error),
) (agent.Result[T], int, error) {
	if !w.breaker.Check() {
		w.deps.Metrics().RecordBreakerRejection(ctx, string(stage))
		return agent.Result[T]{}, 0, &CircuitOpenError{Stage: stage, RetryAfter: w.breaker.RetryAfter()}
	}

	res := flowerrors.WithRetryContext(ctx, w.retryConfig(ctx, stage), fn)
	if res.Err != nil {
		w.breaker.RecordFailure()
		return res.Value, res.Attempts, res.Err
	}
	w.breaker.RecordSuccess()
	return res.Value, res.Attempts, nil
}
