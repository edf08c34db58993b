package lessonflow

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/config"
	flowerrors "github.com/randalmurphal/lessonflow/pkg/lessonflow/errors"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/event"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/quality"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/tools"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/trace"
)

func transientErr() error {
	return &flowerrors.ProviderError{Provider: "mock", Kind: flowerrors.KindServer, StatusCode: 503, Err: errors.New("overloaded")}
}

// assertSingleTerminal checks the run's event stream: sequenced from 1
// without gaps, run.started first, and exactly one terminal event, last.
func assertSingleTerminal(t *testing.T, h *harness) event.Event {
	t.Helper()
	events := h.events.Events()
	require.NotEmpty(t, events)

	assert.Equal(t, event.TypeRunStarted, events[0].Type)
	terminals := 0
	for i, evt := range events {
		assert.Equal(t, int64(i+1), evt.Seq, "event %d (%s)", i, evt.Type)
		if evt.IsTerminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	last := events[len(events)-1]
	assert.True(t, last.IsTerminal(), "last event is %s", last.Type)
	return last
}

func TestRun_AcceptedFirstDraft(t *testing.T) {
	h := newHarness(t, nil)
	h.queue(t, goodDraft(), exportsFor(config.Defaults().DefaultVariants))
	wf := h.workflow(t, "run-ok")

	final, err := wf.Run(context.Background(), initState("run-ok"))
	require.NoError(t, err)

	assert.Equal(t, StatusDone, final.Status)
	assert.Equal(t, StageDone, final.Stage)
	assert.Equal(t, 0, final.RefineIter)
	assert.Equal(t, DecisionAccept, final.Decision)
	assert.Equal(t, "teacher-1", final.TeacherID)
	assert.Equal(t, "math", final.Subject)
	assert.Equal(t, testEpoch, final.StartedAt)

	require.NotNil(t, final.Final)
	assert.Equal(t, "run-ok", final.Final.PlanID)
	assert.Len(t, final.Final.Exports, 4)
	assert.Equal(t, 100.0, final.Final.Score)
	assert.False(t, final.Final.HumanReviewRequired)

	require.NotNil(t, final.Scorecard)
	assert.False(t, final.Scorecard.Failed())
	assert.Equal(t, []string{"CCSS.MATH.3.NF.A.3"}, final.Scorecard.StandardsAligned)
	assert.Equal(t, []string{"dyslexia"}, final.Scorecard.AdaptationsApplied)
	assert.Equal(t, 4, final.Scorecard.ExportVariantCount)

	assert.Equal(t, []event.Type{
		event.TypeRunStarted,
		event.TypeStageStarted, event.TypeAIReceipt, event.TypeStageCompleted,
		event.TypeStageStarted, event.TypeQualityScored, event.TypeStageCompleted,
		event.TypeStageStarted, event.TypeQualityDecision, event.TypeStageCompleted,
		event.TypeStageStarted, event.TypeAIReceipt, event.TypeStageCompleted,
		event.TypeRunCompleted,
	}, h.events.Types())

	last := assertSingleTerminal(t, h)
	assert.Equal(t, 100.0, last.Payload["score"])
	assert.Equal(t, false, last.Payload["human_review_required"])
	assert.Equal(t, final.Final.Variants(), last.Payload["variants"])

	started := h.eventsOf(event.TypeRunStarted)[0]
	assert.Equal(t, "teacher-1", started.Payload["teacher_id"])
	assert.Equal(t, 2, started.Payload["max_refinement_iters"])
	assert.Equal(t, int64(120000), started.Payload["max_workflow_duration_ms"])

	receipt := h.eventsOf(event.TypeAIReceipt)[0]
	assert.Equal(t, string(StagePlanner), receipt.Stage)
	assert.Equal(t, "mock", receipt.Payload["model"])
	assert.Equal(t, 1, receipt.Payload["attempts"])

	completed := h.eventsOf(event.TypeStageCompleted)
	assert.Equal(t, "validate", completed[0].Payload["next"])
	assert.Equal(t, "decision", completed[1].Payload["next"])
	assert.Equal(t, "executor", completed[2].Payload["next"])
	assert.Equal(t, "done", completed[3].Payload["next"])

	tr, err := h.container.Traces.Get(context.Background(), "run-ok")
	require.NoError(t, err)
	assert.Equal(t, trace.StatusDone, tr.Status)
	assert.Equal(t, "teacher-1", tr.TeacherID)
	require.Len(t, tr.Nodes, 4)
	assert.Equal(t, "validate", tr.Nodes[1].Node)
	assert.Equal(t, string(quality.StatusAccepted), tr.Nodes[1].Rationale)
	assert.Equal(t, string(DecisionAccept), tr.Nodes[2].Rationale)
	assert.Equal(t, 100.0, gjson.GetBytes(tr.Summary, "score").Float())
	assert.Equal(t, int64(4), gjson.GetBytes(tr.Summary, "scorecard.export_variant_count").Int())

	replayed, ok := h.container.Replay.Events("run-ok", 0)
	require.True(t, ok)
	assert.Len(t, replayed, len(h.events.Events()))
}

func TestRun_RefinementBound(t *testing.T) {
	tests := []struct {
		name     string
		maxIters int
	}{
		{"no refinement", 0},
		{"one refinement", 1},
		{"three refinements", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(s *config.Settings) { s.MaxRefinementIters = tt.maxIters })
			plannerCalls := 0
			h.respond(func(purpose string) (any, error) {
				if purpose == "planner" {
					plannerCalls++
					return weakDraft(), nil
				}
				return exportsFor(config.Defaults().DefaultVariants), nil
			})
			wf := h.workflow(t, "run-bound")

			final, err := wf.Run(context.Background(), initState("run-bound"))
			require.NoError(t, err)

			assert.Equal(t, StatusDone, final.Status)
			assert.Equal(t, tt.maxIters, final.RefineIter)
			assert.Equal(t, tt.maxIters+1, plannerCalls)
			assert.Equal(t, DecisionBudgetExhausted, final.Decision)
			require.NotNil(t, final.Final)
			assert.True(t, final.Final.HumanReviewRequired)

			decisions := h.eventsOf(event.TypeQualityDecision)
			require.Len(t, decisions, tt.maxIters+1)
			for _, d := range decisions[:tt.maxIters] {
				assert.Equal(t, string(DecisionRefine), d.Payload["decision"])
			}
			assert.Equal(t, string(DecisionBudgetExhausted), decisions[tt.maxIters].Payload["decision"])
			assertSingleTerminal(t, h)
		})
	}
}

func TestRun_RefineThenAccept(t *testing.T) {
	h := newHarness(t, nil)
	h.queue(t, weakDraft(), goodDraft(), exportsFor(config.Defaults().DefaultVariants))
	wf := h.workflow(t, "run-refine")

	final, err := wf.Run(context.Background(), initState("run-refine"))
	require.NoError(t, err)

	assert.Equal(t, StatusDone, final.Status)
	assert.Equal(t, 1, final.RefineIter)
	assert.Equal(t, DecisionAccept, final.Decision)
	assert.Contains(t, final.Feedback, "Refinement request #1")
	assert.False(t, final.Final.HumanReviewRequired)
	assert.Equal(t, final.Draft, final.BestDraft)

	require.Len(t, h.provider.Calls, 3)
	first := h.provider.Calls[0].Messages[0].Content
	second := h.provider.Calls[1].Messages[0].Content
	assert.NotContains(t, first, "Refinement request")
	assert.Contains(t, second, "Refinement request #1")
	assert.Contains(t, second, "no accommodation for dyslexia")
}

func TestRun_ExportsBestDraftWhenNeverAccepted(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) { s.MaxRefinementIters = 1 })

	better := weakDraft()
	worse := weakDraft()
	worse.Steps = worse.Steps[:1]
	h.queue(t, better, worse, exportsFor(config.Defaults().DefaultVariants))
	wf := h.workflow(t, "run-best")

	final, err := wf.Run(context.Background(), initState("run-best"))
	require.NoError(t, err)

	require.NotNil(t, final.BestValidation)
	assert.Greater(t, final.BestValidation.Score, final.Validation.Score)
	assert.Len(t, final.BestDraft.Steps, 3)
	assert.Len(t, final.Draft.Steps, 1)
	assert.Contains(t, h.provider.Calls[2].Messages[0].Content, "Put the cards in order.")
}

func TestRun_FillsMissingVariantsLocally(t *testing.T) {
	h := newHarness(t, nil)
	h.queue(t, goodDraft(), exportsFor([]string{"standard_html"}))
	wf := h.workflow(t, "run-fill")

	final, err := wf.Run(context.Background(), initState("run-fill"))
	require.NoError(t, err)

	require.NotNil(t, final.Final)
	assert.ElementsMatch(t, config.Defaults().DefaultVariants, final.Final.Variants())
}

func TestRun_FillsMissingVariantsThroughRegistry(t *testing.T) {
	h := newHarness(t, nil)
	var rendered []string
	r := tools.NewRegistry()
	r.MustRegister(tools.NewLookupStandards(h.container.VectorStore, h.container.Catalog))
	r.MustRegister(tools.New(tools.RenderExport, "Render one variant.",
		func(_ context.Context, in tools.RenderInput) (any, error) {
			if in.Draft == nil || in.Draft.Title == "" {
				return nil, errors.New("draft not passed to the tool")
			}
			rendered = append(rendered, in.Variant)
			return "rendered " + in.Variant, nil
		}))
	h.container.Tools = r

	h.queue(t, goodDraft(), exportsFor([]string{"standard_html"}))
	final, err := h.workflow(t, "run-tool").Run(context.Background(), initState("run-tool"))
	require.NoError(t, err)
	require.NotNil(t, final.Final)

	var missing []string
	for _, v := range config.Defaults().DefaultVariants {
		if v != "standard_html" {
			missing = append(missing, v)
		}
	}
	assert.ElementsMatch(t, missing, rendered)
	for _, v := range missing {
		assert.Equal(t, "rendered "+v, final.Final.Exports[v])
	}
	assert.NotEqual(t, "rendered standard_html", final.Final.Exports["standard_html"])
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.queue(t, transientErr(), transientErr(), goodDraft(), exportsFor(config.Defaults().DefaultVariants))
	wf := h.workflow(t, "run-retry")

	final, err := wf.Run(context.Background(), initState("run-retry"))
	require.NoError(t, err)

	assert.Equal(t, StatusDone, final.Status)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.recordedSleeps())
	assert.Equal(t, 3, h.eventsOf(event.TypeAIReceipt)[0].Payload["attempts"])
	assert.Equal(t, 0, h.container.Breaker.FailureCount())
}

func TestRun_ProviderFailures(t *testing.T) {
	tests := []struct {
		name      string
		responses []any
		calls     int
		sleeps    int
		contains  string
	}{
		{
			name:      "permanent error fails on first attempt",
			responses: []any{&flowerrors.ProviderError{Provider: "mock", Kind: flowerrors.KindAuth, StatusCode: 401, Err: errors.New("bad key")}},
			calls:     1,
			sleeps:    0,
			contains:  "bad key",
		},
		{
			name:      "transient errors exhaust retries",
			responses: []any{transientErr(), transientErr(), transientErr()},
			calls:     3,
			sleeps:    2,
			contains:  "max retries exceeded",
		},
		{
			name:      "schema-invalid output is not retried",
			responses: []any{map[string]any{"title": "only a title"}},
			calls:     1,
			sleeps:    0,
			contains:  "planner output",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.queue(t, tt.responses...)
			wf := h.workflow(t, "run-fail")

			final, err := wf.Run(context.Background(), initState("run-fail"))
			require.NoError(t, err)

			assert.Equal(t, StatusFailed, final.Status)
			assert.Equal(t, StageFailed, final.Stage)
			assert.Equal(t, StagePlanner, final.FailedStage)
			assert.Contains(t, final.Error, tt.contains)
			assert.Equal(t, tt.calls, h.provider.CallCount())
			assert.Len(t, h.recordedSleeps(), tt.sleeps)
			assert.Equal(t, 1, h.container.Breaker.FailureCount())

			failed := h.eventsOf(event.TypeStageFailed)
			require.Len(t, failed, 1)
			assert.Equal(t, KindProvider, failed[0].Payload["kind"])

			last := assertSingleTerminal(t, h)
			assert.Equal(t, event.TypeRunFailed, last.Type)
			assert.Equal(t, "planner", last.Payload["stage"])
		})
	}
}

func TestRun_CircuitOpenFailsFast(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) { s.Breaker.FailureThreshold = 2 })
	h.container.Breaker.RecordFailure()
	h.container.Breaker.RecordFailure()
	require.True(t, h.container.Breaker.IsOpen())

	final, err := h.workflow(t, "run-open").Run(context.Background(), initState("run-open"))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, StagePlanner, final.FailedStage)
	assert.Contains(t, final.Error, "circuit breaker open")
	assert.Equal(t, 0, h.provider.CallCount())
	assert.Equal(t, KindCircuitOpen, h.eventsOf(event.TypeStageFailed)[0].Payload["kind"])
	assertSingleTerminal(t, h)

	// Half-open after the cooldown: the probe succeeds and closes the breaker.
	h.clock.Advance(61 * time.Second)
	h.queue(t, goodDraft(), exportsFor(config.Defaults().DefaultVariants))
	final, err = h.workflow(t, "run-probe").Run(context.Background(), initState("run-probe"))
	require.NoError(t, err)
	assert.Equal(t, StatusDone, final.Status)
	assert.False(t, h.container.Breaker.IsOpen())
	assert.Equal(t, 0, h.container.Breaker.FailureCount())
}

func TestRun_SharedBreakerAcrossRuns(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) {
		s.Breaker.FailureThreshold = 2
		s.Retry.MaxAttempts = 1
	})
	auth := &flowerrors.ProviderError{Provider: "mock", Kind: flowerrors.KindAuth, StatusCode: 401, Err: errors.New("bad key")}
	h.queue(t, auth, auth)

	for _, id := range []string{"run-a", "run-b"} {
		final, err := h.workflow(t, id).Run(context.Background(), initState(id))
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, final.Status)
	}
	assert.True(t, h.container.Breaker.IsOpen())

	final, err := h.workflow(t, "run-c").Run(context.Background(), initState("run-c"))
	require.NoError(t, err)
	assert.Contains(t, final.Error, "circuit breaker open")
	assert.Equal(t, 2, h.provider.CallCount())
}

func TestRun_Timeouts(t *testing.T) {
	limit := config.Defaults().MaxWorkflowDuration
	overrun := limit + time.Second

	tests := []struct {
		name     string
		setup    func(t *testing.T, h *harness) []Option
		init     func(s RunState) RunState
		failed   Stage
		calls    int
		decision Decision
	}{
		{
			name:   "started too long ago fails at planner",
			setup:  func(*testing.T, *harness) []Option { return nil },
			init:   func(s RunState) RunState { s.StartedAt = testEpoch.Add(-overrun); return s },
			failed: StagePlanner,
			calls:  0,
		},
		{
			name: "slow planner fails at validate",
			setup: func(t *testing.T, h *harness) []Option {
				h.respond(func(string) (any, error) {
					h.clock.Advance(overrun)
					return goodDraft(), nil
				})
				return nil
			},
			init:   func(s RunState) RunState { return s },
			failed: StageValidate,
			calls:  1,
		},
		{
			name: "slow validate routes to executor which fails",
			setup: func(t *testing.T, h *harness) []Option {
				h.queue(t, weakDraft())
				return []Option{WithChecks(quality.AccessibilityCheck{}, slowCheck{clock: h.clock, by: overrun})}
			},
			init:     func(s RunState) RunState { return s },
			failed:   StageExecutor,
			calls:    1,
			decision: DecisionTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			opts := tt.setup(t, h)
			wf := h.workflow(t, "run-timeout", opts...)

			final, err := wf.Run(context.Background(), tt.init(initState("run-timeout")))
			require.NoError(t, err)

			assert.Equal(t, StatusFailed, final.Status)
			assert.Equal(t, tt.failed, final.FailedStage)
			assert.Contains(t, final.Error, "timed out at stage "+string(tt.failed))
			assert.Equal(t, tt.calls, h.provider.CallCount())
			assert.Equal(t, tt.decision, final.Decision)

			failed := h.eventsOf(event.TypeStageFailed)
			require.Len(t, failed, 1)
			assert.Equal(t, KindTimeout, failed[0].Payload["kind"])
			assert.Equal(t, string(tt.failed), failed[0].Stage)
			assertSingleTerminal(t, h)
		})
	}
}

func TestRun_PanicBecomesSingleFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.queue(t, goodDraft())
	wf := h.workflow(t, "run-panic", WithChecks(panicCheck{}))

	final, err := wf.Run(context.Background(), initState("run-panic"))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, StageValidate, final.FailedStage)
	assert.Contains(t, final.Error, "check exploded")
	assert.Equal(t, KindPanic, h.eventsOf(event.TypeStageFailed)[0].Payload["kind"])

	last := assertSingleTerminal(t, h)
	assert.Equal(t, event.TypeRunFailed, last.Type)

	tr, err := h.container.Traces.Get(context.Background(), "run-panic")
	require.NoError(t, err)
	assert.Equal(t, trace.StatusFailed, tr.Status)
	require.Len(t, tr.Nodes, 2)
	assert.Equal(t, trace.NodeFailed, tr.Nodes[1].Status)
	assert.Equal(t, "validate", gjson.GetBytes(tr.Summary, "failed_stage").String())
}

func TestRun_ScorecardFailureIsContained(t *testing.T) {
	tests := []struct {
		name   string
		fn     func(RunState) (*Scorecard, error)
		detail string
	}{
		{
			name:   "error",
			fn:     func(RunState) (*Scorecard, error) { return nil, errors.New("boom") },
			detail: "boom",
		},
		{
			name:   "panic",
			fn:     func(RunState) (*Scorecard, error) { panic("kaboom") },
			detail: "panic: kaboom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.queue(t, goodDraft(), exportsFor(config.Defaults().DefaultVariants))
			wf := h.workflow(t, "run-card", WithScorecardFunc(tt.fn))

			final, err := wf.Run(context.Background(), initState("run-card"))
			require.NoError(t, err)

			assert.Equal(t, StatusDone, final.Status)
			require.NotNil(t, final.Scorecard)
			assert.True(t, final.Scorecard.Failed())
			assert.Equal(t, ScorecardFailed, final.Scorecard.Error)
			assert.Equal(t, tt.detail, final.Scorecard.Detail)
		})
	}
}

func TestRun_CancelledContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	final, err := h.workflow(t, "run-cancel").Run(ctx, initState("run-cancel"))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, context.Canceled.Error())
	assert.Equal(t, 0, h.provider.CallCount())
	assertSingleTerminal(t, h)
}

func TestRun_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		init RunState
		want error
	}{
		{"missing prompt", RunState{RunID: "run-in"}, ErrPromptRequired},
		{"other run id", RunState{RunID: "someone-else", UserPrompt: "x"}, ErrRunIDMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			_, err := h.workflow(t, "run-in").Run(context.Background(), tt.init)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, h.events.Events())
		})
	}
}

func TestRun_LogsRunIDOnce(t *testing.T) {
	h := newHarness(t, nil)
	var buf bytes.Buffer
	h.container.Logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h.queue(t, transientErr(), goodDraft(), exportsFor(config.Defaults().DefaultVariants))

	final, err := h.workflow(t, "run-log").Run(context.Background(), initState("run-log"))
	require.NoError(t, err)
	require.Equal(t, StatusDone, final.Status)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	msgs := map[string]bool{}
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"run_id"`), line)
		assert.Equal(t, "run-log", gjson.Get(line, "run_id").String())
		msgs[gjson.Get(line, "msg").String()] = true
	}
	assert.True(t, msgs["plan run starting"])
	assert.True(t, msgs["plan run completed"])
}

func TestRun_RunIDFromDeps(t *testing.T) {
	h := newHarness(t, nil)
	h.queue(t, goodDraft(), exportsFor(config.Defaults().DefaultVariants))

	init := initState("")
	final, err := h.workflow(t, "run-from-deps").Run(context.Background(), init)
	require.NoError(t, err)
	assert.Equal(t, "run-from-deps", final.RunID)
}

func TestRun_MaxStages(t *testing.T) {
	h := newHarness(t, nil)
	h.queue(t, goodDraft())

	final, err := h.workflow(t, "run-stages", WithMaxStages(2)).Run(context.Background(), initState("run-stages"))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, StageDecision, final.FailedStage)
	assert.Contains(t, final.Error, ErrMaxStages.Error())
	assertSingleTerminal(t, h)
}

func TestBuildPlanWorkflow(t *testing.T) {
	_, err := BuildPlanWorkflow(nil, nil)
	assert.ErrorIs(t, err, ErrNilDeps)

	h := newHarness(t, nil)
	wf, err := BuildPlanWorkflow(h.agentDeps(t, "run-x"), nil)
	require.NoError(t, err)
	assert.NotNil(t, wf.Breaker())
	assert.NotSame(t, h.container.Breaker, wf.Breaker())

	shared := h.workflow(t, "run-y")
	assert.Same(t, h.container.Breaker, shared.Breaker())
}
