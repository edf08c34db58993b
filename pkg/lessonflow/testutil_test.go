package lessonflow

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/agent"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/config"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/deps"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/event"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/llm"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/observability"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/plan"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/quality"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/resilience"
)

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// harness wires a workflow against a mock provider, a manual clock, and an
// event collector.
type harness struct {
	provider  *llm.MockProvider
	container *deps.Container
	clock     *resilience.ManualClock
	events    *event.Collector

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, mutate func(*config.Settings)) *harness {
	t.Helper()
	settings := config.Defaults()
	settings.LLM.Provider = "mock"
	if mutate != nil {
		mutate(&settings)
	}

	h := &harness{
		provider: llm.NewMockProvider(),
		clock:    resilience.NewManualClock(testEpoch),
		events:   &event.Collector{},
	}
	c, err := deps.NewContainer(context.Background(), settings,
		deps.WithProvider(h.provider),
		deps.WithBreaker(resilience.NewCircuitBreaker(
			resilience.WithFailureThreshold(settings.Breaker.FailureThreshold),
			resilience.WithCooldown(settings.Breaker.Cooldown),
			resilience.WithClock(h.clock),
		)),
		deps.WithMetrics(observability.NoopMetrics{}),
		deps.WithSpans(observability.NoopSpanManager{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	h.container = c
	return h
}

func (h *harness) agentDeps(t *testing.T, runID string) *deps.AgentDeps {
	t.Helper()
	d, err := deps.NewAgentDeps(h.container, deps.RunParams{
		TeacherID:    "teacher-1",
		RunID:        runID,
		Subject:      "math",
		StreamWriter: h.events.Write,
	})
	require.NoError(t, err)
	return d
}

func (h *harness) workflow(t *testing.T, runID string, opts ...Option) *Workflow {
	t.Helper()
	base := []Option{WithClock(h.clock), WithSleep(h.sleep)}
	wf, err := BuildPlanWorkflow(h.agentDeps(t, runID), h.container.Breaker, append(base, opts...)...)
	require.NoError(t, err)
	return wf
}

func (h *harness) sleep(_ context.Context, d time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sleeps = append(h.sleeps, d)
	return nil
}

func (h *harness) recordedSleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func (h *harness) queue(t *testing.T, outputs ...any) {
	t.Helper()
	for _, out := range outputs {
		if err, ok := out.(error); ok {
			h.provider.AddResponse(llm.MockResponse{Err: err})
			continue
		}
		require.NoError(t, h.provider.AddJSON(out))
	}
}

// respond answers planner and executor calls with fn's output, by purpose.
func (h *harness) respond(fn func(purpose string) (any, error)) {
	h.provider.Handler = func(ctx context.Context, _ llm.Request) (*llm.Response, error) {
		out, err := fn(llm.PurposeFrom(ctx))
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		return &llm.Response{Content: raw, Model: "mock", StopReason: "end"}, nil
	}
}

func (h *harness) eventsOf(typ event.Type) []event.Event {
	var out []event.Event
	for _, evt := range h.events.Events() {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

func initState(runID string) RunState {
	return RunState{
		RunID:        runID,
		UserPrompt:   "A 40 minute lesson comparing fractions for grade 3.",
		ClassProfile: &plan.AccessibilityProfile{Needs: []string{"dyslexia"}},
	}
}

func goodDraft() plan.Draft {
	return plan.Draft{
		Title:           "Fractions",
		Subject:         "math",
		GradeLevel:      "3",
		DurationMinutes: 40,
		Objectives:      []string{"Compare two fractions."},
		Standards:       []string{"CCSS.MATH.3.NF.A.3"},
		Materials:       []string{"Paper strips"},
		Steps: []plan.Step{
			{Title: "Warm up", Instructions: "Fold a strip in half. Fold it again.", DurationMinutes: 10},
			{Title: "Practice", Instructions: "Put the cards in order. Say which is more.", DurationMinutes: 25},
			{Title: "Share", Instructions: "Tell a friend one fact.", DurationMinutes: 5},
		},
		Accommodations: []plan.Accommodation{{Need: "dyslexia", Strategy: "Read steps aloud"}},
		Assessment:     "Exit ticket.",
	}
}

// weakDraft leaves the declared dyslexia need without an accommodation.
func weakDraft() plan.Draft {
	d := goodDraft()
	d.Accommodations = []plan.Accommodation{}
	return d
}

func exportsFor(variants []string) agent.ExecutorOutput {
	out := agent.ExecutorOutput{Exports: []agent.VariantContent{}}
	for _, v := range variants {
		content := "Fractions. Fold a strip in half."
		switch v {
		case plan.VariantStandardHTML, plan.VariantLargePrintHTML, plan.VariantLowDistractionHTML:
			content = "<h1>Fractions</h1><p>Fold a strip in half.</p>"
		}
		out.Exports = append(out.Exports, agent.VariantContent{Variant: v, Content: content})
	}
	return out
}

// panicCheck is a quality check that panics.
type panicCheck struct{}

func (panicCheck) Name() string { return "panic" }

func (panicCheck) Check(*plan.Draft, quality.Scenario) []quality.Finding {
	panic("check exploded")
}

// slowCheck advances the clock while validating, standing in for a slow
// validate stage.
type slowCheck struct {
	clock *resilience.ManualClock
	by    time.Duration
}

func (slowCheck) Name() string { return "slow" }

func (c slowCheck) Check(*plan.Draft, quality.Scenario) []quality.Finding {
	c.clock.Advance(c.by)
	return nil
}
