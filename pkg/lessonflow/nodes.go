package lessonflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/agent"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/event"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/export"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/observability"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/plan"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/quality"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/tools"
)

var errNoDraft = errors.New("no draft to export")

// draftPlan asks the planner for a complete new draft. Refinement
// iterations append the feedback built by bumpRefine to the prompt.
func (w *Workflow) draftPlan(ctx context.Context, s RunState) (RunState, error) {
	if err := w.checkTimeout(StagePlanner, s); err != nil {
		return s, err
	}

	in := agent.PlannerInput{
		Prompt:   s.UserPrompt,
		Subject:  s.Subject,
		Profile:  s.ClassProfile,
		Learners: s.LearnerProfiles,
	}
	if s.RefineIter > 0 {
		in.Feedback = s.Feedback
	}

	res, attempts, err := guardedCall(ctx, w, StagePlanner, func(ctx context.Context) (agent.Result[plan.Draft], error) {
		return w.planner.Run(ctx, in)
	})
	s.Usage = s.Usage.Add(res.Usage)
	if err != nil {
		return s, err
	}

	draft := res.Output
	s.Draft = &draft
	w.emit(ctx, event.TypeAIReceipt, StagePlanner, receipt(res, attempts))
	return s, nil
}

// validate scores the current draft.
func (w *Workflow) validate(ctx context.Context, s RunState) (RunState, error) {
	if err := w.checkTimeout(StageValidate, s); err != nil {
		return s, err
	}

	v := quality.ValidateWith(w.checks, s.Draft, w.scenario(s), w.ragConfidence(ctx, s.Draft))
	s.Validation = &v
	s.trackBest()

	dims := map[string]float64{}
	if v.Rubric != nil {
		dims = v.Rubric.Dimensions
	}
	w.emit(ctx, event.TypeQualityScored, StageValidate, map[string]any{
		"score":          v.Score,
		"status":         string(v.Status),
		"errors":         v.Errors,
		"warnings":       v.Warnings,
		"rag_confidence": v.RAGConfidence,
		"dimensions":     dims,
	})
	return s, nil
}

// route is the decision stage. It makes no calls.
func (w *Workflow) route(ctx context.Context, s RunState) (RunState, error) {
	maxIters := w.deps.MaxRefinementIters()
	s.Decision = decide(s, maxIters, w.timedOut(s))
	w.emit(ctx, event.TypeQualityDecision, StageDecision, map[string]any{
		"decision":             string(s.Decision),
		"refine_iter":          s.RefineIter,
		"max_refinement_iters": maxIters,
	})
	return s, nil
}

func (w *Workflow) bumpRefine(_ context.Context, s RunState) (RunState, error) {
	s.RefineIter++
	s.Feedback = BuildRefinementFeedback(s.Validation, s.RefineIter)
	return s, nil
}

// exportPlan turns the accepted draft, or the best one, into the
// configured export variants. Variants the model left out are rendered
// locally.
func (w *Workflow) exportPlan(ctx context.Context, s RunState) (RunState, error) {
	if err := w.checkTimeout(StageExecutor, s); err != nil {
		return s, err
	}

	draft, validation := s.ExportDraft()
	if draft == nil {
		return s, errNoDraft
	}

	variants := w.deps.DefaultVariants()
	in := agent.ExecutorInput{
		PlanID:   s.RunID,
		Draft:    draft,
		Variants: variants,
		Profile:  s.ClassProfile,
	}
	res, attempts, err := guardedCall(ctx, w, StageExecutor, func(ctx context.Context) (agent.Result[plan.ExportResult], error) {
		return w.executor.Run(ctx, in)
	})
	s.Usage = s.Usage.Add(res.Usage)
	if err != nil {
		return s, err
	}

	out := res.Output
	w.fillMissing(ctx, &out, variants, draft, s.ClassProfile)

	rubric := quality.ScoreExecutorOutput(&out, w.scenario(s))
	out.Score = rubric.FinalScore
	out.HumanReviewRequired = out.HumanReviewRequired || !validation.Accepted() || !rubric.Passed

	s.Final = &out
	s.Scorecard = w.buildScorecard(s)
	w.emit(ctx, event.TypeAIReceipt, StageExecutor, receipt(res, attempts))
	return s, nil
}

func (w *Workflow) fillMissing(ctx context.Context, out *plan.ExportResult, variants []string, d *plan.Draft, profile *plan.AccessibilityProfile) {
	if out.Exports == nil {
		out.Exports = make(map[string]string, len(variants))
	}
	for _, v := range variants {
		if _, ok := out.Exports[v]; ok {
			continue
		}
		content, err := w.renderVariant(ctx, v, d, profile)
		if err != nil {
			w.deps.Logger().Warn("local export failed",
				slog.String("variant", v),
				observability.ErrAttr(err))
			continue
		}
		out.Exports[v] = content
	}
}

// renderVariant renders one variant through the render_export tool, or
// directly when the registry does not carry it.
func (w *Workflow) renderVariant(ctx context.Context, variant string, d *plan.Draft, profile *plan.AccessibilityProfile) (string, error) {
	registry := w.deps.Tools()
	if registry == nil || !registry.Has(tools.RenderExport) {
		return export.Render(variant, d, profile)
	}

	input, err := json.Marshal(tools.RenderInput{Variant: variant, Draft: d, Profile: profile})
	if err != nil {
		return "", err
	}
	res, err := registry.Invoke(ctx, tools.RenderExport, input)
	if err != nil {
		return "", err
	}
	content, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("%s returned %T, want string", tools.RenderExport, res)
	}
	return content, nil
}

func (w *Workflow) scenario(s RunState) quality.Scenario {
	d := w.deps
	return quality.Scenario{
		ID:              s.RunID,
		Subject:         s.Subject,
		ClassProfile:    s.ClassProfile,
		LearnerProfiles: s.LearnerProfiles,
		Variants:        d.DefaultVariants(),
		PassThreshold:   d.PassThreshold(),
		Catalog:         d.Catalog(),
	}
}

// ragConfidence is the mean top-1 retrieval score of the draft's
// objectives against the standards index, clamped to [0, 1].
func (w *Workflow) ragConfidence(ctx context.Context, d *plan.Draft) float64 {
	store := w.deps.VectorStore()
	if store == nil || d == nil || len(d.Objectives) == 0 {
		return 0
	}

	total := 0.0
	for _, objective := range d.Objectives {
		matches, err := store.Search(ctx, objective, 1)
		if err != nil {
			w.deps.Logger().Warn("retrieval failed", observability.ErrAttr(err))
			return 0
		}
		if len(matches) > 0 {
			total += matches[0].Score
		}
	}

	mean := total / float64(len(d.Objectives))
	return min(max(mean, 0), 1)
}

func receipt[T any](res agent.Result[T], attempts int) map[string]any {
	return map[string]any{
		"model":         res.Model,
		"input_tokens":  res.Usage.InputTokens,
		"output_tokens": res.Usage.OutputTokens,
		"latency_ms":    res.Latency.Milliseconds(),
		"attempts":      attempts,
	}
}
