package agent

import (
	"context"
	"strings"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/llm"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/plan"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/prompt"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/tools"
)

// VariantContent is one export the model produced.
type VariantContent struct {
	Variant string `json:"variant"`
	Content string `json:"content"`
}

// ExecutorOutput is the execution model's raw output. Exports is a list
// because strict structured-output modes reject free-form maps.
type ExecutorOutput struct {
	Exports             []VariantContent `json:"exports" jsonschema:"description=One entry per requested variant"`
	HumanReviewRequired bool             `json:"human_review_required" jsonschema:"description=True when the plan needs a teacher's review before use"`
}

// ExportSchema is the executor's output schema.
var ExportSchema = llm.MustSchemaFor[ExecutorOutput]("lesson-exports", "Accessible exports of a lesson plan")

// ExecutorInput is what the executor exports.
type ExecutorInput struct {
	PlanID   string
	Draft    *plan.Draft
	Variants []string
	Profile  *plan.AccessibilityProfile
}

// Executor turns an approved draft into export variants.
type Executor struct {
	provider llm.Provider
	tools    *tools.Registry
	settings
}

// NewExecutor creates an executor. tools may be nil.
func NewExecutor(p llm.Provider, registry *tools.Registry, opts ...Option) *Executor {
	s := defaults()
	for _, opt := range opts {
		opt(&s)
	}
	return &Executor{provider: p, tools: registry, settings: s}
}

// Run asks the model for every variant. Only requested variants are kept;
// Score is left for the caller to compute.
func (e *Executor) Run(ctx context.Context, in ExecutorInput) (Result[plan.ExportResult], error) {
	system := prompt.Expand(prompt.ExecutorSystem, map[string]any{
		"tools": describeTools(e.tools),
	})
	user := prompt.Expand(prompt.ExecutorUser, map[string]any{
		"plan_id":  in.PlanID,
		"variants": strings.Join(in.Variants, ", "),
		"profile":  compactJSON(in.Profile),
		"draft":    compactJSON(in.Draft),
	})

	raw, err := Structured[ExecutorOutput](ctx, e.provider, Call{
		Purpose:     "executor",
		System:      system,
		User:        user,
		Schema:      ExportSchema,
		MaxTokens:   e.maxTokens,
		Temperature: e.temperature,
	})
	res := Result[plan.ExportResult]{Usage: raw.Usage, Model: raw.Model, Latency: raw.Latency}
	if err != nil {
		return res, err
	}

	wanted := make(map[string]bool, len(in.Variants))
	for _, v := range in.Variants {
		wanted[v] = true
	}
	exports := make(map[string]string, len(in.Variants))
	for _, vc := range raw.Output.Exports {
		if wanted[vc.Variant] && strings.TrimSpace(vc.Content) != "" {
			exports[vc.Variant] = vc.Content
		}
	}
	res.Output = plan.ExportResult{
		PlanID:              in.PlanID,
		Exports:             exports,
		HumanReviewRequired: raw.Output.HumanReviewRequired,
	}
	return res, nil
}
