package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/llm"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/plan"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/prompt"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/tools"
)

// DraftSchema is the planner's output schema.
var DraftSchema = llm.MustSchemaFor[plan.Draft]("lesson-draft", "A complete lesson plan")

// PlannerInput is what the planner writes a draft for.
type PlannerInput struct {
	// Prompt is the teacher's request. It is also the context tool query.
	Prompt   string
	// Feedback is appended to the request on refinement iterations.
	Feedback string
	Subject  string
	Profile  *plan.AccessibilityProfile
	Learners []plan.LearnerProfile
}

// Planner produces lesson-plan drafts.
type Planner struct {
	provider llm.Provider
	tools    *tools.Registry
	settings
}

// NewPlanner creates a planner. tools may be nil.
func NewPlanner(p llm.Provider, registry *tools.Registry, opts ...Option) *Planner {
	s := defaults()
	for _, opt := range opts {
		opt(&s)
	}
	return &Planner{provider: p, tools: registry, settings: s}
}

// Run produces one draft.
func (p *Planner) Run(ctx context.Context, in PlannerInput) (Result[plan.Draft], error) {
	system := prompt.Expand(prompt.PlannerSystem, map[string]any{
		"tools":     describeTools(p.tools),
		"standards": p.gatherContext(ctx, in),
	})
	request := in.Prompt
	if in.Feedback != "" {
		request += "\n\n" + in.Feedback
	}
	user := prompt.Expand(prompt.PlannerUser, map[string]any{
		"subject":  orNone(in.Subject),
		"profile":  compactJSON(in.Profile),
		"learners": compactJSON(in.Learners),
		"prompt":   request,
	})

	return Structured[plan.Draft](ctx, p.provider, Call{
		Purpose:     "planner",
		System:      system,
		User:        user,
		Schema:      DraftSchema,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	})
}

// gatherContext runs every context tool with the teacher's request as
// query, so retrieval does not drift across refinement iterations. Tool
// failures are logged and skipped.
func (p *Planner) gatherContext(ctx context.Context, in PlannerInput) string {
	if p.tools == nil {
		return "(none)"
	}
	input, _ := json.Marshal(tools.LookupInput{Query: in.Prompt, Subject: in.Subject})

	var parts []string
	for _, t := range p.tools.ContextTools() {
		out, err := t.Handler(ctx, input)
		if err != nil {
			p.logger.Warn("context tool failed", slog.String("tool", t.Name), slog.String("error", err.Error()))
			continue
		}
		if s := formatToolOutput(out); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return "(none)"
	}
	return strings.Join(parts, "\n")
}

func formatToolOutput(out any) string {
	switch v := out.(type) {
	case []tools.StandardMatch:
		lines := make([]string, len(v))
		for i, m := range v {
			lines[i] = fmt.Sprintf("- %s (%s, grade %s): %s", m.Code, m.Subject, m.GradeBand, m.Description)
		}
		return strings.Join(lines, "\n")
	case string:
		return v
	case nil:
		return ""
	default:
		return compactJSON(v)
	}
}

func describeTools(r *tools.Registry) string {
	if r == nil || r.Len() == 0 {
		return "(none)"
	}
	return r.Describe()
}

func compactJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil || string(raw) == "null" {
		return "none"
	}
	return string(raw)
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none"
	}
	return s
}
