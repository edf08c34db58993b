package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/curriculum"
	flowerrors "github.com/randalmurphal/lessonflow/pkg/lessonflow/errors"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/llm"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/plan"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/tools"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/vectorstore"
)

const draftJSON = `{
	"title": "Fractions",
	"subject": "math",
	"grade_level": "3",
	"duration_minutes": 40,
	"objectives": ["Compare two fractions."],
	"standards": ["CCSS.MATH.3.NF.A.3"],
	"materials": ["Paper strips"],
	"steps": [{"title": "Warm up", "instructions": "Fold a strip.", "duration_minutes": 40}],
	"accommodations": [],
	"assessment": "Exit ticket."
}`

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	catalog := curriculum.DefaultCatalog()
	store := vectorstore.New(llm.NewHashEmbedder(128))
	require.NoError(t, tools.IndexCatalog(context.Background(), store, catalog))
	return tools.DefaultRegistry(store, catalog)
}

func TestStructured(t *testing.T) {
	m := llm.NewMockProvider(llm.MockResponse{
		Content: json.RawMessage(draftJSON),
		Usage:   llm.Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
	})

	res, err := Structured[plan.Draft](context.Background(), m, Call{Purpose: "planner", Schema: DraftSchema, User: "x"})
	require.NoError(t, err)
	assert.Equal(t, "Fractions", res.Output.Title)
	assert.Equal(t, 30, res.Usage.TotalTokens)
	assert.Equal(t, "mock", res.Model)
}

func TestStructured_InvalidOutput(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"schema violation", `{"title": "only a title"}`},
		{"not json", `{"title":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := llm.NewMockProvider(llm.MockResponse{Content: json.RawMessage(tt.content)})
			_, err := Structured[plan.Draft](context.Background(), m, Call{Purpose: "planner", Schema: DraftSchema})

			var inv *llm.ErrInvalidResponse
			require.ErrorAs(t, err, &inv)
			assert.False(t, flowerrors.IsTransient(err))
		})
	}
}

func TestStructured_ProviderError(t *testing.T) {
	upstream := &flowerrors.ProviderError{Provider: "mock", Kind: flowerrors.KindRateLimit, StatusCode: 429, Err: errors.New("slow down")}
	m := llm.NewMockProvider(llm.MockResponse{Err: upstream})

	_, err := Structured[plan.Draft](context.Background(), m, Call{Purpose: "planner"})
	assert.ErrorIs(t, err, upstream)
	assert.True(t, flowerrors.IsTransient(err))

	_, err = Structured[plan.Draft](context.Background(), nil, Call{Purpose: "planner"})
	assert.Error(t, err)
}

func TestPlanner_PromptAndContext(t *testing.T) {
	var got llm.Request
	m := llm.NewMockProvider()
	m.Handler = func(_ context.Context, req llm.Request) (*llm.Response, error) {
		got = req
		return &llm.Response{Content: json.RawMessage(draftJSON), Model: "mock"}, nil
	}

	p := NewPlanner(m, testRegistry(t), WithMaxTokens(1000), WithTemperature(0))
	res, err := p.Run(context.Background(), PlannerInput{
		Prompt:  "Teach comparing fractions with like denominators",
		Subject: "math",
		Profile: &plan.AccessibilityProfile{Needs: []string{"dyslexia"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Fractions", res.Output.Title)

	assert.Equal(t, 1000, got.MaxTokens)
	assert.Equal(t, 0.0, got.Temperature)
	assert.Same(t, DraftSchema, got.Schema)
	assert.Contains(t, got.System, "- lookup_standards:")
	assert.Contains(t, got.System, "- render_export:")
	assert.Contains(t, got.System, "CCSS.MATH.")
	assert.NotContains(t, got.System, "${")

	require.Len(t, got.Messages, 1)
	assert.Contains(t, got.Messages[0].Content, "Subject: math")
	assert.Contains(t, got.Messages[0].Content, `"needs":["dyslexia"]`)
	assert.Contains(t, got.Messages[0].Content, "Learner profiles: none")
	assert.Contains(t, got.Messages[0].Content, "Teach comparing fractions")
}

func TestPlanner_FeedbackStaysOutOfLookup(t *testing.T) {
	var queries []string
	r := tools.NewRegistry()
	lookup := tools.New(tools.LookupStandards, "Find standards.",
		func(_ context.Context, in tools.LookupInput) (any, error) {
			queries = append(queries, in.Query)
			return []tools.StandardMatch{}, nil
		})
	lookup.Context = true
	r.MustRegister(lookup)

	var got llm.Request
	m := llm.NewMockProvider()
	m.Handler = func(_ context.Context, req llm.Request) (*llm.Response, error) {
		got = req
		return &llm.Response{Content: json.RawMessage(draftJSON)}, nil
	}

	_, err := NewPlanner(m, r).Run(context.Background(), PlannerInput{
		Prompt:   "Teach comparing fractions",
		Feedback: "Fix: objectives must be measurable.",
		Subject:  "math",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Teach comparing fractions"}, queries)
	require.Len(t, got.Messages, 1)
	assert.Contains(t, got.Messages[0].Content, "Teach comparing fractions\n\nFix: objectives must be measurable.")
}

func TestPlanner_NoTools(t *testing.T) {
	var got llm.Request
	m := llm.NewMockProvider()
	m.Handler = func(_ context.Context, req llm.Request) (*llm.Response, error) {
		got = req
		return &llm.Response{Content: json.RawMessage(draftJSON)}, nil
	}

	_, err := NewPlanner(m, nil).Run(context.Background(), PlannerInput{Prompt: "x"})
	require.NoError(t, err)
	assert.Contains(t, got.System, "Available tools:\n(none)")
	assert.Equal(t, DefaultMaxTokens, got.MaxTokens)
}

func TestExecutor_Run(t *testing.T) {
	var got llm.Request
	m := llm.NewMockProvider()
	m.Handler = func(_ context.Context, req llm.Request) (*llm.Response, error) {
		got = req
		return &llm.Response{Content: json.RawMessage(`{
			"exports": [
				{"variant": "standard_html", "content": "<html><h1>Fractions</h1></html>"},
				{"variant": "audio_script", "content": "   "},
				{"variant": "braille", "content": "not requested"}
			],
			"human_review_required": true
		}`), Model: "mock-exec"}, nil
	}

	var d plan.Draft
	require.NoError(t, json.Unmarshal([]byte(draftJSON), &d))

	res, err := NewExecutor(m, nil).Run(context.Background(), ExecutorInput{
		PlanID:   "run-1",
		Draft:    &d,
		Variants: []string{plan.VariantStandardHTML, plan.VariantAudioScript},
	})
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.Output.PlanID)
	assert.Equal(t, []string{plan.VariantStandardHTML}, res.Output.Variants())
	assert.True(t, res.Output.HumanReviewRequired)
	assert.Equal(t, "mock-exec", res.Model)
	assert.Contains(t, got.Messages[0].Content, "Requested variants: standard_html, audio_script")
	assert.Contains(t, got.Messages[0].Content, `"title":"Fractions"`)
}

func TestFormatToolOutput(t *testing.T) {
	assert.Equal(t, "", formatToolOutput(nil))
	assert.Equal(t, "text", formatToolOutput("text"))
	assert.Equal(t, `{"a":1}`, formatToolOutput(map[string]int{"a": 1}))
	assert.Equal(t, "- X.1 (math, grade 3): Fractions",
		formatToolOutput([]tools.StandardMatch{{Standard: curriculum.Standard{Code: "X.1", Subject: "math", GradeBand: "3", Description: "Fractions"}}}))
}
