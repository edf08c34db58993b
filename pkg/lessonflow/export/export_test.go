package export

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/plan"
)

func sampleDraft() *plan.Draft {
	return &plan.Draft{
		Title:           "Comparing <Fractions>",
		Subject:         "math",
		GradeLevel:      "3",
		DurationMinutes: 40,
		Objectives:      []string{"Compare two fractions with like denominators"},
		Standards:       []string{"CCSS.MATH.3.NF.A.3"},
		Materials:       []string{"Fraction strips"},
		Steps: []plan.Step{
			{Title: "Warm up", Instructions: "Fold paper strips into halves and fourths.", DurationMinutes: 10},
			{Title: "Practice", Instructions: "Order fractions on a number line.", DurationMinutes: 30},
		},
		Accommodations: []plan.Accommodation{{Need: "dyslexia", Strategy: "Read instructions aloud"}},
		Assessment:     "Exit ticket with two comparisons.",
	}
}

func TestRender(t *testing.T) {
	d := sampleDraft()
	profile := &plan.AccessibilityProfile{Notes: "Two learners use screen readers."}

	tests := []struct {
		variant  string
		contains []string
		excludes []string
	}{
		{plan.VariantStandardHTML, []string{"<h1>Comparing &lt;Fractions&gt;</h1>", "font-size:12pt", "Class notes"}, []string{"<Fractions>"}},
		{plan.VariantLargePrintHTML, []string{"font-size:20pt", "<strong>dyslexia</strong>"}, nil},
		{plan.VariantLowDistractionHTML, []string{"Step 1: Warm up", "Step 2: Practice", "Check your learning"}, []string{"Standards"}},
		{plan.VariantAudioScript, []string{"Lesson: Comparing <Fractions>.", "Step 2. Practice.", "To finish:"}, []string{"<h1>"}},
		{plan.VariantPlainText, []string{"Duration: 40 minutes", "1. Warm up (10 min)", "- dyslexia: Read instructions aloud"}, nil},
		{plan.VariantMarkdown, []string{"# Comparing <Fractions>", "## Steps", "`CCSS.MATH.3.NF.A.3`"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.variant, func(t *testing.T) {
			out, err := Render(tt.variant, d, profile)
			require.NoError(t, err)
			for _, c := range tt.contains {
				assert.Contains(t, out, c)
			}
			for _, c := range tt.excludes {
				assert.NotContains(t, out, c)
			}
		})
	}
}

func TestRenderErrors(t *testing.T) {
	_, err := Render("braille", sampleDraft(), nil)
	assert.ErrorIs(t, err, ErrUnknownVariant)

	_, err = Render(plan.VariantMarkdown, nil, nil)
	assert.ErrorIs(t, err, ErrNilDraft)
}

func TestRenderAll(t *testing.T) {
	out, err := RenderAll(plan.DefaultVariants, sampleDraft(), nil)
	require.NoError(t, err)
	assert.Len(t, out, len(plan.DefaultVariants))

	_, err = RenderAll([]string{plan.VariantMarkdown, "nope"}, sampleDraft(), nil)
	assert.Error(t, err)
}

func TestSupported(t *testing.T) {
	assert.Len(t, Supported(), 6)
	assert.True(t, IsSupported(plan.VariantAudioScript))
	assert.False(t, IsSupported("braille"))
}
