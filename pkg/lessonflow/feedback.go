package lessonflow

import (
	"strconv"

	"github.com/goccy/go-json"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/prompt"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/quality"
)

// BuildRefinementFeedback renders the refinement request for iteration.
// The output depends only on its inputs: a nil validation renders the
// score as None, and empty lists render as [].
func BuildRefinementFeedback(v *quality.Validation, iteration int) string {
	score := "None"
	var errs, warnings, recs []string
	if v != nil {
		score = strconv.FormatFloat(v.Score, 'f', -1, 64)
		errs, warnings, recs = v.Errors, v.Warnings, v.Recommendations
	}

	return prompt.Expand(prompt.Refinement, map[string]any{
		"iteration":       iteration,
		"score":           score,
		"errors":          jsonList(errs),
		"warnings":        jsonList(warnings),
		"recommendations": jsonList(recs),
	})
}

func jsonList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(raw)
}
