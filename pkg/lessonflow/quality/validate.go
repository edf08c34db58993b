package quality

import (
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/plan"
)

// Validate checks a draft against the scenario. A draft passes when no
// check reports an error and the rubric score meets the threshold. Scores
// below half the threshold are rejected outright; everything else needs
// refinement.
func Validate(d *plan.Draft, sc Scenario, ragConfidence float64) Validation {
	return ValidateWith(DefaultChecks, d, sc, ragConfidence)
}

// ValidateWith is Validate with an explicit check chain.
func ValidateWith(checks []Check, d *plan.Draft, sc Scenario, ragConfidence float64) Validation {
	v := Validation{
		Errors:          []string{},
		Warnings:        []string{},
		Recommendations: []string{},
		RAGConfidence:   ragConfidence,
	}
	if d == nil {
		v.Status = StatusRejected
		v.Errors = append(v.Errors, "no draft to validate")
		v.Recommendations = append(v.Recommendations, "produce a complete lesson plan")
		r := ScorePlannerOutput(nil, sc)
		v.Rubric = &r
		return v
	}

	for _, c := range checks {
		for _, f := range c.Check(d, sc) {
			if f.Severity == SeverityError {
				v.Errors = append(v.Errors, f.Message)
			} else {
				v.Warnings = append(v.Warnings, f.Message)
			}
			if f.Recommendation != "" {
				v.Recommendations = append(v.Recommendations, f.Recommendation)
			}
		}
	}

	r := ScorePlannerOutput(d, sc)
	v.Rubric = &r
	v.Score = r.FinalScore

	switch {
	case len(v.Errors) == 0 && r.Passed:
		v.Status = StatusAccepted
	case v.Score < sc.threshold()/2:
		v.Status = StatusRejected
	default:
		v.Status = StatusNeedsRefinement
	}
	return v
}
