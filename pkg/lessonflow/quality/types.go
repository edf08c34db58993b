// Package quality scores lesson-plan drafts and exports.
//
// Validate runs the hard-constraint checks and the planner rubric and turns
// them into a Validation with an accept, refine, or reject status. The rubric
// scorers are pure: identical inputs always give identical results.
package quality

import (
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/curriculum"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/plan"
)

// Status is the outcome of validating a draft.
type Status string

const (
	StatusAccepted        Status = "accepted"
	StatusNeedsRefinement Status = "needs_refinement"
	StatusRejected        Status = "rejected"
)

// Agent types scored by the rubric.
const (
	AgentPlanner  = "planner"
	AgentExecutor = "executor"
)

// Rubric dimension names.
const (
	DimStructure     = "structure"
	DimAccessibility = "accessibility"
	DimReadability   = "readability"
	DimStandards     = "standards"
	DimTiming        = "timing"

	DimCoverage     = "coverage"
	DimCompleteness = "completeness"
	DimFormat       = "format"
)

// DefaultPassThreshold is the rubric score a draft needs to pass.
const DefaultPassThreshold = 70.0

// Scenario is the context a draft or export is scored against.
type Scenario struct {
	ID              string
	Subject         string
	ClassProfile    *plan.AccessibilityProfile
	LearnerProfiles []plan.LearnerProfile
	Variants        []string
	PassThreshold   float64
	Catalog         *curriculum.Catalog
}

func (s Scenario) threshold() float64 {
	if s.PassThreshold > 0 {
		return s.PassThreshold
	}
	return DefaultPassThreshold
}

// RubricResult is one scored output.
type RubricResult struct {
	AgentType  string             `json:"agent_type"`
	ScenarioID string             `json:"scenario_id"`
	Dimensions map[string]float64 `json:"dimensions"`
	FinalScore float64            `json:"final_score"`
	Passed     bool               `json:"passed"`
}

// Validation is the quality assessment of one draft.
type Validation struct {
	Score           float64       `json:"score"`
	Status          Status        `json:"status"`
	Errors          []string      `json:"errors"`
	Warnings        []string      `json:"warnings"`
	Recommendations []string      `json:"recommendations"`
	RAGConfidence   float64       `json:"rag_confidence"`
	Rubric          *RubricResult `json:"rubric,omitempty"`
}

// Accepted reports whether the draft passed the quality gate.
func (v *Validation) Accepted() bool {
	return v != nil && v.Status == StatusAccepted
}
