package lessonflow

import (
	"time"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/llm"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/plan"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/quality"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// RunState is the record threaded through every stage of one run. Stage
// bodies take it by value and return the updated copy.
type RunState struct {
	RunID           string                     `json:"run_id"`
	UserPrompt      string                     `json:"user_prompt"`
	TeacherID       string                     `json:"teacher_id,omitempty"`
	Subject         string                     `json:"subject,omitempty"`
	ClassProfile    *plan.AccessibilityProfile `json:"class_accessibility_profile,omitempty"`
	LearnerProfiles []plan.LearnerProfile      `json:"learner_profiles,omitempty"`

	// Draft is replaced wholesale by every planner call.
	Draft      *plan.Draft         `json:"draft,omitempty"`
	Validation *quality.Validation `json:"validation,omitempty"`

	// BestDraft is the highest scoring draft seen so far. The executor
	// exports it when the run leaves the loop without an accepted draft.
	BestDraft      *plan.Draft         `json:"best_draft,omitempty"`
	BestValidation *quality.Validation `json:"best_validation,omitempty"`

	RefineIter int      `json:"refine_iter"`
	Feedback   string   `json:"feedback,omitempty"`
	Decision   Decision `json:"decision,omitempty"`

	// StartedAt is set once, before the first stage, and only used for
	// the wall-clock budget.
	StartedAt time.Time `json:"-"`

	Final     *plan.ExportResult `json:"final,omitempty"`
	Scorecard *Scorecard         `json:"scorecard,omitempty"`

	Stage       Stage     `json:"stage"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	FailedStage Stage     `json:"failed_stage,omitempty"`
	Usage       llm.Usage `json:"usage"`
}

// Done reports whether the run finished successfully.
func (s RunState) Done() bool {
	return s.Status == StatusDone
}

// Score returns the final export score, or the last validation score when
// the run never reached the executor.
func (s RunState) Score() float64 {
	if s.Final != nil {
		return s.Final.Score
	}
	if s.Validation != nil {
		return s.Validation.Score
	}
	return 0
}

func (s RunState) validate() error {
	if s.RunID == "" {
		return ErrRunIDRequired
	}
	if s.UserPrompt == "" {
		return ErrPromptRequired
	}
	return nil
}

// trackBest keeps the best scoring draft. Ties keep the earlier draft.
func (s *RunState) trackBest() {
	if s.Draft == nil || s.Validation == nil {
		return
	}
	if s.BestValidation == nil || s.Validation.Score > s.BestValidation.Score {
		s.BestDraft = s.Draft
		s.BestValidation = s.Validation
	}
}

// ExportDraft returns the draft the executor exports: the current one when
// accepted, the best one otherwise.
func (s RunState) ExportDraft() (*plan.Draft, *quality.Validation) {
	if s.Validation.Accepted() || s.BestDraft == nil {
		return s.Draft, s.Validation
	}
	return s.BestDraft, s.BestValidation
}
