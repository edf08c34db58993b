package lessonflow

import (
	"time"
)

// CheckTimeout returns a WorkflowTimeoutError naming stage when more than
// limit has passed since startedAt. A zero startedAt or a non-positive
// limit disables the check.
func CheckTimeout(stage Stage, startedAt, now time.Time, limit time.Duration) error {
	if startedAt.IsZero() || limit <= 0 {
		return nil
	}
	if elapsed := now.Sub(startedAt); elapsed > limit {
		return &WorkflowTimeoutError{Stage: stage, Elapsed: elapsed, Limit: limit}
	}
	return nil
}

func (w *Workflow) checkTimeout(stage Stage, s RunState) error {
	return CheckTimeout(stage, s.StartedAt, w.clock.Now(), w.deps.MaxWorkflowDuration())
}

func (w *Workflow) timedOut(s RunState) bool {
	return w.checkTimeout(StageDecision, s) != nil
}
