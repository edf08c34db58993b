package lessonflow

// Stage is one step of the workflow.
type Stage string

const (
	StagePlanner    Stage = "planner"
	StageValidate   Stage = "validate"
	StageDecision   Stage = "decision"
	StageBumpRefine Stage = "bump_refine"
	StageExecutor   Stage = "executor"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// Stages lists the working stages in graph order.
var Stages = []Stage{StagePlanner, StageValidate, StageDecision, StageBumpRefine, StageExecutor}

// Terminal reports whether s ends the run.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

func (s Stage) String() string { return string(s) }

// Decision is the routing outcome of the decision stage.
type Decision string

const (
	DecisionAccept          Decision = "accept"
	DecisionRefine          Decision = "refine"
	DecisionBudgetExhausted Decision = "budget_exhausted"
	DecisionTimeout         Decision = "timeout"
)

// decide routes a validated draft. It never calls out.
func decide(s RunState, maxRefinementIters int, timedOut bool) Decision {
	switch {
	case s.Validation.Accepted():
		return DecisionAccept
	case s.RefineIter >= maxRefinementIters:
		return DecisionBudgetExhausted
	case timedOut:
		return DecisionTimeout
	default:
		return DecisionRefine
	}
}

// next is the transition function. It is only called after a stage
// succeeded; failures route to StageFailed directly.
func next(from Stage, s RunState) Stage {
	switch from {
	case StagePlanner:
		return StageValidate
	case StageValidate:
		return StageDecision
	case StageDecision:
		if s.Decision == DecisionRefine {
			return StageBumpRefine
		}
		return StageExecutor
	case StageBumpRefine:
		return StagePlanner
	case StageExecutor:
		return StageDone
	default:
		return StageFailed
	}
}
