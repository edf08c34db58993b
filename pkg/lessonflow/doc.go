// Package lessonflow is the lesson-plan generation workflow.
//
// A run takes a teacher's prompt and an optional accessibility profile,
// drafts a plan with the planning agent, scores it against the quality
// gate, refines it a bounded number of times, and exports the accepted (or
// best) draft into accessible variants with the execution agent.
//
// # Stages
//
// The workflow is a closed set of stages driven by an explicit loop:
//
//	planner -> validate -> decision -> executor -> done
//	                          |
//	                          +-> bump_refine -> planner
//
// Any stage may end the run in failed. The decision stage routes to the
// executor when the draft is accepted, when the refinement budget is
// spent, or when the wall-clock budget is exceeded (the executor then
// fails on its timeout check).
//
// # Guarantees
//
//   - Every model call is gated by the shared circuit breaker and retried
//     with exponential backoff when the failure is transient.
//   - The wall-clock budget is checked cooperatively at the start of the
//     planner, validate, and executor stages.
//   - Every run emits run.started and exactly one of run.completed or
//     run.failed, last, even when a stage panics.
//   - Trace writes are best effort and never affect the outcome.
//
// # Basic Usage
//
//	d, err := deps.NewAgentDeps(container, deps.RunParams{RunID: id, TeacherID: teacher})
//	if err != nil {
//	    return err
//	}
//	wf, err := lessonflow.BuildPlanWorkflow(d, container.Breaker)
//	if err != nil {
//	    return err
//	}
//	final, err := wf.Run(ctx, lessonflow.RunState{RunID: id, UserPrompt: prompt})
//
// Use RunIdempotent to keep one in-flight run per run id.
package lessonflow
