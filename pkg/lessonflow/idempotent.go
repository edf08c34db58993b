package lessonflow

import (
	"context"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/resilience"
)

// RunIdempotent runs wf under guard, keyed by the run id.
//
// When another execution holds the key, the stored result of an earlier
// completed run is returned with replayed set, or ErrRunInProgress when
// there is none. Completed keys can be run again; a done run is stored
// with Complete and anything else releases the key with Fail.
func RunIdempotent(
	ctx context.Context,
	guard *resilience.IdempotencyGuard[RunState],
	wf *Workflow,
	init RunState,
) (final RunState, replayed bool, err error) {
	key := init.RunID
	if key == "" {
		key = wf.deps.RunID()
	}
	if key == "" {
		return init, false, ErrRunIDRequired
	}

	if !guard.TryAcquire(key) {
		if stored, ok := guard.GetResult(key); ok {
			return stored, true, nil
		}
		return init, false, ErrRunInProgress
	}

	acquired := true
	defer func() {
		if acquired {
			guard.Fail(key)
		}
	}()

	final, err = wf.Run(ctx, init)
	if err != nil {
		return final, false, err
	}
	if final.Done() {
		acquired = false
		guard.Complete(key, final)
	}
	return final, false, nil
}
