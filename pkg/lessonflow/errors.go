package lessonflow

import (
	"errors"
	"fmt"
	"time"

	flowerrors "github.com/randalmurphal/lessonflow/pkg/lessonflow/errors"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/llm"
)

// Sentinel errors for starting a run.
var (
	// ErrRunIDRequired indicates neither the state nor the deps carry a run id.
	ErrRunIDRequired = errors.New("run id is required")

	// ErrPromptRequired indicates the state has no user prompt.
	ErrPromptRequired = errors.New("user prompt is required")

	// ErrRunIDMismatch indicates the state and deps name different runs.
	ErrRunIDMismatch = errors.New("run id does not match deps")

	// ErrRunInProgress indicates another execution holds the run id.
	ErrRunInProgress = errors.New("run already in progress")

	// ErrNilDeps indicates BuildPlanWorkflow was called without deps.
	ErrNilDeps = errors.New("agent deps cannot be nil")

	// ErrMaxStages indicates the stage loop exceeded its bound.
	ErrMaxStages = errors.New("exceeded maximum stage executions")
)

// WorkflowTimeoutError reports that the run exceeded its wall-clock budget.
// Stage is where the overrun was detected.
type WorkflowTimeoutError struct {
	Stage   Stage
	Elapsed time.Duration
	Limit   time.Duration
}

// Error implements the error interface.
func (e *WorkflowTimeoutError) Error() string {
	return fmt.Sprintf("workflow timed out at stage %s after %s (limit %s)",
		e.Stage, e.Elapsed.Round(time.Millisecond), e.Limit)
}

// CircuitOpenError reports that a stage refused to call the model because
// the circuit breaker is open.
type CircuitOpenError struct {
	Stage      Stage
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open at stage %s (retry after %s)",
		e.Stage, e.RetryAfter.Round(time.Second))
}

// StageError wraps a stage failure with the stage name.
type StageError struct {
	Stage Stage
	Err   error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StageError) Unwrap() error {
	return e.Err
}

// PanicError captures a panic recovered from a stage.
type PanicError struct {
	Stage Stage
	Value any
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("stage %s panicked: %v", e.Stage, e.Value)
}

// Failure kinds reported in stage.failed events.
const (
	KindTimeout     = "timeout"
	KindCircuitOpen = "circuit_open"
	KindProvider    = "provider"
	KindPanic       = "panic"
	KindInternal    = "internal"
)

// FailureKind classifies a stage failure for events and metrics.
func FailureKind(err error) string {
	var timeoutErr *WorkflowTimeoutError
	var openErr *CircuitOpenError
	var panicErr *PanicError
	var providerErr *flowerrors.ProviderError
	var invalidErr *llm.ErrInvalidResponse
	var truncatedErr *llm.ErrMaxTokensExceeded

	switch {
	case err == nil:
		return ""
	case errors.As(err, &timeoutErr):
		return KindTimeout
	case errors.As(err, &openErr):
		return KindCircuitOpen
	case errors.As(err, &panicErr):
		return KindPanic
	case errors.As(err, &providerErr), errors.As(err, &invalidErr), errors.As(err, &truncatedErr):
		return KindProvider
	default:
		return KindInternal
	}
}

// stageError attaches the stage to errors that do not already name it.
func stageError(stage Stage, err error) error {
	var timeoutErr *WorkflowTimeoutError
	var openErr *CircuitOpenError
	var panicErr *PanicError
	var se *StageError
	if errors.As(err, &timeoutErr) || errors.As(err, &openErr) ||
		errors.As(err, &panicErr) || errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}
