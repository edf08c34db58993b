package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	flowerrors "github.com/randalmurphal/lessonflow/pkg/lessonflow/errors"
)

// ErrNoResponse is returned by MockProvider when its queue is empty.
var ErrNoResponse = errors.New("mock provider has no queued responses")

// ErrInvalidResponse indicates the LLM returned content that does not
// conform to the requested schema. It is never retried.
type ErrInvalidResponse struct {
	Content json.RawMessage
	Err     error
}

func (e *ErrInvalidResponse) Error() string {
	return fmt.Sprintf("invalid LLM response: %v", e.Err)
}

func (e *ErrInvalidResponse) Unwrap() error { return e.Err }

// ErrorKind implements errors.Kinded.
func (e *ErrInvalidResponse) ErrorKind() flowerrors.Kind { return flowerrors.KindInvalidOutput }

// ErrMaxTokensExceeded indicates the response was truncated at MaxTokens.
type ErrMaxTokensExceeded struct {
	Content json.RawMessage
}

func (e *ErrMaxTokensExceeded) Error() string {
	return "LLM response truncated: max tokens exceeded"
}

// ErrorKind implements errors.Kinded.
func (e *ErrMaxTokensExceeded) ErrorKind() flowerrors.Kind { return flowerrors.KindInvalidOutput }

// providerError builds the ProviderError an adapter returns. A known HTTP
// status decides the kind; otherwise transport signals in err do. Caller
// cancellation is never transient.
func providerError(provider string, status int, err error) *flowerrors.ProviderError {
	kind := flowerrors.KindForStatus(status)
	if kind == flowerrors.KindUnknown {
		switch {
		case errors.Is(err, context.Canceled):
			kind = flowerrors.KindUnknown
		case flowerrors.KindOf(err) != flowerrors.KindUnknown:
			kind = flowerrors.KindOf(err)
		default:
			kind = flowerrors.KindConnection
		}
	}
	return &flowerrors.ProviderError{
		Provider:   provider,
		Kind:       kind,
		StatusCode: status,
		Err:        err,
	}
}
