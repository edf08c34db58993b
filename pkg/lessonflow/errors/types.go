package errors

import "fmt"

// HTTPError represents an HTTP error with status code.
type HTTPError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus implements StatusCoder.
func (e *HTTPError) HTTPStatus() int { return e.StatusCode }

// TimeoutError indicates an operation timed out.
type TimeoutError struct {
	Operation string
	Duration  string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}

// ProviderError is returned by every LLM provider adapter. Kind is the
// adapter's declaration of what went wrong, so classification never depends
// on SDK error type names.
type ProviderError struct {
	Provider   string
	Kind       Kind
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

// Unwrap returns the underlying SDK or transport error.
func (e *ProviderError) Unwrap() error { return e.Err }

// ErrorKind implements Kinded.
func (e *ProviderError) ErrorKind() Kind { return e.Kind }

// HTTPStatus implements StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// KindForStatus maps an HTTP status returned by a provider to the Kind an
// adapter should declare. Any 5xx is reported as KindServer.
func KindForStatus(status int) Kind {
	switch {
	case status == 429:
		return KindRateLimit
	case status == 401 || status == 403:
		return KindAuth
	case status == 408:
		return KindTimeout
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindBadRequest
	default:
		return KindUnknown
	}
}
