// Package errors classifies upstream failures and retries the transient ones.
//
// The package implements two layers:
//   - Categorization: every failure is either transient or permanent. Provider
//     adapters declare a Kind; transport and HTTP signals are inspected along
//     the whole wrap chain.
//   - Retry: WithRetryContext re-runs transient failures with exponential backoff.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: rate limits, timeouts, dropped connections, 5xx responses.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: bad requests, authentication failures, malformed model output.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Kind is the failure class an adapter declares for an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindTimeout
	KindRateLimit
	KindServer
	KindBadRequest
	KindAuth
	KindInvalidOutput
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate_limit"
	case KindServer:
		return "server"
	case KindBadRequest:
		return "bad_request"
	case KindAuth:
		return "auth"
	case KindInvalidOutput:
		return "invalid_output"
	default:
		return "unknown"
	}
}

// Transient reports whether failures of this kind are worth retrying.
func (k Kind) Transient() bool {
	switch k {
	case KindConnection, KindTimeout, KindRateLimit, KindServer:
		return true
	default:
		return false
	}
}

// Kinded is implemented by errors that declare their Kind.
type Kinded interface {
	ErrorKind() Kind
}

// StatusCoder is implemented by errors carrying an HTTP response status.
type StatusCoder interface {
	HTTPStatus() int
}

// transientStatus is the set of HTTP statuses retried without a declared kind.
var transientStatus = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	if IsTransient(err) {
		return CategoryTransient
	}
	return CategoryPermanent
}

// IsTransient reports whether any error in err's chain carries a transient
// signal: a transient Kind, a retryable HTTP status, or a connection or
// timeout failure from the transport.
func IsTransient(err error) bool {
	return walk(err, func(e error) bool {
		return kindOf(e).Transient()
	})
}

// KindOf returns the first Kind found along err's chain, declared or
// inferred. It returns KindUnknown when nothing in the chain is recognized.
func KindOf(err error) Kind {
	found := KindUnknown
	walk(err, func(e error) bool {
		if k := kindOf(e); k != KindUnknown {
			found = k
			return true
		}
		return false
	})
	return found
}

// walk visits err and every error it wraps until visit returns true.
func walk(err error, visit func(error) bool) bool {
	for depth := 0; err != nil && depth < 64; depth++ {
		if visit(err) {
			return true
		}
		switch u := err.(type) {
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				if walk(inner, visit) {
					return true
				}
			}
			return false
		default:
			return false
		}
	}
	return false
}

// kindOf classifies a single error without looking at what it wraps.
func kindOf(err error) Kind {
	if k, ok := err.(Kinded); ok && k.ErrorKind() != KindUnknown {
		return k.ErrorKind()
	}

	if s, ok := err.(StatusCoder); ok {
		if k := kindForStatus(s.HTTPStatus()); k != KindUnknown {
			return k
		}
	}

	if _, ok := err.(*TimeoutError); ok {
		return KindTimeout
	}

	if err == context.DeadlineExceeded || err == os.ErrDeadlineExceeded {
		return KindTimeout
	}
	if err == io.ErrUnexpectedEOF {
		return KindConnection
	}

	if ne, ok := err.(net.Error); ok {
		if ne.Timeout() {
			return KindTimeout
		}
		if _, isOp := err.(*net.OpError); isOp {
			return KindConnection
		}
		if _, isDNS := err.(*net.DNSError); isDNS {
			return KindConnection
		}
	}

	if errno, ok := err.(syscall.Errno); ok {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE:
			return KindConnection
		case syscall.ETIMEDOUT:
			return KindTimeout
		}
	}

	return KindUnknown
}

// kindForStatus maps an HTTP status to a Kind. Only statuses in the
// transient set map to transient kinds.
func kindForStatus(status int) Kind {
	switch {
	case status == 429:
		return KindRateLimit
	case transientStatus[status]:
		return KindServer
	case status == 401 || status == 403:
		return KindAuth
	case status >= 400 && status < 500:
		return KindBadRequest
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
