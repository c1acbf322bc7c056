package llm

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying (rate limits, upstream
// 5xx, transport drops).
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError wraps err as retryable.
func NewTransientError(err error) *TransientError { return &TransientError{err: err} }

// FatalError marks a failure that retrying cannot fix (bad request,
// auth, unknown model).
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.err) }
func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError wraps err as non-retryable.
func NewFatalError(err error) *FatalError { return &FatalError{err: err} }

// ParseError reports model output that did not match the expected
// structure. Treated as a stage failure, not retried by the client.
type ParseError struct {
	Detail string
	err    error
}

func (e *ParseError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("parse model output: %s: %v", e.Detail, e.err)
	}
	return fmt.Sprintf("parse model output: %s", e.Detail)
}
func (e *ParseError) Unwrap() error { return e.err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsFatal reports whether err is non-retryable.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

// classifyHTTPError maps a provider HTTP status to the retry taxonomy.
func classifyHTTPError(status int, body string) error {
	err := fmt.Errorf("llm api status %d: %s", status, body)
	switch {
	case status == 429:
		return NewTransientError(err)
	case status >= 500:
		return NewTransientError(err)
	case status == 400 || status == 401 || status == 403:
		return NewFatalError(err)
	default:
		return NewFatalError(err)
	}
}
