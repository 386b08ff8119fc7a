package domain

import (
	"fmt"
	"strings"
)

// ErrorClass is one of six fixed labels that determine retry behavior.
// Classes travel as strings on attempts, executions, and DLQ entries.
type ErrorClass string

const (
	// ErrorClassTransient covers timeouts, connection errors, and socket
	// resets. Retried with the default short backoff.
	ErrorClassTransient ErrorClass = "TRANSIENT"

	// ErrorClassRateLimited covers explicit rate-limit signals (HTTP 429).
	// Retried with a longer initial delay.
	ErrorClassRateLimited ErrorClass = "RATE_LIMITED"

	// ErrorClassDependencyFailed covers upstream 5xx responses and
	// unavailable dependencies. Retried with a longer initial delay.
	ErrorClassDependencyFailed ErrorClass = "DEPENDENCY_FAILED"

	// ErrorClassRetryable is the generic domain-retryable class (optimistic
	// lock conflicts and the like) and the default when nothing else
	// matches.
	ErrorClassRetryable ErrorClass = "RETRYABLE"

	// ErrorClassNonRetryable covers validation errors, permission denials,
	// and 4xx responses other than 429. Never retried.
	ErrorClassNonRetryable ErrorClass = "NON_RETRYABLE"

	// ErrorClassCompensationRequired is raised explicitly by a handler to
	// indicate partial, externally visible side effects. Never retried;
	// triggers compensation routing.
	ErrorClassCompensationRequired ErrorClass = "COMPENSATION_REQUIRED"
)

// NewErrorClass validates and creates an ErrorClass.
func NewErrorClass(s string) (ErrorClass, error) {
	class := ErrorClass(strings.ToUpper(s))

	switch class {
	case ErrorClassTransient, ErrorClassRateLimited, ErrorClassDependencyFailed,
		ErrorClassRetryable, ErrorClassNonRetryable, ErrorClassCompensationRequired:
		return class, nil
	default:
		return "", fmt.Errorf("%w: unknown error class %q", ErrBadInput, s)
	}
}

// Retryable reports whether the class is ever eligible for retry.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorClassNonRetryable, ErrorClassCompensationRequired:
		return false
	default:
		return true
	}
}

// HandlerError is a handler failure carrying an explicit error class.
// Handlers return it to bypass signal-based classification, and it is the
// only way to raise COMPENSATION_REQUIRED.
type HandlerError struct {
	Class   ErrorClass
	Summary string
	Err     error // optional underlying cause
}

// NewHandlerError creates a classed handler failure.
func NewHandlerError(class ErrorClass, summary string) *HandlerError {
	return &HandlerError{Class: class, Summary: summary}
}

func (e *HandlerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Summary, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Summary)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
