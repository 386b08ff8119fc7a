package domain

import "errors"

// Error kinds surfaced across the engine boundary. Constructors and stores
// wrap these with detail via fmt.Errorf("%w: ...", Err...) so callers can
// match with errors.Is while still seeing what went wrong.

var (
	// ErrBadRule indicates a recurrence rule that cannot be executed:
	// missing or unknown timezone, inconsistent cadence parameters, or an
	// unsupported anchor kind.
	ErrBadRule = errors.New("invalid recurrence rule")

	// ErrBadDefinition indicates a workflow definition that fails
	// validation: duplicate or unknown step codes, dependency cycles, or a
	// schema outside the supported subset.
	ErrBadDefinition = errors.New("invalid workflow definition")

	// ErrBadInput indicates caller-supplied data that fails validation,
	// including execution input rejected by a definition's input schema.
	ErrBadInput = errors.New("invalid input")

	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness or immutability violation:
	// publishing over a published definition, duplicate handler
	// registration, or an idempotency replay. Replays are success-like;
	// callers receive the existing row alongside this error and must not
	// treat it as a failure.
	ErrConflict = errors.New("conflict")

	// ErrHandlerMissing indicates a step handler or target factory that is
	// not registered with the host registry.
	ErrHandlerMissing = errors.New("handler not registered")

	// ErrHandlerFailed wraps a handler failure together with its error
	// class and summary.
	ErrHandlerFailed = errors.New("handler failed")

	// ErrTimeout indicates a step attempt exceeded its deadline.
	ErrTimeout = errors.New("timed out")

	// ErrInternal captures unexpected internal failures, including panics
	// recovered at the engine boundary.
	ErrInternal = errors.New("internal error")
)
