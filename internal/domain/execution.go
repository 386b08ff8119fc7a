package domain

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending      ExecutionStatus = "pending"
	ExecutionStatusRunning      ExecutionStatus = "running"
	ExecutionStatusSucceeded    ExecutionStatus = "succeeded"
	ExecutionStatusFailed       ExecutionStatus = "failed"
	ExecutionStatusCompensating ExecutionStatus = "compensating"
	ExecutionStatusCompensated  ExecutionStatus = "compensated"
	ExecutionStatusDLQ          ExecutionStatus = "dlq"
)

// NewExecutionStatus validates and creates an ExecutionStatus.
func NewExecutionStatus(s string) (ExecutionStatus, error) {
	status := ExecutionStatus(strings.ToLower(s))

	switch status {
	case ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusSucceeded,
		ExecutionStatusFailed, ExecutionStatusCompensating, ExecutionStatusCompensated,
		ExecutionStatusDLQ:
		return status, nil
	default:
		return "", fmt.Errorf("%w: unknown execution status %q", ErrBadInput, s)
	}
}

// Terminal reports whether no further attempts will run for this status.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusSucceeded, ExecutionStatusFailed,
		ExecutionStatusCompensated, ExecutionStatusDLQ:
		return true
	default:
		return false
	}
}

// Execution is an aggregate root: one idempotent run of a published
// workflow definition.
//
// Uniqueness of (tenant, definition code, idempotency key) makes Start
// collapse duplicate calls onto a single row. ReadyAt drives retry
// scheduling: the advancer only picks up executions whose ReadyAt has
// passed, so a scheduled backoff never busy-waits.
type Execution struct {
	ID       string
	TenantID string

	DefinitionID      string
	DefinitionCode    string
	DefinitionVersion int

	IdempotencyKey string

	Status ExecutionStatus

	Input  map[string]any
	Output map[string]any

	// CurrentStep is the most recently dispatched step code.
	CurrentStep string

	// Terminal error, when any.
	ErrorClass   ErrorClass
	ErrorSummary string

	CancelRequested bool

	ReadyAt time.Time

	StartedAt   *time.Time
	CompletedAt *time.Time
	DLQAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AttemptStatus is the lifecycle state of a single step attempt.
type AttemptStatus string

const (
	AttemptStatusPending     AttemptStatus = "pending"
	AttemptStatusRunning     AttemptStatus = "running"
	AttemptStatusSucceeded   AttemptStatus = "succeeded"
	AttemptStatusFailed      AttemptStatus = "failed"
	AttemptStatusSkipped     AttemptStatus = "skipped"
	AttemptStatusCompensated AttemptStatus = "compensated"
)

// NewAttemptStatus validates and creates an AttemptStatus.
func NewAttemptStatus(s string) (AttemptStatus, error) {
	status := AttemptStatus(strings.ToLower(s))

	switch status {
	case AttemptStatusPending, AttemptStatusRunning, AttemptStatusSucceeded,
		AttemptStatusFailed, AttemptStatusSkipped, AttemptStatusCompensated:
		return status, nil
	default:
		return "", fmt.Errorf("%w: unknown attempt status %q", ErrBadInput, s)
	}
}

// StepAttempt is an entity within the Execution aggregate: one numbered try
// of one step. UNIQUE(execution_id, step_code, attempt_number) is the
// dispatch race backstop.
type StepAttempt struct {
	ID          string
	ExecutionID string
	StepCode    string

	// AttemptNumber is 1-based and never exceeds the step's effective
	// max attempts.
	AttemptNumber int

	Status AttemptStatus

	Output       map[string]any
	ErrorClass   ErrorClass
	ErrorSummary string

	StartedAt   time.Time
	CompletedAt *time.Time
	TimeoutAt   time.Time

	// CompletionOrder is a monotonic sequence value assigned when the
	// attempt succeeds; compensation walks it in reverse.
	CompletionOrder int64
}

// DLQReason explains why an execution dead-lettered.
type DLQReason string

const (
	DLQReasonMaxAttemptsExceeded  DLQReason = "max_attempts_exceeded"
	DLQReasonNonRetryableError    DLQReason = "non_retryable_error"
	DLQReasonCompensationRequired DLQReason = "compensation_required"
	DLQReasonTimeout              DLQReason = "timeout"
	DLQReasonUnknown              DLQReason = "unknown"
)

// NewDLQReason validates and creates a DLQReason.
func NewDLQReason(s string) (DLQReason, error) {
	reason := DLQReason(strings.ToLower(s))

	switch reason {
	case DLQReasonMaxAttemptsExceeded, DLQReasonNonRetryableError,
		DLQReasonCompensationRequired, DLQReasonTimeout, DLQReasonUnknown:
		return reason, nil
	default:
		return "", fmt.Errorf("%w: unknown dlq reason %q", ErrBadInput, s)
	}
}

// DLQEntry is the persisted record of a terminally failed execution awaiting
// human review. At most one exists per execution; the reason reflects the
// precipitating cause of the terminal step, not any later compensation
// failure.
//
// Reprocessing records review metadata only. Attempts are never resurrected
// past their max attempts; new work means a new execution.
type DLQEntry struct {
	ID          string
	TenantID    string
	ExecutionID string
	StepCode    string

	Reason       DLQReason
	ErrorClass   ErrorClass
	ErrorSummary string

	Metadata map[string]any

	CreatedAt time.Time

	// Review fields.
	ReprocessedAt    *time.Time
	ReprocessedBy    *string
	ReprocessOutcome *string
}

// Reprocessed reports whether an operator has reviewed this entry.
func (e *DLQEntry) Reprocessed() bool {
	return e.ReprocessedAt != nil
}
