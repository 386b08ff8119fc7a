package orchestration

import (
	"context"
	"time"

	"github.com/firmflow/engine/internal/domain"
)

// Store is the persistence contract of the orchestration engine. One
// implementation backs it with Postgres; tests substitute fakes.
//
// Methods are individually atomic. The linearizable points the engine
// depends on are called out per method.
type Store interface {
	// === Definition Operations ===

	// PublishDefinition atomically assigns def.Version = latest version for
	// (tenant, code) + 1, inserts the row as published, and deprecates the
	// previously published version if one exists. Returns the stored
	// definition.
	PublishDefinition(ctx context.Context, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error)

	// GetDefinitionByID loads one definition version by row ID.
	GetDefinitionByID(ctx context.Context, id string) (*domain.WorkflowDefinition, error)

	// GetDefinitionVersion loads one definition version by its natural key.
	GetDefinitionVersion(ctx context.Context, tenantID, code string, version int) (*domain.WorkflowDefinition, error)

	// LatestPublishedDefinition loads the currently published version of
	// (tenant, code). Returns ErrNotFound when no version is published.
	LatestPublishedDefinition(ctx context.Context, tenantID, code string) (*domain.WorkflowDefinition, error)

	// ListDefinitions returns all versions for a tenant, newest first,
	// optionally filtered by code.
	ListDefinitions(ctx context.Context, tenantID, code string) ([]*domain.WorkflowDefinition, error)

	// === Execution Operations ===

	// InsertExecution inserts exec unless an execution with the same
	// (tenant, definition code, idempotency key) already exists, in which
	// case it returns the existing row and false. This is the linearizable
	// point that makes Start idempotent.
	InsertExecution(ctx context.Context, exec *domain.Execution) (*domain.Execution, bool, error)

	// GetExecution loads one execution by ID.
	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)

	// ListExecutions returns executions matching the filter, newest first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*domain.Execution, error)

	// CountRunningExecutions counts executions of (tenant, definition code)
	// currently in running or compensating status. Used to enforce the
	// definition's max_concurrency policy.
	CountRunningExecutions(ctx context.Context, tenantID, definitionCode string) (int, error)

	// ScheduleRetry moves the execution's ready_at forward so the advancer
	// picks it up again after the backoff delay.
	ScheduleRetry(ctx context.Context, executionID string, readyAt time.Time) error

	// SettleExecution applies a status transition with its associated
	// fields. The update is ownership-checked: it only applies while the
	// execution is still in a non-terminal status, and reports ErrConflict
	// otherwise.
	SettleExecution(ctx context.Context, executionID string, settlement ExecutionSettlement) error

	// RequestCancel sets the execution's cancel-requested flag and notifies
	// any listening advancer. Settling the execution is the advancer's job.
	RequestCancel(ctx context.Context, executionID string) error

	// === Attempt Operations ===

	// BeginAttempt atomically records a new running attempt and, when this
	// is the execution's first dispatch, flips the execution from pending
	// to running and stamps started_at. The execution's current_step is set
	// to the attempt's step code.
	//
	// Returns false without error when the attempt number is already taken
	// or the execution is no longer dispatchable (terminal or canceled):
	// another advancer won the dispatch race and the caller must discard
	// its round.
	BeginAttempt(ctx context.Context, attempt *domain.StepAttempt) (bool, error)

	// CompleteAttempt finalizes a running attempt. The update is
	// ownership-checked: it applies only while the attempt is still
	// running, and returns false when a sweeper or competing advancer
	// already finalized it, in which case the caller's result is discarded.
	// On success the store assigns the attempt's completion order.
	CompleteAttempt(ctx context.Context, attemptID string, result AttemptResult) (bool, error)

	// SetAttemptCompensation flips a succeeded attempt to compensated or
	// skipped once its compensation handler ran (or was absent).
	SetAttemptCompensation(ctx context.Context, attemptID string, status domain.AttemptStatus, at time.Time) error

	// ListAttempts returns all attempts of an execution ordered by start
	// time, attempt number breaking ties.
	ListAttempts(ctx context.Context, executionID string) ([]*domain.StepAttempt, error)

	// === Dead Letter Operations ===

	// InsertDLQEntry records a dead-lettered execution. At most one entry
	// exists per execution; inserting a second returns ErrConflict.
	InsertDLQEntry(ctx context.Context, entry *domain.DLQEntry) error

	// GetDLQEntry loads one entry scoped to a tenant.
	GetDLQEntry(ctx context.Context, tenantID, entryID string) (*domain.DLQEntry, error)

	// ListDLQEntries returns entries matching the filter, newest first.
	ListDLQEntries(ctx context.Context, filter DLQFilter) ([]*domain.DLQEntry, error)

	// MarkDLQReprocessed records review metadata on an entry and returns the
	// updated row. Reviewing an already reviewed entry returns ErrConflict.
	MarkDLQReprocessed(ctx context.Context, tenantID, entryID string, review DLQReview) (*domain.DLQEntry, error)
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	TenantID       string
	DefinitionCode string
	Status         domain.ExecutionStatus
	Limit          int
}

// ExecutionSettlement is a status transition applied by SettleExecution.
type ExecutionSettlement struct {
	Status domain.ExecutionStatus

	// Output is set only when settling succeeded.
	Output map[string]any

	ErrorClass   domain.ErrorClass
	ErrorSummary string

	// CompletedAt is set for terminal settlements, nil when entering
	// compensating.
	CompletedAt *time.Time

	// DLQAt is set when settling into dlq.
	DLQAt *time.Time
}

// AttemptResult finalizes one attempt via CompleteAttempt.
type AttemptResult struct {
	Status domain.AttemptStatus

	Output       map[string]any
	ErrorClass   domain.ErrorClass
	ErrorSummary string

	CompletedAt time.Time
}

// DLQFilter narrows ListDLQEntries.
type DLQFilter struct {
	TenantID string
	Reason   domain.DLQReason

	// IncludeReprocessed keeps already reviewed entries in the listing.
	IncludeReprocessed bool

	Limit int
}

// DLQReview is the metadata recorded when an operator reprocesses an entry.
type DLQReview struct {
	By      string
	Outcome string
	At      time.Time
}
