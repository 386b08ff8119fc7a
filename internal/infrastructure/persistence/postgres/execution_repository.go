package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/firmflow/engine/internal/application/orchestration"
	"github.com/firmflow/engine/internal/domain"
)

const executionColumns = `id, tenant_id, definition_id, definition_code, definition_version,
	idempotency_key, status, input, output, current_step,
	error_class, error_summary, cancel_requested, ready_at,
	started_at, completed_at, dlq_at, created_at, updated_at`

// errDispatchLost aborts a BeginAttempt transaction when another advancer
// won the dispatch race. Converted to (false, nil) at the boundary.
var errDispatchLost = errors.New("dispatch lost")

func encodeObject(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json object: %w", err)
	}
	return raw, nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode json object: %w", err)
	}
	return m, nil
}

func scanExecution(row pgx.Row) (*domain.Execution, error) {
	var (
		e      domain.Execution
		status string
		input  []byte
		output []byte
		class  string
	)

	err := row.Scan(
		&e.ID, &e.TenantID, &e.DefinitionID, &e.DefinitionCode, &e.DefinitionVersion,
		&e.IdempotencyKey, &status, &input, &output, &e.CurrentStep,
		&class, &e.ErrorSummary, &e.CancelRequested, &e.ReadyAt,
		&e.StartedAt, &e.CompletedAt, &e.DLQAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if e.Status, err = domain.NewExecutionStatus(status); err != nil {
		return nil, err
	}
	// Error class is empty until a failure is recorded; cast directly.
	e.ErrorClass = domain.ErrorClass(class)
	if e.Input, err = decodeObject(input); err != nil {
		return nil, err
	}
	if e.Output, err = decodeObject(output); err != nil {
		return nil, err
	}

	return &e, nil
}

// InsertExecution inserts exec unless (tenant, definition code, idempotency
// key) already exists, in which case the existing row is returned with
// false. This is the linearizable point that makes Start idempotent.
func (s *Store) InsertExecution(ctx context.Context, exec *domain.Execution) (*domain.Execution, bool, error) {
	input, err := encodeObject(exec.Input)
	if err != nil {
		return nil, false, err
	}
	if input == nil {
		input = []byte("{}")
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO executions (
			id, tenant_id, definition_id, definition_code, definition_version,
			idempotency_key, status, input, current_step,
			error_class, error_summary, cancel_requested, ready_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (tenant_id, definition_code, idempotency_key) DO NOTHING`,
		exec.ID, exec.TenantID, exec.DefinitionID, exec.DefinitionCode, exec.DefinitionVersion,
		exec.IdempotencyKey, string(exec.Status), input, exec.CurrentStep,
		string(exec.ErrorClass), exec.ErrorSummary, exec.CancelRequested, exec.ReadyAt,
		exec.CreatedAt, exec.UpdatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, false, fmt.Errorf("%w: definition %s", domain.ErrNotFound, exec.DefinitionID)
		}
		return nil, false, fmt.Errorf("failed to insert execution: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return exec, true, nil
	}

	existing, err := scanExecution(s.db.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions
		WHERE tenant_id = $1 AND definition_code = $2 AND idempotency_key = $3`,
		exec.TenantID, exec.DefinitionCode, exec.IdempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read existing execution: %w", err)
	}
	return existing, false, nil
}

// GetExecution loads one execution by ID.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	if err := parseID(executionID); err != nil {
		return nil, err
	}

	exec, err := scanExecution(s.db.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1`, executionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: execution %s", domain.ErrNotFound, executionID)
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return exec, nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, filter orchestration.ExecutionFilter) ([]*domain.Execution, error) {
	var (
		conds []string
		args  []any
	)
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		conds = append(conds, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if filter.DefinitionCode != "" {
		args = append(args, filter.DefinitionCode)
		conds = append(conds, fmt.Sprintf("definition_code = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var execs []*domain.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return execs, nil
}

// CountRunningExecutions counts executions of (tenant, definition code) in
// running or compensating status.
func (s *Store) CountRunningExecutions(ctx context.Context, tenantID, definitionCode string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM executions
		WHERE tenant_id = $1 AND definition_code = $2
		AND status IN ('running', 'compensating')`,
		tenantID, definitionCode).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count running executions: %w", err)
	}
	return n, nil
}

// ScheduleRetry moves ready_at forward so the advancer picks the execution
// up again after the backoff delay. Any claim hold is cleared; the retry
// time wins.
func (s *Store) ScheduleRetry(ctx context.Context, executionID string, readyAt time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE executions SET ready_at = $2, claimed_until = NULL, updated_at = now() WHERE id = $1`,
		executionID, readyAt)
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: execution %s", domain.ErrNotFound, executionID)
	}
	return nil
}

// SettleExecution applies a status transition. Ownership-checked: it only
// applies while the execution is still non-terminal, and reports
// ErrConflict otherwise.
func (s *Store) SettleExecution(ctx context.Context, executionID string, settlement orchestration.ExecutionSettlement) error {
	output, err := encodeObject(settlement.Output)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE executions
		SET status = $2, output = $3, error_class = $4, error_summary = $5,
			completed_at = $6, dlq_at = $7, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'running', 'compensating')`,
		executionID, string(settlement.Status), output,
		string(settlement.ErrorClass), settlement.ErrorSummary,
		settlement.CompletedAt, settlement.DLQAt,
	)
	if err != nil {
		return fmt.Errorf("failed to settle execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: execution %s already settled", domain.ErrConflict, executionID)
	}
	return nil
}

// RequestCancel sets the cancel-requested flag and notifies any listening
// advancer in the same transaction, so the notification only fires when the
// flag is durable.
func (s *Store) RequestCancel(ctx context.Context, executionID string) error {
	if err := parseID(executionID); err != nil {
		return err
	}

	return s.executeInTransaction(ctx, "request_cancel", func(tx *Store) error {
		tag, err := tx.db.Exec(ctx,
			`UPDATE executions SET cancel_requested = TRUE, updated_at = now() WHERE id = $1`,
			executionID)
		if err != nil {
			return fmt.Errorf("failed to request cancel: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: execution %s", domain.ErrNotFound, executionID)
		}

		if _, err := tx.db.Exec(ctx, `SELECT pg_notify($1, $2)`, cancellationChannel, executionID); err != nil {
			return fmt.Errorf("failed to notify cancellation: %w", err)
		}
		return nil
	})
}

const attemptColumns = `id, execution_id, step_code, attempt_number, status,
	output, error_class, error_summary, started_at, completed_at, timeout_at, completion_order`

func scanAttempt(row pgx.Row) (*domain.StepAttempt, error) {
	var (
		a      domain.StepAttempt
		status string
		output []byte
		class  string
	)

	err := row.Scan(
		&a.ID, &a.ExecutionID, &a.StepCode, &a.AttemptNumber, &status,
		&output, &class, &a.ErrorSummary, &a.StartedAt, &a.CompletedAt,
		&a.TimeoutAt, &a.CompletionOrder,
	)
	if err != nil {
		return nil, err
	}

	if a.Status, err = domain.NewAttemptStatus(status); err != nil {
		return nil, err
	}
	a.ErrorClass = domain.ErrorClass(class)
	if a.Output, err = decodeObject(output); err != nil {
		return nil, err
	}

	return &a, nil
}

// BeginAttempt atomically records a new running attempt and, on the
// execution's first dispatch, flips it from pending to running. Returns
// false without error when another advancer won the dispatch race or the
// execution stopped being dispatchable.
func (s *Store) BeginAttempt(ctx context.Context, attempt *domain.StepAttempt) (bool, error) {
	err := s.executeInTransaction(ctx, "begin_attempt", func(tx *Store) error {
		tag, err := tx.db.Exec(ctx, `
			UPDATE executions
			SET status = 'running', started_at = COALESCE(started_at, $2),
				current_step = $3, updated_at = now()
			WHERE id = $1 AND status IN ('pending', 'running') AND NOT cancel_requested`,
			attempt.ExecutionID, attempt.StartedAt, attempt.StepCode,
		)
		if err != nil {
			return fmt.Errorf("failed to mark execution running: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errDispatchLost
		}

		_, err = tx.db.Exec(ctx, `
			INSERT INTO step_attempts (
				id, execution_id, step_code, attempt_number, status, started_at, timeout_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			attempt.ID, attempt.ExecutionID, attempt.StepCode, attempt.AttemptNumber,
			string(attempt.Status), attempt.StartedAt, attempt.TimeoutAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return errDispatchLost
			}
			return fmt.Errorf("failed to insert attempt: %w", err)
		}
		return nil
	})
	if errors.Is(err, errDispatchLost) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CompleteAttempt finalizes a running attempt. Ownership-checked: returns
// false when a sweeper or competing advancer already finalized it. On
// success the completion order sequence stamps the attempt.
func (s *Store) CompleteAttempt(ctx context.Context, attemptID string, result orchestration.AttemptResult) (bool, error) {
	output, err := encodeObject(result.Output)
	if err != nil {
		return false, err
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE step_attempts
		SET status = $2, output = $3, error_class = $4, error_summary = $5,
			completed_at = $6,
			completion_order = CASE WHEN $2 = 'succeeded'
				THEN nextval('step_completion_order_seq')
				ELSE completion_order END
		WHERE id = $1 AND status = 'running'`,
		attemptID, string(result.Status), output,
		string(result.ErrorClass), result.ErrorSummary, result.CompletedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete attempt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetAttemptCompensation flips a succeeded attempt to compensated or
// skipped once its compensation handler ran (or was absent).
func (s *Store) SetAttemptCompensation(ctx context.Context, attemptID string, status domain.AttemptStatus, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE step_attempts
		SET status = $2, completed_at = $3
		WHERE id = $1 AND status = 'succeeded'`,
		attemptID, string(status), at,
	)
	if err != nil {
		return fmt.Errorf("failed to set attempt compensation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: attempt %s is not compensable", domain.ErrConflict, attemptID)
	}
	return nil
}

// ListAttempts returns all attempts of an execution ordered by start time,
// attempt number breaking ties.
func (s *Store) ListAttempts(ctx context.Context, executionID string) ([]*domain.StepAttempt, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+attemptColumns+` FROM step_attempts
		WHERE execution_id = $1
		ORDER BY started_at, attempt_number`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*domain.StepAttempt
	for rows.Next() {
		att, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	return attempts, nil
}
