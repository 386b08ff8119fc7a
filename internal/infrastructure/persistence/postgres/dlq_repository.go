package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/firmflow/engine/internal/application/orchestration"
	"github.com/firmflow/engine/internal/domain"
)

const dlqColumns = `id, tenant_id, execution_id, step_code, reason,
	error_class, error_summary, metadata, created_at,
	reprocessed_at, reprocessed_by, reprocess_outcome`

func scanDLQEntry(row pgx.Row) (*domain.DLQEntry, error) {
	var (
		e        domain.DLQEntry
		reason   string
		class    string
		metadata []byte
	)

	err := row.Scan(
		&e.ID, &e.TenantID, &e.ExecutionID, &e.StepCode, &reason,
		&class, &e.ErrorSummary, &metadata, &e.CreatedAt,
		&e.ReprocessedAt, &e.ReprocessedBy, &e.ReprocessOutcome,
	)
	if err != nil {
		return nil, err
	}

	if e.Reason, err = domain.NewDLQReason(reason); err != nil {
		return nil, err
	}
	e.ErrorClass = domain.ErrorClass(class)
	if e.Metadata, err = decodeObject(metadata); err != nil {
		return nil, err
	}

	return &e, nil
}

// InsertDLQEntry records a dead-lettered execution. The unique constraint on
// execution_id keeps the queue at one entry per execution.
func (s *Store) InsertDLQEntry(ctx context.Context, entry *domain.DLQEntry) error {
	metadata, err := encodeObject(entry.Metadata)
	if err != nil {
		return err
	}
	if metadata == nil {
		metadata = []byte("{}")
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO dlq_entries (
			id, tenant_id, execution_id, step_code, reason,
			error_class, error_summary, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.TenantID, entry.ExecutionID, entry.StepCode, string(entry.Reason),
		string(entry.ErrorClass), entry.ErrorSummary, metadata, entry.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: execution %s already dead-lettered", domain.ErrConflict, entry.ExecutionID)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: execution %s", domain.ErrNotFound, entry.ExecutionID)
		}
		return fmt.Errorf("failed to insert dlq entry: %w", err)
	}
	return nil
}

// GetDLQEntry loads one entry scoped to a tenant.
func (s *Store) GetDLQEntry(ctx context.Context, tenantID, entryID string) (*domain.DLQEntry, error) {
	if err := parseID(entryID); err != nil {
		return nil, err
	}

	entry, err := scanDLQEntry(s.db.QueryRow(ctx,
		`SELECT `+dlqColumns+` FROM dlq_entries WHERE tenant_id = $1 AND id = $2`,
		tenantID, entryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: dlq entry %s", domain.ErrNotFound, entryID)
		}
		return nil, fmt.Errorf("failed to get dlq entry: %w", err)
	}
	return entry, nil
}

// ListDLQEntries returns entries matching the filter, newest first. Unless
// IncludeReprocessed is set, only entries still awaiting review are listed.
func (s *Store) ListDLQEntries(ctx context.Context, filter orchestration.DLQFilter) ([]*domain.DLQEntry, error) {
	var (
		conds []string
		args  []any
	)
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		conds = append(conds, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if filter.Reason != "" {
		args = append(args, string(filter.Reason))
		conds = append(conds, fmt.Sprintf("reason = $%d", len(args)))
	}
	if !filter.IncludeReprocessed {
		conds = append(conds, "reprocessed_at IS NULL")
	}

	query := `SELECT ` + dlqColumns + ` FROM dlq_entries`
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
		return nil, fmt.Errorf("failed to list dlq entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.DLQEntry
	for rows.Next() {
		entry, err := scanDLQEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dlq entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list dlq entries: %w", err)
	}
	return entries, nil
}

// MarkDLQReprocessed stamps review metadata on an entry exactly once. A
// second review of the same entry returns ErrConflict.
func (s *Store) MarkDLQReprocessed(ctx context.Context, tenantID, entryID string, review orchestration.DLQReview) (*domain.DLQEntry, error) {
	if err := parseID(entryID); err != nil {
		return nil, err
	}

	entry, err := scanDLQEntry(s.db.QueryRow(ctx, `
		UPDATE dlq_entries
		SET reprocessed_at = $3, reprocessed_by = $4, reprocess_outcome = $5
		WHERE tenant_id = $1 AND id = $2 AND reprocessed_at IS NULL
		RETURNING `+dlqColumns,
		tenantID, entryID, review.At, review.By, review.Outcome,
	))
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to mark dlq entry reprocessed: %w", err)
	}

	// Distinguish a missing entry from one already reviewed.
	var exists bool
	err = s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM dlq_entries WHERE tenant_id = $1 AND id = $2)`,
		tenantID, entryID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check dlq entry: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: dlq entry %s already reprocessed", domain.ErrConflict, entryID)
	}
	return nil, fmt.Errorf("%w: dlq entry %s", domain.ErrNotFound, entryID)
}
