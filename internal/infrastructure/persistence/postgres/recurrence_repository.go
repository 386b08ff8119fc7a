package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/firmflow/engine/internal/application/recurrence"
	"github.com/firmflow/engine/internal/domain"
)

const ruleColumns = `id, tenant_id, code, target_kind, target_id,
	frequency, interval_count, anchor_kind, anchor_date, fiscal_year_start_month,
	starts_at, ends_at, timezone, status, recovery_mode, created_at, updated_at`

// scanRule converts one recurrence_rules row into a domain rule. Enum
// columns go through the domain constructors so a corrupted row surfaces as
// an error instead of an unexecutable rule.
func scanRule(row pgx.Row) (*domain.RecurrenceRule, error) {
	var (
		r          domain.RecurrenceRule
		frequency  string
		anchorKind string
		anchorDate time.Time
		status     string
		recovery   string
	)

	err := row.Scan(
		&r.ID, &r.TenantID, &r.Code, &r.Target.Kind, &r.Target.ID,
		&frequency, &r.Interval, &anchorKind, &anchorDate, &r.FiscalYearStartMonth,
		&r.StartsAt, &r.EndsAt, &r.Timezone, &status, &recovery,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if r.Frequency, err = domain.NewFrequency(frequency); err != nil {
		return nil, err
	}
	if r.AnchorKind, err = domain.NewAnchorKind(anchorKind); err != nil {
		return nil, err
	}
	if r.Status, err = domain.NewRuleStatus(status); err != nil {
		return nil, err
	}
	if r.RecoveryMode, err = domain.NewRecoveryMode(recovery); err != nil {
		return nil, err
	}
	r.AnchorDate = domain.CivilDate{
		Year:  anchorDate.Year(),
		Month: anchorDate.Month(),
		Day:   anchorDate.Day(),
	}

	return &r, nil
}

func civilDateArg(d domain.CivilDate) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// CreateRule persists a new rule. A duplicate (tenant_id, code) yields
// ErrConflict.
func (s *Store) CreateRule(ctx context.Context, rule *domain.RecurrenceRule) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO recurrence_rules (
			id, tenant_id, code, target_kind, target_id,
			frequency, interval_count, anchor_kind, anchor_date, fiscal_year_start_month,
			starts_at, ends_at, timezone, status, recovery_mode, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		rule.ID, rule.TenantID, rule.Code, rule.Target.Kind, rule.Target.ID,
		string(rule.Frequency), rule.Interval, string(rule.AnchorKind),
		civilDateArg(rule.AnchorDate), rule.FiscalYearStartMonth,
		rule.StartsAt, rule.EndsAt, rule.Timezone,
		string(rule.Status), string(rule.RecoveryMode),
		rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: rule code %q already exists for tenant %s",
				domain.ErrConflict, rule.Code, rule.TenantID)
		}
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

// GetRule retrieves a rule scoped to a tenant.
func (s *Store) GetRule(ctx context.Context, tenantID, ruleID string) (*domain.RecurrenceRule, error) {
	if err := parseID(ruleID); err != nil {
		return nil, err
	}

	rule, err := scanRule(s.db.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM recurrence_rules WHERE tenant_id = $1 AND id = $2`,
		tenantID, ruleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: rule %s", domain.ErrNotFound, ruleID)
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// ListRules retrieves rules matching the filter, ordered by creation.
func (s *Store) ListRules(ctx context.Context, filter recurrence.RuleFilter) ([]*domain.RecurrenceRule, error) {
	var (
		conds []string
		args  []any
	)
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		conds = append(conds, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if filter.RuleID != "" {
		if err := parseID(filter.RuleID); err != nil {
			return nil, err
		}
		args = append(args, filter.RuleID)
		conds = append(conds, fmt.Sprintf("id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + ruleColumns + ` FROM recurrence_rules`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*domain.RecurrenceRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

// UpdateRule applies a masked partial update inside a transaction and
// returns the updated rule.
func (s *Store) UpdateRule(ctx context.Context, tenantID, ruleID string, update domain.UpdateRuleParams) (*domain.RecurrenceRule, error) {
	if err := parseID(ruleID); err != nil {
		return nil, err
	}

	var updated *domain.RecurrenceRule
	err := s.executeInTransaction(ctx, "update_rule", func(tx *Store) error {
		rule, err := scanRule(tx.db.QueryRow(ctx,
			`SELECT `+ruleColumns+` FROM recurrence_rules WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
			tenantID, ruleID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: rule %s", domain.ErrNotFound, ruleID)
			}
			return fmt.Errorf("failed to load rule for update: %w", err)
		}

		if err := update.ApplyTo(rule); err != nil {
			return err
		}
		rule.UpdatedAt = time.Now().UTC()

		_, err = tx.db.Exec(ctx, `
			UPDATE recurrence_rules
			SET ends_at = $3, timezone = $4, recovery_mode = $5, updated_at = $6
			WHERE tenant_id = $1 AND id = $2`,
			tenantID, ruleID,
			rule.EndsAt, rule.Timezone, string(rule.RecoveryMode), rule.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update rule: %w", err)
		}

		updated = rule
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetRuleStatus transitions the rule's lifecycle status.
func (s *Store) SetRuleStatus(ctx context.Context, tenantID, ruleID string, status domain.RuleStatus) (*domain.RecurrenceRule, error) {
	if err := parseID(ruleID); err != nil {
		return nil, err
	}

	rule, err := scanRule(s.db.QueryRow(ctx, `
		UPDATE recurrence_rules
		SET status = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+ruleColumns,
		tenantID, ruleID, string(status)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: rule %s", domain.ErrNotFound, ruleID)
		}
		return nil, fmt.Errorf("failed to set rule status: %w", err)
	}
	return rule, nil
}

// HasGenerations reports whether the rule has produced any ledger rows.
func (s *Store) HasGenerations(ctx context.Context, ruleID string) (bool, error) {
	if err := parseID(ruleID); err != nil {
		return false, err
	}

	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM recurrence_generations WHERE rule_id = $1)`,
		ruleID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check generations: %w", err)
	}
	return exists, nil
}

// DeleteRule removes a rule and its unfulfilled claims. It refuses with
// ErrConflict while fulfilled generations exist: those rows back real
// produced objects and deleting them would reopen every period to
// duplication.
func (s *Store) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	if err := parseID(ruleID); err != nil {
		return err
	}

	return s.executeInTransaction(ctx, "delete_rule", func(tx *Store) error {
		var fulfilled bool
		err := tx.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM recurrence_generations WHERE rule_id = $1 AND generated_at IS NOT NULL)`,
			ruleID).Scan(&fulfilled)
		if err != nil {
			return fmt.Errorf("failed to check generations: %w", err)
		}
		if fulfilled {
			return fmt.Errorf("%w: rule %s has materialized generations", domain.ErrConflict, ruleID)
		}

		tag, err := tx.db.Exec(ctx,
			`DELETE FROM recurrence_rules WHERE tenant_id = $1 AND id = $2`,
			tenantID, ruleID)
		if err != nil {
			return fmt.Errorf("failed to delete rule: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: rule %s", domain.ErrNotFound, ruleID)
		}
		return nil
	})
}

const generationColumns = `rule_id, tenant_id, period_start, period_end, period_label,
	produced_kind, produced_id, claimed_at, generated_at`

func scanGeneration(row pgx.Row) (*domain.GenerationRecord, error) {
	var g domain.GenerationRecord
	err := row.Scan(
		&g.RuleID, &g.TenantID, &g.PeriodStart, &g.PeriodEnd, &g.PeriodLabel,
		&g.ProducedKind, &g.ProducedID, &g.ClaimedAt, &g.GeneratedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ClaimPeriod inserts a ledger row for (rule, period start) if none exists.
// The primary key makes exactly one concurrent claimant win; losers get the
// existing record back.
func (s *Store) ClaimPeriod(ctx context.Context, record *domain.GenerationRecord) (*domain.ClaimOutcome, error) {
	claimedAt := record.ClaimedAt
	if claimedAt.IsZero() {
		claimedAt = time.Now().UTC()
	}

	// A released claim can vanish between the losing insert and the read
	// of the existing row; retry the pair a few times before giving up.
	for attempt := 0; attempt < 3; attempt++ {
		tag, err := s.db.Exec(ctx, `
			INSERT INTO recurrence_generations (
				rule_id, tenant_id, period_start, period_end, period_label, claimed_at
			) VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (rule_id, period_start) DO NOTHING`,
			record.RuleID, record.TenantID, record.PeriodStart, record.PeriodEnd,
			record.PeriodLabel, claimedAt,
		)
		if err != nil {
			if isForeignKeyViolation(err) {
				return nil, fmt.Errorf("%w: rule %s", domain.ErrNotFound, record.RuleID)
			}
			return nil, fmt.Errorf("failed to claim period: %w", err)
		}
		if tag.RowsAffected() == 1 {
			record.ClaimedAt = claimedAt
			return &domain.ClaimOutcome{Won: true}, nil
		}

		existing, err := scanGeneration(s.db.QueryRow(ctx,
			`SELECT `+generationColumns+` FROM recurrence_generations WHERE rule_id = $1 AND period_start = $2`,
			record.RuleID, record.PeriodStart))
		if err == nil {
			return &domain.ClaimOutcome{Won: false, Existing: existing}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to read existing claim: %w", err)
		}
	}

	return nil, fmt.Errorf("%w: claim for rule %s period %s kept vanishing",
		domain.ErrInternal, record.RuleID, record.PeriodStart.Format(time.RFC3339))
}

// FulfillPeriod records the produced target reference on a claimed row.
func (s *Store) FulfillPeriod(ctx context.Context, ruleID string, periodStart time.Time, producedKind, producedID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE recurrence_generations
		SET produced_kind = $3, produced_id = $4, generated_at = now()
		WHERE rule_id = $1 AND period_start = $2`,
		ruleID, periodStart, producedKind, producedID,
	)
	if err != nil {
		return fmt.Errorf("failed to fulfill period: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: claim for rule %s period %s",
			domain.ErrNotFound, ruleID, periodStart.Format(time.RFC3339))
	}
	return nil
}

// ReleasePeriod deletes an unfulfilled claim so a later run can retry.
// Fulfilled rows are never released; releasing a missing claim is a no-op.
func (s *Store) ReleasePeriod(ctx context.Context, ruleID string, periodStart time.Time) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM recurrence_generations
		WHERE rule_id = $1 AND period_start = $2 AND generated_at IS NULL`,
		ruleID, periodStart,
	)
	if err != nil {
		return fmt.Errorf("failed to release period: %w", err)
	}
	return nil
}

// ListGenerations retrieves a rule's ledger rows ordered by period start.
func (s *Store) ListGenerations(ctx context.Context, tenantID, ruleID string) ([]*domain.GenerationRecord, error) {
	if err := parseID(ruleID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+generationColumns+` FROM recurrence_generations
		WHERE tenant_id = $1 AND rule_id = $2
		ORDER BY period_start`,
		tenantID, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	defer rows.Close()

	var records []*domain.GenerationRecord
	for rows.Next() {
		rec, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan generation: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	return records, nil
}
