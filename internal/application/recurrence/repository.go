package recurrence

import (
	"context"
	"time"

	"github.com/firmflow/engine/internal/domain"
)

// Repository defines storage operations for recurrence rules and the
// generation ledger.
type Repository interface {
	// === Rule Operations ===

	// CreateRule persists a new rule. The caller assigns the ID and
	// timestamps. A duplicate (tenant_id, code) yields ErrConflict.
	CreateRule(ctx context.Context, rule *domain.RecurrenceRule) error

	// GetRule retrieves a rule scoped to a tenant.
	// Returns ErrNotFound if no such rule exists for the tenant.
	GetRule(ctx context.Context, tenantID, ruleID string) (*domain.RecurrenceRule, error)

	// ListRules retrieves rules matching the filter, ordered by creation.
	ListRules(ctx context.Context, filter RuleFilter) ([]*domain.RecurrenceRule, error)

	// UpdateRule applies a masked partial update and returns the updated
	// rule. Returns ErrNotFound if no such rule exists for the tenant.
	UpdateRule(ctx context.Context, tenantID, ruleID string, update domain.UpdateRuleParams) (*domain.RecurrenceRule, error)

	// SetRuleStatus transitions the rule's lifecycle status and returns the
	// updated rule.
	SetRuleStatus(ctx context.Context, tenantID, ruleID string, status domain.RuleStatus) (*domain.RecurrenceRule, error)

	// HasGenerations reports whether the rule has produced any ledger rows.
	// Gates updates to fields that are immutable after first
	// materialization.
	HasGenerations(ctx context.Context, ruleID string) (bool, error)

	// === Ledger Operations ===

	// ClaimPeriod inserts a ledger row for (record.RuleID,
	// record.PeriodStart) if none exists. Exactly one concurrent claimant
	// wins; losers receive the existing record in the outcome.
	ClaimPeriod(ctx context.Context, record *domain.GenerationRecord) (*domain.ClaimOutcome, error)

	// FulfillPeriod records the produced target reference on a claimed row.
	// Returns ErrNotFound if the claim has been released in the meantime.
	FulfillPeriod(ctx context.Context, ruleID string, periodStart time.Time, producedKind, producedID string) error

	// ReleasePeriod deletes an unfulfilled claim so a later run can retry.
	// Fulfilled rows are never released.
	ReleasePeriod(ctx context.Context, ruleID string, periodStart time.Time) error

	// ListGenerations retrieves a rule's ledger rows ordered by period
	// start.
	ListGenerations(ctx context.Context, tenantID, ruleID string) ([]*domain.GenerationRecord, error)
}

// RuleFilter narrows ListRules. Zero-valued fields are ignored.
type RuleFilter struct {
	TenantID string
	RuleID   string
	Status   domain.RuleStatus
}
