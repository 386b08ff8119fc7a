package recurrence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/firmflow/engine/internal/domain"
	"github.com/firmflow/engine/internal/schedule"
)

// Service owns the recurrence rule lifecycle: creation, masked updates, and
// status transitions. Generation itself is the Generator's job.
type Service struct {
	repo  Repository
	clock schedule.Clock

	// defaultTimezone only tags zone-resolution error messages so operators
	// can see what the engine would have liked. It never substitutes for a
	// rule's own zone.
	defaultTimezone string
}

// ServiceOption is a functional option for configuring Service.
type ServiceOption func(*Service)

// WithServiceClock sets the time source. Defaults to the system clock.
func WithServiceClock(c schedule.Clock) ServiceOption {
	return func(s *Service) {
		s.clock = c
	}
}

// WithDefaultTimezone sets the zone name used to annotate zone-resolution
// errors, typically from ENGINE_DEFAULT_TIMEZONE.
func WithDefaultTimezone(tz string) ServiceOption {
	return func(s *Service) {
		s.defaultTimezone = tz
	}
}

// NewService creates a rule service with the given repository and options.
func NewService(repo Repository, opts ...ServiceOption) *Service {
	s := &Service{
		repo:  repo,
		clock: schedule.SystemClock{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// CreateRule validates and persists a new rule, assigning its ID, defaults,
// and timestamps in place.
func (s *Service) CreateRule(ctx context.Context, rule *domain.RecurrenceRule) error {
	if rule.Status == "" {
		rule.Status = domain.RuleStatusActive
	}
	if rule.RecoveryMode == "" {
		rule.RecoveryMode = domain.RecoveryReleaseReclaim
	}
	if rule.Interval == 0 {
		rule.Interval = 1
	}

	if err := rule.Validate(); err != nil {
		return err
	}
	if err := s.resolveZone(rule.Timezone); err != nil {
		return err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate rule ID: %w", err)
	}
	rule.ID = id.String()

	now := s.clock.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := s.repo.CreateRule(ctx, rule); err != nil {
		return err
	}

	slog.InfoContext(ctx, "rule created",
		"rule_id", rule.ID,
		"tenant_id", rule.TenantID,
		"frequency", rule.Frequency,
		"timezone", rule.Timezone)
	return nil
}

// GetRule retrieves a rule scoped to a tenant.
func (s *Service) GetRule(ctx context.Context, tenantID, ruleID string) (*domain.RecurrenceRule, error) {
	return s.repo.GetRule(ctx, tenantID, ruleID)
}

// ListRules retrieves rules matching the filter.
func (s *Service) ListRules(ctx context.Context, filter RuleFilter) ([]*domain.RecurrenceRule, error) {
	return s.repo.ListRules(ctx, filter)
}

// ListGenerations retrieves a rule's ledger rows ordered by period start.
func (s *Service) ListGenerations(ctx context.Context, tenantID, ruleID string) ([]*domain.GenerationRecord, error) {
	if _, err := s.repo.GetRule(ctx, tenantID, ruleID); err != nil {
		return nil, err
	}
	return s.repo.ListGenerations(ctx, tenantID, ruleID)
}

// UpdateRule applies a masked partial update. Timezone becomes immutable
// once the rule has materialized anything: changing it would silently
// re-key every future period against the ledger's history.
func (s *Service) UpdateRule(ctx context.Context, tenantID, ruleID string, update domain.UpdateRuleParams) (*domain.RecurrenceRule, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}

	if update.Has("timezone") {
		if err := s.resolveZone(*update.Timezone); err != nil {
			return nil, err
		}
		generated, err := s.repo.HasGenerations(ctx, ruleID)
		if err != nil {
			return nil, fmt.Errorf("failed to check rule generations: %w", err)
		}
		if generated {
			return nil, fmt.Errorf("%w: timezone is immutable after first materialization", domain.ErrConflict)
		}
	}

	rule, err := s.repo.UpdateRule(ctx, tenantID, ruleID, update)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "rule updated", "rule_id", ruleID, "fields", update.UpdateMask)
	return rule, nil
}

// PauseRule stops generation for the rule until it is resumed.
func (s *Service) PauseRule(ctx context.Context, tenantID, ruleID string) (*domain.RecurrenceRule, error) {
	return s.transition(ctx, tenantID, ruleID, domain.RuleStatusPaused)
}

// ResumeRule reactivates a paused rule.
func (s *Service) ResumeRule(ctx context.Context, tenantID, ruleID string) (*domain.RecurrenceRule, error) {
	return s.transition(ctx, tenantID, ruleID, domain.RuleStatusActive)
}

// CancelRule permanently stops the rule. The ledger is retained; future
// claims are refused. Canceling twice is a no-op.
func (s *Service) CancelRule(ctx context.Context, tenantID, ruleID string) (*domain.RecurrenceRule, error) {
	return s.transition(ctx, tenantID, ruleID, domain.RuleStatusCanceled)
}

func (s *Service) transition(ctx context.Context, tenantID, ruleID string, to domain.RuleStatus) (*domain.RecurrenceRule, error) {
	rule, err := s.repo.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		return nil, err
	}

	if rule.Status == to {
		return rule, nil // Already there
	}
	// Canceled is terminal.
	if rule.Status == domain.RuleStatusCanceled {
		return nil, fmt.Errorf("%w: rule %s is canceled", domain.ErrConflict, ruleID)
	}

	updated, err := s.repo.SetRuleStatus(ctx, tenantID, ruleID, to)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "rule status changed", "rule_id", ruleID, "from", rule.Status, "to", to)
	return updated, nil
}

func (s *Service) resolveZone(name string) error {
	if _, err := schedule.LoadZone(name); err != nil {
		if s.defaultTimezone != "" {
			return fmt.Errorf("%w (engine default timezone is %q; rules must carry their own zone)", err, s.defaultTimezone)
		}
		return err
	}
	return nil
}
