package recurrence

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/firmflow/engine/internal/domain"
	"github.com/firmflow/engine/internal/schedule"
)

func newRuleDraft() *domain.RecurrenceRule {
	return &domain.RecurrenceRule{
		TenantID:   "tenant-1",
		Target:     domain.TargetRef{Kind: "invoice", ID: "tpl-7"},
		Frequency:  domain.FrequencyMonthly,
		AnchorKind: domain.AnchorCalendar,
		AnchorDate: domain.CivilDate{Year: 2026, Month: time.January, Day: 15},
		StartsAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Timezone:   "Europe/Amsterdam",
	}
}

// TestCreateRuleDefaults tests defaulting and stamping on creation
func TestCreateRuleDefaults(t *testing.T) {
	var stored *domain.RecurrenceRule
	repo := &mockRepository{
		createRuleFunc: func(_ context.Context, rule *domain.RecurrenceRule) error {
			stored = rule
			return nil
		},
	}

	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	svc := NewService(repo, WithServiceClock(schedule.FixedClock(now)))

	rule := newRuleDraft()
	if err := svc.CreateRule(context.Background(), rule); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stored == nil {
		t.Fatal("rule was not persisted")
	}
	if _, err := uuid.Parse(rule.ID); err != nil {
		t.Errorf("expected a generated uuid, got %q", rule.ID)
	}
	if rule.Status != domain.RuleStatusActive {
		t.Errorf("expected default status active, got %s", rule.Status)
	}
	if rule.RecoveryMode != domain.RecoveryReleaseReclaim {
		t.Errorf("expected default recovery mode release_reclaim, got %s", rule.RecoveryMode)
	}
	if rule.Interval != 1 {
		t.Errorf("expected default interval 1, got %d", rule.Interval)
	}
	if !rule.CreatedAt.Equal(now) || !rule.UpdatedAt.Equal(now) {
		t.Errorf("expected timestamps %v, got created %v updated %v", now, rule.CreatedAt, rule.UpdatedAt)
	}
}

// TestCreateRuleRejectsBadRules tests validation on the create path
func TestCreateRuleRejectsBadRules(t *testing.T) {
	svc := NewService(&mockRepository{})

	t.Run("custom anchor", func(t *testing.T) {
		rule := newRuleDraft()
		rule.AnchorKind = domain.AnchorCustom
		if err := svc.CreateRule(context.Background(), rule); !errors.Is(err, domain.ErrBadRule) {
			t.Errorf("expected ErrBadRule, got %v", err)
		}
	})

	t.Run("missing timezone", func(t *testing.T) {
		rule := newRuleDraft()
		rule.Timezone = ""
		if err := svc.CreateRule(context.Background(), rule); !errors.Is(err, domain.ErrBadRule) {
			t.Errorf("expected ErrBadRule, got %v", err)
		}
	})
}

// TestCreateRuleUnknownZoneMentionsEngineDefault tests the error tag; the
// engine default must never substitute for the rule's own zone
func TestCreateRuleUnknownZoneMentionsEngineDefault(t *testing.T) {
	created := false
	repo := &mockRepository{
		createRuleFunc: func(_ context.Context, _ *domain.RecurrenceRule) error {
			created = true
			return nil
		},
	}
	svc := NewService(repo, WithDefaultTimezone("Europe/Amsterdam"))

	rule := newRuleDraft()
	rule.Timezone = "Not/A_Zone"
	err := svc.CreateRule(context.Background(), rule)
	if !errors.Is(err, domain.ErrBadRule) {
		t.Fatalf("expected ErrBadRule, got %v", err)
	}
	if !strings.Contains(err.Error(), "Europe/Amsterdam") {
		t.Errorf("expected error to mention the engine default zone, got: %v", err)
	}
	if created {
		t.Error("rule with an unknown zone must not be persisted")
	}
}

// TestUpdateRuleTimezoneImmutability tests that timezone updates are refused
// once the rule has ledger rows
func TestUpdateRuleTimezoneImmutability(t *testing.T) {
	zone := "America/New_York"
	update := domain.UpdateRuleParams{
		UpdateMask: []string{"timezone"},
		Timezone:   &zone,
	}

	t.Run("after first materialization", func(t *testing.T) {
		repo := &mockRepository{
			hasGenerationsFunc: func(_ context.Context, _ string) (bool, error) {
				return true, nil
			},
		}
		svc := NewService(repo)
		_, err := svc.UpdateRule(context.Background(), "tenant-1", "rule-1", update)
		if !errors.Is(err, domain.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("before first materialization", func(t *testing.T) {
		updated := false
		repo := &mockRepository{
			hasGenerationsFunc: func(_ context.Context, _ string) (bool, error) {
				return false, nil
			},
			updateRuleFunc: func(_ context.Context, _, _ string, _ domain.UpdateRuleParams) (*domain.RecurrenceRule, error) {
				updated = true
				return activeDailyRule(), nil
			},
		}
		svc := NewService(repo)
		if _, err := svc.UpdateRule(context.Background(), "tenant-1", "rule-1", update); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !updated {
			t.Error("expected update to reach the repository")
		}
	})
}

// TestRuleStatusTransitions tests pause, resume, and cancel
func TestRuleStatusTransitions(t *testing.T) {
	newRepo := func(status domain.RuleStatus) (*mockRepository, *domain.RuleStatus) {
		rule := activeDailyRule()
		rule.Status = status
		var setTo domain.RuleStatus
		repo := &mockRepository{
			getRuleFunc: func(_ context.Context, _, _ string) (*domain.RecurrenceRule, error) {
				return rule, nil
			},
			setRuleStatusFunc: func(_ context.Context, _, _ string, to domain.RuleStatus) (*domain.RecurrenceRule, error) {
				setTo = to
				updated := *rule
				updated.Status = to
				return &updated, nil
			},
		}
		return repo, &setTo
	}

	t.Run("pause active rule", func(t *testing.T) {
		repo, setTo := newRepo(domain.RuleStatusActive)
		svc := NewService(repo)
		rule, err := svc.PauseRule(context.Background(), "tenant-1", "rule-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if *setTo != domain.RuleStatusPaused || rule.Status != domain.RuleStatusPaused {
			t.Errorf("expected paused, got %s", rule.Status)
		}
	})

	t.Run("resume paused rule", func(t *testing.T) {
		repo, _ := newRepo(domain.RuleStatusPaused)
		svc := NewService(repo)
		rule, err := svc.ResumeRule(context.Background(), "tenant-1", "rule-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rule.Status != domain.RuleStatusActive {
			t.Errorf("expected active, got %s", rule.Status)
		}
	})

	t.Run("pause canceled rule is refused", func(t *testing.T) {
		repo, _ := newRepo(domain.RuleStatusCanceled)
		svc := NewService(repo)
		if _, err := svc.PauseRule(context.Background(), "tenant-1", "rule-1"); !errors.Is(err, domain.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("cancel is idempotent", func(t *testing.T) {
		repo, setTo := newRepo(domain.RuleStatusCanceled)
		svc := NewService(repo)
		rule, err := svc.CancelRule(context.Background(), "tenant-1", "rule-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rule.Status != domain.RuleStatusCanceled {
			t.Errorf("expected canceled, got %s", rule.Status)
		}
		if *setTo != "" {
			t.Error("expected no status write for a rule already canceled")
		}
	})
}
