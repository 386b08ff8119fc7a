package domain

import (
	"fmt"
	"strings"
	"time"
)

// Frequency is the cadence of a recurrence rule.
type Frequency string

const (
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
)

// NewFrequency validates and creates a Frequency.
func NewFrequency(s string) (Frequency, error) {
	freq := Frequency(strings.ToLower(s))

	switch freq {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly,
		FrequencyQuarterly, FrequencyYearly:
		return freq, nil
	default:
		return "", fmt.Errorf("%w: unknown frequency %q", ErrBadRule, s)
	}
}

// AnchorKind determines how a rule's anchor date maps to period boundaries.
type AnchorKind string

const (
	AnchorCalendar AnchorKind = "calendar"
	AnchorFiscal   AnchorKind = "fiscal"

	// AnchorCustom exists in stored histories but is not executable; rules
	// carrying it are rejected at creation.
	AnchorCustom AnchorKind = "custom"
)

// NewAnchorKind validates and creates an AnchorKind.
func NewAnchorKind(s string) (AnchorKind, error) {
	kind := AnchorKind(strings.ToLower(s))

	switch kind {
	case AnchorCalendar, AnchorFiscal, AnchorCustom:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unknown anchor kind %q", ErrBadRule, s)
	}
}

// RuleStatus is the lifecycle state of a recurrence rule. Only active rules
// generate.
type RuleStatus string

const (
	RuleStatusActive   RuleStatus = "active"
	RuleStatusPaused   RuleStatus = "paused"
	RuleStatusCanceled RuleStatus = "canceled"
)

// NewRuleStatus validates and creates a RuleStatus.
func NewRuleStatus(s string) (RuleStatus, error) {
	status := RuleStatus(strings.ToLower(s))

	switch status {
	case RuleStatusActive, RuleStatusPaused, RuleStatusCanceled:
		return status, nil
	default:
		return "", fmt.Errorf("%w: unknown rule status %q", ErrBadRule, s)
	}
}

// RecoveryMode selects how the generator treats a claim left unfulfilled by
// a crashed run.
type RecoveryMode string

const (
	// RecoveryReleaseReclaim releases the stale claim and claims it again
	// before re-running the factory. The default.
	RecoveryReleaseReclaim RecoveryMode = "release_reclaim"

	// RecoveryRerunFactory re-runs the factory against the existing claim
	// row. Requires the factory itself to be idempotent keyed by
	// (rule, period start).
	RecoveryRerunFactory RecoveryMode = "rerun_factory"
)

// NewRecoveryMode validates and creates a RecoveryMode.
func NewRecoveryMode(s string) (RecoveryMode, error) {
	mode := RecoveryMode(strings.ToLower(s))

	switch mode {
	case RecoveryReleaseReclaim, RecoveryRerunFactory:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: unknown recovery mode %q", ErrBadRule, s)
	}
}

// TargetRef is the opaque tagged reference a rule materializes into. The
// engine passes it untouched to the target factory registered for Kind.
type TargetRef struct {
	Kind string
	ID   string
}

// CivilDate is a calendar date with no time or zone attached. Rule anchors
// are civil dates interpreted in the rule's timezone.
type CivilDate struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseCivilDate parses a YYYY-MM-DD date.
func ParseCivilDate(s string) (CivilDate, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return CivilDate{}, fmt.Errorf("%w: anchor date %q is not YYYY-MM-DD", ErrBadRule, s)
	}
	return CivilDate{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// String renders the date as YYYY-MM-DD.
func (d CivilDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// IsZero reports whether the date is unset.
func (d CivilDate) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// RecurrenceRule is an aggregate root describing a deterministic period
// schedule and the target objects it materializes.
//
// Timezone and anchor kind are immutable once the rule has produced a ledger
// entry; cadence changes require a new rule. The generator tolerates both
// histories because every period is derived from the stored anchor alone.
type RecurrenceRule struct {
	ID       string
	TenantID string

	// Code is an optional stable handle, unique per tenant when set.
	Code string

	// Target is handed to the factory registered for Target.Kind.
	Target TargetRef

	// Cadence.
	Frequency Frequency
	Interval  int // every N periods, >= 1

	// Anchor.
	AnchorKind           AnchorKind
	AnchorDate           CivilDate
	FiscalYearStartMonth int // 1..12, required when AnchorKind is fiscal

	// Window. EndsAt nil means open-ended.
	StartsAt time.Time
	EndsAt   *time.Time

	// Timezone is the IANA zone all civil arithmetic happens in. Required.
	Timezone string

	Status       RuleStatus
	RecoveryMode RecoveryMode

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the structural invariants of the rule. Zone resolution
// against the timezone database happens in the service layer so the error
// can be tagged with the engine's default zone.
func (r *RecurrenceRule) Validate() error {
	if r.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrBadRule)
	}
	if r.Target.Kind == "" {
		return fmt.Errorf("%w: target kind is required", ErrBadRule)
	}
	if _, err := NewFrequency(string(r.Frequency)); err != nil {
		return err
	}
	if r.Interval < 1 {
		return fmt.Errorf("%w: interval must be at least 1, got %d", ErrBadRule, r.Interval)
	}
	switch r.AnchorKind {
	case AnchorCalendar:
	case AnchorFiscal:
		if r.Frequency != FrequencyQuarterly {
			return fmt.Errorf("%w: fiscal anchors require quarterly frequency", ErrBadRule)
		}
		if r.FiscalYearStartMonth < 1 || r.FiscalYearStartMonth > 12 {
			return fmt.Errorf("%w: fiscal_year_start_month must be 1..12, got %d", ErrBadRule, r.FiscalYearStartMonth)
		}
	case AnchorCustom:
		return fmt.Errorf("%w: custom anchors are not executable", ErrBadRule)
	default:
		return fmt.Errorf("%w: unknown anchor kind %q", ErrBadRule, r.AnchorKind)
	}
	if r.AnchorDate.IsZero() {
		return fmt.Errorf("%w: anchor date is required", ErrBadRule)
	}
	if r.Timezone == "" {
		return fmt.Errorf("%w: timezone is required", ErrBadRule)
	}
	if r.StartsAt.IsZero() {
		return fmt.Errorf("%w: starts_at is required", ErrBadRule)
	}
	if r.EndsAt != nil && !r.EndsAt.After(r.StartsAt) {
		return fmt.Errorf("%w: ends_at must be after starts_at", ErrBadRule)
	}
	return nil
}
