package domain

import (
	"fmt"
	"time"
)

// Valid fields for UpdateRuleParams. Frequency, interval and anchor are
// immutable after creation: changing them would re-key every period in the
// generation ledger.
var updateRuleValidFields = map[string]struct{}{
	"ends_at":       {},
	"timezone":      {},
	"recovery_mode": {},
}

// UpdateRuleParams carries a partial update to a recurrence rule. Only
// fields named in UpdateMask are applied; a nil EndsAt with "ends_at" in
// the mask clears the end date.
type UpdateRuleParams struct {
	UpdateMask []string

	EndsAt       *time.Time
	Timezone     *string
	RecoveryMode *RecoveryMode
}

// Validate checks that UpdateMask contains only known fields and that
// required fields have non-nil values when included in the mask.
func (p UpdateRuleParams) Validate() error {
	if len(p.UpdateMask) == 0 {
		return fmt.Errorf("%w: update mask is empty", ErrBadRule)
	}

	maskSet := make(map[string]bool, len(p.UpdateMask))

	for _, field := range p.UpdateMask {
		if _, ok := updateRuleValidFields[field]; !ok {
			return fmt.Errorf("%w: unknown update field %q", ErrBadRule, field)
		}
		maskSet[field] = true
	}

	if maskSet["timezone"] {
		if p.Timezone == nil || *p.Timezone == "" {
			return fmt.Errorf("%w: timezone cannot be cleared", ErrBadRule)
		}
	}
	if maskSet["recovery_mode"] && p.RecoveryMode == nil {
		return fmt.Errorf("%w: recovery_mode cannot be cleared", ErrBadRule)
	}

	return nil
}

// Has reports whether the given field is named in the update mask.
func (p UpdateRuleParams) Has(field string) bool {
	for _, f := range p.UpdateMask {
		if f == field {
			return true
		}
	}
	return false
}

// ApplyTo mutates rule in place with the masked fields and re-validates the
// result. The caller owns persistence and the updated_at stamp.
func (p UpdateRuleParams) ApplyTo(rule *RecurrenceRule) error {
	if err := p.Validate(); err != nil {
		return err
	}

	if p.Has("ends_at") {
		rule.EndsAt = p.EndsAt
	}
	if p.Has("timezone") {
		rule.Timezone = *p.Timezone
	}
	if p.Has("recovery_mode") {
		rule.RecoveryMode = *p.RecoveryMode
	}

	return rule.Validate()
}
