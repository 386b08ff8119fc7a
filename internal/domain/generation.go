package domain

import (
	"sort"
	"time"
)

// GenerationRecord is a dedupe ledger entry: one row per (rule, period
// start), the single source of truth for "already produced".
//
// A record without a produced reference is an in-flight claim. Fulfill sets
// the reference after the target factory commits; Release deletes the row so
// a later tick can retry.
type GenerationRecord struct {
	RuleID   string
	TenantID string

	// Period boundaries in UTC, end exclusive.
	PeriodStart time.Time
	PeriodEnd   time.Time
	PeriodLabel string

	// Result of the target factory. Empty until fulfilled.
	ProducedKind string
	ProducedID   string

	ClaimedAt   time.Time
	GeneratedAt *time.Time
}

// Fulfilled reports whether the target factory has committed for this row.
func (g *GenerationRecord) Fulfilled() bool {
	return g.ProducedKind != "" && g.ProducedID != ""
}

// ClaimOutcome is the result of a ledger claim. Exactly one concurrent
// claimant wins a given (rule, period start); losers receive the existing
// record, which may still be an unfulfilled in-flight claim.
type ClaimOutcome struct {
	Won      bool
	Existing *GenerationRecord // set when Won is false
}

// RuleCounts are the per-rule results of a generation pass.
type RuleCounts struct {
	Examined           int
	SkippedAlreadyDone int
	Produced           int
	Failed             int
}

// GenerateReport aggregates per-rule counts for a Tick or Backfill run.
type GenerateReport struct {
	Rules map[string]*RuleCounts
}

// NewGenerateReport creates an empty report.
func NewGenerateReport() *GenerateReport {
	return &GenerateReport{Rules: make(map[string]*RuleCounts)}
}

// Counts returns the mutable counters for a rule, creating them on first
// use.
func (r *GenerateReport) Counts(ruleID string) *RuleCounts {
	c, ok := r.Rules[ruleID]
	if !ok {
		c = &RuleCounts{}
		r.Rules[ruleID] = c
	}
	return c
}

// Totals sums counts across all rules.
func (r *GenerateReport) Totals() RuleCounts {
	var total RuleCounts
	for _, c := range r.Rules {
		total.Examined += c.Examined
		total.SkippedAlreadyDone += c.SkippedAlreadyDone
		total.Produced += c.Produced
		total.Failed += c.Failed
	}
	return total
}

// RuleIDs returns the rule ids in the report in a stable order.
func (r *GenerateReport) RuleIDs() []string {
	ids := make([]string, 0, len(r.Rules))
	for id := range r.Rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
