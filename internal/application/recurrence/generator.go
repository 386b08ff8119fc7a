package recurrence

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/firmflow/engine/internal/domain"
	"github.com/firmflow/engine/internal/schedule"
)

// Factory materializes one period of a rule into a downstream object and
// returns a reference to it. Factories are expected to commit atomically;
// on error the engine releases the claim so a later run retries.
type Factory func(ctx context.Context, rule *domain.RecurrenceRule, period schedule.Period) (producedKind, producedID string, err error)

// Generator drives the claim -> factory -> fulfill pipeline that turns rule
// periods into target objects exactly once.
type Generator struct {
	repo     Repository
	clock    schedule.Clock
	claimTTL time.Duration

	mu        sync.RWMutex
	factories map[string]Factory
}

// GeneratorOption is a functional option for configuring Generator.
type GeneratorOption func(*Generator)

// WithClock sets the time source. Defaults to the system clock.
func WithClock(c schedule.Clock) GeneratorOption {
	return func(g *Generator) {
		g.clock = c
	}
}

// WithClaimTTL sets how old an unfulfilled claim must be before it is
// treated as abandoned by a crashed run rather than in-flight.
func WithClaimTTL(d time.Duration) GeneratorOption {
	return func(g *Generator) {
		g.claimTTL = d
	}
}

// NewGenerator creates a Generator with the given repository and options.
func NewGenerator(repo Repository, opts ...GeneratorOption) *Generator {
	g := &Generator{
		repo:      repo,
		clock:     schedule.SystemClock{},
		claimTTL:  15 * time.Minute, // Default: claims older than this are stale
		factories: make(map[string]Factory),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// RegisterFactory binds a target factory to a target kind. Registering the
// same kind twice is a wiring bug and fails with ErrConflict.
func (g *Generator) RegisterFactory(kind string, fn Factory) error {
	if kind == "" || fn == nil {
		return fmt.Errorf("%w: factory kind and function are required", domain.ErrBadInput)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.factories[kind]; exists {
		return fmt.Errorf("%w: factory already registered for kind %q", domain.ErrConflict, kind)
	}
	g.factories[kind] = fn
	return nil
}

func (g *Generator) lookupFactory(kind string) (Factory, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn, ok := g.factories[kind]
	return fn, ok
}

// Tick runs one generation pass: for every active rule matching the filter,
// it enumerates periods starting within [now, now+horizon] and runs the
// pipeline for each. Per-rule and per-period failures are counted and
// logged, not returned; only infrastructure failures abort the pass.
func (g *Generator) Tick(ctx context.Context, filter RuleFilter, horizon time.Duration) (*domain.GenerateReport, error) {
	if horizon < 0 {
		return nil, fmt.Errorf("%w: horizon must not be negative", domain.ErrBadInput)
	}

	filter.Status = domain.RuleStatusActive
	rules, err := g.repo.ListRules(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules: %w", err)
	}

	now := g.clock.Now()
	report := domain.NewGenerateReport()

	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		periods, err := schedule.PeriodsBetween(rule, now, now.Add(horizon))
		if err != nil {
			slog.ErrorContext(ctx, "period enumeration failed", "rule_id", rule.ID, "error", err)
			report.Counts(rule.ID).Failed++
			continue
		}
		g.generatePeriods(ctx, rule, periods, report)
	}

	totals := report.Totals()
	slog.InfoContext(ctx, "tick completed",
		"rules", len(rules),
		"examined", totals.Examined,
		"produced", totals.Produced,
		"skipped", totals.SkippedAlreadyDone,
		"failed", totals.Failed)
	return report, nil
}

// Backfill materializes every period of one rule from its first occurrence
// up to min(until, now). Periods already in the ledger are skipped, so the
// operation is idempotent and safe to re-run after a partial failure.
func (g *Generator) Backfill(ctx context.Context, tenantID, ruleID string, until time.Time) (*domain.GenerateReport, error) {
	rule, err := g.repo.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.Status != domain.RuleStatusActive {
		return nil, fmt.Errorf("%w: rule %s is %s, only active rules generate", domain.ErrConflict, ruleID, rule.Status)
	}

	now := g.clock.Now()
	if until.IsZero() || until.After(now) {
		until = now
	}

	periods, err := schedule.PeriodsFromAnchor(rule, until)
	if err != nil {
		return nil, err
	}

	report := domain.NewGenerateReport()
	g.generatePeriods(ctx, rule, periods, report)

	counts := report.Counts(rule.ID)
	slog.InfoContext(ctx, "backfill completed",
		"rule_id", rule.ID,
		"until", until,
		"examined", counts.Examined,
		"produced", counts.Produced,
		"skipped", counts.SkippedAlreadyDone,
		"failed", counts.Failed)
	return report, ctx.Err()
}

func (g *Generator) generatePeriods(ctx context.Context, rule *domain.RecurrenceRule, periods []schedule.Period, report *domain.GenerateReport) {
	counts := report.Counts(rule.ID)

	for _, period := range periods {
		// Stop between periods on shutdown; claimed-but-unfulfilled work is
		// recovered by a later run via the claim TTL.
		if ctx.Err() != nil {
			return
		}
		counts.Examined++
		g.generateOne(ctx, rule, period, counts)
	}
}

// generateOne runs the pipeline for a single period: claim the ledger row,
// invoke the factory, fulfill on success or release on failure. Losing the
// claim means another run owns or owned the period; stale unfulfilled
// claims are recovered according to the rule's recovery mode.
func (g *Generator) generateOne(ctx context.Context, rule *domain.RecurrenceRule, period schedule.Period, counts *domain.RuleCounts) {
	record := &domain.GenerationRecord{
		RuleID:      rule.ID,
		TenantID:    rule.TenantID,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		PeriodLabel: period.Label,
		ClaimedAt:   g.clock.Now(),
	}

	outcome, err := g.repo.ClaimPeriod(ctx, record)
	if err != nil {
		slog.ErrorContext(ctx, "claim failed", "rule_id", rule.ID, "period_start", period.Start, "error", err)
		counts.Failed++
		return
	}

	if outcome.Won {
		g.produce(ctx, rule, period, counts)
		return
	}

	existing := outcome.Existing
	if existing.Fulfilled() {
		counts.SkippedAlreadyDone++
		return
	}

	// Unfulfilled claim: live ones belong to a concurrent run, stale ones
	// to a crashed one.
	if g.clock.Now().Sub(existing.ClaimedAt) < g.claimTTL {
		counts.SkippedAlreadyDone++
		return
	}

	switch rule.RecoveryMode {
	case domain.RecoveryRerunFactory:
		// The factory is idempotent for this rule; run it against the
		// existing claim row.
		slog.WarnContext(ctx, "recovering stale claim by re-running factory",
			"rule_id", rule.ID, "period_start", period.Start, "claimed_at", existing.ClaimedAt)
		g.produce(ctx, rule, period, counts)

	default: // domain.RecoveryReleaseReclaim
		slog.WarnContext(ctx, "recovering stale claim by release and reclaim",
			"rule_id", rule.ID, "period_start", period.Start, "claimed_at", existing.ClaimedAt)
		if err := g.repo.ReleasePeriod(ctx, rule.ID, period.Start); err != nil {
			slog.ErrorContext(ctx, "release failed", "rule_id", rule.ID, "period_start", period.Start, "error", err)
			counts.Failed++
			return
		}
		record.ClaimedAt = g.clock.Now()
		reclaimed, err := g.repo.ClaimPeriod(ctx, record)
		if err != nil {
			slog.ErrorContext(ctx, "reclaim failed", "rule_id", rule.ID, "period_start", period.Start, "error", err)
			counts.Failed++
			return
		}
		if !reclaimed.Won {
			// Another run got there first; it owns the period now.
			counts.SkippedAlreadyDone++
			return
		}
		g.produce(ctx, rule, period, counts)
	}
}

// produce invokes the target factory for a period the caller has claimed,
// then fulfills the ledger row. On any factory failure the claim is
// released so the period stays eligible for a future run.
func (g *Generator) produce(ctx context.Context, rule *domain.RecurrenceRule, period schedule.Period, counts *domain.RuleCounts) {
	factory, ok := g.lookupFactory(rule.Target.Kind)
	if !ok {
		err := fmt.Errorf("%w: no factory for target kind %q", domain.ErrHandlerMissing, rule.Target.Kind)
		slog.ErrorContext(ctx, "factory lookup failed", "rule_id", rule.ID, "error", err)
		g.release(ctx, rule.ID, period.Start)
		counts.Failed++
		return
	}

	producedKind, producedID, err := g.invokeFactory(ctx, factory, rule, period)
	if err != nil {
		slog.ErrorContext(ctx, "factory failed",
			"rule_id", rule.ID, "period_start", period.Start, "period_label", period.Label, "error", err)
		g.release(ctx, rule.ID, period.Start)
		counts.Failed++
		return
	}

	if err := g.repo.FulfillPeriod(ctx, rule.ID, period.Start, producedKind, producedID); err != nil {
		// The object exists but the ledger row is still an open claim; a
		// later run recovers it through the rule's recovery mode.
		slog.ErrorContext(ctx, "fulfill failed",
			"rule_id", rule.ID, "period_start", period.Start, "error", err)
		counts.Failed++
		return
	}

	slog.InfoContext(ctx, "period materialized",
		"rule_id", rule.ID,
		"period_label", period.Label,
		"produced_kind", producedKind,
		"produced_id", producedID)
	counts.Produced++
}

// invokeFactory calls the factory with panic recovery; a panicking factory
// must not take down a generation pass.
func (g *Generator) invokeFactory(ctx context.Context, factory Factory, rule *domain.RecurrenceRule, period schedule.Period) (producedKind, producedID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "factory panicked",
				"rule_id", rule.ID, "period_start", period.Start,
				"panic_value", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: factory panicked: %v", domain.ErrInternal, r)
		}
	}()
	producedKind, producedID, err = factory(ctx, rule, period)
	if err == nil && (producedKind == "" || producedID == "") {
		err = fmt.Errorf("%w: factory returned an empty produced reference", domain.ErrHandlerFailed)
	}
	return producedKind, producedID, err
}

func (g *Generator) release(ctx context.Context, ruleID string, periodStart time.Time) {
	if err := g.repo.ReleasePeriod(ctx, ruleID, periodStart); err != nil {
		slog.ErrorContext(ctx, "release failed", "rule_id", ruleID, "period_start", periodStart, "error", err)
	}
}
