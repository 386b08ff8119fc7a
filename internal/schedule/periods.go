package schedule

import (
	"fmt"
	"time"

	"github.com/firmflow/engine/internal/domain"
)

const (
	// maxPeriods bounds a single enumeration so a mis-entered window can
	// never spin the generator.
	maxPeriods = 100_000

	// maxInterval keeps occurrence arithmetic comfortably inside int64
	// even at the enumeration cap.
	maxInterval = 1_000_000
)

// Period is one occurrence of a rule: a half-open UTC interval [Start, End)
// plus the human-readable label recorded in the ledger.
type Period struct {
	Start time.Time
	End   time.Time
	Label string
}

// PeriodsBetween returns the rule's periods whose start instant falls in
// [from, until], clipped to the rule window: starts before the rule's
// starts_at or at/after its ends_at are excluded. Results are ordered by
// start and deterministic for a fixed rule.
func PeriodsBetween(rule *domain.RecurrenceRule, from, until time.Time) ([]Period, error) {
	e, err := newEnumerator(rule)
	if err != nil {
		return nil, err
	}

	lower := from
	if rule.StartsAt.After(lower) {
		lower = rule.StartsAt
	}

	var periods []Period
	for k := 0; ; k++ {
		if k >= maxPeriods {
			return nil, fmt.Errorf("%w: window spans more than %d periods", domain.ErrBadInput, maxPeriods)
		}
		p := e.periodAt(k)
		if p.Start.After(until) {
			break
		}
		if rule.EndsAt != nil && !p.Start.Before(*rule.EndsAt) {
			break
		}
		if p.Start.Before(lower) {
			continue
		}
		periods = append(periods, p)
	}
	return periods, nil
}

// PeriodsFromAnchor returns every period from occurrence zero whose start is
// at or before until, skipping only periods already over when the rule
// window opens. A period straddling starts_at is included: backfilling a
// fiscal rule that starts mid-quarter must cover that quarter.
func PeriodsFromAnchor(rule *domain.RecurrenceRule, until time.Time) ([]Period, error) {
	e, err := newEnumerator(rule)
	if err != nil {
		return nil, err
	}

	var periods []Period
	for k := 0; ; k++ {
		if k >= maxPeriods {
			return nil, fmt.Errorf("%w: window spans more than %d periods", domain.ErrBadInput, maxPeriods)
		}
		p := e.periodAt(k)
		if p.Start.After(until) {
			break
		}
		if rule.EndsAt != nil && !p.Start.Before(*rule.EndsAt) {
			break
		}
		if !p.End.After(rule.StartsAt) {
			continue
		}
		periods = append(periods, p)
	}
	return periods, nil
}

// enumerator holds the resolved zone and effective anchor for one rule so a
// window enumeration validates and loads them once.
type enumerator struct {
	rule   *domain.RecurrenceRule
	loc    *time.Location
	anchor domain.CivilDate
}

func newEnumerator(rule *domain.RecurrenceRule) (*enumerator, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if rule.Interval > maxInterval {
		return nil, fmt.Errorf("%w: interval must be at most %d, got %d", domain.ErrBadRule, maxInterval, rule.Interval)
	}
	loc, err := LoadZone(rule.Timezone)
	if err != nil {
		return nil, err
	}

	anchor := rule.AnchorDate
	if rule.AnchorKind == domain.AnchorFiscal {
		// Fiscal rules are aligned to the quarter containing the anchor,
		// not the anchor date itself.
		_, _, anchor = FiscalQuarter(rule.AnchorDate, time.Month(rule.FiscalYearStartMonth))
	}

	return &enumerator{rule: rule, loc: loc, anchor: anchor}, nil
}

// periodAt computes occurrence k (k >= 0). Every occurrence is derived from
// the original anchor by index arithmetic, never by advancing the previous
// occurrence, so a monthly rule anchored on the 31st emits the 31st, 28th,
// 31st, 30th rather than decaying to the shortest month seen so far.
func (e *enumerator) periodAt(k int) Period {
	start := e.startCivil(k)
	return Period{
		Start: ResolveCivil(start, e.loc),
		End:   ResolveCivil(e.startCivil(k+1), e.loc),
		Label: e.label(start),
	}
}

func (e *enumerator) startCivil(k int) domain.CivilDate {
	steps := k * e.rule.Interval
	switch e.rule.Frequency {
	case domain.FrequencyDaily:
		return AddDays(e.anchor, steps)
	case domain.FrequencyWeekly:
		return AddDays(e.anchor, 7*steps)
	case domain.FrequencyMonthly:
		return AddMonthsClamped(e.anchor, steps)
	case domain.FrequencyQuarterly:
		return AddMonthsClamped(e.anchor, 3*steps)
	case domain.FrequencyYearly:
		return AddYearsClamped(e.anchor, steps)
	default:
		// Unreachable: newEnumerator validated the frequency.
		panic(fmt.Sprintf("schedule: unhandled frequency %q", e.rule.Frequency))
	}
}

func (e *enumerator) label(start domain.CivilDate) string {
	switch e.rule.Frequency {
	case domain.FrequencyDaily:
		return start.String()
	case domain.FrequencyWeekly:
		year, week := ISOWeek(start)
		return fmt.Sprintf("%04d-W%02d", year, week)
	case domain.FrequencyMonthly:
		return fmt.Sprintf("%04d-%02d", start.Year, start.Month)
	case domain.FrequencyQuarterly:
		if e.rule.AnchorKind == domain.AnchorFiscal {
			fy, q, _ := FiscalQuarter(start, time.Month(e.rule.FiscalYearStartMonth))
			return fmt.Sprintf("%04d-Q%d", fy, q)
		}
		return fmt.Sprintf("%04d-Q%d", start.Year, (int(start.Month)-1)/3+1)
	case domain.FrequencyYearly:
		return fmt.Sprintf("%04d", start.Year)
	default:
		panic(fmt.Sprintf("schedule: unhandled frequency %q", e.rule.Frequency))
	}
}
