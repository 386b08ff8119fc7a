package schedule

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/firmflow/engine/internal/domain"
)

func activeRule(freq domain.Frequency, interval int, anchor domain.CivilDate, zone string) *domain.RecurrenceRule {
	return &domain.RecurrenceRule{
		ID:           "rule-1",
		TenantID:     "tenant-1",
		Target:       domain.TargetRef{Kind: "invoice", ID: "tpl-1"},
		Frequency:    freq,
		Interval:     interval,
		AnchorKind:   domain.AnchorCalendar,
		AnchorDate:   anchor,
		StartsAt:     time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Timezone:     zone,
		Status:       domain.RuleStatusActive,
		RecoveryMode: domain.RecoveryReleaseReclaim,
	}
}

// TestMonthlyAcrossDST tests a monthly rule spanning the spring-forward
// transition in America/New_York
func TestMonthlyAcrossDST(t *testing.T) {
	endsAt := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rule := activeRule(domain.FrequencyMonthly, 1, domain.CivilDate{Year: 2026, Month: time.February, Day: 15}, "America/New_York")
	rule.StartsAt = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	rule.EndsAt = &endsAt

	periods, err := PeriodsFromAnchor(rule, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedStarts := []time.Time{
		time.Date(2026, 2, 15, 5, 0, 0, 0, time.UTC), // EST, UTC-5
		time.Date(2026, 3, 15, 4, 0, 0, 0, time.UTC), // EDT, UTC-4
		time.Date(2026, 4, 15, 4, 0, 0, 0, time.UTC),
	}
	expectedLabels := []string{"2026-02", "2026-03", "2026-04"}

	if len(periods) != len(expectedStarts) {
		t.Fatalf("expected %d periods, got %d", len(expectedStarts), len(periods))
	}
	for i, p := range periods {
		if !p.Start.Equal(expectedStarts[i]) {
			t.Errorf("period %d: expected start %v, got %v", i, expectedStarts[i], p.Start)
		}
		if p.Label != expectedLabels[i] {
			t.Errorf("period %d: expected label %s, got %s", i, expectedLabels[i], p.Label)
		}
	}
	// Each end is the next occurrence boundary even past the rule window.
	lastEnd := time.Date(2026, 5, 15, 4, 0, 0, 0, time.UTC)
	if !periods[2].End.Equal(lastEnd) {
		t.Errorf("expected last end %v, got %v", lastEnd, periods[2].End)
	}
}

// TestMonthlyClamp tests that occurrences are derived from the original
// anchor so the February clamp does not stick
func TestMonthlyClamp(t *testing.T) {
	rule := activeRule(domain.FrequencyMonthly, 1, domain.CivilDate{Year: 2026, Month: time.January, Day: 31}, "UTC")
	rule.StartsAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	periods, err := PeriodsFromAnchor(rule, time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []time.Time{
		time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC),
	}
	if len(periods) != len(expected) {
		t.Fatalf("expected %d periods, got %d", len(expected), len(periods))
	}
	for i, p := range periods {
		if !p.Start.Equal(expected[i]) {
			t.Errorf("period %d: expected start %v, got %v", i, expected[i], p.Start)
		}
	}
}

// TestFiscalQuarterly tests fiscal labeling and the straddling first quarter
func TestFiscalQuarterly(t *testing.T) {
	endsAt := time.Date(2027, 4, 1, 0, 0, 0, 0, time.UTC)
	rule := activeRule(domain.FrequencyQuarterly, 1, domain.CivilDate{Year: 2026, Month: time.March, Day: 1}, "UTC")
	rule.AnchorKind = domain.AnchorFiscal
	rule.FiscalYearStartMonth = 4
	rule.StartsAt = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rule.EndsAt = &endsAt

	periods, err := PeriodsFromAnchor(rule, time.Date(2028, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedLabels := []string{"2025-Q4", "2026-Q1", "2026-Q2", "2026-Q3", "2026-Q4"}
	if len(periods) != len(expectedLabels) {
		t.Fatalf("expected %d periods, got %d", len(expectedLabels), len(periods))
	}
	for i, p := range periods {
		if p.Label != expectedLabels[i] {
			t.Errorf("period %d: expected label %s, got %s", i, expectedLabels[i], p.Label)
		}
	}

	// The first quarter starts before the rule window opens but ends inside
	// it, so it is included.
	firstStart := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !periods[0].Start.Equal(firstStart) {
		t.Errorf("expected first start %v, got %v", firstStart, periods[0].Start)
	}
	if !periods[0].End.After(rule.StartsAt) {
		t.Errorf("first period should end after starts_at, got end %v", periods[0].End)
	}
}

// TestDailyTransitionDays tests that zoned midnights stay aligned while the
// UTC day length stretches and shrinks across DST
func TestDailyTransitionDays(t *testing.T) {
	t.Run("spring forward yields a 23h period", func(t *testing.T) {
		rule := activeRule(domain.FrequencyDaily, 1, domain.CivilDate{Year: 2026, Month: time.March, Day: 7}, "America/New_York")
		periods, err := PeriodsBetween(rule,
			time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(periods) != 3 {
			t.Fatalf("expected 3 periods, got %d", len(periods))
		}
		if d := periods[1].End.Sub(periods[1].Start); d != 23*time.Hour {
			t.Errorf("expected transition day of 23h, got %v", d)
		}
		if d := periods[0].End.Sub(periods[0].Start); d != 24*time.Hour {
			t.Errorf("expected plain day of 24h, got %v", d)
		}
	})

	t.Run("fall back yields a 25h period", func(t *testing.T) {
		rule := activeRule(domain.FrequencyDaily, 1, domain.CivilDate{Year: 2026, Month: time.October, Day: 31}, "America/New_York")
		periods, err := PeriodsBetween(rule,
			time.Date(2026, 10, 31, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 11, 2, 12, 0, 0, 0, time.UTC))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(periods) != 3 {
			t.Fatalf("expected 3 periods, got %d", len(periods))
		}
		if d := periods[1].End.Sub(periods[1].Start); d != 25*time.Hour {
			t.Errorf("expected transition day of 25h, got %v", d)
		}
	})
}

// TestPeriodLabels tests label formats per frequency
func TestPeriodLabels(t *testing.T) {
	until := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		rule     *domain.RecurrenceRule
		expected string
	}{
		{
			name:     "daily",
			rule:     activeRule(domain.FrequencyDaily, 1, domain.CivilDate{Year: 2026, Month: time.March, Day: 5}, "UTC"),
			expected: "2026-03-05",
		},
		{
			name:     "weekly ISO week",
			rule:     activeRule(domain.FrequencyWeekly, 1, domain.CivilDate{Year: 2026, Month: time.January, Day: 5}, "UTC"),
			expected: "2026-W02",
		},
		{
			name:     "monthly",
			rule:     activeRule(domain.FrequencyMonthly, 1, domain.CivilDate{Year: 2026, Month: time.July, Day: 1}, "UTC"),
			expected: "2026-07",
		},
		{
			name:     "calendar quarterly",
			rule:     activeRule(domain.FrequencyQuarterly, 1, domain.CivilDate{Year: 2026, Month: time.May, Day: 10}, "UTC"),
			expected: "2026-Q2",
		},
		{
			name:     "yearly",
			rule:     activeRule(domain.FrequencyYearly, 1, domain.CivilDate{Year: 2026, Month: time.January, Day: 1}, "UTC"),
			expected: "2026",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			periods, err := PeriodsFromAnchor(tc.rule, until)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(periods) == 0 {
				t.Fatal("expected at least one period")
			}
			if periods[0].Label != tc.expected {
				t.Errorf("expected label %s, got %s", tc.expected, periods[0].Label)
			}
		})
	}
}

// TestPeriodsBetweenWindow tests the [from, until] filter and interval > 1
func TestPeriodsBetweenWindow(t *testing.T) {
	rule := activeRule(domain.FrequencyWeekly, 2, domain.CivilDate{Year: 2026, Month: time.January, Day: 5}, "UTC")

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periods, err := PeriodsBetween(rule, from, until)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Biweekly from Jan 5: Jan 5, Jan 19, Feb 2, Feb 16, Mar 2. In window:
	// Feb 2 and Feb 16.
	expected := []time.Time{
		time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC),
	}
	if len(periods) != len(expected) {
		t.Fatalf("expected %d periods, got %d", len(expected), len(periods))
	}
	for i, p := range periods {
		if !p.Start.Equal(expected[i]) {
			t.Errorf("period %d: expected start %v, got %v", i, expected[i], p.Start)
		}
	}

	t.Run("starts_at clips the lower bound", func(t *testing.T) {
		clipped := *rule
		clipped.StartsAt = time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
		periods, err := PeriodsBetween(&clipped, from, until)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(periods) != 1 || !periods[0].Start.Equal(expected[1]) {
			t.Errorf("expected only the Feb 16 period, got %d periods", len(periods))
		}
	})
}

// TestPeriodsDeterministic tests that enumeration is reproducible and
// adjacent without gaps or overlaps
func TestPeriodsDeterministic(t *testing.T) {
	rule := activeRule(domain.FrequencyDaily, 1, domain.CivilDate{Year: 2026, Month: time.March, Day: 1}, "America/New_York")
	until := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	first, err := PeriodsFromAnchor(rule, until)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := PeriodsFromAnchor(rule, until)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("two enumerations of the same rule differ")
	}

	for i := 1; i < len(first); i++ {
		if !first[i].Start.After(first[i-1].Start) {
			t.Errorf("period %d start %v does not increase over %v", i, first[i].Start, first[i-1].Start)
		}
		if !first[i].Start.Equal(first[i-1].End) {
			t.Errorf("period %d start %v does not meet previous end %v", i, first[i].Start, first[i-1].End)
		}
	}
}

// TestEnumerationCap tests the runaway-window guard
func TestEnumerationCap(t *testing.T) {
	rule := activeRule(domain.FrequencyDaily, 1, domain.CivilDate{Year: 1700, Month: time.January, Day: 1}, "UTC")
	rule.StartsAt = time.Date(1700, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := PeriodsFromAnchor(rule, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, domain.ErrBadInput) {
		t.Errorf("expected ErrBadInput, got %v", err)
	}
}

// TestPeriodsRejectBadRules tests validation at the enumeration boundary
func TestPeriodsRejectBadRules(t *testing.T) {
	until := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		mutate func(*domain.RecurrenceRule)
	}{
		{"custom anchor", func(r *domain.RecurrenceRule) { r.AnchorKind = domain.AnchorCustom }},
		{"zero interval", func(r *domain.RecurrenceRule) { r.Interval = 0 }},
		{"missing timezone", func(r *domain.RecurrenceRule) { r.Timezone = "" }},
		{"unknown timezone", func(r *domain.RecurrenceRule) { r.Timezone = "Not/A_Zone" }},
		{"fiscal without month", func(r *domain.RecurrenceRule) {
			r.Frequency = domain.FrequencyQuarterly
			r.AnchorKind = domain.AnchorFiscal
			r.FiscalYearStartMonth = 0
		}},
		{"fiscal non-quarterly", func(r *domain.RecurrenceRule) {
			r.AnchorKind = domain.AnchorFiscal
			r.FiscalYearStartMonth = 4
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule := activeRule(domain.FrequencyMonthly, 1, domain.CivilDate{Year: 2026, Month: time.January, Day: 1}, "UTC")
			tc.mutate(rule)
			if _, err := PeriodsBetween(rule, from, until); !errors.Is(err, domain.ErrBadRule) {
				t.Errorf("expected ErrBadRule, got %v", err)
			}
		})
	}
}
