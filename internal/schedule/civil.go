package schedule

import (
	"time"

	"github.com/firmflow/engine/internal/domain"
)

// AddDays advances a civil date by n days using proleptic Gregorian
// arithmetic, independent of any timezone.
func AddDays(d domain.CivilDate, n int) domain.CivilDate {
	t := time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC)
	return domain.CivilDate{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// AddMonthsClamped advances a civil date by n months, clamping the day to
// the last day of the target month. The clamp never sticks: each occurrence
// is computed from the original day-of-month, so Jan 31 yields Feb 28,
// Mar 31, Apr 30 rather than decaying to the 28th forever.
func AddMonthsClamped(d domain.CivilDate, n int) domain.CivilDate {
	// Normalize year/month without letting the day overflow into the
	// next month (time.AddDate would turn Jan 31 + 1mo into Mar 3).
	months := (d.Year*12 + int(d.Month) - 1) + n
	year := months / 12
	month := time.Month(months%12 + 1)
	if months < 0 && months%12 != 0 {
		year--
		month = time.Month(months%12 + 12 + 1)
	}

	day := d.Day
	if last := DaysInMonth(year, month); day > last {
		day = last
	}
	return domain.CivilDate{Year: year, Month: month, Day: day}
}

// AddYearsClamped advances a civil date by n years; Feb 29 clamps to
// Feb 28 in non-leap target years.
func AddYearsClamped(d domain.CivilDate, n int) domain.CivilDate {
	year := d.Year + n
	day := d.Day
	if last := DaysInMonth(year, d.Month); day > last {
		day = last
	}
	return domain.CivilDate{Year: year, Month: d.Month, Day: day}
}

// DaysInMonth returns the number of days in the given month.
func DaysInMonth(year int, month time.Month) int {
	// Day zero of the following month normalizes to the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// DaysBetween returns the number of civil days from a to b (negative when
// b precedes a).
func DaysBetween(a, b domain.CivilDate) int {
	ta := time.Date(a.Year, a.Month, a.Day, 0, 0, 0, 0, time.UTC)
	tb := time.Date(b.Year, b.Month, b.Day, 0, 0, 0, 0, time.UTC)
	return int(tb.Sub(ta) / (24 * time.Hour))
}

// ISOWeek returns the ISO-8601 week-numbering year and week of a civil date.
func ISOWeek(d domain.CivilDate) (year, week int) {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).ISOWeek()
}

// FiscalQuarter locates a civil date inside a fiscal calendar whose year
// begins on the first day of fyStartMonth. The fiscal year is labeled by
// the calendar year in which it starts, so with an April start, Jan–Mar
// 2026 belongs to fiscal 2025 as its fourth quarter.
func FiscalQuarter(d domain.CivilDate, fyStartMonth time.Month) (fiscalYear, quarter int, quarterStart domain.CivilDate) {
	monthsSinceStart := int(d.Month) - int(fyStartMonth)
	fiscalYear = d.Year
	if monthsSinceStart < 0 {
		monthsSinceStart += 12
		fiscalYear--
	}
	quarter = monthsSinceStart/3 + 1

	quarterStart = AddMonthsClamped(
		domain.CivilDate{Year: fiscalYear, Month: fyStartMonth, Day: 1},
		(quarter-1)*3,
	)
	return fiscalYear, quarter, quarterStart
}
