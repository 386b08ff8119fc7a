package schedule

import (
	"fmt"
	"time"

	"github.com/firmflow/engine/internal/domain"
)

// Clock supplies the current instant. Production code uses SystemClock;
// tests inject fixed or stepping clocks.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// FixedClock returns a Clock pinned to the given instant.
func FixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t.UTC() })
}

// LoadZone resolves an IANA zone name against the timezone database.
// Empty or unknown names fail with ErrBadRule: a rule without a resolvable
// zone must never reach period computation.
func LoadZone(name string) (*time.Location, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: timezone is required", domain.ErrBadRule)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", domain.ErrBadRule, name)
	}
	return loc, nil
}

// CivilDateIn returns the civil date of the instant as observed in loc.
func CivilDateIn(t time.Time, loc *time.Location) domain.CivilDate {
	zoned := t.In(loc)
	return domain.CivilDate{Year: zoned.Year(), Month: zoned.Month(), Day: zoned.Day()}
}

// ResolveCivil maps midnight of a civil date in loc to a UTC instant.
// See ResolveCivilTime for the DST rules.
func ResolveCivil(d domain.CivilDate, loc *time.Location) time.Time {
	return ResolveCivilTime(d, 0, 0, loc)
}

// ResolveCivilTime maps a civil wall time in loc to a UTC instant,
// deterministically across DST transitions:
//
//   - A wall time inside a spring-forward gap does not exist; it resolves
//     forward to the first valid instant, which is the end of the gap.
//   - A wall time inside a fall-back overlap exists twice; it resolves to
//     the earlier of the two instants.
//
// Validity is checked by round-tripping candidate instants through the
// zone rather than trusting time.Date, whose behavior inside transitions
// is unspecified.
func ResolveCivilTime(d domain.CivilDate, hour, minute int, loc *time.Location) time.Time {
	// Seconds of the requested wall time as if it were UTC.
	wall := time.Date(d.Year, d.Month, d.Day, hour, minute, 0, 0, time.UTC).Unix()

	// Candidate offsets: whatever the zone uses shortly before and after
	// the wall time. Probing a day out on both sides covers every real
	// transition (offsets change by at most a few hours).
	offsets := candidateOffsets(wall, loc)

	var valid []int64
	for _, off := range offsets {
		instant := wall - int64(off)
		if _, actual := time.Unix(instant, 0).In(loc).Zone(); actual == off {
			valid = append(valid, instant)
		}
	}

	if len(valid) > 0 {
		earliest := valid[0]
		for _, v := range valid[1:] {
			if v < earliest {
				earliest = v
			}
		}
		return time.Unix(earliest, 0).UTC()
	}

	// No candidate round-trips: the wall time sits inside a gap. The first
	// valid instant is the transition itself; binary-search for it between
	// the two candidate instants.
	lo, hi := wall-int64(maxOffset(offsets)), wall-int64(minOffset(offsets))
	_, after := time.Unix(hi, 0).In(loc).Zone()
	for lo < hi {
		mid := lo + (hi-lo)/2
		if _, off := time.Unix(mid, 0).In(loc).Zone(); off == after {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return time.Unix(hi, 0).UTC()
}

func candidateOffsets(wall int64, loc *time.Location) []int {
	const probe = int64(24 * 60 * 60)

	offsets := make([]int, 0, 3)
	for _, sec := range []int64{wall - probe, wall, wall + probe} {
		_, off := time.Unix(sec, 0).In(loc).Zone()
		seen := false
		for _, o := range offsets {
			if o == off {
				seen = true
				break
			}
		}
		if !seen {
			offsets = append(offsets, off)
		}
	}
	return offsets
}

func minOffset(offsets []int) int {
	m := offsets[0]
	for _, o := range offsets[1:] {
		if o < m {
			m = o
		}
	}
	return m
}

func maxOffset(offsets []int) int {
	m := offsets[0]
	for _, o := range offsets[1:] {
		if o > m {
			m = o
		}
	}
	return m
}
