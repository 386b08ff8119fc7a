package a

import "time"

func compare(a, b time.Time) bool {
	if a == b { // want `time\.Time values compared with ==; use Equal`
		return true
	}
	if a != b { // want `time\.Time values compared with !=; use Equal`
		return false
	}
	return a.Equal(b)
}

func zero(a time.Time) bool {
	if (a == time.Time{}) { // want `time\.Time compared against the zero value with ==; use IsZero`
		return true
	}
	return a.IsZero()
}

func pointers(a, b *time.Time) bool {
	return a == b
}

func ordering(due, cutoff time.Time) bool {
	return due.Before(cutoff) || due.Equal(cutoff)
}

func notTimes(a, b int64) bool {
	return a == b
}

func suppressed(a, b time.Time) bool {
	return a == b //nolint:timeeq
}
