package a

import "time"

func bare() {
	_ = time.Now() // want `time.Now\(\) must be normalized with \.UTC\(\) before use`
}

func normalized() {
	_ = time.Now().UTC()
}

func assigned() {
	now := time.Now() // want `time.Now\(\) must be normalized with \.UTC\(\) before use`
	_ = now
}

func chained() {
	_ = time.Now().UTC().Truncate(time.Hour)
}

func asArgument(record func(time.Time)) {
	record(time.Now()) // want `time.Now\(\) must be normalized with \.UTC\(\) before use`
	record(time.Now().UTC())
}

func suppressedAbove() {
	//nolint
	_ = time.Now()
}

func suppressedTrailing() {
	_ = time.Now() //nolint:timeutc
}

func scopedToOtherAnalyzer() {
	_ = time.Now() //nolint:gosec // want `time.Now\(\) must be normalized with \.UTC\(\) before use`
}
