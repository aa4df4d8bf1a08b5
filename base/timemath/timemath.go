package timemath

import (
	"math"
	"time"
)

const nanosecondsPerMicrosecond = 1e3

// Duration converts seconds to a duration, rounding to the nearest nanosecond.
func Duration(seconds float64) time.Duration {
	return time.Duration(math.Round(seconds * float64(time.Second)))
}

func Inv(d time.Duration) time.Duration {
	if d == math.MinInt64 {
		panic("invalid argument")
	}
	return -d
}

// Micros converts a nanosecond count to microseconds.
func Micros(ns int64) float64 {
	return float64(ns) / nanosecondsPerMicrosecond
}

// Millis converts a nanosecond count to milliseconds.
func Millis(ns int64) float64 {
	return float64(ns) / 1e6
}
