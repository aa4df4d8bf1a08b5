package timer

import (
	"time"

	"example.com/pathtime/base/timebase"
	"example.com/pathtime/base/timemath"
)

// OffsetSource provides the current correction to apply to the local clock
// together with whether it is fresh, both from the same state.
type OffsetSource interface {
	Offset() (offsetNs int64, synchronized bool)
}

// Clock produces timestamps in nanoseconds since the Unix epoch, corrected
// by the offset of an optional OffsetSource.
type Clock struct {
	lclk timebase.LocalClock
	src  OffsetSource
}

type MeasurementResult struct {
	StartNs      int64 `json:"start_ns" yaml:"start_ns"`
	EndNs        int64 `json:"end_ns" yaml:"end_ns"`
	LatencyNs    int64 `json:"latency_ns" yaml:"latency_ns"`
	Synchronized bool  `json:"synchronized" yaml:"synchronized"`
}

func (r MeasurementResult) LatencyUs() float64 {
	return timemath.Micros(r.LatencyNs)
}

func (r MeasurementResult) LatencyMs() float64 {
	return timemath.Millis(r.LatencyNs)
}

func NewClock(lclk timebase.LocalClock, src OffsetSource) *Clock {
	return &Clock{lclk: lclk, src: src}
}

func (c *Clock) Now() int64 {
	t, _ := c.now()
	return t
}

func (c *Clock) now() (int64, bool) {
	t := c.lclk.Now().UnixNano()
	if c.src == nil {
		return t, false
	}
	off, synced := c.src.Offset()
	return t + off, synced
}

// Synchronized reports whether the offset currently applied is fresh.
func (c *Clock) Synchronized() bool {
	if c.src == nil {
		return false
	}
	_, synced := c.src.Offset()
	return synced
}

func (c *Clock) StartMeasurement() int64 {
	return c.Now()
}

// EndMeasurement closes a measurement opened with StartMeasurement. The
// latency is reported as measured, even if an offset update in between
// made it negative. Synchronized describes the offset applied to the end
// timestamp.
func (c *Clock) EndMeasurement(start int64) MeasurementResult {
	end, synced := c.now()
	return MeasurementResult{
		StartNs:      start,
		EndNs:        end,
		LatencyNs:    end - start,
		Synchronized: synced,
	}
}

func LatencyUs(startNs, endNs int64) float64 {
	return timemath.Micros(endNs - startNs)
}

func FormatTimestamp(ns int64) string {
	return time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
}
