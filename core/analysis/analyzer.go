// Package analysis summarizes path traces into latency reports.
package analysis

import (
	"math"
	"net/netip"

	"github.com/HdrHistogram/hdrhistogram-go"

	"example.com/pathtime/base/timemath"

	"example.com/pathtime/core/trace"
)

const (
	DefaultHighLatencyThresholdNs = 10_000_000

	ReasonHighLatencyHop = "high_latency_hop"

	recommendAlternativeRouting = "Consider alternative routing"

	// Histogram range in microseconds.
	histogramMinUs   = 1
	histogramMaxUs   = 60_000_000
	histogramSigFigs = 3
)

type Flag struct {
	HopIndex       uint32     `json:"hop_index" yaml:"hop_index"`
	Reason         string     `json:"reason" yaml:"reason"`
	LatencyUs      float64    `json:"latency_us" yaml:"latency_us"`
	Address        netip.Addr `json:"address,omitzero" yaml:"address"`
	Recommendation string     `json:"recommendation,omitempty" yaml:"recommendation,omitempty"`
}

// Report aggregates the responding hops of a trace. Silent hops are only
// counted.
type Report struct {
	TotalHops           uint32                `json:"total_hops" yaml:"total_hops"`
	SilentHops          uint32                `json:"silent_hops" yaml:"silent_hops"`
	TotalLatencyUs      float64               `json:"total_latency_us" yaml:"total_latency_us"`
	AverageHopLatencyUs float64               `json:"average_hop_latency_us" yaml:"average_hop_latency_us"`
	VarianceUs2         float64               `json:"variance_us2" yaml:"variance_us2"`
	MaxLatencyHop       *trace.HopMeasurement `json:"max_latency_hop,omitempty" yaml:"max_latency_hop,omitempty"`
	MinLatencyHop       *trace.HopMeasurement `json:"min_latency_hop,omitempty" yaml:"min_latency_hop,omitempty"`
	OptimizationFlags   []Flag                `json:"optimization_flags,omitempty" yaml:"optimization_flags,omitempty"`

	// AnomalousHops lists responding hops with a non-positive round trip.
	AnomalousHops []uint32 `json:"anomalous_hops,omitempty" yaml:"anomalous_hops,omitempty"`
	// LatencySlopeUs and LatencyInterceptUs describe the robust linear fit
	// of round trip over hop index.
	LatencySlopeUs     float64 `json:"latency_slope_us" yaml:"latency_slope_us"`
	LatencyInterceptUs float64 `json:"latency_intercept_us" yaml:"latency_intercept_us"`
	P50Us              float64 `json:"p50_us" yaml:"p50_us"`
	P90Us              float64 `json:"p90_us" yaml:"p90_us"`
	P99Us              float64 `json:"p99_us" yaml:"p99_us"`
}

type Analyzer struct {
	// HighLatencyThresholdNs is the round trip above which a hop is flagged.
	// Zero means DefaultHighLatencyThresholdNs.
	HighLatencyThresholdNs int64
}

func (a Analyzer) threshold() int64 {
	if a.HighLatencyThresholdNs == 0 {
		return DefaultHighLatencyThresholdNs
	}
	return a.HighLatencyThresholdNs
}

func (a Analyzer) Analyze(tr *trace.PathTrace) Report {
	var r Report
	if tr == nil {
		return r
	}

	hops := tr.RespondingHops()
	r.SilentHops = uint32(len(tr.Hops) - len(hops))
	if len(hops) == 0 {
		return r
	}
	r.TotalHops = uint32(len(hops))

	latencies := make([]float64, len(hops))
	for i, h := range hops {
		latencies[i] = timemath.Micros(*h.RoundTripNs)
		r.TotalLatencyUs += latencies[i]
	}
	r.AverageHopLatencyUs = r.TotalLatencyUs / float64(len(hops))
	r.VarianceUs2 = variance(latencies, r.AverageHopLatencyUs)

	// ties go to the lowest hop index
	maxHop, minHop := 0, 0
	for i, h := range hops {
		rtt := *h.RoundTripNs
		x := hops[maxHop]
		if rtt > *x.RoundTripNs || rtt == *x.RoundTripNs && h.HopIndex < x.HopIndex {
			maxHop = i
		}
		x = hops[minHop]
		if rtt < *x.RoundTripNs || rtt == *x.RoundTripNs && h.HopIndex < x.HopIndex {
			minHop = i
		}
	}
	r.MaxLatencyHop = &hops[maxHop]
	r.MinLatencyHop = &hops[minHop]

	threshold := a.threshold()
	pts := make([]point, 0, len(hops))
	for i, h := range hops {
		rtt := *h.RoundTripNs
		if rtt > threshold {
			r.OptimizationFlags = append(r.OptimizationFlags, Flag{
				HopIndex:       h.HopIndex,
				Reason:         ReasonHighLatencyHop,
				LatencyUs:      latencies[i],
				Address:        h.Address,
				Recommendation: recommendAlternativeRouting,
			})
		}
		if rtt <= 0 {
			r.AnomalousHops = append(r.AnomalousHops, h.HopIndex)
		}
		pts = append(pts, point{x: float64(h.HopIndex), y: latencies[i]})
	}
	if m, ok := slope(pts); ok {
		r.LatencySlopeUs = m
		r.LatencyInterceptUs = intercept(m, pts)
	}

	r.P50Us, r.P90Us, r.P99Us = percentiles(hops)
	return r
}

// variance is the population variance, computed in two passes.
func variance(xs []float64, mean float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return sum / float64(len(xs))
}

func percentiles(hops []trace.HopMeasurement) (p50, p90, p99 float64) {
	hg := hdrhistogram.New(histogramMinUs, histogramMaxUs, histogramSigFigs)
	for _, h := range hops {
		rtt := *h.RoundTripNs
		if rtt <= 0 {
			continue
		}
		us := int64(math.Round(timemath.Micros(rtt)))
		us = max(us, histogramMinUs)
		us = min(us, histogramMaxUs)
		_ = hg.RecordValue(us)
	}
	if hg.TotalCount() == 0 {
		return 0, 0, 0
	}
	return float64(hg.ValueAtQuantile(50)),
		float64(hg.ValueAtQuantile(90)),
		float64(hg.ValueAtQuantile(99))
}
