package trace

import "net/netip"

// HopMeasurement is the outcome of one hop-limited probe. A hop that did not
// respond in time has neither Address nor RoundTripNs.
type HopMeasurement struct {
	HopIndex        uint32     `json:"hop_index" yaml:"hop_index"`
	Address         netip.Addr `json:"address,omitzero" yaml:"address"`
	Hostname        string     `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	SendTimestampNs int64      `json:"send_timestamp_ns" yaml:"send_timestamp_ns"`
	RoundTripNs     *int64     `json:"round_trip_ns,omitempty" yaml:"round_trip_ns,omitempty"`
}

func (h *HopMeasurement) Responded() bool {
	return h.RoundTripNs != nil
}

// PathTrace is the ordered list of hops towards Target. Once returned by a
// Prober it is not modified anymore.
type PathTrace struct {
	ID            string           `json:"id" yaml:"id"`
	Target        netip.Addr       `json:"target" yaml:"target"`
	Hops          []HopMeasurement `json:"hops" yaml:"hops"`
	ReachedTarget bool             `json:"reached_target" yaml:"reached_target"`
	StartedAt     int64            `json:"started_at" yaml:"started_at"`
	FinishedAt    int64            `json:"finished_at" yaml:"finished_at"`
	Synchronized  bool             `json:"synchronized" yaml:"synchronized"`
}

func (t *PathTrace) RespondingHops() []HopMeasurement {
	var hops []HopMeasurement
	for _, h := range t.Hops {
		if h.Responded() {
			hops = append(hops, h)
		}
	}
	return hops
}
