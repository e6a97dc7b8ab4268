package store

import "fmt"

// Channel is the messaging platform a measurement was taken against.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSignal   Channel = "signal"
)

// DerivedState is the gated, confidence-aware responsiveness label the
// analysis engine assigns to a target (spec.md §3, AnalysisWindow).
type DerivedState string

const (
	StateOnline  DerivedState = "online"
	StateStandby DerivedState = "standby"
	StateOffline DerivedState = "offline"
	StateUnknown DerivedState = "unknown"
)

// Measurement is one append-only raw probe-cycle outcome (spec.md §3).
// Invariant: Timeout == true iff TargetRTTMs == nil. JSON tags match the
// wire field names spec.md §6 names for raw-for-day rows.
type Measurement struct {
	TimestampMs       int64   `json:"timestamp_ms"`
	Channel           Channel `json:"channel"`
	TargetID          string  `json:"target_id"`
	TargetRTTMs       *int64  `json:"target_rtt_ms"` // nil iff Timeout
	Timeout           bool    `json:"timeout"`
	LocalNetworkRTTMs *int64  `json:"local_network_rtt_ms"` // snapshot of control signal at probe start; nullable
	ProbeMethod       string  `json:"probe_method"`
}

func (m Measurement) validate() error {
	if m.Timeout != (m.TargetRTTMs == nil) {
		return fmt.Errorf("store: measurement invariant violated: timeout=%t target_rtt_ms=%v", m.Timeout, m.TargetRTTMs)
	}
	if m.TargetID == "" {
		return fmt.Errorf("store: measurement requires target_id")
	}
	if m.Channel != ChannelWhatsApp && m.Channel != ChannelSignal {
		return fmt.Errorf("store: unknown channel %q", m.Channel)
	}
	return nil
}

// LocalNetworkSample is one append-only control-signal reading from the
// local network monitor (spec.md §3).
type LocalNetworkSample struct {
	TimestampMs     int64
	RTTMs           *int64 // nil on failure/timeout
	Timeout         bool
	VarianceMs      int64
	PacketLossRate  float64
	ReferenceTarget string
}

// Baseline is the mutable, one-row-per-target rolling statistical model
// (spec.md §3). A row exists only once SampleCount >= the configured
// minimum (spec default 10).
type Baseline struct {
	TargetID     string
	Channel      Channel
	MinRTTMs     int64
	MedianRTTMs  float64
	IQRMs        float64
	UpdatedAtMs  int64
	SampleCount  int
}

func (b Baseline) validate() error {
	if b.IQRMs < 0 {
		return fmt.Errorf("store: baseline invariant violated: iqr_ms=%v < 0", b.IQRMs)
	}
	if b.TargetID == "" {
		return fmt.Errorf("store: baseline requires target_id")
	}
	return nil
}

// Threshold is median + 1.5*iqr, the value the analysis engine and the hub
// both use to classify a normalized RTT (spec.md §4.5, §4.6).
func (b Baseline) Threshold() float64 {
	return b.MedianRTTMs + 1.5*b.IQRMs
}

// AnalysisWindow is one append-only analysis run outcome (spec.md §3).
// Invariant: ConfidenceScore < 0.6 implies DerivedState == Unknown.
type AnalysisWindow struct {
	StartMs              int64
	EndMs                int64
	TargetID             string
	Channel              Channel
	SampleCount          int
	NoiseScore           float64
	ResponsivenessScore  float64
	ConfidenceScore      float64
	DerivedState         DerivedState
}

func (a AnalysisWindow) validate() error {
	if a.StartMs > a.EndMs {
		return fmt.Errorf("store: analysis window invariant violated: start_ms %d > end_ms %d", a.StartMs, a.EndMs)
	}
	if a.ConfidenceScore < 0.6 && a.DerivedState != StateUnknown {
		return fmt.Errorf("store: analysis window invariant violated: confidence %.3f < 0.6 but state=%s", a.ConfidenceScore, a.DerivedState)
	}
	return nil
}
