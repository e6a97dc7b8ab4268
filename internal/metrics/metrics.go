// Package metrics registers the process's Prometheus instrumentation and
// serves it over /metrics. The registration/promhttp.Handler shape is
// grounded on runZeroInc-sockstats's pkg/exporter and cmd/exporter_example1
// (prometheus.MustRegister + promhttp.Handler on a dedicated mux path);
// this package uses the standard metric-vec constructors instead of a
// custom Collector since these are simple counters/gauges/a histogram,
// not a value computed lazily from kernel state on every scrape.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snapetech/rttrack/internal/store"
)

// Registry holds every metric the tracker exports (spec.md §9 "no global
// mutable state"; this is an explicit handle threaded through main, not
// a package-level prometheus.DefaultRegisterer).
type Registry struct {
	reg *prometheus.Registry

	probesSent    *prometheus.CounterVec
	probesAcked   *prometheus.CounterVec
	probesTimeout *prometheus.CounterVec
	rttHistogram  *prometheus.HistogramVec

	localRTT    prometheus.Gauge
	localLoss   prometheus.Gauge
	localJitter prometheus.Gauge
}

// New builds and registers every metric on a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	labels := []string{"channel", "target_id"}
	r := &Registry{
		reg: reg,
		probesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rttrack",
			Name:      "probes_sent_total",
			Help:      "Probe cycles started, by channel and target.",
		}, labels),
		probesAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rttrack",
			Name:      "probes_acked_total",
			Help:      "Probe cycles that completed with a delivery receipt, by channel and target.",
		}, labels),
		probesTimeout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rttrack",
			Name:      "probes_timeout_total",
			Help:      "Probe cycles that completed with a timeout, by channel and target.",
		}, labels),
		rttHistogram: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rttrack",
			Name:      "probe_rtt_milliseconds",
			Help:      "Observed target round-trip time in milliseconds, by channel and target.",
			Buckets:   []float64{50, 100, 200, 400, 800, 1500, 3000, 6000, 12000},
		}, labels),
		localRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rttrack",
			Name:      "local_network_rtt_milliseconds",
			Help:      "Most recent local-network control-signal RTT in milliseconds.",
		}),
		localLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rttrack",
			Name:      "local_network_loss_rate",
			Help:      "Fraction of the local-network monitor's ring buffer currently recording loss.",
		}),
		localJitter: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rttrack",
			Name:      "local_network_jitter_milliseconds",
			Help:      "Population standard deviation of the local-network monitor's ring buffer.",
		}),
	}

	reg.MustRegister(
		r.probesSent,
		r.probesAcked,
		r.probesTimeout,
		r.rttHistogram,
		r.localRTT,
		r.localLoss,
		r.localJitter,
	)
	return r
}

// Handler returns the http.Handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveProbeSent records the start of a probe cycle (spec.md §4.4
// Sending state).
func (r *Registry) ObserveProbeSent(channel store.Channel, targetID string) {
	r.probesSent.WithLabelValues(string(channel), targetID).Inc()
}

// ObserveProbeAcked records a delivery receipt and the RTT it implies.
func (r *Registry) ObserveProbeAcked(channel store.Channel, targetID string, rttMs int64) {
	r.probesAcked.WithLabelValues(string(channel), targetID).Inc()
	r.rttHistogram.WithLabelValues(string(channel), targetID).Observe(float64(rttMs))
}

// ObserveProbeTimeout records a probe cycle that timed out.
func (r *Registry) ObserveProbeTimeout(channel store.Channel, targetID string) {
	r.probesTimeout.WithLabelValues(string(channel), targetID).Inc()
}

// SetLocalNetworkStats updates the local-network monitor gauges
// (spec.md §4.2).
func (r *Registry) SetLocalNetworkStats(rttMs *int64, lossRate, jitterMs float64) {
	if rttMs != nil {
		r.localRTT.Set(float64(*rttMs))
	}
	r.localLoss.Set(lossRate)
	r.localJitter.Set(jitterMs)
}
