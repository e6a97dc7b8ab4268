// Package netmonitor implements the local-network control monitor (spec.md
// §4.2): a continuous, target-independent TCP-handshake probe against a
// fixed reference endpoint, exposing the host's own current RTT and packet
// loss rate to the probe scheduler and analysis engine.
//
// Grounded on the teacher repo's internal/health package (deadline-bound
// network checks returning a classified error, never panicking into the
// caller) and internal/sdtprobe/worker.go's background-loop shape
// (configurable interval, context-cancellable, persists one result per
// tick). The ring buffer and variance/loss bookkeeping are new: the
// teacher's health checks are one-shot, this monitor is continuous.
package netmonitor

import (
	"context"
	"log"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/snapetech/rttrack/internal/clock"
	"github.com/snapetech/rttrack/internal/store"
)

// Config controls the monitor's probe cadence and target.
type Config struct {
	ReferenceHost  string
	ReferencePort  int
	PingInterval   time.Duration
	DialTimeout    time.Duration
	RingBufferSize int // default 50
}

func (c *Config) setDefaults() {
	if c.ReferenceHost == "" {
		c.ReferenceHost = "1.1.1.1"
	}
	if c.ReferencePort == 0 {
		c.ReferencePort = 80
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 2 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 1 * time.Second
	}
	if c.RingBufferSize <= 0 {
		c.RingBufferSize = 50
	}
}

// sample is one ring-buffer entry; rttMs is -1 for a failed/timed-out probe.
type sample struct {
	rttMs int64
	ok    bool
}

// MetricsSink receives the monitor's gauges after each probe. optional;
// internal/metrics.Registry implements it.
type MetricsSink interface {
	SetLocalNetworkStats(rttMs *int64, lossRate, jitterMs float64)
}

// Monitor is the singleton local network monitor. Start/Stop are
// idempotent. Safe for concurrent use.
type Monitor struct {
	cfg     Config
	clock   *clock.Clock
	store   *store.Store
	metrics MetricsSink

	mu      sync.RWMutex
	ring    []sample
	head    int
	count   int
	started bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// WithMetrics attaches a metrics sink updated after every probe. Returns m
// for chaining at construction.
func (m *Monitor) WithMetrics(sink MetricsSink) *Monitor {
	m.metrics = sink
	return m
}

// New returns a Monitor against cfg. store may be nil only in tests that do
// not need persistence.
func New(cfg Config, clk *clock.Clock, st *store.Store) *Monitor {
	cfg.setDefaults()
	return &Monitor{
		cfg:   cfg,
		clock: clk,
		store: st,
		ring:  make([]sample, cfg.RingBufferSize),
	}
}

// Start begins the background probe loop. Calling Start on an already
// started Monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.started = true
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.loop(ctx)
}

// Stop cancels the background loop and waits for it to exit. Calling Stop
// on a Monitor that was never started, or twice, is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.doneCh
	m.started = false
	m.mu.Unlock()

	cancel()
	<-done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		m.probeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// probeOnce performs a single TCP handshake probe and records the result.
// Errors are swallowed and logged (spec.md §4.2: "the monitor never throws
// into callers").
func (m *Monitor) probeOnce(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	addr := net.JoinHostPort(m.cfg.ReferenceHost, strconv.Itoa(m.cfg.ReferencePort))
	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	rtt := time.Since(start)
	ts := m.clock.NowMs()

	var rttMs *int64
	ok := err == nil
	if ok {
		conn.Close()
		v := rtt.Milliseconds()
		rttMs = &v
	} else {
		log.Printf("netmonitor: probe to %s failed: %v", addr, err)
	}

	m.record(sample{rttMs: valueOr(rttMs, -1), ok: ok})

	variance, loss := m.snapshot()
	if m.metrics != nil {
		m.metrics.SetLocalNetworkStats(rttMs, loss, variance)
	}
	if m.store != nil {
		if werr := m.store.AppendLocal(ctx, store.LocalNetworkSample{
			TimestampMs:     ts,
			RTTMs:           rttMs,
			Timeout:         !ok,
			VarianceMs:      int64(variance),
			PacketLossRate:  loss,
			ReferenceTarget: addr,
		}); werr != nil {
			log.Printf("netmonitor: append_local failed: %v", werr)
		}
	}
}

func (m *Monitor) record(s sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.head] = s
	m.head = (m.head + 1) % len(m.ring)
	if m.count < len(m.ring) {
		m.count++
	}
}

// CurrentRTT returns the last sample's RTT, or nil if the monitor has not
// probed yet or the last probe failed.
func (m *Monitor) CurrentRTT() *int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.count == 0 {
		return nil
	}
	last := m.ring[(m.head-1+len(m.ring))%len(m.ring)]
	if !last.ok {
		return nil
	}
	v := last.rttMs
	return &v
}

// CurrentLossRate returns the fraction of failed/timed-out probes in the
// ring buffer: count(null)/50 once full, else count(null)/len so far.
func (m *Monitor) CurrentLossRate() float64 {
	_, loss := m.snapshot()
	return loss
}

// snapshot computes (population stddev of valid RTTs, loss rate) over the
// current ring buffer contents under a read lock.
func (m *Monitor) snapshot() (variance float64, loss float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.count == 0 {
		return 0, 0
	}
	var valid []float64
	failures := 0
	for i := 0; i < m.count; i++ {
		s := m.ring[i]
		if s.ok {
			valid = append(valid, float64(s.rttMs))
		} else {
			failures++
		}
	}
	loss = float64(failures) / float64(m.count)
	if len(valid) < 6 {
		return 0, loss
	}
	return populationStdDev(valid), loss
}

func populationStdDev(xs []float64) float64 {
	n := float64(len(xs))
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / n
	var sqDiff float64
	for _, x := range xs {
		d := x - mean
		sqDiff += d * d
	}
	return math.Sqrt(sqDiff / n)
}

func valueOr(v *int64, def int64) int64 {
	if v == nil {
		return def
	}
	return *v
}

