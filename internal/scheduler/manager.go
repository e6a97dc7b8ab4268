// Package scheduler implements the probe scheduler (spec.md §4.4): a
// per-target serialized send→ack-or-timeout→backoff cycle, fed by one
// shared receipt-consumer task per platform adapter (spec.md §5). One
// Manager exists per platform; it owns the adapter's receipt stream and
// routes each receipt to whichever target Scheduler is currently
// awaiting that token.
//
// Grounded on the teacher's internal/sdtprobe.Worker (context-cancellable
// background loop with configurable pacing, select-based waiting on
// multiple event sources) generalized from a one-shot probe sweep into a
// continuously-running per-target cycle, plus a dispatcher loop that has
// no analogue in the teacher and is built from spec.md's description of
// the receipt stream directly.
package scheduler

import (
	"context"
	"log"
	"sync"

	"golang.org/x/time/rate"

	"github.com/snapetech/rttrack/internal/adapter"
	"github.com/snapetech/rttrack/internal/clock"
	"github.com/snapetech/rttrack/internal/netmonitor"
	"github.com/snapetech/rttrack/internal/store"
)

// Notifier is called once per completed measurement cycle (ack, timeout,
// or stop — stop calls nothing). The analysis engine implements this to
// trigger an immediate analysis run (spec.md §4.5 "triggered by ... a
// measurement-completed notification").
type Notifier interface {
	MeasurementCompleted(ctx context.Context, targetID string, channel store.Channel)
}

// Metrics receives per-probe-cycle observations. internal/metrics.Registry
// implements this; it is optional so tests can omit it.
type Metrics interface {
	ObserveProbeSent(channel store.Channel, targetID string)
	ObserveProbeAcked(channel store.Channel, targetID string, rttMs int64)
	ObserveProbeTimeout(channel store.Channel, targetID string)
}

// Manager owns one platform adapter's shared receipt stream and the rate
// limiter that paces every target scheduler sharing that platform
// (spec.md §5's "one receipt-consumer task per platform adapter";
// DOMAIN STACK's golang.org/x/time/rate binding).
type Manager struct {
	channel store.Channel
	adapter adapter.PlatformAdapter
	limiter *rate.Limiter
	metrics Metrics

	mu      sync.Mutex
	waiters map[string]chan adapter.Receipt
}

// WithMetrics attaches a metrics sink; every Scheduler built afterward via
// NewScheduler reports through it. Returns m for chaining at construction.
func (m *Manager) WithMetrics(metrics Metrics) *Manager {
	m.metrics = metrics
	return m
}

// NewManager returns a Manager for ad, pacing probe sends across all of
// its targets at ratePerSecond (with a burst of int(ratePerSecond)+1).
func NewManager(ad adapter.PlatformAdapter, channel store.Channel, ratePerSecond float64) *Manager {
	if ratePerSecond <= 0 {
		ratePerSecond = 5
	}
	return &Manager{
		channel: channel,
		adapter: ad,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)+1),
		waiters: make(map[string]chan adapter.Receipt),
	}
}

// Run consumes the adapter's receipt stream until ctx is cancelled or the
// adapter closes it. Exactly one Run call should exist per Manager,
// started by the process wiring (spec.md §5 task list).
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case r, ok := <-m.adapter.Receipts():
			if !ok {
				return
			}
			m.dispatch(r)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) dispatch(r adapter.Receipt) {
	m.mu.Lock()
	ch, ok := m.waiters[r.ProbeToken]
	if ok {
		delete(m.waiters, r.ProbeToken)
	}
	m.mu.Unlock()
	if !ok {
		// No scheduler is waiting: either a duplicate past the adapter's
		// own dedup, or a late receipt for an already-timed-out/cancelled
		// cycle (spec.md §4.4 step 3: "drop any late-arriving receipt").
		return
	}
	select {
	case ch <- r:
	default:
		log.Printf("scheduler: %s receipt for %s dropped, waiter not reading", m.channel, r.ProbeToken)
	}
}

// awaitReceipt registers interest in token and returns a channel that
// receives at most one Receipt. cancel removes the registration; call it
// on every exit path (ack, timeout, or stop_tracking) to avoid leaking
// the waiter entry.
func (m *Manager) awaitReceipt(token string) (<-chan adapter.Receipt, func()) {
	ch := make(chan adapter.Receipt, 1)
	m.mu.Lock()
	m.waiters[token] = ch
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		delete(m.waiters, token)
		m.mu.Unlock()
	}
}

// NewScheduler builds a Scheduler for target, sharing this Manager's
// adapter, rate limiter, and receipt dispatch.
func (m *Manager) NewScheduler(target string, cfg Config, st *store.Store, mon *netmonitor.Monitor, clk *clock.Clock, notifier Notifier) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{
		mgr:      m,
		target:   target,
		channel:  m.channel,
		cfg:      cfg,
		store:    st,
		monitor:  mon,
		clock:    clk,
		notifier: notifier,
		state:    StateIdle,
	}
}
