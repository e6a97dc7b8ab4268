package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/snapetech/rttrack/internal/adapter"
	"github.com/snapetech/rttrack/internal/clock"
	"github.com/snapetech/rttrack/internal/netmonitor"
	"github.com/snapetech/rttrack/internal/store"
)

// State is one node of the per-target probe cycle (spec.md §4.4):
// Idle → Sending → AwaitingAck → (Acked | TimedOut) → Backoff → Idle.
type State string

const (
	StateIdle        State = "idle"
	StateSending     State = "sending"
	StateAwaitingAck State = "awaiting_ack"
	StateBackoff     State = "backoff"
)

// Config controls one target's probe cycle. Platform defaults (probe
// timeout, backoff range) are supplied by the caller from
// internal/config; ProbeMethod may be changed at runtime via
// SetProbeMethod (spec.md §6 "set-probe-method", scoped per subscriber
// connection by the hub, applied here per target).
type Config struct {
	ProbeMethod  adapter.ProbeMethod
	ProbeTimeout time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
}

func (c *Config) setDefaults() {
	if c.ProbeMethod == "" {
		c.ProbeMethod = adapter.ProbeMethodMessage
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 2 * time.Second
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = c.BackoffMin
	}
}

// ErrStopped is returned by Run when stop_tracking (Stop) ends the cycle
// cleanly; callers should not treat it as a failure.
var ErrStopped = errors.New("scheduler: stopped")

// Scheduler drives the serialized probe cycle for exactly one (target,
// channel) pair. No two cycles for the same target ever overlap (spec.md
// §4.4's "no concurrent Sending for the same target") because Run is a
// single goroutine looping through its own state.
type Scheduler struct {
	mgr      *Manager
	target   string
	channel  store.Channel
	store    *store.Store
	monitor  *netmonitor.Monitor
	clock    *clock.Clock
	notifier Notifier

	mu    sync.Mutex
	cfg   Config
	state State

	stopped chan struct{}
	stopReq chan struct{}
	once    sync.Once
}

// SetProbeMethod changes the probe variant used by future cycles. Takes
// effect starting with the next Idle→Sending transition.
func (s *Scheduler) SetProbeMethod(m adapter.ProbeMethod) {
	s.mu.Lock()
	s.cfg.ProbeMethod = m
	s.mu.Unlock()
}

func (s *Scheduler) configSnapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the scheduler's current state (diagnostic/test use).
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop requests cooperative cancellation (spec.md §4.4 "stop_tracking").
// It does not block; Run's return is what tells the caller the scheduler
// has actually exited.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopReq) })
}

// Run drives the probe cycle until ctx is cancelled or Stop is called.
// Must be called exactly once; the caller supervises it (spec.md §5 "one
// Probe Scheduler task per tracked target per platform").
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped == nil {
		s.stopped = make(chan struct{})
		s.stopReq = make(chan struct{})
	}
	s.mu.Unlock()
	defer close(s.stopped)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopReq:
			return ErrStopped
		default:
		}

		if err := s.mgr.limiter.Wait(ctx); err != nil {
			return err
		}

		extraBackoff, err := s.runCycle(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if errors.Is(err, ErrStopped) {
				return err
			}
		}

		cfg := s.configSnapshot()
		s.setState(StateBackoff)
		delay := s.clock.JitterMs(int(cfg.BackoffMin.Milliseconds()), int(cfg.BackoffMax.Milliseconds())) + extraBackoff
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopReq:
			return ErrStopped
		case <-time.After(delay):
		}
		s.setState(StateIdle)
	}
}

// runCycle performs exactly one Sending→AwaitingAck→(Acked|TimedOut)
// transition and returns an additional backoff delay to add on top of
// the normal jittered range (spec.md §4.4 step 5: send failures extend
// the minimum delay by 5s).
func (s *Scheduler) runCycle(ctx context.Context) (extraBackoff time.Duration, err error) {
	cfg := s.configSnapshot()

	s.setState(StateSending)
	if s.mgr.metrics != nil {
		s.mgr.metrics.ObserveProbeSent(s.channel, s.target)
	}
	sendStartMs := s.clock.NowMs()
	token, sendErr := s.mgr.adapter.SendProbe(ctx, s.target, cfg.ProbeMethod)
	if sendErr != nil {
		// spec.md §4.4: "any exception from send_probe is logged and
		// treated as the equivalent of a timeout but does not append a
		// row (absent network effect to observe)".
		log.Printf("scheduler: %s/%s send_probe failed: %v", s.channel, s.target, sendErr)
		return 5 * time.Second, nil
	}

	select {
	case <-s.stopReq:
		// spec.md §4.4 cancellation: "If in Sending, let the call settle
		// and discard its token" — the send already completed above, so
		// simply never register interest in its receipt.
		return 0, ErrStopped
	default:
	}

	s.setState(StateAwaitingAck)
	receiptCh, unregister := s.mgr.awaitReceipt(token)
	defer unregister()

	timer := time.NewTimer(cfg.ProbeTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()

	case <-s.stopReq:
		// spec.md §4.4 cancellation: "If in AwaitingAck, cancel the
		// deadline, do not append a row".
		return 0, ErrStopped

	case r := <-receiptCh:
		rttMs := r.DeliveredAtMs - sendStartMs
		if rttMs < 0 {
			rttMs = 0
		}
		localRTT := s.monitor.CurrentRTT()
		m := store.Measurement{
			TimestampMs:       r.DeliveredAtMs,
			Channel:           s.channel,
			TargetID:          s.target,
			TargetRTTMs:       ptrInt64(rttMs),
			Timeout:           false,
			LocalNetworkRTTMs: localRTT,
			ProbeMethod:       string(cfg.ProbeMethod),
		}
		if err := s.store.AppendRaw(ctx, m); err != nil {
			log.Printf("scheduler: %s/%s append_raw (ack) failed: %v", s.channel, s.target, err)
		}
		if s.mgr.metrics != nil {
			s.mgr.metrics.ObserveProbeAcked(s.channel, s.target, rttMs)
		}
		s.notify(ctx)
		return 0, nil

	case <-timer.C:
		localRTT := s.monitor.CurrentRTT()
		m := store.Measurement{
			TimestampMs:       s.clock.NowMs(),
			Channel:           s.channel,
			TargetID:          s.target,
			TargetRTTMs:       nil,
			Timeout:           true,
			LocalNetworkRTTMs: localRTT,
			ProbeMethod:       string(cfg.ProbeMethod),
		}
		if err := s.store.AppendRaw(ctx, m); err != nil {
			log.Printf("scheduler: %s/%s append_raw (timeout) failed: %v", s.channel, s.target, err)
		}
		if s.mgr.metrics != nil {
			s.mgr.metrics.ObserveProbeTimeout(s.channel, s.target)
		}
		s.notify(ctx)
		return 0, nil
	}
}

func (s *Scheduler) notify(ctx context.Context) {
	if s.notifier == nil {
		return
	}
	s.notifier.MeasurementCompleted(ctx, s.target, s.channel)
}

func ptrInt64(v int64) *int64 { return &v }
