package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snapetech/rttrack/internal/adapter"
	"github.com/snapetech/rttrack/internal/clock"
	"github.com/snapetech/rttrack/internal/netmonitor"
	"github.com/snapetech/rttrack/internal/store"
)

// fakeAdapter is a minimal in-memory PlatformAdapter: SendProbe assigns a
// token, and test code delivers receipts by pushing onto recvCh.
type fakeAdapter struct {
	platform  string
	recvCh    chan adapter.Receipt
	sendErr   error
	nextToken int64
	sent      []string
	mu        sync.Mutex
}

func newFakeAdapter(platform string) *fakeAdapter {
	return &fakeAdapter{platform: platform, recvCh: make(chan adapter.Receipt, 8)}
}

func (f *fakeAdapter) Platform() string { return f.platform }

func (f *fakeAdapter) SendProbe(ctx context.Context, target string, method adapter.ProbeMethod) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	n := atomic.AddInt64(&f.nextToken, 1)
	token := fmt.Sprintf("tok-%d", n)
	f.mu.Lock()
	f.sent = append(f.sent, token)
	f.mu.Unlock()
	return token, nil
}

func (f *fakeAdapter) Receipts() <-chan adapter.Receipt { return f.recvCh }
func (f *fakeAdapter) Close() error                     { return nil }

func (f *fakeAdapter) lastToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type countingNotifier struct {
	n int32
}

func (c *countingNotifier) MeasurementCompleted(ctx context.Context, targetID string, channel store.Channel) {
	atomic.AddInt32(&c.n, 1)
}

type countingMetrics struct {
	sent, acked, timedOut int32
}

func (c *countingMetrics) ObserveProbeSent(channel store.Channel, targetID string) {
	atomic.AddInt32(&c.sent, 1)
}

func (c *countingMetrics) ObserveProbeAcked(channel store.Channel, targetID string, rttMs int64) {
	atomic.AddInt32(&c.acked, 1)
}

func (c *countingMetrics) ObserveProbeTimeout(channel store.Channel, targetID string) {
	atomic.AddInt32(&c.timedOut, 1)
}

func TestScheduler_ackProducesMeasurement(t *testing.T) {
	fa := newFakeAdapter("whatsapp")
	cm := &countingMetrics{}
	mgr := NewManager(fa, store.ChannelWhatsApp, 1000).WithMetrics(cm)
	st := newTestStore(t)
	mon := netmonitor.New(netmonitor.Config{ReferenceHost: "127.0.0.1", ReferencePort: 1}, clock.New(), nil)
	notifier := &countingNotifier{}

	sched := mgr.NewScheduler("t1", Config{ProbeTimeout: time.Second, BackoffMin: time.Hour, BackoffMax: time.Hour}, st, mon, clock.New(), notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)
	go sched.Run(ctx)

	require.Eventually(t, func() bool { return fa.lastToken() != "" }, time.Second, 10*time.Millisecond)
	fa.recvCh <- adapter.Receipt{ProbeToken: fa.lastToken(), DeliveredAtMs: time.Now().UnixMilli() + 50}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&notifier.n) > 0 }, time.Second, 10*time.Millisecond)

	rows, err := st.GetRawInWindow(ctx, "t1", store.ChannelWhatsApp, 0, time.Now().UnixMilli()+100000)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.False(t, rows[0].Timeout)
	require.EqualValues(t, 1, atomic.LoadInt32(&cm.sent))
	require.EqualValues(t, 1, atomic.LoadInt32(&cm.acked))
}

func TestScheduler_timeoutProducesMeasurement(t *testing.T) {
	fa := newFakeAdapter("signal")
	mgr := NewManager(fa, store.ChannelSignal, 1000)
	st := newTestStore(t)
	mon := netmonitor.New(netmonitor.Config{ReferenceHost: "127.0.0.1", ReferencePort: 1}, clock.New(), nil)
	notifier := &countingNotifier{}

	sched := mgr.NewScheduler("t2", Config{ProbeTimeout: 20 * time.Millisecond, BackoffMin: time.Hour, BackoffMax: time.Hour}, st, mon, clock.New(), notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)
	go sched.Run(ctx)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&notifier.n) > 0 }, time.Second, 10*time.Millisecond)

	rows, err := st.GetRawInWindow(ctx, "t2", store.ChannelSignal, 0, time.Now().UnixMilli()+100000)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, rows[0].Timeout)
	require.Nil(t, rows[0].TargetRTTMs)
}

func TestScheduler_duplicateReceiptIgnored(t *testing.T) {
	fa := newFakeAdapter("whatsapp")
	mgr := NewManager(fa, store.ChannelWhatsApp, 1000)
	st := newTestStore(t)
	mon := netmonitor.New(netmonitor.Config{ReferenceHost: "127.0.0.1", ReferencePort: 1}, clock.New(), nil)
	notifier := &countingNotifier{}

	sched := mgr.NewScheduler("t3", Config{ProbeTimeout: time.Second, BackoffMin: time.Hour, BackoffMax: time.Hour}, st, mon, clock.New(), notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)
	go sched.Run(ctx)

	require.Eventually(t, func() bool { return fa.lastToken() != "" }, time.Second, 10*time.Millisecond)
	tok := fa.lastToken()
	fa.recvCh <- adapter.Receipt{ProbeToken: tok, DeliveredAtMs: time.Now().UnixMilli()}
	fa.recvCh <- adapter.Receipt{ProbeToken: tok, DeliveredAtMs: time.Now().UnixMilli()} // spec.md S5

	require.Eventually(t, func() bool { return atomic.LoadInt32(&notifier.n) > 0 }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond) // let a wrongly-processed duplicate surface

	rows, err := st.GetRawInWindow(ctx, "t3", store.ChannelWhatsApp, 0, time.Now().UnixMilli()+100000)
	require.NoError(t, err)
	require.Len(t, rows, 1, "duplicate receipt for an already-matched token must be discarded")
}

func TestScheduler_stopDuringAwaitingAckAppendsNoRow(t *testing.T) {
	fa := newFakeAdapter("whatsapp")
	mgr := NewManager(fa, store.ChannelWhatsApp, 1000)
	st := newTestStore(t)
	mon := netmonitor.New(netmonitor.Config{ReferenceHost: "127.0.0.1", ReferencePort: 1}, clock.New(), nil)
	notifier := &countingNotifier{}

	sched := mgr.NewScheduler("t4", Config{ProbeTimeout: time.Hour, BackoffMin: time.Hour, BackoffMax: time.Hour}, st, mon, clock.New(), notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool { return sched.State() == StateAwaitingAck }, time.Second, 5*time.Millisecond)
	sched.Stop()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop within grace period")
	}

	rows, err := st.GetRawInWindow(ctx, "t4", store.ChannelWhatsApp, 0, time.Now().UnixMilli()+100000)
	require.NoError(t, err)
	require.Len(t, rows, 0)

	// A late receipt for the cancelled cycle's token must be dropped, not
	// crash the manager (spec.md §4.4 "drop any late-arriving receipt").
	fa.recvCh <- adapter.Receipt{ProbeToken: fa.lastToken(), DeliveredAtMs: time.Now().UnixMilli()}
	time.Sleep(50 * time.Millisecond)
}

func TestScheduler_sendFailureAppendsNoRowAndBacksOff(t *testing.T) {
	fa := newFakeAdapter("whatsapp")
	fa.sendErr = fmt.Errorf("bridge unreachable")
	mgr := NewManager(fa, store.ChannelWhatsApp, 1000)
	st := newTestStore(t)
	mon := netmonitor.New(netmonitor.Config{ReferenceHost: "127.0.0.1", ReferencePort: 1}, clock.New(), nil)

	sched := mgr.NewScheduler("t5", Config{ProbeTimeout: time.Second, BackoffMin: time.Hour, BackoffMax: time.Hour}, st, mon, clock.New(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)
	go sched.Run(ctx)

	require.Eventually(t, func() bool { return sched.State() == StateBackoff }, time.Second, 5*time.Millisecond)

	rows, err := st.GetRawInWindow(ctx, "t5", store.ChannelWhatsApp, 0, time.Now().UnixMilli()+100000)
	require.NoError(t, err)
	require.Len(t, rows, 0)
}
