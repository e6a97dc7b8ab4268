package netmonitor

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	"github.com/snapetech/rttrack/internal/clock"
)

// localListener spins up a TCP listener via nettest so tests never depend
// on a real public host (the teacher's health package dials real URLs
// behind httptest.Server; nettest is the TCP-level analogue).
func localListener(t *testing.T) (host string, port int, closeFn func()) {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("nettest.NewLocalListener: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	return host, p, func() { ln.Close() }
}

func TestMonitor_successRecordsRTT(t *testing.T) {
	host, port, closeFn := localListener(t)
	defer closeFn()

	m := New(Config{ReferenceHost: host, ReferencePort: port, DialTimeout: time.Second}, clock.New(), nil)
	ctx := context.Background()
	m.probeOnce(ctx)

	rtt := m.CurrentRTT()
	if rtt == nil {
		t.Fatal("CurrentRTT() = nil, want a value after a successful probe")
	}
	if *rtt < 0 {
		t.Errorf("CurrentRTT() = %d, want >= 0", *rtt)
	}
	if loss := m.CurrentLossRate(); loss != 0 {
		t.Errorf("CurrentLossRate() = %f, want 0 after one success", loss)
	}
}

func TestMonitor_failureRecordsLoss(t *testing.T) {
	// Port 1 on loopback with nothing listening; dial should fail quickly.
	m := New(Config{ReferenceHost: "127.0.0.1", ReferencePort: 1, DialTimeout: 50 * time.Millisecond}, clock.New(), nil)
	ctx := context.Background()
	m.probeOnce(ctx)

	if rtt := m.CurrentRTT(); rtt != nil {
		t.Errorf("CurrentRTT() = %v, want nil after a failed probe", *rtt)
	}
	if loss := m.CurrentLossRate(); loss != 1 {
		t.Errorf("CurrentLossRate() = %f, want 1 after one failure", loss)
	}
}

func TestMonitor_lossRateAcrossRing(t *testing.T) {
	host, port, closeFn := localListener(t)
	defer closeFn()

	m := New(Config{ReferenceHost: host, ReferencePort: port, DialTimeout: time.Second, RingBufferSize: 4}, clock.New(), nil)
	ctx := context.Background()
	closeFn() // now every subsequent dial fails
	m.probeOnce(ctx)
	m.probeOnce(ctx)
	if loss := m.CurrentLossRate(); loss != 1 {
		t.Errorf("CurrentLossRate() = %f, want 1 once listener is gone", loss)
	}
}

type capturingSink struct {
	rttMs    *int64
	lossRate float64
	jitterMs float64
	calls    int
}

func (s *capturingSink) SetLocalNetworkStats(rttMs *int64, lossRate, jitterMs float64) {
	s.rttMs = rttMs
	s.lossRate = lossRate
	s.jitterMs = jitterMs
	s.calls++
}

func TestMonitor_probeOnceUpdatesMetricsSink(t *testing.T) {
	host, port, closeFn := localListener(t)
	defer closeFn()

	sink := &capturingSink{}
	m := New(Config{ReferenceHost: host, ReferencePort: port, DialTimeout: time.Second}, clock.New(), nil).WithMetrics(sink)
	m.probeOnce(context.Background())

	if sink.calls != 1 {
		t.Fatalf("metrics sink called %d times, want 1", sink.calls)
	}
	if sink.rttMs == nil {
		t.Fatal("sink.rttMs = nil, want a value after a successful probe")
	}
}

func TestMonitor_startStopIdempotent(t *testing.T) {
	m := New(Config{ReferenceHost: "127.0.0.1", ReferencePort: 1, DialTimeout: 10 * time.Millisecond, PingInterval: 10 * time.Millisecond}, clock.New(), nil)
	ctx := context.Background()
	m.Start(ctx)
	m.Start(ctx) // no-op
	time.Sleep(30 * time.Millisecond)
	m.Stop()
	m.Stop() // no-op
}
