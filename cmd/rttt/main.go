// Command rttt is the responsiveness tracker: it probes WhatsApp/Signal
// targets over an external bridge, watches the local network as a
// control signal, infers a confidence-gated responsiveness state, and
// serves live updates plus history over a websocket hub.
//
// Wiring follows the teacher's cmd/plex-tuner/main.go shape (flags for
// the few values worth overriding at invocation, an HTTP mux,
// signal-triggered shutdown) adapted to supervise long-lived background
// tasks via internal/supervisor instead of a one-shot index-then-serve
// flow.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/snapetech/rttrack/internal/adapter"
	"github.com/snapetech/rttrack/internal/analysis"
	"github.com/snapetech/rttrack/internal/clock"
	"github.com/snapetech/rttrack/internal/config"
	"github.com/snapetech/rttrack/internal/hub"
	"github.com/snapetech/rttrack/internal/logging"
	"github.com/snapetech/rttrack/internal/metrics"
	"github.com/snapetech/rttrack/internal/netmonitor"
	"github.com/snapetech/rttrack/internal/scheduler"
	"github.com/snapetech/rttrack/internal/store"
	"github.com/snapetech/rttrack/internal/supervisor"
)

func main() {
	dataDir := flag.String("data-dir", "", "override RTTT_DATA_DIR")
	addr := flag.String("addr", "", "override PORT (host:port or :port)")
	addTarget := flag.String("add-target", "", "track identifier:channel at startup (e.g. 15551234567:whatsapp), for scripted bring-up")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	logger := logging.Default("rttt", cfg.Debug)
	logger.Infof("starting with data_dir=%s port=%d", cfg.DataDir, cfg.Port)

	st, err := store.Open(cfg.DataDir, cfg.Debug)
	if err != nil {
		// StoreFatal (spec.md §7): schema or disk failure at startup aborts.
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	clk := clock.New()
	reg := metrics.New()

	mon := netmonitor.New(netmonitor.Config{
		ReferenceHost:  cfg.ReferenceHost,
		ReferencePort:  cfg.ReferencePort,
		PingInterval:   time.Duration(cfg.PingIntervalMs) * time.Millisecond,
		DialTimeout:    time.Duration(cfg.LocalTimeoutMs) * time.Millisecond,
		RingBufferSize: cfg.RingBufferSize,
	}, clk, st).WithMetrics(reg)

	endpoints := make(map[store.Channel]*platformEndpoint)

	if cfg.WhatsAppAPIURL != "" {
		wa := adapter.NewWhatsAppAdapter(cfg.WhatsAppAPIURL)
		mgr := scheduler.NewManager(wa, store.ChannelWhatsApp, 5).WithMetrics(reg)
		endpoints[store.ChannelWhatsApp] = &platformEndpoint{
			channel: store.ChannelWhatsApp,
			mgr:     mgr,
			cfg: scheduler.Config{
				ProbeTimeout: time.Duration(cfg.WhatsAppProbeTimeoutMs) * time.Millisecond,
				BackoffMin:   time.Duration(cfg.WhatsAppBackoffMinMs) * time.Millisecond,
				BackoffMax:   time.Duration(cfg.WhatsAppBackoffMaxMs) * time.Millisecond,
			},
		}
	} else {
		logger.Infof("RTTT_WHATSAPP_API_URL unset: WhatsApp adapter disabled (AdapterUnavailable, not fatal)")
	}

	if cfg.SignalAPIURL != "" {
		sig := adapter.NewSignalAdapter(cfg.SignalAPIURL)
		mgr := scheduler.NewManager(sig, store.ChannelSignal, 5).WithMetrics(reg)
		endpoints[store.ChannelSignal] = &platformEndpoint{
			channel: store.ChannelSignal,
			mgr:     mgr,
			cfg: scheduler.Config{
				ProbeTimeout: time.Duration(cfg.SignalProbeTimeoutMs) * time.Millisecond,
				BackoffMin:   time.Duration(cfg.SignalBackoffMinMs) * time.Millisecond,
				BackoffMax:   time.Duration(cfg.SignalBackoffMaxMs) * time.Millisecond,
			},
		}
	} else {
		logger.Infof("SIGNAL_API_URL unset: Signal adapter disabled (AdapterUnavailable, not fatal)")
	}

	var h *hub.Hub
	eng := analysis.New(analysis.Config{
		BaselineWindow:  cfg.BaselineWindow,
		BaselineMinimum: cfg.BaselineMinimum,
		SweepInterval:   time.Duration(cfg.AnalysisSweepMs) * time.Millisecond,
	}, st, clk, publisherFunc(func(targetID string, channel store.Channel, w store.AnalysisWindow) {
		if h != nil {
			h.PublishAnalysis(targetID, channel, w)
		}
	}))

	trk := newTracker(st, mon, clk, eng, endpoints)
	h = hub.New(st, trk, cfg.ClientOrigin)

	if *addTarget != "" {
		identifier, channel, ok := strings.Cut(*addTarget, ":")
		if !ok {
			log.Fatalf("rttt: -add-target must be identifier:channel, got %q", *addTarget)
		}
		targetID, err := trk.AddTarget(context.Background(), identifier, store.Channel(channel), "")
		if err != nil {
			log.Fatalf("rttt: -add-target: %v", err)
		}
		logger.Infof("tracking %s/%s from -add-target", channel, targetID)
	}

	sup := supervisor.New()
	sup.Add(supervisor.Entry{
		Name: "netmonitor",
		Run: func(ctx context.Context) error {
			mon.Start(ctx)
			<-ctx.Done()
			mon.Stop()
			return nil
		},
	})
	for _, ep := range endpoints {
		ep := ep
		sup.Add(supervisor.Entry{
			Name:    "scheduler-manager-" + string(ep.channel),
			Run:     func(ctx context.Context) error { ep.mgr.Run(ctx); return nil },
			Restart: true,
		})
	}
	sup.Add(supervisor.Entry{
		Name: "analysis-sweep",
		Run: func(ctx context.Context) error {
			ticker := time.NewTicker(time.Duration(cfg.AnalysisSweepMs) * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					eng.RunSweep(ctx)
				}
			}
		},
		Restart: true,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.Handle("/metrics", reg.Handler())

	listenAddr := *addr
	if listenAddr == "" {
		listenAddr = ":" + strconv.Itoa(cfg.Port)
	}
	srv := &http.Server{Addr: listenAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup.Add(supervisor.Entry{
		Name:     "http",
		FailFast: true,
		Run: func(ctx context.Context) error {
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if err == http.ErrServerClosed {
					return nil
				}
				return err
			}
		},
	})

	logger.Infof("listening on %s", listenAddr)
	if err := sup.Run(ctx); err != nil {
		log.Fatalf("rttt: %v", err)
	}
	logger.Infof("shut down cleanly")
}

type publisherFunc func(targetID string, channel store.Channel, w store.AnalysisWindow)

func (f publisherFunc) PublishAnalysis(targetID string, channel store.Channel, w store.AnalysisWindow) {
	f(targetID, channel, w)
}

