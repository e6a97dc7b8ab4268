package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/snapetech/rttrack/internal/adapter"
	"github.com/snapetech/rttrack/internal/analysis"
	"github.com/snapetech/rttrack/internal/clock"
	"github.com/snapetech/rttrack/internal/hub"
	"github.com/snapetech/rttrack/internal/netmonitor"
	"github.com/snapetech/rttrack/internal/scheduler"
	"github.com/snapetech/rttrack/internal/store"
)

// platformEndpoint bundles the per-platform collaborators (channel,
// manager, scheduler config) a tracked target is built from.
type platformEndpoint struct {
	channel store.Channel
	mgr     *scheduler.Manager
	cfg     scheduler.Config
}

// tracker implements hub.Tracker: it is the process wiring's single
// entry point for "add/remove/list tracked targets", bridging the hub's
// websocket protocol to the scheduler and analysis layers (spec.md §6
// add_target/remove_target/list_targets). One tracker exists per
// process, constructed explicitly in main rather than a package-level
// singleton (spec.md §9).
type tracker struct {
	store   *store.Store
	monitor *netmonitor.Monitor
	clock   *clock.Clock
	engine  *analysis.Engine

	endpoints map[store.Channel]*platformEndpoint

	mu        sync.Mutex
	schedules map[string]*trackedSchedule
}

type trackedSchedule struct {
	targetID string
	channel  store.Channel
	sched    *scheduler.Scheduler
	cancel   context.CancelFunc
}

func newTracker(st *store.Store, mon *netmonitor.Monitor, clk *clock.Clock, eng *analysis.Engine, endpoints map[store.Channel]*platformEndpoint) *tracker {
	return &tracker{
		store:     st,
		monitor:   mon,
		clock:     clk,
		engine:    eng,
		endpoints: endpoints,
		schedules: make(map[string]*trackedSchedule),
	}
}

// AddTarget implements hub.Tracker. identifier is resolved to a canonical
// target_id, its digits only (spec.md §6 "resolves identifier to a
// canonical target_id (adapter-specific)"). The tracker keys its schedules
// by the (channel, target_id) pair, and raw-measurement window queries
// filter on both; baselines, analysis lookups, day queries and
// RemoveTarget match on target_id alone, so the same number tracked on
// both channels shares those.
func (t *tracker) AddTarget(ctx context.Context, identifier string, channel store.Channel, method adapter.ProbeMethod) (string, error) {
	ep, ok := t.endpoints[channel]
	if !ok {
		return "", fmt.Errorf("tracker: channel %q has no adapter configured", channel)
	}
	targetID := adapter.NormalizeIdentifier(identifier)
	if targetID == "" {
		return "", fmt.Errorf("tracker: identifier %q has no digits to normalize", identifier)
	}
	key := string(channel) + "|" + targetID

	t.mu.Lock()
	if existing, ok := t.schedules[key]; ok {
		t.mu.Unlock()
		return existing.targetID, nil
	}
	t.mu.Unlock()

	cfg := ep.cfg
	cfg.ProbeMethod = method
	sched := ep.mgr.NewScheduler(targetID, cfg, t.store, t.monitor, t.clock, t.engine)

	// The scheduler outlives whichever websocket connection happened to add
	// it (spec.md §6: tracking stops only on remove_target, not on a
	// subscriber disconnecting), so its run context is rooted independently
	// of ctx rather than derived from it.
	runCtx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := sched.Run(runCtx); err != nil {
			_ = err // scheduler logs its own failures; Stop()/ctx cancellation is expected here.
		}
	}()

	t.mu.Lock()
	t.schedules[key] = &trackedSchedule{targetID: targetID, channel: channel, sched: sched, cancel: cancel}
	t.mu.Unlock()

	t.engine.Track(targetID, channel)
	return targetID, nil
}

// RemoveTarget implements hub.Tracker (spec.md §6 "stops scheduling and
// subscriptions; historical data remains").
func (t *tracker) RemoveTarget(targetID string) {
	t.mu.Lock()
	var found *trackedSchedule
	var key string
	for k, s := range t.schedules {
		if s.targetID == targetID {
			found = s
			key = k
			break
		}
	}
	if found != nil {
		delete(t.schedules, key)
	}
	t.mu.Unlock()

	if found == nil {
		return
	}
	found.sched.Stop()
	found.cancel()
	t.engine.Untrack(found.targetID, found.channel)
}

// ListTargets implements hub.Tracker.
func (t *tracker) ListTargets() []hub.TargetRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	refs := make([]hub.TargetRef, 0, len(t.schedules))
	for _, s := range t.schedules {
		refs = append(refs, hub.TargetRef{TargetID: s.targetID, Channel: s.channel})
	}
	return refs
}
