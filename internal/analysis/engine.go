// Package analysis implements the analysis engine (spec.md §4.5): per
// measurement-completed notification or periodic sweep, it recomputes a
// target's baseline, noise score, responsiveness score, confidence
// score, and gated derived state, then appends an AnalysisWindow and
// publishes it.
//
// Grounded on spec.md §4.5's six numbered steps directly — none of the
// teacher's packages compute anything statistical, so there is no
// teacher code to adapt here beyond the surrounding shape (a per-target
// cache guarded by a mutex, the way the teacher's internal/catalog
// caches parsed channel lists in memory over a read-through store).
package analysis

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/snapetech/rttrack/internal/logging"
	"github.com/snapetech/rttrack/internal/store"
)

// Publisher receives a completed AnalysisWindow for fan-out to live
// subscribers (spec.md §4.6). The hub implements this.
type Publisher interface {
	PublishAnalysis(targetID string, channel store.Channel, window store.AnalysisWindow)
}

// Config controls the analysis window and baseline parameters (spec.md
// §4.5's "default every 60s" sweep and the baseline sample bounds).
type Config struct {
	WindowSize      time.Duration // default 60s
	BaselineWindow  int           // max successful RTTs considered (spec: 1000)
	BaselineMinimum int           // min successful RTTs required (spec: 10)
	SweepInterval   time.Duration // default 60s
}

func (c *Config) setDefaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = 60 * time.Second
	}
	if c.BaselineWindow <= 0 {
		c.BaselineWindow = 1000
	}
	if c.BaselineMinimum <= 0 {
		c.BaselineMinimum = 10
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
}

// Engine is the analysis engine. One Engine serves every tracked target;
// per-target state is the baseline cache plus a per-target serialization
// lock (spec.md §5: "runs must be serialized per target so that the
// latest analysis row is deterministic").
type Engine struct {
	cfg       Config
	store     *store.Store
	clock     interface{ NowMs() int64 }
	publisher Publisher
	log       *logging.Logger

	mu          sync.Mutex
	baselines   map[string]store.Baseline // keyed by target_id; read-through cache, never authoritative
	targetLocks map[string]*sync.Mutex

	tracked sync.Map // target registry for the periodic sweep: key "channel|target" -> target
}

type trackedTarget struct {
	targetID string
	channel  store.Channel
}

// New builds an Engine. clk is the clock.Clock; typed as an interface
// here so this package does not import internal/clock just for NowMs.
func New(cfg Config, st *store.Store, clk interface{ NowMs() int64 }, pub Publisher) *Engine {
	cfg.setDefaults()
	return &Engine{
		cfg:         cfg,
		store:       st,
		clock:       clk,
		publisher:   pub,
		log:         logging.Default("analysis", false),
		baselines:   make(map[string]store.Baseline),
		targetLocks: make(map[string]*sync.Mutex),
	}
}

// Track registers (targetID, channel) for the periodic sweep. Untrack
// removes it. The scheduler's MeasurementCompleted notification does not
// require Track — it names the target directly.
func (e *Engine) Track(targetID string, channel store.Channel) {
	e.tracked.Store(trackKey(targetID, channel), trackedTarget{targetID: targetID, channel: channel})
}

func (e *Engine) Untrack(targetID string, channel store.Channel) {
	e.tracked.Delete(trackKey(targetID, channel))
}

func trackKey(targetID string, channel store.Channel) string {
	return string(channel) + "|" + targetID
}

// MeasurementCompleted implements scheduler.Notifier: triggers an
// immediate analysis run for the target (spec.md §4.5 "triggered by ...
// a measurement-completed notification").
func (e *Engine) MeasurementCompleted(ctx context.Context, targetID string, channel store.Channel) {
	if err := e.Run(ctx, targetID, channel); err != nil {
		log.Printf("analysis: %s/%s run failed: %v", channel, targetID, err)
	}
}

// RunSweep runs analysis for every tracked target once. Intended to be
// called from a ticker loop at cfg.SweepInterval (spec.md §4.5 "a
// periodic sweep (default every 60s) over all tracked targets").
func (e *Engine) RunSweep(ctx context.Context) {
	e.tracked.Range(func(_, v any) bool {
		t := v.(trackedTarget)
		if err := e.Run(ctx, t.targetID, t.channel); err != nil {
			log.Printf("analysis: sweep %s/%s failed: %v", t.channel, t.targetID, err)
		}
		return true
	})
}

func (e *Engine) lockFor(targetID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.targetLocks[targetID]
	if !ok {
		l = &sync.Mutex{}
		e.targetLocks[targetID] = l
	}
	return l
}

// Run performs one full analysis pass for (targetID, channel): baseline
// update, window selection, noise/responsiveness/confidence scoring,
// state derivation, append, publish. Serialized per target so concurrent
// triggers (measurement-completed + periodic sweep) never race (spec.md
// §5).
func (e *Engine) Run(ctx context.Context, targetID string, channel store.Channel) error {
	lock := e.lockFor(targetID)
	lock.Lock()
	defer lock.Unlock()

	// Step 1 — baseline update.
	baseline, hasBaseline, err := e.updateBaseline(ctx, targetID, channel)
	if err != nil {
		return err
	}

	// Step 2 — window selection.
	nowMs := e.clock.NowMs()
	startMs := nowMs - e.cfg.WindowSize.Milliseconds()
	rows, err := e.store.GetRawInWindow(ctx, targetID, channel, startMs, nowMs)
	if err != nil {
		return err
	}

	// Step 3 — noise score.
	noiseScore := computeNoiseScore(rows)

	// Step 4 — responsiveness score.
	responsiveness := computeResponsiveness(rows, baseline, hasBaseline)

	// Step 5 — confidence.
	confidence, fastPath := computeConfidence(rows, noiseScore, hasBaseline)

	// Step 6 — state derivation.
	state := deriveState(confidence, responsiveness, fastPath)

	window := store.AnalysisWindow{
		StartMs:             startMs,
		EndMs:               nowMs,
		TargetID:            targetID,
		Channel:             channel,
		SampleCount:         len(rows),
		NoiseScore:          noiseScore,
		ResponsivenessScore: responsiveness,
		ConfidenceScore:     confidence,
		DerivedState:        state,
	}
	if err := e.store.AppendAnalysis(ctx, window); err != nil {
		return err
	}

	e.log.Debugf("%s/%s: samples=%d noise=%.3f responsiveness=%.3f confidence=%.3f state=%s",
		channel, targetID, len(rows), noiseScore, responsiveness, confidence, state)

	if e.publisher != nil {
		e.publisher.PublishAnalysis(targetID, channel, window)
	}
	return nil
}

// updateBaseline implements spec.md §4.5 step 1. Returns the baseline to
// use for this run (the freshly computed one if updated, else the
// cached/stored one) and whether a baseline exists at all.
func (e *Engine) updateBaseline(ctx context.Context, targetID string, channel store.Channel) (store.Baseline, bool, error) {
	rtts, err := e.store.GetRecentSuccessRTTs(ctx, targetID, channel, e.cfg.BaselineWindow)
	if err != nil {
		return store.Baseline{}, false, err
	}

	if len(rtts) >= e.cfg.BaselineMinimum {
		xs := make([]float64, len(rtts))
		for i, v := range rtts {
			xs[i] = float64(v)
		}
		q1, q3 := quartiles(xs)
		b := store.Baseline{
			TargetID:    targetID,
			Channel:     channel,
			MinRTTMs:    int64(min(xs)),
			MedianRTTMs: median(xs),
			IQRMs:       q3 - q1,
			UpdatedAtMs: e.clock.NowMs(),
			SampleCount: len(rtts),
		}
		if err := e.store.UpsertBaseline(ctx, b); err != nil {
			return store.Baseline{}, false, err
		}
		e.mu.Lock()
		e.baselines[targetID] = b
		e.mu.Unlock()
		return b, true, nil
	}

	// Fewer than BaselineMinimum successful samples: skip the update and
	// fall back to any previously cached/stored baseline (spec.md §4.5
	// "If fewer than 10, skip baseline update").
	e.mu.Lock()
	b, ok := e.baselines[targetID]
	e.mu.Unlock()
	if ok {
		return b, true, nil
	}
	stored, err := e.store.GetBaseline(ctx, targetID)
	if err == nil {
		e.mu.Lock()
		e.baselines[targetID] = stored
		e.mu.Unlock()
		return stored, true, nil
	}
	return store.Baseline{}, false, nil
}

// computeNoiseScore implements spec.md §4.5 step 3.
func computeNoiseScore(rows []store.Measurement) float64 {
	var diffs []float64
	for _, r := range rows {
		if r.TargetRTTMs == nil || r.LocalNetworkRTTMs == nil {
			continue
		}
		d := float64(*r.TargetRTTMs) - float64(*r.LocalNetworkRTTMs)
		if d < 0 {
			d = -d
		}
		diffs = append(diffs, d)
	}
	if len(diffs) < 2 {
		return 0
	}
	iqrD := iqr(diffs)
	score := iqrD / 500
	if score > 1 {
		score = 1
	}
	return score
}

// computeResponsiveness implements spec.md §4.5 step 4.
func computeResponsiveness(rows []store.Measurement, baseline store.Baseline, hasBaseline bool) float64 {
	var total, valid float64
	for _, r := range rows {
		if r.Timeout {
			total += 0
			valid++
			continue
		}
		if r.TargetRTTMs == nil {
			continue
		}
		if !hasBaseline {
			continue // "If no baseline exists, skip this row"
		}
		local := int64(0)
		if r.LocalNetworkRTTMs != nil {
			local = *r.LocalNetworkRTTMs
		}
		normalized := *r.TargetRTTMs - local
		if normalized < 0 {
			normalized = 0
		}
		threshold := baseline.Threshold()
		switch {
		case float64(normalized) <= threshold:
			total += 1.0
		case float64(normalized) <= 2*threshold:
			total += 0.5
		default:
			total += 0.1
		}
		valid++
	}
	if valid == 0 {
		return 0
	}
	return total / valid
}

// computeConfidence implements spec.md §4.5 step 5. Returns (confidence,
// fastPath) — fastPath feeds directly into state derivation (step 6),
// distinct from confidence's numeric value, per spec.md §9's Open
// Question guidance to keep the fast-path override ordering exactly as
// specified (fast path sets confidence=0.8 first; noise gating can still
// zero it afterward).
func computeConfidence(rows []store.Measurement, noiseScore float64, hasBaseline bool) (confidence float64, fastPath bool) {
	confidence = 1.0
	samples := len(rows)

	if !hasBaseline {
		allLow := samples >= 3
		sawAny := false
		for _, r := range rows {
			if r.TargetRTTMs == nil {
				continue // "samples with null target RTT do not disqualify"
			}
			sawAny = true
			local := int64(0)
			if r.LocalNetworkRTTMs != nil {
				local = *r.LocalNetworkRTTMs
			}
			if *r.TargetRTTMs-local >= 1000 {
				allLow = false
				break
			}
		}
		if samples >= 3 && sawAny && allLow {
			confidence = 0.8
			fastPath = true
		} else {
			confidence *= 0.1
		}
	}

	if noiseScore > 0.5 {
		confidence = 0 // noise gating is non-negotiable, applied after fast path
	}

	if samples < 3 {
		confidence *= 0.5
	}

	return confidence, fastPath
}

// deriveState implements spec.md §4.5 step 6. Scenario S1 pins down an
// ordering the prose alone leaves ambiguous: fast_path must override the
// responsiveness=0.0 → Offline branch (a fast-path run has no baseline,
// so every row is skipped and responsiveness is trivially 0 — S1's
// expected result is Online, not Offline, "fast_path override on
// responsiveness≤0.8"), so the fast_path check is evaluated before the
// zero-responsiveness check.
func deriveState(confidence, responsiveness float64, fastPath bool) store.DerivedState {
	switch {
	case confidence <= 0.6:
		return store.StateUnknown
	case fastPath:
		return store.StateOnline
	case responsiveness == 0.0:
		return store.StateOffline
	case responsiveness > 0.8:
		return store.StateOnline
	default:
		return store.StateStandby
	}
}
