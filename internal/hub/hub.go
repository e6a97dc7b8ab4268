// Package hub implements the Live Update Hub (spec.md §4.6): it fans out
// derived-state changes to subscribed clients and serves historical
// queries backed by the store. The subscriber protocol (spec.md §6) is
// transport-agnostic in the spec; this package carries it over
// gorilla/websocket, the enrichment DOMAIN STACK binds in for exactly
// this long-lived, bidirectional surface (the teacher's own HTTP server
// only ever serves polling clients).
//
// Connection lifecycle (readPump/writePump, ping/pong liveness) is
// modeled on the keepalive shape in teranos-QNTX's
// plugin/grpc/websocket_keepalive.go, simplified to plain JSON frames
// instead of its protobuf envelope (this module has no protobuf
// dependency and spec.md's events are already a small closed set).
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/snapetech/rttrack/internal/adapter"
	"github.com/snapetech/rttrack/internal/store"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Tracker is implemented by the process wiring: it owns adapters and
// schedulers and knows how to start/stop tracking a target. The hub
// never imports internal/scheduler or internal/adapter's concrete
// adapters directly, only this capability (spec.md §9 "global singletons
// ... should be expressed as explicit dependency handles").
type Tracker interface {
	AddTarget(ctx context.Context, identifier string, channel store.Channel, method adapter.ProbeMethod) (targetID string, err error)
	RemoveTarget(targetID string)
	ListTargets() []TargetRef
}

// TargetRef names one tracked (target_id, channel) pair.
type TargetRef struct {
	TargetID string        `json:"target_id"`
	Channel  store.Channel `json:"channel"`
}

// UpdatePayload is the display-ready derived state pushed to subscribers
// (spec.md §4.6): "Clients must not re-derive state; they render what
// the core reports."
type UpdatePayload struct {
	TargetID       string             `json:"target_id"`
	Channel        store.Channel      `json:"channel"`
	RTTMs          *int64             `json:"rtt_ms"`
	State          store.DerivedState `json:"state"`
	Confidence     float64            `json:"confidence"`
	Noise          float64            `json:"noise"`
	Responsiveness float64            `json:"responsiveness"`
	Median         float64            `json:"median"`
	Threshold      float64            `json:"threshold"`
	TimestampMs    int64              `json:"timestamp_ms"`
}

// Hub is the Live Update Hub. One Hub serves every websocket subscriber
// for the process.
type Hub struct {
	store    *store.Store
	tracker  Tracker
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*connection]struct{}
}

// New builds a Hub. clientOrigin is the CORS/WS origin allowed to
// subscribe ($CLIENT_ORIGIN); "*" allows any origin.
func New(st *store.Store, tracker Tracker, clientOrigin string) *Hub {
	h := &Hub{
		store:   st,
		tracker: tracker,
		conns:   make(map[*connection]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if clientOrigin == "" || clientOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == clientOrigin
		},
	}
	return h
}

// ServeHTTP upgrades the request to a websocket connection and serves
// the subscriber protocol on it until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: upgrade failed: %v", err)
		return
	}
	c := &connection{
		hub:           h,
		ws:            ws,
		send:          make(chan []byte, 32),
		subscriptions: make(map[string]bool),
		probeMethod:   adapter.ProbeMethodMessage,
	}
	h.register(c)
	defer h.unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.writePump(ctx) }()
	go func() { defer wg.Done(); c.readPump(ctx, cancel) }()
	wg.Wait()
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	close(c.send)
}

// PublishAnalysis implements analysis.Publisher: fans an AnalysisWindow
// out to every connection subscribed to targetID; subscriptions are keyed
// by target_id alone, not by channel (spec.md
// §4.6 "subscribe(target_id) ... delivered on each analysis
// completion").
func (h *Hub) PublishAnalysis(targetID string, channel store.Channel, window store.AnalysisWindow) {
	payload := h.buildUpdatePayload(targetID, channel, window)
	frame := mustEnvelope("update", payload)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if !c.isSubscribed(targetID) {
			continue
		}
		c.trySend(frame)
	}
}

func (h *Hub) buildUpdatePayload(targetID string, channel store.Channel, window store.AnalysisWindow) UpdatePayload {
	p := UpdatePayload{
		TargetID:       targetID,
		Channel:        channel,
		State:          window.DerivedState,
		Confidence:     window.ConfidenceScore,
		Noise:          window.NoiseScore,
		Responsiveness: window.ResponsivenessScore,
		TimestampMs:    window.EndMs,
	}
	if b, err := h.store.GetBaseline(context.Background(), targetID); err == nil {
		p.Median = b.MedianRTTMs
		p.Threshold = b.Threshold()
	}
	rows, err := h.store.GetRawInWindow(context.Background(), targetID, channel, window.StartMs, window.EndMs)
	if err == nil && len(rows) > 0 {
		last := rows[len(rows)-1]
		p.RTTMs = last.TargetRTTMs
		p.TimestampMs = last.TimestampMs
	}
	return p
}
