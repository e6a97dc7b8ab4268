package hub

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/snapetech/rttrack/internal/adapter"
	"github.com/snapetech/rttrack/internal/store"
)

// envelope is the wire shape for every client<->core message (spec.md
// §6): a discriminator plus a freeform payload.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func mustEnvelope(typ string, payload any) []byte {
	p, err := json.Marshal(payload)
	if err != nil {
		// payload types are all hub-internal value structs; a marshal
		// failure here means a programming error, not a runtime condition.
		log.Printf("hub: BUG: failed to marshal %s payload: %v", typ, err)
		p = json.RawMessage("null")
	}
	b, err := json.Marshal(envelope{Type: typ, Payload: p})
	if err != nil {
		log.Printf("hub: BUG: failed to marshal envelope: %v", err)
		return nil
	}
	return b
}

// connection is one subscribed websocket client. set-probe-method is
// scoped to the connection (SPEC_FULL.md Open Question resolution): it
// only affects targets this connection adds afterward, never targets
// already tracked or added by other connections.
type connection struct {
	hub *Hub
	ws  *websocket.Conn

	send chan []byte

	mu            sync.Mutex
	subscriptions map[string]bool
	probeMethod   adapter.ProbeMethod
}

func (c *connection) isSubscribed(targetID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[targetID]
}

// trySend queues a frame for delivery, dropping it if the connection's
// outbound buffer is full rather than blocking the fan-out loop on one
// slow client (mirrors the scheduler's non-blocking receipt dispatch in
// internal/scheduler/manager.go).
func (c *connection) trySend(frame []byte) {
	if frame == nil {
		return
	}
	select {
	case c.send <- frame:
	default:
		log.Printf("hub: dropping update for slow connection")
	}
}

func (c *connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.trySend(mustEnvelope("error", errorPayload{Message: "malformed envelope"}))
			continue
		}
		c.handle(ctx, env)
	}
}

type errorPayload struct {
	Message string `json:"message"`
}

func (c *connection) handle(ctx context.Context, env envelope) {
	switch env.Type {
	case "list-targets":
		c.handleListTargets()
	case "subscribe":
		c.handleSubscribe(env.Payload)
	case "add-target":
		c.handleAddTarget(ctx, env.Payload)
	case "remove-target":
		c.handleRemoveTarget(env.Payload)
	case "set-probe-method":
		c.handleSetProbeMethod(env.Payload)
	case "get-available-days":
		c.handleGetAvailableDays(ctx, env.Payload)
	case "get-raw-for-day":
		c.handleGetRawForDay(ctx, env.Payload)
	default:
		c.trySend(mustEnvelope("error", errorPayload{Message: "unknown event type: " + env.Type}))
	}
}

func (c *connection) handleListTargets() {
	refs := c.hub.tracker.ListTargets()
	c.trySend(mustEnvelope("targets", targetsPayload{Targets: refs}))
}

type targetsPayload struct {
	Targets []TargetRef `json:"targets"`
}

type subscribePayload struct {
	TargetID string `json:"target_id"`
}

func (c *connection) handleSubscribe(raw json.RawMessage) {
	var p subscribePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.TargetID == "" {
		c.trySend(mustEnvelope("error", errorPayload{Message: "subscribe requires target_id"}))
		return
	}
	c.mu.Lock()
	c.subscriptions[p.TargetID] = true
	c.mu.Unlock()
}

type addTargetPayload struct {
	Identifier string `json:"identifier"`
	Channel    string `json:"channel"`
}

type targetAddedPayload struct {
	TargetID   string        `json:"target_id"`
	Channel    store.Channel `json:"channel"`
	Identifier string        `json:"identifier"`
}

func (c *connection) handleAddTarget(ctx context.Context, raw json.RawMessage) {
	var p addTargetPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Identifier == "" {
		c.trySend(mustEnvelope("error", errorPayload{Message: "add-target requires identifier and channel"}))
		return
	}
	channel := store.Channel(p.Channel)
	if channel != store.ChannelWhatsApp && channel != store.ChannelSignal {
		c.trySend(mustEnvelope("error", errorPayload{Message: "unknown channel: " + p.Channel}))
		return
	}

	c.mu.Lock()
	method := c.probeMethod
	c.mu.Unlock()

	targetID, err := c.hub.tracker.AddTarget(ctx, p.Identifier, channel, method)
	if err != nil {
		c.trySend(mustEnvelope("error", errorPayload{Message: err.Error()}))
		return
	}

	c.mu.Lock()
	c.subscriptions[targetID] = true
	c.mu.Unlock()

	c.trySend(mustEnvelope("target-added", targetAddedPayload{TargetID: targetID, Channel: channel, Identifier: p.Identifier}))
}

type removeTargetPayload struct {
	TargetID string `json:"target_id"`
}

func (c *connection) handleRemoveTarget(raw json.RawMessage) {
	var p removeTargetPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.TargetID == "" {
		c.trySend(mustEnvelope("error", errorPayload{Message: "remove-target requires target_id"}))
		return
	}
	c.hub.tracker.RemoveTarget(p.TargetID)
	c.mu.Lock()
	delete(c.subscriptions, p.TargetID)
	c.mu.Unlock()
	c.trySend(mustEnvelope("target-removed", removeTargetPayload{TargetID: p.TargetID}))
}

type setProbeMethodPayload struct {
	Method string `json:"method"`
}

func (c *connection) handleSetProbeMethod(raw json.RawMessage) {
	var p setProbeMethodPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.trySend(mustEnvelope("error", errorPayload{Message: "set-probe-method requires method"}))
		return
	}
	method := adapter.ProbeMethod(p.Method)
	switch method {
	case adapter.ProbeMethodDelete, adapter.ProbeMethodReaction, adapter.ProbeMethodMessage:
	default:
		c.trySend(mustEnvelope("error", errorPayload{Message: "unknown probe method: " + p.Method}))
		return
	}
	c.mu.Lock()
	c.probeMethod = method
	c.mu.Unlock()
}

type getAvailableDaysPayload struct {
	TargetID string `json:"target_id"`
}

type availableDaysPayload struct {
	TargetID string   `json:"target_id"`
	Days     []string `json:"days"`
}

func (c *connection) handleGetAvailableDays(ctx context.Context, raw json.RawMessage) {
	var p getAvailableDaysPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.TargetID == "" {
		c.trySend(mustEnvelope("error", errorPayload{Message: "get-available-days requires target_id"}))
		return
	}
	days, err := c.hub.store.GetAvailableDays(ctx, p.TargetID)
	if err != nil {
		c.trySend(mustEnvelope("error", errorPayload{Message: err.Error()}))
		return
	}
	c.trySend(mustEnvelope("available-days", availableDaysPayload{TargetID: p.TargetID, Days: days}))
}

type getRawForDayPayload struct {
	TargetID string `json:"target_id"`
	Date     string `json:"date"`
}

type rawForDayPayload struct {
	TargetID string              `json:"target_id"`
	Date     string              `json:"date"`
	Rows     []store.Measurement `json:"rows"`
}

func (c *connection) handleGetRawForDay(ctx context.Context, raw json.RawMessage) {
	var p getRawForDayPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.TargetID == "" || p.Date == "" {
		c.trySend(mustEnvelope("error", errorPayload{Message: "get-raw-for-day requires target_id and date"}))
		return
	}
	rows, err := c.hub.store.GetRawForDay(ctx, p.TargetID, p.Date)
	if err != nil {
		c.trySend(mustEnvelope("error", errorPayload{Message: err.Error()}))
		return
	}
	c.trySend(mustEnvelope("raw-for-day", rawForDayPayload{TargetID: p.TargetID, Date: p.Date, Rows: rows}))
}
