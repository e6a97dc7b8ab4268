package adapter

import (
	"github.com/snapetech/rttrack/internal/httpclient"
	"github.com/snapetech/rttrack/internal/store"
)

// SignalAdapter probes a target's Signal identity via an external HTTP
// bridge process (container orchestration and credential linking are out
// of scope per spec.md §1). Signal's receipt model only supports message
// delivery receipts for actual messages, so "reaction" and "delete"
// probes are not available here — only ProbeMethodMessage.
type SignalAdapter struct {
	*bridgeAdapter
}

// NewSignalAdapter builds an adapter against baseURL ($SIGNAL_API_URL).
// Uses httpclient.BridgeRetryPolicy: the Signal bridge treats 403 as a
// transient rate-limit and may itself be mid-reconnect to the Signal
// network, warranting the more aggressive retry policy (spec.md §6,
// §7 "external bridge unavailability is not fatal").
func NewSignalAdapter(baseURL string) *SignalAdapter {
	return &SignalAdapter{bridgeAdapter: newBridgeAdapter(
		string(store.ChannelSignal),
		baseURL,
		httpclient.BridgeRetryPolicy,
		[]ProbeMethod{ProbeMethodMessage},
		signalAddress,
	)}
}

// signalAddress applies the Signal identifier prefix to a normalized
// phone number (spec.md §6 "Identifier normalization").
func signalAddress(normalizedID string) string {
	return "signal:" + normalizedID
}
