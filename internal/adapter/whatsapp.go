package adapter

import (
	"github.com/snapetech/rttrack/internal/httpclient"
	"github.com/snapetech/rttrack/internal/store"
)

// WhatsAppAdapter probes a target's WhatsApp identity via an external
// bridge (a multi-device WhatsApp Web client run out-of-process; linking
// and QR exchange are explicitly out of scope per spec.md §1). Supports
// all three probe-method tags: a multi-device session can send an
// ephemeral reaction, a self-deleting message, or a plain message probe.
type WhatsAppAdapter struct {
	*bridgeAdapter
}

// NewWhatsAppAdapter builds an adapter against baseURL, the bridge's base
// address ($RTTT_WHATSAPP_API_URL). Uses httpclient.DefaultRetryPolicy:
// WhatsApp's bridge is a local/managed process, not a rate-limited public
// API, so the less aggressive policy (matching the teacher's default for
// same-trust-boundary calls) applies.
func NewWhatsAppAdapter(baseURL string) *WhatsAppAdapter {
	return &WhatsAppAdapter{bridgeAdapter: newBridgeAdapter(
		string(store.ChannelWhatsApp),
		baseURL,
		httpclient.DefaultRetryPolicy,
		[]ProbeMethod{ProbeMethodDelete, ProbeMethodReaction, ProbeMethodMessage},
		whatsAppJID,
	)}
}

// whatsAppJID applies the WhatsApp Web multi-device suffix to a
// normalized phone number (spec.md §6 "Identifier normalization").
func whatsAppJID(normalizedID string) string {
	return normalizedID + "@s.whatsapp.net"
}
