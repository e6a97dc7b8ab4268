package config

import (
	"os"
	"testing"
)

func TestLoad_defaults(t *testing.T) {
	os.Clearenv()
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Port != 8080 {
		t.Errorf("Port = %d, want 8080", c.Port)
	}
	if c.ReferenceHost != "1.1.1.1" || c.ReferencePort != 80 {
		t.Errorf("reference = %s:%d, want 1.1.1.1:80", c.ReferenceHost, c.ReferencePort)
	}
	if c.PingIntervalMs != 2000 {
		t.Errorf("PingIntervalMs = %d, want 2000", c.PingIntervalMs)
	}
	if c.WhatsAppProbeTimeoutMs != 10_000 || c.SignalProbeTimeoutMs != 15_000 {
		t.Errorf("probe timeouts = %d/%d, want 10000/15000", c.WhatsAppProbeTimeoutMs, c.SignalProbeTimeoutMs)
	}
	if c.WhatsAppBackoffMinMs != 2000 || c.WhatsAppBackoffMaxMs != 5000 {
		t.Errorf("whatsapp backoff = %d/%d, want 2000/5000", c.WhatsAppBackoffMinMs, c.WhatsAppBackoffMaxMs)
	}
	if c.SignalBackoffMinMs != 1000 || c.SignalBackoffMaxMs != 2000 {
		t.Errorf("signal backoff = %d/%d, want 1000/2000", c.SignalBackoffMinMs, c.SignalBackoffMaxMs)
	}
}

func TestLoad_overrides(t *testing.T) {
	os.Clearenv()
	os.Setenv("PORT", "9090")
	os.Setenv("SIGNAL_API_URL", "http://localhost:8090/")
	os.Setenv("RTTT_WHATSAPP_API_URL", "http://localhost:8091/")
	os.Setenv("CLIENT_ORIGIN", "https://dash.example")
	os.Setenv("DEBUG", "true")
	os.Setenv("RTTT_DATA_DIR", "/var/lib/rttrack")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Port != 9090 {
		t.Errorf("Port = %d, want 9090", c.Port)
	}
	if c.SignalAPIURL != "http://localhost:8090" {
		t.Errorf("SignalAPIURL = %q, want trailing slash trimmed", c.SignalAPIURL)
	}
	if c.WhatsAppAPIURL != "http://localhost:8091" {
		t.Errorf("WhatsAppAPIURL = %q, want trailing slash trimmed", c.WhatsAppAPIURL)
	}
	if c.ClientOrigin != "https://dash.example" {
		t.Errorf("ClientOrigin = %q", c.ClientOrigin)
	}
	if !c.Debug {
		t.Error("Debug = false, want true")
	}
	if c.DataDir != "/var/lib/rttrack" {
		t.Errorf("DataDir = %q", c.DataDir)
	}
}

func TestLoad_invalidPort(t *testing.T) {
	os.Clearenv()
	os.Setenv("PORT", "70000")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for out-of-range PORT")
	}
}

func TestLoad_invalidBackoffRange(t *testing.T) {
	os.Clearenv()
	os.Setenv("RTTT_WHATSAPP_BACKOFF_MIN_MS", "9000")
	os.Setenv("RTTT_WHATSAPP_BACKOFF_MAX_MS", "1000")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when backoff min > max")
	}
}

func TestLoad_invalidBaselineMinimum(t *testing.T) {
	os.Clearenv()
	os.Setenv("RTTT_BASELINE_MINIMUM", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-positive baseline minimum")
	}
}
