// Package config loads process configuration from the environment, the way
// the rest of this codebase configures itself: a flat struct, defaulted and
// validated in one place, no config file format to version.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every tunable of the measurement-and-inference engine.
// Load from the environment. ConfigInvalid (spec §7) is returned by Load
// when a value is out of range; an integer variable whose value does not
// parse falls back to its default instead of producing an error.
type Config struct {
	// Port is the client-facing port for the Live Update Hub ($PORT).
	Port int

	// SignalAPIURL is the base URL of the Signal adapter's external bridge
	// ($SIGNAL_API_URL). Empty disables the Signal adapter at startup
	// (AdapterUnavailable, not fatal).
	SignalAPIURL string

	// WhatsAppAPIURL is the base URL of the WhatsApp adapter's external
	// bridge ($RTTT_WHATSAPP_API_URL). Not named in spec.md §6 (which only
	// calls out SIGNAL_API_URL) but required by the symmetric adapter
	// interface of spec.md §4.3; empty disables the WhatsApp adapter at
	// startup the same way an empty SignalAPIURL does.
	WhatsAppAPIURL string

	// ClientOrigin is the CORS origin allowed to subscribe ($CLIENT_ORIGIN).
	ClientOrigin string

	// Debug enables verbose store logging when truthy ($DEBUG).
	Debug bool

	// DataDir holds tracker.db ($RTTT_DATA_DIR).
	DataDir string

	// Local network monitor.
	ReferenceHost  string
	ReferencePort  int
	PingIntervalMs int
	LocalTimeoutMs int
	RingBufferSize int

	// Analysis engine.
	AnalysisSweepMs int
	BaselineWindow  int // max successful RTTs considered for a baseline (spec: 1000)
	BaselineMinimum int // minimum successful RTTs before a baseline exists (spec: 10)

	// Probe scheduler, per platform.
	WhatsAppProbeTimeoutMs int
	WhatsAppBackoffMinMs   int
	WhatsAppBackoffMaxMs   int
	SignalProbeTimeoutMs   int
	SignalBackoffMinMs     int
	SignalBackoffMaxMs     int
}

// Load reads Config from the environment, applying spec-mandated defaults.
func Load() (*Config, error) {
	c := &Config{
		Port:           getEnvInt("PORT", 8080),
		SignalAPIURL:   strings.TrimSuffix(os.Getenv("SIGNAL_API_URL"), "/"),
		WhatsAppAPIURL: strings.TrimSuffix(os.Getenv("RTTT_WHATSAPP_API_URL"), "/"),
		ClientOrigin:   getEnv("CLIENT_ORIGIN", "*"),
		Debug:          getEnvBool("DEBUG", false),

		DataDir: getEnv("RTTT_DATA_DIR", "."),

		ReferenceHost:  getEnv("RTTT_REF_HOST", "1.1.1.1"),
		ReferencePort:  getEnvInt("RTTT_REF_PORT", 80),
		PingIntervalMs: getEnvInt("RTTT_PING_INTERVAL_MS", 2000),
		LocalTimeoutMs: getEnvInt("RTTT_LOCAL_TIMEOUT_MS", 1000),
		RingBufferSize: getEnvInt("RTTT_RING_BUFFER_SIZE", 50),

		AnalysisSweepMs: getEnvInt("RTTT_ANALYSIS_SWEEP_MS", 60_000),
		BaselineWindow:  getEnvInt("RTTT_BASELINE_WINDOW", 1000),
		BaselineMinimum: getEnvInt("RTTT_BASELINE_MINIMUM", 10),

		WhatsAppProbeTimeoutMs: getEnvInt("RTTT_WHATSAPP_PROBE_TIMEOUT_MS", 10_000),
		WhatsAppBackoffMinMs:   getEnvInt("RTTT_WHATSAPP_BACKOFF_MIN_MS", 2000),
		WhatsAppBackoffMaxMs:   getEnvInt("RTTT_WHATSAPP_BACKOFF_MAX_MS", 5000),
		SignalProbeTimeoutMs:   getEnvInt("RTTT_SIGNAL_PROBE_TIMEOUT_MS", 15_000),
		SignalBackoffMinMs:     getEnvInt("RTTT_SIGNAL_BACKOFF_MIN_MS", 1000),
		SignalBackoffMaxMs:     getEnvInt("RTTT_SIGNAL_BACKOFF_MAX_MS", 2000),
	}
	return c, c.validate()
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT %d out of range", c.Port)
	}
	if c.ReferencePort <= 0 || c.ReferencePort > 65535 {
		return fmt.Errorf("config: RTTT_REF_PORT %d out of range", c.ReferencePort)
	}
	if c.PingIntervalMs <= 0 {
		return fmt.Errorf("config: RTTT_PING_INTERVAL_MS must be positive")
	}
	if c.RingBufferSize < 6 {
		return fmt.Errorf("config: RTTT_RING_BUFFER_SIZE must be >= 6 (variance needs >= 6 samples)")
	}
	if c.WhatsAppBackoffMinMs > c.WhatsAppBackoffMaxMs {
		return fmt.Errorf("config: RTTT_WHATSAPP_BACKOFF_MIN_MS > _MAX_MS")
	}
	if c.SignalBackoffMinMs > c.SignalBackoffMaxMs {
		return fmt.Errorf("config: RTTT_SIGNAL_BACKOFF_MIN_MS > _MAX_MS")
	}
	if c.BaselineMinimum <= 0 || c.BaselineMinimum > c.BaselineWindow {
		return fmt.Errorf("config: RTTT_BASELINE_MINIMUM must be > 0 and <= RTTT_BASELINE_WINDOW")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}
