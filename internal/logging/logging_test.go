package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLogger_debugGating(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "test", LevelInfo)
	l.Debugf("hidden %d", 1)
	if buf.Len() != 0 {
		t.Errorf("Debugf wrote output at LevelInfo: %q", buf.String())
	}

	l2 := New(&buf, "test", LevelDebug)
	l2.Debugf("visible %d", 2)
	if !strings.Contains(buf.String(), "visible 2") {
		t.Errorf("Debugf did not write output at LevelDebug: %q", buf.String())
	}
}

func TestLogger_infofPrefixed(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "scheduler", LevelInfo)
	l.Infof("probe sent to %s", "t1")
	if !strings.Contains(buf.String(), "scheduler: probe sent to t1") {
		t.Errorf("Infof missing subsystem prefix: %q", buf.String())
	}
}

func TestSampleCount(t *testing.T) {
	if got := SampleCount(1248); got != "1,248" {
		t.Errorf("SampleCount(1248) = %q, want 1,248", got)
	}
}

func TestSince(t *testing.T) {
	ms := time.Now().Add(-5 * time.Minute).UnixMilli()
	got := Since(ms)
	if got == "" {
		t.Error("Since returned empty string")
	}
}
