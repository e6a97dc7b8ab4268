// Package logging provides the tracker's thin logging conventions: a
// prefixed *log.Logger per subsystem plus a couple of formatting helpers
// for the numbers that show up constantly in this codebase (sample
// counts, RTT-adjacent timestamps). Grounded on the teacher's use of the
// stdlib log package throughout (cmd/plex-tuner/main.go, internal/*)
// with a "subsystem: message" prefix convention, generalized here into
// an actual *log.Logger per subsystem instead of ad-hoc Printf prefixes.
package logging

import (
	"io"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

// Level gates debug-only output. The teacher's config has a single
// Debug bool; this mirrors it rather than introducing a leveled logger.
type Level int

const (
	LevelInfo Level = iota
	LevelDebug
)

// Logger wraps a *log.Logger with a debug gate, matching the teacher's
// DEBUG env var convention (internal/config).
type Logger struct {
	info  *log.Logger
	debug *log.Logger
	level Level
}

// New returns a Logger writing to w with the given subsystem prefix.
func New(w io.Writer, subsystem string, level Level) *Logger {
	flags := log.LstdFlags
	return &Logger{
		info:  log.New(w, subsystem+": ", flags),
		debug: log.New(w, subsystem+" [debug]: ", flags),
		level: level,
	}
}

// Default returns a Logger writing to os.Stderr for subsystem, debug
// output enabled when debug is true.
func Default(subsystem string, debug bool) *Logger {
	lvl := LevelInfo
	if debug {
		lvl = LevelDebug
	}
	return New(os.Stderr, subsystem, lvl)
}

func (l *Logger) Infof(format string, args ...any) {
	l.info.Printf(format, args...)
}

func (l *Logger) Debugf(format string, args ...any) {
	if l.level < LevelDebug {
		return
	}
	l.debug.Printf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.info.Printf(format, args...)
}

// Fatalf logs and exits 1, matching the teacher's log.Fatalf usage in
// cmd/plex-tuner/main.go for unrecoverable startup errors.
func (l *Logger) Fatalf(format string, args ...any) {
	l.info.Fatalf(format, args...)
}

// SampleCount renders a measurement count with thousands separators,
// e.g. for "baseline updated from 1,248 samples" log lines.
func SampleCount(n int) string {
	return humanize.Comma(int64(n))
}

// Since renders a relative-time description of a past timestamp, e.g.
// "3 seconds ago", for log lines about stale probes or connections.
func Since(ms int64) string {
	return humanize.Time(time.UnixMilli(ms))
}
