// Package store is the append-only measurement store (spec.md §4.1): four
// tables, SQL-level recomputability, single-writer serialization with
// concurrent readers. Grounded on the teacher repo's only database/sql call
// site, internal/plex/dvr.go (sql.Open("sqlite", …) against
// modernc.org/sqlite, parameterized Exec/Query), generalized from a
// single-table key/value patch into the four append-only tables this spec
// requires.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS raw_measurements (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp_ms         INTEGER NOT NULL,
	channel              TEXT    NOT NULL,
	target_id            TEXT    NOT NULL,
	target_rtt_ms        INTEGER,
	timeout              INTEGER NOT NULL,
	local_network_rtt_ms INTEGER,
	probe_method         TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_target_ts ON raw_measurements(target_id, timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_raw_ts ON raw_measurements(timestamp_ms);

CREATE TABLE IF NOT EXISTS local_network_metrics (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp_ms      INTEGER NOT NULL,
	rtt_ms            INTEGER,
	timeout           INTEGER NOT NULL,
	variance_ms       INTEGER NOT NULL,
	packet_loss_rate  REAL    NOT NULL,
	reference_target  TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_local_ts ON local_network_metrics(timestamp_ms);

CREATE TABLE IF NOT EXISTS baselines (
	target_id     TEXT PRIMARY KEY,
	channel       TEXT    NOT NULL,
	min_rtt_ms    INTEGER NOT NULL,
	median_rtt_ms REAL    NOT NULL,
	iqr_ms        REAL    NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	sample_count  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS analysis_windows (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	start_ms             INTEGER NOT NULL,
	end_ms               INTEGER NOT NULL,
	target_id            TEXT    NOT NULL,
	channel              TEXT    NOT NULL,
	sample_count         INTEGER NOT NULL,
	noise_score          REAL    NOT NULL,
	responsiveness_score REAL    NOT NULL,
	confidence_score     REAL    NOT NULL,
	derived_state        TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analysis_target_end ON analysis_windows(target_id, end_ms);
`

// Store is the append-only measurement store. Zero value is not usable; use
// Open. Safe for concurrent use: writes are serialized by writeMu (spec.md
// §5, "single writer serialization must be enforced at the store
// boundary"); reads pass straight through to the pool of reader
// connections WAL mode allows.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	debug   bool
}

// Open creates (if absent) and opens dataDir/tracker.db, creating the
// schema idempotently in a transaction, and configuring WAL journal mode so
// readers never block on the writer. debug enables verbose store logging
// (spec.md §6, $DEBUG).
func Open(dataDir string, debug bool) (*Store, error) {
	path := filepath.Join(dataDir, "tracker.db")
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &FatalError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(8)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, &FatalError{Op: "set journal_mode", Err: err}
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, &FatalError{Op: "set foreign_keys", Err: err}
	}

	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, &FatalError{Op: "begin schema tx", Err: err}
	}
	if _, err := tx.Exec(schema); err != nil {
		tx.Rollback()
		db.Close()
		return nil, &FatalError{Op: "create schema", Err: err}
	}
	if err := tx.Commit(); err != nil {
		db.Close()
		return nil, &FatalError{Op: "commit schema tx", Err: err}
	}

	s := &Store{db: db, debug: debug}
	if debug {
		log.Printf("store: opened %s", path)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withRetry runs fn, retrying up to 5 attempts with jittered backoff when fn
// reports a TransientError, and escalating to FatalError once retries are
// exhausted (spec.md §7).
func (s *Store) withRetry(op string, fn func() error) error {
	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var transient *TransientError
		if !isTransient(err) {
			return err
		}
		lastErr = err
		wait := backoff(attempt)
		if s.debug {
			log.Printf("store: %s: transient error (attempt %d/%d), retrying in %s: %v", op, attempt+1, maxAttempts, wait, err)
		}
		_ = transient
		time.Sleep(wait)
	}
	return &FatalError{Op: op, Err: fmt.Errorf("retries exhausted: %w", lastErr)}
}

func isTransient(err error) bool {
	_, ok := err.(*TransientError)
	return ok
}

func backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * 10 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(base/2 + 1)))
	return base + jitter
}

// AppendRaw persists a Measurement. Total: a constraint violation (a bug in
// the writer) is a FatalError, never a TransientError.
func (s *Store) AppendRaw(ctx context.Context, m Measurement) error {
	if err := m.validate(); err != nil {
		return &FatalError{Op: "append_raw", Err: err}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.withRetry("append_raw", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO raw_measurements
				(timestamp_ms, channel, target_id, target_rtt_ms, timeout, local_network_rtt_ms, probe_method)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.TimestampMs, string(m.Channel), m.TargetID, nullableInt(m.TargetRTTMs), boolToInt(m.Timeout),
			nullableInt(m.LocalNetworkRTTMs), m.ProbeMethod)
		return classifyWriteErr(err)
	})
}

// AppendLocal persists a LocalNetworkSample. Total.
func (s *Store) AppendLocal(ctx context.Context, r LocalNetworkSample) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.withRetry("append_local", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO local_network_metrics
				(timestamp_ms, rtt_ms, timeout, variance_ms, packet_loss_rate, reference_target)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.TimestampMs, nullableInt(r.RTTMs), boolToInt(r.Timeout), r.VarianceMs, r.PacketLossRate, r.ReferenceTarget)
		return classifyWriteErr(err)
	})
}

// UpsertBaseline replaces the Baseline row for b.TargetID.
func (s *Store) UpsertBaseline(ctx context.Context, b Baseline) error {
	if err := b.validate(); err != nil {
		return &FatalError{Op: "upsert_baseline", Err: err}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.withRetry("upsert_baseline", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO baselines (target_id, channel, min_rtt_ms, median_rtt_ms, iqr_ms, updated_at_ms, sample_count)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(target_id) DO UPDATE SET
				channel=excluded.channel,
				min_rtt_ms=excluded.min_rtt_ms,
				median_rtt_ms=excluded.median_rtt_ms,
				iqr_ms=excluded.iqr_ms,
				updated_at_ms=excluded.updated_at_ms,
				sample_count=excluded.sample_count`,
			b.TargetID, string(b.Channel), b.MinRTTMs, b.MedianRTTMs, b.IQRMs, b.UpdatedAtMs, b.SampleCount)
		return classifyWriteErr(err)
	})
}

// AppendAnalysis persists an AnalysisWindow. Total; historical ranges may be
// recomputed and re-appended, the newest row for a target wins for live
// display (spec.md §3).
func (s *Store) AppendAnalysis(ctx context.Context, a AnalysisWindow) error {
	if err := a.validate(); err != nil {
		return &FatalError{Op: "append_analysis", Err: err}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.withRetry("append_analysis", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO analysis_windows
				(start_ms, end_ms, target_id, channel, sample_count, noise_score, responsiveness_score, confidence_score, derived_state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.StartMs, a.EndMs, a.TargetID, string(a.Channel), a.SampleCount,
			a.NoiseScore, a.ResponsivenessScore, a.ConfidenceScore, string(a.DerivedState))
		return classifyWriteErr(err)
	})
}

// GetRecentSuccessRTTs returns the most recent N target_rtt_ms values for
// (targetID, channel) where timeout=false and the value is non-null, newest
// first.
func (s *Store) GetRecentSuccessRTTs(ctx context.Context, targetID string, channel Channel, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_rtt_ms FROM raw_measurements
		WHERE target_id = ? AND channel = ? AND timeout = 0 AND target_rtt_ms IS NOT NULL
		ORDER BY timestamp_ms DESC
		LIMIT ?`, targetID, string(channel), limit)
	if err != nil {
		return nil, fmt.Errorf("store: get_recent_success_rtts: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("store: get_recent_success_rtts scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetRawInWindow returns all raw rows for (targetID, channel) in
// [startMs, endMs], chronological.
func (s *Store) GetRawInWindow(ctx context.Context, targetID string, channel Channel, startMs, endMs int64) ([]Measurement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp_ms, channel, target_id, target_rtt_ms, timeout, local_network_rtt_ms, probe_method
		FROM raw_measurements
		WHERE target_id = ? AND channel = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC`, targetID, string(channel), startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("store: get_raw_in_window: %w", err)
	}
	defer rows.Close()
	return scanMeasurements(rows)
}

// GetRawForDay returns chronological raw rows falling on localDate (a
// "YYYY-MM-DD" civil date string) in the host's local time zone.
func (s *Store) GetRawForDay(ctx context.Context, targetID string, localDate string) ([]Measurement, error) {
	day, err := time.ParseInLocation("2006-01-02", localDate, time.Local)
	if err != nil {
		return nil, fmt.Errorf("store: get_raw_for_day: invalid date %q: %w", localDate, err)
	}
	startMs := day.UnixMilli()
	endMs := day.AddDate(0, 0, 1).UnixMilli() - 1

	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp_ms, channel, target_id, target_rtt_ms, timeout, local_network_rtt_ms, probe_method
		FROM raw_measurements
		WHERE target_id = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC`, targetID, startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("store: get_raw_for_day: %w", err)
	}
	defer rows.Close()
	return scanMeasurements(rows)
}

// GetAvailableDays returns distinct local-date strings (derived from
// timestamp_ms in the host's local time zone) sorted descending.
func (s *Store) GetAvailableDays(ctx context.Context, targetID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT timestamp_ms FROM raw_measurements WHERE target_id = ?`, targetID)
	if err != nil {
		return nil, fmt.Errorf("store: get_available_days: %w", err)
	}
	defer rows.Close()
	seen := map[string]struct{}{}
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("store: get_available_days scan: %w", err)
		}
		day := time.UnixMilli(ts).In(time.Local).Format("2006-01-02")
		seen[day] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	days := make([]string, 0, len(seen))
	for d := range seen {
		days = append(days, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	return days, nil
}

// GetLatestAnalysis returns the newest AnalysisWindow (by end_ms) for
// targetID, or ErrNotFound.
func (s *Store) GetLatestAnalysis(ctx context.Context, targetID string) (AnalysisWindow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT start_ms, end_ms, target_id, channel, sample_count, noise_score, responsiveness_score, confidence_score, derived_state
		FROM analysis_windows WHERE target_id = ? ORDER BY end_ms DESC LIMIT 1`, targetID)
	var a AnalysisWindow
	var channel, state string
	err := row.Scan(&a.StartMs, &a.EndMs, &a.TargetID, &channel, &a.SampleCount, &a.NoiseScore, &a.ResponsivenessScore, &a.ConfidenceScore, &state)
	if err == sql.ErrNoRows {
		return AnalysisWindow{}, ErrNotFound
	}
	if err != nil {
		return AnalysisWindow{}, fmt.Errorf("store: get_latest_analysis: %w", err)
	}
	a.Channel = Channel(channel)
	a.DerivedState = DerivedState(state)
	return a, nil
}

// GetBaseline returns the Baseline for targetID, or ErrNotFound.
func (s *Store) GetBaseline(ctx context.Context, targetID string) (Baseline, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT target_id, channel, min_rtt_ms, median_rtt_ms, iqr_ms, updated_at_ms, sample_count
		FROM baselines WHERE target_id = ?`, targetID)
	var b Baseline
	var channel string
	err := row.Scan(&b.TargetID, &channel, &b.MinRTTMs, &b.MedianRTTMs, &b.IQRMs, &b.UpdatedAtMs, &b.SampleCount)
	if err == sql.ErrNoRows {
		return Baseline{}, ErrNotFound
	}
	if err != nil {
		return Baseline{}, fmt.Errorf("store: get_baseline: %w", err)
	}
	b.Channel = Channel(channel)
	return b, nil
}

func scanMeasurements(rows *sql.Rows) ([]Measurement, error) {
	var out []Measurement
	for rows.Next() {
		var m Measurement
		var channel string
		var targetRTT, localRTT sql.NullInt64
		var timeoutInt int
		if err := rows.Scan(&m.TimestampMs, &channel, &m.TargetID, &targetRTT, &timeoutInt, &localRTT, &m.ProbeMethod); err != nil {
			return nil, fmt.Errorf("store: scan measurement: %w", err)
		}
		m.Channel = Channel(channel)
		m.Timeout = timeoutInt != 0
		if targetRTT.Valid {
			v := targetRTT.Int64
			m.TargetRTTMs = &v
		}
		if localRTT.Valid {
			v := localRTT.Int64
			m.LocalNetworkRTTMs = &v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// classifyWriteErr distinguishes lock-contention (transient) from every
// other database/sql error (treated as fatal — a constraint violation on a
// raw table is a bug in the writer, per spec.md §4.1).
func classifyWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if isLockedErr(err) {
		return &TransientError{Op: "write", Err: err}
	}
	return &FatalError{Op: "write", Err: err}
}
