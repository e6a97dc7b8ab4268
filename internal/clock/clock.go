// Package clock provides the monotonic timestamp and jitter source used
// throughout the measurement engine. Centralizing both here keeps the rest
// of the core free of direct time.Now()/rand calls, the way the teacher
// repo centralizes retry jitter in internal/httpclient.
package clock

import (
	"math/rand"
	"sync"
	"time"
)

// Clock is a source of monotonic wall-clock milliseconds and jittered
// durations. The zero value is not usable; use New.
type Clock struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a Clock seeded from the current time.
func New() *Clock {
	return &Clock{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NowMs returns milliseconds since the Unix epoch. Successive calls from a
// single goroutine are non-decreasing; the scheduler relies on this for the
// "strictly increasing timestamp_ms per target" invariant (spec.md §3),
// which it achieves by serializing writes per target, not by this call
// alone.
func (c *Clock) NowMs() int64 {
	return time.Now().UnixMilli()
}

// JitterMs returns a uniformly distributed duration in [minMs, maxMs],
// inclusive. Used by the probe scheduler's Backoff state (spec.md §4.4).
func (c *Clock) JitterMs(minMs, maxMs int) time.Duration {
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	c.mu.Lock()
	n := c.rng.Intn(maxMs - minMs + 1)
	c.mu.Unlock()
	return time.Duration(minMs+n) * time.Millisecond
}
