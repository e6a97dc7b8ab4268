package clock

import "testing"

func TestJitterMs_range(t *testing.T) {
	c := New()
	for i := 0; i < 200; i++ {
		d := c.JitterMs(1000, 2000)
		if d < 1000_000_000 || d > 2000_000_000 { // nanoseconds
			t.Fatalf("JitterMs out of range: %v", d)
		}
	}
}

func TestJitterMs_degenerate(t *testing.T) {
	c := New()
	if got := c.JitterMs(500, 500); got.Milliseconds() != 500 {
		t.Errorf("JitterMs(500,500) = %v, want 500ms", got)
	}
	if got := c.JitterMs(500, 100); got.Milliseconds() != 500 {
		t.Errorf("JitterMs(500,100) = %v, want 500ms (max<=min falls back to min)", got)
	}
}

func TestNowMs_monotonicNonDecreasing(t *testing.T) {
	c := New()
	prev := c.NowMs()
	for i := 0; i < 1000; i++ {
		cur := c.NowMs()
		if cur < prev {
			t.Fatalf("NowMs went backwards: %d -> %d", prev, cur)
		}
		prev = cur
	}
}
