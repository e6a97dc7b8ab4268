package analysis

import "sort"

// These are the only statistical primitives the engine needs (spec.md §9
// "statistical computations ... implemented once, over a generic numeric
// sequence"). All operate on a copy of the input sorted ascending so
// callers can pass slices without worrying about mutation.

// sortedCopy returns xs sorted ascending, leaving xs untouched.
func sortedCopy(xs []float64) []float64 {
	out := make([]float64, len(xs))
	copy(out, xs)
	sort.Float64s(out)
	return out
}

// min returns the smallest value in xs. Panics on an empty slice; callers
// must check length first, matching how this package is always called
// behind a sample-count guard.
func min(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

// median returns the 50th percentile using the lower-median rule for
// even counts: the average of the two middle values (spec.md §4.5 step
// 1). xs need not be sorted.
func median(xs []float64) float64 {
	s := sortedCopy(xs)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// quartiles returns (q1, q3) using the rule spec.md §4.5 step 1 gives
// explicitly: the value at floor(0.25n) and floor(0.75n) in 0-indexed
// sorted order — not the many competing quantile conventions, this exact
// one.
func quartiles(xs []float64) (q1, q3 float64) {
	s := sortedCopy(xs)
	n := len(s)
	q1 = s[int(0.25*float64(n))]
	q3 = s[int(0.75*float64(n))]
	return q1, q3
}

// iqr returns q3 - q1 for xs.
func iqr(xs []float64) float64 {
	q1, q3 := quartiles(xs)
	return q3 - q1
}
