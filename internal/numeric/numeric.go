// Package numeric holds the clamping and averaging helpers shared by the
// control subsystems. Every score in the node is clamped at the point of
// computation rather than reported as an error.
package numeric

import "math"

// Clamp bounds v to [lo, hi]. NaN collapses to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Unit bounds v to [0, 1].
func Unit(v float64) float64 { return Clamp(v, 0, 1) }

// Mean returns the arithmetic mean of vs, or 0 for an empty slice.
func Mean(vs ...float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}
