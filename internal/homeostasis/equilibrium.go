package homeostasis

import "autognosis/internal/numeric"

// EquilibriumDetector tracks a scalar signal in a ring buffer and reports
// equilibrium when its variance falls below the threshold.
type EquilibriumDetector struct {
	buf       []float64
	next      int
	filled    int
	threshold float64
	damping   float64
	variance  float64
	trend     float64
}

// NewEquilibriumDetector creates a detector holding size samples.
func NewEquilibriumDetector(size int, threshold, damping float64) *EquilibriumDetector {
	if size < 2 {
		size = 2
	}
	return &EquilibriumDetector{buf: make([]float64, size), threshold: threshold, damping: damping}
}

// Update appends v and recomputes variance and trend over the samples seen.
func (d *EquilibriumDetector) Update(v float64) {
	d.buf[d.next] = v
	d.next = (d.next + 1) % len(d.buf)
	if d.filled < len(d.buf) {
		d.filled++
	}
	d.analyze()
}

// samples returns the recorded values oldest first.
func (d *EquilibriumDetector) samples() []float64 {
	out := make([]float64, 0, d.filled)
	start := 0
	if d.filled == len(d.buf) {
		start = d.next
	}
	for i := 0; i < d.filled; i++ {
		out = append(out, d.buf[(start+i)%len(d.buf)])
	}
	return out
}

func (d *EquilibriumDetector) analyze() {
	xs := d.samples()
	n := float64(len(xs))
	mean := numeric.Mean(xs...)
	var variance, sx, sy, sxy, sxx float64
	for i, y := range xs {
		diff := y - mean
		variance += diff * diff
		x := float64(i)
		sx += x
		sy += y
		sxy += x * y
		sxx += x * x
	}
	d.variance = variance / n
	d.trend = (n*sxy - sx*sy) / (n*sxx - sx*sx + 0.001)
}

// InEquilibrium reports whether the variance is under the threshold.
func (d *EquilibriumDetector) InEquilibrium() bool { return d.variance < d.threshold }

// Variance returns the current sample variance.
func (d *EquilibriumDetector) Variance() float64 { return d.variance }

// Trend returns the regression slope per sample.
func (d *EquilibriumDetector) Trend() float64 { return d.trend }

// Damping returns the oscillation damping factor.
func (d *EquilibriumDetector) Damping() float64 { return d.damping }

// AdjustDamping raises damping under high instability and relaxes it when
// the signal is calm.
func (d *EquilibriumDetector) AdjustDamping(instability float64) {
	switch {
	case instability > 0.5:
		d.damping += 0.01
	case instability < 0.1:
		d.damping -= 0.005
	}
	d.damping = numeric.Clamp(d.damping, 0.01, 0.5)
}
