// Package agency measures the node's disorder, computes how fast it drifts,
// and grows an ordinal agency level in response. Event-processing vortices
// absorb perception, cognition and action events and periodically reset.
package agency

import (
	"math"
	"time"

	"autognosis/internal/numeric"
)

// Observation is what the engine reads from the rest of the node each cycle.
type Observation struct {
	MeanTruth      float64
	HasAtoms       bool
	CognitiveLoad  float64
	TopologyHealth float64
	Autonomy       float64
	At             time.Time
}

// Metric is one entropy snapshot.
type Metric struct {
	Information    float64
	Thermodynamic  float64
	Organizational float64
	Cognitive      float64
	Coherence      float64
	DriftRate      float64
	MeasuredAt     time.Time
}

// Total is the sum of the four dimensions.
func (m Metric) Total() float64 {
	return m.Information + m.Thermodynamic + m.Organizational + m.Cognitive
}

// ShannonBinary is the binary entropy of p with a small offset that keeps
// the logarithm finite at p = 0 and p = 1.
func ShannonBinary(p float64) float64 {
	p = numeric.Unit(p)
	h := -p*math.Log2(p+0.001) - (1-p)*math.Log2(1-p+0.001)
	return numeric.Unit(h)
}

// Meter keeps the latest snapshot and its predecessor.
type Meter struct {
	current  *Metric
	previous *Metric
}

// Measure computes a new snapshot from obs. Drift is the change in total
// entropy per second since the previous snapshot, 0 when there is none or
// when no time has passed.
func (m *Meter) Measure(obs Observation) Metric {
	next := Metric{
		Thermodynamic:  numeric.Unit(obs.CognitiveLoad),
		Organizational: numeric.Unit(1 - obs.TopologyHealth),
		Cognitive:      numeric.Unit(1 - obs.Autonomy),
		MeasuredAt:     obs.At,
	}
	if obs.HasAtoms {
		next.Information = ShannonBinary(obs.MeanTruth)
	}
	next.Coherence = numeric.Unit(1 - next.Total()/4)

	if m.current != nil {
		dt := next.MeasuredAt.Sub(m.current.MeasuredAt).Seconds()
		if dt > 0 {
			next.DriftRate = (next.Total() - m.current.Total()) / dt
		}
	}
	m.previous = m.current
	m.current = &next
	return next
}

// Latest returns the most recent snapshot.
func (m *Meter) Latest() (Metric, bool) {
	if m.current == nil {
		return Metric{}, false
	}
	return *m.current, true
}

// Previous returns the snapshot before the latest.
func (m *Meter) Previous() (Metric, bool) {
	if m.previous == nil {
		return Metric{}, false
	}
	return *m.previous, true
}

func (m *Meter) setCoherence(c float64) {
	if m.current != nil {
		m.current.Coherence = numeric.Unit(c)
	}
}
