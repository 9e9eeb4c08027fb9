// Package forecast projects the node's homeostatic state forward, learns
// trend and parametric predictors from its own history, and fires
// anticipatory actions before thresholds are crossed.
package forecast

import (
	"fmt"
	"math"
	"time"

	"autognosis/internal/homeostasis"
	"autognosis/internal/numeric"
)

// Horizon buckets a projection by distance.
type Horizon uint8

const (
	HorizonShort Horizon = iota
	HorizonMedium
	HorizonLong
)

func (h Horizon) String() string {
	switch h {
	case HorizonShort:
		return "short"
	case HorizonMedium:
		return "medium"
	case HorizonLong:
		return "long"
	}
	return fmt.Sprintf("horizon(%d)", uint8(h))
}

// HorizonFor maps a cycle distance to its bucket: ≤10 short, ≤100 medium.
func HorizonFor(cycles int) Horizon {
	switch {
	case cycles <= 10:
		return HorizonShort
	case cycles <= 100:
		return HorizonMedium
	default:
		return HorizonLong
	}
}

// baseConfidence is the confidence assigned to a fresh projection.
func (h Horizon) baseConfidence() float64 {
	switch h {
	case HorizonShort:
		return 0.9
	case HorizonMedium:
		return 0.7
	}
	return 0.4
}

// ProjectedImage is a forward projection of the engine state.
type ProjectedImage struct {
	Name        string
	Horizon     Horizon
	Cycles      int
	Stability   float64
	Health      float64
	Performance float64
	Resilience  float64
	Entropy     float64
	Confidence  float64
	Uncertainty float64
	ProjectedAt time.Time
	ValidFor    time.Duration
}

// NewImage returns an image with neutral projections.
func NewImage(name string) *ProjectedImage {
	return &ProjectedImage{
		Name: name, Stability: 0.5, Health: 0.5, Performance: 0.5, Resilience: 0.5, Entropy: 0.5,
		Confidence: 0.5, Uncertainty: 0.2, ValidFor: time.Minute,
	}
}

// Project computes a decayed projection of state cycles ahead. Resilience
// accumulates from the previous projection under high stability and decays
// otherwise.
func (p *ProjectedImage) Project(state homeostasis.EngineState, cycles int, at time.Time) {
	tf := float64(cycles) / 100
	decay := math.Exp(-tf * 0.1)

	p.Cycles = cycles
	p.Stability = numeric.Unit(state.Stability * decay)
	p.Health = numeric.Unit((state.Energy + state.Stability) * 0.5 * decay)
	p.Performance = numeric.Unit(state.Performance() * decay)
	if state.Stability > 0.7 {
		p.Resilience = math.Min(1, p.Resilience+0.01)
	} else {
		p.Resilience *= decay
	}
	p.Entropy = 1 - p.Stability
	p.Horizon = HorizonFor(cycles)
	p.Confidence = p.Horizon.baseConfidence()
	p.Uncertainty = 0.1 + tf*0.3
	p.ProjectedAt = at
}

// UpdateConfidence corrects confidence and uncertainty against the
// realized performance.
func (p *ProjectedImage) UpdateConfidence(actual float64) {
	errAbs := math.Abs(p.Performance - actual)
	acc := 1 - math.Min(1, errAbs)
	p.Confidence = numeric.Unit(0.9*p.Confidence + 0.1*acc)
	p.Uncertainty = 0.8*p.Uncertainty + 0.2*errAbs
}

// Valid reports whether the projection is still fresh at now.
func (p *ProjectedImage) Valid(now time.Time) bool {
	return !p.ProjectedAt.IsZero() && now.Sub(p.ProjectedAt) <= p.ValidFor
}
