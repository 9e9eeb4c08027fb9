package forecast

import (
	"math"

	"autognosis/internal/numeric"
)

// Engine is a trend forecaster over a ring buffer of past values.
type Engine struct {
	Name         string
	Volatility   float64
	Accuracy     float64
	Stability    float64
	LearningRate float64
	Predictions  uint64
	Accurate     uint64

	buf    []float64
	next   int
	filled int
	noise  func() float64
}

// NewEngine creates a forecaster with size history slots. noise must
// return values in [0,1); nil disables noise.
func NewEngine(name string, size int, noise func() float64) *Engine {
	if size < 2 {
		size = 2
	}
	return &Engine{
		Name: name, Volatility: 0.1, Accuracy: 0.5, Stability: 0.8, LearningRate: 0.01,
		buf: make([]float64, size), noise: noise,
	}
}

// Add records an observed value.
func (e *Engine) Add(v float64) {
	e.buf[e.next] = v
	e.next = (e.next + 1) % len(e.buf)
	if e.filled < len(e.buf) {
		e.filled++
	}
}

// Len returns the number of recorded values.
func (e *Engine) Len() int { return e.filled }

// recent returns the i-th most recent value (0 = newest).
func (e *Engine) recent(i int) float64 {
	return e.buf[(e.next-1-i+2*len(e.buf))%len(e.buf)]
}

// Predict extrapolates stepsAhead from the trend between the newer and
// older halves of the history, plus noise bounded by ±volatility/2.
// With fewer than two values it returns the last value (0.5 when empty).
func (e *Engine) Predict(stepsAhead int) float64 {
	e.Predictions++
	if e.filled == 0 {
		return 0.5
	}
	if e.filled < 2 {
		return numeric.Unit(e.recent(0))
	}
	half := e.filled / 2
	var recentSum, olderSum float64
	for i := 0; i < half; i++ {
		recentSum += e.recent(i)
		olderSum += e.recent(i + half)
	}
	recentMean := recentSum / float64(half)
	olderMean := olderSum / float64(half)
	trend := (recentMean - olderMean) / float64(half)
	p := recentMean + trend*float64(stepsAhead)
	if e.noise != nil {
		p += e.Volatility * (e.noise() - 0.5)
	}
	return numeric.Unit(p)
}

// UpdateModel folds a realized outcome into accuracy and volatility.
func (e *Engine) UpdateModel(actual, predicted float64) {
	errAbs := math.Abs(actual - predicted)
	e.Accuracy = numeric.Unit(0.9*e.Accuracy + 0.1*(1-math.Min(1, errAbs)))
	e.Volatility = numeric.Clamp(0.95*e.Volatility+0.05*errAbs, 0.01, 0.5)
	if e.Accuracy > 0.8 {
		e.Accurate++
	}
}

// Train applies the slow accuracy drift and updates model stability.
func (e *Engine) Train() {
	e.Accuracy = math.Min(1, e.Accuracy+e.LearningRate*0.01)
	e.Stability = 0.95*e.Stability + 0.05*e.Accuracy
}

// DisturbanceProbability is volatility scaled by model instability.
func (e *Engine) DisturbanceProbability() float64 {
	return numeric.Unit(e.Volatility * (1 - e.Stability))
}
