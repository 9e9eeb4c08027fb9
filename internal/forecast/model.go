package forecast

import (
	"fmt"
	"math"
	"strings"
)

// Family selects a model's closed-form expression.
type Family uint8

const (
	FamilyLinear Family = iota
	FamilyExponential
	FamilyOscillatory
	FamilyChaotic
	FamilyNeural
	FamilyEnsemble
)

var familyNames = [...]string{"linear", "exponential", "oscillatory", "chaotic", "neural", "ensemble"}

func (f Family) String() string {
	if int(f) < len(familyNames) {
		return familyNames[f]
	}
	return fmt.Sprintf("family(%d)", uint8(f))
}

// MarshalText implements encoding.TextMarshaler.
func (f Family) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Family) UnmarshalText(b []byte) error {
	for i, n := range familyNames {
		if strings.EqualFold(string(b), n) {
			*f = Family(i)
			return nil
		}
	}
	return fmt.Errorf("unknown model family %q", b)
}

// Model is a small parametric predictor.
type Model struct {
	Family       Family
	Target       string
	Coefficients []float64
	Bias         float64
	RSquared     float64
	MAE          float64
	TrainedOn    uint64
}

// NewModel creates a model with three coefficients drawn from ±0.1 using
// rnd, which must return values in [0,1). A nil rnd gives zero coefficients.
func NewModel(f Family, target string, rnd func() float64) *Model {
	m := &Model{Family: f, Target: target, Coefficients: make([]float64, 3)}
	if rnd != nil {
		for i := range m.Coefficients {
			m.Coefficients[i] = (rnd() - 0.5) * 0.2
		}
	}
	return m
}

// Predict evaluates the model over inputs.
func (m *Model) Predict(inputs ...float64) float64 {
	c := m.Coefficients
	n := len(inputs)
	if len(c) < n {
		n = len(c)
	}
	x0 := 0.0
	if len(inputs) > 0 {
		x0 = inputs[0]
	}

	switch m.Family {
	case FamilyLinear:
		p := m.Bias
		for i := 0; i < n; i++ {
			p += c[i] * inputs[i]
		}
		return p
	case FamilyExponential:
		p := m.Bias
		for i := 0; i < n; i++ {
			p += c[i] * math.Exp(inputs[i])
		}
		return p
	case FamilyOscillatory:
		p := m.Bias
		for i := 0; i < n; i++ {
			p += c[i] * math.Sin(inputs[i]*2*math.Pi)
		}
		return p
	case FamilyChaotic:
		if len(inputs) == 0 || len(c) == 0 {
			return m.Bias
		}
		return c[0] * x0 * (1 - x0)
	case FamilyNeural:
		if len(c) == 0 {
			return m.Bias
		}
		hidden := 0.0
		for i := 0; i < len(inputs) && i < len(c)-1; i++ {
			hidden += c[i] * inputs[i]
		}
		return c[len(c)-1] * math.Tanh(hidden)
	case FamilyEnsemble:
		if len(c) < 2 {
			return m.Bias
		}
		return (c[0]*x0 + c[1]*math.Exp(x0)) / 2
	}
	return m.Bias
}

// Train runs epochs of per-sample gradient descent on the first
// coefficient and the bias.
func (m *Model) Train(xs, ys []float64, epochs int, lr float64) {
	n := len(xs)
	if len(ys) < n {
		n = len(ys)
	}
	if n == 0 || len(m.Coefficients) == 0 {
		return
	}
	for e := 0; e < epochs; e++ {
		for i := 0; i < n; i++ {
			err := ys[i] - m.Predict(xs[i])
			m.Coefficients[0] += lr * err * xs[i]
			m.Bias += lr * err
		}
	}
	m.TrainedOn += uint64(n)
}

// Validate sets MAE and R² over held-out samples.
func (m *Model) Validate(xs, ys []float64) {
	n := len(xs)
	if len(ys) < n {
		n = len(ys)
	}
	if n == 0 {
		return
	}
	mean := 0.0
	for i := 0; i < n; i++ {
		mean += ys[i]
	}
	mean /= float64(n)
	var abs, ssRes, ssTot float64
	for i := 0; i < n; i++ {
		err := ys[i] - m.Predict(xs[i])
		abs += math.Abs(err)
		ssRes += err * err
		ssTot += (ys[i] - mean) * (ys[i] - mean)
	}
	m.MAE = abs / float64(n)
	m.RSquared = 1 - ssRes/(ssTot+0.001)
}
