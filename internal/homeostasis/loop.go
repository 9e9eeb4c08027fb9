package homeostasis

import (
	"fmt"
	"math"
	"strings"

	"autognosis/internal/numeric"
)

// LoopType selects how a loop shapes its control signal.
type LoopType uint8

const (
	LoopNegative LoopType = iota
	LoopPositive
	LoopAdaptive
	LoopPredictive
	LoopMetamorphic
)

var loopTypeNames = [...]string{"negative", "positive", "adaptive", "predictive", "metamorphic"}

func (t LoopType) String() string {
	if int(t) < len(loopTypeNames) {
		return loopTypeNames[t]
	}
	return fmt.Sprintf("loop(%d)", uint8(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t LoopType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *LoopType) UnmarshalText(b []byte) error {
	for i, n := range loopTypeNames {
		if strings.EqualFold(string(b), n) {
			*t = LoopType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown loop type %q", b)
}

// FeedbackLoop drives one field through its bound setpoint.
type FeedbackLoop struct {
	Name          string
	Type          LoopType
	Field         Field
	Gain          float64
	Margin        float64
	Effectiveness float64
	LearningRate  float64
	Iterations    uint64
}

// LoopConfig is the serialized form of a loop.
type LoopConfig struct {
	Name string   `yaml:"name"`
	Type LoopType `yaml:"type"`
}

// NewLoop creates a loop bound by name to a field.
func NewLoop(c LoopConfig) (*FeedbackLoop, bool) {
	f, ok := FieldForName(c.Name)
	if !ok {
		return nil, false
	}
	return &FeedbackLoop{
		Name: c.Name, Type: c.Type, Field: f,
		Gain: 1, Margin: 0.5, Effectiveness: 0.5, LearningRate: 0.01,
	}, true
}

// Transform shapes control according to the loop type. err is the bound
// setpoint's current error.
func (l *FeedbackLoop) Transform(control, err float64) float64 {
	switch l.Type {
	case LoopNegative:
		return -math.Abs(control)
	case LoopPositive:
		return math.Abs(control)
	case LoopAdaptive:
		return control * (1 + l.Effectiveness)
	case LoopPredictive:
		return control * 1.2
	case LoopMetamorphic:
		if math.Abs(err) > 0.5 {
			return control * 2
		}
	}
	return control
}

// Apply moves the loop's field by signal times the actuator step, clamped
// to the actuator range. It returns the new value.
func (l *FeedbackLoop) Apply(state *EngineState, signal float64, a Actuator) float64 {
	v := numeric.Clamp(state.Get(l.Field)+signal*a.Step, a.Min, a.Max)
	state.Set(l.Field, v)
	return v
}

// Train moves effectiveness toward 1 - performance error and adjusts gain.
func (l *FeedbackLoop) Train(performance float64) {
	l.Effectiveness = numeric.Unit(l.Effectiveness + l.LearningRate*(1-performance))
	switch {
	case l.Effectiveness > 0.8:
		l.Gain *= 1.01
	case l.Effectiveness < 0.3:
		l.Gain *= 0.95
	}
	l.Gain = numeric.Clamp(l.Gain, 0.1, 5)
	l.Iterations++
}

// Adapt decays the learning rate once training has run for a while and
// tracks the stability margin against effectiveness.
func (l *FeedbackLoop) Adapt() {
	if l.Iterations > 100 {
		l.LearningRate = math.Max(0.001, l.LearningRate*0.999)
	}
	if l.Effectiveness > 0.7 {
		l.Margin *= 1.01
	} else {
		l.Margin *= 0.98
	}
	l.Margin = numeric.Clamp(l.Margin, 0.1, 0.9)
}
