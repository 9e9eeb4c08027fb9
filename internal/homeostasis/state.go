// Package homeostasis keeps the node's operating metrics near their targets
// with PID setpoints, typed feedback loops, an equilibrium detector and an
// online training session that tunes the loops.
package homeostasis

import (
	"fmt"
	"strings"

	"autognosis/internal/numeric"
)

// Field names one metric of the engine state.
type Field uint8

const (
	FieldProcessing Field = iota
	FieldMemory
	FieldBandwidth
	FieldEnergy
	FieldStability
	FieldAdaptation
)

var fieldNames = [...]string{"processing", "memory", "bandwidth", "energy", "stability", "adaptation"}

func (f Field) String() string {
	if int(f) < len(fieldNames) {
		return fieldNames[f]
	}
	return fmt.Sprintf("field(%d)", uint8(f))
}

// FieldForName finds the field whose name occurs in s, so that
// "processing_capacity" and "processing_control" both bind to processing.
func FieldForName(s string) (Field, bool) {
	s = strings.ToLower(s)
	for i, n := range fieldNames {
		if strings.Contains(s, n) {
			return Field(i), true
		}
	}
	if strings.Contains(s, "network") {
		return FieldBandwidth, true
	}
	return 0, false
}

// EngineState is the node's virtual operating state.
type EngineState struct {
	Processing float64
	Memory     float64
	Bandwidth  float64
	Energy     float64
	Stability  float64
	Adaptation float64
}

// DefaultEngineState is the state before the first reading.
func DefaultEngineState() EngineState {
	return EngineState{Processing: 1, Memory: 0.3, Bandwidth: 1, Energy: 1, Stability: 1, Adaptation: 0.1}
}

// Get returns the value of f.
func (s *EngineState) Get(f Field) float64 {
	switch f {
	case FieldProcessing:
		return s.Processing
	case FieldMemory:
		return s.Memory
	case FieldBandwidth:
		return s.Bandwidth
	case FieldEnergy:
		return s.Energy
	case FieldStability:
		return s.Stability
	case FieldAdaptation:
		return s.Adaptation
	}
	return 0
}

// Set assigns f.
func (s *EngineState) Set(f Field, v float64) {
	switch f {
	case FieldProcessing:
		s.Processing = v
	case FieldMemory:
		s.Memory = v
	case FieldBandwidth:
		s.Bandwidth = v
	case FieldEnergy:
		s.Energy = v
	case FieldStability:
		s.Stability = v
	case FieldAdaptation:
		s.Adaptation = v
	}
}

// Performance is the composite score; lower memory use is better.
func (s EngineState) Performance() float64 {
	return (s.Processing + (1 - s.Memory) + s.Bandwidth + s.Energy + s.Stability) / 5
}

// Reading is what the rest of the node reports each cycle.
type Reading struct {
	CognitiveLoad  float64
	TopologyHealth float64
	SelfHealth     float64
	Autonomy       float64
	AtomCount      int
}

// apply overwrites the sensed fields from r.
func (s *EngineState) apply(r Reading, atomCapacity int) {
	s.Processing = numeric.Unit(1 - r.CognitiveLoad)
	s.Bandwidth = numeric.Unit(r.TopologyHealth)
	s.Stability = numeric.Unit(r.SelfHealth)
	s.Energy = numeric.Unit(r.Autonomy)
	if atomCapacity > 0 {
		s.Memory = numeric.Unit(float64(r.AtomCount) / float64(atomCapacity))
	}
}

// Actuator bounds how a control signal moves one field.
type Actuator struct {
	Step float64 `yaml:"step"`
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
}

// DefaultActuators returns the per-field step sizes and ranges.
func DefaultActuators() map[string]Actuator {
	return map[string]Actuator{
		"processing": {Step: 0.1, Min: 0.1, Max: 1},
		"stability":  {Step: 0.05, Min: 0, Max: 1},
		"energy":     {Step: 0.08, Min: 0.1, Max: 1},
		"memory":     {Step: 0.05, Min: 0, Max: 1},
		"bandwidth":  {Step: 0.05, Min: 0, Max: 1},
		"adaptation": {Step: 0.01, Min: 0, Max: 1},
	}
}
