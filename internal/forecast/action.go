package forecast

import (
	"fmt"
	"strings"

	"autognosis/internal/numeric"
)

// ActionType selects an anticipatory action's effect.
type ActionType uint8

const (
	ActionPreventive ActionType = iota
	ActionPreemptive
	ActionAdaptive
	ActionTransformative
	ActionEmergent
)

var actionTypeNames = [...]string{"preventive", "preemptive", "adaptive", "transformative", "emergent"}

func (t ActionType) String() string {
	if int(t) < len(actionTypeNames) {
		return actionTypeNames[t]
	}
	return fmt.Sprintf("anticipation(%d)", uint8(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t ActionType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ActionType) UnmarshalText(b []byte) error {
	for i, n := range actionTypeNames {
		if strings.EqualFold(string(b), n) {
			*t = ActionType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown anticipation type %q", b)
}

// Effector carries out anticipatory effects on the rest of the node.
type Effector interface {
	Stabilize(strength float64)
	Preempt(problem string, strength float64)
	Adapt(strength float64)
	Transform(strength float64)
	Emerge(strength float64)
}

// AnticipatoryAction is a proactive intervention with learned parameters.
type AnticipatoryAction struct {
	Name               string
	Type               ActionType
	TriggerThreshold   float64
	ConfidenceRequired float64
	Strength           float64
	SuccessRate        float64
	AvgEffectiveness   float64
	Executions         uint64
}

// ActionConfig is the serialized form of an action.
type ActionConfig struct {
	Name      string     `yaml:"name"`
	Type      ActionType `yaml:"type"`
	Threshold float64    `yaml:"threshold"`
}

// NewAction creates an action with neutral learned parameters.
func NewAction(c ActionConfig) *AnticipatoryAction {
	return &AnticipatoryAction{
		Name: c.Name, Type: c.Type, TriggerThreshold: c.Threshold,
		ConfidenceRequired: 0.7, Strength: 0.5, SuccessRate: 0.5, AvgEffectiveness: 0.5,
	}
}

// ShouldTrigger reports whether condition and confidence both clear their bars.
func (a *AnticipatoryAction) ShouldTrigger(condition, confidence float64) bool {
	return condition >= a.TriggerThreshold && confidence >= a.ConfidenceRequired
}

// Execute applies the type-specific effect through fx.
func (a *AnticipatoryAction) Execute(fx Effector) {
	a.Executions++
	if fx == nil {
		return
	}
	switch a.Type {
	case ActionPreventive:
		fx.Stabilize(a.Strength)
	case ActionPreemptive:
		fx.Preempt("anticipated degradation: "+a.Name, a.Strength)
	case ActionAdaptive:
		fx.Adapt(a.Strength)
	case ActionTransformative:
		fx.Transform(a.Strength)
	case ActionEmergent:
		fx.Emerge(a.Strength)
	}
}

// Learn updates success rate and effectiveness, then moves strength and
// the confidence requirement in opposite directions.
func (a *AnticipatoryAction) Learn(effectiveness float64) {
	hit := 0.0
	if effectiveness > 0.7 {
		hit = 1
	}
	a.SuccessRate = 0.9*a.SuccessRate + 0.1*hit
	a.AvgEffectiveness = 0.8*a.AvgEffectiveness + 0.2*effectiveness
	switch {
	case effectiveness > 0.8:
		a.Strength *= 1.05
		a.ConfidenceRequired *= 0.95
	case effectiveness < 0.3:
		a.Strength *= 0.9
		a.ConfidenceRequired *= 1.05
	}
	a.Strength = numeric.Clamp(a.Strength, 0.1, 1)
	a.ConfidenceRequired = numeric.Clamp(a.ConfidenceRequired, 0.1, 0.95)
}
