package agency

import (
	"fmt"
	"math"

	"autognosis/internal/numeric"
)

// Level is the ordinal agency level. It never decreases.
type Level uint8

const (
	LevelReactive Level = iota
	LevelAdaptive
	LevelProactive
	LevelCreative
	LevelMetamorphic
)

var levelNames = [...]string{"reactive", "adaptive", "proactive", "creative", "metamorphic"}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// State is the node's agency scores.
type State struct {
	Level          Level
	Strength       float64
	Autonomy       float64
	Intentionality float64
	Creativity     float64
	Cycles         uint64
}

// Mean returns the mean of the four scores.
func (s State) Mean() float64 {
	return numeric.Mean(s.Strength, s.Autonomy, s.Intentionality, s.Creativity)
}

func newState(initial float64) State {
	return State{Strength: initial, Autonomy: initial, Intentionality: initial, Creativity: initial}
}

// bootstrap applies diminishing self-improvement.
func (s *State) bootstrap(cfg Config) {
	s.Cycles++
	step := cfg.BootstrapRate * math.Sqrt(float64(s.Cycles))
	s.Strength = numeric.Unit(s.Strength + step)
	s.Autonomy = numeric.Unit(s.Autonomy + step)
}

// detect raises intent on drift and autonomy on high total entropy.
func (s *State) detect(cfg Config, m Metric) {
	if m.DriftRate > cfg.DriftIntentThreshold {
		s.Intentionality = numeric.Unit(s.Intentionality + cfg.IntentGain)
	}
	if m.Total() > cfg.EntropyAutonomyThreshold {
		s.Autonomy = numeric.Unit(s.Autonomy + cfg.AutonomyGain)
	}
}

// overcome converts positive drift into strength and creativity, then
// returns the coherence after active resistance.
func (s *State) overcome(cfg Config, m Metric) float64 {
	if m.DriftRate > 0 {
		s.Strength = numeric.Unit(s.Strength + cfg.DriftStrengthGain*m.DriftRate)
		s.Creativity = numeric.Unit(s.Creativity + cfg.DriftCreativityGain*m.DriftRate)
	}
	return numeric.Unit(m.Coherence + s.Strength*cfg.CoherenceResistance)
}

// maybeEscalate moves up one level when the score mean exceeds the threshold.
func (s *State) maybeEscalate(cfg Config) bool {
	if s.Mean() > cfg.EscalationThreshold && s.Level < LevelMetamorphic {
		s.Level++
		return true
	}
	return false
}
