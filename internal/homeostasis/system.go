package homeostasis

import (
	"fmt"
	"sync"
	"time"

	"autognosis/internal/logging"
	"autognosis/internal/numeric"
)

// Config holds the homeostatic controller's tuning.
type Config struct {
	Setpoints            []SetpointConfig    `yaml:"setpoints"`
	Loops                []LoopConfig        `yaml:"loops"`
	Actuators            map[string]Actuator `yaml:"actuators"`
	PID                  PIDLimits           `yaml:"pid"`
	Training             TrainingConfig      `yaml:"training"`
	EquilibriumWindow    int                 `yaml:"equilibrium_window"`
	EquilibriumThreshold float64             `yaml:"equilibrium_threshold"`
	InitialDamping       float64             `yaml:"initial_damping"`
	AtomCapacity         int                 `yaml:"atom_capacity"`
	TrainAfterUnstable   int                 `yaml:"train_after_unstable"`
	OptimizeEvery        int                 `yaml:"optimize_every"`
	MinInterval          time.Duration       `yaml:"min_interval"`
}

// DefaultConfig returns the stock setpoints and loops.
func DefaultConfig() Config {
	return Config{
		Setpoints: []SetpointConfig{
			{Name: "processing_capacity", Target: 0.8, Tolerance: 0.1, Kp: 1, Ki: 0.1, Kd: 0.05},
			{Name: "stability_index", Target: 0.9, Tolerance: 0.05, Kp: 1, Ki: 0.1, Kd: 0.05},
			{Name: "energy_level", Target: 0.85, Tolerance: 0.1, Kp: 1, Ki: 0.1, Kd: 0.05},
		},
		Loops: []LoopConfig{
			{Name: "processing_control", Type: LoopNegative},
			{Name: "stability_control", Type: LoopAdaptive},
			{Name: "energy_control", Type: LoopPredictive},
		},
		Actuators:            DefaultActuators(),
		PID:                  DefaultPIDLimits(),
		Training:             DefaultTrainingConfig(),
		EquilibriumWindow:    50,
		EquilibriumThreshold: 0.05,
		InitialDamping:       0.1,
		AtomCapacity:         1000,
		TrainAfterUnstable:   10,
		OptimizeEvery:        30,
		MinInterval:          time.Second,
	}
}

// Metrics are the controller's aggregate health figures, each in [0,1].
type Metrics struct {
	GlobalStability      float64
	AdaptationEfficiency float64
	HomeostaticIndex     float64
	Resilience           float64
}

// Report summarizes one cycle.
type Report struct {
	Skipped       bool
	State         EngineState
	Performance   float64
	Quality       float64
	InEquilibrium bool
	Trained       bool
	Metrics       Metrics
}

// System is the homeostatic controller.
type System struct {
	mu        sync.Mutex
	cfg       Config
	state     EngineState
	setpoints []*Setpoint
	loops     []*FeedbackLoop
	bindings  []int // loop index -> setpoint index
	detector  *EquilibriumDetector
	metrics   Metrics
	cycles    uint64
	unstable  int
	lastCycle time.Time
	training  *TrainingSession
}

// NewSystem builds the controller. Every loop must bind to a setpoint on
// the same field.
func NewSystem(cfg Config) (*System, error) {
	s := &System{
		cfg:      cfg,
		state:    DefaultEngineState(),
		detector: NewEquilibriumDetector(cfg.EquilibriumWindow, cfg.EquilibriumThreshold, cfg.InitialDamping),
		metrics:  Metrics{GlobalStability: 0.5, AdaptationEfficiency: 0.5, HomeostaticIndex: 0.5, Resilience: 0.5},
	}
	for _, sc := range cfg.Setpoints {
		sp, ok := NewSetpoint(sc)
		if !ok {
			return nil, fmt.Errorf("setpoint %q names no engine field", sc.Name)
		}
		s.setpoints = append(s.setpoints, sp)
	}
	for _, lc := range cfg.Loops {
		l, ok := NewLoop(lc)
		if !ok {
			return nil, fmt.Errorf("loop %q names no engine field", lc.Name)
		}
		bound := -1
		for i, sp := range s.setpoints {
			if sp.Field == l.Field {
				bound = i
				break
			}
		}
		if bound < 0 {
			return nil, fmt.Errorf("loop %q has no setpoint for field %s", lc.Name, l.Field)
		}
		if _, ok := cfg.Actuators[l.Field.String()]; !ok {
			return nil, fmt.Errorf("loop %q has no actuator for field %s", lc.Name, l.Field)
		}
		s.loops = append(s.loops, l)
		s.bindings = append(s.bindings, bound)
	}
	return s, nil
}

// SetTuning swaps PID limits, actuators and training parameters. The
// setpoint and loop sets are fixed at construction.
func (s *System) SetTuning(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.PID = cfg.PID
	s.cfg.Training = cfg.Training
	s.cfg.TrainAfterUnstable = cfg.TrainAfterUnstable
	s.cfg.OptimizeEvery = cfg.OptimizeEvery
	s.cfg.MinInterval = cfg.MinInterval
	if len(cfg.Actuators) > 0 {
		s.cfg.Actuators = cfg.Actuators
	}
}

// Cycle senses r, runs every loop, trains, and maintains equilibrium.
func (s *System) Cycle(r Reading, at time.Time) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastCycle.IsZero() && at.Sub(s.lastCycle) < s.cfg.MinInterval {
		return Report{Skipped: true, State: s.state, Metrics: s.metrics}
	}
	s.lastCycle = at

	s.state.apply(r, s.cfg.AtomCapacity)
	s.senseLocked()
	s.controlLocked()
	perf := s.trainLocked()
	eq := s.maintainLocked()

	rep := Report{State: s.state, Performance: perf, InEquilibrium: eq}
	if !eq {
		s.unstable++
	} else {
		s.unstable = 0
	}
	if s.cfg.TrainAfterUnstable > 0 && s.unstable >= s.cfg.TrainAfterUnstable {
		rep.Trained = s.trainSessionLocked()
		s.unstable = 0
	}

	s.cycles++
	if s.cfg.OptimizeEvery > 0 && s.cycles%uint64(s.cfg.OptimizeEvery) == 0 {
		s.optimizeGlobalStabilityLocked()
		s.adaptToEnvironmentLocked()
		if eq {
			s.enhanceResilienceLocked()
		}
	}

	rep.Metrics = s.metrics
	rep.Quality = s.qualityLocked()
	logging.HomeostasisDebug("cycle %d: perf=%.3f eq=%v index=%.3f", s.cycles, perf, eq, s.metrics.HomeostaticIndex)
	return rep
}

func (s *System) senseLocked() {
	for _, sp := range s.setpoints {
		sp.UpdateError(s.state.Get(sp.Field), s.cfg.PID.IntegralLimit)
	}
}

func (s *System) controlLocked() {
	for i, l := range s.loops {
		sp := s.setpoints[s.bindings[i]]
		signal := l.Transform(l.Gain*sp.Control(), sp.LastError)
		l.Apply(&s.state, signal, s.cfg.Actuators[l.Field.String()])
	}
}

func (s *System) trainLocked() float64 {
	perf := s.state.Performance()
	for _, l := range s.loops {
		l.Train(perf)
		l.Adapt()
	}
	for _, sp := range s.setpoints {
		sp.Tune(perf, s.cfg.PID)
	}
	s.metrics.AdaptationEfficiency = perf
	s.metrics.GlobalStability = s.state.Stability
	return perf
}

func (s *System) maintainLocked() bool {
	perf := s.state.Performance()
	s.detector.Update(perf)
	eq := s.detector.InEquilibrium()
	if eq {
		s.metrics.HomeostaticIndex += 0.01
		s.metrics.Resilience += 0.005
	} else {
		s.metrics.HomeostaticIndex -= 0.005
		s.detector.AdjustDamping(1 - perf)
	}
	s.metrics.HomeostaticIndex = numeric.Unit(s.metrics.HomeostaticIndex)
	s.metrics.Resilience = numeric.Unit(s.metrics.Resilience)
	return eq
}

func (s *System) trainSessionLocked() bool {
	s.training = NewTrainingSession(s.cfg.Training)
	converged := s.training.Run(func() float64 { return s.state.Performance() }, s.loops)
	logging.Homeostasis("training session: %d iterations, performance %.3f, converged=%v",
		s.training.Iteration, s.training.Performance, converged)
	return true
}

// Train runs a training session immediately and reports convergence.
func (s *System) Train() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trainSessionLocked()
	return s.training.Converged
}

func (s *System) qualityLocked() float64 {
	return (s.state.Performance() + s.metrics.GlobalStability + s.metrics.HomeostaticIndex + s.metrics.Resilience) / 4
}

// Quality is the composite homeostatic quality.
func (s *System) Quality() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qualityLocked()
}

// State returns the engine state.
func (s *System) State() EngineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Metrics returns the aggregate figures.
func (s *System) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// Setpoints returns copies of the setpoints.
func (s *System) Setpoints() []Setpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Setpoint, len(s.setpoints))
	for i, sp := range s.setpoints {
		out[i] = *sp
	}
	return out
}

// Loops returns copies of the loops.
func (s *System) Loops() []FeedbackLoop {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FeedbackLoop, len(s.loops))
	for i, l := range s.loops {
		out[i] = *l
	}
	return out
}

// Equilibrium returns the detector's variance, trend and damping.
func (s *System) Equilibrium() (variance, trend, damping float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detector.Variance(), s.detector.Trend(), s.detector.Damping()
}

// =============================================================================
// SYSTEM-LEVEL ADJUSTMENTS
// =============================================================================

// OptimizeGlobalStability raises loop gains when stability is poor and
// trims them when it is near perfect.
func (s *System) OptimizeGlobalStability() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.optimizeGlobalStabilityLocked()
}

func (s *System) optimizeGlobalStabilityLocked() {
	for _, l := range s.loops {
		switch {
		case s.metrics.GlobalStability < 0.7:
			l.Gain *= 1.1
		case s.metrics.GlobalStability > 0.95:
			l.Gain *= 0.95
		}
		l.Gain = numeric.Clamp(l.Gain, 0.1, 5)
	}
}

// AdaptToEnvironment speeds up learning under environmental stress.
func (s *System) AdaptToEnvironment() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adaptToEnvironmentLocked()
}

func (s *System) adaptToEnvironmentLocked() {
	if 1-s.state.Stability <= 0.3 {
		return
	}
	for _, l := range s.loops {
		l.LearningRate = numeric.Clamp(l.LearningRate*1.05, 0.001, 0.1)
	}
}

// EnhanceResilience raises resilience and every loop's stability margin.
func (s *System) EnhanceResilience() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enhanceResilienceLocked()
}

func (s *System) enhanceResilienceLocked() {
	s.metrics.Resilience = numeric.Unit(s.metrics.Resilience + 0.01)
	for _, l := range s.loops {
		l.Margin = numeric.Clamp(l.Margin+0.005, 0.1, 0.9)
	}
}

// ApplyHealingFeedback biases loops toward constructive responses after a
// successful repair.
func (s *System) ApplyHealingFeedback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.loops {
		l.Effectiveness = numeric.Unit(l.Effectiveness + 0.02)
		l.Margin = numeric.Clamp(l.Margin+0.01, 0.1, 0.9)
	}
}

// PromoteSystemHealth lifts energy and stability directly.
func (s *System) PromoteSystemHealth(scale float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Energy = numeric.Unit(s.state.Energy + 0.05*scale)
	s.state.Stability = numeric.Unit(s.state.Stability + 0.03*scale)
	s.metrics.GlobalStability = numeric.Unit(s.metrics.GlobalStability + 0.02*scale)
}

// BoostEffectiveness raises every loop's effectiveness by delta.
func (s *System) BoostEffectiveness(delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.loops {
		l.Effectiveness = numeric.Unit(l.Effectiveness + delta)
	}
}
