package homeostasis

import (
	"math"

	"autognosis/internal/numeric"
)

// TrainingConfig parameterizes a gradient-descent training session.
type TrainingConfig struct {
	Target        float64 `yaml:"target"`
	LearningRate  float64 `yaml:"learning_rate"`
	Convergence   float64 `yaml:"convergence"`
	MaxIterations int     `yaml:"max_iterations"`
}

// DefaultTrainingConfig returns the reference session parameters.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{Target: 0.8, LearningRate: 0.01, Convergence: 0.001, MaxIterations: 100}
}

// TrainingSession tunes loop gains and effectiveness toward a performance target.
type TrainingSession struct {
	cfg         TrainingConfig
	Iteration   int
	Performance float64
	Converged   bool
}

// NewTrainingSession starts a session.
func NewTrainingSession(cfg TrainingConfig) *TrainingSession {
	return &TrainingSession{cfg: cfg}
}

// Step evaluates performance, updates every loop and reports convergence.
func (s *TrainingSession) Step(performance float64, loops []*FeedbackLoop) bool {
	s.Performance = performance
	gap := performance - s.cfg.Target
	for _, l := range loops {
		l.Gain = numeric.Clamp(l.Gain-s.cfg.LearningRate*gap*0.1, 0.1, 5)
		l.Effectiveness = numeric.Unit(l.Effectiveness + s.cfg.LearningRate*gap)
	}
	s.Iteration++
	if math.Abs(gap) < s.cfg.Convergence {
		s.Converged = true
	}
	return s.Converged
}

// Run steps until convergence or the iteration budget is spent. evaluate
// is called before every step.
func (s *TrainingSession) Run(evaluate func() float64, loops []*FeedbackLoop) bool {
	for s.Iteration < s.cfg.MaxIterations && !s.Converged {
		if s.Step(evaluate(), loops) {
			break
		}
	}
	return s.Converged
}
