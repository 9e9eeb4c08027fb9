package forecast

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"autognosis/internal/homeostasis"
	"autognosis/internal/logging"
	"autognosis/internal/numeric"
)

// Forecast engine names.
const (
	EngineStability   = "stability_predictor"
	EnginePerformance = "performance_predictor"
	EngineHealth      = "health_predictor"
)

// ModelConfig is the serialized form of a predictive model.
type ModelConfig struct {
	Family Family `yaml:"family"`
	Target string `yaml:"target"`
}

// Config holds the forecasting tuning.
type Config struct {
	HistorySize           int            `yaml:"history_size"`
	Horizons              []int          `yaml:"horizons"`
	PredictSteps          int            `yaml:"predict_steps"`
	InterventionThreshold float64        `yaml:"intervention_threshold"`
	PerformanceFloor      float64        `yaml:"performance_floor"`
	EntropyCeiling        float64        `yaml:"entropy_ceiling"`
	TriggerConfidence     float64        `yaml:"trigger_confidence"`
	EffectivenessGain     float64        `yaml:"effectiveness_gain"`
	ModelEpochs           int            `yaml:"model_epochs"`
	ModelLearningRate     float64        `yaml:"model_learning_rate"`
	ImageValidity         time.Duration  `yaml:"image_validity"`
	MinInterval           time.Duration  `yaml:"min_interval"`
	Seed                  uint64         `yaml:"seed"`
	Actions               []ActionConfig `yaml:"actions"`
	Models                []ModelConfig  `yaml:"models"`
}

// DefaultConfig returns the stock engines, models and actions.
func DefaultConfig() Config {
	return Config{
		HistorySize:           20,
		Horizons:              []int{5, 25, 100},
		PredictSteps:          1,
		InterventionThreshold: 0.3,
		PerformanceFloor:      0.6,
		EntropyCeiling:        0.7,
		TriggerConfidence:     0.8,
		EffectivenessGain:     5,
		ModelEpochs:           10,
		ModelLearningRate:     0.01,
		ImageValidity:         time.Minute,
		MinInterval:           time.Second,
		Seed:                  1,
		Actions: []ActionConfig{
			{Name: "stability_boost", Type: ActionPreventive, Threshold: 0.4},
			{Name: "performance_optimization", Type: ActionAdaptive, Threshold: 0.5},
			{Name: "proactive_healing", Type: ActionPreemptive, Threshold: 0.3},
		},
		Models: []ModelConfig{
			{Family: FamilyLinear, Target: "stability"},
			{Family: FamilyExponential, Target: "performance"},
			{Family: FamilyOscillatory, Target: "entropy"},
		},
	}
}

// Input is what the maintenance cycle reads from the homeostatic controller.
type Input struct {
	State                homeostasis.EngineState
	Quality              float64
	AdaptationEfficiency float64
	At                   time.Time
}

// Issue is a projected threshold violation found while planning.
type Issue struct {
	Horizon Horizon
	Kind    string
	Value   float64
}

// Health summarizes the self-maintenance figures, each in [0,1].
type Health struct {
	Autopoiesis             float64
	Vitality                float64
	PredictivePower         float64
	HealingEfficiency       float64
	AdaptationEffectiveness float64
}

// Report summarizes one maintenance cycle.
type Report struct {
	Skipped     bool
	Images      []ProjectedImage
	Predictions map[string]float64
	ModelOutput map[string]float64
	Disturbance float64
	Issues      []Issue
	Triggered   []string
	Health      Health
}

type pendingAction struct {
	action   *AnticipatoryAction
	baseline float64
}

type sample struct{ x, y float64 }

// System is the self-maintenance forecaster.
type System struct {
	mu       sync.Mutex
	cfg      Config
	rng      *rand.Rand
	images   []*ProjectedImage
	engines  []*Engine
	lastPred map[string]float64
	models   []*Model
	samples  map[string][]sample
	actions  []*AnticipatoryAction
	pending  []pendingAction
	prev     *homeostasis.EngineState
	fx       Effector
	health   Health
	cycles   uint64
	last     time.Time
}

// NewSystem builds the forecaster. fx may be nil, in which case actions
// only update their own statistics.
func NewSystem(cfg Config, fx Effector) *System {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	s := &System{
		cfg:      cfg,
		rng:      rng,
		lastPred: make(map[string]float64),
		samples:  make(map[string][]sample),
		fx:       fx,
		health: Health{
			Autopoiesis: 0.5, Vitality: 0.8, PredictivePower: 0.5,
			HealingEfficiency: 0.5, AdaptationEffectiveness: 0.5,
		},
	}
	for _, name := range []string{EngineStability, EnginePerformance, EngineHealth} {
		s.engines = append(s.engines, NewEngine(name, cfg.HistorySize, rng.Float64))
	}
	for _, mc := range cfg.Models {
		s.models = append(s.models, NewModel(mc.Family, mc.Target, rng.Float64))
	}
	for _, ac := range cfg.Actions {
		s.actions = append(s.actions, NewAction(ac))
	}
	for _, h := range cfg.Horizons {
		img := NewImage(fmt.Sprintf("%s-%d", HorizonFor(h), h))
		img.ValidFor = cfg.ImageValidity
		s.images = append(s.images, img)
	}
	return s
}

// SetEffector replaces the effect sink (set after construction to avoid cycles).
func (s *System) SetEffector(fx Effector) {
	s.mu.Lock()
	s.fx = fx
	s.mu.Unlock()
}

// Cycle runs projection, prediction, planning, anticipatory execution,
// model training and health assessment.
func (s *System) Cycle(in Input) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.last.IsZero() && in.At.Sub(s.last) < s.cfg.MinInterval {
		return Report{Skipped: true, Health: s.health}
	}
	s.last = in.At

	perf := in.State.Performance()
	rep := Report{Predictions: make(map[string]float64), ModelOutput: make(map[string]float64)}

	s.learnPendingLocked(perf)
	s.projectLocked(in, perf)
	s.predictLocked(in.State, perf, rep.Predictions)
	rep.Issues = s.planLocked()
	rep.Triggered = s.anticipateLocked(perf)
	s.trainModelsLocked(in.State, perf, rep.ModelOutput)
	s.assessLocked(in, perf)

	for _, e := range s.engines {
		rep.Disturbance = max(rep.Disturbance, e.DisturbanceProbability())
	}
	for _, img := range s.images {
		rep.Images = append(rep.Images, *img)
	}
	rep.Health = s.health
	s.cycles++
	return rep
}

// learnPendingLocked scores actions fired last cycle by the performance
// change since then.
func (s *System) learnPendingLocked(perf float64) {
	for _, p := range s.pending {
		eff := numeric.Unit(0.5 + (perf-p.baseline)*s.cfg.EffectivenessGain)
		p.action.Learn(eff)
		s.health.HealingEfficiency = numeric.Unit(0.9*s.health.HealingEfficiency + 0.1*eff)
		logging.ForecastDebug("action %s effectiveness %.3f", p.action.Name, eff)
	}
	s.pending = s.pending[:0]
}

func (s *System) projectLocked(in Input, perf float64) {
	for i, img := range s.images {
		if img.Valid(in.At) {
			img.UpdateConfidence(perf)
		}
		img.Project(in.State, s.cfg.Horizons[i], in.At)
	}
}

func (s *System) predictLocked(state homeostasis.EngineState, perf float64, out map[string]float64) {
	values := map[string]float64{
		EngineStability:   state.Stability,
		EnginePerformance: perf,
		EngineHealth:      (state.Energy + state.Stability) / 2,
	}
	for _, e := range s.engines {
		v := values[e.Name]
		if prev, ok := s.lastPred[e.Name]; ok {
			e.UpdateModel(v, prev)
		}
		e.Add(v)
		e.Train()
		p := e.Predict(s.cfg.PredictSteps)
		s.lastPred[e.Name] = p
		out[e.Name] = p
	}
}

func (s *System) planLocked() []Issue {
	var issues []Issue
	for _, img := range s.images {
		if img.Stability < s.cfg.InterventionThreshold {
			issues = append(issues, Issue{Horizon: img.Horizon, Kind: "stability", Value: img.Stability})
		}
		if img.Performance < s.cfg.PerformanceFloor {
			issues = append(issues, Issue{Horizon: img.Horizon, Kind: "performance", Value: img.Performance})
		}
		if img.Entropy > s.cfg.EntropyCeiling {
			issues = append(issues, Issue{Horizon: img.Horizon, Kind: "entropy", Value: img.Entropy})
		}
	}
	if len(issues) > 0 {
		logging.ForecastDebug("planned %d interventions", len(issues))
	}
	return issues
}

func (s *System) anticipateLocked(perf float64) []string {
	var fired []string
	condition := 1 - perf
	for _, a := range s.actions {
		if !a.ShouldTrigger(condition, s.cfg.TriggerConfidence) {
			continue
		}
		a.Execute(s.fx)
		s.pending = append(s.pending, pendingAction{action: a, baseline: perf})
		fired = append(fired, a.Name)
	}
	if len(fired) > 0 {
		logging.Forecast("anticipatory actions fired at performance %.3f: %v", perf, fired)
	}
	return fired
}

func modelTarget(target string, state homeostasis.EngineState, perf float64) (float64, bool) {
	switch target {
	case "stability":
		return state.Stability, true
	case "performance":
		return perf, true
	case "entropy":
		return 1 - state.Stability, true
	case "health":
		return (state.Energy + state.Stability) / 2, true
	case "energy":
		return state.Energy, true
	}
	return 0, false
}

// trainModelsLocked fits every model on the observed previous→current pair
// and validates on the recent window.
func (s *System) trainModelsLocked(state homeostasis.EngineState, perf float64, out map[string]float64) {
	if s.prev != nil {
		prevPerf := s.prev.Performance()
		for _, m := range s.models {
			x, ok := modelTarget(m.Target, *s.prev, prevPerf)
			if !ok {
				continue
			}
			y, _ := modelTarget(m.Target, state, perf)
			win := append(s.samples[m.Target], sample{x, y})
			if len(win) > s.cfg.HistorySize {
				win = win[len(win)-s.cfg.HistorySize:]
			}
			s.samples[m.Target] = win
			m.Train([]float64{x}, []float64{y}, s.cfg.ModelEpochs, s.cfg.ModelLearningRate)
			xs := make([]float64, len(win))
			ys := make([]float64, len(win))
			for i, p := range win {
				xs[i], ys[i] = p.x, p.y
			}
			m.Validate(xs, ys)
		}
		s.health.PredictivePower = numeric.Unit(s.health.PredictivePower + 0.01)
	}
	for _, m := range s.models {
		if x, ok := modelTarget(m.Target, state, perf); ok {
			out[m.Target] = m.Predict(x)
		}
	}
	st := state
	s.prev = &st
}

func (s *System) assessLocked(in Input, perf float64) {
	h := &s.health
	h.Autopoiesis = numeric.Unit((perf + in.Quality + h.PredictivePower + h.HealingEfficiency) / 4)
	h.Vitality = numeric.Unit(h.Autopoiesis * in.State.Energy)
	h.AdaptationEffectiveness = numeric.Unit((h.HealingEfficiency + in.AdaptationEfficiency) / 2)
}

// Health returns the current self-maintenance figures.
func (s *System) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// Actions returns copies of the anticipatory actions.
func (s *System) Actions() []AnticipatoryAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AnticipatoryAction, len(s.actions))
	for i, a := range s.actions {
		out[i] = *a
	}
	return out
}

// Models returns copies of the predictive models.
func (s *System) Models() []Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Model, len(s.models))
	for i, m := range s.models {
		cp := *m
		cp.Coefficients = append([]float64(nil), m.Coefficients...)
		out[i] = cp
	}
	return out
}

// Engines returns copies of the forecast engines' scalar state.
func (s *System) Engines() []Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Engine, len(s.engines))
	for i, e := range s.engines {
		out[i] = Engine{
			Name: e.Name, Volatility: e.Volatility, Accuracy: e.Accuracy, Stability: e.Stability,
			LearningRate: e.LearningRate, Predictions: e.Predictions, Accurate: e.Accurate,
		}
	}
	return out
}

// EnhancePredictivePower speeds up engine learning and credits predictive power.
func (s *System) EnhancePredictivePower() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.engines {
		e.LearningRate = min(0.1, e.LearningRate*1.05)
	}
	s.health.PredictivePower = numeric.Unit(s.health.PredictivePower + 0.02)
}

// OptimizeHealingEfficiency strengthens every action and credits healing efficiency.
func (s *System) OptimizeHealingEfficiency() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.actions {
		a.Strength = min(1, a.Strength*1.03)
	}
	s.health.HealingEfficiency = numeric.Unit(s.health.HealingEfficiency + 0.03)
}
