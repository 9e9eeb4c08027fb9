package agency

import (
	"sync"
	"time"

	"autognosis/internal/logging"
	"autognosis/internal/numeric"
)

// Config holds the agency tuning constants.
type Config struct {
	InitialScore             float64       `yaml:"initial_score"`
	BootstrapRate            float64       `yaml:"bootstrap_rate"`
	DriftIntentThreshold     float64       `yaml:"drift_intent_threshold"`
	IntentGain               float64       `yaml:"intent_gain"`
	EntropyAutonomyThreshold float64       `yaml:"entropy_autonomy_threshold"`
	AutonomyGain             float64       `yaml:"autonomy_gain"`
	DriftStrengthGain        float64       `yaml:"drift_strength_gain"`
	DriftCreativityGain      float64       `yaml:"drift_creativity_gain"`
	CoherenceResistance      float64       `yaml:"coherence_resistance"`
	EscalationThreshold      float64       `yaml:"escalation_threshold"`
	EventCost                float64       `yaml:"event_cost"`
	UrgencyGain              float64       `yaml:"urgency_gain"`
	DefaultUrgency           float64       `yaml:"default_urgency"`
	MinEnergy                float64       `yaml:"min_energy"`
	EnergyRecovery           float64       `yaml:"energy_recovery"`
	QueuePressure            float64       `yaml:"queue_pressure"`
	MaxQueue                 int           `yaml:"max_queue"`
	MetamorphosisThreshold   float64       `yaml:"metamorphosis_threshold"`
	EmergenceThreshold       float64       `yaml:"emergence_threshold"`
	ResistanceGain           float64       `yaml:"resistance_gain"`
	ResistanceAutonomyGain   float64       `yaml:"resistance_autonomy_gain"`
	ResonanceRetention       float64       `yaml:"resonance_retention"`
	AmplificationGain        float64       `yaml:"amplification_gain"`
	MinInterval              time.Duration `yaml:"min_interval"`
}

// DefaultConfig returns the reference constants.
func DefaultConfig() Config {
	return Config{
		InitialScore:             0.1,
		BootstrapRate:            0.001,
		DriftIntentThreshold:     0.01,
		IntentGain:               0.05,
		EntropyAutonomyThreshold: 2.0,
		AutonomyGain:             0.03,
		DriftStrengthGain:        0.02,
		DriftCreativityGain:      0.01,
		CoherenceResistance:      0.1,
		EscalationThreshold:      0.8,
		EventCost:                0.1,
		UrgencyGain:              0.05,
		DefaultUrgency:           0.5,
		MinEnergy:                0.1,
		EnergyRecovery:           0.02,
		QueuePressure:            0.01,
		MaxQueue:                 256,
		MetamorphosisThreshold:   0.7,
		EmergenceThreshold:       0.7,
		ResistanceGain:           0.1,
		ResistanceAutonomyGain:   0.05,
		ResonanceRetention:       0.1,
		AmplificationGain:        0.02,
		MinInterval:              time.Second,
	}
}

// AutonomyBooster receives the autonomy boost produced by entropic resistance.
type AutonomyBooster interface {
	BoostAutonomy(delta float64)
}

// Report summarizes one cycle.
type Report struct {
	Skipped       bool
	Metric        Metric
	State         State
	Emergence     float64
	Processed     int
	Escalated     bool
	Metamorphosis bool
	Vortices      []VortexStatus
}

// Engine runs the entropy/agency bootstrap cycle.
type Engine struct {
	mu          sync.Mutex
	cfg         Config
	meter       Meter
	state       State
	vortices    []*Vortex
	force       float64
	emergence   float64
	lastCycle   time.Time
	emergeCount uint64
}

// NewEngine creates an engine with the perception, cognition and action vortices.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:   cfg,
		state: newState(cfg.InitialScore),
		vortices: []*Vortex{
			newVortex(VortexPerception),
			newVortex(VortexCognition),
			newVortex(VortexAction),
		},
	}
}

// SetConfig swaps tuning constants. State is kept.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Submit queues an event on the named vortex. Urgency defaults when zero.
// Returns false for an unknown vortex or a full queue.
func (e *Engine) Submit(vortex string, ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ev.Urgency == 0 {
		ev.Urgency = e.cfg.DefaultUrgency
	}
	ev.Significance = numeric.Unit(ev.Significance)
	ev.Urgency = numeric.Unit(ev.Urgency)
	for _, v := range e.vortices {
		if v.Name == vortex {
			return v.enqueue(e.cfg, ev)
		}
	}
	return false
}

// State returns the agency scores.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Latest returns the most recent entropy snapshot.
func (e *Engine) Latest() (Metric, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.meter.Latest()
}

// Emergence returns the last computed emergence factor.
func (e *Engine) Emergence() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emergence
}

// AntiEntropyForce returns the accumulated resistance force.
func (e *Engine) AntiEntropyForce() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.force
}

// Vortices returns a status view of every vortex.
func (e *Engine) Vortices() []VortexStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vortexStatusLocked()
}

func (e *Engine) vortexStatusLocked() []VortexStatus {
	out := make([]VortexStatus, len(e.vortices))
	for i, v := range e.vortices {
		out[i] = v.status()
	}
	return out
}

// Cycle runs one bootstrap cycle against obs. Cycles closer together than
// MinInterval are skipped. self may be nil.
func (e *Engine) Cycle(obs Observation, self AutonomyBooster) Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.lastCycle.IsZero() && obs.At.Sub(e.lastCycle) < e.cfg.MinInterval {
		return Report{Skipped: true, State: e.state, Emergence: e.emergence}
	}
	e.lastCycle = obs.At

	metric := e.meter.Measure(obs)

	prevLevel := e.state.Level
	e.state.bootstrap(e.cfg)
	e.state.detect(e.cfg, metric)
	e.meter.setCoherence(e.state.overcome(e.cfg, metric))

	processed := 0
	for _, v := range e.vortices {
		processed += v.process(e.cfg)
		if v.metamorphose(e.cfg) {
			logging.AgencyDebug("vortex %s metamorphosed", v.Name)
		}
	}

	e.resistLocked(metric, self)
	e.synchronizeLocked()
	e.amplifyLocked()

	rep := Report{Processed: processed}
	e.emergence = e.emergenceLocked()
	if e.emergence > e.cfg.EmergenceThreshold {
		e.metamorphoseLocked()
		rep.Metamorphosis = true
	}

	rep.Metric, _ = e.meter.Latest()
	rep.State = e.state
	rep.Emergence = e.emergence
	rep.Escalated = e.state.Level > prevLevel
	rep.Vortices = e.vortexStatusLocked()
	if rep.Escalated {
		logging.Agency("agency escalated %s -> %s (mean %.3f)", prevLevel, e.state.Level, e.state.Mean())
	}
	return rep
}

// resistLocked accumulates anti-entropy force from positive drift and hands
// part of it to the self model as autonomy.
func (e *Engine) resistLocked(m Metric, self AutonomyBooster) {
	if m.DriftRate <= 0 {
		return
	}
	e.force += e.cfg.ResistanceGain * m.DriftRate
	if self != nil {
		self.BoostAutonomy(e.force * e.cfg.ResistanceAutonomyGain)
	}
}

// synchronizeLocked pulls each pair of vortices toward their mean resonance.
func (e *Engine) synchronizeLocked() {
	keep := e.cfg.ResonanceRetention
	for i := 0; i < len(e.vortices); i++ {
		for j := i + 1; j < len(e.vortices); j++ {
			a, b := e.vortices[i], e.vortices[j]
			avg := (a.Resonance + b.Resonance) / 2
			a.Resonance = numeric.Unit(avg*(1-keep) + a.Resonance*keep)
			b.Resonance = numeric.Unit(avg*(1-keep) + b.Resonance*keep)
		}
	}
}

func (e *Engine) amplifyLocked() {
	coherence := 0.5
	if m, ok := e.meter.Latest(); ok {
		coherence = m.Coherence
	}
	e.state.Strength = numeric.Unit(e.state.Strength + coherence*e.cfg.AmplificationGain)
	e.state.maybeEscalate(e.cfg)
}

// emergenceLocked = mean of agency mean, vortex coherence*resonance mean
// and entropy coherence (0.5 before the first measurement).
func (e *Engine) emergenceLocked() float64 {
	var vortex float64
	for _, v := range e.vortices {
		vortex += v.Coherence * v.Resonance
	}
	if len(e.vortices) > 0 {
		vortex /= float64(len(e.vortices))
	}
	coherence := 0.5
	if m, ok := e.meter.Latest(); ok {
		coherence = m.Coherence
	}
	return numeric.Unit((e.state.Mean() + vortex + coherence) / 3)
}

// metamorphoseLocked is the system-wide transformation: forced level check,
// every vortex reset, and the resistance force halved.
func (e *Engine) metamorphoseLocked() {
	e.emergeCount++
	e.state.maybeEscalate(e.cfg)
	for _, v := range e.vortices {
		v.Potential = 1
		v.metamorphose(e.cfg)
	}
	e.force *= 0.5
	logging.Agency("system metamorphosis #%d (emergence %.3f, level %s)", e.emergeCount, e.emergence, e.state.Level)
}

// RequestMetamorphosis forces a system-wide metamorphosis outside the
// emergence check.
func (e *Engine) RequestMetamorphosis() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metamorphoseLocked()
}
