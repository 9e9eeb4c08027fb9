package agency

import (
	"math"
	"time"

	"autognosis/internal/numeric"
)

// Event is a unit of work queued on a vortex.
type Event struct {
	Kind         string
	Significance float64
	Urgency      float64
	At           time.Time
}

// Vortex names.
const (
	VortexPerception = "perception"
	VortexCognition  = "cognition"
	VortexAction     = "action"
)

// Vortex is an event-processing unit that drains its queue while it has
// energy and resets itself when its metamorphic potential is high.
type Vortex struct {
	Name          string
	Energy        float64
	Coherence     float64
	Resonance     float64
	Potential     float64
	Processed     uint64
	Dropped       uint64
	Metamorphoses uint64

	queue []Event
}

// VortexStatus is a read-only view of a vortex.
type VortexStatus struct {
	Name          string
	Energy        float64
	Coherence     float64
	Resonance     float64
	Potential     float64
	Pending       int
	Processed     uint64
	Dropped       uint64
	Metamorphoses uint64
}

func newVortex(name string) *Vortex {
	return &Vortex{Name: name, Energy: 1, Coherence: 1, Resonance: 0.5, Potential: 0.1}
}

func (v *Vortex) status() VortexStatus {
	return VortexStatus{
		Name: v.Name, Energy: v.Energy, Coherence: v.Coherence, Resonance: v.Resonance,
		Potential: v.Potential, Pending: len(v.queue), Processed: v.Processed,
		Dropped: v.Dropped, Metamorphoses: v.Metamorphoses,
	}
}

func (v *Vortex) enqueue(cfg Config, ev Event) bool {
	if cfg.MaxQueue > 0 && len(v.queue) >= cfg.MaxQueue {
		v.Dropped++
		return false
	}
	v.queue = append(v.queue, ev)
	return true
}

// process drains events while energy stays above the floor and returns how
// many were consumed.
func (v *Vortex) process(cfg Config) int {
	n := 0
	for len(v.queue) > 0 && v.Energy > cfg.MinEnergy {
		ev := v.queue[0]
		v.queue[0] = Event{}
		v.queue = v.queue[1:]
		v.Energy = math.Max(0, v.Energy-ev.Significance*cfg.EventCost)
		v.Potential = math.Min(1, v.Potential+ev.Urgency*cfg.UrgencyGain)
		v.Processed++
		n++
	}
	if len(v.queue) == 0 {
		v.queue = nil
	}
	v.Energy = math.Min(1, v.Energy+cfg.EnergyRecovery)
	v.recompute(cfg)
	return n
}

func (v *Vortex) recompute(cfg Config) {
	pressure := math.Max(0, 1-float64(len(v.queue))*cfg.QueuePressure)
	v.Coherence = numeric.Unit((v.Energy + pressure) / 2)
	v.Resonance = numeric.Unit(v.Coherence*0.8 + v.Potential*0.2)
}

// metamorphose resets the vortex if its potential exceeds the threshold.
func (v *Vortex) metamorphose(cfg Config) bool {
	if v.Potential <= cfg.MetamorphosisThreshold {
		return false
	}
	v.Energy = 1
	v.Coherence = math.Min(1, v.Coherence+0.1)
	v.Potential = 0.1
	v.Metamorphoses++
	return true
}
