// Package selfmodel maintains the node's view of itself and of its peers:
// a health/autonomy snapshot derived from peer topology and cognitive load,
// recorded as atoms in the node's knowledge store.
package selfmodel

import (
	"fmt"
	"math"
	"sync"
	"time"

	"autognosis/internal/knowledge"
	"autognosis/internal/logging"
	"autognosis/internal/numeric"
)

// Config holds the self-model tuning constants.
type Config struct {
	DeadNodeFloor         float64       `yaml:"dead_node_floor"`
	InitialTopologyHealth float64       `yaml:"initial_topology_health"`
	InitialPeerHealth     float64       `yaml:"initial_peer_health"`
	InitialPeerTrust      float64       `yaml:"initial_peer_trust"`
	LoadPerEvent          float64       `yaml:"load_per_event"`
	LoadDecayPerMinute    float64       `yaml:"load_decay_per_minute"`
	HealthConfidence      float64       `yaml:"health_confidence"`
	PeerTimeout           time.Duration `yaml:"peer_timeout"`
}

// DefaultConfig returns the reference constants.
func DefaultConfig() Config {
	return Config{
		DeadNodeFloor:         0.1,
		InitialTopologyHealth: 1.0,
		InitialPeerHealth:     1.0,
		InitialPeerTrust:      0.5,
		LoadPerEvent:          0.1,
		LoadDecayPerMinute:    0.1,
		HealthConfidence:      0.9,
		PeerTimeout:           90 * time.Second,
	}
}

// Concept atoms seeded into every self model.
const (
	AtomSelf     = "self"
	AtomIdentity = "identity"
	AtomHealth   = "health"
	AtomNetwork  = "network"
)

// SelfModel is a snapshot of the node's own state.
type SelfModel struct {
	Identity     uint32
	Health       float64
	Autonomy     float64
	Capabilities uint32
	Load         float64
}

// Engine owns the self model and topology view for one node.
type Engine struct {
	cfg   Config
	store *knowledge.Store
	topo  *Topology

	mu        sync.RWMutex
	self      SelfModel
	lastCycle time.Time
	now       func() time.Time
}

// NewEngine builds the self model for node id over store and seeds its
// concept atoms.
func NewEngine(id uint32, cfg Config, store *knowledge.Store) (*Engine, error) {
	e := &Engine{
		cfg:   cfg,
		store: store,
		topo:  NewTopology(cfg),
		self: SelfModel{
			Identity: id,
			Health:   1.0,
			Autonomy: 1.0,
		},
		now: time.Now,
	}
	for _, name := range []string{AtomSelf, AtomIdentity, AtomHealth, AtomNetwork} {
		if _, err := store.Upsert(knowledge.KindConcept, name); err != nil {
			return nil, fmt.Errorf("seed atom %s: %w", name, err)
		}
	}
	if !store.Link(AtomSelf, AtomIdentity) || !store.Link(AtomSelf, AtomHealth) || !store.Link(AtomSelf, AtomNetwork) {
		return nil, fmt.Errorf("link self concepts")
	}
	e.lastCycle = e.now()
	return e, nil
}

// SetClock replaces the time source for the engine and its topology.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.lastCycle = now()
	e.mu.Unlock()
	e.topo.mu.Lock()
	e.topo.now = now
	e.topo.mu.Unlock()
}

// Topology returns the peer table.
func (e *Engine) Topology() *Topology { return e.topo }

// Store returns the knowledge store the model is built over.
func (e *Engine) Store() *knowledge.Store { return e.store }

// Self returns the current snapshot.
func (e *Engine) Self() SelfModel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.self
}

// CognitiveLoad returns the current load in [0,1].
func (e *Engine) CognitiveLoad() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.self.Load
}

// UpdateSelf recomputes health from the topology aggregate and autonomy
// from cognitive load, then records the observations as atoms.
func (e *Engine) UpdateSelf() SelfModel {
	health := e.topo.AggregateHealth()
	peers := e.topo.Len()

	e.mu.Lock()
	e.self.Health = health
	e.self.Autonomy = numeric.Unit(1 - e.self.Load)
	snap := e.self
	e.mu.Unlock()

	e.store.BlendTruth(AtomHealth, health, e.cfg.HealthConfidence)
	if _, err := e.store.Upsert(knowledge.KindEvaluation, fmt.Sprintf("peer-count-%d", peers)); err != nil {
		logging.Get(logging.CategoryTopology).Warn("record peer count: %v", err)
	}
	logging.TopologyDebug("self updated: health=%.3f autonomy=%.3f peers=%d", snap.Health, snap.Autonomy, peers)
	return snap
}

// ProcessEvent accounts for one network event in the cognitive load.
func (e *Engine) ProcessEvent() {
	e.mu.Lock()
	e.self.Load = numeric.Unit(e.self.Load + e.cfg.LoadPerEvent)
	e.mu.Unlock()
}

// Cycle decays cognitive load and knowledge importance by the elapsed time
// since the previous cycle, sweeps stale peers, and updates the snapshot.
// It returns the ids of peers that timed out during this cycle.
func (e *Engine) Cycle() (SelfModel, []uint32) {
	e.mu.Lock()
	now := e.now()
	minutes := now.Sub(e.lastCycle).Minutes()
	e.lastCycle = now
	factor := 1.0
	if minutes > 0 {
		factor = math.Max(0, 1-e.cfg.LoadDecayPerMinute*minutes)
	}
	e.self.Load = numeric.Unit(e.self.Load * factor)
	e.mu.Unlock()

	e.store.DecayImportance(factor)
	expired := e.topo.Sweep(e.cfg.PeerTimeout)
	return e.UpdateSelf(), expired
}

// SetAutonomy overrides the autonomy level until the next update.
func (e *Engine) SetAutonomy(v float64) {
	e.mu.Lock()
	e.self.Autonomy = numeric.Unit(v)
	e.mu.Unlock()
}

// BoostAutonomy raises autonomy by delta, clamped to [0,1].
func (e *Engine) BoostAutonomy(delta float64) {
	e.mu.Lock()
	e.self.Autonomy = numeric.Unit(e.self.Autonomy + delta)
	e.mu.Unlock()
}

// AddCapability sets capability bit and records it as an atom.
func (e *Engine) AddCapability(bit uint) error {
	if bit >= 32 {
		return fmt.Errorf("capability bit %d out of range", bit)
	}
	e.mu.Lock()
	e.self.Capabilities |= 1 << bit
	e.mu.Unlock()
	name := fmt.Sprintf("capability-%d", bit)
	if _, err := e.store.Upsert(knowledge.KindPredicate, name); err != nil {
		return err
	}
	e.store.Link(AtomSelf, name)
	return nil
}

// HasCapability reports whether bit is set.
func (e *Engine) HasCapability(bit uint) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return bit < 32 && e.self.Capabilities&(1<<bit) != 0
}
