package selfmodel

import (
	"sort"
	"sync"
	"time"

	"autognosis/internal/logging"
	"autognosis/internal/numeric"
)

// PeerRecord is one known peer as seen by this node.
type PeerRecord struct {
	NodeID   uint32
	Address  string
	Health   float64
	Trust    float64
	LastSeen time.Time
}

// Topology is the node's table of known peers keyed by node id. The
// aggregate health is recomputed on every health change.
type Topology struct {
	mu        sync.RWMutex
	cfg       Config
	peers     map[uint32]*PeerRecord
	aggregate float64
	now       func() time.Time
}

// NewTopology creates an empty peer table whose aggregate health starts at
// the configured initial value.
func NewTopology(cfg Config) *Topology {
	return &Topology{
		cfg:       cfg,
		peers:     make(map[uint32]*PeerRecord),
		aggregate: cfg.InitialTopologyHealth,
		now:       time.Now,
	}
}

// Upsert creates or refreshes the record for id. A new record starts with
// the configured initial health and trust; an existing one only has its
// address (when non-empty) and last-seen time refreshed.
func (t *Topology) Upsert(id uint32, address string) PeerRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		p = &PeerRecord{
			NodeID: id,
			Health: t.cfg.InitialPeerHealth,
			Trust:  t.cfg.InitialPeerTrust,
		}
		t.peers[id] = p
		logging.Topology("peer %d joined (%s)", id, address)
	}
	if address != "" {
		p.Address = address
	}
	p.LastSeen = t.now()
	t.recomputeLocked()
	return *p
}

// UpdateHealth sets a peer's health and recomputes the aggregate.
func (t *Topology) UpdateHealth(id uint32, health float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return false
	}
	p.Health = numeric.Unit(health)
	t.recomputeLocked()
	return true
}

// SetTrust sets a peer's trust level.
func (t *Topology) SetTrust(id uint32, trust float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return false
	}
	p.Trust = numeric.Unit(trust)
	return true
}

// recomputeLocked: mean of records strictly above the dead-node floor, 0 if none.
func (t *Topology) recomputeLocked() {
	var sum float64
	n := 0
	for _, p := range t.peers {
		if p.Health > t.cfg.DeadNodeFloor {
			sum += p.Health
			n++
		}
	}
	if n == 0 {
		t.aggregate = 0
		return
	}
	t.aggregate = sum / float64(n)
}

// AggregateHealth returns the current aggregate health.
func (t *Topology) AggregateHealth() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.aggregate
}

// Get returns the record for id.
func (t *Topology) Get(id uint32) (PeerRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	if !ok {
		return PeerRecord{}, false
	}
	return *p, true
}

// Healthiest returns the record with maximum health, provided it is above
// the dead-node floor. Ties resolve to the lowest node id.
func (t *Topology) Healthiest() (PeerRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var best *PeerRecord
	for _, p := range t.peers {
		if best == nil || p.Health > best.Health || (p.Health == best.Health && p.NodeID < best.NodeID) {
			best = p
		}
	}
	if best == nil || best.Health <= t.cfg.DeadNodeFloor {
		return PeerRecord{}, false
	}
	return *best, true
}

// Len returns the number of known peers.
func (t *Topology) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Peers returns all records ordered by node id.
func (t *Topology) Peers() []PeerRecord {
	t.mu.RLock()
	out := make([]PeerRecord, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Sweep marks peers unseen for longer than timeout as dead (health 0) and
// returns the ids that transitioned on this call.
func (t *Topology) Sweep(timeout time.Duration) []uint32 {
	if timeout <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var expired []uint32
	for id, p := range t.peers {
		if p.Health > 0 && now.Sub(p.LastSeen) > timeout {
			p.Health = 0
			expired = append(expired, id)
		}
	}
	if len(expired) > 0 {
		sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
		t.recomputeLocked()
		logging.Topology("peers timed out: %v", expired)
	}
	return expired
}
