package coordination

import (
	"context"
	"encoding"
	"fmt"
	"math"
	"sync"
	"time"

	"autognosis/internal/healing"
	"autognosis/internal/knowledge"
	"autognosis/internal/logging"
	"autognosis/internal/numeric"
	"autognosis/internal/selfmodel"
)

// Config holds the coordination intervals and weights.
type Config struct {
	Address              string        `yaml:"address"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	SyncInterval         time.Duration `yaml:"sync_interval"`
	ShareImportance      float64       `yaml:"share_importance"`
	ShareMaxAge          time.Duration `yaml:"share_max_age"`
	RequestSeverity      float64       `yaml:"request_severity"`
	ResponseConfidence   float64       `yaml:"response_confidence"`
	CollectiveConfidence float64       `yaml:"collective_confidence"`
	InitialIntelligence  float64       `yaml:"initial_intelligence"`
	HighEmergence        float64       `yaml:"high_emergence"`
	LowEmergence         float64       `yaml:"low_emergence"`
	HighAutonomy         float64       `yaml:"high_autonomy"`
	LowAutonomy          float64       `yaml:"low_autonomy"`
	MaxAdvicePerProblem  int           `yaml:"max_advice_per_problem"`
}

// DefaultConfig returns the reference intervals and weights.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    30 * time.Second,
		SyncInterval:         60 * time.Second,
		ShareImportance:      0.7,
		ShareMaxAge:          300 * time.Second,
		RequestSeverity:      0.8,
		ResponseConfidence:   0.8,
		CollectiveConfidence: 0.9,
		InitialIntelligence:  0.5,
		HighEmergence:        0.8,
		LowEmergence:         0.3,
		HighAutonomy:         0.9,
		LowAutonomy:          0.3,
		MaxAdvicePerProblem:  16,
	}
}

// Atom names written by the coordinator.
const (
	AtomCollectiveHealth = "collective-health"
	adviceAtomPrefix     = "healing-advice-"
)

// AdviceAtom names the atom that accumulates peer advice for a problem.
func AdviceAtom(problemID uint32) string {
	return fmt.Sprintf("%s%d", adviceAtomPrefix, problemID)
}

// Transport delivers encoded messages. recipient is Broadcast or a node id.
// Send must not block on slow peers.
type Transport interface {
	Send(ctx context.Context, recipient uint32, data []byte) error
}

// EmergencyHandler is told about emergency signals from peers.
type EmergencyHandler interface {
	Emergency(sender uint32, reason string)
}

// Stats counts coordinator traffic.
type Stats struct {
	Sent      map[MessageType]uint64
	Received  map[MessageType]uint64
	Dropped   uint64
	SendFails uint64
}

// Coordinator runs the peer protocol for one node.
type Coordinator struct {
	nodeID uint32
	cfg    Config
	self   *selfmodel.Engine
	healer *healing.Engine
	tx     Transport

	mu            sync.Mutex
	emergency     EmergencyHandler
	seq           uint32
	problemSeq    uint32
	lastHeartbeat time.Time
	lastSync      time.Time
	intelligence  float64
	shared        map[string]time.Time
	advice        map[uint32][]HealingResponse
	stats         Stats
	now           func() time.Time
}

// New creates a coordinator for node id. tx may be nil, in which case
// outbound messages are counted and discarded.
func New(id uint32, cfg Config, self *selfmodel.Engine, healer *healing.Engine, tx Transport) (*Coordinator, error) {
	if id == Broadcast {
		return nil, fmt.Errorf("node id %d is reserved for broadcast", Broadcast)
	}
	if self == nil || healer == nil {
		return nil, fmt.Errorf("coordinator needs a self model and a healing engine")
	}
	return &Coordinator{
		nodeID:       id,
		cfg:          cfg,
		self:         self,
		healer:       healer,
		tx:           tx,
		intelligence: cfg.InitialIntelligence,
		shared:       make(map[string]time.Time),
		advice:       make(map[uint32][]HealingResponse),
		stats: Stats{
			Sent:     make(map[MessageType]uint64),
			Received: make(map[MessageType]uint64),
		},
		now: time.Now,
	}, nil
}

// SetClock replaces the time source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// SetEmergencyHandler sets the sink for peer emergency signals.
func (c *Coordinator) SetEmergencyHandler(h EmergencyHandler) {
	c.mu.Lock()
	c.emergency = h
	c.mu.Unlock()
}

// NodeID returns the local node id.
func (c *Coordinator) NodeID() uint32 { return c.nodeID }

// send stamps, encodes and hands a message to the transport. Failures are
// logged and counted, never returned to the cycle.
func (c *Coordinator) send(ctx context.Context, recipient uint32, t MessageType, payload encoding.BinaryMarshaler) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = payload.MarshalBinary(); err != nil {
			logging.CoordinationWarn("encode %s payload: %v", t, err)
			return
		}
	}

	c.mu.Lock()
	c.seq++
	msg := Message{Sender: c.nodeID, Recipient: recipient, Type: t, Seq: c.seq, Timestamp: c.now(), Payload: body}
	c.stats.Sent[t]++
	tx := c.tx
	c.mu.Unlock()

	data, err := msg.MarshalBinary()
	if err != nil {
		logging.CoordinationWarn("encode %s: %v", t, err)
		return
	}
	logging.CoordinationDebug("node %d sending %s to %d (seq %d)", c.nodeID, t, recipient, msg.Seq)
	if tx == nil {
		return
	}
	if err := tx.Send(ctx, recipient, data); err != nil {
		c.mu.Lock()
		c.stats.SendFails++
		c.mu.Unlock()
		logging.CoordinationWarn("send %s to %d: %v", t, recipient, err)
	}
}

// Deliver decodes raw bytes from the transport and dispatches them.
// Malformed input is logged and dropped.
func (c *Coordinator) Deliver(ctx context.Context, data []byte) {
	var msg Message
	if err := msg.UnmarshalBinary(data); err != nil {
		c.drop("decode", err)
		return
	}
	c.Receive(ctx, msg)
}

func (c *Coordinator) drop(what string, err error) {
	c.mu.Lock()
	c.stats.Dropped++
	c.mu.Unlock()
	logging.CoordinationWarn("dropped message (%s): %v", what, err)
}

// Receive handles one inbound message. Messages from this node and
// messages addressed to other nodes are ignored.
func (c *Coordinator) Receive(ctx context.Context, msg Message) {
	if msg.Sender == c.nodeID || (!msg.IsBroadcast() && msg.Recipient != c.nodeID) {
		return
	}
	c.mu.Lock()
	c.stats.Received[msg.Type]++
	c.mu.Unlock()
	logging.CoordinationDebug("node %d received %s from %d", c.nodeID, msg.Type, msg.Sender)

	switch msg.Type {
	case MsgHeartbeat:
		var hb Heartbeat
		if err := hb.UnmarshalBinary(msg.Payload); err != nil {
			c.drop(msg.Type.String(), err)
			return
		}
		c.handleHeartbeat(msg.Sender, hb)
	case MsgKnowledgeShare:
		var p KnowledgePacket
		if err := p.UnmarshalBinary(msg.Payload); err != nil {
			c.drop(msg.Type.String(), err)
			return
		}
		c.handleKnowledge(p)
	case MsgHealingRequest:
		var req HealingRequest
		if err := req.UnmarshalBinary(msg.Payload); err != nil {
			c.drop(msg.Type.String(), err)
			return
		}
		c.respond(ctx, req)
	case MsgHealingResponse:
		var resp HealingResponse
		if err := resp.UnmarshalBinary(msg.Payload); err != nil {
			c.drop(msg.Type.String(), err)
			return
		}
		c.handleAdvice(resp)
	case MsgTopologyUpdate:
		var tu TopologyUpdate
		if err := tu.UnmarshalBinary(msg.Payload); err != nil {
			c.drop(msg.Type.String(), err)
			return
		}
		topo := c.self.Topology()
		topo.Upsert(msg.Sender, "")
		topo.UpdateHealth(msg.Sender, tu.Health)
		c.updateCollectiveTopology()
	case MsgEmergency:
		var em Emergency
		if err := em.UnmarshalBinary(msg.Payload); err != nil {
			c.drop(msg.Type.String(), err)
			return
		}
		logging.CoordinationWarn("emergency signal from node %d: %s", msg.Sender, em.Reason)
		c.mu.Lock()
		h := c.emergency
		c.mu.Unlock()
		if h != nil {
			h.Emergency(msg.Sender, em.Reason)
		}
	}
}

func (c *Coordinator) handleHeartbeat(sender uint32, hb Heartbeat) {
	topo := c.self.Topology()
	topo.Upsert(sender, hb.Address)
	topo.UpdateHealth(sender, 1.0)
}

// handleKnowledge blends a shared atom into the local store and adopts the
// sender's importance. The atom is marked as already shared so it is not
// echoed back.
func (c *Coordinator) handleKnowledge(p KnowledgePacket) {
	store := c.self.Store()
	a, err := store.Observe(p.Kind, p.Name, p.Truth, p.Confidence)
	if err != nil {
		c.drop(MsgKnowledgeShare.String(), err)
		return
	}
	store.SetImportance(p.Name, p.Importance)
	c.mu.Lock()
	c.shared[p.Name] = a.LastUpdated
	c.mu.Unlock()
	logging.Coordination("integrated shared knowledge %q (truth=%.2f)", a.Name, a.Truth)
}

// respond evaluates a peer's problem locally and replies to the requester.
func (c *Coordinator) respond(ctx context.Context, req HealingRequest) {
	action := c.healer.Evaluate(req.Description)
	resp := HealingResponse{
		ProblemID:         req.ProblemID,
		RespondingNode:    c.nodeID,
		RecommendedAction: action,
		Confidence:        c.cfg.ResponseConfidence,
	}
	c.send(ctx, req.RequestingNode, MsgHealingResponse, resp)
}

// handleAdvice records a peer's response as independent advice. The advice
// atom's truth is the responder's confidence, weighted by how much the
// responder is trusted.
func (c *Coordinator) handleAdvice(resp HealingResponse) {
	trust := 0.5
	if p, ok := c.self.Topology().Get(resp.RespondingNode); ok {
		trust = p.Trust
	}
	if _, err := c.self.Store().Observe(knowledge.KindEvaluation, AdviceAtom(resp.ProblemID), resp.Confidence, trust); err != nil {
		c.drop(MsgHealingResponse.String(), err)
		return
	}
	c.mu.Lock()
	list := append(c.advice[resp.ProblemID], resp)
	if c.cfg.MaxAdvicePerProblem > 0 && len(list) > c.cfg.MaxAdvicePerProblem {
		list = list[len(list)-c.cfg.MaxAdvicePerProblem:]
	}
	c.advice[resp.ProblemID] = list
	c.mu.Unlock()
	logging.Coordination("node %d advises %s for problem %d (confidence %.2f)",
		resp.RespondingNode, resp.RecommendedAction, resp.ProblemID, resp.Confidence)
}

// Advice returns the responses recorded for problemID.
func (c *Coordinator) Advice(problemID uint32) []HealingResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]HealingResponse(nil), c.advice[problemID]...)
}

// BestAdvice returns the most confident conclusive advice for problemID.
func (c *Coordinator) BestAdvice(problemID uint32) (HealingResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var best HealingResponse
	found := false
	for _, r := range c.advice[problemID] {
		if !r.RecommendedAction.Conclusive() {
			continue
		}
		if !found || r.Confidence > best.Confidence {
			best, found = r, true
		}
	}
	return best, found
}

// CoordinateHealing resolves problem locally first and broadcasts a
// request for help only when the local action is inconclusive. It returns
// the request and whether it was broadcast.
func (c *Coordinator) CoordinateHealing(ctx context.Context, problem string) (HealingRequest, bool) {
	c.mu.Lock()
	c.problemSeq++
	req := HealingRequest{
		ProblemID:      c.problemSeq,
		Description:    truncate(problem, MaxDescription),
		Severity:       c.cfg.RequestSeverity,
		RequestingNode: c.nodeID,
		RequestTime:    c.now(),
	}
	c.mu.Unlock()

	req.SuggestedAction = c.healer.Evaluate(problem)
	if req.SuggestedAction.Conclusive() {
		return req, false
	}
	logging.Coordination("escalating problem %d %q to peers (local %s)", req.ProblemID, problem, req.SuggestedAction)
	c.send(ctx, Broadcast, MsgHealingRequest, req)
	return req, true
}

// SignalEmergency broadcasts an emergency with reason.
func (c *Coordinator) SignalEmergency(ctx context.Context, reason string) {
	logging.CoordinationWarn("signalling emergency: %s", reason)
	c.send(ctx, Broadcast, MsgEmergency, Emergency{Reason: reason})
}

// ShareKnowledge broadcasts a single atom.
func (c *Coordinator) ShareKnowledge(ctx context.Context, a knowledge.Atom) {
	c.mu.Lock()
	c.shared[a.Name] = a.LastUpdated
	c.mu.Unlock()
	c.send(ctx, Broadcast, MsgKnowledgeShare, PacketFromAtom(a))
}

// CycleReport summarizes one ProcessCycle call.
type CycleReport struct {
	Heartbeat    bool
	Synced       bool
	Shared       string
	SwarmHealth  float64
	Emergence    float64
	Intelligence float64
}

// ProcessCycle runs the periodic work: heartbeat, collective sync, and
// sharing at most one recent important atom that has changed since it was
// last shared.
func (c *Coordinator) ProcessCycle(ctx context.Context) CycleReport {
	c.mu.Lock()
	now := c.now()
	heartbeat := c.lastHeartbeat.IsZero() || now.Sub(c.lastHeartbeat) >= c.cfg.HeartbeatInterval
	if heartbeat {
		c.lastHeartbeat = now
	}
	syncDue := c.lastSync.IsZero() || now.Sub(c.lastSync) >= c.cfg.SyncInterval
	if syncDue {
		c.lastSync = now
	}
	c.mu.Unlock()

	var rep CycleReport
	if heartbeat {
		c.send(ctx, Broadcast, MsgHeartbeat, Heartbeat{Address: c.cfg.Address})
		rep.Heartbeat = true
	}
	if syncDue {
		c.updateCollectiveTopology()
		c.AdaptiveBehavior()
		c.send(ctx, Broadcast, MsgTopologyUpdate, TopologyUpdate{Health: c.self.Self().Health})
		rep.Synced = true
	}
	if a, ok := c.nextShare(); ok {
		c.ShareKnowledge(ctx, a)
		rep.Shared = a.Name
	}

	rep.SwarmHealth = c.SwarmHealth()
	rep.Emergence = c.EmergenceFactor()
	rep.Intelligence = c.Intelligence()
	return rep
}

func (c *Coordinator) nextShare() (knowledge.Atom, bool) {
	candidates := c.self.Store().RecentImportant(c.cfg.ShareImportance, c.cfg.ShareMaxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range candidates {
		if last, ok := c.shared[a.Name]; ok && !a.LastUpdated.After(last) {
			continue
		}
		return a, true
	}
	return knowledge.Atom{}, false
}

// updateCollectiveTopology blends the topology aggregate into the
// collective-health atom.
func (c *Coordinator) updateCollectiveTopology() {
	health := c.self.Topology().AggregateHealth()
	if _, err := c.self.Store().Observe(knowledge.KindConcept, AtomCollectiveHealth, health, c.cfg.CollectiveConfidence); err != nil {
		logging.CoordinationWarn("collective health atom: %v", err)
	}
}

// SwarmHealth weighs own health, network health and collective intelligence.
func (c *Coordinator) SwarmHealth() float64 {
	self := c.self.Self().Health
	network := c.self.Topology().AggregateHealth()
	return numeric.Unit(0.3*self + 0.4*network + 0.3*c.Intelligence())
}

// EmergenceFactor combines network health, knowledge diversity and
// collective intelligence.
func (c *Coordinator) EmergenceFactor() float64 {
	network := c.self.Topology().AggregateHealth()
	diversity := math.Min(1, float64(c.self.Store().Len())/100)
	return numeric.Unit(0.4*network + 0.3*diversity + 0.3*c.Intelligence())
}

// AdaptiveBehavior moves autonomy to an extreme when emergence is high or
// low and adopts emergence as the new collective intelligence score.
func (c *Coordinator) AdaptiveBehavior() float64 {
	e := c.EmergenceFactor()
	switch {
	case e > c.cfg.HighEmergence:
		c.self.SetAutonomy(c.cfg.HighAutonomy)
	case e < c.cfg.LowEmergence:
		c.self.SetAutonomy(c.cfg.LowAutonomy)
	}
	c.mu.Lock()
	c.intelligence = e
	c.mu.Unlock()
	return e
}

// Intelligence returns the collective intelligence score.
func (c *Coordinator) Intelligence() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intelligence
}

// Stats returns a copy of the traffic counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Stats{
		Sent:      make(map[MessageType]uint64, len(c.stats.Sent)),
		Received:  make(map[MessageType]uint64, len(c.stats.Received)),
		Dropped:   c.stats.Dropped,
		SendFails: c.stats.SendFails,
	}
	for k, v := range c.stats.Sent {
		out.Sent[k] = v
	}
	for k, v := range c.stats.Received {
		out.Received[k] = v
	}
	return out
}
