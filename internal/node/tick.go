package node

import (
	"context"
	"fmt"
	"time"

	"autognosis/internal/agency"
	"autognosis/internal/bridge"
	"autognosis/internal/coordination"
	"autognosis/internal/forecast"
	"autognosis/internal/healing"
	"autognosis/internal/homeostasis"
	"autognosis/internal/logging"
	"autognosis/internal/metrics"
	"autognosis/internal/selfmodel"
	"autognosis/internal/store"
)

// TickReport summarizes one scheduler tick.
type TickReport struct {
	Cycle        uint64
	At           time.Time
	Delivered    int
	Self         selfmodel.SelfModel
	Expired      []uint32
	Diagnoses    []healing.Diagnosis
	Escalated    []coordination.HealingRequest
	Agency       agency.Report
	Homeostasis  homeostasis.Report
	Forecast     forecast.Report
	Coordination coordination.CycleReport
	Solutions    int
	Published    bool
	Duration     time.Duration
}

// Tick runs one full cycle of the node in a fixed order: inbound traffic,
// self model, healing, agency, homeostasis, forecasting, coordination,
// bridge results, then metrics and snapshots. Tick is normally driven by
// Run but may be called directly when the node is not running.
func (n *Node) Tick(ctx context.Context) TickReport {
	timer := logging.StartTimer(logging.CategoryScheduler, "node.Tick")
	started := time.Now()
	n.applyPending()

	now := n.now()
	n.mu.Lock()
	n.cycles++
	rep := TickReport{Cycle: n.cycles, At: now}
	n.mu.Unlock()

	rep.Delivered = n.deliverInbound(ctx, now)

	self, expired := n.self.Cycle()
	rep.Expired = expired
	for _, id := range expired {
		n.ReportProblem(fmt.Sprintf("timeout peer-%d", id))
	}

	rep.Diagnoses, rep.Escalated = n.heal(ctx, now)

	meanTruth, hasAtoms := n.knowledge.MeanTruth()
	topoHealth := n.self.Topology().AggregateHealth()
	rep.Agency = n.agency.Cycle(agency.Observation{
		MeanTruth:      meanTruth,
		HasAtoms:       hasAtoms,
		CognitiveLoad:  self.Load,
		TopologyHealth: topoHealth,
		Autonomy:       self.Autonomy,
		At:             now,
	}, n.self)
	if rep.Agency.Metamorphosis {
		n.homeo.AdaptToEnvironment()
	}

	// Entropic resistance may have raised autonomy.
	self = n.self.Self()
	rep.Self = self
	rep.Homeostasis = n.homeo.Cycle(homeostasis.Reading{
		CognitiveLoad:  self.Load,
		TopologyHealth: topoHealth,
		SelfHealth:     self.Health,
		Autonomy:       self.Autonomy,
		AtomCount:      n.knowledge.Len(),
	}, now)
	if rep.Homeostasis.Trained {
		n.forecast.EnhancePredictivePower()
	}

	rep.Forecast = n.forecast.Cycle(forecast.Input{
		State:                rep.Homeostasis.State,
		Quality:              rep.Homeostasis.Quality,
		AdaptationEfficiency: rep.Homeostasis.Metrics.AdaptationEfficiency,
		At:                   now,
	})
	for _, name := range rep.Forecast.Triggered {
		n.collectors.Anticipatory(name)
		n.agency.Submit(agency.VortexAction, agency.Event{Kind: name, Significance: 0.5, At: now})
	}

	rep.Coordination = n.coord.ProcessCycle(ctx)

	rep.Solutions = n.drainSolutions()
	if n.cfg.Bridge.Enabled {
		rep.Published = n.bridge.MaybePublish(n.bridgeState(self), now)
	}

	rep.Duration = time.Since(started)
	n.observe(rep)
	n.snapshot(ctx)

	n.mu.Lock()
	n.lastTick = now
	n.last = rep
	n.mu.Unlock()

	timer.StopWithThreshold(500 * time.Millisecond)
	return rep
}

// deliverInbound hands queued traffic to the coordinator. Every message
// counts toward cognitive load and feeds the perception vortex.
func (n *Node) deliverInbound(ctx context.Context, now time.Time) int {
	batch := n.drainInbound()
	for _, data := range batch {
		n.coord.Deliver(ctx, data)
		n.self.ProcessEvent()
		n.agency.Submit(agency.VortexPerception, agency.Event{Kind: "message", Significance: 0.3, At: now})
	}
	if len(batch) > 0 {
		logging.SchedulerDebug("delivered %d inbound messages", len(batch))
	}
	return len(batch)
}

// heal diagnoses every queued problem. Problems the local rules cannot
// settle are escalated to peers and, when enabled, to the federation.
func (n *Node) heal(ctx context.Context, now time.Time) ([]healing.Diagnosis, []coordination.HealingRequest) {
	n.mu.Lock()
	problems := n.problems
	n.problems = nil
	n.mu.Unlock()

	var diags []healing.Diagnosis
	var escalated []coordination.HealingRequest
	for _, p := range problems {
		d := n.healer.Diagnose(ctx, p)
		diags = append(diags, d)
		n.collectors.HealingOutcome(d.Action.String(), d.Executed, d.Succeeded)

		sig := 0.5
		if d.Executed && !d.Succeeded {
			sig = 1
		}
		n.agency.Submit(agency.VortexCognition, agency.Event{Kind: "diagnosis", Significance: sig, At: now})

		if d.Succeeded {
			n.homeo.ApplyHealingFeedback()
			n.forecast.OptimizeHealingEfficiency()
		}
		if !d.Action.Conclusive() {
			if req, sent := n.coord.CoordinateHealing(ctx, p); sent {
				escalated = append(escalated, req)
			}
			if n.cfg.Bridge.Enabled {
				n.bridge.Query(p, n.cfg.Coordination.RequestSeverity)
			}
		}
	}
	return diags, escalated
}

// drainSolutions folds finished federation queries into knowledge.
func (n *Node) drainSolutions() int {
	accepted := 0
	for {
		select {
		case r := <-n.bridge.Results():
			if r.Err != nil {
				logging.BridgeWarn("query %q: %v", r.Problem, r.Err)
				continue
			}
			if bridge.DecodeSolution(n.knowledge, r.Solution, n.cfg.Bridge.MinConfidence) {
				accepted++
			}
		default:
			return accepted
		}
	}
}

func (n *Node) bridgeState(self selfmodel.SelfModel) bridge.State {
	return bridge.State{
		Health:   self.Health,
		Autonomy: self.Autonomy,
		Peers:    n.self.Topology().Len(),
		Links:    n.knowledge.LinkCount(),
		Load:     self.Load,
		Atoms:    n.knowledge.Len(),
	}
}

func (n *Node) observe(rep TickReport) {
	n.collectors.Observe(metrics.Sample{
		Health:           rep.Self.Health,
		Autonomy:         rep.Self.Autonomy,
		Load:             rep.Self.Load,
		TopologyHealth:   n.self.Topology().AggregateHealth(),
		SwarmHealth:      rep.Coordination.SwarmHealth,
		Emergence:        rep.Coordination.Emergence,
		Coherence:        rep.Agency.Metric.Coherence,
		AgencyLevel:      int(rep.Agency.State.Level),
		HomeostaticIndex: rep.Homeostasis.Metrics.HomeostaticIndex,
		GlobalStability:  rep.Homeostasis.Metrics.GlobalStability,
		Disturbance:      rep.Forecast.Disturbance,
		Autopoiesis:      rep.Forecast.Health.Autopoiesis,
		Vitality:         rep.Forecast.Health.Vitality,
		Atoms:            n.knowledge.Len(),
		Peers:            n.self.Topology().Len(),
		CycleDuration:    rep.Duration,
	})

	stats := n.coord.Stats()
	n.mu.Lock()
	last := n.lastStats
	n.lastStats = stats
	n.mu.Unlock()
	for t, v := range stats.Sent {
		n.collectors.Message("out", t.String(), v-last.Sent[t])
	}
	for t, v := range stats.Received {
		n.collectors.Message("in", t.String(), v-last.Received[t])
	}
}

// Status builds the externally visible summary of the last tick.
func (n *Node) Status() store.Status {
	n.mu.Lock()
	rep := n.last
	cycles := n.cycles
	n.mu.Unlock()

	self := n.self.Self()
	return store.Status{
		NodeID:           n.id,
		RunID:            n.runID,
		Address:          n.cfg.Coordination.Address,
		Health:           self.Health,
		Autonomy:         self.Autonomy,
		Load:             self.Load,
		SwarmHealth:      rep.Coordination.SwarmHealth,
		HomeostaticIndex: rep.Homeostasis.Metrics.HomeostaticIndex,
		Emergence:        rep.Coordination.Emergence,
		AgencyLevel:      n.agency.State().Level.String(),
		Atoms:            n.knowledge.Len(),
		Peers:            n.self.Topology().Len(),
		Cycles:           cycles,
		UpdatedAt:        rep.At,
	}
}

func (n *Node) snapshot(ctx context.Context) {
	if n.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := n.status.Publish(ctx, n.Status()); err != nil {
		logging.StoreError("publish status: %v", err)
	}
}

// Cycles returns the number of ticks run so far.
func (n *Node) Cycles() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cycles
}

// LastTick returns the report of the most recent tick.
func (n *Node) LastTick() TickReport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last
}
