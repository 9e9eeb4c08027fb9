package node

import (
	"context"
	"errors"
	"fmt"

	"autognosis/internal/agency"
	"autognosis/internal/healing"
	"autognosis/internal/logging"
)

// ProblemAnticipated is queued for healing by preemptive actions.
const ProblemAnticipated = "anticipated degradation"

var errNoRoute = errors.New("no healthy peer to take over")

// effector applies anticipatory actions to the rest of the node.
type effector struct{ n *Node }

func (e effector) Stabilize(strength float64) {
	e.n.homeo.PromoteSystemHealth(strength)
}

func (e effector) Preempt(problem string, strength float64) {
	if problem == "" {
		problem = ProblemAnticipated
	}
	logging.ForecastDebug("preempting %q (strength %.2f)", problem, strength)
	e.n.ReportProblem(problem)
}

func (e effector) Adapt(strength float64) {
	e.n.homeo.BoostEffectiveness(0.1 * strength)
}

func (e effector) Transform(float64) {
	e.n.agency.RequestMetamorphosis()
}

func (e effector) Emerge(strength float64) {
	e.n.agency.Submit(agency.VortexAction, agency.Event{
		Kind: "emergent", Significance: strength, At: e.n.now(),
	})
}

// emergencyHandler records peer emergencies as urgent perception events.
type emergencyHandler struct{ n *Node }

func (h emergencyHandler) Emergency(sender uint32, reason string) {
	h.n.agency.Submit(agency.VortexPerception, agency.Event{
		Kind:         fmt.Sprintf("emergency from %d: %s", sender, reason),
		Significance: 1,
		Urgency:      1,
		At:           h.n.now(),
	})
}

// localExecutor carries out healing actions with what one node controls:
// retries are free, rerouting and migration need a live peer, and
// reconstruction rebuilds homeostatic resilience.
type localExecutor struct{ n *Node }

func (x localExecutor) Execute(ctx context.Context, problem string, action healing.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch action {
	case healing.ActionRetry:
		return nil
	case healing.ActionReroute, healing.ActionMigrate:
		peer, ok := x.n.self.Topology().Healthiest()
		if !ok || peer.Health <= x.n.cfg.SelfModel.DeadNodeFloor {
			return errNoRoute
		}
		logging.Healing("%s %q via peer %d", action, problem, peer.NodeID)
		return nil
	case healing.ActionReconstruct:
		x.n.homeo.EnhanceResilience()
		return nil
	}
	return fmt.Errorf("unsupported action %s", action)
}
