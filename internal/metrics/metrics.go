// Package metrics exports node state to Prometheus and serves a small HTTP
// status surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "autognosis"

// Sample is the per-tick state recorded into the gauges.
type Sample struct {
	Health           float64
	Autonomy         float64
	Load             float64
	TopologyHealth   float64
	SwarmHealth      float64
	Emergence        float64
	Coherence        float64
	AgencyLevel      int
	HomeostaticIndex float64
	GlobalStability  float64
	Disturbance      float64
	Autopoiesis      float64
	Vitality         float64
	Atoms            int
	Peers            int
	CycleDuration    time.Duration
}

// Collectors holds every node metric.
type Collectors struct {
	health           prometheus.Gauge
	autonomy         prometheus.Gauge
	load             prometheus.Gauge
	topologyHealth   prometheus.Gauge
	swarmHealth      prometheus.Gauge
	emergence        prometheus.Gauge
	coherence        prometheus.Gauge
	agencyLevel      prometheus.Gauge
	homeostaticIndex prometheus.Gauge
	globalStability  prometheus.Gauge
	disturbance      prometheus.Gauge
	autopoiesis      prometheus.Gauge
	vitality         prometheus.Gauge
	atoms            prometheus.Gauge
	peers            prometheus.Gauge

	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	healing       *prometheus.CounterVec
	messages      *prometheus.CounterVec
	anticipatory  *prometheus.CounterVec
}

// NewCollectors registers the node metrics on reg, labelled with nodeID.
func NewCollectors(reg prometheus.Registerer, nodeID uint32) *Collectors {
	f := promauto.With(reg)
	labels := prometheus.Labels{"node": strconv.FormatUint(uint64(nodeID), 10)}
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help, ConstLabels: labels})
	}
	return &Collectors{
		health:           gauge("health", "Self health score"),
		autonomy:         gauge("autonomy", "Autonomy level"),
		load:             gauge("cognitive_load", "Cognitive load"),
		topologyHealth:   gauge("topology_health", "Aggregate peer health"),
		swarmHealth:      gauge("swarm_health", "Weighted self, network and collective health"),
		emergence:        gauge("emergence", "Emergence factor"),
		coherence:        gauge("coherence", "Entropy coherence"),
		agencyLevel:      gauge("agency_level", "Agency level ordinal"),
		homeostaticIndex: gauge("homeostatic_index", "Homeostatic index"),
		globalStability:  gauge("global_stability", "Global stability"),
		disturbance:      gauge("disturbance_probability", "Forecast disturbance probability"),
		autopoiesis:      gauge("autopoiesis", "Self-maintenance autopoiesis score"),
		vitality:         gauge("vitality", "Self-maintenance vitality"),
		atoms:            gauge("atoms", "Atoms in the knowledge store"),
		peers:            gauge("peers", "Known peers"),
		cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycles_total", Help: "Completed scheduler ticks", ConstLabels: labels,
		}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cycle_duration_seconds", Help: "Scheduler tick duration",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1}, ConstLabels: labels,
		}),
		healing: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "healing_actions_total", Help: "Healing diagnoses by action and outcome", ConstLabels: labels,
		}, []string{"action", "outcome"}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_total", Help: "Coordination messages by direction and type", ConstLabels: labels,
		}, []string{"direction", "type"}),
		anticipatory: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "anticipatory_actions_total", Help: "Anticipatory actions fired", ConstLabels: labels,
		}, []string{"action"}),
	}
}

// Observe records one tick.
func (c *Collectors) Observe(s Sample) {
	c.health.Set(s.Health)
	c.autonomy.Set(s.Autonomy)
	c.load.Set(s.Load)
	c.topologyHealth.Set(s.TopologyHealth)
	c.swarmHealth.Set(s.SwarmHealth)
	c.emergence.Set(s.Emergence)
	c.coherence.Set(s.Coherence)
	c.agencyLevel.Set(float64(s.AgencyLevel))
	c.homeostaticIndex.Set(s.HomeostaticIndex)
	c.globalStability.Set(s.GlobalStability)
	c.disturbance.Set(s.Disturbance)
	c.autopoiesis.Set(s.Autopoiesis)
	c.vitality.Set(s.Vitality)
	c.atoms.Set(float64(s.Atoms))
	c.peers.Set(float64(s.Peers))
	c.cycles.Inc()
	c.cycleDuration.Observe(s.CycleDuration.Seconds())
}

// HealingOutcome counts one diagnosis.
func (c *Collectors) HealingOutcome(action string, executed, succeeded bool) {
	outcome := "advised"
	switch {
	case executed && succeeded:
		outcome = "succeeded"
	case executed:
		outcome = "failed"
	}
	c.healing.WithLabelValues(action, outcome).Inc()
}

// Message counts coordination traffic; direction is "in" or "out".
func (c *Collectors) Message(direction, msgType string, n uint64) {
	if n > 0 {
		c.messages.WithLabelValues(direction, msgType).Add(float64(n))
	}
}

// Anticipatory counts a fired anticipatory action.
func (c *Collectors) Anticipatory(action string) {
	c.anticipatory.WithLabelValues(action).Inc()
}
