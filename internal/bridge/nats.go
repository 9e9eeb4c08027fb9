package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Federation subjects under a prefix.
func publishSubject(prefix string) string { return prefix + ".federation.knowledge" }
func querySubject(prefix string) string   { return prefix + ".federation.query" }

type knowledgeEnvelope struct {
	ID             string    `json:"id"`
	Node           string    `json:"node"`
	Specialization string    `json:"specialization"`
	Vector         []float64 `json:"vector"`
	Reputation     float64   `json:"reputation"`
	Timestamp      time.Time `json:"timestamp"`
}

type queryEnvelope struct {
	ID          string  `json:"id"`
	Node        string  `json:"node"`
	ProblemType string  `json:"problem_type"`
	Urgency     float64 `json:"urgency"`
	MaxCost     float64 `json:"max_cost"`
}

// NATSFederation talks to the federation over NATS: state vectors are
// published, queries use request/reply.
type NATSFederation struct {
	nc     *nats.Conn
	node   string
	prefix string
	spec   string
}

// NewNATSFederation uses nc, which stays owned by the caller.
func NewNATSFederation(nc *nats.Conn, node string, cfg Config) *NATSFederation {
	return &NATSFederation{nc: nc, node: node, prefix: cfg.SubjectPrefix, spec: cfg.Specialization}
}

// Publish implements Federation.
func (f *NATSFederation) Publish(_ context.Context, vector []float64, reputation float64) error {
	data, err := json.Marshal(knowledgeEnvelope{
		ID: uuid.NewString(), Node: f.node, Specialization: f.spec,
		Vector: vector, Reputation: reputation, Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := f.nc.Publish(publishSubject(f.prefix), data); err != nil {
		return fmt.Errorf("publish knowledge: %w", err)
	}
	return nil
}

// Query implements Federation. A missing responder is ErrUnavailable.
func (f *NATSFederation) Query(ctx context.Context, problemType string, urgency, maxCost float64) (Solution, error) {
	id := uuid.NewString()
	data, err := json.Marshal(queryEnvelope{ID: id, Node: f.node, ProblemType: problemType, Urgency: urgency, MaxCost: maxCost})
	if err != nil {
		return Solution{}, err
	}
	msg, err := f.nc.RequestWithContext(ctx, querySubject(f.prefix), data)
	if errors.Is(err, nats.ErrNoResponders) {
		return Solution{}, ErrUnavailable
	}
	if err != nil {
		return Solution{}, fmt.Errorf("query %s: %w", problemType, err)
	}
	var sol Solution
	if err := json.Unmarshal(msg.Data, &sol); err != nil {
		return Solution{}, fmt.Errorf("decode solution: %w", err)
	}
	if sol.QueryID == "" {
		sol.QueryID = id
	}
	return sol, nil
}
