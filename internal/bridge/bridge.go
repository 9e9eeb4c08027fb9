// Package bridge connects the node to an optional outer federation that
// aggregates state vectors from many nodes and answers problem queries.
// The federation may be absent; no call ever blocks the node's cycle.
package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"autognosis/internal/knowledge"
	"autognosis/internal/logging"
	"autognosis/internal/numeric"
)

// ErrUnavailable is returned when no federation is reachable.
var ErrUnavailable = errors.New("federation unavailable")

// Solution is a federation answer to a query.
type Solution struct {
	QueryID      string    `json:"query_id"`
	Vector       []float64 `json:"vector"`
	Confidence   float64   `json:"confidence"`
	Cost         float64   `json:"cost"`
	Contributors []string  `json:"contributors,omitempty"`
}

// Federation is the outer collaborator.
type Federation interface {
	Publish(ctx context.Context, vector []float64, reputation float64) error
	Query(ctx context.Context, problemType string, urgency, maxCost float64) (Solution, error)
}

// Noop is the federation used when none is configured.
type Noop struct{}

// Publish implements Federation.
func (Noop) Publish(context.Context, []float64, float64) error { return ErrUnavailable }

// Query implements Federation.
func (Noop) Query(context.Context, string, float64, float64) (Solution, error) {
	return Solution{}, ErrUnavailable
}

// State is the part of the node encoded for the federation.
type State struct {
	Health   float64
	Autonomy float64
	Peers    int
	Links    int
	Load     float64
	Atoms    int
}

// EncodeState lays s out as a dim-length vector. Positions past the six
// encoded values are zero.
func EncodeState(s State, dim int) []float64 {
	if dim <= 0 {
		return nil
	}
	v := make([]float64, dim)
	vals := []float64{
		s.Health,
		s.Autonomy,
		float64(s.Peers) / 100,
		float64(s.Links) / 1000,
		s.Load,
		float64(s.Atoms) / 1000,
	}
	copy(v, vals)
	return v
}

// SolutionAtom is the atom updated by DecodeSolution.
const SolutionAtom = "federation-solution"

// DecodeSolution folds a confident solution into store. It returns whether
// the store was changed.
func DecodeSolution(store *knowledge.Store, sol Solution, minConfidence float64) bool {
	if sol.Confidence <= minConfidence || len(sol.Vector) == 0 {
		return false
	}
	truth := numeric.Unit(numeric.Mean(sol.Vector...))
	if _, err := store.Observe(knowledge.KindConcept, SolutionAtom, truth, numeric.Unit(sol.Confidence)); err != nil {
		logging.BridgeWarn("decode solution: %v", err)
		return false
	}
	store.SetImportance(SolutionAtom, sol.Confidence)
	return true
}

// Config controls the asynchronous bridge.
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	Dimension       int           `yaml:"dimension"`
	Reputation      float64       `yaml:"reputation"`
	Timeout         time.Duration `yaml:"timeout"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	MaxInflight     int           `yaml:"max_inflight"`
	MinConfidence   float64       `yaml:"min_confidence"`
	QueryMaxCost    float64       `yaml:"query_max_cost"`
	SubjectPrefix   string        `yaml:"subject_prefix"`
	Specialization  string        `yaml:"specialization"`
}

// DefaultConfig returns a disabled bridge with the reference dimension.
func DefaultConfig() Config {
	return Config{
		Dimension:       512,
		Reputation:      0.5,
		Timeout:         2 * time.Second,
		PublishInterval: time.Minute,
		MaxInflight:     4,
		MinConfidence:   0.7,
		QueryMaxCost:    1,
		SubjectPrefix:   "autognosis",
		Specialization:  "general",
	}
}

// Result is the outcome of an asynchronous query.
type Result struct {
	Problem  string
	Solution Solution
	Err      error
}

// Bridge runs federation calls in the background and hands query results
// back on a buffered channel.
type Bridge struct {
	cfg      Config
	fed      Federation
	results  chan Result
	inflight atomic.Int32
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	mu          sync.Mutex
	lastPublish time.Time
}

// New creates a bridge over fed; a nil fed behaves like Noop.
func New(cfg Config, fed Federation) *Bridge {
	if fed == nil {
		fed = Noop{}
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:     cfg,
		fed:     fed,
		results: make(chan Result, cfg.MaxInflight),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Results yields completed queries.
func (b *Bridge) Results() <-chan Result { return b.results }

// Inflight returns the number of calls still running.
func (b *Bridge) Inflight() int { return int(b.inflight.Load()) }

func (b *Bridge) start(fn func(ctx context.Context)) bool {
	if b.ctx.Err() != nil {
		return false
	}
	if int(b.inflight.Add(1)) > b.cfg.MaxInflight {
		b.inflight.Add(-1)
		logging.BridgeWarn("federation busy, skipping call")
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.inflight.Add(-1)
		ctx, cancel := context.WithTimeout(b.ctx, b.cfg.Timeout)
		defer cancel()
		fn(ctx)
	}()
	return true
}

// MaybePublish publishes s when PublishInterval has elapsed since the last
// publish. It returns whether a publish was started.
func (b *Bridge) MaybePublish(s State, now time.Time) bool {
	b.mu.Lock()
	if !b.lastPublish.IsZero() && now.Sub(b.lastPublish) < b.cfg.PublishInterval {
		b.mu.Unlock()
		return false
	}
	b.lastPublish = now
	b.mu.Unlock()

	vec := EncodeState(s, b.cfg.Dimension)
	return b.start(func(ctx context.Context) {
		if err := b.fed.Publish(ctx, vec, b.cfg.Reputation); err != nil {
			if !errors.Is(err, ErrUnavailable) {
				logging.BridgeWarn("publish state: %v", err)
			}
			return
		}
		logging.Bridge("published %d-dim state vector", len(vec))
	})
}

// Query asks the federation about problem in the background. The result,
// including failures, is delivered on Results; it is dropped if nobody
// drains the channel.
func (b *Bridge) Query(problem string, urgency float64) bool {
	return b.start(func(ctx context.Context) {
		sol, err := b.fed.Query(ctx, problem, numeric.Unit(urgency), b.cfg.QueryMaxCost)
		select {
		case b.results <- Result{Problem: problem, Solution: sol, Err: err}:
		default:
			logging.BridgeWarn("result for %q dropped", problem)
		}
	})
}

// Close cancels running calls and waits for them to return.
func (b *Bridge) Close() {
	b.cancel()
	b.wg.Wait()
}
