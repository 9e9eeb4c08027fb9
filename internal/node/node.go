// Package node wires every subsystem of one autognosis node together and
// drives them from a single scheduler.
package node

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"autognosis/internal/agency"
	"autognosis/internal/bridge"
	"autognosis/internal/config"
	"autognosis/internal/coordination"
	"autognosis/internal/forecast"
	"autognosis/internal/healing"
	"autognosis/internal/homeostasis"
	"autognosis/internal/knowledge"
	"autognosis/internal/logging"
	"autognosis/internal/metrics"
	"autognosis/internal/selfmodel"
	"autognosis/internal/store"
	"autognosis/internal/transport"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrAlreadyRunning is returned by Run while another Run is active.
	ErrAlreadyRunning = errors.New("node already running")
	// ErrClosed is returned by Run after Stop.
	ErrClosed = errors.New("node closed")
)

const (
	maxInbound  = 1024
	maxProblems = 64
)

// Deps are optional collaborators supplied by the caller. Anything supplied
// here is owned by the caller and is not closed by Stop.
type Deps struct {
	// Hub joins the node to an in-process network when the memory
	// transport is selected. A private hub is created when nil.
	Hub *transport.Hub
	// Transport replaces the configured transport entirely.
	Transport transport.Transport
	// Federation replaces the NATS federation used by the bridge.
	Federation bridge.Federation
	// Redis publishes status snapshots through an existing client.
	Redis *redis.Client
	// Registry receives the node's collectors. A private registry is
	// created when nil.
	Registry *prometheus.Registry
	// Executor replaces the node's local healing executor.
	Executor healing.Executor
	// ConfigPath enables hot reload of tuning from this file.
	ConfigPath string
	// Now replaces the wall clock.
	Now func() time.Time
}

// Node is one running member of the network.
type Node struct {
	cfg   *config.Config
	id    uint32
	runID string
	now   func() time.Time

	knowledge *knowledge.Store
	self      *selfmodel.Engine
	healer    *healing.Engine
	agency    *agency.Engine
	homeo     *homeostasis.System
	forecast  *forecast.System
	coord     *coordination.Coordinator
	bridge    *bridge.Bridge

	tx         transport.Transport
	db         *store.SQLite
	status     *store.RedisStatus
	registry   *prometheus.Registry
	collectors *metrics.Collectors
	server     *metrics.Server
	watcher    *config.Watcher

	// closers release owned resources in reverse construction order.
	closers []func() error

	mu        sync.Mutex
	inbound   [][]byte
	dropped   uint64
	problems  []string
	pending   *config.Config
	interval  time.Duration
	running   bool
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}
	cycles    uint64
	lastTick  time.Time
	last      TickReport
	lastStats coordination.Stats
	stopOnce  sync.Once
	stopErr   error
}

// New builds every subsystem in dependency order. If any step fails the
// parts already built are released before the error is returned.
func New(cfg *config.Config, deps Deps) (_ *Node, err error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	n := &Node{
		cfg:      cfg,
		id:       cfg.Node.ID,
		runID:    uuid.NewString(),
		now:      deps.Now,
		interval: cfg.GetTickInterval(),
	}
	if n.now == nil {
		n.now = time.Now
	}
	defer func() {
		if err != nil {
			if cerr := n.release(); cerr != nil {
				logging.BootError("unwinding failed node %d: %v", n.id, cerr)
			}
		}
	}()

	timer := logging.StartTimer(logging.CategoryBoot, "node.New")
	defer timer.Stop()

	// Knowledge first, restored from disk so the self model sees it.
	n.knowledge = knowledge.NewStore(cfg.Knowledge)
	n.knowledge.SetClock(n.now)
	if cfg.Node.Persist {
		if err := n.openStore(); err != nil {
			return nil, err
		}
	}

	n.self, err = selfmodel.NewEngine(n.id, cfg.SelfModel, n.knowledge)
	if err != nil {
		return nil, fmt.Errorf("self model: %w", err)
	}
	n.self.SetClock(n.now)

	n.healer = healing.NewEngine(cfg.Healing)
	if n.db != nil {
		rules, err := n.db.LoadRules(context.Background())
		if err != nil {
			return nil, fmt.Errorf("load healing rules: %w", err)
		}
		n.healer.RestoreStats(rules)
	}
	if deps.Executor != nil {
		n.healer.SetExecutor(deps.Executor)
	} else {
		n.healer.SetExecutor(localExecutor{n: n})
	}

	n.agency = agency.NewEngine(cfg.Agency)

	n.homeo, err = homeostasis.NewSystem(cfg.Homeostasis)
	if err != nil {
		return nil, fmt.Errorf("homeostasis: %w", err)
	}

	n.forecast = forecast.NewSystem(cfg.Forecast, effector{n: n})

	if err := n.openTransport(deps); err != nil {
		return nil, err
	}

	n.coord, err = coordination.New(n.id, cfg.Coordination, n.self, n.healer, n.tx)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	n.coord.SetClock(n.now)
	n.coord.SetEmergencyHandler(emergencyHandler{n: n})

	n.openBridge(deps)

	if err := n.openStatus(deps); err != nil {
		return nil, err
	}

	n.registry = deps.Registry
	if n.registry == nil {
		n.registry = prometheus.NewRegistry()
	}
	n.collectors = metrics.NewCollectors(n.registry, n.id)
	if cfg.Metrics.Enabled {
		n.server = metrics.NewServer(cfg.Metrics.Addr, n.registry,
			func() interface{} { return n.Status() }, n.Healthy)
	}

	if deps.ConfigPath != "" {
		n.watcher, err = config.NewWatcher(deps.ConfigPath, n.ApplyConfig)
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, n.watcher.Close)
	}

	logging.Boot("node %d ready (run %s, transport %s, %d atoms restored)",
		n.id, n.runID, cfg.Node.Transport, n.knowledge.Len())
	return n, nil
}

func (n *Node) openStore() error {
	db, err := store.OpenSQLite(n.cfg.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("open knowledge store: %w", err)
	}
	n.db = db
	n.closers = append(n.closers, db.Close)

	atoms, err := db.LoadAtoms(context.Background())
	if err != nil {
		return fmt.Errorf("load atoms: %w", err)
	}
	n.knowledge.Restore(atoms)
	return nil
}

func (n *Node) openTransport(deps Deps) error {
	switch {
	case deps.Transport != nil:
		n.tx = deps.Transport
	case n.cfg.Node.Transport == config.TransportNATS:
		nt, err := transport.DialNATS(n.id, n.cfg.NATS)
		if err != nil {
			return fmt.Errorf("nats transport: %w", err)
		}
		n.tx = nt
		n.closers = append(n.closers, nt.Close)
	default:
		hub := deps.Hub
		if hub == nil {
			hub = transport.NewHub()
		}
		ep := hub.Join(n.id, n.cfg.NATS.InboxSize)
		n.tx = ep
		n.closers = append(n.closers, ep.Close)
	}
	return nil
}

func (n *Node) openBridge(deps Deps) {
	fed := deps.Federation
	if fed == nil && n.cfg.Bridge.Enabled {
		if nt, ok := n.tx.(*transport.NATS); ok {
			fed = bridge.NewNATSFederation(nt.Conn(), strconv.FormatUint(uint64(n.id), 10), n.cfg.Bridge)
		}
	}
	n.bridge = bridge.New(n.cfg.Bridge, fed)
	n.closers = append(n.closers, func() error {
		n.bridge.Close()
		return nil
	})
}

func (n *Node) openStatus(deps Deps) error {
	switch {
	case deps.Redis != nil:
		n.status = store.NewRedisStatus(deps.Redis, n.cfg.Redis)
	case n.cfg.RedisEnabled():
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rs, err := store.DialRedisStatus(ctx, n.cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis status: %w", err)
		}
		n.status = rs
		n.closers = append(n.closers, rs.Close)
	}
	return nil
}

// release closes owned resources newest first.
func (n *Node) release() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}

// ID returns the node id.
func (n *Node) ID() uint32 { return n.id }

// RunID identifies this process instance.
func (n *Node) RunID() string { return n.runID }

// Knowledge returns the node's atom store.
func (n *Node) Knowledge() *knowledge.Store { return n.knowledge }

// Self returns the self model engine.
func (n *Node) Self() *selfmodel.Engine { return n.self }

// Healer returns the healing engine.
func (n *Node) Healer() *healing.Engine { return n.healer }

// Coordinator returns the peer protocol handler.
func (n *Node) Coordinator() *coordination.Coordinator { return n.coord }

// Homeostasis returns the homeostatic controller.
func (n *Node) Homeostasis() *homeostasis.System { return n.homeo }

// Agency returns the entropy/agency engine.
func (n *Node) Agency() *agency.Engine { return n.agency }

// Forecast returns the self-maintenance forecaster.
func (n *Node) Forecast() *forecast.System { return n.forecast }

// Registry returns the registry holding the node's collectors.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// ReportProblem queues problem for the healing step of the next tick.
// Duplicates of a problem already queued are ignored. Returns false when
// the queue is full.
func (n *Node) ReportProblem(problem string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.problems {
		if p == problem {
			return true
		}
	}
	if len(n.problems) >= maxProblems {
		logging.HealingWarn("problem queue full, dropping %q", problem)
		return false
	}
	n.problems = append(n.problems, problem)
	return true
}

// Persist writes atoms and rule statistics to the knowledge store. It is a
// no-op when persistence is disabled.
func (n *Node) Persist(ctx context.Context) error {
	if n.db == nil {
		return nil
	}
	timer := logging.StartTimer(logging.CategoryStore, "node.Persist")
	defer timer.Stop()
	if err := n.db.SaveAtoms(ctx, n.knowledge.Snapshot()); err != nil {
		return err
	}
	return n.db.SaveRules(ctx, n.healer.Rules())
}
