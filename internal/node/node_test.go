package node

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"autognosis/internal/agency"
	"autognosis/internal/config"
	"autognosis/internal/healing"
	"autognosis/internal/store"
	"autognosis/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig(id uint32) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Node.ID = id
	cfg.Node.Persist = false
	return cfg
}

func newNode(t *testing.T, cfg *config.Config, deps Deps) *Node {
	t.Helper()
	n, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { n.Stop() })
	return n
}

func counterValue(t *testing.T, reg prometheus.Gatherer, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(testConfig(0), Deps{})
	assert.Error(t, err)
}

func TestNewUnwindsOnFailure(t *testing.T) {
	hub := transport.NewHub()
	cfg := testConfig(1)
	cfg.Node.Persist = true
	cfg.Node.DatabasePath = filepath.Join(t.TempDir(), "node.db")
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := New(cfg, Deps{Hub: hub})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis status")

	// The database and hub slot were released, so the same node can start.
	cfg.Redis.Addr = ""
	n := newNode(t, cfg, Deps{Hub: hub})
	assert.Equal(t, uint32(1), n.ID())
}

func TestFirstTickRunsEveryStage(t *testing.T) {
	clk := newClock()
	n := newNode(t, testConfig(1), Deps{Now: clk.Now})

	rep := n.Tick(context.Background())
	assert.Equal(t, uint64(1), rep.Cycle)
	assert.Equal(t, clk.Now(), rep.At)
	assert.True(t, rep.Coordination.Heartbeat)
	assert.True(t, rep.Coordination.Synced)
	assert.False(t, rep.Agency.Skipped)
	assert.False(t, rep.Homeostasis.Skipped)
	assert.False(t, rep.Forecast.Skipped)
	assert.InDelta(t, 1.0, rep.Self.Health, 1e-9, "no peers means full topology health")

	assert.Equal(t, 1.0, counterValue(t, n.Registry(), "autognosis_cycles_total"))
	assert.GreaterOrEqual(t, counterValue(t, n.Registry(), "autognosis_messages_total"), 2.0)

	st := n.Status()
	assert.Equal(t, uint32(1), st.NodeID)
	assert.Equal(t, n.RunID(), st.RunID)
	assert.Equal(t, uint64(1), st.Cycles)
	assert.Equal(t, agency.LevelReactive.String(), st.AgencyLevel)
}

func TestPeersDiscoverEachOtherAndTimeOut(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	hub := transport.NewHub()
	a := newNode(t, testConfig(1), Deps{Hub: hub, Now: clk.Now})
	b := newNode(t, testConfig(2), Deps{Hub: hub, Now: clk.Now})

	a.Tick(ctx)
	repB := b.Tick(ctx)
	assert.GreaterOrEqual(t, repB.Delivered, 2, "heartbeat and topology update")
	_, ok := b.Self().Topology().Get(1)
	assert.True(t, ok)

	a.Tick(ctx)
	peer, ok := a.Self().Topology().Get(2)
	require.True(t, ok)
	assert.Equal(t, 1.0, peer.Health)

	clk.Advance(2 * time.Minute)
	rep := a.Tick(ctx)
	assert.Equal(t, []uint32{2}, rep.Expired)
	require.Len(t, rep.Diagnoses, 1)
	d := rep.Diagnoses[0]
	assert.Equal(t, "timeout peer-2", d.Problem)
	assert.Equal(t, healing.ActionRetry, d.Action)
	assert.True(t, d.Succeeded)
	require.Len(t, rep.Escalated, 1, "retry is inconclusive so peers are asked")
	assert.Equal(t, "timeout peer-2", rep.Escalated[0].Description)
}

func TestHealingRequestAnsweredByPeer(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	hub := transport.NewHub()

	cfgA := testConfig(1)
	cfgB := testConfig(2)
	cfgB.Healing.Rules = append(cfgB.Healing.Rules, healing.RuleConfig{
		Condition: "disk", Action: healing.ActionReconstruct, Confidence: 0.9,
	})
	a := newNode(t, cfgA, Deps{Hub: hub, Now: clk.Now})
	b := newNode(t, cfgB, Deps{Hub: hub, Now: clk.Now})

	require.True(t, a.ReportProblem("disk corrupted"))
	rep := a.Tick(ctx)
	require.Len(t, rep.Escalated, 1)
	id := rep.Escalated[0].ProblemID

	b.Tick(ctx) // answers the request
	a.Tick(ctx) // folds in the advice

	best, ok := a.Coordinator().BestAdvice(id)
	require.True(t, ok)
	assert.Equal(t, healing.ActionReconstruct, best.RecommendedAction)
	assert.Equal(t, uint32(2), best.RespondingNode)
}

func TestFailedRerouteWithoutPeers(t *testing.T) {
	n := newNode(t, testConfig(1), Deps{Now: newClock().Now})
	n.ReportProblem("connection_failed to upstream")
	n.ReportProblem("connection_failed to upstream")

	rep := n.Tick(context.Background())
	require.Len(t, rep.Diagnoses, 1, "duplicates collapse")
	d := rep.Diagnoses[0]
	assert.Equal(t, healing.ActionReroute, d.Action)
	assert.True(t, d.Executed)
	assert.False(t, d.Succeeded)
	assert.ErrorIs(t, d.Err, errNoRoute)
	assert.Empty(t, rep.Escalated, "reroute is conclusive")
}

func TestProblemQueueBounded(t *testing.T) {
	n := newNode(t, testConfig(1), Deps{})
	for i := 0; i < maxProblems; i++ {
		require.True(t, n.ReportProblem(time.Duration(i).String()))
	}
	assert.False(t, n.ReportProblem("one too many"))
}

func TestLocalExecutor(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, testConfig(1), Deps{})
	x := localExecutor{n: n}

	assert.NoError(t, x.Execute(ctx, "p", healing.ActionRetry))
	assert.ErrorIs(t, x.Execute(ctx, "p", healing.ActionMigrate), errNoRoute)
	n.Self().Topology().Upsert(7, "10.0.0.7:9000")
	assert.NoError(t, x.Execute(ctx, "p", healing.ActionMigrate))
	assert.NoError(t, x.Execute(ctx, "p", healing.ActionReconstruct))
	assert.Error(t, x.Execute(ctx, "p", healing.ActionNone))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, x.Execute(cancelled, "p", healing.ActionRetry), context.Canceled)
}

func TestEffectsReachSubsystems(t *testing.T) {
	n := newNode(t, testConfig(1), Deps{Now: newClock().Now})

	emergencyHandler{n: n}.Emergency(9, "power loss")
	vs := n.Agency().Vortices()
	require.Equal(t, agency.VortexPerception, vs[0].Name)
	assert.Equal(t, 1, vs[0].Pending)

	effector{n: n}.Emerge(0.4)
	assert.Equal(t, 1, n.Agency().Vortices()[2].Pending)

	effector{n: n}.Preempt("", 0.3)
	rep := n.Tick(context.Background())
	require.NotEmpty(t, rep.Diagnoses)
	assert.Equal(t, ProblemAnticipated, rep.Diagnoses[0].Problem)
}

func TestEmergencyFromPeerFeedsPerception(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	hub := transport.NewHub()
	a := newNode(t, testConfig(1), Deps{Hub: hub, Now: clk.Now})
	b := newNode(t, testConfig(2), Deps{Hub: hub, Now: clk.Now})

	a.Coordinator().SignalEmergency(ctx, "overheating")
	rep := b.Tick(ctx)
	require.Equal(t, 1, rep.Delivered)
	// one event for the message itself, one for the emergency
	assert.Equal(t, uint64(2), rep.Agency.Vortices[0].Processed)
}

func TestPersistAcrossRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(1)
	cfg.Node.Persist = true
	cfg.Node.DatabasePath = filepath.Join(t.TempDir(), "node.db")

	first, err := New(cfg, Deps{Now: newClock().Now})
	require.NoError(t, err)
	first.ReportProblem("timeout talking to store")
	first.Tick(ctx)
	require.NoError(t, first.Stop())
	require.NoError(t, first.Stop(), "stop is idempotent")

	second := newNode(t, cfg, Deps{Now: newClock().Now})
	rules := second.Healer().Rules()
	require.NotEmpty(t, rules)
	assert.Equal(t, "timeout", rules[0].Condition)
	assert.Equal(t, uint64(1), rules[0].AttemptCount)
	assert.Equal(t, uint64(1), rules[0].SuccessCount)

	_, ok := second.Knowledge().Find("peer-count-0")
	assert.True(t, ok, "atoms recorded by the first run are restored")
}

func TestStatusSnapshotsToRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := testConfig(4)
	n, err := New(cfg, Deps{Redis: client, Now: newClock().Now})
	require.NoError(t, err)
	n.Tick(ctx)

	rs := store.NewRedisStatus(client, cfg.Redis)
	st, ok, err := rs.Get(ctx, 4)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, n.RunID(), st.RunID)
	assert.Equal(t, uint64(1), st.Cycles)

	require.NoError(t, n.Stop())
	_, ok, err = rs.Get(ctx, 4)
	require.NoError(t, err)
	assert.False(t, ok, "stop removes the snapshot")
}

func TestApplyConfigAtTickBoundary(t *testing.T) {
	n := newNode(t, testConfig(1), Deps{Now: newClock().Now})
	next := testConfig(1)
	next.Node.TickInterval = "3s"

	n.ApplyConfig(next)
	assert.Equal(t, time.Second, n.tickInterval(), "staged until the next tick")
	n.Tick(context.Background())
	assert.Equal(t, 3*time.Second, n.tickInterval())
}

func TestRunLifecycle(t *testing.T) {
	n, err := New(testConfig(1), Deps{})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- n.Run(context.Background()) }()

	require.Eventually(t, func() bool { return n.Cycles() >= 1 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, n.Healthy())
	assert.ErrorIs(t, n.Run(context.Background()), ErrAlreadyRunning)

	require.NoError(t, n.Stop())
	require.NoError(t, <-errc)
	assert.False(t, n.Healthy())
	assert.ErrorIs(t, n.Run(context.Background()), ErrClosed)
}

func TestRunStopsWithContext(t *testing.T) {
	n := newNode(t, testConfig(1), Deps{})
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- n.Run(ctx) }()
	require.Eventually(t, func() bool { return n.Cycles() >= 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
