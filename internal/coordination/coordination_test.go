package coordination

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autognosis/internal/healing"
	"autognosis/internal/knowledge"
	"autognosis/internal/selfmodel"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

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

type sent struct {
	recipient uint32
	msg       Message
}

type captureTx struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (c *captureTx) Send(_ context.Context, recipient uint32, data []byte) error {
	var m Message
	if err := m.UnmarshalBinary(data); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sent{recipient, m})
	return c.err
}

func (c *captureTx) ofType(t MessageType) []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sent
	for _, s := range c.sent {
		if s.msg.Type == t {
			out = append(out, s)
		}
	}
	return out
}

type emergencies struct {
	reasons []string
}

func (e *emergencies) Emergency(_ uint32, reason string) { e.reasons = append(e.reasons, reason) }

func newCoordinator(t *testing.T, id uint32, tx Transport) (*Coordinator, *selfmodel.Engine, *clock) {
	t.Helper()
	clk := &clock{now: time.Unix(50_000, 0)}
	store := knowledge.NewStore(knowledge.DefaultConfig())
	store.SetClock(clk.Now)
	self, err := selfmodel.NewEngine(id, selfmodel.DefaultConfig(), store)
	require.NoError(t, err)
	self.SetClock(clk.Now)
	c, err := New(id, DefaultConfig(), self, healing.NewEngine(healing.DefaultConfig()), tx)
	require.NoError(t, err)
	c.SetClock(clk.Now)
	return c, self, clk
}

func encode(t *testing.T, m Message) []byte {
	t.Helper()
	b, err := m.MarshalBinary()
	require.NoError(t, err)
	return b
}

func payload(t *testing.T, p interface{ MarshalBinary() ([]byte, error) }) []byte {
	t.Helper()
	b, err := p.MarshalBinary()
	require.NoError(t, err)
	return b
}

func TestMessageRoundTrip(t *testing.T) {
	in := Message{
		Sender: 7, Recipient: 9, Type: MsgHealingResponse, Seq: 42,
		Timestamp: time.Unix(1700000000, 123), Payload: []byte("abc"),
	}
	var out Message
	require.NoError(t, out.UnmarshalBinary(encode(t, in)))
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, out.IsBroadcast())
}

func TestMessageMalformed(t *testing.T) {
	good := encode(t, Message{Sender: 1, Type: MsgHeartbeat, Payload: []byte{0}})

	var m Message
	assert.ErrorIs(t, m.UnmarshalBinary(good[:10]), ErrMalformed)
	assert.ErrorIs(t, m.UnmarshalBinary(append(append([]byte(nil), good...), 0)), ErrMalformed)

	badVersion := append([]byte(nil), good...)
	badVersion[0] = 9
	assert.ErrorIs(t, m.UnmarshalBinary(badVersion), ErrMalformed)

	badType := append([]byte(nil), good...)
	badType[9] = 200
	assert.ErrorIs(t, m.UnmarshalBinary(badType), ErrMalformed)

	_, err := Message{Type: MsgHeartbeat, Payload: make([]byte, MaxPayload+1)}.MarshalBinary()
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	_, err = Message{Type: MessageType(99)}.MarshalBinary()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestKnowledgePacketCodec(t *testing.T) {
	p := KnowledgePacket{Name: "threat", Kind: knowledge.KindConcept, Truth: 0.9, Confidence: 0.95, Importance: 1.2,
		Timestamp: time.Unix(100, 0)}
	var out KnowledgePacket
	require.NoError(t, out.UnmarshalBinary(payload(t, p)))
	assert.Equal(t, "threat", out.Name)
	assert.Equal(t, knowledge.KindConcept, out.Kind)
	assert.InDelta(t, 0.9, out.Truth, 1e-6)
	assert.InDelta(t, 1.2, out.Importance, 1e-6)
	assert.True(t, p.Timestamp.Equal(out.Timestamp))

	_, err := KnowledgePacket{Name: strings.Repeat("x", MaxAtomName+1)}.MarshalBinary()
	assert.ErrorIs(t, err, ErrMalformed)

	b := payload(t, p)
	assert.ErrorIs(t, out.UnmarshalBinary(b[:len(b)-1]), ErrMalformed)
}

func TestHealingRequestTruncatesDescription(t *testing.T) {
	req := HealingRequest{ProblemID: 3, Description: strings.Repeat("d", 400), Severity: 0.8,
		RequestingNode: 5, SuggestedAction: healing.ActionRetry}
	var out HealingRequest
	require.NoError(t, out.UnmarshalBinary(payload(t, req)))
	assert.Len(t, out.Description, MaxDescription)
	assert.Equal(t, healing.ActionRetry, out.SuggestedAction)

	b := payload(t, req)
	b[len(b)-1] = 77
	assert.ErrorIs(t, out.UnmarshalBinary(b), ErrMalformed)
}

func TestNewRejectsBroadcastID(t *testing.T) {
	store := knowledge.NewStore(knowledge.DefaultConfig())
	self, err := selfmodel.NewEngine(1, selfmodel.DefaultConfig(), store)
	require.NoError(t, err)
	_, err = New(Broadcast, DefaultConfig(), self, healing.NewEngine(healing.DefaultConfig()), nil)
	assert.Error(t, err)
	_, err = New(1, DefaultConfig(), nil, nil, nil)
	assert.Error(t, err)
}

func TestHeartbeatUpsertsPeer(t *testing.T) {
	c, self, _ := newCoordinator(t, 1, nil)
	self.Topology().Upsert(4, "old")
	self.Topology().UpdateHealth(4, 0.2)

	c.Deliver(context.Background(), encode(t, Message{Sender: 4, Type: MsgHeartbeat,
		Payload: payload(t, Heartbeat{Address: "nats://peer-4"})}))

	p, ok := self.Topology().Get(4)
	require.True(t, ok)
	assert.Equal(t, 1.0, p.Health)
	assert.Equal(t, "nats://peer-4", p.Address)
	assert.Equal(t, uint64(1), c.Stats().Received[MsgHeartbeat])
}

func TestKnowledgeShareBlends(t *testing.T) {
	c, self, _ := newCoordinator(t, 1, nil)
	pkt := KnowledgePacket{Name: "threat", Kind: knowledge.KindConcept, Truth: 0.9, Confidence: 0.95, Importance: 0.9}
	c.Receive(context.Background(), Message{Sender: 2, Type: MsgKnowledgeShare, Payload: payload(t, pkt)})

	a, ok := self.Store().Find("threat")
	require.True(t, ok)
	assert.InDelta(t, 0.762, a.Truth, 0.001)
	assert.InDelta(t, 0.725, a.Confidence, 0.001)
	assert.InDelta(t, 0.9, a.Importance, 1e-6)

	for i := 0; i < 10; i++ {
		next, ok := c.nextShare()
		if !ok {
			break
		}
		require.NotEqual(t, "threat", next.Name, "received knowledge is not echoed")
		c.ShareKnowledge(context.Background(), next)
	}
}

func TestIgnoresOwnAndMisaddressed(t *testing.T) {
	c, self, _ := newCoordinator(t, 1, nil)
	hb := payload(t, Heartbeat{})
	c.Receive(context.Background(), Message{Sender: 1, Type: MsgHeartbeat, Payload: hb})
	c.Receive(context.Background(), Message{Sender: 2, Recipient: 3, Type: MsgHeartbeat, Payload: hb})
	assert.Zero(t, self.Topology().Len())

	c.Receive(context.Background(), Message{Sender: 2, Recipient: 1, Type: MsgHeartbeat, Payload: hb})
	assert.Equal(t, 1, self.Topology().Len())
}

func TestMalformedPayloadDropped(t *testing.T) {
	c, self, _ := newCoordinator(t, 1, nil)
	before := self.Store().Len()
	c.Receive(context.Background(), Message{Sender: 2, Type: MsgKnowledgeShare, Payload: []byte{1, 2, 3}})
	c.Deliver(context.Background(), []byte("garbage"))
	assert.Equal(t, before, self.Store().Len())
	assert.Equal(t, uint64(2), c.Stats().Dropped)
}

func TestCoordinateHealingEscalatesInconclusive(t *testing.T) {
	tx := &captureTx{}
	c, _, _ := newCoordinator(t, 1, tx)

	req, escalated := c.CoordinateHealing(context.Background(), "timeout_on_handshake")
	assert.True(t, escalated)
	assert.Equal(t, healing.ActionRetry, req.SuggestedAction)
	assert.Equal(t, uint32(1), req.ProblemID)

	req, escalated = c.CoordinateHealing(context.Background(), "node_failure in rack 3")
	assert.False(t, escalated)
	assert.Equal(t, healing.ActionMigrate, req.SuggestedAction)
	assert.Equal(t, uint32(2), req.ProblemID)

	reqs := tx.ofType(MsgHealingRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, Broadcast, reqs[0].recipient)
	var got HealingRequest
	require.NoError(t, got.UnmarshalBinary(reqs[0].msg.Payload))
	assert.Equal(t, "timeout_on_handshake", got.Description)
	assert.InDelta(t, 0.8, got.Severity, 1e-6)
}

func TestSequenceNumbersIncrease(t *testing.T) {
	tx := &captureTx{err: errors.New("down")}
	c, _, _ := newCoordinator(t, 1, tx)
	for i := 0; i < 3; i++ {
		c.SignalEmergency(context.Background(), "test")
	}
	var seqs []uint32
	for _, s := range tx.ofType(MsgEmergency) {
		seqs = append(seqs, s.msg.Seq)
	}
	assert.Equal(t, []uint32{1, 2, 3}, seqs)
	assert.Equal(t, uint64(3), c.Stats().SendFails)
}

// loopback wires two coordinators together synchronously.
type loopback struct {
	peers map[uint32]*Coordinator
}

func (l *loopback) Send(ctx context.Context, recipient uint32, data []byte) error {
	for id, c := range l.peers {
		if recipient == Broadcast || recipient == id {
			c.Deliver(ctx, data)
		}
	}
	return nil
}

func TestHealingRoundTripBetweenNodes(t *testing.T) {
	lb := &loopback{peers: map[uint32]*Coordinator{}}
	a, selfA, _ := newCoordinator(t, 1, lb)
	b, _, _ := newCoordinator(t, 2, lb)
	b.healer.AddRule("disk", healing.ActionReconstruct, 0.9)
	lb.peers[1], lb.peers[2] = a, b

	req, escalated := a.CoordinateHealing(context.Background(), "disk corruption")
	require.True(t, escalated)

	advice := a.Advice(req.ProblemID)
	require.Len(t, advice, 1)
	assert.Equal(t, uint32(2), advice[0].RespondingNode)
	assert.Equal(t, healing.ActionReconstruct, advice[0].RecommendedAction)

	best, ok := a.BestAdvice(req.ProblemID)
	require.True(t, ok)
	assert.Equal(t, healing.ActionReconstruct, best.RecommendedAction)

	atom, ok := selfA.Store().Find(AdviceAtom(req.ProblemID))
	require.True(t, ok)
	assert.Equal(t, knowledge.KindEvaluation, atom.Kind)
	assert.Greater(t, atom.Truth, 0.5)

	assert.Empty(t, b.Advice(req.ProblemID))
	_, ok = a.BestAdvice(99)
	assert.False(t, ok)
}

func TestEmergencyReachesHandler(t *testing.T) {
	c, _, _ := newCoordinator(t, 1, nil)
	h := &emergencies{}
	c.SetEmergencyHandler(h)
	c.Receive(context.Background(), Message{Sender: 3, Type: MsgEmergency, Payload: payload(t, Emergency{Reason: "overheating"})})
	assert.Equal(t, []string{"overheating"}, h.reasons)
}

func TestTopologyUpdateRecordsPeerHealth(t *testing.T) {
	c, self, _ := newCoordinator(t, 1, nil)
	c.Receive(context.Background(), Message{Sender: 5, Type: MsgTopologyUpdate, Payload: payload(t, TopologyUpdate{Health: 0.6})})

	p, ok := self.Topology().Get(5)
	require.True(t, ok)
	assert.InDelta(t, 0.6, p.Health, 1e-6)
	a, ok := self.Store().Find(AtomCollectiveHealth)
	require.True(t, ok)
	assert.Greater(t, a.Truth, 0.5)
}

func TestProcessCycleSchedule(t *testing.T) {
	tx := &captureTx{}
	c, _, clk := newCoordinator(t, 1, tx)
	ctx := context.Background()

	rep := c.ProcessCycle(ctx)
	assert.True(t, rep.Heartbeat)
	assert.True(t, rep.Synced)
	assert.Equal(t, "self", rep.Shared)
	assert.InDelta(t, 0.4+0.3*0.05+0.3*0.5, rep.Intelligence, 1e-9)
	assert.InDelta(t, 0.3+0.4+0.3*rep.Intelligence, rep.SwarmHealth, 1e-9)

	clk.Advance(time.Second)
	rep = c.ProcessCycle(ctx)
	assert.False(t, rep.Heartbeat)
	assert.False(t, rep.Synced)

	clk.Advance(30 * time.Second)
	rep = c.ProcessCycle(ctx)
	assert.True(t, rep.Heartbeat)
	assert.False(t, rep.Synced)

	clk.Advance(30 * time.Second)
	rep = c.ProcessCycle(ctx)
	assert.True(t, rep.Synced)

	assert.Len(t, tx.ofType(MsgHeartbeat), 3)
	assert.Len(t, tx.ofType(MsgTopologyUpdate), 2)
}

func TestProcessCycleSharesEachAtomOnce(t *testing.T) {
	c, _, clk := newCoordinator(t, 1, nil)
	ctx := context.Background()
	seen := map[string]int{}
	for i := 0; i < 8; i++ {
		if rep := c.ProcessCycle(ctx); rep.Shared != "" {
			seen[rep.Shared]++
		}
		clk.Advance(time.Second)
	}
	want := map[string]int{"self": 1, "identity": 1, "health": 1, "network": 1, AtomCollectiveHealth: 1}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Fatalf("shared atoms (-want +got):\n%s", diff)
	}
}

func TestAdaptiveBehaviorLowersAutonomy(t *testing.T) {
	c, self, _ := newCoordinator(t, 1, nil)
	topo := self.Topology()
	topo.Upsert(2, "")
	topo.UpdateHealth(2, 0)
	c.mu.Lock()
	c.intelligence = 0
	c.mu.Unlock()

	e := c.AdaptiveBehavior()
	assert.Less(t, e, 0.3)
	assert.Equal(t, 0.3, self.Self().Autonomy)
	assert.Equal(t, e, c.Intelligence())
}
