package bridge

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"autognosis/internal/knowledge"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeFederation struct {
	mu        sync.Mutex
	published [][]float64
	solution  Solution
	err       error
	block     chan struct{}
}

func (f *fakeFederation) Publish(_ context.Context, v []float64, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, v)
	return f.err
}

func (f *fakeFederation) Query(ctx context.Context, _ string, _, _ float64) (Solution, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return Solution{}, ctx.Err()
		}
	}
	return f.solution, f.err
}

func (f *fakeFederation) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func TestEncodeState(t *testing.T) {
	v := EncodeState(State{Health: 0.8, Autonomy: 0.6, Peers: 5, Links: 20, Load: 0.3, Atoms: 250}, 8)
	assert.Equal(t, []float64{0.8, 0.6, 0.05, 0.02, 0.3, 0.25, 0, 0}, v)
	assert.Len(t, EncodeState(State{Health: 1}, 3), 3)
	assert.Nil(t, EncodeState(State{}, 0))
}

func TestDecodeSolution(t *testing.T) {
	store := knowledge.NewStore(knowledge.DefaultConfig())

	assert.False(t, DecodeSolution(store, Solution{Vector: []float64{1}, Confidence: 0.7}, 0.7))
	assert.False(t, DecodeSolution(store, Solution{Confidence: 0.9}, 0.7))
	_, ok := store.Find(SolutionAtom)
	assert.False(t, ok)

	require.True(t, DecodeSolution(store, Solution{Vector: []float64{0.6, 1.0}, Confidence: 0.9}, 0.7))
	a, ok := store.Find(SolutionAtom)
	require.True(t, ok)
	assert.InDelta(t, (0.5*0.5+0.8*0.9)/1.4, a.Truth, 1e-9)
	assert.Equal(t, 0.9, a.Importance)
}

func TestNoopIsUnavailable(t *testing.T) {
	b := New(DefaultConfig(), nil)
	defer b.Close()
	require.True(t, b.Query("disk", 0.5))
	select {
	case r := <-b.Results():
		assert.ErrorIs(t, r.Err, ErrUnavailable)
		assert.Equal(t, "disk", r.Problem)
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}
}

func TestPublishInterval(t *testing.T) {
	fed := &fakeFederation{}
	cfg := DefaultConfig()
	cfg.Dimension = 4
	b := New(cfg, fed)
	t0 := time.Unix(100, 0)

	assert.True(t, b.MaybePublish(State{Health: 1}, t0))
	assert.False(t, b.MaybePublish(State{Health: 1}, t0.Add(30*time.Second)))
	assert.True(t, b.MaybePublish(State{Health: 1}, t0.Add(61*time.Second)))
	b.Close()
	assert.Equal(t, 2, fed.publishCount())
}

func TestQueryNeverBlocksCaller(t *testing.T) {
	fed := &fakeFederation{block: make(chan struct{}), solution: Solution{Confidence: 0.9}}
	cfg := DefaultConfig()
	cfg.MaxInflight = 2
	b := New(cfg, fed)

	assert.True(t, b.Query("a", 1))
	assert.True(t, b.Query("b", 1))
	assert.False(t, b.Query("c", 1), "over the inflight limit")
	assert.Equal(t, 2, b.Inflight())

	close(fed.block)
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		r := <-b.Results()
		require.NoError(t, r.Err)
		got[r.Problem] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, got)
	b.Close()
	assert.False(t, b.Query("late", 1), "closed bridge starts nothing")
}

func TestCloseCancelsRunningCalls(t *testing.T) {
	fed := &fakeFederation{block: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.Timeout = time.Hour
	b := New(cfg, fed)
	require.True(t, b.Query("stuck", 1))
	b.Close()
	r := <-b.Results()
	assert.True(t, errors.Is(r.Err, context.Canceled))
}

// TestNATSFederationNoResponders needs a reachable NATS server.
func TestNATSFederationNoResponders(t *testing.T) {
	url := os.Getenv("AUTOGNOSIS_TEST_NATS_URL")
	if url == "" {
		t.Skip("AUTOGNOSIS_TEST_NATS_URL not set")
	}
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	cfg := DefaultConfig()
	cfg.SubjectPrefix = "autognosis-test-" + time.Now().Format("150405.000000")
	fed := NewNATSFederation(nc, "1", cfg)
	require.NoError(t, fed.Publish(context.Background(), []float64{1, 2}, 0.5))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = fed.Query(ctx, "disk", 0.5, 1)
	assert.ErrorIs(t, err, ErrUnavailable)
}
