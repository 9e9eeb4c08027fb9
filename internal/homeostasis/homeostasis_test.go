package homeostasis

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDScenario(t *testing.T) {
	sp := &Setpoint{LastError: 0.2, Integral: 0.2, Derivative: 0, Kp: 1, Ki: 0.1, Kd: 0.05}
	assert.InDelta(t, 0.22, sp.Control(), 1e-9)
}

func TestPIDSaturates(t *testing.T) {
	for _, e := range []float64{-50, -2, -1, 0, 0.5, 3, 80} {
		sp := &Setpoint{LastError: e, Integral: e, Derivative: e, Kp: 5, Ki: 2, Kd: 1}
		c := sp.Control()
		assert.LessOrEqual(t, c, 1.0)
		assert.GreaterOrEqual(t, c, -1.0)
	}
}

func TestUpdateErrorAntiWindup(t *testing.T) {
	sp, ok := NewSetpoint(SetpointConfig{Name: "stability_index", Target: 1, Kp: 1})
	require.True(t, ok)
	assert.Equal(t, FieldStability, sp.Field)
	assert.Equal(t, 1.0, sp.Current, "starts at target")

	for i := 0; i < 50; i++ {
		sp.UpdateError(0, 10)
	}
	assert.Equal(t, 10.0, sp.Integral)
	assert.Equal(t, 1.0, sp.LastError)
	assert.Equal(t, 0.0, sp.Derivative)

	sp.UpdateError(0.5, 10)
	assert.InDelta(t, -0.5, sp.Derivative, 1e-9)
	assert.False(t, sp.WithinTolerance())
}

func TestTunePIDBounds(t *testing.T) {
	l := DefaultPIDLimits()
	sp := &Setpoint{Kp: 1, Ki: 0.1, Kd: 0.05}
	for i := 0; i < 500; i++ {
		sp.Tune(0.1, l)
	}
	assert.Equal(t, 5.0, sp.Kp)
	assert.Equal(t, 2.0, sp.Ki)
	assert.Equal(t, 1.0, sp.Kd)
	for i := 0; i < 2000; i++ {
		sp.Tune(0.99, l)
	}
	assert.Equal(t, 0.1, sp.Kp)
	assert.Equal(t, 0.01, sp.Ki)
	assert.Equal(t, 0.001, sp.Kd)
}

func TestLoopTransforms(t *testing.T) {
	cases := []struct {
		typ     LoopType
		control float64
		err     float64
		want    float64
	}{
		{LoopNegative, 0.4, 0.4, -0.4},
		{LoopNegative, -0.4, -0.4, -0.4},
		{LoopPositive, -0.3, -0.3, 0.3},
		{LoopAdaptive, 0.2, 0.2, 0.3},
		{LoopPredictive, 0.5, 0.5, 0.6},
		{LoopMetamorphic, 0.4, 0.6, 0.8},
		{LoopMetamorphic, 0.4, 0.4, 0.4},
	}
	for _, tc := range cases {
		l := &FeedbackLoop{Type: tc.typ, Effectiveness: 0.5}
		assert.InDelta(t, tc.want, l.Transform(tc.control, tc.err), 1e-9, tc.typ.String())
	}
}

func TestLoopApplyClamps(t *testing.T) {
	state := DefaultEngineState()
	l, ok := NewLoop(LoopConfig{Name: "processing_control", Type: LoopNegative})
	require.True(t, ok)
	a := DefaultActuators()["processing"]
	for i := 0; i < 20; i++ {
		l.Apply(&state, -1, a)
	}
	assert.Equal(t, 0.1, state.Processing)
}

func TestLoopTrainAndAdapt(t *testing.T) {
	l, _ := NewLoop(LoopConfig{Name: "energy_control", Type: LoopPredictive})
	for i := 0; i < 200; i++ {
		l.Train(0)
		l.Adapt()
	}
	assert.Equal(t, 1.0, l.Effectiveness)
	assert.Equal(t, 5.0, l.Gain)
	assert.Equal(t, 0.9, l.Margin)
	assert.Less(t, l.LearningRate, 0.01)
	assert.GreaterOrEqual(t, l.LearningRate, 0.001)
}

func TestEquilibriumConstantBuffer(t *testing.T) {
	for _, v := range []float64{0, 0.42, 1} {
		d := NewEquilibriumDetector(50, 0.05, 0.1)
		for i := 0; i < 7; i++ {
			d.Update(v)
		}
		assert.True(t, d.InEquilibrium())
		assert.InDelta(t, 0, d.Variance(), 1e-12)
	}
}

func TestEquilibriumTrendAndInstability(t *testing.T) {
	d := NewEquilibriumDetector(10, 0.05, 0.1)
	for i := 0; i < 10; i++ {
		d.Update(float64(i % 2))
	}
	assert.False(t, d.InEquilibrium())

	r := NewEquilibriumDetector(5, 0.05, 0.1)
	for i := 0; i < 8; i++ {
		r.Update(float64(i) * 0.1)
	}
	assert.InDelta(t, 0.1, r.Trend(), 0.001)
}

func TestAdjustDamping(t *testing.T) {
	d := NewEquilibriumDetector(5, 0.05, 0.1)
	for i := 0; i < 100; i++ {
		d.AdjustDamping(0.9)
	}
	assert.Equal(t, 0.5, d.Damping())
	for i := 0; i < 200; i++ {
		d.AdjustDamping(0.05)
	}
	assert.Equal(t, 0.01, d.Damping())
	d.AdjustDamping(0.3)
	assert.Equal(t, 0.01, d.Damping())
}

func TestTrainingSessionConverges(t *testing.T) {
	l, _ := NewLoop(LoopConfig{Name: "stability_control", Type: LoopAdaptive})
	s := NewTrainingSession(DefaultTrainingConfig())
	assert.True(t, s.Run(func() float64 { return 0.8 }, []*FeedbackLoop{l}))
	assert.Equal(t, 1, s.Iteration)

	s = NewTrainingSession(DefaultTrainingConfig())
	assert.False(t, s.Run(func() float64 { return 0.3 }, []*FeedbackLoop{l}))
	assert.Equal(t, 100, s.Iteration)
	assert.Greater(t, l.Gain, 1.0, "under-performance raises gain")
}

func TestNewSystemValidatesBindings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Loops = append(cfg.Loops, LoopConfig{Name: "memory_control"})
	_, err := NewSystem(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Setpoints = append(cfg.Setpoints, SetpointConfig{Name: "vibes"})
	_, err = NewSystem(cfg)
	assert.Error(t, err)
}

func TestSystemCycle(t *testing.T) {
	s, err := NewSystem(DefaultConfig())
	require.NoError(t, err)
	t0 := time.Unix(500, 0)

	r := Reading{CognitiveLoad: 0.4, TopologyHealth: 0.9, SelfHealth: 0.9, Autonomy: 0.8, AtomCount: 100}
	rep := s.Cycle(r, t0)
	require.False(t, rep.Skipped)
	assert.InDelta(t, 0.1, rep.State.Memory, 1e-9)
	assert.InDelta(t, 0.9, rep.State.Bandwidth, 1e-9)
	assert.Less(t, rep.State.Processing, 0.6, "negative loop pushes processing down")
	assert.Greater(t, rep.State.Energy, 0.8, "energy below target is raised")
	assert.True(t, rep.InEquilibrium, "a single sample has zero variance")
	assert.InDelta(t, rep.State.Performance(), rep.Performance, 1e-9)

	skipped := s.Cycle(r, t0.Add(200*time.Millisecond))
	assert.True(t, skipped.Skipped)
}

func TestSystemMetricsStayBounded(t *testing.T) {
	s, err := NewSystem(DefaultConfig())
	require.NoError(t, err)
	t0 := time.Unix(0, 0)
	for i := 0; i < 400; i++ {
		load := 0.5 + 0.5*math.Sin(float64(i))
		rep := s.Cycle(Reading{CognitiveLoad: load, TopologyHealth: 1 - load, SelfHealth: 1 - load, Autonomy: 1 - load, AtomCount: i}, t0.Add(time.Duration(i)*time.Second))
		for _, v := range []float64{rep.Metrics.HomeostaticIndex, rep.Metrics.Resilience, rep.Metrics.GlobalStability, rep.Quality} {
			require.GreaterOrEqual(t, v, 0.0)
			require.LessOrEqual(t, v, 1.0)
		}
	}
	_, _, damping := s.Equilibrium()
	assert.Greater(t, damping, 0.1, "oscillating input raises damping")
	for _, sp := range s.Setpoints() {
		assert.LessOrEqual(t, math.Abs(sp.Integral), 10.0)
	}
}

func TestSystemAdjustments(t *testing.T) {
	s, err := NewSystem(DefaultConfig())
	require.NoError(t, err)

	before := s.Loops()
	s.ApplyHealingFeedback()
	after := s.Loops()
	for i := range before {
		assert.InDelta(t, before[i].Effectiveness+0.02, after[i].Effectiveness, 1e-9)
	}

	s.EnhanceResilience()
	assert.InDelta(t, 0.51, s.Metrics().Resilience, 1e-9)

	s.OptimizeGlobalStability()
	for _, l := range s.Loops() {
		assert.InDelta(t, 1.1, l.Gain, 1e-9, "global stability starts at 0.5")
	}

	s.PromoteSystemHealth(1)
	assert.Equal(t, 1.0, s.State().Energy)
	assert.InDelta(t, 0.52, s.Metrics().GlobalStability, 1e-9)
}

func TestFieldForName(t *testing.T) {
	f, ok := FieldForName("network_bandwidth")
	require.True(t, ok)
	assert.Equal(t, FieldBandwidth, f)
	_, ok = FieldForName("mystery")
	assert.False(t, ok)
}
