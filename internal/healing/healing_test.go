package healing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleMatchReturnsRuleAction(t *testing.T) {
	e := NewEngine(Config{DefaultSuccessRate: 0.5})
	e.AddRule("timeout", ActionRetry, 0.7)
	assert.Equal(t, ActionRetry, e.Evaluate("timeout_on_handshake"))
}

func TestUnmatchedFallsBackToRetry(t *testing.T) {
	e := NewEngine(DefaultConfig())
	idx, a, ok := e.Match("cosmic ray bit flip")
	assert.False(t, ok)
	assert.Equal(t, -1, idx)
	assert.Equal(t, ActionRetry, a)
	assert.NotEqual(t, ActionNone, e.Evaluate("cosmic ray bit flip"))
}

func TestEvaluateIsPure(t *testing.T) {
	e := NewEngine(DefaultConfig())
	before := e.Rules()
	first := e.Evaluate("node_failure after timeout")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.Evaluate("node_failure after timeout"))
	}
	assert.Equal(t, before, e.Rules())
	assert.Equal(t, ActionMigrate, first, "0.9*0.5 beats 0.7*0.5")
}

func TestLearnedRatesChangeWinner(t *testing.T) {
	e := NewEngine(DefaultConfig())
	migrate, _, _ := e.Match("node_failure")
	for i := 0; i < 4; i++ {
		e.RecordOutcome(migrate, false)
	}
	e.RecordOutcome(0, true)

	// migrate scores 0, timeout scores 0.7*1.0
	assert.Equal(t, ActionRetry, e.Evaluate("node_failure timeout"))
	// a lone zero-score match falls back
	_, _, ok := e.Match("node_failure")
	assert.False(t, ok)
}

func TestNoneOnlyFromRule(t *testing.T) {
	e := NewEngine(Config{DefaultSuccessRate: 0.5})
	e.AddRule("benign", ActionNone, 0.9)
	assert.Equal(t, ActionNone, e.Evaluate("benign warning"))
}

func TestRecordOutcomeBounds(t *testing.T) {
	e := NewEngine(DefaultConfig())
	assert.False(t, e.RecordOutcome(-1, true))
	assert.False(t, e.RecordOutcome(99, true))
	require.True(t, e.RecordOutcome(1, true))
	r := e.Rules()[1]
	assert.Equal(t, uint64(1), r.AttemptCount)
	assert.Equal(t, uint64(1), r.SuccessCount)
	assert.Equal(t, 1.0, r.SuccessRate(0.5))
}

func TestDiagnoseExecutesAndLearns(t *testing.T) {
	e := NewEngine(DefaultConfig())
	var got []Action
	e.SetExecutor(ExecutorFunc(func(ctx context.Context, problem string, a Action) error {
		got = append(got, a)
		if a == ActionReroute {
			return errors.New("no route")
		}
		return nil
	}))

	d := e.Diagnose(context.Background(), "connection_failed to peer 4")
	assert.True(t, d.Executed)
	assert.False(t, d.Succeeded)
	assert.Equal(t, ActionReroute, d.Action)

	d = e.Diagnose(context.Background(), "timeout")
	assert.True(t, d.Succeeded)

	rules := e.Rules()
	assert.Equal(t, uint64(1), rules[1].AttemptCount)
	assert.Equal(t, uint64(0), rules[1].SuccessCount)
	assert.Equal(t, uint64(1), rules[0].SuccessCount)
	assert.Equal(t, []Action{ActionReroute, ActionRetry}, got)
}

func TestDiagnoseGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttemptsPerIssue = 2
	e := NewEngine(cfg)
	calls := 0
	e.SetExecutor(ExecutorFunc(func(context.Context, string, Action) error {
		calls++
		return errors.New("still broken")
	}))
	for i := 0; i < 5; i++ {
		e.Diagnose(context.Background(), "node_failure 9")
	}
	assert.Equal(t, 2, calls)
}

func TestDiagnoseWithoutExecutorLeavesStats(t *testing.T) {
	e := NewEngine(DefaultConfig())
	d := e.Diagnose(context.Background(), "timeout")
	assert.False(t, d.Executed)
	assert.Equal(t, uint64(0), e.Rules()[0].AttemptCount)
}

func TestRestoreStats(t *testing.T) {
	e := NewEngine(DefaultConfig())
	e.RestoreStats([]Rule{
		{Condition: "timeout", Action: ActionRetry, PriorConfidence: 0.7, SuccessCount: 3, AttemptCount: 4},
		{Condition: "disk", Action: ActionReconstruct, PriorConfidence: 0.6},
	})
	rules := e.Rules()
	require.Len(t, rules, 4)
	assert.Equal(t, uint64(4), rules[0].AttemptCount)
	assert.Equal(t, "disk", rules[3].Condition)
}

func TestActionText(t *testing.T) {
	for a := ActionNone; a <= ActionMigrate; a++ {
		b, err := a.MarshalText()
		require.NoError(t, err)
		var back Action
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, a, back)
	}
	assert.False(t, ActionRetry.Conclusive())
	assert.True(t, ActionMigrate.Conclusive())
}
