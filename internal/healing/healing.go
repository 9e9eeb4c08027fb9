// Package healing maps problem descriptions to corrective actions using a
// rule set whose success rates are learned from outcome feedback.
package healing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"autognosis/internal/logging"
)

// Action is a corrective strategy.
type Action uint8

const (
	ActionNone Action = iota
	ActionRetry
	ActionReroute
	ActionReconstruct
	ActionMigrate
)

var actionNames = [...]string{"none", "retry", "reroute", "reconstruct", "migrate"}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// Valid reports whether a is a defined action.
func (a Action) Valid() bool { return int(a) < len(actionNames) }

// Conclusive reports whether a settles a problem locally. Retry and None
// are inconclusive and warrant asking peers.
func (a Action) Conclusive() bool { return a != ActionNone && a != ActionRetry }

// ParseAction maps an action name back to its value.
func ParseAction(s string) (Action, error) {
	for i, n := range actionNames {
		if strings.EqualFold(s, n) {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("unknown healing action %q", s)
}

// MarshalText implements encoding.TextMarshaler so actions read well in YAML.
func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(b []byte) error {
	v, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Rule maps problems containing Condition to Action.
type Rule struct {
	Condition       string
	Action          Action
	PriorConfidence float64
	SuccessCount    uint64
	AttemptCount    uint64
}

// SuccessRate returns successes/attempts, or fallback with no attempts.
func (r Rule) SuccessRate(fallback float64) float64 {
	if r.AttemptCount == 0 {
		return fallback
	}
	return float64(r.SuccessCount) / float64(r.AttemptCount)
}

// RuleConfig is the serialized form of a seed rule.
type RuleConfig struct {
	Condition  string  `yaml:"condition"`
	Action     Action  `yaml:"action"`
	Confidence float64 `yaml:"confidence"`
}

// Config configures the healing engine.
type Config struct {
	Rules               []RuleConfig  `yaml:"rules"`
	DefaultSuccessRate  float64       `yaml:"default_success_rate"`
	ExecutionTimeout    time.Duration `yaml:"execution_timeout"`
	MaxAttemptsPerIssue int           `yaml:"max_attempts_per_issue"`
}

// DefaultConfig returns the stock rule set.
func DefaultConfig() Config {
	return Config{
		Rules: []RuleConfig{
			{Condition: "timeout", Action: ActionRetry, Confidence: 0.7},
			{Condition: "connection_failed", Action: ActionReroute, Confidence: 0.8},
			{Condition: "node_failure", Action: ActionMigrate, Confidence: 0.9},
		},
		DefaultSuccessRate:  0.5,
		ExecutionTimeout:    5 * time.Second,
		MaxAttemptsPerIssue: 3,
	}
}

// Executor carries out a chosen action. Implementations must honor ctx.
type Executor interface {
	Execute(ctx context.Context, problem string, action Action) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, problem string, action Action) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, problem string, action Action) error {
	return f(ctx, problem, action)
}

// Diagnosis is the result of one Diagnose call.
type Diagnosis struct {
	Problem   string
	Action    Action
	Rule      int // index of the winning rule, -1 for the fallback
	Executed  bool
	Succeeded bool
	Err       error
}

// Engine holds the rule set. Rules are never removed.
type Engine struct {
	cfg Config

	mu       sync.RWMutex
	rules    []Rule
	executor Executor
	attempts map[string]int
}

// NewEngine creates an engine seeded with cfg.Rules.
func NewEngine(cfg Config) *Engine {
	e := &Engine{cfg: cfg, attempts: make(map[string]int)}
	for _, r := range cfg.Rules {
		e.AddRule(r.Condition, r.Action, r.Confidence)
	}
	return e
}

// SetExecutor sets the action executor (set after construction to avoid cycles).
func (e *Engine) SetExecutor(x Executor) {
	e.mu.Lock()
	e.executor = x
	e.mu.Unlock()
}

// AddRule appends a rule and returns its index.
func (e *Engine) AddRule(condition string, action Action, confidence float64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, Rule{Condition: condition, Action: action, PriorConfidence: confidence})
	return len(e.rules) - 1
}

// Rules returns a copy of the rule set in insertion order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// Match returns the index and action of the best-scoring rule whose
// condition occurs in problem. Score is prior confidence times success
// rate; ties keep the earliest rule. ok is false when nothing matches or
// every match scores zero.
func (e *Engine) Match(problem string) (int, Action, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.matchLocked(problem)
}

func (e *Engine) matchLocked(problem string) (int, Action, bool) {
	best, bestScore := -1, 0.0
	for i, r := range e.rules {
		if r.Condition == "" || !strings.Contains(problem, r.Condition) {
			continue
		}
		score := r.PriorConfidence * r.SuccessRate(e.cfg.DefaultSuccessRate)
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return -1, ActionRetry, false
	}
	return best, e.rules[best].Action, true
}

// Evaluate returns the action for problem, falling back to Retry when no
// rule matches. It does not touch rule statistics.
func (e *Engine) Evaluate(problem string) Action {
	_, a, _ := e.Match(problem)
	return a
}

// RecordOutcome feeds back the result of applying rule idx.
func (e *Engine) RecordOutcome(idx int, succeeded bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx < 0 || idx >= len(e.rules) {
		return false
	}
	e.rules[idx].AttemptCount++
	if succeeded {
		e.rules[idx].SuccessCount++
	}
	return true
}

// Diagnose evaluates problem and, when an executor is set, applies the
// action and records its outcome against the winning rule. Problems that
// already failed MaxAttemptsPerIssue times are not executed again until a
// success clears them.
func (e *Engine) Diagnose(ctx context.Context, problem string) Diagnosis {
	e.mu.RLock()
	idx, action, _ := e.matchLocked(problem)
	x := e.executor
	attempts := e.attempts[problem]
	e.mu.RUnlock()

	d := Diagnosis{Problem: problem, Action: action, Rule: idx}
	logging.HealingDebug("diagnosed %q -> %s (rule %d)", problem, action, idx)
	if x == nil || action == ActionNone {
		return d
	}
	if e.cfg.MaxAttemptsPerIssue > 0 && attempts >= e.cfg.MaxAttemptsPerIssue {
		logging.HealingWarn("giving up on %q after %d attempts", problem, attempts)
		return d
	}

	if e.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
		defer cancel()
	}
	d.Err = x.Execute(ctx, problem, action)
	d.Executed = true
	d.Succeeded = d.Err == nil

	e.mu.Lock()
	if d.Succeeded {
		delete(e.attempts, problem)
	} else {
		e.attempts[problem]++
	}
	e.mu.Unlock()
	e.RecordOutcome(idx, d.Succeeded)

	if d.Succeeded {
		logging.Healing("healed %q with %s", problem, action)
	} else {
		logging.HealingWarn("healing %q with %s failed: %v", problem, action, d.Err)
	}
	return d
}

// RestoreStats copies attempt and success counts onto rules with the same
// condition and action. Rules in stats that do not exist are added.
func (e *Engine) RestoreStats(stats []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range stats {
		found := false
		for i := range e.rules {
			if e.rules[i].Condition == s.Condition && e.rules[i].Action == s.Action {
				e.rules[i].AttemptCount = s.AttemptCount
				e.rules[i].SuccessCount = s.SuccessCount
				found = true
				break
			}
		}
		if !found {
			e.rules = append(e.rules, s)
		}
	}
}
