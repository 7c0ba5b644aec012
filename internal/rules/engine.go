// Package rules provides the CEL-Go based alert rule engine. Rules run
// against completed detections and decide escalation or suppression.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-security/kestrel/internal/domain"
)

// RecentGetter returns how many detections a source produced inside a
// time window. Backed by the cache's windowed counters.
type RecentGetter func(ctx context.Context, sourceIP string, window time.Duration) (int64, error)

// DefaultRecentWindow is the lookback used for the recent_detections
// rule variable.
const DefaultRecentWindow = 5 * time.Minute

// Engine compiles alert rules once and evaluates them in parallel per
// detection.
type Engine struct {
	mu           sync.RWMutex
	env          *cel.Env
	compiled     map[string]*CompiledRule
	recentGetter RecentGetter
	maxWorkers   int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    *domain.AlertRule
	Program cel.Program
}

// NewEngine creates a rule engine. recentGetter may be nil, in which
// case recent_detections evaluates to 0.
func NewEngine(recentGetter RecentGetter, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("prediction", cel.StringType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("threat_level", cel.StringType),
		cel.Variable("is_attack", cel.BoolType),
		cel.Variable("source_ip", cel.StringType),
		cel.Variable("features", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("recent_detections", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:          env,
		compiled:     make(map[string]*CompiledRule),
		recentGetter: recentGetter,
		maxWorkers:   maxWorkers,
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(rule *domain.AlertRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(rule)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(rule *domain.AlertRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}
	e.compiled[rule.ID] = compiled
	return nil
}

// LoadRules compiles and loads every enabled rule.
func (e *Engine) LoadRules(rules []*domain.AlertRule) error {
	for _, rule := range rules {
		if rule.Enabled {
			if err := e.LoadRule(rule); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules atomically replaces the loaded rule set, for hot reload
// from the repository.
func (e *Engine) ReloadRules(rules []*domain.AlertRule) error {
	next := make(map[string]*CompiledRule)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		compiled, err := e.compileRule(rule)
		if err != nil {
			return err
		}
		next[rule.ID] = compiled
	}

	e.mu.Lock()
	e.compiled = next
	e.mu.Unlock()
	return nil
}

// RemoveRule unloads a rule.
func (e *Engine) RemoveRule(ruleID string) {
	e.mu.Lock()
	delete(e.compiled, ruleID)
	e.mu.Unlock()
}

// LoadedRules returns the currently loaded rules, sorted by name.
func (e *Engine) LoadedRules() []*domain.AlertRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.AlertRule, 0, len(e.compiled))
	for _, c := range e.compiled {
		out = append(out, c.Rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// EvaluateAll runs every loaded rule against a detection in parallel.
func (e *Engine) EvaluateAll(ctx context.Context, det *domain.Detection) ([]domain.RuleResult, error) {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiled))
	for _, rule := range e.compiled {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil, nil
	}

	var recent int64
	if e.recentGetter != nil && det.SourceIP != "" {
		if count, err := e.recentGetter(ctx, det.SourceIP, DefaultRecentWindow); err == nil {
			recent = count
		}
	}

	features := make(map[string]float64, len(det.Features))
	for k, v := range det.Features {
		features[k] = v
	}

	activation := map[string]any{
		"prediction":        det.Prediction,
		"confidence":        det.Confidence,
		"threat_level":      string(det.ThreatLevel),
		"is_attack":         det.Prediction != domain.LabelBenign,
		"source_ip":         det.SourceIP,
		"features":          features,
		"recent_detections": recent,
	}

	results := make([]domain.RuleResult, len(rules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = evaluateRule(r, activation)
		}(i, rule)
	}
	wg.Wait()

	return results, nil
}

func evaluateRule(rule *CompiledRule, activation map[string]any) domain.RuleResult {
	result := domain.RuleResult{
		RuleID: rule.Rule.ID,
		Name:   rule.Rule.Name,
		Action: rule.Rule.Action,
	}

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		result.Err = fmt.Sprintf("evaluation error: %v", err)
		return result
	}

	switch v := out.(type) {
	case types.Bool:
		result.Triggered = bool(v)
		if result.Triggered {
			result.Score = 1
		}
	default:
		result.Score = toFloat(out)
		result.Triggered = result.Score >= rule.Rule.Threshold
	}
	return result
}

func toFloat(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0
	}
}

// Close clears the loaded rule set.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(rule *domain.AlertRule) (*CompiledRule, error) {
	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", rule.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &CompiledRule{Rule: rule, Program: program}, nil
}
