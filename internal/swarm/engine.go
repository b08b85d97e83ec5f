package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/miradorstack/mirador-immune/internal/models"
)

// EvaluationMode selects how many matching rules fire per evaluation.
type EvaluationMode string

const (
	// FirstMatch executes only the highest-priority rule whose condition holds.
	FirstMatch EvaluationMode = "first_match"
	// AllMatches executes every rule whose condition holds, in priority order.
	AllMatches EvaluationMode = "all_matches"
)

// RuleEngine evaluates prioritised rules against the environment for an agent.
type RuleEngine struct {
	env    *Environment
	logger *slog.Logger

	mu    sync.RWMutex
	rules []Rule
	mode  EvaluationMode
}

// NewRuleEngine constructs an engine with no rules.
func NewRuleEngine(env *Environment, mode EvaluationMode, logger *slog.Logger) *RuleEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if mode != AllMatches {
		mode = FirstMatch
	}
	return &RuleEngine{env: env, logger: logger, mode: mode}
}

// SetRules validates and replaces the whole rule set.
func (e *RuleEngine) SetRules(rules []Rule) error {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	sorted := append([]Rule(nil), rules...)
	sortRules(sorted)
	e.mu.Lock()
	e.rules = sorted
	e.mu.Unlock()
	return nil
}

// AddRule validates and inserts a rule, replacing one with the same id.
func (e *RuleEngine) AddRule(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.rules[:0:0]
	for _, r := range e.rules {
		if r.ID != rule.ID {
			kept = append(kept, r)
		}
	}
	kept = append(kept, rule)
	sortRules(kept)
	e.rules = kept
	return nil
}

// Rules returns the rule set in evaluation order.
func (e *RuleEngine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// Mode reports the evaluation mode.
func (e *RuleEngine) Mode() EvaluationMode { return e.mode }

func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// EvaluateRules walks the rules for agent in descending priority. In
// FirstMatch mode the first rule whose condition holds and whose action
// succeeds ends the pass. A rule whose condition or action fails is logged
// and skipped.
func (e *RuleEngine) EvaluateRules(ctx context.Context, agent string, evalCtx map[string]any) models.RuleEvaluation {
	if evalCtx == nil {
		evalCtx = map[string]any{}
	}
	report := models.RuleEvaluation{Agent: agent, Matched: []string{}, Executed: []string{}}
	for _, rule := range e.Rules() {
		if !rule.AppliesTo(agent) {
			continue
		}
		ok, err := e.safeEvaluate(rule, evalCtx)
		if err != nil {
			e.logger.Warn("swarm rule condition failed",
				slog.String("rule", rule.ID),
				slog.String("agent", agent),
				slog.Any("error", err),
			)
			report.Failed = append(report.Failed, rule.ID)
			continue
		}
		if !ok {
			continue
		}
		report.Matched = append(report.Matched, rule.ID)
		if err := e.safeApply(ctx, rule, agent, evalCtx); err != nil {
			e.logger.Warn("swarm rule action failed",
				slog.String("rule", rule.ID),
				slog.String("agent", agent),
				slog.Any("error", err),
			)
			report.Failed = append(report.Failed, rule.ID)
			continue
		}
		report.Executed = append(report.Executed, rule.ID)
		e.logger.Debug("swarm rule fired", slog.String("rule", rule.ID), slog.String("agent", agent))
		if e.mode == FirstMatch {
			break
		}
	}
	return report
}

func (e *RuleEngine) safeEvaluate(rule Rule, evalCtx map[string]any) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in condition: %v", r)
		}
	}()
	return rule.Condition.Evaluate(e.env, evalCtx)
}

func (e *RuleEngine) safeApply(ctx context.Context, rule Rule, agent string, evalCtx map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in action: %v", r)
		}
	}()
	return rule.Action.Apply(ctx, e.env, agent, evalCtx)
}
