package swarm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/miradorstack/mirador-immune/internal/models"
)

// AllAgents marks a rule that applies to every agent.
const AllAgents = "all"

// ConditionKind enumerates rule predicates.
type ConditionKind string

const (
	ConditionMetricThreshold ConditionKind = "metric_threshold"
	ConditionContextFlag     ConditionKind = "context_flag"
	ConditionMarkerPresent   ConditionKind = "marker_present"
	ConditionPheromoneCount  ConditionKind = "pheromone_count"
	ConditionLiteral         ConditionKind = "literal"
)

// ActionKind enumerates rule effects.
type ActionKind string

const (
	ActionPlaceMarker    ActionKind = "place_marker"
	ActionPlacePheromone ActionKind = "place_pheromone"
	ActionClearMarkers   ActionKind = "clear_markers"
)

// Condition is a tagged predicate over the environment and the evaluation
// context. Only the fields relevant to Kind are read.
type Condition struct {
	Kind ConditionKind `yaml:"kind" json:"kind"`

	// metric_threshold
	Metric   string  `yaml:"metric,omitempty" json:"metric,omitempty"`
	Operator string  `yaml:"operator,omitempty" json:"operator,omitempty"`
	Value    float64 `yaml:"value,omitempty" json:"value,omitempty"`

	// context_flag
	Flag string `yaml:"flag,omitempty" json:"flag,omitempty"`

	// marker_present and pheromone_count
	MarkerType  models.MarkerType `yaml:"markerType,omitempty" json:"markerType,omitempty"`
	MarkerValue any               `yaml:"markerValue,omitempty" json:"markerValue,omitempty"`
	MinAgents   int               `yaml:"minAgents,omitempty" json:"minAgents,omitempty"`
	Location    string            `yaml:"location,omitempty" json:"location,omitempty"`

	// literal
	Literal bool `yaml:"literal,omitempty" json:"literal,omitempty"`
}

// Action is a tagged effect applied to the environment.
type Action struct {
	Kind       ActionKind        `yaml:"kind" json:"kind"`
	MarkerType models.MarkerType `yaml:"markerType,omitempty" json:"markerType,omitempty"`
	Value      any               `yaml:"value,omitempty" json:"value,omitempty"`
	Strength   *float64          `yaml:"strength,omitempty" json:"strength,omitempty"`
	TTL        time.Duration     `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	DecayRate  float64           `yaml:"decayRate,omitempty" json:"decayRate,omitempty"`
	Location   string            `yaml:"location,omitempty" json:"location,omitempty"`
}

// Rule is one condition/action pair owned by an agent (or all agents).
type Rule struct {
	ID          string    `yaml:"id" json:"id"`
	Agent       string    `yaml:"agent" json:"agent"`
	Priority    int       `yaml:"priority" json:"priority"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Condition   Condition `yaml:"condition" json:"condition"`
	Action      Action    `yaml:"action" json:"action"`
}

// AppliesTo reports whether the rule should be evaluated for agent.
func (r Rule) AppliesTo(agent string) bool {
	return r.Agent == "" || r.Agent == AllAgents || r.Agent == agent
}

// Validate checks that the rule's variants carry what they need.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	switch r.Condition.Kind {
	case ConditionMetricThreshold:
		if r.Condition.Metric == "" {
			return fmt.Errorf("rule %s: metric_threshold needs a metric", r.ID)
		}
		if _, err := compare(r.Condition.Operator, 0, 0); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	case ConditionContextFlag:
		if r.Condition.Flag == "" {
			return fmt.Errorf("rule %s: context_flag needs a flag", r.ID)
		}
	case ConditionMarkerPresent, ConditionPheromoneCount, ConditionLiteral:
	default:
		return fmt.Errorf("rule %s: unknown condition kind %q", r.ID, r.Condition.Kind)
	}
	switch r.Action.Kind {
	case ActionPlaceMarker:
		if r.Action.MarkerType == models.MarkerPheromone {
			return fmt.Errorf("rule %s: place_marker cannot place pheromones", r.ID)
		}
	case ActionPlacePheromone:
		if r.Action.DecayRate <= 0 {
			return fmt.Errorf("rule %s: place_pheromone needs a positive decayRate", r.ID)
		}
	case ActionClearMarkers:
	default:
		return fmt.Errorf("rule %s: unknown action kind %q", r.ID, r.Action.Kind)
	}
	return nil
}

// Evaluate tests the condition.
func (c Condition) Evaluate(env *Environment, evalCtx map[string]any) (bool, error) {
	switch c.Kind {
	case ConditionLiteral:
		return c.Literal, nil
	case ConditionContextFlag:
		return truthy(evalCtx[c.Flag]), nil
	case ConditionMetricThreshold:
		raw, ok := evalCtx[c.Metric]
		if !ok {
			return false, nil
		}
		v, ok := number(raw)
		if !ok {
			return false, fmt.Errorf("context value %q is not numeric", c.Metric)
		}
		return compare(c.Operator, v, c.Value)
	case ConditionMarkerPresent:
		loc := resolveLocation(c.Location, evalCtx)
		for _, m := range env.ReadMarkers(loc, c.MarkerType) {
			if c.MarkerValue == nil || cmp.Equal(c.MarkerValue, m.Value) {
				return true, nil
			}
		}
		return false, nil
	case ConditionPheromoneCount:
		loc := resolveLocation(c.Location, evalCtx)
		need := c.MinAgents
		if need <= 0 {
			need = 1
		}
		for _, conc := range env.ReadPheromones(loc, c.MarkerValue) {
			if len(conc.Agents) >= need {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown condition kind %q", c.Kind)
	}
}

// Apply performs the action on behalf of agent.
func (a Action) Apply(ctx context.Context, env *Environment, agent string, evalCtx map[string]any) error {
	loc := resolveLocation(a.Location, evalCtx)
	switch a.Kind {
	case ActionPlaceMarker:
		_, err := env.PlaceMarker(ctx, MarkerSpec{
			Type:     a.MarkerType,
			Location: loc,
			Value:    a.Value,
			Strength: a.Strength,
			AgentID:  agent,
			TTL:      a.TTL,
		})
		return err
	case ActionPlacePheromone:
		_, err := env.PlacePheromone(ctx, loc, a.Value, StrengthOr(a.Strength), a.DecayRate, agent)
		return err
	case ActionClearMarkers:
		_, err := env.ClearMarkers(ctx, loc)
		return err
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// resolveLocation picks the explicit location, else the context's location or
// service, else "global".
func resolveLocation(explicit string, evalCtx map[string]any) string {
	if explicit != "" {
		return explicit
	}
	for _, k := range []string{"location", "service"} {
		if s, ok := evalCtx[k].(string); ok && s != "" {
			return s
		}
	}
	return "global"
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true") || t == "1"
	case nil:
		return false
	default:
		n, ok := number(v)
		return ok && n != 0
	}
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}

func compare(op string, v, threshold float64) (bool, error) {
	switch op {
	case "gt", ">", "":
		return v > threshold, nil
	case "gte", ">=":
		return v >= threshold, nil
	case "lt", "<":
		return v < threshold, nil
	case "lte", "<=":
		return v <= threshold, nil
	case "eq", "==":
		return v == threshold, nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}
