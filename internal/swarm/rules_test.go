package swarm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

func newRuleEngine(t *testing.T, mode EvaluationMode) (*RuleEngine, *Environment, *utils.ManualClock) {
	t.Helper()
	env, clock, _ := newEnv()
	engine := NewRuleEngine(env, mode, utils.DiscardLogger())
	if err := engine.SetRules(DefaultRules()); err != nil {
		t.Fatalf("set rules: %v", err)
	}
	return engine, env, clock
}

func TestDefaultRulesFirstMatchWins(t *testing.T) {
	engine, env, _ := newRuleEngine(t, FirstMatch)
	ctx := context.Background()

	got := engine.EvaluateRules(ctx, "Sentinel", map[string]any{KeyAnomalyDetected: true, "service": "api"})
	if diff := cmp.Diff([]string{"anomaly-threat-flag"}, got.Executed); diff != "" {
		t.Fatalf("executed mismatch (-want +got):\n%s", diff)
	}
	flags := env.ReadMarkers("api", models.MarkerFlag)
	if len(flags) != 1 || flags[0].Value != ValueThreat || flags[0].ExpiresAt == nil {
		t.Fatalf("expected threat flag, got %+v", flags)
	}

	// With the flag in place and no live anomaly, monitoring is raised.
	got = engine.EvaluateRules(ctx, "Sentinel", map[string]any{"service": "api"})
	if diff := cmp.Diff([]string{"threat-increased-monitoring"}, got.Executed); diff != "" {
		t.Fatalf("executed mismatch (-want +got):\n%s", diff)
	}
	if conc := env.ReadPheromones("api", ValueIncreasedMonitoring); len(conc) != 1 {
		t.Fatalf("expected monitoring pheromone, got %+v", conc)
	}
}

func TestAllMatchesModeFiresEveryMatch(t *testing.T) {
	engine, env, _ := newRuleEngine(t, AllMatches)
	ctx := context.Background()
	if _, err := env.PlaceMarker(ctx, MarkerSpec{Type: models.MarkerFlag, Location: "api", Value: ValueThreat}); err != nil {
		t.Fatal(err)
	}
	got := engine.EvaluateRules(ctx, "Sentinel", map[string]any{KeyAnomalyDetected: true, "location": "api"})
	want := []string{"anomaly-threat-flag", "threat-increased-monitoring"}
	if diff := cmp.Diff(want, got.Executed); diff != "" {
		t.Fatalf("executed mismatch (-want +got):\n%s", diff)
	}
}

func TestSwarmEscalationNeedsTwoAgents(t *testing.T) {
	engine, env, _ := newRuleEngine(t, FirstMatch)
	ctx := context.Background()
	if _, err := env.PlacePheromone(ctx, "api", ValueThreat, 0.8, 0.05, "agent-a"); err != nil {
		t.Fatal(err)
	}
	got := engine.EvaluateRules(ctx, "Sentinel", map[string]any{"service": "api"})
	if len(got.Executed) != 0 {
		t.Fatalf("single agent should not escalate, got %+v", got)
	}
	if _, err := env.PlacePheromone(ctx, "api", ValueThreat, 0.6, 0.05, "agent-b"); err != nil {
		t.Fatal(err)
	}
	got = engine.EvaluateRules(ctx, "Sentinel", map[string]any{"service": "api"})
	if diff := cmp.Diff([]string{"swarm-threat-escalation"}, got.Executed); diff != "" {
		t.Fatalf("executed mismatch (-want +got):\n%s", diff)
	}
	status := env.ReadMarkers("api", models.MarkerStatus)
	if len(status) != 1 || status[0].Value != ValueStage2 {
		t.Fatalf("expected stage-2 status, got %+v", status)
	}
}

func TestAnomalyClearedClearsLocation(t *testing.T) {
	engine, env, _ := newRuleEngine(t, FirstMatch)
	ctx := context.Background()
	engine.EvaluateRules(ctx, "Sentinel", map[string]any{KeyAnomalyDetected: true, "service": "api"})
	got := engine.EvaluateRules(ctx, "Sentinel", map[string]any{KeyAnomalyCleared: true, "service": "api"})
	// The monitoring rule outranks clearing while the flag is live.
	if len(got.Executed) != 1 {
		t.Fatalf("unexpected evaluation %+v", got)
	}
	engine2 := NewRuleEngine(env, FirstMatch, utils.DiscardLogger())
	if err := engine2.SetRules(DefaultRules()[3:4]); err != nil {
		t.Fatal(err)
	}
	engine2.EvaluateRules(ctx, "Sentinel", map[string]any{KeyAnomalyCleared: true, "service": "api"})
	if markers := env.ReadMarkers("api", ""); len(markers) != 0 {
		t.Fatalf("expected location cleared, got %+v", markers)
	}
}

func TestDeploymentRuleOnlyForDeployKeeper(t *testing.T) {
	engine, env, _ := newRuleEngine(t, FirstMatch)
	ctx := context.Background()
	evalCtx := map[string]any{KeyDeploymentSuccess: true, "service": "checkout"}

	if got := engine.EvaluateRules(ctx, "Sentinel", evalCtx); len(got.Executed) != 0 {
		t.Fatalf("non-deploy agent fired %+v", got)
	}
	got := engine.EvaluateRules(ctx, DeployKeeper, evalCtx)
	if diff := cmp.Diff([]string{"deployment-success-tag"}, got.Executed); diff != "" {
		t.Fatalf("executed mismatch (-want +got):\n%s", diff)
	}
	tags := env.ReadMarkers("checkout", models.MarkerTag)
	if len(tags) != 1 || tags[0].ExpiresAt == nil || tags[0].ExpiresAt.Sub(tags[0].CreatedAt) != time.Hour {
		t.Fatalf("unexpected tags %+v", tags)
	}
}

func TestFailingRuleIsSkipped(t *testing.T) {
	env, _, _ := newEnv()
	engine := NewRuleEngine(env, FirstMatch, utils.DiscardLogger())
	rules := []Rule{
		{
			ID:        "bad-metric",
			Agent:     AllAgents,
			Priority:  10,
			Condition: Condition{Kind: ConditionMetricThreshold, Metric: "cpu", Operator: "gt", Value: 0.5},
			Action:    Action{Kind: ActionPlaceMarker, Value: "hot"},
		},
		{
			ID:        "fallback",
			Agent:     AllAgents,
			Priority:  1,
			Condition: Condition{Kind: ConditionLiteral, Literal: true},
			Action:    Action{Kind: ActionPlaceMarker, Value: "ok"},
		},
	}
	if err := engine.SetRules(rules); err != nil {
		t.Fatal(err)
	}
	got := engine.EvaluateRules(context.Background(), "Sentinel", map[string]any{"cpu": "not-a-number"})
	if diff := cmp.Diff([]string{"bad-metric"}, got.Failed); diff != "" {
		t.Fatalf("failed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"fallback"}, got.Executed); diff != "" {
		t.Fatalf("executed mismatch (-want +got):\n%s", diff)
	}
	if markers := env.ReadMarkers("global", ""); len(markers) != 1 {
		t.Fatalf("expected global marker, got %+v", markers)
	}
}

func TestMetricThresholdCondition(t *testing.T) {
	cond := Condition{Kind: ConditionMetricThreshold, Metric: "cpu", Operator: ">=", Value: 0.9}
	cases := []struct {
		ctx  map[string]any
		want bool
	}{
		{map[string]any{"cpu": 0.95}, true},
		{map[string]any{"cpu": 0.9}, true},
		{map[string]any{"cpu": 1}, true},
		{map[string]any{"cpu": 0.1}, false},
		{map[string]any{}, false},
	}
	for _, tc := range cases {
		got, err := cond.Evaluate(nil, tc.ctx)
		if err != nil {
			t.Fatalf("evaluate %v: %v", tc.ctx, err)
		}
		if got != tc.want {
			t.Fatalf("evaluate %v: got %v want %v", tc.ctx, got, tc.want)
		}
	}
}

func TestValidateRejectsMalformedRules(t *testing.T) {
	bad := []Rule{
		{},
		{ID: "x", Condition: Condition{Kind: "nope"}, Action: Action{Kind: ActionClearMarkers}},
		{ID: "x", Condition: Condition{Kind: ConditionLiteral}, Action: Action{Kind: ActionPlacePheromone}},
		{ID: "x", Condition: Condition{Kind: ConditionMetricThreshold, Metric: "cpu", Operator: "~"}, Action: Action{Kind: ActionClearMarkers}},
		{ID: "x", Condition: Condition{Kind: ConditionLiteral}, Action: Action{Kind: ActionPlaceMarker, MarkerType: models.MarkerPheromone}},
	}
	for i, r := range bad {
		if err := r.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

const packYAML = `mode: all_matches
rules:
  - id: hot-cpu
    agent: all
    priority: 7
    condition:
      kind: metric_threshold
      metric: cpu
      operator: gt
      value: 0.8
    action:
      kind: place_pheromone
      value: hot
      strength: 0.5
      decayRate: 0.02
  - id: canary
    agent: DeployKeeper
    priority: 2
    condition:
      kind: context_flag
      flag: canary
    action:
      kind: place_marker
      markerType: tag
      value: canary
      ttl: 15m
`

func TestLoadRulePack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.yaml")
	if err := os.WriteFile(path, []byte(packYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	pack, err := LoadRulePack(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if pack.Mode != AllMatches || len(pack.Rules) != 2 {
		t.Fatalf("unexpected pack %+v", pack)
	}
	if pack.Rules[1].Action.TTL != 15*time.Minute {
		t.Fatalf("ttl not parsed: %v", pack.Rules[1].Action.TTL)
	}

	missing, err := LoadRulePack(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil || len(missing.Rules) != 0 {
		t.Fatalf("missing file: %+v %v", missing, err)
	}
}

func TestWatcherReloadKeepsRulesOnInvalidPack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swarm.yaml")
	if err := os.WriteFile(path, []byte(packYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	env, _, _ := newEnv()
	engine := NewRuleEngine(env, FirstMatch, utils.DiscardLogger())
	if err := engine.SetRules(DefaultRules()); err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(path, engine, utils.DiscardLogger())
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer w.watcher.Close()

	if !w.Reload() {
		t.Fatalf("expected reload to succeed")
	}
	if got := len(engine.Rules()); got != 2 {
		t.Fatalf("expected 2 rules, got %d", got)
	}
	if err := os.WriteFile(path, []byte("rules: [{id: broken, condition: {kind: bogus}}]"), 0o644); err != nil {
		t.Fatal(err)
	}
	if w.Reload() {
		t.Fatalf("expected invalid pack to be rejected")
	}
	if got := engine.Rules(); len(got) != 2 || got[0].ID != "hot-cpu" {
		t.Fatalf("rules changed after rejected reload: %+v", got)
	}
}

func TestWatcherPicksUpWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swarm.yaml")
	env, _, _ := newEnv()
	engine := NewRuleEngine(env, FirstMatch, utils.DiscardLogger())
	w, err := NewWatcher(path, engine, utils.DiscardLogger())
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	if err := os.WriteFile(path, []byte(packYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(engine.Rules()) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("watcher did not reload rules")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestShippedRulePackMatchesDefaults(t *testing.T) {
	pack, err := LoadRulePack(filepath.Join("..", "..", "configs", "rules", "swarm.yaml"))
	if err != nil {
		t.Fatalf("load rule pack: %v", err)
	}
	if pack.Mode != FirstMatch {
		t.Fatalf("expected first_match mode, got %q", pack.Mode)
	}
	if diff := cmp.Diff(DefaultRules(), pack.Rules); diff != "" {
		t.Fatalf("shipped rule pack drifted from DefaultRules (-want +got):\n%s", diff)
	}
}
