package swarm

import (
	"context"
	"testing"
	"time"

	"github.com/miradorstack/mirador-immune/internal/memory"
	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

func newEnv() (*Environment, *utils.ManualClock, *memory.MemStore) {
	clock := utils.NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewMemStore(clock)
	env := NewEnvironment(store, utils.DiscardLogger(), clock, &utils.SequenceGenerator{})
	return env, clock, store
}

func TestMarkerTTLExpiresLazily(t *testing.T) {
	env, clock, _ := newEnv()
	ctx := context.Background()
	if _, err := env.PlaceMarker(ctx, MarkerSpec{Type: models.MarkerFlag, Location: "api", Value: "threat", TTL: 30 * time.Minute}); err != nil {
		t.Fatalf("place: %v", err)
	}
	if got := env.ReadMarkers("api", models.MarkerFlag); len(got) != 1 {
		t.Fatalf("expected live marker, got %d", len(got))
	}
	clock.Advance(29 * time.Minute)
	if got := env.ReadMarkers("api", ""); len(got) != 1 {
		t.Fatalf("marker expired early")
	}
	clock.Advance(time.Minute)
	if got := env.ReadMarkers("api", ""); len(got) != 0 {
		t.Fatalf("expected expired marker to be hidden, got %+v", got)
	}
}

func TestPlaceMarkerRejectsPheromoneType(t *testing.T) {
	env, _, _ := newEnv()
	if _, err := env.PlaceMarker(context.Background(), MarkerSpec{Type: models.MarkerPheromone, Location: "api"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := env.PlacePheromone(context.Background(), "api", "x", 1, 0, "a"); err == nil {
		t.Fatalf("expected error for zero decay")
	}
}

func TestPheromoneDecayIsMonotonicAndEvaporates(t *testing.T) {
	env, clock, _ := newEnv()
	ctx := context.Background()
	if _, err := env.PlacePheromone(ctx, "api", "threat", 0.5, 0.1, "agent-a"); err != nil {
		t.Fatalf("place: %v", err)
	}
	prev := 0.5
	for i := 0; i < 4; i++ {
		clock.Advance(time.Minute)
		if _, err := env.Decay(ctx); err != nil {
			t.Fatalf("decay: %v", err)
		}
		got := env.ReadMarkers("api", models.MarkerPheromone)
		if len(got) != 1 {
			t.Fatalf("tick %d: expected pheromone, got %d", i, len(got))
		}
		if got[0].Strength > prev {
			t.Fatalf("strength increased from %f to %f", prev, got[0].Strength)
		}
		prev = got[0].Strength
	}
	clock.Advance(time.Minute)
	report, err := env.Decay(ctx)
	if err != nil {
		t.Fatalf("decay: %v", err)
	}
	if report.Removed != 1 {
		t.Fatalf("expected removal, got %+v", report)
	}
	if got := env.ReadMarkers("api", ""); len(got) != 0 {
		t.Fatalf("expected no markers, got %+v", got)
	}
	if env.LivePheromones() != 0 {
		t.Fatalf("expected no live pheromones")
	}
}

func TestReadPheromonesAggregatesStructurally(t *testing.T) {
	env, _, _ := newEnv()
	ctx := context.Background()
	payload := func() map[string]any { return map[string]any{"kind": "threat", "level": 2.0} }
	if _, err := env.PlacePheromone(ctx, "api", payload(), 0.4, 0.1, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.PlacePheromone(ctx, "api", payload(), 0.3, 0.1, "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.PlacePheromone(ctx, "api", "other", 0.9, 0.1, "a"); err != nil {
		t.Fatal(err)
	}
	got := env.ReadPheromones("api", nil)
	if len(got) != 2 {
		t.Fatalf("expected two concentrations, got %+v", got)
	}
	if got[0].Value != "other" {
		t.Fatalf("expected strongest first, got %+v", got[0])
	}
	if got[1].Deposits != 2 || len(got[1].Agents) != 2 || got[1].Strength < 0.69 || got[1].Strength > 0.71 {
		t.Fatalf("unexpected aggregate %+v", got[1])
	}
	filtered := env.ReadPheromones("api", payload())
	if len(filtered) != 1 || filtered[0].Deposits != 2 {
		t.Fatalf("unexpected filtered %+v", filtered)
	}
}

func TestClearMarkersAndReload(t *testing.T) {
	env, clock, store := newEnv()
	ctx := context.Background()
	if _, err := env.PlaceMarker(ctx, MarkerSpec{Location: "api", Value: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.PlaceMarker(ctx, MarkerSpec{Location: "db", Value: "y"}); err != nil {
		t.Fatal(err)
	}
	n, err := env.ClearMarkers(ctx, "api")
	if err != nil || n != 1 {
		t.Fatalf("clear: n=%d err=%v", n, err)
	}

	restored := NewEnvironment(store, utils.DiscardLogger(), clock, nil)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := restored.ReadMarkers("api", ""); len(got) != 0 {
		t.Fatalf("cleared marker resurrected: %+v", got)
	}
	if got := restored.ReadMarkers("db", ""); len(got) != 1 {
		t.Fatalf("expected db marker restored, got %+v", got)
	}
}

func TestExplicitZeroStrengthIsKept(t *testing.T) {
	env, _, _ := newEnv()
	ctx := context.Background()
	zero := 0.0

	quiet, err := env.PlaceMarker(ctx, MarkerSpec{Type: models.MarkerStatus, Location: "api", Value: "idle", Strength: &zero})
	if err != nil {
		t.Fatalf("place marker: %v", err)
	}
	if quiet.Strength != 0 {
		t.Fatalf("requested strength 0, stored %v", quiet.Strength)
	}
	dflt, err := env.PlaceMarker(ctx, MarkerSpec{Type: models.MarkerStatus, Location: "api", Value: "busy"})
	if err != nil {
		t.Fatalf("place marker: %v", err)
	}
	if dflt.Strength != DefaultStrength {
		t.Fatalf("absent strength should default to %v, got %v", DefaultStrength, dflt.Strength)
	}
	over := 3.0
	capped, err := env.PlaceMarker(ctx, MarkerSpec{Location: "api", Value: "loud", Strength: &over})
	if err != nil {
		t.Fatalf("place marker: %v", err)
	}
	if capped.Strength != 1 {
		t.Fatalf("strength must be capped at 1, got %v", capped.Strength)
	}

	p, err := env.PlacePheromone(ctx, "api", "faint", 0, 0.1, "scout")
	if err != nil {
		t.Fatalf("place pheromone: %v", err)
	}
	if p.Strength != 0 {
		t.Fatalf("requested pheromone strength 0, stored %v", p.Strength)
	}
}
