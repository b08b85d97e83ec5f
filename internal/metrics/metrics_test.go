package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}
}

func gauge(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	SetActiveQuarantines(3)
	if got := gauge(t, reg, "mirador_immune_active_quarantines"); got != 3 {
		t.Fatalf("active quarantines = %f", got)
	}
	SetLivePheromones(2)
	if got := gauge(t, reg, "mirador_immune_live_pheromones"); got != 2 {
		t.Fatalf("live pheromones = %f", got)
	}

	ObserveAnomaly("resource_usage")
	ObserveAction("notify", true)
	ObserveResponse("Containment")
	ObservePhase("detect", -time.Second, errors.New("x"))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	seen := make(map[string]bool)
	for _, mf := range families {
		seen[mf.GetName()] = true
	}
	for _, name := range []string{
		"mirador_immune_anomalies_total",
		"mirador_immune_actions_total",
		"mirador_immune_responses_total",
		"mirador_immune_pipeline_seconds",
	} {
		if !seen[name] {
			t.Fatalf("expected %s to be exported", name)
		}
	}
}
