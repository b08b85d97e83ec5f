package detection

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/miradorstack/mirador-immune/internal/baseline"
	"github.com/miradorstack/mirador-immune/internal/memory"
	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

var cpuSamples = []float64{10, 12, 11, 13, 9, 10, 11, 12, 10, 11}

func newDetector(t *testing.T) (*Detector, *baseline.Store) {
	t.Helper()
	clock := utils.NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	store := baseline.NewStore(memory.NewMemStore(clock), utils.DiscardLogger(), baseline.WithClock(clock))
	ctx := context.Background()
	if _, err := store.BuildBaseline(ctx, models.CategoryResourceUsage, "cpu", cpuSamples, "percent"); err != nil {
		t.Fatalf("build cpu: %v", err)
	}
	if _, err := store.BuildBaseline(ctx, models.CategoryResourceUsage, "memory", cpuSamples, "percent"); err != nil {
		t.Fatalf("build memory: %v", err)
	}
	return NewDetector(store, utils.DiscardLogger(), clock, &utils.SequenceGenerator{}), store
}

func TestDetectAnomalyScenario(t *testing.T) {
	d, _ := newDetector(t)
	det, err := d.DetectAnomaly(context.Background(), models.CategoryResourceUsage, "cpu", 20, 0)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if det == nil {
		t.Fatalf("expected anomaly for value 20")
	}
	if det.Deviation < 7.9 || det.Deviation > 8.1 {
		t.Fatalf("expected z ~8, got %v", det.Deviation)
	}
	if det.Severity != 1 {
		t.Fatalf("expected capped severity 1, got %v", det.Severity)
	}
	// sample confidence 0.1, percentile confidence 0.9
	if math.Abs(det.Confidence-0.5) > 1e-9 {
		t.Fatalf("expected confidence 0.5, got %v", det.Confidence)
	}
	if det.Metadata["threshold"] != DefaultThreshold {
		t.Fatalf("expected default threshold in metadata, got %v", det.Metadata["threshold"])
	}
}

func TestDetectAnomalyInsideInterquartileRange(t *testing.T) {
	d, _ := newDetector(t)
	for v := 10.0; v <= 12.0; v += 0.25 {
		det, err := d.DetectAnomaly(context.Background(), models.CategoryResourceUsage, "cpu", v, 2.0)
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
		if det != nil {
			t.Fatalf("value %v inside [p25,p75] must not be anomalous", v)
		}
	}
}

func TestDetectAnomalyScoresBounded(t *testing.T) {
	d, _ := newDetector(t)
	for _, v := range []float64{0, 5, 8.5, 13.5, 15, 40, 1e9} {
		det, err := d.DetectAnomaly(context.Background(), models.CategoryResourceUsage, "cpu", v, 2.0)
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
		if det == nil {
			t.Fatalf("expected detection for %v", v)
		}
		if det.Severity < 0 || det.Severity > 1 || det.Confidence < 0 || det.Confidence > 1 {
			t.Fatalf("scores out of range for %v: %+v", v, det)
		}
	}
}

func TestDetectAnomalyWithoutBaselineIsSoft(t *testing.T) {
	d, _ := newDetector(t)
	det, err := d.DetectAnomaly(context.Background(), models.CategoryIntegration, "unknown", 99, 2)
	if err != nil || det != nil {
		t.Fatalf("expected no detection and no error, got %+v %v", det, err)
	}
}

func TestDetectAnomalyZeroVariance(t *testing.T) {
	d, store := newDetector(t)
	ctx := context.Background()
	if _, err := store.BuildBaseline(ctx, models.CategoryServiceHealth, "flat", []float64{5, 5, 5}, ""); err != nil {
		t.Fatalf("build: %v", err)
	}
	det, err := d.DetectAnomaly(ctx, models.CategoryServiceHealth, "flat", 5, 2)
	if err != nil || det != nil {
		t.Fatalf("exact match on flat baseline must not fire: %+v %v", det, err)
	}
	det, err = d.DetectAnomaly(ctx, models.CategoryServiceHealth, "flat", 4, 2)
	if err != nil || det == nil {
		t.Fatalf("mismatch on flat baseline must fire: %v", err)
	}
	if !math.IsInf(det.Deviation, -1) || det.Severity != 1 {
		t.Fatalf("expected -Inf deviation and severity 1, got %v %v", det.Deviation, det.Severity)
	}
}

func TestDetectAnomaliesCorrelationBoost(t *testing.T) {
	d, _ := newDetector(t)
	samples := []models.MetricSample{
		{Category: models.CategoryResourceUsage, Metric: "cpu", Value: 20},
		{Category: models.CategoryResourceUsage, Metric: "disk", Value: 20},
		{Category: models.CategoryResourceUsage, Metric: "memory", Value: 20},
	}
	dets, err := d.DetectAnomalies(context.Background(), samples, 2)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(dets) != 2 {
		t.Fatalf("expected 2 detections, got %d", len(dets))
	}
	if dets[0].Metric != "cpu" || dets[1].Metric != "memory" {
		t.Fatalf("expected input order, got %s, %s", dets[0].Metric, dets[1].Metric)
	}
	for _, det := range dets {
		if math.Abs(det.Confidence-0.6) > 1e-9 {
			t.Fatalf("expected confidence boosted by 0.1 to 0.6, got %v", det.Confidence)
		}
		if det.Metadata["correlatedAnomalies"] != 2 {
			t.Fatalf("expected correlatedAnomalies=2, got %v", det.Metadata["correlatedAnomalies"])
		}
		if math.Abs(det.Metadata["correlationBoost"].(float64)-0.1) > 1e-9 {
			t.Fatalf("unexpected boost %v", det.Metadata["correlationBoost"])
		}
	}
}

func TestDetectAnomaliesSingleIsNotBoosted(t *testing.T) {
	d, _ := newDetector(t)
	dets, err := d.DetectAnomalies(context.Background(), []models.MetricSample{
		{Category: models.CategoryResourceUsage, Metric: "cpu", Value: 20},
		{Category: models.CategoryResourceUsage, Metric: "memory", Value: 11},
	}, 2)
	if err != nil || len(dets) != 1 {
		t.Fatalf("expected single detection, got %d err=%v", len(dets), err)
	}
	if _, ok := dets[0].Metadata["correlatedAnomalies"]; ok {
		t.Fatalf("single detection must not be tagged as correlated")
	}
}

func TestDetectRateOfChange(t *testing.T) {
	d, _ := newDetector(t)
	ctx := context.Background()
	// stdDev ~1.136 -> expected ~0.019/s; 3x ~0.057/s
	det, err := d.DetectRateOfChange(ctx, models.CategoryResourceUsage, "cpu", 11, 10.5, time.Minute)
	if err != nil || det != nil {
		t.Fatalf("slow drift must not fire: %+v %v", det, err)
	}
	det, err = d.DetectRateOfChange(ctx, models.CategoryResourceUsage, "cpu", 30, 10, time.Minute)
	if err != nil || det == nil {
		t.Fatalf("fast climb must fire: %v", err)
	}
	if det.Confidence != 0.7 || det.Severity != 1 {
		t.Fatalf("unexpected scores %+v", det)
	}
	if det.Metadata["kind"] != "rate_of_change" {
		t.Fatalf("expected rate_of_change metadata")
	}
}

func TestMatchThreatPattern(t *testing.T) {
	d, _ := newDetector(t)
	if err := d.RegisterThreatPattern(models.ThreatPattern{
		ID:        "cpu-memory-leak",
		Name:      "memory leak",
		Signature: map[string]float64{"cpu": 90, "memory": 95},
		Severity:  0.8,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.RegisterThreatPattern(models.ThreatPattern{ID: "bad"}); err == nil {
		t.Fatalf("expected empty signature to be rejected")
	}

	hit := []models.AnomalyDetection{{Metric: "cpu", CurrentValue: 85}, {Metric: "memory", CurrentValue: 100}}
	if got := d.MatchThreatPattern(hit); len(got) != 1 || got[0].ID != "cpu-memory-leak" {
		t.Fatalf("expected match, got %+v", got)
	}
	outside := []models.AnomalyDetection{{Metric: "cpu", CurrentValue: 70}, {Metric: "memory", CurrentValue: 95}}
	if got := d.MatchThreatPattern(outside); len(got) != 0 {
		t.Fatalf("value outside tolerance must not match, got %+v", got)
	}
	partial := []models.AnomalyDetection{{Metric: "cpu", CurrentValue: 90}}
	if got := d.MatchThreatPattern(partial); len(got) != 0 {
		t.Fatalf("missing metric must not match, got %+v", got)
	}
}
