package collector

import (
	"context"
	"errors"
	"testing"

	"github.com/miradorstack/mirador-immune/internal/engine"
	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

type staticSampler struct {
	samples []models.MetricSample
	err     error
}

func (s staticSampler) Sample(context.Context) ([]models.MetricSample, error) {
	return s.samples, s.err
}

type recordingObserver struct {
	service string
	samples []models.MetricSample
	err     error
}

func (r *recordingObserver) Observe(_ context.Context, service string, samples []models.MetricSample) ([]engine.HandleResult, error) {
	r.service = service
	r.samples = samples
	return nil, r.err
}

func TestCollectForwardsSamples(t *testing.T) {
	obs := &recordingObserver{}
	samples := []models.MetricSample{{Category: models.CategoryResourceUsage, Metric: "cpu", Value: 42}}
	c := NewHostCollector(staticSampler{samples: samples}, obs, "", utils.DiscardLogger())
	if err := c.Collect(context.Background()); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if obs.service != "host" || len(obs.samples) != 1 || obs.samples[0].Value != 42 {
		t.Fatalf("unexpected observation %+v", obs)
	}
}

func TestCollectSurfacesErrors(t *testing.T) {
	obs := &recordingObserver{}
	c := NewHostCollector(staticSampler{err: errors.New("no /proc")}, obs, "node-1", utils.DiscardLogger())
	if err := c.Collect(context.Background()); err == nil {
		t.Fatalf("expected sampler error")
	}

	obs.err = errors.New("store down")
	c = NewHostCollector(staticSampler{samples: []models.MetricSample{{Metric: "cpu"}}}, obs, "node-1", utils.DiscardLogger())
	if err := c.Collect(context.Background()); err == nil {
		t.Fatalf("expected observer error")
	}
}

func TestGopsutilSamplerReadsHost(t *testing.T) {
	samples, err := GopsutilSampler{}.Sample(context.Background())
	if err != nil {
		t.Skipf("host metrics unavailable: %v", err)
	}
	for _, s := range samples {
		if s.Category != models.CategoryResourceUsage || s.Metric == "" {
			t.Fatalf("malformed sample %+v", s)
		}
	}
}
