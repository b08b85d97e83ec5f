package detection

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

const (
	// DefaultThreshold is the z-score at which a value is considered non-self.
	DefaultThreshold = 2.0

	rateConfidence     = 0.7
	rateMultiplier     = 3.0
	patternTolerance   = 0.1
	maxParallelLookups = 8
)

// BaselineSource is the read side of the baseline store.
type BaselineSource interface {
	GetBaseline(ctx context.Context, category models.Category, metric string) (models.BaselinePattern, bool, error)
}

// Detector scores live values against the learned baselines.
type Detector struct {
	baselines BaselineSource
	logger    *slog.Logger
	clock     utils.Clock
	ids       utils.IDGenerator

	mu       sync.RWMutex
	patterns map[string]models.ThreatPattern
}

// NewDetector constructs an anomaly detector.
func NewDetector(baselines BaselineSource, logger *slog.Logger, clock utils.Clock, ids utils.IDGenerator) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		baselines: baselines,
		logger:    logger,
		clock:     utils.ClockOrDefault(clock),
		ids:       utils.IDsOrDefault(ids),
		patterns:  make(map[string]models.ThreatPattern),
	}
}

// ZScore returns the signed deviation of value from mean. Zero variance
// yields 0 on an exact match and an infinite deviation otherwise.
func ZScore(value, mean, stdDev float64) float64 {
	if stdDev == 0 {
		switch {
		case value == mean:
			return 0
		case value > mean:
			return math.Inf(1)
		default:
			return math.Inf(-1)
		}
	}
	return (value - mean) / stdDev
}

// DetectAnomaly compares value with the baseline of (category, metric). It
// returns nil when no baseline exists yet or the deviation is under threshold.
func (d *Detector) DetectAnomaly(ctx context.Context, category models.Category, metric string, value, threshold float64) (*models.AnomalyDetection, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	b, ok, err := d.baselines.GetBaseline(ctx, category, metric)
	if err != nil {
		return nil, fmt.Errorf("detect %s/%s: %w", category, metric, err)
	}
	if !ok {
		return nil, nil
	}

	z := ZScore(value, b.Stats.Mean, b.Stats.StdDev)
	if math.Abs(z) < threshold {
		return nil, nil
	}

	sampleConfidence := math.Min(1, float64(b.SampleCount)/100)
	percentileConfidence := 0.5
	if value < b.Stats.P25 || value > b.Stats.P95 {
		percentileConfidence = 0.9
	}

	return &models.AnomalyDetection{
		ID:           d.ids.NewID("anomaly"),
		Metric:       metric,
		Category:     category,
		CurrentValue: value,
		BaselineMean: b.Stats.Mean,
		Deviation:    z,
		Severity:     math.Min(1, math.Abs(z)/4),
		Confidence:   (sampleConfidence + percentileConfidence) / 2,
		Timestamp:    d.clock.Now(),
		Metadata: map[string]any{
			"threshold":       threshold,
			"baselineVersion": b.Version,
			"sampleCount":     b.SampleCount,
		},
	}, nil
}

// DetectAnomalies checks every sample and, when two or more fire together,
// raises each detection's confidence as correlated evidence. Results keep the
// order of the input samples.
func (d *Detector) DetectAnomalies(ctx context.Context, samples []models.MetricSample, threshold float64) ([]models.AnomalyDetection, error) {
	found := make([]*models.AnomalyDetection, len(samples))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelLookups)
	for i, sample := range samples {
		i, sample := i, sample
		g.Go(func() error {
			det, err := d.DetectAnomaly(gctx, sample.Category, sample.Metric, sample.Value, threshold)
			if err != nil {
				return err
			}
			found[i] = det
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	detections := make([]models.AnomalyDetection, 0, len(samples))
	for _, det := range found {
		if det != nil {
			detections = append(detections, *det)
		}
	}

	if n := len(detections); n >= 2 {
		boost := math.Min(0.2, float64(n)*0.05)
		for i := range detections {
			detections[i].Confidence = math.Min(1, detections[i].Confidence+boost)
			detections[i].Metadata["correlatedAnomalies"] = n
			detections[i].Metadata["correlationBoost"] = boost
		}
		d.logger.Info("correlated anomalies detected",
			slog.Int("count", n),
			slog.Float64("boost", boost),
		)
	}
	return detections, nil
}

// DetectRateOfChange flags a metric moving faster than its baseline spread
// allows, assuming roughly one sample per minute.
func (d *Detector) DetectRateOfChange(ctx context.Context, category models.Category, metric string, current, previous float64, elapsed time.Duration) (*models.AnomalyDetection, error) {
	if elapsed <= 0 {
		return nil, nil
	}
	b, ok, err := d.baselines.GetBaseline(ctx, category, metric)
	if err != nil {
		return nil, fmt.Errorf("rate of change %s/%s: %w", category, metric, err)
	}
	if !ok {
		return nil, nil
	}

	delta := current - previous
	rate := math.Abs(delta) / elapsed.Seconds()
	expected := b.Stats.StdDev / 60
	if rate <= rateMultiplier*expected {
		return nil, nil
	}

	rateZ := math.Inf(1)
	if expected > 0 {
		rateZ = rate / expected
	}
	deviation := rateZ
	if delta < 0 {
		deviation = -rateZ
	}

	return &models.AnomalyDetection{
		ID:           d.ids.NewID("anomaly"),
		Metric:       metric,
		Category:     category,
		CurrentValue: current,
		BaselineMean: b.Stats.Mean,
		Deviation:    deviation,
		Severity:     math.Min(1, rateZ/6),
		Confidence:   rateConfidence,
		Timestamp:    d.clock.Now(),
		Metadata: map[string]any{
			"kind":          "rate_of_change",
			"rate":          rate,
			"expectedRate":  expected,
			"previousValue": previous,
			"elapsedSec":    elapsed.Seconds(),
		},
	}, nil
}

// RegisterThreatPattern adds or replaces a named metric signature.
func (d *Detector) RegisterThreatPattern(p models.ThreatPattern) error {
	if p.ID == "" {
		return utils.NewAppError("detection.RegisterThreatPattern", "pattern id is required", nil)
	}
	if len(p.Signature) == 0 {
		return utils.NewAppError("detection.RegisterThreatPattern", "pattern signature is empty", nil)
	}
	sig := make(map[string]float64, len(p.Signature))
	for k, v := range p.Signature {
		sig[k] = v
	}
	p.Signature = sig

	d.mu.Lock()
	d.patterns[p.ID] = p
	d.mu.Unlock()
	return nil
}

// MatchThreatPattern returns every registered pattern whose full signature is
// present among detections with each value within 10% of its expected value.
// Matches are ordered by severity, highest first.
func (d *Detector) MatchThreatPattern(detections []models.AnomalyDetection) []models.ThreatPattern {
	current := make(map[string]float64, len(detections))
	for _, det := range detections {
		current[det.Metric] = det.CurrentValue
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	var matches []models.ThreatPattern
	for _, p := range d.patterns {
		if signatureMatches(p.Signature, current) {
			matches = append(matches, p)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Severity != matches[j].Severity {
			return matches[i].Severity > matches[j].Severity
		}
		return matches[i].ID < matches[j].ID
	})
	return matches
}

func signatureMatches(signature, current map[string]float64) bool {
	for metric, expected := range signature {
		value, ok := current[metric]
		if !ok || !WithinTolerance(value, expected, patternTolerance) {
			return false
		}
	}
	return true
}

// WithinTolerance reports whether value lies within tol (a fraction) of expected.
func WithinTolerance(value, expected, tol float64) bool {
	return math.Abs(value-expected) <= math.Abs(expected)*tol
}
