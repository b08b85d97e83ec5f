package threat

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/miradorstack/mirador-immune/internal/detection"
	"github.com/miradorstack/mirador-immune/internal/models"
)

const (
	// MinSimilarity is the lowest similarity accepted as a recognised threat.
	MinSimilarity = 0.7
	// PatternMatchScore is the fraction of signature metrics that must agree.
	PatternMatchScore = 0.8

	noHistoryRate  = 0.5
	maxDeviation   = 10.0
	matchTolerance = 0.1
)

// Recognizer matches live anomalies against remembered threats.
type Recognizer struct {
	memory *Memory
	logger *slog.Logger
}

// NewRecognizer constructs a recognizer over memory.
func NewRecognizer(memory *Memory, logger *slog.Logger) *Recognizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recognizer{memory: memory, logger: logger}
}

// Features returns the named features describing an anomaly: its severity,
// confidence and absolute deviation plus every named metric. Deviation is
// capped so zero-variance baselines stay finite.
func Features(anomaly models.AnomalyDetection, metrics map[string]float64) map[string]float64 {
	dev := math.Abs(anomaly.Deviation)
	if math.IsNaN(dev) || dev > maxDeviation {
		dev = maxDeviation
	}
	features := map[string]float64{
		"severity":   anomaly.Severity,
		"confidence": anomaly.Confidence,
		"deviation":  dev,
	}
	if anomaly.Metric != "" {
		features[anomaly.Metric] = anomaly.CurrentValue
	}
	for k, v := range metrics {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		features[k] = v
	}
	return features
}

// RecognizeThreat finds the remembered threat most similar to anomaly. It
// returns nil when nothing reaches MinSimilarity.
func (r *Recognizer) RecognizeThreat(ctx context.Context, anomaly models.AnomalyDetection, metrics map[string]float64) (*models.ThreatMatch, error) {
	query, err := r.memory.Embedder().Embed(ctx, Features(anomaly, metrics))
	if err != nil {
		return nil, fmt.Errorf("embed anomaly: %w", err)
	}
	similar, err := r.memory.SearchSimilarThreats(ctx, query, 1)
	if err != nil {
		return nil, err
	}
	if len(similar) == 0 || similar[0].Similarity < MinSimilarity {
		return nil, nil
	}
	best := similar[0]

	eff, err := r.memory.GetResponseEffectiveness(ctx, best.Threat.ID)
	if err != nil {
		return nil, err
	}
	match := &models.ThreatMatch{Threat: best.Threat, Similarity: best.Similarity}
	rate := noHistoryRate
	if eff.TotalResponses > 0 {
		rate = eff.SuccessRate
		successRate := eff.SuccessRate
		match.SuccessRate = &successRate
	}
	match.Confidence = 0.6*best.Similarity + 0.4*rate

	if eff.BestResponseStage != nil {
		stage := *eff.BestResponseStage
		match.SuggestedStage = &stage
		actions, err := r.memory.LatestSuccessfulActions(ctx, best.Threat.ID, stage)
		if err != nil {
			return nil, err
		}
		match.SuggestedActions = actions
	}

	r.logger.Info("threat recognised",
		slog.String("anomaly_id", anomaly.ID),
		slog.String("threat_id", best.Threat.ID),
		slog.Float64("similarity", best.Similarity),
		slog.Float64("confidence", match.Confidence),
	)
	return match, nil
}

// MatchPattern scores the fraction of sig's metrics whose current value is
// within 10% of the remembered one. A score above PatternMatchScore matches.
func (r *Recognizer) MatchPattern(current map[string]float64, sig models.ThreatSignature) (float64, bool) {
	if len(sig.Metrics) == 0 {
		return 0, false
	}
	agree := 0
	for metric, expected := range sig.Metrics {
		if v, ok := current[metric]; ok && detection.WithinTolerance(v, expected, matchTolerance) {
			agree++
		}
	}
	score := float64(agree) / float64(len(sig.Metrics))
	return score, score > PatternMatchScore
}
