package response

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

// MaxRouteHistory bounds the rolling outcome log.
const MaxRouteHistory = 1000

// Router decides which stage an anomaly deserves and keeps the outcome log
// used for historical success lookups.
type Router struct {
	logger *slog.Logger
	clock  utils.Clock

	mu      sync.RWMutex
	history []models.RouteOutcome
}

// NewRouter constructs a router with an empty history.
func NewRouter(logger *slog.Logger, clock utils.Clock) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger, clock: utils.ClockOrDefault(clock)}
}

// BlastRadius scores spread from the number of affected services and of
// additional correlated metrics, capped at 1.
func BlastRadius(affectedServices, additionalMetrics int) float64 {
	r := math.Min(1, float64(affectedServices)/10) + math.Min(0.3, float64(additionalMetrics)*0.1)
	return math.Min(1, r)
}

// RouteAnomaly scores an anomaly and explains the chosen stage. The stage is
// decided by the ladder thresholds alone; history only informs the reasoning.
func (r *Router) RouteAnomaly(anomaly models.AnomalyDetection, affectedServices []string, additionalMetrics int) models.RouteDecision {
	blast := BlastRadius(len(affectedServices), additionalMetrics)
	stage := DetermineStage(anomaly.Severity, anomaly.Confidence, blast)
	rate := r.HistoricalSuccessRate(anomaly.Metric)

	decision := models.RouteDecision{
		AnomalyID:             anomaly.ID,
		Metric:                anomaly.Metric,
		Stage:                 stage,
		Severity:              anomaly.Severity,
		Confidence:            anomaly.Confidence,
		BlastRadius:           blast,
		HistoricalSuccessRate: rate,
	}
	decision.Reasoning = reasoning(decision)

	r.logger.Debug("anomaly routed",
		slog.String("anomaly_id", anomaly.ID),
		slog.String("metric", anomaly.Metric),
		slog.String("stage", stage.String()),
		slog.Float64("blast_radius", blast),
	)
	return decision
}

// HistoricalSuccessRate is the success fraction of past outcomes whose pattern
// and metric contain one another. It is nil when no such outcome exists.
func (r *Router) HistoricalSuccessRate(metric string) *float64 {
	if metric == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	matched, succeeded := 0, 0
	for _, o := range r.history {
		if !strings.Contains(o.Pattern, metric) && !strings.Contains(metric, o.Pattern) {
			continue
		}
		matched++
		if o.Success {
			succeeded++
		}
	}
	if matched == 0 {
		return nil
	}
	rate := float64(succeeded) / float64(matched)
	return &rate
}

// RecordOutcome appends an outcome, dropping the oldest beyond MaxRouteHistory.
func (r *Router) RecordOutcome(pattern string, stage models.Stage, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, models.RouteOutcome{
		Pattern:   pattern,
		Stage:     stage,
		Success:   success,
		Timestamp: r.clock.Now(),
	})
	if over := len(r.history) - MaxRouteHistory; over > 0 {
		r.history = append([]models.RouteOutcome(nil), r.history[over:]...)
	}
}

// History returns a copy of the outcome log, oldest first.
func (r *Router) History() []models.RouteOutcome {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.RouteOutcome(nil), r.history...)
}

func reasoning(d models.RouteDecision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s severity (%.2f), %s confidence (%.2f), %s blast radius (%.2f)",
		scoreBucket(d.Severity), d.Severity,
		scoreBucket(d.Confidence), d.Confidence,
		blastBucket(d.BlastRadius), d.BlastRadius,
	)
	if d.HistoricalSuccessRate != nil {
		fmt.Fprintf(&b, "; historical success %.0f%%", *d.HistoricalSuccessRate*100)
	} else {
		b.WriteString("; no history for this pattern")
	}
	fmt.Fprintf(&b, "; routed to stage %d (%s)", d.Stage, d.Stage)
	return b.String()
}

func scoreBucket(v float64) string {
	switch {
	case v < 0.3:
		return "low"
	case v < 0.6:
		return "moderate"
	case v < 0.8:
		return "high"
	default:
		return "critical"
	}
}

func blastBucket(v float64) string {
	switch {
	case v < 0.2:
		return "contained"
	case v < 0.5:
		return "limited"
	case v < 0.8:
		return "wide"
	default:
		return "systemic"
	}
}
