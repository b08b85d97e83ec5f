package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
)

var (
	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_immune",
			Name:      "anomalies_total",
			Help:      "Anomalies detected, partitioned by metric category.",
		},
		[]string{"category"},
	)

	responsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_immune",
			Name:      "responses_total",
			Help:      "Staged responses created, partitioned by stage.",
		},
		[]string{"stage"},
	)

	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_immune",
			Name:      "actions_total",
			Help:      "Response actions executed, partitioned by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	activeQuarantines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_immune",
			Name:      "active_quarantines",
			Help:      "Services currently quarantined.",
		},
	)

	livePheromones = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_immune",
			Name:      "live_pheromones",
			Help:      "Pheromones above the evaporation threshold.",
		},
	)

	pipelineDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mirador_immune",
			Name:      "pipeline_seconds",
			Help:      "Pipeline phase latency in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"phase", "outcome"},
	)
)

// Register attaches mirador-immune collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		anomaliesTotal,
		responsesTotal,
		actionsTotal,
		activeQuarantines,
		livePheromones,
		pipelineDurationSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveAnomaly counts one detection.
func ObserveAnomaly(category string) {
	anomaliesTotal.WithLabelValues(category).Inc()
}

// ObserveResponse counts one staged response.
func ObserveResponse(stage string) {
	responsesTotal.WithLabelValues(stage).Inc()
}

// ObserveAction counts one executed action.
func ObserveAction(actionType string, failed bool) {
	outcome := OutcomeSuccess
	if failed {
		outcome = OutcomeError
	}
	actionsTotal.WithLabelValues(actionType, outcome).Inc()
}

// SetActiveQuarantines publishes the active quarantine count.
func SetActiveQuarantines(n int) { activeQuarantines.Set(float64(n)) }

// SetLivePheromones publishes the live pheromone count.
func SetLivePheromones(n int) { livePheromones.Set(float64(n)) }

// ObservePhase records a pipeline phase duration and outcome label.
func ObservePhase(phase string, duration time.Duration, err error) {
	label := OutcomeSuccess
	if err != nil {
		label = OutcomeError
	}
	if duration < 0 {
		duration = 0
	}
	pipelineDurationSeconds.WithLabelValues(phase, label).Observe(duration.Seconds())
}
