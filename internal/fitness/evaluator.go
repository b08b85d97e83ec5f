package fitness

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/miradorstack/mirador-immune/internal/memory"
	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

const (
	// MaxHistory bounds the per-agent sample history.
	MaxHistory = 100
	// TrendWindow is the number of samples compared on each side of a trend check.
	TrendWindow = 10

	trendRatio = 1.5
)

// Defaults substituted for missing inputs.
const (
	DefaultUptime         = 0.95
	DefaultErrorRate      = 0.05
	DefaultRecoveryTimeMs = 30000.0
	DefaultCostUSD        = 10.0
	DefaultResponseMs     = 500.0
	DefaultDetectionMs    = 2000.0
	DefaultRemediationMs  = 60000.0
)

const systemFitnessKey = "system-fitness"

// Evaluator scores agents on reliability, cost and latency and keeps a
// bounded history per agent.
type Evaluator struct {
	store  memory.Store
	logger *slog.Logger
	clock  utils.Clock

	mu     sync.RWMutex
	agents map[string]models.AgentFitness
}

// NewEvaluator constructs an evaluator. store may be nil.
func NewEvaluator(store memory.Store, logger *slog.Logger, clock utils.Clock) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		store:  store,
		logger: logger,
		clock:  utils.ClockOrDefault(clock),
		agents: make(map[string]models.AgentFitness),
	}
}

// Load restores agent histories from the store.
func (e *Evaluator) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	list, err := memory.ListAs[models.AgentFitness](ctx, e.store, memory.NamespaceOps, "fitness:")
	if err != nil {
		return fmt.Errorf("load fitness: %w", err)
	}
	e.mu.Lock()
	for _, a := range list {
		e.agents[a.AgentID] = a
	}
	e.mu.Unlock()
	return nil
}

func valueOr(p *float64, def float64) float64 {
	if p == nil || math.IsNaN(*p) {
		return def
	}
	return *p
}

// Compute scores one set of inputs. Every sub-score is clamped into [0,1].
func Compute(in models.FitnessInputs) models.FitnessMetrics {
	uptime := utils.Clamp(valueOr(in.Uptime, DefaultUptime), 0, 1)
	errorRate := utils.Clamp(valueOr(in.ErrorRate, DefaultErrorRate), 0, 1)
	recovery := valueOr(in.RecoveryTimeMs, DefaultRecoveryTimeMs)
	cost := valueOr(in.CostUSD, DefaultCostUSD)
	response := valueOr(in.ResponseMs, DefaultResponseMs)
	detection := valueOr(in.DetectionMs, DefaultDetectionMs)
	remediation := valueOr(in.RemediationMs, DefaultRemediationMs)

	reliability := utils.Clamp(0.5*uptime+0.3*(1-errorRate)+0.2*math.Max(0, 1-recovery/60000), 0, 1)
	costScore := utils.Clamp(1-math.Min(1, cost/100), 0, 1)
	latency := utils.Clamp(
		0.4*math.Max(0, 1-response/5000)+
			0.3*math.Max(0, 1-detection/10000)+
			0.3*math.Max(0, 1-remediation/300000), 0, 1)

	return models.FitnessMetrics{
		Reliability: reliability,
		Cost:        costScore,
		Latency:     latency,
		Overall:     utils.Clamp(0.5*reliability+0.2*costScore+0.3*latency, 0, 1),
	}
}

// EvaluateAgentFitness scores the agent, appends to its history and persists
// it as fitness:{agentID}.
func (e *Evaluator) EvaluateAgentFitness(ctx context.Context, agentID, agentName string, in models.FitnessInputs) (models.AgentFitness, error) {
	if agentID == "" {
		return models.AgentFitness{}, utils.NewAppError("fitness.EvaluateAgentFitness", "agent id is required", nil)
	}
	now := e.clock.Now()
	m := Compute(in)
	m.Timestamp = now

	e.mu.Lock()
	a := e.agents[agentID]
	a.AgentID = agentID
	if agentName != "" {
		a.AgentName = agentName
	}
	a.Current = m
	a.Timestamp = now
	history := append(append([]models.FitnessMetrics(nil), a.History...), m)
	if len(history) > MaxHistory {
		history = history[len(history)-MaxHistory:]
	}
	a.History = history
	e.agents[agentID] = a
	e.mu.Unlock()

	if e.store != nil {
		if _, err := e.store.Store(ctx, memory.NamespaceOps, "fitness:"+agentID, a, map[string]string{"agent": agentID}); err != nil {
			return a, fmt.Errorf("persist fitness %s: %w", agentID, err)
		}
	}
	e.logger.Debug("agent fitness evaluated",
		slog.String("agent", agentID),
		slog.Float64("overall", m.Overall),
	)
	return a, nil
}

// AgentFitness returns the last evaluation of an agent.
func (e *Evaluator) AgentFitness(agentID string) (models.AgentFitness, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.agents[agentID]
	return a, ok
}

// Agents returns every tracked agent ordered by id.
func (e *Evaluator) Agents() []models.AgentFitness {
	e.mu.RLock()
	out := make([]models.AgentFitness, 0, len(e.agents))
	for _, a := range e.agents {
		out = append(out, a)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// EvaluateSystemFitness averages every agent's current score, classifies the
// trend and persists the result as system-fitness.
func (e *Evaluator) EvaluateSystemFitness(ctx context.Context) (models.SystemFitness, error) {
	agents := e.Agents()
	now := e.clock.Now()
	sys := models.SystemFitness{Agents: len(agents), Trend: models.TrendStable, Timestamp: now}
	if len(agents) > 0 {
		for _, a := range agents {
			sys.Overall.Reliability += a.Current.Reliability
			sys.Overall.Cost += a.Current.Cost
			sys.Overall.Latency += a.Current.Latency
			sys.Overall.Overall += a.Current.Overall
		}
		n := float64(len(agents))
		sys.Overall.Reliability /= n
		sys.Overall.Cost /= n
		sys.Overall.Latency /= n
		sys.Overall.Overall /= n
		sys.Trend = Trend(agents)
	}
	sys.Overall.Timestamp = now

	if e.store != nil {
		if _, err := e.store.Store(ctx, memory.NamespaceOps, systemFitnessKey, sys, nil); err != nil {
			return sys, fmt.Errorf("persist system fitness: %w", err)
		}
	}
	return sys, nil
}

// Trend compares the mean of each agent's latest TrendWindow samples with the
// window before it, per metric, and counts the moves in each direction. Agents
// with fewer than two full windows of history do not vote. The system is
// improving when improving moves exceed 1.5x the degrading ones,
// degrading in the mirror case, and stable otherwise.
func Trend(agents []models.AgentFitness) models.Trend {
	var up, down int
	for _, a := range agents {
		n := len(a.History)
		w := TrendWindow
		if n < 2*w {
			continue
		}
		recent := a.History[n-w:]
		previous := a.History[n-2*w : n-w]
		for _, pick := range metricPickers {
			delta := mean(recent, pick) - mean(previous, pick)
			switch {
			case delta > 1e-9:
				up++
			case delta < -1e-9:
				down++
			}
		}
	}
	switch {
	case up > 0 && float64(up) > trendRatio*float64(down):
		return models.TrendImproving
	case down > 0 && float64(down) > trendRatio*float64(up):
		return models.TrendDegrading
	default:
		return models.TrendStable
	}
}

var metricPickers = []func(models.FitnessMetrics) float64{
	func(m models.FitnessMetrics) float64 { return m.Reliability },
	func(m models.FitnessMetrics) float64 { return m.Cost },
	func(m models.FitnessMetrics) float64 { return m.Latency },
}

func mean(list []models.FitnessMetrics, pick func(models.FitnessMetrics) float64) float64 {
	if len(list) == 0 {
		return 0
	}
	var sum float64
	for _, m := range list {
		sum += pick(m)
	}
	return sum / float64(len(list))
}
