package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

var (
	// ErrResponseNotFound is returned for operations on an unknown response id.
	ErrResponseNotFound = errors.New("response not found")
	// ErrTerminalStage is returned when escalating a response already at Remediation.
	ErrTerminalStage = errors.New("response already at terminal stage")
)

const opsTarget = "ops-team"

// DetermineStage maps scores onto the escalation ladder. The conditions form
// an ordered cascade and must be evaluated in this order.
func DetermineStage(severity, confidence, blastRadius float64) models.Stage {
	switch {
	case severity < 0.3 && confidence < 0.5 && blastRadius < 0.2:
		return models.StageLocal
	case severity < 0.6 && confidence < 0.7 && blastRadius < 0.5:
		return models.StageContainment
	case severity < 0.8 && blastRadius < 0.8:
		return models.StageEscalation
	default:
		return models.StageRemediation
	}
}

type entry struct {
	mu   sync.Mutex
	resp models.StagedResponse
}

// StateMachine owns staged responses and walks them up the ladder.
type StateMachine struct {
	executor ActionExecutor
	logger   *slog.Logger
	clock    utils.Clock
	ids      utils.IDGenerator

	mu        sync.RWMutex
	responses map[string]*entry
}

// NewStateMachine constructs a state machine. A nil executor records actions
// as executed without side effects.
func NewStateMachine(executor ActionExecutor, logger *slog.Logger, clock utils.Clock, ids utils.IDGenerator) *StateMachine {
	if executor == nil {
		executor = ExecutorFunc(recordOnly)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{
		executor:  executor,
		logger:    logger,
		clock:     utils.ClockOrDefault(clock),
		ids:       utils.IDsOrDefault(ids),
		responses: make(map[string]*entry),
	}
}

// CreateResponse picks the stage for anomaly and stores a response holding
// that stage's actions. Nothing is executed yet.
func (m *StateMachine) CreateResponse(ctx context.Context, anomaly models.AnomalyDetection, blastRadius float64, affected []string) (models.StagedResponse, error) {
	if err := ctx.Err(); err != nil {
		return models.StagedResponse{}, err
	}
	stage := DetermineStage(anomaly.Severity, anomaly.Confidence, blastRadius)
	resp := models.StagedResponse{
		ID:               m.ids.NewID("response"),
		AnomalyID:        anomaly.ID,
		Metric:           anomaly.Metric,
		Stage:            stage,
		StageName:        stage.String(),
		Severity:         anomaly.Severity,
		Confidence:       anomaly.Confidence,
		BlastRadius:      blastRadius,
		AffectedServices: append([]string(nil), affected...),
		StartedAt:        m.clock.Now(),
	}
	resp.Actions = m.actionsFor(stage, anomaly.Metric, resp.Severity, resp.AffectedServices)

	m.mu.Lock()
	m.responses[resp.ID] = &entry{resp: resp}
	m.mu.Unlock()

	m.logger.Info("response created",
		slog.String("response_id", resp.ID),
		slog.String("anomaly_id", anomaly.ID),
		slog.String("stage", resp.StageName),
		slog.Int("actions", len(resp.Actions)),
	)
	return resp.Clone(), nil
}

func (m *StateMachine) actionsFor(stage models.Stage, metric string, severity float64, services []string) []models.Action {
	var actions []models.Action
	add := func(t models.ActionType, target, desc string) {
		actions = append(actions, models.Action{ID: m.ids.NewID("action"), Type: t, Target: target, Description: desc})
	}

	switch stage {
	case models.StageLocal:
		add(models.ActionLog, metric, fmt.Sprintf("Log anomaly on %s (severity %.2f)", metric, severity))
	case models.StageContainment:
		for _, svc := range services {
			add(models.ActionQuarantine, svc, fmt.Sprintf("Quarantine %s pending verification", svc))
		}
		add(models.ActionNotify, opsTarget, fmt.Sprintf("Containment started for anomaly on %s", metric))
	case models.StageEscalation:
		for _, svc := range services {
			add(models.ActionNotify, svc, fmt.Sprintf("Escalation notice for %s", svc))
		}
		add(models.ActionEscalate, "all-agents", fmt.Sprintf("Broadcast escalation for anomaly on %s", metric))
	default:
		for _, svc := range services {
			if severity > 0.8 {
				add(models.ActionRollback, svc, fmt.Sprintf("Roll back %s to last known good release", svc))
			} else {
				add(models.ActionRecover, svc, fmt.Sprintf("Attempt recovery of %s", svc))
			}
		}
		add(models.ActionNotify, opsTarget, fmt.Sprintf("CRITICAL: remediation in progress for anomaly on %s", metric))
	}
	return actions
}

// ExecuteResponse runs every not-yet-executed action in list order. Each
// outcome is recorded on its action and a failure never stops the rest. If any
// action failed below the terminal stage, EscalatedTo is set to the next stage;
// escalating is left to the caller.
func (m *StateMachine) ExecuteResponse(ctx context.Context, id string) (models.StagedResponse, error) {
	e, ok := m.lookup(id)
	if !ok {
		return models.StagedResponse{}, utils.NewAppError("response.Execute", id, ErrResponseNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	failed := 0
	for i := range e.resp.Actions {
		action := e.resp.Actions[i]
		if action.Executed {
			continue
		}
		result, err := m.executor.Execute(ctx, e.resp.Clone(), action)
		executedAt := m.clock.Now()
		action.Executed = true
		action.ExecutedAt = &executedAt
		action.Result = result
		if err != nil {
			action.Error = err.Error()
			failed++
			m.logger.Warn("response action failed",
				slog.String("response_id", id),
				slog.String("action_id", action.ID),
				slog.String("type", string(action.Type)),
				slog.String("target", action.Target),
				slog.Any("error", err),
			)
		}
		m.mu.Lock()
		e.resp.Actions[i] = action
		m.mu.Unlock()
	}

	completed := m.clock.Now()
	m.mu.Lock()
	e.resp.CompletedAt = &completed
	if failed > 0 && !e.resp.Stage.Terminal() {
		next := e.resp.Stage + 1
		e.resp.EscalatedTo = &next
	}
	out := e.resp.Clone()
	m.mu.Unlock()

	m.logger.Info("response executed",
		slog.String("response_id", id),
		slog.String("stage", out.StageName),
		slog.Int("failed", failed),
	)
	return out, nil
}

// EscalateResponse advances a response one stage and appends that stage's
// actions to the ones already recorded.
func (m *StateMachine) EscalateResponse(ctx context.Context, id string) (models.StagedResponse, error) {
	if err := ctx.Err(); err != nil {
		return models.StagedResponse{}, err
	}
	e, ok := m.lookup(id)
	if !ok {
		return models.StagedResponse{}, utils.NewAppError("response.Escalate", id, ErrResponseNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.resp.Stage.Terminal() {
		return models.StagedResponse{}, utils.NewAppError("response.Escalate", id, ErrTerminalStage)
	}

	next := e.resp.Stage + 1
	added := m.actionsFor(next, e.resp.Metric, e.resp.Severity, e.resp.AffectedServices)

	m.mu.Lock()
	e.resp.Stage = next
	e.resp.StageName = next.String()
	e.resp.Actions = append(e.resp.Actions, added...)
	e.resp.EscalatedTo = nil
	e.resp.CompletedAt = nil
	out := e.resp.Clone()
	m.mu.Unlock()

	m.logger.Info("response escalated",
		slog.String("response_id", id),
		slog.String("stage", out.StageName),
		slog.Int("added_actions", len(added)),
	)
	return out, nil
}

// Get returns a copy of a response.
func (m *StateMachine) Get(id string) (models.StagedResponse, bool) {
	e, ok := m.lookup(id)
	if !ok {
		return models.StagedResponse{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return e.resp.Clone(), true
}

// List returns copies of all responses ordered by start time.
func (m *StateMachine) List() []models.StagedResponse {
	m.mu.RLock()
	out := make([]models.StagedResponse, 0, len(m.responses))
	for _, e := range m.responses {
		out = append(out, e.resp.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *StateMachine) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.responses[id]
	return e, ok
}
