package actions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/quarantine"
)

// Executor mirrors response.ActionExecutor.
type Executor interface {
	Execute(ctx context.Context, resp models.StagedResponse, action models.Action) (string, error)
}

// LogExecutor records actions in the log only.
type LogExecutor struct {
	Logger *slog.Logger
}

// Execute implements Executor.
func (l LogExecutor) Execute(_ context.Context, resp models.StagedResponse, action models.Action) (string, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("response action",
		slog.String("response", resp.ID),
		slog.String("stage", resp.Stage.String()),
		slog.String("type", string(action.Type)),
		slog.String("target", action.Target),
		slog.String("description", action.Description),
	)
	return "logged", nil
}

// Dispatcher routes quarantine actions to the quarantine manager and hands
// every other action to a fallback executor.
type Dispatcher struct {
	quarantine *quarantine.Manager
	fallback   Executor
	logger     *slog.Logger
}

// NewDispatcher builds a dispatcher. A nil fallback logs actions.
func NewDispatcher(q *quarantine.Manager, fallback Executor, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if fallback == nil {
		fallback = LogExecutor{Logger: logger}
	}
	return &Dispatcher{quarantine: q, fallback: fallback, logger: logger}
}

// Execute implements Executor.
func (d *Dispatcher) Execute(ctx context.Context, resp models.StagedResponse, action models.Action) (string, error) {
	if action.Type == models.ActionQuarantine && d.quarantine != nil {
		rec, err := d.quarantine.Quarantine(ctx, action.Target, action.Description, resp.AnomalyID, 0)
		if err != nil {
			return "", fmt.Errorf("quarantine %s: %w", action.Target, err)
		}
		return fmt.Sprintf("quarantine %s %s", rec.ID, rec.Status), nil
	}
	return d.fallback.Execute(ctx, resp, action)
}

// Fanout runs every executor in order and fails on the first error.
type Fanout []Executor

// Execute implements Executor.
func (f Fanout) Execute(ctx context.Context, resp models.StagedResponse, action models.Action) (string, error) {
	var last string
	for _, e := range f {
		out, err := e.Execute(ctx, resp, action)
		if err != nil {
			return last, err
		}
		last = out
	}
	return last, nil
}
