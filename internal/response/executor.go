package response

import (
	"context"

	"github.com/miradorstack/mirador-immune/internal/models"
)

// ActionExecutor carries out one action of a staged response. The returned
// string is recorded as the action result.
type ActionExecutor interface {
	Execute(ctx context.Context, resp models.StagedResponse, action models.Action) (string, error)
}

// ExecutorFunc adapts a function to ActionExecutor.
type ExecutorFunc func(ctx context.Context, resp models.StagedResponse, action models.Action) (string, error)

// Execute implements ActionExecutor.
func (f ExecutorFunc) Execute(ctx context.Context, resp models.StagedResponse, action models.Action) (string, error) {
	return f(ctx, resp, action)
}

func recordOnly(context.Context, models.StagedResponse, models.Action) (string, error) {
	return "recorded", nil
}
