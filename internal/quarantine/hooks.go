package quarantine

import (
	"context"
	"log/slog"

	"github.com/miradorstack/mirador-immune/internal/models"
)

// TrafficController performs the isolation side effects of a quarantine.
type TrafficController interface {
	RouteAway(ctx context.Context, service string) error
	IsolateStaging(ctx context.Context, service string) error
	Restore(ctx context.Context, service string) error
}

// LoggingTrafficController only logs what it would do.
type LoggingTrafficController struct {
	Logger *slog.Logger
}

func (c LoggingTrafficController) log() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// RouteAway implements TrafficController.
func (c LoggingTrafficController) RouteAway(_ context.Context, service string) error {
	c.log().Info("routing traffic away", slog.String("service", service))
	return nil
}

// IsolateStaging implements TrafficController.
func (c LoggingTrafficController) IsolateStaging(_ context.Context, service string) error {
	c.log().Info("isolating in staging", slog.String("service", service))
	return nil
}

// Restore implements TrafficController.
func (c LoggingTrafficController) Restore(_ context.Context, service string) error {
	c.log().Info("restoring traffic", slog.String("service", service))
	return nil
}

// Verifier decides whether a quarantined service is healthy enough to be
// released automatically.
type Verifier interface {
	Verify(ctx context.Context, rec models.QuarantineRecord) (bool, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, rec models.QuarantineRecord) (bool, error)

// Verify implements Verifier.
func (f VerifierFunc) Verify(ctx context.Context, rec models.QuarantineRecord) (bool, error) {
	return f(ctx, rec)
}

// AssumeHealthy releases every quarantine whose period has elapsed.
var AssumeHealthy = VerifierFunc(func(context.Context, models.QuarantineRecord) (bool, error) {
	return true, nil
})
