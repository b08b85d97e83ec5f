package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Job is one periodic maintenance task.
type Job func(ctx context.Context) error

// Scheduler runs the engine's background loops (pheromone decay,
// quarantine auto-release, clonal selection, host sampling) on cron.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
	timeout time.Duration
}

// New constructs a scheduler with second precision. Overlapping runs of the
// same job are skipped and panics are recovered.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		tracer:  otel.Tracer("github.com/miradorstack/mirador-immune/internal/scheduler"),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
		timeout: time.Minute,
	}
}

// Every registers job to run at a fixed interval. Intervals under a second
// are rounded up to one second.
func (s *Scheduler) Every(name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	return s.Add(name, "@every "+interval.String(), job)
}

// Add registers job under a cron expression with seconds.
func (s *Scheduler) Add(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("job %s already scheduled", name)
	}
	id, err := s.cron.AddFunc(spec, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("add cron schedule %s: %w", name, err)
	}
	s.entries[name] = id
	s.logger.Info("cron schedule added", slog.String("job", name), slog.String("spec", spec))
	return nil
}

func (s *Scheduler) run(name string, job Job) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "scheduler.run", trace.WithAttributes(attribute.String("job", name)))
	defer span.End()

	started := time.Now()
	if err := job(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("scheduled job failed", slog.String("job", name), slog.Any("error", err))
		return
	}
	s.logger.Debug("scheduled job completed", slog.String("job", name), slog.Duration("elapsed", time.Since(started)))
}

// Jobs lists the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	return out
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop cancels running jobs and waits for them to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timeout")
		return ctx.Err()
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}
