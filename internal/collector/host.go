package collector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/miradorstack/mirador-immune/internal/engine"
	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

// Sampler reads one round of host metrics.
type Sampler interface {
	Sample(ctx context.Context) ([]models.MetricSample, error)
}

// Observer consumes samples. *engine.Pipeline implements it.
type Observer interface {
	Observe(ctx context.Context, service string, samples []models.MetricSample) ([]engine.HandleResult, error)
}

// GopsutilSampler reads cpu, memory, disk and load from the local host.
type GopsutilSampler struct {
	DiskPath string
	Clock    utils.Clock
}

// Sample implements Sampler. Individual probe failures are skipped as long as
// one metric is available.
func (g GopsutilSampler) Sample(ctx context.Context) ([]models.MetricSample, error) {
	now := utils.ClockOrDefault(g.Clock).Now()
	path := g.DiskPath
	if path == "" {
		path = "/"
	}
	var (
		out  []models.MetricSample
		errs []error
	)
	add := func(metric, unit string, v float64) {
		out = append(out, models.MetricSample{Category: models.CategoryResourceUsage, Metric: metric, Value: v, Unit: unit, Timestamp: now})
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	} else if len(pct) > 0 {
		add("cpu", "percent", pct[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		add("memory", "percent", vm.UsedPercent)
	}
	if du, err := disk.UsageWithContext(ctx, path); err != nil {
		errs = append(errs, fmt.Errorf("disk: %w", err))
	} else {
		add("disk", "percent", du.UsedPercent)
	}
	if avg, err := load.AvgWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("load: %w", err))
	} else {
		add("load1", "", avg.Load1)
	}

	if len(out) == 0 && len(errs) > 0 {
		return nil, errs[0]
	}
	return out, nil
}

// HostCollector feeds host samples into the observer for one service.
type HostCollector struct {
	sampler  Sampler
	observer Observer
	service  string
	logger   *slog.Logger
}

// NewHostCollector constructs a collector. A nil sampler reads the local host.
func NewHostCollector(sampler Sampler, observer Observer, service string, logger *slog.Logger) *HostCollector {
	if logger == nil {
		logger = slog.Default()
	}
	if sampler == nil {
		sampler = GopsutilSampler{}
	}
	if service == "" {
		service = "host"
	}
	return &HostCollector{sampler: sampler, observer: observer, service: service, logger: logger}
}

// Collect takes one sample round and hands it to the observer. It is
// scheduled as a periodic job.
func (c *HostCollector) Collect(ctx context.Context) error {
	samples, err := c.sampler.Sample(ctx)
	if err != nil {
		return fmt.Errorf("sample host: %w", err)
	}
	if len(samples) == 0 {
		return nil
	}
	results, err := c.observer.Observe(ctx, c.service, samples)
	if err != nil {
		return fmt.Errorf("observe host samples: %w", err)
	}
	if len(results) > 0 {
		c.logger.Info("host anomalies handled",
			slog.String("service", c.service),
			slog.Int("anomalies", len(results)),
		)
	}
	return nil
}

// Service is the location samples are attributed to.
func (c *HostCollector) Service() string { return c.service }
