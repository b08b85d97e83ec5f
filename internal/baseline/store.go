package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/miradorstack/mirador-immune/internal/memory"
	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

// MaxSamples bounds the retained sample window per metric.
const MaxSamples = 1000

// ErrEmptySamples is returned when a baseline is built from no values.
var ErrEmptySamples = errors.New("baseline requires at least one sample")

// Store maintains the rolling "self" profile per (category, metric). Reads go
// through an in-process cache backed by the memory store; writes go to both.
type Store struct {
	store  memory.Store
	logger *slog.Logger
	clock  utils.Clock
	ids    utils.IDGenerator

	writeMu sync.Mutex
	mu      sync.RWMutex
	cache   map[string]models.BaselinePattern
	loads   singleflight.Group
}

// Option customises a Store.
type Option func(*Store)

// WithClock injects the time source.
func WithClock(c utils.Clock) Option { return func(s *Store) { s.clock = c } }

// WithIDs injects the identifier generator.
func WithIDs(g utils.IDGenerator) Option { return func(s *Store) { s.ids = g } }

// NewStore constructs a baseline store over the supplied memory store.
func NewStore(store memory.Store, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		store:  store,
		logger: logger,
		cache:  make(map[string]models.BaselinePattern),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = utils.ClockOrDefault(s.clock)
	s.ids = utils.IDsOrDefault(s.ids)
	return s
}

// Key returns the persistent key of a baseline.
func Key(category models.Category, metric string) string {
	return fmt.Sprintf("baseline:%s:%s", category, metric)
}

// BuildBaseline recomputes the baseline for (category, metric) from values.
// An existing baseline keeps its id and creation time and gets a new version.
func (s *Store) BuildBaseline(ctx context.Context, category models.Category, metric string, values []float64, unit string) (models.BaselinePattern, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.build(ctx, category, metric, values, unit)
}

// UpdateBaseline appends value to the sample window, keeps the newest
// MaxSamples, and fully recomputes statistics.
func (s *Store) UpdateBaseline(ctx context.Context, category models.Category, metric string, value float64) (models.BaselinePattern, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, ok, err := s.GetBaseline(ctx, category, metric)
	if err != nil {
		return models.BaselinePattern{}, err
	}
	var samples []float64
	unit := ""
	if ok {
		samples = make([]float64, 0, len(existing.Samples)+1)
		samples = append(samples, existing.Samples...)
		unit = existing.Unit
	}
	samples = append(samples, value)
	return s.build(ctx, category, metric, samples, unit)
}

func (s *Store) build(ctx context.Context, category models.Category, metric string, values []float64, unit string) (models.BaselinePattern, error) {
	if len(values) == 0 {
		return models.BaselinePattern{}, utils.NewAppError("baseline.Build", fmt.Sprintf("%s/%s", category, metric), ErrEmptySamples)
	}
	if len(values) > MaxSamples {
		values = values[len(values)-MaxSamples:]
	}
	window := append([]float64(nil), values...)

	now := s.clock.Now()
	pattern := models.BaselinePattern{
		Category:    category,
		Metric:      metric,
		Unit:        unit,
		Samples:     window,
		Stats:       ComputeStats(window),
		SampleCount: len(window),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	existing, ok, err := s.GetBaseline(ctx, category, metric)
	if err != nil {
		return models.BaselinePattern{}, err
	}
	if ok {
		pattern.ID = existing.ID
		pattern.CreatedAt = existing.CreatedAt
		pattern.Version = existing.Version + 1
		if pattern.Unit == "" {
			pattern.Unit = existing.Unit
		}
	} else {
		pattern.ID = s.ids.NewID("baseline")
	}

	key := Key(category, metric)
	meta := map[string]string{"category": string(category), "metric": metric}
	if _, err := s.store.Store(ctx, memory.NamespaceOps, key, pattern, meta); err != nil {
		return models.BaselinePattern{}, fmt.Errorf("persist baseline %s: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = pattern
	s.mu.Unlock()

	s.logger.Debug("baseline updated",
		slog.String("key", key),
		slog.Int("version", pattern.Version),
		slog.Int("samples", pattern.SampleCount),
	)
	return pattern, nil
}

// GetBaseline returns the baseline for (category, metric). A baseline that
// does not exist yet is reported through ok, not as an error.
func (s *Store) GetBaseline(ctx context.Context, category models.Category, metric string) (models.BaselinePattern, bool, error) {
	key := Key(category, metric)

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached, true, nil
	}

	v, err, _ := s.loads.Do(key, func() (any, error) {
		pattern, found, err := memory.RecallAs[models.BaselinePattern](ctx, s.store, memory.NamespaceOps, key)
		if err != nil || !found {
			return nil, err
		}
		s.mu.Lock()
		s.cache[key] = pattern
		s.mu.Unlock()
		return pattern, nil
	})
	if err != nil {
		return models.BaselinePattern{}, false, fmt.Errorf("load baseline %s: %w", key, err)
	}
	if v == nil {
		return models.BaselinePattern{}, false, nil
	}
	return v.(models.BaselinePattern), true, nil
}

// GetBaselinesByCategory lists every baseline in category, refreshing the cache.
func (s *Store) GetBaselinesByCategory(ctx context.Context, category models.Category) ([]models.BaselinePattern, error) {
	prefix := fmt.Sprintf("baseline:%s:", category)
	patterns, err := memory.ListAs[models.BaselinePattern](ctx, s.store, memory.NamespaceOps, prefix)
	if err != nil {
		return nil, fmt.Errorf("list baselines %s: %w", category, err)
	}
	s.mu.Lock()
	for _, p := range patterns {
		s.cache[Key(p.Category, p.Metric)] = p
	}
	s.mu.Unlock()
	return patterns, nil
}

// All lists baselines across every known category.
func (s *Store) All(ctx context.Context) ([]models.BaselinePattern, error) {
	var out []models.BaselinePattern
	for _, c := range models.Categories() {
		patterns, err := s.GetBaselinesByCategory(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, patterns...)
	}
	return out, nil
}

// ComputeStats derives summary statistics from the full window. Standard
// deviation uses the population variance.
func ComputeStats(values []float64) models.BaselineStats {
	n := len(values)
	if n == 0 {
		return models.BaselineStats{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	variance := 0.0
	for _, v := range values {
		variance += math.Pow(v-mean, 2)
	}
	variance /= float64(n)

	return models.BaselineStats{
		Mean:   mean,
		StdDev: math.Sqrt(variance),
		Min:    sorted[0],
		Max:    sorted[n-1],
		P25:    utils.Percentile(sorted, 25),
		P50:    utils.Percentile(sorted, 50),
		P75:    utils.Percentile(sorted, 75),
		P95:    utils.Percentile(sorted, 95),
	}
}
