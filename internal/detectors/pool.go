package detectors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/miradorstack/mirador-immune/internal/memory"
	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

const (
	// MaxPoolSize is the detector population ceiling; exceeding it triggers evolution.
	MaxPoolSize = 1000

	cullBelow        = 0.3
	breedAbove       = 0.7
	breedTop         = 10
	mutationSpan     = 0.1
	initialFitness   = 0.5
	cloneInheritance = 0.9
	minSigma         = 2.0
	maxSigma         = 4.0
)

// ErrDetectorNotFound is returned when an operation names an unknown detector.
var ErrDetectorNotFound = errors.New("detector not found")

// SelfSource lists the known-normal baselines detectors must never match.
type SelfSource interface {
	All(ctx context.Context) ([]models.BaselinePattern, error)
}

// Pool generates and evolves detectors by negative selection.
type Pool struct {
	self   SelfSource
	store  memory.Store
	logger *slog.Logger
	clock  utils.Clock
	ids    utils.IDGenerator
	rng    *utils.Rand

	mu        sync.RWMutex
	detectors map[string]models.Detector
}

// Option customises a Pool.
type Option func(*Pool)

// WithClock injects the time source.
func WithClock(c utils.Clock) Option { return func(p *Pool) { p.clock = c } }

// WithIDs injects the identifier generator.
func WithIDs(g utils.IDGenerator) Option { return func(p *Pool) { p.ids = g } }

// WithRand injects the random source.
func WithRand(r *utils.Rand) Option { return func(p *Pool) { p.rng = r } }

// NewPool constructs an empty detector pool. store may be nil, in which case
// detectors live only in memory.
func NewPool(self SelfSource, store memory.Store, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		self:      self,
		store:     store,
		logger:    logger,
		detectors: make(map[string]models.Detector),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.clock = utils.ClockOrDefault(p.clock)
	p.ids = utils.IDsOrDefault(p.ids)
	p.rng = utils.RandOrDefault(p.rng)
	return p
}

// Load restores persisted detectors.
func (p *Pool) Load(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	list, err := memory.ListAs[models.Detector](ctx, p.store, memory.NamespaceOps, "detector:")
	if err != nil {
		return fmt.Errorf("load detectors: %w", err)
	}
	p.mu.Lock()
	for _, d := range list {
		p.detectors[d.ID] = d
	}
	p.mu.Unlock()
	return nil
}

// GenerateDetectors synthesises up to count detectors for the given categories.
// A candidate is kept only if none of its ranges overlaps the interquartile
// range of a baseline for the same metric. At most 10*count candidates are tried.
func (p *Pool) GenerateDetectors(ctx context.Context, count int, categories []models.Category) ([]models.Detector, error) {
	if count <= 0 {
		return nil, nil
	}
	self, err := p.self.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load self baselines: %w", err)
	}
	byCategory := make(map[models.Category][]models.BaselinePattern)
	for _, b := range self {
		byCategory[b.Category] = append(byCategory[b.Category], b)
	}
	if len(categories) == 0 {
		categories = models.Categories()
	}

	created := make([]models.Detector, 0, count)
	maxAttempts := 10 * count
	for attempts := 0; len(created) < count && attempts < maxAttempts; attempts++ {
		ranges := make(map[string]models.Range)
		for _, c := range categories {
			candidates := byCategory[c]
			if len(candidates) == 0 {
				continue
			}
			b := candidates[p.rng.Intn(len(candidates))]
			ranges[b.Metric] = p.nonSelfRange(b)
		}
		if len(ranges) == 0 {
			break
		}
		if matchesSelf(ranges, self) {
			continue
		}
		now := p.clock.Now()
		created = append(created, models.Detector{
			ID:         p.ids.NewID("detector"),
			Ranges:     ranges,
			Generation: 1,
			Fitness:    initialFitness,
			CreatedAt:  now,
			LastUsed:   now,
		})
	}

	if err := p.admit(ctx, created); err != nil {
		return nil, err
	}
	p.logger.Info("detectors generated",
		slog.Int("requested", count),
		slog.Int("created", len(created)),
	)

	if p.Len() > MaxPoolSize {
		if _, err := p.Evolve(ctx); err != nil {
			return created, err
		}
	}
	return created, nil
}

func (p *Pool) nonSelfRange(b models.BaselinePattern) models.Range {
	sigma := b.Stats.StdDev
	a := p.rng.Between(minSigma, maxSigma)
	c := p.rng.Between(minSigma, maxSigma)
	if a > c {
		a, c = c, a
	}
	if p.rng.Sign() > 0 {
		return models.Range{Min: b.Stats.Mean + a*sigma, Max: b.Stats.Mean + c*sigma}
	}
	return models.Range{Min: b.Stats.Mean - c*sigma, Max: b.Stats.Mean - a*sigma}
}

// matchesSelf reports whether any range overlaps the [p25,p75] interval of a
// baseline sharing its metric name, in any category.
func matchesSelf(ranges map[string]models.Range, self []models.BaselinePattern) bool {
	for _, b := range self {
		r, ok := ranges[b.Metric]
		if !ok {
			continue
		}
		if r.Overlaps(models.Range{Min: b.Stats.P25, Max: b.Stats.P75}) {
			return true
		}
	}
	return false
}

// EvolveReport lists what an evolution pass changed.
type EvolveReport struct {
	Removed []string
	Cloned  []string
}

// Evolve culls weak non-founder detectors and clones the strongest ones with
// mutated bounds. Clones that would match self are discarded.
func (p *Pool) Evolve(ctx context.Context) (EvolveReport, error) {
	self, err := p.self.All(ctx)
	if err != nil {
		return EvolveReport{}, fmt.Errorf("load self baselines: %w", err)
	}

	var report EvolveReport
	p.mu.Lock()
	for id, d := range p.detectors {
		if d.Fitness < cullBelow && d.Generation > 1 {
			delete(p.detectors, id)
			report.Removed = append(report.Removed, id)
		}
	}
	ranked := make([]models.Detector, 0, len(p.detectors))
	for _, d := range p.detectors {
		if d.Fitness > breedAbove {
			ranked = append(ranked, d)
		}
	}
	size := len(p.detectors)
	p.mu.Unlock()

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Fitness != ranked[j].Fitness {
			return ranked[i].Fitness > ranked[j].Fitness
		}
		return ranked[i].ID < ranked[j].ID
	})
	if len(ranked) > breedTop {
		ranked = ranked[:breedTop]
	}

	clones := make([]models.Detector, 0, len(ranked))
	for _, parent := range ranked {
		if size+len(clones) >= MaxPoolSize {
			break
		}
		clone := p.mutate(parent)
		if matchesSelf(clone.Ranges, self) {
			continue
		}
		clones = append(clones, clone)
		report.Cloned = append(report.Cloned, clone.ID)
	}
	if err := p.admit(ctx, clones); err != nil {
		return report, err
	}

	sort.Strings(report.Removed)
	p.logger.Info("detector pool evolved",
		slog.Int("removed", len(report.Removed)),
		slog.Int("cloned", len(report.Cloned)),
		slog.Int("size", p.Len()),
	)
	return report, nil
}

func (p *Pool) mutate(parent models.Detector) models.Detector {
	now := p.clock.Now()
	ranges := make(map[string]models.Range, len(parent.Ranges))
	for metric, r := range parent.Ranges {
		width := r.Max - r.Min
		lo := r.Min + p.rng.Between(-mutationSpan, mutationSpan)*width
		hi := r.Max + p.rng.Between(-mutationSpan, mutationSpan)*width
		if lo > hi {
			lo, hi = hi, lo
		}
		ranges[metric] = models.Range{Min: lo, Max: hi}
	}
	return models.Detector{
		ID:         p.ids.NewID("detector"),
		Ranges:     ranges,
		Generation: parent.Generation + 1,
		Fitness:    parent.Fitness * cloneInheritance,
		CreatedAt:  now,
		LastUsed:   now,
	}
}

// UpdateFitness records one classification outcome and recomputes fitness as
// (TP+TN)/(TP+TN+FP+FN).
func (p *Pool) UpdateFitness(ctx context.Context, id string, predictedAnomaly, actualAnomaly bool) (models.Detector, error) {
	p.mu.Lock()
	d, ok := p.detectors[id]
	if !ok {
		p.mu.Unlock()
		return models.Detector{}, utils.NewAppError("detectors.UpdateFitness", id, ErrDetectorNotFound)
	}
	switch {
	case predictedAnomaly && actualAnomaly:
		d.TruePos++
	case predictedAnomaly && !actualAnomaly:
		d.FalsePos++
	case !predictedAnomaly && !actualAnomaly:
		d.TrueNeg++
	default:
		d.FalseNeg++
	}
	total := d.TruePos + d.TrueNeg + d.FalsePos + d.FalseNeg
	d.Fitness = float64(d.TruePos+d.TrueNeg) / float64(total)
	d.LastUsed = p.clock.Now()
	p.detectors[id] = d
	p.mu.Unlock()

	if err := p.persist(ctx, d); err != nil {
		return d, err
	}
	return d, nil
}

// Classify returns the detectors that fire on the observation. A detector
// fires when at least one of its metrics is observed and every observed
// metric falls inside its range.
func (p *Pool) Classify(observation map[string]float64) []models.Detector {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	var fired []models.Detector
	for id, d := range p.detectors {
		seen := 0
		inside := true
		for metric, r := range d.Ranges {
			v, ok := observation[metric]
			if !ok {
				continue
			}
			seen++
			if !r.Contains(v) {
				inside = false
				break
			}
		}
		if seen > 0 && inside {
			d.LastUsed = now
			p.detectors[id] = d
			fired = append(fired, d)
		}
	}
	sort.Slice(fired, func(i, j int) bool { return fired[i].ID < fired[j].ID })
	return fired
}

// Get returns a detector by id.
func (p *Pool) Get(id string) (models.Detector, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.detectors[id]
	return d, ok
}

// Detectors returns a snapshot of the pool ordered by id.
func (p *Pool) Detectors() []models.Detector {
	p.mu.RLock()
	out := make([]models.Detector, 0, len(p.detectors))
	for _, d := range p.detectors {
		out = append(out, d)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the pool size.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.detectors)
}

func (p *Pool) admit(ctx context.Context, list []models.Detector) error {
	p.mu.Lock()
	for _, d := range list {
		p.detectors[d.ID] = d
	}
	p.mu.Unlock()
	for _, d := range list {
		if err := p.persist(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) persist(ctx context.Context, d models.Detector) error {
	if p.store == nil {
		return nil
	}
	if _, err := p.store.Store(ctx, memory.NamespaceOps, "detector:"+d.ID, d, nil); err != nil {
		return fmt.Errorf("persist detector %s: %w", d.ID, err)
	}
	return nil
}
