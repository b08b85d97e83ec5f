package fitness

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
	// MaxBehaviors is the behavior population ceiling.
	MaxBehaviors = 1000
	// MutationProbability is the independent chance each field mutates.
	MutationProbability = 0.05

	cullBelow        = 0.3
	cloneAbove       = 0.7
	cloneFraction    = 0.1
	mutationSpan     = 0.1
	initialFitness   = 0.5
	cloneInheritance = 0.9
)

// ErrBehaviorNotFound is returned for an unknown behavior id.
var ErrBehaviorNotFound = errors.New("behavior not found")

// Selector evolves agent behaviors by clonal selection.
type Selector struct {
	store  memory.Store
	logger *slog.Logger
	clock  utils.Clock
	ids    utils.IDGenerator
	rng    *utils.Rand

	mu        sync.RWMutex
	behaviors map[string]models.AgentBehavior
}

// Option customises a Selector.
type Option func(*Selector)

// WithClock injects the time source.
func WithClock(c utils.Clock) Option { return func(s *Selector) { s.clock = c } }

// WithIDs injects the identifier generator.
func WithIDs(g utils.IDGenerator) Option { return func(s *Selector) { s.ids = g } }

// WithRand injects the random source.
func WithRand(r *utils.Rand) Option { return func(s *Selector) { s.rng = r } }

// NewSelector constructs an empty selector. store may be nil.
func NewSelector(store memory.Store, logger *slog.Logger, opts ...Option) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Selector{store: store, logger: logger, behaviors: make(map[string]models.AgentBehavior)}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = utils.ClockOrDefault(s.clock)
	s.ids = utils.IDsOrDefault(s.ids)
	s.rng = utils.RandOrDefault(s.rng)
	return s
}

// Load restores persisted behaviors.
func (s *Selector) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	list, err := memory.ListAs[models.AgentBehavior](ctx, s.store, memory.NamespaceOps, "behavior:")
	if err != nil {
		return fmt.Errorf("load behaviors: %w", err)
	}
	s.mu.Lock()
	for _, b := range list {
		if b.Fitness < 0 {
			continue
		}
		s.behaviors[b.ID] = b
	}
	s.mu.Unlock()
	return nil
}

// RegisterBehavior adds a founder behavior (generation 1) for agentID.
func (s *Selector) RegisterBehavior(ctx context.Context, agentID string, params map[string]any) (models.AgentBehavior, error) {
	if agentID == "" {
		return models.AgentBehavior{}, utils.NewAppError("fitness.RegisterBehavior", "agent id is required", nil)
	}
	now := s.clock.Now()
	b := models.AgentBehavior{
		ID:         s.ids.NewID("behavior"),
		AgentID:    agentID,
		Parameters: copyParams(params),
		Fitness:    initialFitness,
		Generation: 1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.mu.Lock()
	s.behaviors[b.ID] = b
	s.mu.Unlock()
	return b, s.persist(ctx, b)
}

// UpdateBehaviorFitness sets a behavior's fitness, clamped into [0,1].
func (s *Selector) UpdateBehaviorFitness(ctx context.Context, id string, fitness float64) (models.AgentBehavior, error) {
	s.mu.Lock()
	b, ok := s.behaviors[id]
	if !ok {
		s.mu.Unlock()
		return models.AgentBehavior{}, utils.NewAppError("fitness.UpdateBehaviorFitness", id, ErrBehaviorNotFound)
	}
	b.Fitness = utils.Clamp(fitness, 0, 1)
	b.UpdatedAt = s.clock.Now()
	s.behaviors[id] = b
	s.mu.Unlock()
	return b, s.persist(ctx, b)
}

// Behavior returns one behavior.
func (s *Selector) Behavior(id string) (models.AgentBehavior, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.behaviors[id]
	return b, ok
}

// Behaviors returns the behaviors of agentID, or all when agentID is empty,
// strongest first.
func (s *Selector) Behaviors(agentID string) []models.AgentBehavior {
	s.mu.RLock()
	out := make([]models.AgentBehavior, 0, len(s.behaviors))
	for _, b := range s.behaviors {
		if agentID == "" || b.AgentID == agentID {
			out = append(out, b)
		}
	}
	s.mu.RUnlock()
	sortByFitness(out)
	return out
}

// Len reports the pool size.
func (s *Selector) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.behaviors)
}

func sortByFitness(list []models.AgentBehavior) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Fitness != list[j].Fitness {
			return list[i].Fitness > list[j].Fitness
		}
		return list[i].ID < list[j].ID
	})
}

// PerformSelection culls weak descendants across all agents, then clones the
// top tenth (at least one) of each agent's behaviors above 0.7 with mutation.
// Founders are never culled. Cloning stops at MaxBehaviors.
func (s *Selector) PerformSelection(ctx context.Context) (models.SelectionReport, error) {
	report := models.SelectionReport{Removed: []string{}, Cloned: []string{}}

	s.mu.Lock()
	var removed []models.AgentBehavior
	for id, b := range s.behaviors {
		if b.Fitness < cullBelow && b.Generation > 1 {
			delete(s.behaviors, id)
			removed = append(removed, b)
			report.Removed = append(report.Removed, id)
		}
	}
	byAgent := make(map[string][]models.AgentBehavior)
	for _, b := range s.behaviors {
		byAgent[b.AgentID] = append(byAgent[b.AgentID], b)
	}
	size := len(s.behaviors)
	s.mu.Unlock()

	for _, b := range removed {
		if err := s.forget(ctx, b); err != nil {
			return report, err
		}
	}

	agents := make([]string, 0, len(byAgent))
	for a := range byAgent {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	var clones []models.AgentBehavior
	for _, agent := range agents {
		list := byAgent[agent]
		sortByFitness(list)
		quota := int(float64(len(list)) * cloneFraction)
		if quota < 1 {
			quota = 1
		}
		for _, parent := range list[:min(quota, len(list))] {
			if parent.Fitness <= cloneAbove {
				break
			}
			if size+len(clones) >= MaxBehaviors {
				break
			}
			clones = append(clones, s.clone(parent))
		}
	}

	s.mu.Lock()
	for _, c := range clones {
		s.behaviors[c.ID] = c
		report.Cloned = append(report.Cloned, c.ID)
	}
	report.Pool = len(s.behaviors)
	s.mu.Unlock()

	for _, c := range clones {
		if err := s.persist(ctx, c); err != nil {
			return report, err
		}
	}
	sort.Strings(report.Removed)
	s.logger.Info("clonal selection performed",
		slog.Int("removed", len(report.Removed)),
		slog.Int("cloned", len(report.Cloned)),
		slog.Int("pool", report.Pool),
	)
	return report, nil
}

func (s *Selector) clone(parent models.AgentBehavior) models.AgentBehavior {
	params, mutations := s.mutate(parent.Parameters)
	now := s.clock.Now()
	return models.AgentBehavior{
		ID:            s.ids.NewID("behavior"),
		AgentID:       parent.AgentID,
		Parameters:    params,
		Fitness:       parent.Fitness * cloneInheritance,
		Generation:    parent.Generation + 1,
		ParentID:      parent.ID,
		MutationCount: parent.MutationCount + mutations,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// mutate copies params, perturbing each numeric, boolean or numeric-array
// field with MutationProbability.
func (s *Selector) mutate(params map[string]any) (map[string]any, int) {
	out := copyParams(params)
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mutations := 0
	for _, k := range keys {
		if s.rng.Float64() >= MutationProbability {
			continue
		}
		if v, ok := s.mutateValue(out[k]); ok {
			out[k] = v
			mutations++
		}
	}
	return out, mutations
}

func (s *Selector) mutateValue(v any) (any, bool) {
	switch t := v.(type) {
	case bool:
		return !t, true
	case float64:
		return s.perturb(t), true
	case int:
		return int(s.perturb(float64(t))), true
	case []float64:
		if len(t) == 0 {
			return v, false
		}
		next := append([]float64(nil), t...)
		i := s.rng.Intn(len(next))
		next[i] = s.perturb(next[i])
		return next, true
	case []any:
		var numeric []int
		for i, e := range t {
			if _, ok := e.(float64); ok {
				numeric = append(numeric, i)
			}
		}
		if len(numeric) == 0 || len(numeric) != len(t) {
			return v, false
		}
		next := append([]any(nil), t...)
		i := numeric[s.rng.Intn(len(numeric))]
		next[i] = s.perturb(next[i].(float64))
		return next, true
	default:
		return v, false
	}
}

func (s *Selector) perturb(v float64) float64 {
	return v * (1 + s.rng.Between(-mutationSpan, mutationSpan))
}

func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch t := v.(type) {
		case []float64:
			out[k] = append([]float64(nil), t...)
		case []any:
			out[k] = append([]any(nil), t...)
		default:
			out[k] = v
		}
	}
	return out
}

func (s *Selector) persist(ctx context.Context, b models.AgentBehavior) error {
	if s.store == nil {
		return nil
	}
	if _, err := s.store.Store(ctx, memory.NamespaceOps, "behavior:"+b.ID, b, map[string]string{"agent": b.AgentID}); err != nil {
		return fmt.Errorf("persist behavior %s: %w", b.ID, err)
	}
	return nil
}

// forget overwrites a culled behavior with fitness -1 so Load skips it.
func (s *Selector) forget(ctx context.Context, b models.AgentBehavior) error {
	b.Fitness = -1
	return s.persist(ctx, b)
}
