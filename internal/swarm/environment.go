package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/miradorstack/mirador-immune/internal/memory"
	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

// DefaultStrength is used when a marker is placed without a strength.
const DefaultStrength = 1.0

// StrengthOr returns *s, or DefaultStrength when s is nil.
func StrengthOr(s *float64) float64 {
	if s == nil {
		return DefaultStrength
	}
	return *s
}

// MinStrength is the strength below which a pheromone has evaporated.
const MinStrength = 0.01

// MarkerSpec describes a marker to place.
type MarkerSpec struct {
	Type     models.MarkerType
	Location string
	Value    any
	// Strength nil selects DefaultStrength.
	Strength *float64
	AgentID  string
	TTL      time.Duration
}

// Concentration is the summed strength of pheromones sharing one value.
type Concentration struct {
	Value    any      `json:"value"`
	Strength float64  `json:"strength"`
	Deposits int      `json:"deposits"`
	Agents   []string `json:"agents,omitempty"`
}

// Environment is the shared space agents write markers into and read from.
type Environment struct {
	store  memory.Store
	logger *slog.Logger
	clock  utils.Clock
	ids    utils.IDGenerator

	mu      sync.RWMutex
	markers map[string]models.EnvironmentMarker
}

// NewEnvironment constructs an empty environment. store may be nil.
func NewEnvironment(store memory.Store, logger *slog.Logger, clock utils.Clock, ids utils.IDGenerator) *Environment {
	if logger == nil {
		logger = slog.Default()
	}
	return &Environment{
		store:   store,
		logger:  logger,
		clock:   utils.ClockOrDefault(clock),
		ids:     utils.IDsOrDefault(ids),
		markers: make(map[string]models.EnvironmentMarker),
	}
}

func storeKey(m models.EnvironmentMarker) string {
	if m.IsPheromone() {
		return "pheromone:" + m.ID
	}
	return "marker:" + m.ID
}

// Load restores live markers from the store.
func (e *Environment) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	now := e.clock.Now()
	var restored int
	for _, prefix := range []string{"marker:", "pheromone:"} {
		list, err := memory.ListAs[models.EnvironmentMarker](ctx, e.store, memory.NamespaceOps, prefix)
		if err != nil {
			return fmt.Errorf("load %s: %w", prefix, err)
		}
		e.mu.Lock()
		for _, m := range list {
			if m.Strength <= 0 || (m.IsPheromone() && m.Strength < MinStrength) || m.Expired(now) {
				continue
			}
			e.markers[m.ID] = m
			restored++
		}
		e.mu.Unlock()
	}
	e.logger.Info("swarm environment loaded", slog.Int("markers", restored))
	return nil
}

// PlaceMarker records a marker. A positive TTL sets a hard expiry.
func (e *Environment) PlaceMarker(ctx context.Context, spec MarkerSpec) (models.EnvironmentMarker, error) {
	if spec.Location == "" {
		return models.EnvironmentMarker{}, utils.NewAppError("swarm.PlaceMarker", "location is required", nil)
	}
	if spec.Type == "" {
		spec.Type = models.MarkerFlag
	}
	if spec.Type == models.MarkerPheromone {
		return models.EnvironmentMarker{}, utils.NewAppError("swarm.PlaceMarker", "use PlacePheromone for pheromones", nil)
	}
	now := e.clock.Now()
	m := models.EnvironmentMarker{
		ID:        e.ids.NewID("marker"),
		Type:      spec.Type,
		Location:  spec.Location,
		Value:     spec.Value,
		Strength:  normaliseStrength(StrengthOr(spec.Strength)),
		AgentID:   spec.AgentID,
		CreatedAt: now,
	}
	if spec.TTL > 0 {
		exp := now.Add(spec.TTL)
		m.ExpiresAt = &exp
	}
	return m, e.put(ctx, m)
}

// PlacePheromone deposits a decaying signal. strength is clamped to [0,1];
// decayRate is the fraction of strength lost per minute.
func (e *Environment) PlacePheromone(ctx context.Context, location string, value any, strength, decayRate float64, agentID string) (models.EnvironmentMarker, error) {
	if location == "" {
		return models.EnvironmentMarker{}, utils.NewAppError("swarm.PlacePheromone", "location is required", nil)
	}
	if decayRate <= 0 {
		return models.EnvironmentMarker{}, utils.NewAppError("swarm.PlacePheromone", "decay rate must be positive", nil)
	}
	now := e.clock.Now()
	m := models.EnvironmentMarker{
		ID:        e.ids.NewID("pheromone"),
		Type:      models.MarkerPheromone,
		Location:  location,
		Value:     value,
		Strength:  normaliseStrength(strength),
		AgentID:   agentID,
		CreatedAt: now,
		DecayRate: decayRate,
		LastDecay: now,
	}
	return m, e.put(ctx, m)
}

func normaliseStrength(s float64) float64 {
	if math.IsNaN(s) {
		return 0
	}
	return utils.Clamp(s, 0, 1)
}

func (e *Environment) put(ctx context.Context, m models.EnvironmentMarker) error {
	e.mu.Lock()
	e.markers[m.ID] = m
	e.mu.Unlock()
	return e.persist(ctx, m)
}

func (e *Environment) persist(ctx context.Context, m models.EnvironmentMarker) error {
	if e.store == nil {
		return nil
	}
	meta := map[string]string{"type": string(m.Type), "location": m.Location}
	if _, err := e.store.Store(ctx, memory.NamespaceOps, storeKey(m), m, meta); err != nil {
		return fmt.Errorf("persist marker %s: %w", m.ID, err)
	}
	return nil
}

// ReadMarkers returns live markers at location, optionally of one type.
// Expired markers are filtered out here rather than deleted.
func (e *Environment) ReadMarkers(location string, typ models.MarkerType) []models.EnvironmentMarker {
	now := e.clock.Now()
	e.mu.RLock()
	out := make([]models.EnvironmentMarker, 0)
	for _, m := range e.markers {
		if m.Location != location || (typ != "" && m.Type != typ) {
			continue
		}
		if m.Expired(now) || (m.IsPheromone() && m.Strength < MinStrength) {
			continue
		}
		out = append(out, m)
	}
	e.mu.RUnlock()
	sortMarkers(out)
	return out
}

// ReadPheromones sums pheromone strength at location per distinct value.
// Values are compared structurally. A non-nil value restricts the summary to
// pheromones carrying an equal value.
func (e *Environment) ReadPheromones(location string, value any) []Concentration {
	var out []Concentration
	for _, m := range e.ReadMarkers(location, models.MarkerPheromone) {
		if value != nil && !cmp.Equal(value, m.Value) {
			continue
		}
		i := indexOf(out, m.Value)
		if i < 0 {
			out = append(out, Concentration{Value: m.Value})
			i = len(out) - 1
		}
		out[i].Strength += m.Strength
		out[i].Deposits++
		if m.AgentID != "" && !contains(out[i].Agents, m.AgentID) {
			out[i].Agents = append(out[i].Agents, m.AgentID)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Strength > out[j].Strength })
	return out
}

func indexOf(list []Concentration, value any) int {
	for i, c := range list {
		if cmp.Equal(c.Value, value) {
			return i
		}
	}
	return -1
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ClearMarkers removes every marker at location and returns how many went.
func (e *Environment) ClearMarkers(ctx context.Context, location string) (int, error) {
	e.mu.Lock()
	var cleared []models.EnvironmentMarker
	for id, m := range e.markers {
		if m.Location == location {
			delete(e.markers, id)
			m.Strength = 0
			cleared = append(cleared, m)
		}
	}
	e.mu.Unlock()
	for _, m := range cleared {
		if err := e.persist(ctx, m); err != nil {
			return len(cleared), err
		}
	}
	return len(cleared), nil
}

// DecayReport summarises one decay pass.
type DecayReport struct {
	Decayed int
	Removed int
}

// Decay lowers every pheromone by decayRate per elapsed minute since its last
// decay, flooring at zero, and drops those under MinStrength. Each marker is
// replaced whole under the lock so readers never observe a partial update.
func (e *Environment) Decay(ctx context.Context) (DecayReport, error) {
	now := e.clock.Now()
	var report DecayReport
	var changed []models.EnvironmentMarker

	e.mu.Lock()
	for id, m := range e.markers {
		if !m.IsPheromone() {
			continue
		}
		minutes := utils.DurationMinutes(m.LastDecay, now)
		next := m
		next.Strength = math.Max(0, m.Strength-m.DecayRate*minutes)
		next.LastDecay = now
		if next.Strength < MinStrength {
			delete(e.markers, id)
			next.Strength = 0
			report.Removed++
		} else {
			e.markers[id] = next
			report.Decayed++
		}
		changed = append(changed, next)
	}
	e.mu.Unlock()

	for _, m := range changed {
		if err := e.persist(ctx, m); err != nil {
			return report, err
		}
	}
	if report.Removed > 0 {
		e.logger.Debug("pheromones evaporated", slog.Int("removed", report.Removed))
	}
	return report, nil
}

// LivePheromones counts pheromones currently above MinStrength.
func (e *Environment) LivePheromones() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, m := range e.markers {
		if m.IsPheromone() && m.Strength >= MinStrength {
			n++
		}
	}
	return n
}

func sortMarkers(list []models.EnvironmentMarker) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
