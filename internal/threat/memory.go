package threat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-immune/internal/memory"
	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

// Memory is the durable catalogue of threat signatures, the responses taken
// against them, and calibration records.
type Memory struct {
	store    memory.Store
	index    VectorIndex
	embedder EmbeddingProvider
	logger   *slog.Logger
	clock    utils.Clock
	ids      utils.IDGenerator

	writeMu        sync.Mutex
	mu             sync.RWMutex
	threats        map[string]models.ThreatSignature
	byPattern      map[string]string
	responses      map[string][]models.ThreatResponse
	falsePositives map[string]models.FalsePositiveRecord
	falseNegatives map[string]models.FalseNegativeRecord
}

// Option customises a Memory.
type Option func(*Memory)

// WithIndex replaces the in-process cosine index.
func WithIndex(idx VectorIndex) Option { return func(m *Memory) { m.index = idx } }

// WithEmbedder replaces the hashing embedder.
func WithEmbedder(e EmbeddingProvider) Option { return func(m *Memory) { m.embedder = e } }

// WithClock injects the time source.
func WithClock(c utils.Clock) Option { return func(m *Memory) { m.clock = c } }

// WithIDs injects the identifier generator.
func WithIDs(g utils.IDGenerator) Option { return func(m *Memory) { m.ids = g } }

// NewMemory constructs an empty threat memory over store.
func NewMemory(store memory.Store, logger *slog.Logger, opts ...Option) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Memory{
		store:          store,
		logger:         logger,
		threats:        make(map[string]models.ThreatSignature),
		byPattern:      make(map[string]string),
		responses:      make(map[string][]models.ThreatResponse),
		falsePositives: make(map[string]models.FalsePositiveRecord),
		falseNegatives: make(map[string]models.FalseNegativeRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.index == nil {
		m.index = NewCosineIndex()
	}
	if m.embedder == nil {
		m.embedder = HashingEmbedder{}
	}
	m.clock = utils.ClockOrDefault(m.clock)
	m.ids = utils.IDsOrDefault(m.ids)
	return m
}

// Embedder exposes the embedding provider so recognition uses the same space.
func (m *Memory) Embedder() EmbeddingProvider { return m.embedder }

// Load warms the in-process state from the store.
func (m *Memory) Load(ctx context.Context) error {
	threats, err := memory.ListAs[models.ThreatSignature](ctx, m.store, memory.NamespaceOps, "threat:")
	if err != nil {
		return fmt.Errorf("load threats: %w", err)
	}
	responses, err := memory.ListAs[models.ThreatResponse](ctx, m.store, memory.NamespaceOps, "threat-response:")
	if err != nil {
		return fmt.Errorf("load threat responses: %w", err)
	}
	fps, err := memory.ListAs[models.FalsePositiveRecord](ctx, m.store, memory.NamespaceOps, "false-positive:")
	if err != nil {
		return fmt.Errorf("load false positives: %w", err)
	}
	fns, err := memory.ListAs[models.FalseNegativeRecord](ctx, m.store, memory.NamespaceOps, "false-negative:")
	if err != nil {
		return fmt.Errorf("load false negatives: %w", err)
	}

	m.mu.Lock()
	for _, sig := range threats {
		m.threats[sig.ID] = sig
		m.byPattern[sig.Pattern] = sig.ID
	}
	for _, r := range responses {
		m.responses[r.ThreatID] = append(m.responses[r.ThreatID], r)
	}
	for _, r := range fps {
		m.falsePositives[r.ID] = r
	}
	for _, r := range fns {
		m.falseNegatives[r.ID] = r
	}
	m.mu.Unlock()

	for _, sig := range threats {
		if err := m.index.Upsert(ctx, sig); err != nil {
			m.logger.Warn("index threat on load", slog.String("threat_id", sig.ID), slog.Any("error", err))
		}
	}
	m.logger.Info("threat memory loaded",
		slog.Int("threats", len(threats)),
		slog.Int("responses", len(responses)),
	)
	return nil
}

// StoreThreatSignature merges sig into memory by pattern text. A known pattern
// gains frequency and a new version; its embedding is never overwritten and
// metric drift is logged as threat evolution.
func (m *Memory) StoreThreatSignature(ctx context.Context, sig models.ThreatSignature) (models.ThreatSignature, error) {
	if sig.Pattern == "" {
		return models.ThreatSignature{}, utils.NewAppError("threat.Store", "pattern is required", nil)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	now := m.clock.Now()
	increment := sig.Frequency
	if increment <= 0 {
		increment = 1
	}

	m.mu.Lock()
	existingID, known := m.byPattern[sig.Pattern]
	var (
		merged  models.ThreatSignature
		changes []models.ThreatChange
	)
	if known {
		merged = cloneSignature(m.threats[existingID])
		merged.Frequency += increment
		merged.Version++
		merged.LastSeen = now
		if merged.Metrics == nil {
			merged.Metrics = make(map[string]float64)
		}
		for metric, v := range sig.Metrics {
			if old, ok := merged.Metrics[metric]; ok && old != v {
				changes = append(changes, models.ThreatChange{Timestamp: now, Metric: metric, OldValue: old, NewValue: v, Reason: "re-observed"})
			}
			merged.Metrics[metric] = v
		}
		if len(merged.Embedding) == 0 {
			merged.Embedding = append([]float64(nil), sig.Embedding...)
		}
	} else {
		merged = cloneSignature(sig)
		if merged.ID == "" {
			merged.ID = m.ids.NewID("threat")
		}
		merged.Frequency = increment
		merged.Version = 1
		merged.FirstSeen = now
		merged.LastSeen = now
	}
	m.mu.Unlock()

	if len(merged.Embedding) == 0 {
		features := make(map[string]float64, len(merged.Metrics))
		for k, v := range merged.Metrics {
			features[k] = v
		}
		emb, err := m.embedder.Embed(ctx, features)
		if err != nil {
			return models.ThreatSignature{}, fmt.Errorf("embed threat %s: %w", merged.ID, err)
		}
		merged.Embedding = emb
	}

	if err := m.persistThreat(ctx, merged); err != nil {
		return models.ThreatSignature{}, err
	}
	for _, c := range changes {
		if _, err := m.TrackThreatEvolution(ctx, merged.ID, c.Metric, c.OldValue, c.NewValue, c.Reason); err != nil {
			return merged, err
		}
	}
	return cloneSignature(merged), nil
}

func (m *Memory) persistThreat(ctx context.Context, sig models.ThreatSignature) error {
	meta := map[string]string{"type": "threat_signature", "pattern": sig.Pattern, "version": fmt.Sprint(sig.Version)}
	if _, err := m.store.Store(ctx, memory.NamespaceOps, "threat:"+sig.ID, sig, meta); err != nil {
		return fmt.Errorf("persist threat %s: %w", sig.ID, err)
	}
	m.mu.Lock()
	m.threats[sig.ID] = sig
	m.byPattern[sig.Pattern] = sig.ID
	m.mu.Unlock()
	if err := m.index.Upsert(ctx, sig); err != nil {
		m.logger.Warn("index threat", slog.String("threat_id", sig.ID), slog.Any("error", err))
	}
	return nil
}

// GetThreat returns a signature by id, reading through to the store.
func (m *Memory) GetThreat(ctx context.Context, id string) (models.ThreatSignature, bool, error) {
	m.mu.RLock()
	sig, ok := m.threats[id]
	m.mu.RUnlock()
	if ok {
		return cloneSignature(sig), true, nil
	}
	sig, ok, err := memory.RecallAs[models.ThreatSignature](ctx, m.store, memory.NamespaceOps, "threat:"+id)
	if err != nil || !ok {
		return models.ThreatSignature{}, false, err
	}
	m.mu.Lock()
	m.threats[sig.ID] = sig
	m.byPattern[sig.Pattern] = sig.ID
	m.mu.Unlock()
	return cloneSignature(sig), true, nil
}

// FindByPattern returns the signature stored under pattern, if any.
func (m *Memory) FindByPattern(pattern string) (models.ThreatSignature, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPattern[pattern]
	if !ok {
		return models.ThreatSignature{}, false
	}
	return cloneSignature(m.threats[id]), true
}

// Threats lists every known signature ordered by id.
func (m *Memory) Threats() []models.ThreatSignature {
	m.mu.RLock()
	out := make([]models.ThreatSignature, 0, len(m.threats))
	for _, sig := range m.threats {
		out = append(out, cloneSignature(sig))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordThreatResponse appends resp to its threat's response log and bumps the
// parent signature's frequency and last-seen time.
func (m *Memory) RecordThreatResponse(ctx context.Context, resp models.ThreatResponse) error {
	if resp.ThreatID == "" {
		return utils.NewAppError("threat.RecordResponse", "threat id is required", nil)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	now := m.clock.Now()
	if resp.ResolvedAt.IsZero() {
		resp.ResolvedAt = now
	}
	// Responses resolved at the same instant still get distinct keys.
	key := fmt.Sprintf("threat-response:%s:%d:%s", resp.ThreatID, resp.ResolvedAt.UnixNano(), m.ids.NewID("response"))
	meta := map[string]string{"type": "threat_response", "threatId": resp.ThreatID, "success": fmt.Sprint(resp.Success)}
	if _, err := m.store.Store(ctx, memory.NamespaceOps, key, resp, meta); err != nil {
		return fmt.Errorf("persist threat response: %w", err)
	}

	m.mu.Lock()
	m.responses[resp.ThreatID] = append(m.responses[resp.ThreatID], resp)
	parent, ok := m.threats[resp.ThreatID]
	if ok {
		parent = cloneSignature(parent)
		parent.Frequency++
		parent.LastSeen = now
	}
	m.mu.Unlock()

	if ok {
		return m.persistThreat(ctx, parent)
	}
	return nil
}

func (m *Memory) responsesFor(ctx context.Context, threatID string) ([]models.ThreatResponse, error) {
	m.mu.RLock()
	list, ok := m.responses[threatID]
	out := append([]models.ThreatResponse(nil), list...)
	m.mu.RUnlock()
	if ok {
		return out, nil
	}
	stored, err := memory.ListAs[models.ThreatResponse](ctx, m.store, memory.NamespaceOps, "threat-response:"+threatID+":")
	if err != nil {
		return nil, fmt.Errorf("list threat responses: %w", err)
	}
	if len(stored) > 0 {
		m.mu.Lock()
		m.responses[threatID] = stored
		m.mu.Unlock()
	}
	return stored, nil
}

// GetResponseEffectiveness summarises the response log of threatID. The best
// stage is the one with the highest success rate; on ties the lower stage wins.
func (m *Memory) GetResponseEffectiveness(ctx context.Context, threatID string) (models.ResponseEffectiveness, error) {
	list, err := m.responsesFor(ctx, threatID)
	if err != nil {
		return models.ResponseEffectiveness{}, err
	}
	if len(list) == 0 {
		return models.ResponseEffectiveness{}, nil
	}

	var (
		succeeded int
		total     time.Duration
		perStage  [4]struct{ total, ok int }
	)
	for _, r := range list {
		total += r.ResponseTime
		if r.Success {
			succeeded++
		}
		if r.Stage < models.StageLocal || r.Stage > models.StageRemediation {
			continue
		}
		perStage[r.Stage].total++
		if r.Success {
			perStage[r.Stage].ok++
		}
	}

	eff := models.ResponseEffectiveness{
		TotalResponses:      len(list),
		SuccessfulResponses: succeeded,
		SuccessRate:         float64(succeeded) / float64(len(list)),
		AverageResponseTime: total / time.Duration(len(list)),
	}
	bestRate := 0.0
	for stage, s := range perStage {
		if s.total == 0 {
			continue
		}
		rate := float64(s.ok) / float64(s.total)
		if rate > bestRate {
			bestRate = rate
			best := models.Stage(stage)
			eff.BestResponseStage = &best
		}
	}
	return eff, nil
}

// LatestSuccessfulActions returns the actions of the most recent successful
// response taken at stage.
func (m *Memory) LatestSuccessfulActions(ctx context.Context, threatID string, stage models.Stage) ([]string, error) {
	list, err := m.responsesFor(ctx, threatID)
	if err != nil {
		return nil, err
	}
	var latest *models.ThreatResponse
	for i := range list {
		r := &list[i]
		if !r.Success || r.Stage != stage {
			continue
		}
		if latest == nil || !r.ResolvedAt.Before(latest.ResolvedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	return append([]string(nil), latest.Actions...), nil
}

// SearchSimilarThreats ranks stored signatures by cosine similarity to query.
func (m *Memory) SearchSimilarThreats(ctx context.Context, query []float64, limit int) ([]models.SimilarThreat, error) {
	results, err := m.index.Search(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search similar threats: %w", err)
	}
	return results, nil
}

// RecordFalsePositive notes that a detection of threatID proved benign.
func (m *Memory) RecordFalsePositive(ctx context.Context, threatID, reason string, detectedAt time.Time) (models.FalsePositiveRecord, error) {
	now := m.clock.Now()
	if detectedAt.IsZero() {
		detectedAt = now
	}
	rec := models.FalsePositiveRecord{
		ID:              m.ids.NewID("fp"),
		ThreatID:        threatID,
		DetectedAt:      detectedAt,
		VerifiedAsFalse: now,
		Reason:          reason,
	}
	meta := map[string]string{"type": "false_positive", "threatId": threatID}
	if _, err := m.store.Store(ctx, memory.NamespaceOps, "false-positive:"+rec.ID, rec, meta); err != nil {
		return models.FalsePositiveRecord{}, fmt.Errorf("persist false positive: %w", err)
	}
	m.mu.Lock()
	m.falsePositives[rec.ID] = rec
	m.mu.Unlock()
	return rec, nil
}

// RecordFalseNegative notes a threat that went undetected. A zero missedAt is
// taken to be one hour before discovery.
func (m *Memory) RecordFalseNegative(ctx context.Context, threatID string, impact models.Impact, missedAt time.Time) (models.FalseNegativeRecord, error) {
	switch impact {
	case models.ImpactLow, models.ImpactMedium, models.ImpactHigh, models.ImpactCritical:
	default:
		return models.FalseNegativeRecord{}, utils.NewAppError("threat.RecordFalseNegative", fmt.Sprintf("unknown impact %q", impact), nil)
	}
	now := m.clock.Now()
	if missedAt.IsZero() {
		missedAt = now.Add(-time.Hour)
	}
	rec := models.FalseNegativeRecord{
		ID:           m.ids.NewID("fn"),
		ThreatID:     threatID,
		MissedAt:     missedAt,
		DiscoveredAt: now,
		Impact:       impact,
	}
	meta := map[string]string{"type": "false_negative", "threatId": threatID, "impact": string(impact)}
	if _, err := m.store.Store(ctx, memory.NamespaceOps, "false-negative:"+rec.ID, rec, meta); err != nil {
		return models.FalseNegativeRecord{}, fmt.Errorf("persist false negative: %w", err)
	}
	m.mu.Lock()
	m.falseNegatives[rec.ID] = rec
	m.mu.Unlock()
	return rec, nil
}

// CalibrationStats reports false positive and negative totals. The false
// positive rate is relative to all detections (threats plus false positives),
// the false negative rate to known threats.
func (m *Memory) CalibrationStats() models.CalibrationStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	threats := len(m.threats)
	fps := len(m.falsePositives)
	fns := len(m.falseNegatives)
	stats := models.CalibrationStats{TotalFalsePositives: fps, TotalFalseNegatives: fns}
	if detections := threats + fps; detections > 0 {
		stats.FalsePositiveRate = float64(fps) / float64(detections)
	}
	if threats > 0 {
		stats.FalseNegativeRate = float64(fns) / float64(threats)
	}
	return stats
}

// TrackThreatEvolution appends one metric drift to the threat's evolution log.
func (m *Memory) TrackThreatEvolution(ctx context.Context, threatID, metric string, oldValue, newValue float64, reason string) (models.ThreatEvolution, error) {
	evo, _, err := m.GetThreatEvolution(ctx, threatID)
	if err != nil {
		return models.ThreatEvolution{}, err
	}
	evo.ThreatID = threatID
	evo.Changes = append(evo.Changes, models.ThreatChange{
		Timestamp: m.clock.Now(),
		Metric:    metric,
		OldValue:  oldValue,
		NewValue:  newValue,
		Reason:    reason,
	})
	meta := map[string]string{"type": "threat_evolution", "threatId": threatID}
	if _, err := m.store.Store(ctx, memory.NamespaceOps, "threat-evolution:"+threatID, evo, meta); err != nil {
		return models.ThreatEvolution{}, fmt.Errorf("persist threat evolution: %w", err)
	}
	return evo, nil
}

// GetThreatEvolution returns the drift log of threatID.
func (m *Memory) GetThreatEvolution(ctx context.Context, threatID string) (models.ThreatEvolution, bool, error) {
	evo, ok, err := memory.RecallAs[models.ThreatEvolution](ctx, m.store, memory.NamespaceOps, "threat-evolution:"+threatID)
	if err != nil {
		return models.ThreatEvolution{}, false, fmt.Errorf("recall threat evolution: %w", err)
	}
	return evo, ok, nil
}

func cloneSignature(sig models.ThreatSignature) models.ThreatSignature {
	out := sig
	if sig.Metrics != nil {
		out.Metrics = make(map[string]float64, len(sig.Metrics))
		for k, v := range sig.Metrics {
			out.Metrics[k] = v
		}
	}
	out.Embedding = append([]float64(nil), sig.Embedding...)
	return out
}
