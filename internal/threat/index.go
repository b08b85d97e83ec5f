package threat

import (
	"context"
	"sort"
	"sync"

	"github.com/miradorstack/mirador-immune/internal/models"
)

// VectorIndex stores threat embeddings and answers nearest-neighbour queries.
type VectorIndex interface {
	Upsert(ctx context.Context, sig models.ThreatSignature) error
	Search(ctx context.Context, query []float64, limit int) ([]models.SimilarThreat, error)
}

// CosineIndex is an exhaustive in-process VectorIndex.
type CosineIndex struct {
	mu      sync.RWMutex
	threats map[string]models.ThreatSignature
}

// NewCosineIndex returns an empty index.
func NewCosineIndex() *CosineIndex {
	return &CosineIndex{threats: make(map[string]models.ThreatSignature)}
}

// Upsert implements VectorIndex.
func (i *CosineIndex) Upsert(_ context.Context, sig models.ThreatSignature) error {
	i.mu.Lock()
	i.threats[sig.ID] = sig
	i.mu.Unlock()
	return nil
}

// Search ranks every signature with an embedding by cosine similarity to
// query, highest first. limit <= 0 returns all.
func (i *CosineIndex) Search(_ context.Context, query []float64, limit int) ([]models.SimilarThreat, error) {
	i.mu.RLock()
	out := make([]models.SimilarThreat, 0, len(i.threats))
	for _, sig := range i.threats {
		if len(sig.Embedding) == 0 {
			continue
		}
		out = append(out, models.SimilarThreat{Threat: sig, Similarity: CosineSimilarity(query, sig.Embedding)})
	}
	i.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].Similarity != out[b].Similarity {
			return out[a].Similarity > out[b].Similarity
		}
		return out[a].Threat.ID < out[b].Threat.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
