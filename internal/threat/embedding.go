package threat

import (
	"context"
	"math"
	"sort"

	"github.com/spaolacci/murmur3"
)

// DefaultDimensions is the width of hashed feature embeddings.
const DefaultDimensions = 64

// EmbeddingProvider turns named features into a vector for similarity search.
type EmbeddingProvider interface {
	Embed(ctx context.Context, features map[string]float64) ([]float64, error)
}

// HashingEmbedder projects features into a fixed-width vector by hashing each
// feature name to a slot, then normalises to unit length. Signatures built from
// different metric sets stay comparable.
type HashingEmbedder struct {
	Dimensions int
}

// Embed implements EmbeddingProvider.
func (e HashingEmbedder) Embed(_ context.Context, features map[string]float64) ([]float64, error) {
	dim := e.Dimensions
	if dim <= 0 {
		dim = DefaultDimensions
	}
	names := make([]string, 0, len(features))
	for name := range features {
		names = append(names, name)
	}
	sort.Strings(names)

	vec := make([]float64, dim)
	for _, name := range names {
		h := murmur3.Sum64([]byte(name))
		slot := int(h % uint64(dim))
		sign := 1.0
		if h>>63 == 1 {
			sign = -1
		}
		vec[slot] += sign * features[name]
	}
	return Normalize(vec), nil
}

// Normalize scales v to unit length. A zero vector is returned unchanged.
func Normalize(v []float64) []float64 {
	norm := 0.0
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// CosineSimilarity of a and b; 0 when lengths differ or either is zero.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
