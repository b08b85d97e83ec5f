package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"

	"github.com/miradorstack/mirador-immune/internal/cache"
	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/threat"
)

// DefaultClass is the Weaviate class threat signatures are stored under.
const DefaultClass = "ThreatSignature"

var threatNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("mirador-immune/threat"))

// WeaviateIndex is a threat.VectorIndex backed by a Weaviate instance.
// Every signature is also kept in a local index which answers searches
// whenever Weaviate is unset or unreachable.
type WeaviateIndex struct {
	endpoint      string
	apiKey        string
	class         string
	httpClient    *http.Client
	cache         cache.Provider
	similarityTTL time.Duration
	local         threat.VectorIndex
	logger        *slog.Logger
}

// WeaviateConfig configures NewWeaviateIndex.
type WeaviateConfig struct {
	Endpoint      string
	APIKey        string
	Class         string
	Timeout       time.Duration
	SimilarityTTL time.Duration
}

// NewWeaviateIndex constructs a Weaviate-backed index. A nil local index
// defaults to an in-process cosine index.
func NewWeaviateIndex(cfg WeaviateConfig, cacheProvider cache.Provider, local threat.VectorIndex, logger *slog.Logger) *WeaviateIndex {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if local == nil {
		local = threat.NewCosineIndex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.SimilarityTTL < 0 {
		cfg.SimilarityTTL = 0
	}
	if cfg.Class == "" {
		cfg.Class = DefaultClass
	}
	return &WeaviateIndex{
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:        cfg.APIKey,
		class:         cfg.Class,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		cache:         cacheProvider,
		similarityTTL: cfg.SimilarityTTL,
		local:         local,
		logger:        logger,
	}
}

// Upsert stores sig locally and, when configured, in Weaviate. Objects
// are written through the batch endpoint so repeated upserts replace the
// previous version.
func (w *WeaviateIndex) Upsert(ctx context.Context, sig models.ThreatSignature) error {
	if w == nil {
		return fmt.Errorf("weaviate index not initialised")
	}
	if err := w.local.Upsert(ctx, sig); err != nil {
		return err
	}
	if w.endpoint == "" || len(sig.Embedding) == 0 {
		return nil
	}

	object := map[string]any{
		"class":      w.class,
		"id":         objectID(sig.ID),
		"properties": buildThreatProperties(sig),
		"vector":     sig.Embedding,
	}
	body, err := json.Marshal(map[string]any{"objects": []any{object}})
	if err != nil {
		return fmt.Errorf("marshal threat: %w", err)
	}

	resp, err := w.post(ctx, "/v1/batch/objects", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("weaviate store threat failed: %s", strings.TrimSpace(string(data)))
	}
	return nil
}

// Search returns the nearest stored threats to query. Remote results are
// cached for the configured similarity TTL.
func (w *WeaviateIndex) Search(ctx context.Context, query []float64, limit int) ([]models.SimilarThreat, error) {
	if w == nil {
		return nil, fmt.Errorf("weaviate index not initialised")
	}
	if w.endpoint == "" || len(query) == 0 {
		return w.local.Search(ctx, query, limit)
	}

	cacheKey := ""
	if w.similarityTTL > 0 {
		cacheKey = cacheSimilarThreatsKey(w.class, query, limit)
		if data, err := w.cache.Get(ctx, cacheKey); err == nil {
			var cached []models.SimilarThreat
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	results, err := w.nearVector(ctx, query, limit)
	if err != nil {
		w.logger.Warn("weaviate search failed, using local index", slog.Any("error", err))
		return w.local.Search(ctx, query, limit)
	}

	if cacheKey != "" && len(results) > 0 {
		if payload, err := json.Marshal(results); err == nil {
			_ = w.cache.Set(ctx, cacheKey, payload, w.similarityTTL)
		}
	}
	return results, nil
}

func (w *WeaviateIndex) nearVector(ctx context.Context, query []float64, limit int) ([]models.SimilarThreat, error) {
	vector, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	limitClause := ""
	if limit > 0 {
		limitClause = fmt.Sprintf("limit: %d", limit)
	}

	gql := fmt.Sprintf(`{
  Get {
    %s(
      nearVector: {vector: %s}
      %s
    ) {
      threatId
      pattern
      metricsJson
      frequency
      firstSeen
      lastSeen
      version
      _additional { distance vector }
    }
  }
}`, w.class, vector, limitClause)

	payload, err := json.Marshal(map[string]any{"query": gql})
	if err != nil {
		return nil, err
	}
	resp, err := w.post(ctx, "/v1/graphql", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("weaviate graphql status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var response struct {
		Data struct {
			Get map[string][]threatObject `json:"Get"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode weaviate response: %w", err)
	}
	if len(response.Errors) > 0 {
		return nil, fmt.Errorf("weaviate graphql: %s", response.Errors[0].Message)
	}

	records := response.Data.Get[w.class]
	results := make([]models.SimilarThreat, 0, len(records))
	for _, rec := range records {
		sig, err := rec.signature()
		if err != nil {
			w.logger.Warn("weaviate object has unreadable metrics", slog.String("threat_id", rec.ThreatID), slog.Any("error", err))
		}
		results = append(results, models.SimilarThreat{
			Threat:     sig,
			Similarity: 1 - rec.Additional.Distance,
		})
	}
	return results, nil
}

func (w *WeaviateIndex) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}
	return w.httpClient.Do(req)
}

type threatObject struct {
	ThreatID    string    `json:"threatId"`
	Pattern     string    `json:"pattern"`
	MetricsJSON string    `json:"metricsJson"`
	Frequency   int       `json:"frequency"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
	Version     int       `json:"version"`
	Additional  struct {
		Distance float64   `json:"distance"`
		Vector   []float64 `json:"vector"`
	} `json:"_additional"`
}

// signature converts the object. A metricsJson decode failure still returns
// the signature, without metrics.
func (o threatObject) signature() (models.ThreatSignature, error) {
	sig := models.ThreatSignature{
		ID:        o.ThreatID,
		Pattern:   o.Pattern,
		Embedding: o.Additional.Vector,
		Frequency: o.Frequency,
		FirstSeen: o.FirstSeen,
		LastSeen:  o.LastSeen,
		Version:   o.Version,
	}
	if o.MetricsJSON != "" {
		if err := json.Unmarshal([]byte(o.MetricsJSON), &sig.Metrics); err != nil {
			sig.Metrics = nil
			return sig, fmt.Errorf("decode metricsJson: %w", err)
		}
	}
	return sig, nil
}

func buildThreatProperties(sig models.ThreatSignature) map[string]any {
	metrics, _ := json.Marshal(sig.Metrics)
	return map[string]any{
		"threatId":    sig.ID,
		"pattern":     sig.Pattern,
		"metricsJson": string(metrics),
		"frequency":   sig.Frequency,
		"firstSeen":   sig.FirstSeen.UTC().Format(time.RFC3339Nano),
		"lastSeen":    sig.LastSeen.UTC().Format(time.RFC3339Nano),
		"version":     sig.Version,
	}
}

// objectID maps a threat id onto the stable UUID Weaviate requires.
func objectID(threatID string) string {
	return uuid.NewSHA1(threatNamespace, []byte(threatID)).String()
}

func cacheSimilarThreatsKey(class string, query []float64, limit int) string {
	h := murmur3.New64()
	for _, v := range query {
		_, _ = h.Write(strconv.AppendFloat(nil, v, 'g', -1, 64))
		_, _ = h.Write([]byte{','})
	}
	return fmt.Sprintf("weaviate:similar:%s:%d:%016x", class, limit, h.Sum64())
}
