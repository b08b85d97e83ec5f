package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/threat"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

func sampleSignature(id string, vec ...float64) models.ThreatSignature {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return models.ThreatSignature{
		ID:        id,
		Pattern:   "resource_usage:cpu",
		Metrics:   map[string]float64{"cpu": 97},
		Embedding: vec,
		Frequency: 1,
		FirstSeen: now,
		LastSeen:  now,
		Version:   1,
	}
}

func TestWeaviateIndexNoEndpointUsesLocal(t *testing.T) {
	idx := NewWeaviateIndex(WeaviateConfig{}, nil, nil, utils.DiscardLogger())
	ctx := context.Background()
	if err := idx.Upsert(ctx, sampleSignature("a", 1, 0)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := idx.Upsert(ctx, sampleSignature("b", 0, 1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	results, err := idx.Search(ctx, []float64{1, 0.1}, 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Threat.ID != "a" {
		t.Fatalf("expected nearest threat a, got %+v", results)
	}
}

func TestWeaviateIndexUpsertPostsBatchObject(t *testing.T) {
	var captured map[string]any
	var auth, path string
	idx := NewWeaviateIndex(WeaviateConfig{Endpoint: "http://weaviate/", APIKey: "secret"}, nil, nil, utils.DiscardLogger())
	idx.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		path = req.URL.Path
		auth = req.Header.Get("Authorization")
		if err := json.NewDecoder(req.Body).Decode(&captured); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`[]`)), Header: make(http.Header)}, nil
	})

	if err := idx.Upsert(context.Background(), sampleSignature("threat-1", 0.5, 0.5)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if path != "/v1/batch/objects" {
		t.Fatalf("unexpected path %q", path)
	}
	if auth != "Bearer secret" {
		t.Fatalf("expected bearer auth, got %q", auth)
	}
	objects, _ := captured["objects"].([]any)
	if len(objects) != 1 {
		t.Fatalf("expected one object, got %v", captured)
	}
	obj := objects[0].(map[string]any)
	if obj["class"] != DefaultClass {
		t.Fatalf("unexpected class %v", obj["class"])
	}
	if obj["id"] != objectID("threat-1") {
		t.Fatalf("expected stable object id, got %v", obj["id"])
	}
	props := obj["properties"].(map[string]any)
	if props["threatId"] != "threat-1" || props["pattern"] != "resource_usage:cpu" {
		t.Fatalf("unexpected properties %v", props)
	}
}

func TestWeaviateIndexUpsertReportsFailure(t *testing.T) {
	local := threat.NewCosineIndex()
	idx := NewWeaviateIndex(WeaviateConfig{Endpoint: "http://weaviate"}, nil, local, utils.DiscardLogger())
	idx.httpClient = newTestClient(func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusUnprocessableEntity, Body: io.NopCloser(strings.NewReader("bad vector")), Header: make(http.Header)}, nil
	})

	err := idx.Upsert(context.Background(), sampleSignature("x", 1))
	if err == nil || !strings.Contains(err.Error(), "bad vector") {
		t.Fatalf("expected remote error, got %v", err)
	}
	results, _ := local.Search(context.Background(), []float64{1}, 0)
	if len(results) != 1 {
		t.Fatalf("local index should still hold the threat, got %d", len(results))
	}
}

func TestWeaviateIndexSearchCachesResults(t *testing.T) {
	cacheStub := newStubCache()
	var calls int32
	idx := NewWeaviateIndex(WeaviateConfig{Endpoint: "http://weaviate", SimilarityTTL: time.Minute}, cacheStub, nil, utils.DiscardLogger())
	idx.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		if req.URL.Path != "/v1/graphql" {
			t.Fatalf("unexpected path %q", req.URL.Path)
		}
		body, _ := io.ReadAll(req.Body)
		if !bytes.Contains(body, []byte("nearVector")) {
			t.Fatalf("expected nearVector query, got %s", body)
		}
		payload := `{"data":{"Get":{"ThreatSignature":[{"threatId":"t1","pattern":"resource_usage:cpu","metricsJson":"{\"cpu\":97}","frequency":3,"version":2,"_additional":{"distance":0.25,"vector":[1,0]}}]}}}`
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(payload)), Header: make(http.Header)}, nil
	})

	ctx := context.Background()
	first, err := idx.Search(ctx, []float64{1, 0}, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(first) != 1 || first[0].Threat.ID != "t1" || first[0].Similarity != 0.75 {
		t.Fatalf("unexpected results %+v", first)
	}
	if first[0].Threat.Metrics["cpu"] != 97 || first[0].Threat.Frequency != 3 {
		t.Fatalf("properties not decoded: %+v", first[0].Threat)
	}

	second, err := idx.Search(ctx, []float64{1, 0}, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(second) != 1 || second[0].Threat.ID != "t1" {
		t.Fatalf("unexpected cached results %+v", second)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected one remote call, got %d", got)
	}
}

func TestWeaviateIndexSearchLogsCorruptMetrics(t *testing.T) {
	var logs bytes.Buffer
	idx := NewWeaviateIndex(WeaviateConfig{Endpoint: "http://weaviate"}, nil, nil, utils.NewLoggerTo(&logs, "debug", false))
	idx.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		payload := `{"data":{"Get":{"ThreatSignature":[{"threatId":"t9","pattern":"resource_usage:cpu","metricsJson":"{not json","frequency":1,"version":1,"_additional":{"distance":0.1,"vector":[1,0]}}]}}}`
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(payload)), Header: make(http.Header)}, nil
	})

	results, err := idx.Search(context.Background(), []float64{1, 0}, 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Threat.ID != "t9" || results[0].Threat.Metrics != nil {
		t.Fatalf("expected the signature without metrics, got %+v", results)
	}
	if !strings.Contains(logs.String(), "unreadable metrics") || !strings.Contains(logs.String(), "t9") {
		t.Fatalf("expected a warning naming the threat, got %q", logs.String())
	}
}

func TestWeaviateIndexSearchFallsBackOnError(t *testing.T) {
	idx := NewWeaviateIndex(WeaviateConfig{Endpoint: "http://weaviate"}, nil, nil, utils.DiscardLogger())
	idx.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/v1/graphql" {
			return nil, errors.New("connection refused")
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`[]`)), Header: make(http.Header)}, nil
	})

	ctx := context.Background()
	if err := idx.Upsert(ctx, sampleSignature("local", 0, 1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	results, err := idx.Search(ctx, []float64{0, 1}, 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Threat.ID != "local" {
		t.Fatalf("expected local fallback, got %+v", results)
	}
}

func TestCacheKeyDependsOnQuery(t *testing.T) {
	a := cacheSimilarThreatsKey(DefaultClass, []float64{1, 2}, 3)
	b := cacheSimilarThreatsKey(DefaultClass, []float64{1, 2.5}, 3)
	if a == b {
		t.Fatalf("expected distinct keys, got %s", a)
	}
	if a != cacheSimilarThreatsKey(DefaultClass, []float64{1, 2}, 3) {
		t.Fatalf("key should be stable")
	}
}
