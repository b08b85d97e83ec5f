package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Namespace used by every component of the control loop.
const NamespaceOps = "ops"

// Record is one stored value and its metadata.
type Record struct {
	Namespace string            `json:"namespace"`
	Key       string            `json:"key"`
	Value     json.RawMessage   `json:"value"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Store is the persistent memory contract: last write wins per key and
// records sharing a key prefix inside a namespace can be enumerated.
type Store interface {
	Store(ctx context.Context, namespace, key string, value any, meta map[string]string) (Record, error)
	Recall(ctx context.Context, namespace, key string) (Record, bool, error)
	List(ctx context.Context, namespace, prefix string) ([]Record, error)
}

// Decode unmarshals the record value into T.
func Decode[T any](rec Record) (T, error) {
	var out T
	if err := json.Unmarshal(rec.Value, &out); err != nil {
		return out, fmt.Errorf("decode %s/%s: %w", rec.Namespace, rec.Key, err)
	}
	return out, nil
}

// RecallAs fetches and decodes a single key. Absence is reported through ok.
func RecallAs[T any](ctx context.Context, s Store, namespace, key string) (T, bool, error) {
	var zero T
	rec, ok, err := s.Recall(ctx, namespace, key)
	if err != nil || !ok {
		return zero, ok, err
	}
	out, err := Decode[T](rec)
	if err != nil {
		return zero, false, err
	}
	return out, true, nil
}

// ListAs decodes every record under prefix, skipping entries that fail to decode.
func ListAs[T any](ctx context.Context, s Store, namespace, prefix string) ([]T, error) {
	recs, err := s.List(ctx, namespace, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		v, err := Decode[T](rec)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func newRecord(namespace, key string, value any, meta map[string]string, now time.Time) (Record, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s/%s: %w", namespace, key, err)
	}
	var md map[string]string
	if len(meta) > 0 {
		md = make(map[string]string, len(meta))
		for k, v := range meta {
			md[k] = v
		}
	}
	return Record{Namespace: namespace, Key: key, Value: raw, Metadata: md, UpdatedAt: now}, nil
}
