package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/miradorstack/mirador-immune/internal/utils"
)

// MemStore keeps records in process memory. Used for tests and for running
// without a data directory.
type MemStore struct {
	mu    sync.RWMutex
	data  map[string]map[string]Record
	clock utils.Clock
}

// NewMemStore returns an empty in-memory store.
func NewMemStore(clock utils.Clock) *MemStore {
	return &MemStore{data: make(map[string]map[string]Record), clock: utils.ClockOrDefault(clock)}
}

func (s *MemStore) Store(ctx context.Context, namespace, key string, value any, meta map[string]string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	rec, err := newRecord(namespace, key, value, meta, s.clock.Now())
	if err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.data[namespace]
	if !ok {
		ns = make(map[string]Record)
		s.data[namespace] = ns
	}
	ns[key] = rec
	return rec, nil
}

func (s *MemStore) Recall(ctx context.Context, namespace, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[namespace][key]
	return rec, ok, nil
}

func (s *MemStore) List(ctx context.Context, namespace, prefix string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns := s.data[namespace]
	keys := make([]string, 0, len(ns))
	for k := range ns {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, ns[k])
	}
	return out, nil
}

// Len reports how many records namespace holds.
func (s *MemStore) Len(namespace string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[namespace])
}
