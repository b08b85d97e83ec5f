package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/miradorstack/mirador-immune/internal/utils"
)

// BoltStore persists records in a bbolt file, one bucket per namespace.
type BoltStore struct {
	db    *bbolt.DB
	clock utils.Clock
}

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string, clock utils.Clock) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	opts := &bbolt.Options{
		Timeout:      time.Second,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	return &BoltStore{db: db, clock: utils.ClockOrDefault(clock)}, nil
}

// Close releases the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Store writes value under namespace/key, replacing any previous value.
func (s *BoltStore) Store(ctx context.Context, namespace, key string, value any, meta map[string]string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	rec, err := newRecord(namespace, key, value, meta, s.clock.Now())
	if err != nil {
		return Record{}, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal record: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), data)
	})
	if err != nil {
		return Record{}, fmt.Errorf("write %s/%s: %w", namespace, key, err)
	}
	return rec, nil
}

// Recall returns the record for namespace/key if present.
func (s *BoltStore) Recall(ctx context.Context, namespace, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	var (
		rec   Record
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("read %s/%s: %w", namespace, key, err)
	}
	return rec, found, nil
}

// List returns all records in namespace whose key starts with prefix, in key order.
func (s *BoltStore) List(ctx context.Context, namespace, prefix string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		p := []byte(prefix)
		c := bucket.Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", namespace, prefix, err)
	}
	return out, nil
}
