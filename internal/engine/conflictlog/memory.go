package conflictlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fieldops/fieldsync/internal/db"
)

// MemoryBackend is a non-durable Backend for tests and dry runs.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string][]db.Record
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string][]db.Record)}
}

// Put implements Backend.
func (m *MemoryBackend) Put(_ context.Context, bucket, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records[bucket] {
		if r.Key == key {
			return fmt.Errorf("%s/%s: %w", bucket, key, db.ErrExists)
		}
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.records[bucket] = append(m.records[bucket], db.Record{Key: key, Value: v, CreatedAt: time.Now()})
	return nil
}

// GetAll implements Backend.
func (m *MemoryBackend) GetAll(_ context.Context, bucket string) ([]db.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]db.Record, len(m.records[bucket]))
	copy(out, m.records[bucket])
	return out, nil
}
