// Package conflictlog keeps the durable, append-only audit trail of merge
// decisions made by the conflict resolver.
package conflictlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/schema"
)

// DefaultBucket is the key-value bucket conflict records are written to.
const DefaultBucket = "conflicts"

// Backend is the durable key-value storage behind the log.
// *db.DB satisfies it.
type Backend interface {
	Put(ctx context.Context, bucket, key string, value []byte) error
	GetAll(ctx context.Context, bucket string) ([]db.Record, error)
}

// Log appends conflict records to a Backend. Records are never modified or
// deleted once written.
type Log struct {
	backend Backend
	bucket  string
	logger  *log.Logger
	now     func() time.Time

	mu sync.Mutex
}

// New creates a conflict log on top of backend.
// If logger is nil, a default logger writing to stderr is used.
func New(backend Backend, logger *log.Logger) *Log {
	if logger == nil {
		logger = log.New(os.Stderr, "[conflicts] ", log.LstdFlags)
	}
	return &Log{
		backend: backend,
		bucket:  DefaultBucket,
		logger:  logger,
		now:     time.Now,
	}
}

// Append writes rec to the log. An empty ID or DetectedAt is filled in.
func (l *Log) Append(ctx context.Context, rec schema.ConflictRecord) (schema.ConflictRecord, error) {
	if rec.TaskID == "" {
		return rec, fmt.Errorf("conflict record requires a task id")
	}
	if rec.ID == "" {
		rec.ID = schema.NewID()
	}
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = l.now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("failed to marshal conflict record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.backend.Put(ctx, l.bucket, rec.ID, data); err != nil {
		return rec, fmt.Errorf("failed to append conflict for task %s: %w", rec.TaskID, err)
	}

	l.logger.Printf("Conflict logged: task=%s winner=%s divergent=%t", rec.TaskID, rec.Winner, rec.Divergent)
	return rec, nil
}

// All returns every record in the order it was appended.
func (l *Log) All(ctx context.Context) ([]schema.ConflictRecord, error) {
	raw, err := l.backend.GetAll(ctx, l.bucket)
	if err != nil {
		return nil, err
	}

	records := make([]schema.ConflictRecord, 0, len(raw))
	for _, r := range raw {
		var rec schema.ConflictRecord
		if err := json.Unmarshal(r.Value, &rec); err != nil {
			// A corrupt entry must not hide the rest of the audit trail
			l.logger.Printf("WARNING: skipping unreadable conflict record %s: %v", r.Key, err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ForTask returns the records for a single task identifier.
func (l *Log) ForTask(ctx context.Context, taskID string) ([]schema.ConflictRecord, error) {
	all, err := l.All(ctx)
	if err != nil {
		return nil, err
	}

	var out []schema.ConflictRecord
	for _, rec := range all {
		if rec.TaskID == taskID {
			out = append(out, rec)
		}
	}
	return out, nil
}
