// Package persist writes the local store's records to the task cache table.
//
// Writes are queued and flushed in the background once a record has been
// quiet for DebounceInterval, so a burst of edits to one task costs a single
// database write. Stop flushes everything still queued.
package persist

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fieldops/fieldsync/internal/schema"
)

// Backend is the durable task cache. *db.DB satisfies it.
type Backend interface {
	CacheTask(ctx context.Context, task *schema.Task) error
	UncacheTask(ctx context.Context, id string) error
	CachedTasks(ctx context.Context) ([]*schema.Task, error)
}

// Config holds configuration for the writer.
type Config struct {
	// DebounceInterval is how long a record must be unchanged before it is
	// written. This batches rapid updates together.
	DebounceInterval time.Duration

	// Logger for persistence activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[persist] ", log.LstdFlags),
	}
}

type queued struct {
	task     *schema.Task // nil means remove
	queuedAt time.Time
}

// Writer is a debounced write-behind cache.
type Writer struct {
	backend Backend
	config  *Config

	queue   map[string]queued
	queueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a writer. Call Start to begin flushing.
func New(backend Backend, config *Config) (*Writer, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 100 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[persist] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		backend: backend,
		config:  config,
		queue:   make(map[string]queued),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the background flush loop.
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.processQueue()
}

// Stop ends the flush loop and writes everything still queued.
func (w *Writer) Stop() error {
	w.cancel()
	w.wg.Wait()
	return w.Flush(context.Background())
}

// Load returns every cached record.
func (w *Writer) Load(ctx context.Context) ([]schema.Task, error) {
	cached, err := w.backend.CachedTasks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]schema.Task, 0, len(cached))
	for _, t := range cached {
		out = append(out, *t)
	}
	return out, nil
}

// Put queues task to be written.
func (w *Writer) Put(task schema.Task) {
	t := task.Clone()
	w.queueMu.Lock()
	w.queue[task.ID] = queued{task: &t, queuedAt: time.Now()}
	w.queueMu.Unlock()
}

// Remove queues the record with the given id to be deleted.
func (w *Writer) Remove(id string) {
	w.queueMu.Lock()
	w.queue[id] = queued{queuedAt: time.Now()}
	w.queueMu.Unlock()
}

// Pending returns the number of queued records.
func (w *Writer) Pending() int {
	w.queueMu.Lock()
	defer w.queueMu.Unlock()
	return len(w.queue)
}

// Flush writes every queued record regardless of age.
func (w *Writer) Flush(ctx context.Context) error {
	return w.write(ctx, 0)
}

func (w *Writer) processQueue() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			if err := w.write(w.ctx, w.config.DebounceInterval); err != nil {
				w.config.Logger.Printf("Error flushing task cache: %v", err)
			}
		}
	}
}

// write persists queued records older than minAge. Records that fail stay
// queued for the next pass unless a newer change replaced them.
func (w *Writer) write(ctx context.Context, minAge time.Duration) error {
	w.queueMu.Lock()
	now := time.Now()
	batch := make(map[string]queued)
	for id, q := range w.queue {
		if now.Sub(q.queuedAt) < minAge {
			continue
		}
		batch[id] = q
		delete(w.queue, id)
	}
	w.queueMu.Unlock()

	var firstErr error
	for id, q := range batch {
		var err error
		if q.task == nil {
			err = w.backend.UncacheTask(ctx, id)
		} else {
			err = w.backend.CacheTask(ctx, q.task)
		}
		if err == nil {
			continue
		}

		w.config.Logger.Printf("Warning: failed to persist task %s: %v", id, err)
		if firstErr == nil {
			firstErr = err
		}
		w.queueMu.Lock()
		if _, replaced := w.queue[id]; !replaced {
			w.queue[id] = q
		}
		w.queueMu.Unlock()
	}
	return firstErr
}
