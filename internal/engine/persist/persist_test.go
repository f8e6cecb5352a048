package persist

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/schema"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := database.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func testWriter(t *testing.T, backend Backend) *Writer {
	t.Helper()
	w, err := New(backend, &Config{
		DebounceInterval: 10 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return w
}

func cachedTask(id, title string, status schema.SyncStatus) schema.Task {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return schema.Task{
		ID:         id,
		Title:      title,
		Date:       "2026-03-04",
		Status:     schema.StatusPending,
		Priority:   schema.PriorityLow,
		CreatedAt:  now,
		UpdatedAt:  now,
		SyncStatus: status,
		Origin:     schema.OriginLocal,
	}
}

func TestNew_NilBackend(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Error("New(nil) should fail")
	}
}

func TestWriter_DebouncedFlush(t *testing.T) {
	database := openTestDB(t)
	w := testWriter(t, database)
	w.Start()

	for i, title := range []string{"v1", "v2", "v3"} {
		task := cachedTask("t-1", title, schema.SyncSyncing)
		task.UpdatedAt = task.UpdatedAt.Add(time.Duration(i) * time.Second)
		w.Put(task)
	}
	if w.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1 (writes to one record coalesce)", w.Pending())
	}

	deadline := time.Now().Add(2 * time.Second)
	for w.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	got, err := w.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(got) != 1 || got[0].Title != "v3" || got[0].SyncStatus != schema.SyncSyncing {
		t.Errorf("Load() = %+v, want newest version with sync metadata", got)
	}
}

func TestWriter_RemoveAndStopFlushes(t *testing.T) {
	database := openTestDB(t)
	w := testWriter(t, database)

	w.Put(cachedTask("keep", "keep me", schema.SyncSynced))
	w.Put(cachedTask("drop", "drop me", schema.SyncPendingDeletion))
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	w.Remove("drop")
	// Never started: Stop must still flush the queue.
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	got, err := w.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "keep" {
		t.Errorf("Load() = %+v, want only 'keep'", got)
	}
}
