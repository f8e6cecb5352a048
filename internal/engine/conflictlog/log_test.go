package conflictlog

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/schema"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestLog_AppendAndAll(t *testing.T) {
	l := New(NewMemoryBackend(), quietLogger())
	ctx := context.Background()

	first, err := l.Append(ctx, schema.ConflictRecord{TaskID: "t-1", Winner: schema.SideLocal})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if first.ID == "" || first.DetectedAt.IsZero() {
		t.Errorf("Append() did not stamp id/time: %+v", first)
	}
	if _, err := l.Append(ctx, schema.ConflictRecord{TaskID: "t-2", Winner: schema.SideRemote}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	all, err := l.All(ctx)
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != 2 || all[0].TaskID != "t-1" || all[1].TaskID != "t-2" {
		t.Errorf("All() = %+v, want t-1 then t-2", all)
	}

	only, err := l.ForTask(ctx, "t-2")
	if err != nil || len(only) != 1 {
		t.Errorf("ForTask() = %v, %v", only, err)
	}
}

func TestLog_RequiresTaskID(t *testing.T) {
	l := New(NewMemoryBackend(), quietLogger())
	if _, err := l.Append(context.Background(), schema.ConflictRecord{}); err == nil {
		t.Error("Append() without task id should fail")
	}
}

func TestLog_RejectsDuplicateID(t *testing.T) {
	l := New(NewMemoryBackend(), quietLogger())
	ctx := context.Background()

	rec := schema.ConflictRecord{ID: "fixed", TaskID: "t-1"}
	if _, err := l.Append(ctx, rec); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := l.Append(ctx, rec); err == nil {
		t.Error("records are append-only; duplicate id must fail")
	}
}

func TestLog_DurableAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	ctx := context.Background()

	open := func() *db.DB {
		t.Helper()
		database, err := db.Open(path)
		if err != nil {
			t.Fatalf("db.Open() error = %v", err)
		}
		if err := database.InitSchema(); err != nil {
			t.Fatalf("InitSchema() error = %v", err)
		}
		return database
	}

	database := open()
	local := schema.Task{ID: "t-1", Title: "local title"}
	remote := schema.Task{ID: "t-1", Title: "remote title"}
	_, err := New(database, quietLogger()).Append(ctx, schema.ConflictRecord{
		TaskID:   "t-1",
		Local:    local,
		Remote:   remote,
		Resolved: remote,
		Winner:   schema.SideRemote,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	database.Close()

	reopened := open()
	defer reopened.Close()

	all, err := New(reopened, quietLogger()).All(ctx)
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("All() len = %d after restart, want 1", len(all))
	}
	if all[0].Local.Title != "local title" || all[0].Resolved.Title != "remote title" {
		t.Errorf("record contents lost: %+v", all[0])
	}
}
