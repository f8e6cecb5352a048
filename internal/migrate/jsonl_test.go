package migrate

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/schema"
)

const sampleJSONL = `{"id":"t-1","title":"Replace belt","date":"2026-06-01","start_time":"08:00","end_time":"09:00"}
{"title":"No id yet","date":"2026-06-02"}
{"id":"t-3","title":"","date":"2026-06-03"}
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.jsonl")
	if err := os.WriteFile(path, []byte(sampleJSONL), 0644); err != nil {
		t.Fatalf("failed to write sample: %v", err)
	}
	return path
}

func TestReadJSONL_Defaults(t *testing.T) {
	now := time.Date(2026, 5, 30, 12, 0, 0, 0, time.UTC)
	tasks, err := ReadJSONL(strings.NewReader(sampleJSONL), now)
	if err != nil {
		t.Fatalf("ReadJSONL() failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(tasks))
	}
	if tasks[1].ID == "" {
		t.Error("task without id should get one")
	}
	if tasks[0].Status != schema.StatusPending || !tasks[0].CreatedAt.Equal(now) {
		t.Errorf("defaults not applied: %+v", tasks[0])
	}
}

func TestReadJSONL_InvalidLine(t *testing.T) {
	_, err := ReadJSONL(strings.NewReader("{\"id\":\"a\"}\nnot json\n"), time.Now())
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("ReadJSONL() error = %v, want line 2 reported", err)
	}
}

func TestSeed(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "remote.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer database.Close()
	if err := database.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	path := writeSample(t)
	ctx := context.Background()

	dry, err := Seed(ctx, database, SeedOptions{FromJSONL: path, DryRun: true})
	if err != nil {
		t.Fatalf("Seed(dry run) failed: %v", err)
	}
	if n, _ := database.GetTaskCount(ctx); n != 0 {
		t.Errorf("dry run wrote %d tasks", n)
	}
	if dry.TasksImported != 2 || len(dry.Errors) != 1 {
		t.Errorf("dry run result = %+v", dry)
	}

	res, err := Seed(ctx, database, SeedOptions{FromJSONL: path, Backup: true})
	if err != nil {
		t.Fatalf("Seed() failed: %v", err)
	}
	if res.TasksRead != 3 || res.TasksImported != 2 || len(res.Errors) != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.BackupCreated == "" {
		t.Error("backup not created")
	}

	again, err := Seed(ctx, database, SeedOptions{FromJSONL: path})
	if err != nil {
		t.Fatalf("second Seed() failed: %v", err)
	}
	// t-1 is skipped; the id-less line gets a new id and is imported again.
	if again.TasksSkipped != 1 {
		t.Errorf("second import skipped %d, want 1", again.TasksSkipped)
	}
}

func TestWriteJSONL_RoundTrip(t *testing.T) {
	at := time.Date(2026, 6, 1, 8, 0, 0, 42, time.UTC)
	in := []schema.Task{
		{ID: "a", Title: "A", Date: "2026-06-01", CreatedAt: at, UpdatedAt: at, SyncStatus: schema.SyncError},
		{ID: "b", Title: "B", Date: "2026-06-02", CreatedAt: at, UpdatedAt: at},
	}

	var buf bytes.Buffer
	if err := WriteJSONL(&buf, in); err != nil {
		t.Fatalf("WriteJSONL() failed: %v", err)
	}
	if strings.Contains(buf.String(), "error") {
		t.Error("local sync metadata leaked into JSONL output")
	}

	out, err := ReadJSONL(&buf, time.Now())
	if err != nil {
		t.Fatalf("ReadJSONL() failed: %v", err)
	}
	if len(out) != 2 || out[1].ID != "b" || !out[0].UpdatedAt.Equal(at) {
		t.Errorf("round trip = %+v", out)
	}
}
