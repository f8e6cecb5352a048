package inbox

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fieldops/fieldsync/internal/schema"
)

var errUnknown = errors.New("task not found")

type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]schema.Task
	calls []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]schema.Task)}
}

func (f *fakeStore) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeStore) Create(fields schema.Patch) (schema.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task := schema.Task{ID: "t-" + string(rune('0'+len(f.tasks)))}
	fields.Apply(&task)
	f.tasks[task.ID] = task
	f.record("create")
	return task, nil
}

func (f *fakeStore) Update(id string, p schema.Patch) (schema.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return schema.Task{}, errUnknown
	}
	p.Apply(&task)
	f.tasks[id] = task
	f.record("update " + id)
	return task, nil
}

func (f *fakeStore) Move(id, date string) (schema.Task, error) {
	return f.Update(id, schema.Patch{Date: &date})
}

func (f *fakeStore) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return errUnknown
	}
	delete(f.tasks, id)
	f.record("delete " + id)
	return nil
}

func (f *fakeStore) Resubmit(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("resubmit " + id)
	return nil
}

func (f *fakeStore) ResubmitFailed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("resubmit_failed")
	return 2
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "create", input: `{"action":"create","fields":{"title":"Fix pump","date":"2026-03-01"}}`},
		{name: "update", input: `{"action":"update","id":"t-1","fields":{"status":"completed"}}`},
		{name: "move", input: `{"action":"move","id":"t-1","date":"2026-03-02"}`},
		{name: "delete", input: `{"action":"delete","id":"t-1"}`},
		{name: "resubmit all", input: `{"action":"resubmit_failed"}`},
		{name: "create without fields", input: `{"action":"create"}`, wantErr: true},
		{name: "move without date", input: `{"action":"move","id":"t-1"}`, wantErr: true},
		{name: "delete without id", input: `{"action":"delete"}`, wantErr: true},
		{name: "unknown verb", input: `{"action":"archive","id":"t-1"}`, wantErr: true},
		{name: "not json", input: `create t-1`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAction([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAction() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidAction) {
				t.Errorf("error %v does not wrap ErrInvalidAction", err)
			}
		})
	}
}

func testInbox(t *testing.T, s Store) (*Inbox, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "inbox")
	in, err := New(s, dir, &Config{
		DebounceInterval: 10 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return in, dir
}

func readResult(t *testing.T, path string) Result {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read result: %v", err)
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	return res
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", path)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInbox_ProcessFile(t *testing.T) {
	s := newFakeStore()
	in, dir := testInbox(t, s)

	ok := filepath.Join(dir, "001-create.json")
	os.WriteFile(ok, []byte(`{"action":"create","fields":{"title":"Fix pump","date":"2026-03-01"}}`), 0644)
	bad := filepath.Join(dir, "002-delete.json")
	os.WriteFile(bad, []byte(`{"action":"delete","id":"missing"}`), 0644)

	for _, path := range []string{ok, bad} {
		if err := in.ProcessFile(path); err != nil {
			t.Fatalf("ProcessFile(%s) failed: %v", filepath.Base(path), err)
		}
	}

	res := readResult(t, filepath.Join(dir, processedDir, "001-create.result.json"))
	if !res.OK || res.Task == nil || res.Task.Title != "Fix pump" {
		t.Errorf("create result = %+v", res)
	}
	if _, err := os.Stat(filepath.Join(dir, processedDir, "001-create.json")); err != nil {
		t.Errorf("action file not moved to processed/: %v", err)
	}

	res = readResult(t, filepath.Join(dir, failedDir, "002-delete.result.json"))
	if res.OK || res.Error == "" {
		t.Errorf("delete result = %+v, want failure", res)
	}

	if err := in.ProcessFile(ok); err != nil {
		t.Errorf("ProcessFile() on a vanished file = %v, want nil", err)
	}
}

func TestInbox_WatchAppliesInNameOrder(t *testing.T) {
	s := newFakeStore()
	s.tasks["t-1"] = schema.Task{ID: "t-1", Title: "Existing", Date: "2026-03-01"}
	in, dir := testInbox(t, s)

	// Present before Start: picked up by the initial scan.
	os.WriteFile(filepath.Join(dir, "001-move.json"), []byte(`{"action":"move","id":"t-1","date":"2026-03-09"}`), 0644)

	if err := in.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer in.Stop()

	os.WriteFile(filepath.Join(dir, "002-resubmit.json"), []byte(`{"action":"resubmit_failed"}`), 0644)

	waitForFile(t, filepath.Join(dir, processedDir, "001-move.result.json"))
	waitForFile(t, filepath.Join(dir, processedDir, "002-resubmit.result.json"))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks["t-1"].Date != "2026-03-09" {
		t.Errorf("t-1 date = %s, want moved", s.tasks["t-1"].Date)
	}
	if len(s.calls) != 2 || s.calls[0] != "update t-1" || s.calls[1] != "resubmit_failed" {
		t.Errorf("calls = %v", s.calls)
	}

	res := readResult(t, filepath.Join(dir, processedDir, "002-resubmit.result.json"))
	if res.Count != 2 {
		t.Errorf("resubmit count = %d, want 2", res.Count)
	}
}

func TestWatcher_StartStop(t *testing.T) {
	w, err := NewWatcher()
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("new watcher should not be running")
	}
	if err := w.Start(t.TempDir()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := w.Start(t.TempDir()); err == nil {
		t.Error("second Start() should fail")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if _, ok := <-w.Events(); ok {
		t.Error("Events() should be closed after Stop")
	}
}
