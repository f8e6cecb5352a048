package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldops/fieldsync/internal/config"
	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/engine/stream"
	"github.com/fieldops/fieldsync/internal/remote"
	"github.com/fieldops/fieldsync/internal/remote/server"
	"github.com/fieldops/fieldsync/internal/schema"
)

func startRemote(t *testing.T) (*httptest.Server, *server.Server) {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "remote.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	srv, err := server.New(database, &server.Config{Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("server.New() failed: %v", err)
	}
	srv.Hub().Start()
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Hub().Stop()
		ts.Close()
	})
	return ts, srv
}

func testConfig(t *testing.T, remoteURL, dbPath string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Remote.URL = remoteURL
	cfg.Database.Path = dbPath
	cfg.Retry.BaseDelay = 10 * time.Millisecond
	cfg.Sync.PersistDebounce = 10 * time.Millisecond
	cfg.Stream.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.Stream.ReconnectMaxDelay = 20 * time.Millisecond
	cfg.Feed.Enabled = true
	cfg.Feed.Addr = "127.0.0.1:0"
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func strPtr(s string) *string { return &s }

func TestEngine_EndToEnd(t *testing.T) {
	ctx := context.Background()
	ts, srv := startRemote(t)
	dbPath := filepath.Join(t.TempDir(), "local.db")

	e := New(testConfig(t, ts.URL, dbPath))
	if err := e.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	waitFor(t, "stream connected", func() bool {
		return e.Stream().State() == stream.StateConnected && srv.Hub().ClientCount() > 0
	})

	created, err := e.Store.Create(schema.Patch{Title: strPtr("Replace filter"), Date: strPtr("2024-03-01")})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := e.Store.Wait(ctx); err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	got, err := e.Store.Get(created.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.SyncStatus != schema.SyncSynced {
		t.Errorf("status after insert = %s, want synced", got.SyncStatus)
	}
	if e.Status.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", e.Status.Pending())
	}

	// A change made by another client arrives over the stream and is merged.
	other := remote.New(ts.URL)
	edited := got
	edited.Title = "Replace filter and belt"
	edited.UpdatedAt = got.UpdatedAt.Add(time.Minute)
	if _, err := other.Update(ctx, edited); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	waitFor(t, "remote update applied", func() bool {
		cur, err := e.Store.Get(created.ID)
		return err == nil && cur.Title == "Replace filter and belt"
	})

	records, err := e.Conflicts.ForTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("ForTask() failed: %v", err)
	}
	if len(records) == 0 {
		t.Error("remote update should be recorded in the conflict log")
	}

	if err := e.Dispose(ctx); err != nil {
		t.Fatalf("Dispose() failed: %v", err)
	}

	// A new engine on the same database starts from the cache and the
	// remote list, and still has the conflict history.
	e2 := New(testConfig(t, ts.URL, dbPath))
	if err := e2.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	defer e2.Dispose(ctx)

	reloaded, err := e2.Store.Get(created.ID)
	if err != nil {
		t.Fatalf("Get() after restart failed: %v", err)
	}
	if reloaded.Title != "Replace filter and belt" || reloaded.SyncStatus != schema.SyncSynced {
		t.Errorf("reloaded = %q/%s", reloaded.Title, reloaded.SyncStatus)
	}
	all, err := e2.Conflicts.All(ctx)
	if err != nil {
		t.Fatalf("All() failed: %v", err)
	}
	if len(all) < len(records) {
		t.Errorf("conflict log has %d records after restart, want at least %d", len(all), len(records))
	}
}

func TestEngine_OfflineStart(t *testing.T) {
	ctx := context.Background()
	ts, _ := startRemote(t)
	url := ts.URL
	ts.Close()

	cfg := testConfig(t, url, filepath.Join(t.TempDir(), "local.db"))
	cfg.Retry.MaxAttempts = 2
	cfg.Stream.ReconnectAttempts = 1
	cfg.Feed.Enabled = false

	e := New(cfg)
	if err := e.Init(ctx); err != nil {
		t.Fatalf("Init() with unreachable remote failed: %v", err)
	}
	defer e.Dispose(ctx)

	created, err := e.Store.Create(schema.Patch{Title: strPtr("Inspect boiler")})
	if err != nil {
		t.Fatalf("Create() while offline failed: %v", err)
	}
	if err := e.Store.Wait(ctx); err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	got, _ := e.Store.Get(created.ID)
	if got.SyncStatus != schema.SyncError {
		t.Errorf("status = %s, want error after exhausted retries", got.SyncStatus)
	}

	waitFor(t, "stream gives up", func() bool { return e.Stream().State() == stream.StateDisconnected })
	if err := e.Reconnect(); err != nil {
		t.Fatalf("Reconnect() failed: %v", err)
	}
	if e.Stream().State() == stream.StateDisconnected {
		t.Error("Reconnect() should replace the disconnected subscriber")
	}
}

func TestEngine_ReconnectCatchesUpOnMissedChanges(t *testing.T) {
	ctx := context.Background()
	ts, srv := startRemote(t)
	cfg := testConfig(t, ts.URL, filepath.Join(t.TempDir(), "local.db"))
	cfg.Feed.Enabled = false

	e := New(cfg)
	if err := e.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	defer e.Dispose(ctx)
	waitFor(t, "stream connected", func() bool {
		return e.Stream().State() == stream.StateConnected && srv.Hub().ClientCount() > 0
	})

	created, err := e.Store.Create(schema.Patch{Title: strPtr("Check pressure"), Date: strPtr("2024-03-01")})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := e.Store.Wait(ctx); err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	synced, err := e.Store.Get(created.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}

	e.Stream().Stop()
	waitFor(t, "stream client gone", func() bool { return srv.Hub().ClientCount() == 0 })

	// Another client edits and adds tasks while nothing is listening.
	other := remote.New(ts.URL)
	edited := synced
	edited.Title = "Check pressure and seals"
	edited.UpdatedAt = synced.UpdatedAt.Add(time.Minute)
	if _, err := other.Update(ctx, edited); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	added, err := other.Insert(ctx, schema.Task{ID: schema.NewID(), Title: "Added while offline", Date: "2024-03-02"})
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if cur, _ := e.Store.Get(created.ID); cur.Title != synced.Title {
		t.Fatalf("title changed to %q without a subscriber", cur.Title)
	}

	if err := e.Reconnect(); err != nil {
		t.Fatalf("Reconnect() failed: %v", err)
	}
	waitFor(t, "missed changes applied", func() bool {
		cur, err := e.Store.Get(created.ID)
		if err != nil || cur.Title != edited.Title {
			return false
		}
		_, err = e.Store.Get(added.ID)
		return err == nil
	})
}

func TestEngine_ReconnectRacingDispose(t *testing.T) {
	ctx := context.Background()
	ts, _ := startRemote(t)
	url := ts.URL
	ts.Close()

	cfg := testConfig(t, url, filepath.Join(t.TempDir(), "local.db"))
	cfg.Stream.ReconnectAttempts = 0
	cfg.Feed.Enabled = false

	e := New(cfg)
	if err := e.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			if err := e.Reconnect(); errors.Is(err, ErrNotInitialized) {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	if err := e.Dispose(ctx); err != nil {
		t.Fatalf("Dispose() failed: %v", err)
	}
	<-done

	if err := e.Reconnect(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Reconnect() after Dispose = %v, want ErrNotInitialized", err)
	}
	select {
	case <-e.Stream().Done():
	case <-time.After(time.Second):
		t.Error("a subscriber is still running after Dispose")
	}
}

func TestEngine_InitFailureDisposes(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "local.db")
	cfg.Sync.ConflictPolicy = "never"

	e := New(cfg)
	if err := e.Init(context.Background()); err == nil {
		t.Fatal("Init() with an unknown policy should fail")
	}
	if e.DB != nil {
		t.Error("failed Init() should not leave the database open")
	}
}
