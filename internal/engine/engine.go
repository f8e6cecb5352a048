// Package engine wires the task synchronization components together.
//
// An Engine owns the local database, conflict log, resolver, retry
// controller, cache persister, store, status tracker and change stream
// subscriber, plus the optional status feed and inbox. Init builds and
// starts them in dependency order; Dispose stops them in reverse.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fieldops/fieldsync/internal/config"
	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/engine/conflictlog"
	"github.com/fieldops/fieldsync/internal/engine/inbox"
	"github.com/fieldops/fieldsync/internal/engine/persist"
	"github.com/fieldops/fieldsync/internal/engine/resolver"
	"github.com/fieldops/fieldsync/internal/engine/retry"
	"github.com/fieldops/fieldsync/internal/engine/status"
	"github.com/fieldops/fieldsync/internal/engine/store"
	"github.com/fieldops/fieldsync/internal/engine/stream"
	"github.com/fieldops/fieldsync/internal/feed"
	"github.com/fieldops/fieldsync/internal/logging"
	"github.com/fieldops/fieldsync/internal/remote"
	"github.com/fieldops/fieldsync/internal/schema"
)

// ErrNotInitialized is returned by operations that need a running engine.
var ErrNotInitialized = errors.New("engine not initialized")

// Engine is the constructed synchronization stack.
type Engine struct {
	cfg *config.Config

	DB        *db.DB
	Conflicts *conflictlog.Log
	Resolver  *resolver.Resolver
	Retry     *retry.Controller
	Persist   *persist.Writer
	Client    *remote.Client
	Store     *store.Store
	Status    *status.Tracker
	Feed      *feed.Server
	Inbox     *inbox.Inbox

	mu     sync.Mutex
	stream *stream.Subscriber

	// lifecycleMu serializes Reconnect against Dispose and guards
	// initialized.
	lifecycleMu sync.Mutex
	initialized bool

	publisher   *feed.Publisher
	unsubscribe func()
}

// New creates an engine for cfg. Nothing is opened until Init.
func New(cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Engine{cfg: cfg}
}

// Init opens storage, hydrates the store from the cache and the remote
// list, and starts the change stream. An unreachable remote is not fatal:
// the cached view stays loaded and mutations queue for retry.
//
// On error everything opened so far is disposed.
func (e *Engine) Init(ctx context.Context) (err error) {
	e.lifecycleMu.Lock()
	ready := e.initialized
	e.lifecycleMu.Unlock()
	if ready {
		return fmt.Errorf("engine already initialized")
	}
	defer func() {
		if err != nil {
			e.Dispose(context.Background())
		}
	}()

	cfg := e.cfg
	policy, err := resolver.ParsePolicy(cfg.Sync.ConflictPolicy)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	e.DB, err = db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open local database: %w", err)
	}
	if err := e.DB.InitSchemaContext(ctx); err != nil {
		return fmt.Errorf("failed to initialize local database: %w", err)
	}

	if cfg.Feed.Enabled {
		e.Feed = feed.NewServer(&feed.Config{
			Addr:    cfg.Feed.Addr,
			Welcome: e.welcome,
			Logger:  logging.New("feed"),
		})
		e.publisher = feed.NewPublisher(e.Feed.Hub(), logging.New("feed"))
	}

	e.Conflicts = conflictlog.New(e.DB, logging.New("conflicts"))
	e.Resolver = resolver.New(&recorder{log: e.Conflicts, publisher: e.publisher}, &resolver.Config{
		Policy: policy,
		Logger: logging.New("resolver"),
	})

	retryCfg := &retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		Serialize:   true,
		Logger:      logging.New("retry"),
	}
	if cfg.Retry.FailFastPermanent {
		retryCfg.Retryable = func(err error) bool { return !remote.IsPermanent(err) }
	}
	e.Retry = retry.New(retryCfg)

	e.Persist, err = persist.New(e.DB, &persist.Config{
		DebounceInterval: cfg.Sync.PersistDebounce,
		Logger:           logging.New("persist"),
	})
	if err != nil {
		return err
	}
	e.Persist.Start()

	e.Client = remote.New(cfg.Remote.URL)
	if cfg.Remote.Timeout > 0 {
		e.Client.Timeout = cfg.Remote.Timeout
	}

	e.Store = store.New(e.Client, e.Resolver, &store.Config{
		Retry:    e.Retry,
		Cache:    e.Persist,
		EchoTTL:  cfg.Sync.EchoTTL,
		NotFound: remote.IsNotFound,
		Logger:   logging.New("store"),
	})
	if err := e.Store.Hydrate(ctx); err != nil {
		logging.New("engine").Printf("Warning: starting from cached tasks: %v", err)
	}

	e.Status = status.New(e.Store)
	if e.publisher != nil {
		if err := e.Feed.Start(); err != nil {
			return fmt.Errorf("failed to start status feed: %w", err)
		}
		e.unsubscribe = e.Store.Subscribe(e.publisher.OnSnapshot)
		e.Status.OnChange(func(s status.Summary) {
			e.publisher.OnStatus(feed.StatusData{
				Pending:         s.Syncing,
				Synced:          s.Synced,
				Error:           s.Error,
				PendingDeletion: s.PendingDeletion,
				Total:           s.Total,
			})
		})
	}

	if err := e.startStream(); err != nil {
		return err
	}

	if cfg.Inbox.Enabled {
		e.Inbox, err = inbox.New(e.Store, cfg.Inbox.Dir, &inbox.Config{
			DebounceInterval: cfg.Inbox.Debounce,
			Logger:           logging.New("inbox"),
		})
		if err != nil {
			return err
		}
		if err := e.Inbox.Start(); err != nil {
			return fmt.Errorf("failed to start inbox: %w", err)
		}
	}

	e.lifecycleMu.Lock()
	e.initialized = true
	e.lifecycleMu.Unlock()
	return nil
}

func (e *Engine) startStream() error {
	url, err := e.Client.ChangesURL()
	if err != nil {
		return err
	}
	sub, err := stream.New(e.Store, &stream.Config{
		URL:                url,
		ReconnectAttempts:  e.cfg.Stream.ReconnectAttempts,
		ReconnectBaseDelay: e.cfg.Stream.ReconnectBaseDelay,
		ReconnectMaxDelay:  e.cfg.Stream.ReconnectMaxDelay,
		Logger:             logging.New("stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to create change stream: %w", err)
	}
	if e.publisher != nil {
		sub.OnStateChange(func(state stream.State, attempt int) {
			e.publisher.OnConnection(string(state), attempt)
		})
	}
	sub.Start()

	e.mu.Lock()
	e.stream = sub
	e.mu.Unlock()
	return nil
}

// Stream returns the current change stream subscriber.
func (e *Engine) Stream() *stream.Subscriber {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stream
}

// Reconnect replaces a subscriber that gave up with a fresh one. It is a
// no-op while the current subscriber is still running. The new subscriber
// resyncs the store on connect, so remote changes made in the meantime are
// picked up.
func (e *Engine) Reconnect() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if !e.initialized {
		return ErrNotInitialized
	}
	old := e.Stream()
	if old != nil {
		select {
		case <-old.Done():
		default:
			return nil
		}
		old.Stop()
	}
	return e.startStream()
}

// Dispose stops every component in reverse start order. In-flight remote
// mutations are given until ctx is done to finish; the persister then
// flushes whatever state they left.
func (e *Engine) Dispose(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	e.initialized = false

	var errs []error

	if e.Inbox != nil {
		if err := e.Inbox.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("inbox: %w", err))
		}
		e.Inbox = nil
	}
	if sub := e.Stream(); sub != nil {
		sub.Stop()
	}
	if e.Store != nil {
		e.Store.Close()
		if err := e.Store.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("waiting for in-flight mutations: %w", err))
		}
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	if e.Status != nil {
		e.Status.Close()
	}
	if e.Persist != nil {
		if err := e.Persist.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("persist: %w", err))
		}
		e.Persist = nil
	}
	if e.Feed != nil {
		if err := e.Feed.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("feed: %w", err))
		}
		e.Feed = nil
	}
	if e.DB != nil {
		if err := e.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
		e.DB = nil
	}

	return errors.Join(errs...)
}

// welcome is the first message a status feed client receives.
func (e *Engine) welcome() ([]byte, error) {
	var tasks []schema.Task
	if e.Store != nil {
		tasks = e.Store.List()
	}
	msg, err := feed.NewMessage(feed.MessageTypeSnapshot, feed.Snapshot(tasks))
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// recorder appends to the conflict log and announces each record on the
// status feed.
type recorder struct {
	log       *conflictlog.Log
	publisher *feed.Publisher
}

func (r *recorder) Append(ctx context.Context, rec schema.ConflictRecord) (schema.ConflictRecord, error) {
	rec, err := r.log.Append(ctx, rec)
	if err == nil && r.publisher != nil {
		r.publisher.OnConflict(rec)
	}
	return rec, err
}
