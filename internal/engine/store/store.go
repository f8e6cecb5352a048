// Package store holds the local, optimistically mutated view of tasks.
//
// Every mutation is applied to local state before it returns and is then sent
// to the remote service on a background retry lane. A record's SyncStatus
// tracks the newest outstanding mutation: syncing (or pending_deletion)
// while it is in flight, synced once the remote confirms it, error once the
// retry controller gives up. Failed records keep their local values and can
// be resubmitted.
//
// Remote notifications enter through ApplyRemote. Updates for records that
// exist locally are merged by the resolver; deletes always win.
package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fieldops/fieldsync/internal/engine/resolver"
	"github.com/fieldops/fieldsync/internal/engine/retry"
	"github.com/fieldops/fieldsync/internal/schema"
)

// Remote is the authoritative task service.
type Remote interface {
	Insert(ctx context.Context, task schema.Task) (schema.Task, error)
	Update(ctx context.Context, task schema.Task) (schema.Task, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]schema.Task, error)
}

// Merger resolves a local and a remote version of the same task.
// *resolver.Resolver satisfies it.
type Merger interface {
	Resolve(ctx context.Context, local, remote schema.Task) (resolver.Result, error)
}

// Cache persists the local view across restarts. Put and Remove must not
// block; they are called with the store's lock held.
type Cache interface {
	Load(ctx context.Context) ([]schema.Task, error)
	Put(task schema.Task)
	Remove(id string)
}

// Listener receives a fresh snapshot after every change. Deliveries are
// serialized. A listener must not call store mutations.
type Listener = func(tasks []schema.Task)

// Config holds configuration for the store.
type Config struct {
	// Retry runs outbound mutations. Nil uses retry.DefaultConfig().
	Retry *retry.Controller

	// Cache persists records. Nil keeps state in memory only.
	Cache Cache

	// EchoTTL is how long a confirmed local write waits for its echo on the
	// change stream before it is forgotten.
	EchoTTL time.Duration

	// NotFound reports whether a remote error means the task does not exist
	// there. A delete failing this way has nothing left to remove and
	// counts as confirmed. Nil treats every error as a failure.
	NotFound func(error) bool

	Logger *log.Logger
	Now    func() time.Time
}

// DefaultConfig returns default store configuration.
func DefaultConfig() *Config {
	return &Config{
		EchoTTL: 10 * time.Second,
		Logger:  log.New(os.Stderr, "[store] ", log.LstdFlags),
		Now:     time.Now,
	}
}

type entry struct {
	task schema.Task

	// pending counts dispatched mutations that have not completed.
	pending int
	// lastKind is the newest mutation the local side intended to send.
	lastKind schema.ChangeKind
	lastErr  error
}

// echoKey identifies the notification a local write will produce.
// updatedAt is zero for deletes.
type echoKey struct {
	id        string
	kind      schema.ChangeKind
	updatedAt int64
}

// Store is the local task store.
type Store struct {
	remote Remote
	merger Merger
	config *Config

	mu      sync.Mutex
	records map[string]*entry
	// echoes maps in-flight and recently confirmed local writes to their
	// expiry. A zero expiry means the write is still in flight.
	echoes map[echoKey]time.Time
	closed bool

	notifyMu  sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// New creates a store.
func New(remote Remote, merger Merger, config *Config) *Store {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Retry == nil {
		config.Retry = retry.New(retry.DefaultConfig())
	}
	if config.EchoTTL <= 0 {
		config.EchoTTL = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Store{
		remote:    remote,
		merger:    merger,
		config:    config,
		records:   make(map[string]*entry),
		echoes:    make(map[echoKey]time.Time),
		listeners: make(map[int]Listener),
	}
}

// Create adds a new task built from fields and starts its remote insert.
// The returned record is visible immediately with SyncStatus syncing.
func (s *Store) Create(fields schema.Patch) (schema.Task, error) {
	now := s.config.Now()
	task := schema.Task{ID: schema.NewID()}
	fields.Apply(&task)
	task.SetDefaults(now)
	task.UpdatedAt = task.CreatedAt
	task.SyncStatus = schema.SyncSyncing
	task.Origin = schema.OriginLocal

	if err := task.Validate(); err != nil {
		return schema.Task{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return schema.Task{}, ErrClosed
	}
	e := &entry{task: task}
	s.records[task.ID] = e
	s.putLocked(e)
	s.dispatchLocked(e, schema.KindInsert)
	s.mu.Unlock()

	s.notify()
	return task.Clone(), nil
}

// Update applies patch to the task with the given id and starts its remote
// update.
func (s *Store) Update(id string, patch schema.Patch) (schema.Task, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return schema.Task{}, ErrClosed
	}
	e, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return schema.Task{}, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	if e.task.SyncStatus == schema.SyncPendingDeletion {
		s.mu.Unlock()
		return schema.Task{}, fmt.Errorf("update %s: %w", id, ErrPendingDeletion)
	}

	next := e.task.Clone()
	patch.Apply(&next)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return schema.Task{}, err
	}
	next.UpdatedAt = s.stamp(e.task.UpdatedAt)
	next.SyncStatus = schema.SyncSyncing
	next.Origin = schema.OriginLocal

	e.task = next
	s.putLocked(e)
	s.dispatchLocked(e, schema.KindUpdate)
	s.mu.Unlock()

	s.notify()
	return next.Clone(), nil
}

// Move reschedules a task to date (YYYY-MM-DD).
func (s *Store) Move(id, date string) (schema.Task, error) {
	if _, err := schema.ParseDate(date); err != nil {
		return schema.Task{}, err
	}
	return s.Update(id, schema.Patch{Date: &date})
}

// Delete marks the task pending_deletion and starts its remote delete. The
// record is removed once the remote confirms.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	e, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	if e.task.SyncStatus == schema.SyncPendingDeletion && e.pending > 0 {
		s.mu.Unlock()
		return nil
	}

	e.task.SyncStatus = schema.SyncPendingDeletion
	e.task.Origin = schema.OriginLocal
	s.putLocked(e)
	s.dispatchLocked(e, schema.KindDelete)
	s.mu.Unlock()

	s.notify()
	return nil
}

// Resubmit re-sends the last intended mutation of a task in the error state.
func (s *Store) Resubmit(id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	e, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("resubmit %s: %w", id, ErrNotFound)
	}
	if e.task.SyncStatus != schema.SyncError {
		s.mu.Unlock()
		return fmt.Errorf("resubmit %s: %w", id, ErrNotFailed)
	}
	s.resubmitLocked(e)
	s.mu.Unlock()

	s.notify()
	return nil
}

// ResubmitFailed resubmits every task in the error state and returns how
// many were resubmitted.
func (s *Store) ResubmitFailed() int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	n := 0
	for _, id := range s.sortedIDsLocked() {
		e := s.records[id]
		if e.task.SyncStatus != schema.SyncError {
			continue
		}
		s.resubmitLocked(e)
		n++
	}
	s.mu.Unlock()

	if n > 0 {
		s.notify()
	}
	return n
}

func (s *Store) resubmitLocked(e *entry) {
	kind := e.lastKind
	if kind == "" {
		kind = schema.KindUpdate
	}
	if kind == schema.KindDelete {
		e.task.SyncStatus = schema.SyncPendingDeletion
	} else {
		e.task.SyncStatus = schema.SyncSyncing
	}
	s.putLocked(e)
	s.dispatchLocked(e, kind)
}

// stamp returns a modification time strictly after prev.
func (s *Store) stamp(prev time.Time) time.Time {
	now := s.config.Now()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

// dispatchLocked queues the remote half of a mutation on the record's lane.
func (s *Store) dispatchLocked(e *entry, kind schema.ChangeKind) {
	wire := e.task.Clone()
	wire.SyncStatus = ""
	wire.Origin = ""

	key := echoKey{id: wire.ID, kind: kind}
	if kind != schema.KindDelete {
		key.updatedAt = wire.UpdatedAt.UnixNano()
	}
	s.echoes[key] = time.Time{}

	e.pending++
	e.lastKind = kind

	var op retry.Op
	switch kind {
	case schema.KindInsert:
		op = func(ctx context.Context) error {
			_, err := s.remote.Insert(ctx, wire)
			return err
		}
	case schema.KindUpdate:
		op = func(ctx context.Context) error {
			_, err := s.remote.Update(ctx, wire)
			return err
		}
	case schema.KindDelete:
		op = func(ctx context.Context) error {
			err := s.remote.Delete(ctx, wire.ID)
			if err != nil && s.config.NotFound != nil && s.config.NotFound(err) {
				return nil
			}
			return err
		}
	}

	s.config.Retry.Submit(wire.ID, retry.Job{
		Name: fmt.Sprintf("%s %s", strings.ToLower(string(kind)), wire.ID),
		Op:   op,
		Done: func(out retry.Outcome) { s.complete(key, out) },
	})
}

// complete records the outcome of one dispatched mutation. Only the newest
// outstanding mutation of a record decides its final status.
func (s *Store) complete(key echoKey, out retry.Outcome) {
	s.mu.Lock()
	if out.Err != nil {
		delete(s.echoes, key)
	} else if _, ok := s.echoes[key]; ok {
		s.echoes[key] = s.config.Now().Add(s.config.EchoTTL)
	}

	e, ok := s.records[key.id]
	if !ok {
		// Removed by a remote delete while the mutation was in flight.
		s.mu.Unlock()
		return
	}
	e.pending--
	if e.pending > 0 {
		if out.Err != nil {
			s.config.Logger.Printf("WARNING: %s %s failed, newer mutation pending: %v", strings.ToLower(string(key.kind)), key.id, out.Err)
		}
		s.mu.Unlock()
		return
	}

	changed := true
	switch {
	case out.Err != nil:
		s.config.Logger.Printf("WARNING: %s %s failed after %d attempt(s): %v", strings.ToLower(string(key.kind)), key.id, out.Attempts, out.Err)
		e.lastErr = out.Err
		e.task.SyncStatus = schema.SyncError
		s.putLocked(e)
	case key.kind == schema.KindDelete:
		delete(s.records, key.id)
		s.removeLocked(key.id)
	case e.task.SyncStatus == schema.SyncSyncing:
		e.lastErr = nil
		e.task.SyncStatus = schema.SyncSynced
		s.putLocked(e)
	default:
		changed = false
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// SuppressEcho reports whether c is the stream's echo of a local write and,
// if so, consumes the matching in-flight entry. The subscriber drops
// suppressed changes instead of applying them.
func (s *Store) SuppressEcho(c schema.Change) bool {
	key := echoKey{id: c.TaskID(), kind: c.Kind()}
	switch c := c.(type) {
	case schema.Insert:
		key.updatedAt = c.Record.UpdatedAt.UnixNano()
	case schema.Update:
		key.updatedAt = c.Record.UpdatedAt.UnixNano()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireEchoesLocked()

	if _, ok := s.echoes[key]; !ok {
		return false
	}
	delete(s.echoes, key)
	return true
}

func (s *Store) expireEchoesLocked() {
	now := s.config.Now()
	for k, exp := range s.echoes {
		if !exp.IsZero() && now.After(exp) {
			delete(s.echoes, k)
		}
	}
}

// ApplyRemote applies a change pushed by the remote service. The returned
// error reports a conflict log failure; the change is applied regardless.
func (s *Store) ApplyRemote(ctx context.Context, c schema.Change) error {
	switch c := c.(type) {
	case schema.Insert:
		return s.applyRemoteRecord(ctx, c.Record)
	case schema.Update:
		return s.applyRemoteRecord(ctx, c.Record)
	case schema.Delete:
		s.mu.Lock()
		_, ok := s.records[c.Record.ID]
		if ok {
			delete(s.records, c.Record.ID)
			s.removeLocked(c.Record.ID)
		}
		s.mu.Unlock()
		if ok {
			s.notify()
		}
		return nil
	}
	return fmt.Errorf("%w: unsupported change %T", schema.ErrInvalidChange, c)
}

func (s *Store) applyRemoteRecord(ctx context.Context, remote schema.Task) error {
	remote = remote.Clone()

	s.mu.Lock()
	e, ok := s.records[remote.ID]
	if !ok {
		remote.Fields = nil
		remote.SyncStatus = schema.SyncSynced
		remote.Origin = schema.OriginRemote
		e = &entry{task: remote}
		s.records[remote.ID] = e
		s.putLocked(e)
		s.mu.Unlock()
		s.notify()
		return nil
	}
	local := e.task.Clone()
	s.mu.Unlock()

	// The resolver may write to durable storage; it runs outside the lock.
	res, logErr := s.merger.Resolve(ctx, local, remote)

	s.mu.Lock()
	e, ok = s.records[remote.ID]
	if !ok {
		// Deleted while resolving; a delete always wins.
		s.mu.Unlock()
		return logErr
	}
	if !e.task.UpdatedAt.Equal(local.UpdatedAt) {
		// A local write landed while resolving. Merge against it instead.
		res.Merged, res.Winner = resolver.Merge(e.task, remote)
		res.Merged.Origin = schema.OriginRemote
		res.Merged.SyncStatus = schema.SyncSynced
	}
	deleting := e.task.SyncStatus == schema.SyncPendingDeletion && e.pending > 0
	e.task = res.Merged
	if deleting {
		e.task.SyncStatus = schema.SyncPendingDeletion
	}
	s.putLocked(e)
	s.mu.Unlock()

	s.notify()
	if logErr != nil {
		return fmt.Errorf("apply remote %s: %w", remote.ID, logErr)
	}
	return nil
}

// Get returns a copy of the task with the given id.
func (s *Store) Get(id string) (schema.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[id]
	if !ok {
		return schema.Task{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return e.task.Clone(), nil
}

// LastError returns the error that put a task into the error state.
func (s *Store) LastError(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.records[id]; ok {
		return e.lastErr
	}
	return nil
}

// List returns a snapshot of every task ordered by date, start time and id.
func (s *Store) List() []schema.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []schema.Task {
	out := make([]schema.Task, 0, len(s.records))
	for _, e := range s.records {
		out = append(out, e.task.Clone())
	}
	sortTasks(out)
	return out
}

func (s *Store) sortedIDsLocked() []string {
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortTasks(tasks []schema.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		return a.ID < b.ID
	})
}

// Subscribe registers l and returns a function that unregisters it. l is
// called once immediately with the current snapshot.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.notifyMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	l(s.List())
	s.notifyMu.Unlock()

	return func() {
		s.notifyMu.Lock()
		delete(s.listeners, id)
		s.notifyMu.Unlock()
	}
}

// notify delivers a fresh snapshot to every listener. The snapshot is taken
// after notifyMu is held, so the last delivery always reflects the latest
// state even when notifications race.
func (s *Store) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if len(s.listeners) == 0 {
		return
	}
	snapshot := s.List()
	for _, l := range s.listeners {
		l(snapshot)
	}
}

func (s *Store) putLocked(e *entry) {
	if s.config.Cache != nil {
		s.config.Cache.Put(e.task.Clone())
	}
}

func (s *Store) removeLocked(id string) {
	if s.config.Cache != nil {
		s.config.Cache.Remove(id)
	}
}

// Wait blocks until no mutation is in flight or ctx is done.
func (s *Store) Wait(ctx context.Context) error {
	return s.config.Retry.Wait(ctx)
}

// Close rejects further mutations. Mutations already in flight keep running;
// use Wait to drain them.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
