// Package status derives the sync indicator shown by the UI: the number of
// tasks whose latest local mutation is still being sent.
package status

import (
	"sync"

	"github.com/fieldops/fieldsync/internal/schema"
)

// Source is a store that pushes snapshots. *store.Store satisfies it.
type Source interface {
	Subscribe(l func(tasks []schema.Task)) (unsubscribe func())
}

// Summary counts tasks per sync status.
type Summary struct {
	Syncing         int `json:"syncing"`
	Synced          int `json:"synced"`
	Error           int `json:"error"`
	PendingDeletion int `json:"pending_deletion"`
	Total           int `json:"total"`
}

// Summarize counts tasks per sync status.
func Summarize(tasks []schema.Task) Summary {
	s := Summary{Total: len(tasks)}
	for _, t := range tasks {
		switch t.SyncStatus {
		case schema.SyncSyncing:
			s.Syncing++
		case schema.SyncSynced:
			s.Synced++
		case schema.SyncError:
			s.Error++
		case schema.SyncPendingDeletion:
			s.PendingDeletion++
		}
	}
	return s
}

// Tracker recomputes the summary on every store change.
type Tracker struct {
	mu        sync.Mutex
	summary   Summary
	listeners []func(Summary)

	unsubscribe func()
}

// New subscribes a tracker to src.
func New(src Source) *Tracker {
	t := &Tracker{}
	t.unsubscribe = src.Subscribe(t.update)
	return t
}

func (t *Tracker) update(tasks []schema.Task) {
	s := Summarize(tasks)

	t.mu.Lock()
	changed := s != t.summary
	t.summary = s
	listeners := append([]func(Summary){}, t.listeners...)
	t.mu.Unlock()

	if !changed {
		return
	}
	for _, l := range listeners {
		l(s)
	}
}

// Pending returns the number of tasks in the syncing state.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary.Syncing
}

// Summary returns the latest counts.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary
}

// OnChange registers l to be called whenever the summary changes.
func (t *Tracker) OnChange(l func(Summary)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

// Close detaches the tracker from its store.
func (t *Tracker) Close() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
}
