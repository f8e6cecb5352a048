package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldops/fieldsync/internal/schema"
)

// Resync re-reads the remote list and applies what the change stream missed
// while it was not connected:
//
//   - remote records the store has never seen are added,
//   - synced records with a newer remote version are merged as a remote
//     update would be,
//   - synced records the remote no longer holds are removed.
//
// Records with unconfirmed local work are left to their own mutation. Ids
// that were known before the list was read and are gone afterwards were
// deleted meanwhile and are not brought back.
func (s *Store) Resync(ctx context.Context) error {
	s.mu.Lock()
	known := make(map[string]bool, len(s.records))
	synced := make(map[string]time.Time)
	for id, e := range s.records {
		known[id] = true
		if e.task.SyncStatus == schema.SyncSynced {
			synced[id] = e.task.UpdatedAt
		}
	}
	s.mu.Unlock()

	remoteTasks, err := s.remote.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list remote tasks: %w", err)
	}

	var applied, removed int
	var errs []error
	onRemote := make(map[string]bool, len(remoteTasks))
	for _, remote := range remoteTasks {
		onRemote[remote.ID] = true

		s.mu.Lock()
		e, ok := s.records[remote.ID]
		var missed bool
		if ok {
			missed = e.task.SyncStatus == schema.SyncSynced && remote.UpdatedAt.After(e.task.UpdatedAt)
		} else {
			missed = !known[remote.ID]
		}
		s.mu.Unlock()
		if !missed {
			continue
		}

		if err := s.applyRemoteRecord(ctx, remote); err != nil {
			errs = append(errs, err)
		}
		applied++
	}

	s.mu.Lock()
	for id, updatedAt := range synced {
		if onRemote[id] {
			continue
		}
		e, ok := s.records[id]
		if !ok || e.task.SyncStatus != schema.SyncSynced || !e.task.UpdatedAt.Equal(updatedAt) {
			continue
		}
		delete(s.records, id)
		s.removeLocked(id)
		removed++
	}
	s.mu.Unlock()

	if removed > 0 {
		s.notify()
	}
	if applied > 0 || removed > 0 {
		s.config.Logger.Printf("Resynced with remote: %d applied, %d removed", applied, removed)
	}
	return errors.Join(errs...)
}
