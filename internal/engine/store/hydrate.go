package store

import (
	"context"
	"fmt"

	"github.com/fieldops/fieldsync/internal/schema"
)

// Hydrate loads the persisted cache and reconciles it with the remote list.
//
// Records with unconfirmed local work (syncing, error, pending_deletion) are
// kept as they are. Synced records are replaced by the remote version, and
// synced records the remote no longer has are dropped. Mutations interrupted
// by a restart are dispatched again.
//
// If the remote list cannot be fetched the cached view stays loaded and the
// error is returned.
func (s *Store) Hydrate(ctx context.Context) error {
	if s.config.Cache != nil {
		cached, err := s.config.Cache.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load task cache: %w", err)
		}
		s.mu.Lock()
		for _, task := range cached {
			if _, ok := s.records[task.ID]; ok {
				continue
			}
			if task.SyncStatus == "" {
				task.SyncStatus = schema.SyncSynced
			}
			s.records[task.ID] = &entry{task: task}
		}
		s.mu.Unlock()
		s.config.Logger.Printf("Loaded %d tasks from cache", len(cached))
	}

	remoteTasks, err := s.remote.List(ctx)
	if err != nil {
		s.notify()
		return fmt.Errorf("failed to list remote tasks: %w", err)
	}

	remoteByID := make(map[string]schema.Task, len(remoteTasks))
	for _, t := range remoteTasks {
		remoteByID[t.ID] = t
	}

	s.mu.Lock()
	var replaced, dropped, redispatched int
	for _, id := range s.sortedIDsLocked() {
		e := s.records[id]
		remote, onRemote := remoteByID[id]

		switch e.task.SyncStatus {
		case schema.SyncSynced:
			if !onRemote {
				delete(s.records, id)
				s.removeLocked(id)
				dropped++
				continue
			}
			remote.SyncStatus = schema.SyncSynced
			remote.Origin = schema.OriginRemote
			e.task = remote.Clone()
			s.putLocked(e)
			replaced++

		case schema.SyncSyncing:
			if e.pending > 0 {
				continue
			}
			kind := schema.KindUpdate
			if !onRemote {
				kind = schema.KindInsert
			}
			s.dispatchLocked(e, kind)
			redispatched++

		case schema.SyncPendingDeletion:
			if e.pending > 0 {
				continue
			}
			if !onRemote {
				delete(s.records, id)
				s.removeLocked(id)
				dropped++
				continue
			}
			s.dispatchLocked(e, schema.KindDelete)
			redispatched++

		case schema.SyncError:
			if e.lastKind == "" {
				e.lastKind = schema.KindUpdate
				if !onRemote {
					e.lastKind = schema.KindInsert
				}
			}
		}
	}

	for id, remote := range remoteByID {
		if _, ok := s.records[id]; ok {
			continue
		}
		remote.SyncStatus = schema.SyncSynced
		remote.Origin = schema.OriginRemote
		e := &entry{task: remote.Clone()}
		s.records[id] = e
		s.putLocked(e)
		replaced++
	}
	total := len(s.records)
	s.mu.Unlock()

	s.config.Logger.Printf("Hydrated %d tasks (%d from remote, %d dropped, %d redispatched)", total, replaced, dropped, redispatched)
	s.notify()
	return nil
}
