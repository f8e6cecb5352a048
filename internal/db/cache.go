package db

import (
	"context"
	"fmt"

	"github.com/fieldops/fieldsync/internal/schema"
)

// CacheTask writes the local store's copy of a task, including its local
// sync metadata, to the task_cache table.
func (db *DB) CacheTask(ctx context.Context, task *schema.Task) error {
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	args = append(args, string(task.SyncStatus), string(task.Origin))

	query := `
	INSERT INTO task_cache (
		id, title, description, date, start_time, end_time,
		technician_id, client_id, equipment_id, status, priority,
		maintenance, created_at, updated_at, sync_status, origin
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		date = excluded.date,
		start_time = excluded.start_time,
		end_time = excluded.end_time,
		technician_id = excluded.technician_id,
		client_id = excluded.client_id,
		equipment_id = excluded.equipment_id,
		status = excluded.status,
		priority = excluded.priority,
		maintenance = excluded.maintenance,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		sync_status = excluded.sync_status,
		origin = excluded.origin
	`

	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to cache task %s: %w", task.ID, err)
	}
	return nil
}

// UncacheTask removes a task from the local cache.
// Returns nil if the task isn't cached (idempotent).
func (db *DB) UncacheTask(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM task_cache WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to uncache task %s: %w", id, err)
	}
	return nil
}

// CachedTasks returns every task in the local cache with its sync metadata.
func (db *DB) CachedTasks(ctx context.Context) ([]*schema.Task, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT `+selectTaskColumns+`, sync_status, origin
	FROM task_cache
	ORDER BY date ASC, start_time ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to read task cache: %w", err)
	}
	defer rows.Close()

	var tasks []*schema.Task
	for rows.Next() {
		var syncStatus, origin string
		task, err := scanTask(rows, &syncStatus, &origin)
		if err != nil {
			return nil, err
		}
		task.SyncStatus = schema.SyncStatus(syncStatus)
		task.Origin = schema.Origin(origin)
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task cache: %w", err)
	}
	return tasks, nil
}
