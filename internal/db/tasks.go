package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fieldops/fieldsync/internal/schema"
)

// timeLayout keeps nanoseconds so timestamps compare equal after a round
// trip through the database.
const timeLayout = time.RFC3339Nano

const selectTaskColumns = `id, title, description, date, start_time, end_time,
	       technician_id, client_id, equipment_id, status, priority,
	       maintenance, created_at, updated_at`

// InsertTask adds a task to the authoritative tasks table.
// Returns ErrExists if a task with the same ID is already stored.
func (db *DB) InsertTask(ctx context.Context, task *schema.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	args, err := taskArgs(task)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO tasks (
		id, title, description, date, start_time, end_time,
		technician_id, client_id, equipment_id, status, priority,
		maintenance, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING
	`

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", task.ID, ErrExists)
	}
	return nil
}

// UpdateTask replaces the business fields of an existing task.
// Returns ErrNotFound if the task does not exist.
func (db *DB) UpdateTask(ctx context.Context, task *schema.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	args, err := taskArgs(task)
	if err != nil {
		return err
	}

	query := `
	UPDATE tasks SET
		title = ?2,
		description = ?3,
		date = ?4,
		start_time = ?5,
		end_time = ?6,
		technician_id = ?7,
		client_id = ?8,
		equipment_id = ?9,
		status = ?10,
		priority = ?11,
		maintenance = ?12,
		updated_at = ?14
	WHERE id = ?1
	`

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	return nil
}

// DeleteTask removes a task and returns the version that was deleted.
// Returns ErrNotFound if the task does not exist.
func (db *DB) DeleteTask(ctx context.Context, id string) (*schema.Task, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+selectTaskColumns+` FROM tasks WHERE id = ?`, id)
	old, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to delete task %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return old, nil
}

// GetTask retrieves a single task by ID.
// Returns ErrNotFound if the task does not exist.
func (db *DB) GetTask(ctx context.Context, id string) (*schema.Task, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+selectTaskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return task, err
}

// ListTasks returns every task ordered by schedule.
func (db *DB) ListTasks(ctx context.Context) ([]*schema.Task, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT `+selectTaskColumns+`
	FROM tasks
	ORDER BY date ASC, start_time ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*schema.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// GetTaskCount returns the total number of tasks in the authoritative table.
func (db *DB) GetTaskCount(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get task count: %w", err)
	}
	return count, nil
}

// taskArgs returns the positional arguments shared by every task write.
func taskArgs(task *schema.Task) ([]any, error) {
	var maintenance sql.NullString
	if task.Maintenance != nil {
		data, err := json.Marshal(task.Maintenance)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal maintenance: %w", err)
		}
		maintenance = sql.NullString{String: string(data), Valid: true}
	}

	return []any{
		task.ID,
		task.Title,
		task.Description,
		task.Date,
		task.StartTime,
		task.EndTime,
		task.TechnicianID,
		task.ClientID,
		task.EquipmentID,
		string(task.Status),
		string(task.Priority),
		maintenance,
		task.CreatedAt.UTC().Format(timeLayout),
		task.UpdatedAt.UTC().Format(timeLayout),
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanTask reads one row selected with selectTaskColumns, plus any extra
// destinations appended after the shared columns.
func scanTask(row scanner, extra ...any) (*schema.Task, error) {
	var task schema.Task
	var status, priority string
	var maintenance sql.NullString
	var createdAt, updatedAt string

	dest := []any{
		&task.ID,
		&task.Title,
		&task.Description,
		&task.Date,
		&task.StartTime,
		&task.EndTime,
		&task.TechnicianID,
		&task.ClientID,
		&task.EquipmentID,
		&status,
		&priority,
		&maintenance,
		&createdAt,
		&updatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	task.Status = schema.Status(status)
	task.Priority = schema.Priority(priority)

	if maintenance.Valid && maintenance.String != "" {
		var m schema.Maintenance
		if err := json.Unmarshal([]byte(maintenance.String), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal maintenance: %w", err)
		}
		task.Maintenance = &m
	}

	if t, err := time.Parse(timeLayout, createdAt); err == nil {
		task.CreatedAt = t
	}
	if t, err := time.Parse(timeLayout, updatedAt); err == nil {
		task.UpdatedAt = t
	}

	return &task, nil
}
