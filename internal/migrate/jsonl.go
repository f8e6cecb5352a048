// Package migrate imports and exports tasks as JSON Lines, one task per
// line, using the same JSON shape as the remote API.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/schema"
)

// SeedOptions contains configuration for a seed import
type SeedOptions struct {
	FromJSONL string // Input JSONL file path
	DryRun    bool   // Parse and validate without writing
	Backup    bool   // Copy the input file aside before importing
}

// SeedResult contains statistics about the import
type SeedResult struct {
	TasksRead     int
	TasksImported int
	TasksSkipped  int // already present
	BackupCreated string
	Errors        []string
}

// FromJSONL reads a JSONL file and returns the parsed tasks with defaults
// applied. Tasks without an id get a fresh one.
func FromJSONL(jsonlPath string, now time.Time) ([]*schema.Task, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(jsonlPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	return ReadJSONL(file, now)
}

// ReadJSONL parses tasks from r.
func ReadJSONL(r io.Reader, now time.Time) ([]*schema.Task, error) {
	var tasks []*schema.Task
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		var task schema.Task
		if err := decoder.Decode(&task); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		if task.ID == "" {
			task.ID = schema.NewID()
		}
		task.SetDefaults(now)

		tasks = append(tasks, &task)
	}

	return tasks, nil
}

// WriteJSONL writes one task per line.
func WriteJSONL(w io.Writer, tasks []schema.Task) error {
	enc := json.NewEncoder(w)
	for i := range tasks {
		if err := enc.Encode(&tasks[i]); err != nil {
			return fmt.Errorf("failed to encode task %s: %w", tasks[i].ID, err)
		}
	}
	return nil
}

// Seed imports a JSONL file into the authoritative tasks table. Existing
// ids are skipped; invalid tasks are reported in the result and do not stop
// the import.
func Seed(ctx context.Context, database *db.DB, opts SeedOptions) (*SeedResult, error) {
	result := &SeedResult{}

	if _, err := os.Stat(opts.FromJSONL); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.FromJSONL + ".backup." + time.Now().Format("20060102-150405")
		input, err := os.ReadFile(opts.FromJSONL)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	tasks, err := FromJSONL(opts.FromJSONL, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}
	result.TasksRead = len(tasks)

	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("task %s: %v", task.ID, err))
			continue
		}
		if opts.DryRun {
			result.TasksImported++
			continue
		}

		err := database.InsertTask(ctx, task)
		switch {
		case err == nil:
			result.TasksImported++
		case errors.Is(err, db.ErrExists):
			result.TasksSkipped++
		default:
			result.Errors = append(result.Errors, fmt.Sprintf("failed to import task %s: %v", task.ID, err))
		}
	}

	return result, nil
}
