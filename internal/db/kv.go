package db

import (
	"context"
	"fmt"
	"time"
)

// Record is one entry of the key-value table.
type Record struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
}

// Put appends a value under bucket/key. Existing keys are never overwritten;
// a duplicate key returns ErrExists.
func (db *DB) Put(ctx context.Context, bucket, key string, value []byte) error {
	res, err := db.conn.ExecContext(ctx, `
	INSERT INTO kv (bucket, key, value, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(bucket, key) DO NOTHING
	`, bucket, key, string(value), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", bucket, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrExists)
	}
	return nil
}

// GetAll returns every record in bucket in insertion order.
func (db *DB) GetAll(ctx context.Context, bucket string) ([]Record, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT key, value, created_at FROM kv WHERE bucket = ? ORDER BY seq ASC
	`, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to read bucket %s: %w", bucket, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var value, createdAt string
		if err := rows.Scan(&rec.Key, &value, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Value = []byte(value)
		if t, err := time.Parse(timeLayout, createdAt); err == nil {
			rec.CreatedAt = t
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bucket %s: %w", bucket, err)
	}
	return records, nil
}

// Count returns the number of records in bucket.
func (db *DB) Count(ctx context.Context, bucket string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv WHERE bucket = ?`, bucket).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count bucket %s: %w", bucket, err)
	}
	return count, nil
}
