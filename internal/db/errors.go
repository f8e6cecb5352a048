package db

import "errors"

var (
	// ErrNotFound is returned when a row addressed by key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExists is returned when inserting a key that is already present.
	ErrExists = errors.New("already exists")
)
