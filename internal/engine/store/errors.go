package store

import "errors"

var (
	// ErrNotFound is returned when an operation names an unknown task id.
	ErrNotFound = errors.New("task not found")

	// ErrPendingDeletion is returned when updating a task whose deletion is
	// already in flight.
	ErrPendingDeletion = errors.New("task is pending deletion")

	// ErrNotFailed is returned when resubmitting a task that is not in the
	// error state.
	ErrNotFailed = errors.New("task has no failed mutation")

	// ErrClosed is returned by mutations after Close.
	ErrClosed = errors.New("store is closed")
)
