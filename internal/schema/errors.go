package schema

import "errors"

var (
	// ErrInvalidTask is returned when a task fails shape validation.
	ErrInvalidTask = errors.New("invalid task")

	// ErrInvalidChange is returned when a change notification cannot be
	// decoded into one of the known change kinds.
	ErrInvalidChange = errors.New("invalid change notification")
)
