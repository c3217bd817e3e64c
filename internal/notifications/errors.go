package notifications

import "errors"

var (
	// ErrNotFound is returned when a notification id does not exist.
	ErrNotFound = errors.New("notification not found")
	// ErrConflict means the row was not in the status the write expected,
	// e.g. another worker claimed it first.
	ErrConflict = errors.New("notification status changed concurrently")
	// ErrAlreadyExists is returned when inserting an id that is already stored.
	ErrAlreadyExists = errors.New("notification already exists")
	// ErrNotCancellable is returned for rows that are in flight or terminal.
	ErrNotCancellable = errors.New("notification cannot be cancelled")
)
