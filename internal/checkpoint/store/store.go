package store

import "errors"

var (
	// ErrNotFound is returned by point lookups that match no row.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned by conditional writes whose precondition no
	// longer holds.
	ErrConflict = errors.New("store: conflicting update")
)
