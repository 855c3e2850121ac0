package index

import "errors"

var (
	// ErrClosed is returned when an operation is attempted on a closed handle or snapshot.
	ErrClosed = errors.New("index closed")

	// ErrWrite marks a failed write. Errors returned by guarded inserts wrap it
	// together with the backend error.
	ErrWrite = errors.New("write failed")

	// ErrEmptyKey is returned when an upsert is attempted with an empty key.
	ErrEmptyKey = errors.New("empty key")
)
