package index

import "context"

// Document is a set of named fields.
//
// Only string values take part in key lookups. Values follow the JSON data
// model: backends store a normalized copy, so a number written as int is
// read back as float64 and a struct as a map.
type Document map[string]any

// Key returns the value of field if it holds a non-empty string.
func (d Document) Key(field string) (string, bool) {
	v, ok := d[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	c := make(Document, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

// Maintainer exposes the durability and compaction primitives of an engine.
type Maintainer interface {
	// Commit makes all buffered writes durable and visible to new snapshots.
	Commit(ctx context.Context) error
	// Optimize merges segments for read efficiency.
	Optimize(ctx context.Context) error
	// PendingWrites returns the number of writes not yet committed.
	PendingWrites() int
}

// Writer exposes the mutation primitives of an engine.
type Writer interface {
	// Upsert replaces every document whose field equals key with doc,
	// or inserts doc if there is none.
	Upsert(ctx context.Context, field, key string, doc Document) error
	// Add inserts doc without replacing anything.
	Add(ctx context.Context, doc Document) error
}

// Snapshotter opens read views derived from the current write state.
type Snapshotter interface {
	// OpenSnapshot returns a view that includes every write accepted so far,
	// committed or not.
	OpenSnapshot(ctx context.Context) (Snapshot, error)
}

// WriteHandle is the exclusive mutation entry point into an engine.
type WriteHandle interface {
	Maintainer
	Writer
	Snapshotter
}

// Snapshot is an immutable point-in-time view of an engine.
//
// Once created, the visible contents never change. A snapshot must be closed
// to release its resources; using it afterwards returns ErrClosed.
type Snapshot interface {
	// Reopen returns a snapshot reflecting the current write state.
	// If nothing changed since s was opened, it returns s itself.
	// The receiver stays open either way; closing it is the caller's job.
	Reopen(ctx context.Context) (Snapshot, error)
	// TermFrequency returns the number of live documents whose field
	// equals value.
	TermFrequency(ctx context.Context, field, value string) (int, error)
	// Close releases the snapshot.
	Close() error
}
