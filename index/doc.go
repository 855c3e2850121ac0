// Package index defines the engine primitives consumed by idxguard.
//
// An engine is anything that can buffer keyed document writes, make them
// durable, compact its segments, and hand out immutable point-in-time read
// views. The schedulers and the uniqueness guard only ever talk to an engine
// through these interfaces:
//
//	type WriteHandle interface {
//	    Commit(ctx context.Context) error
//	    Optimize(ctx context.Context) error
//	    PendingWrites() int
//	    Upsert(ctx context.Context, field, key string, doc Document) error
//	    Add(ctx context.Context, doc Document) error
//	    OpenSnapshot(ctx context.Context) (Snapshot, error)
//	}
//
//	type Snapshot interface {
//	    Reopen(ctx context.Context) (Snapshot, error)
//	    TermFrequency(ctx context.Context, field, value string) (int, error)
//	    Close() error
//	}
//
// # Backends
//
//   - memindex: embedded segmented engine with optional on-disk commits
//   - bleveindex: adapter over a bleve (scorch) index
//
// A WriteHandle is owned by the host application. Schedulers and guards keep a
// shared, non-owning reference and never close it.
package index
