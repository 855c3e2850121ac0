// Package idxguard keeps a segmented search index durable, compact and
// searchable while it enforces uniqueness of one document key.
//
// A Keeper composes three pieces around an index.WriteHandle:
//
//   - a maintenance scheduler that commits and optimizes on a cadence,
//   - a uniqueness guard that upserts keyed documents and answers
//     containment without a durable round-trip,
//   - a freshness loop that keeps the guard's read snapshot current.
//
// # Quick Start
//
//	ctx := context.Background()
//	h, _ := memindex.Open("./data")
//	k, _ := idxguard.Open(ctx, h, idxguard.DefaultConfig())
//	_ = k.Start(ctx)
//	defer k.Close()
//
//	_ = k.Insert(ctx, index.Document{"id": "doc-1", "title": "hello"})
//	k.Contains(ctx, "doc-1") // true, before any commit or refresh
//
// # Backends
//
// Two handles ship with the module:
//
//   - memindex: an embedded segmented engine with directory commits,
//     tombstones and compaction.
//   - bleveindex: a bleve scorch index with batched writes.
//
// Any type implementing index.WriteHandle works.
//
// # Durability Model
//
// Inserts are buffered by the engine. The maintenance loop commits once the
// commit interval elapses or too many writes are pending. Close makes a final
// commit.
//
//	k.Insert(ctx, doc) // visible to Contains immediately
//	k.Commit(ctx)      // durable after this
package idxguard
