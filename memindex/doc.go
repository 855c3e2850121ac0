// Package memindex implements index.WriteHandle as an embedded segmented
// document store.
//
// # Layout
//
// Writes go to a RAM buffer. Opening or reopening a snapshot flushes the
// buffer into an immutable segment with a term dictionary over its string
// fields. Upserts and deletes mark older rows in a per-segment roaring
// bitmap; snapshots capture those bitmaps copy-on-write.
//
// # Persistence
//
// A directory-backed index (Open) persists on Commit:
//
//	segment_000001.bin          compressed JSON documents (zstd or lz4)
//	tombstones_000001_42.bin    roaring deletion bitmap
//	MANIFEST                    the committed set of files
//
// Every file is written to a temp name, synced and renamed. The manifest is
// switched last, so a failed commit leaves the previous one intact. Files no
// longer referenced are removed after the switch.
package memindex
