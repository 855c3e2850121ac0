package memindex

import (
	"context"
	"sync/atomic"

	"github.com/hupe1980/idxguard/index"
)

// Snapshot is an immutable point-in-time view of an Index.
//
// Reads need no lock on the index: segment documents never change and each
// view holds the deletion bitmap captured when the snapshot was opened.
type Snapshot struct {
	idx    *Index
	gen    uint64
	views  []segmentView
	closed atomic.Bool
}

var _ index.Snapshot = (*Snapshot)(nil)

// Generation returns the index generation the snapshot reflects.
func (s *Snapshot) Generation() uint64 {
	return s.gen
}

// Len returns the number of live documents in the snapshot.
func (s *Snapshot) Len() int {
	n := 0
	for _, v := range s.views {
		n += len(v.seg.entries) - int(v.deleted.GetCardinality())
	}
	return n
}

// TermFrequency counts live documents whose field equals value.
func (s *Snapshot) TermFrequency(ctx context.Context, field, value string) (int, error) {
	if s.closed.Load() {
		return 0, index.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n := 0
	for _, v := range s.views {
		n += v.count(field, value)
	}
	return n, nil
}

// Lookup returns copies of the live documents whose field equals value.
func (s *Snapshot) Lookup(field, value string) ([]index.Document, error) {
	if s.closed.Load() {
		return nil, index.ErrClosed
	}

	var docs []index.Document
	for _, v := range s.views {
		for _, row := range v.seg.rows(field, value) {
			if !v.deleted.Contains(row) {
				docs = append(docs, v.seg.entries[row].Doc.Clone())
			}
		}
	}
	return docs, nil
}

// Reopen returns s itself when nothing changed since it was opened and a
// new snapshot otherwise. s stays open either way.
func (s *Snapshot) Reopen(ctx context.Context) (index.Snapshot, error) {
	if s.closed.Load() {
		return nil, index.ErrClosed
	}
	return s.idx.reopen(ctx, s)
}

// Close releases the snapshot. Further reads return index.ErrClosed.
func (s *Snapshot) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.idx.openSnapshots.Add(-1)
	return nil
}
