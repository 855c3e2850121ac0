package bleveindex

import (
	"context"
	"fmt"
	"sync/atomic"

	index "github.com/blevesearch/bleve_index_api"
	lru "github.com/hashicorp/golang-lru/v2"

	guardindex "github.com/hupe1980/idxguard/index"
)

// Snapshot is a bleve index reader. Readers never change, so term
// frequencies are memoized per snapshot.
type Snapshot struct {
	idx    *Index
	reader index.IndexReader
	gen    uint64
	cache  *lru.Cache[string, int]
	closed atomic.Bool
}

var _ guardindex.Snapshot = (*Snapshot)(nil)

func newSnapshot(idx *Index, r index.IndexReader, gen uint64, cacheSize int) (*Snapshot, error) {
	cache, err := lru.New[string, int](cacheSize)
	if err != nil {
		_ = r.Close() // Intentionally ignore: construction already failed
		return nil, err
	}
	return &Snapshot{idx: idx, reader: r, gen: gen, cache: cache}, nil
}

// TermFrequency counts live documents whose field contains the exact term
// value. For the key field this is the number of documents with that key.
func (s *Snapshot) TermFrequency(ctx context.Context, field, value string) (int, error) {
	if s.closed.Load() {
		return 0, guardindex.ErrClosed
	}

	ck := field + "\x00" + value
	if n, ok := s.cache.Get(ck); ok {
		return n, nil
	}

	tfr, err := s.reader.TermFieldReader(ctx, []byte(value), field, false, false, false)
	if err != nil {
		return 0, fmt.Errorf("term field reader: %w", err)
	}
	n := int(tfr.Count())
	if err := tfr.Close(); err != nil {
		return 0, fmt.Errorf("close term field reader: %w", err)
	}

	s.cache.Add(ck, n)
	return n, nil
}

// DocCount returns the number of live documents in the snapshot.
func (s *Snapshot) DocCount() (uint64, error) {
	if s.closed.Load() {
		return 0, guardindex.ErrClosed
	}
	return s.reader.DocCount()
}

// Reopen returns s when no batch was applied since it was opened and a new
// reader otherwise.
func (s *Snapshot) Reopen(ctx context.Context) (guardindex.Snapshot, error) {
	if s.closed.Load() {
		return nil, guardindex.ErrClosed
	}
	return s.idx.reopen(ctx, s)
}

// Close releases the reader.
func (s *Snapshot) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cache.Purge()
	return s.reader.Close()
}
