// Package bleveindex implements index.WriteHandle over a bleve index.
//
// Writes are collected in a bleve batch. The batch is applied on Commit and
// whenever a snapshot is opened or reopened, so snapshots always include
// every accepted write. A keyed document's bleve id is its key, which makes
// Upsert a plain batch.Index. Snapshots are bleve index readers; Optimize
// asks scorch for a forced merge.
package bleveindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/index/scorch/mergeplan"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"

	"github.com/hupe1980/idxguard/index"
)

// ErrUnsupportedField is returned by Upsert for a field other than the
// configured key field.
var ErrUnsupportedField = errors.New("bleveindex: upsert on non-key field")

const defaultCacheSize = 4096

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger. Defaults to discarding output.
func WithLogger(l *slog.Logger) Option {
	return func(i *Index) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithCacheSize sets the per-snapshot term frequency cache size.
func WithCacheSize(n int) Option {
	return func(i *Index) {
		if n > 0 {
			i.cacheSize = n
		}
	}
}

// NewMapping returns the index mapping used for new indexes: dynamic
// mapping for every field and a keyword mapping for keyField, so key
// lookups match the exact value.
func NewMapping(keyField string) *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	im.DefaultMapping.AddFieldMappingsAt(keyField, bleve.NewKeywordFieldMapping())
	return im
}

type forceMerger interface {
	ForceMerge(ctx context.Context, mo *mergeplan.MergePlanOptions) error
}

// Index is a bleve-backed write handle.
type Index struct {
	keyField  string
	cacheSize int
	logger    *slog.Logger

	mu     sync.Mutex
	bi     bleve.Index
	batch  *bleve.Batch
	gen    uint64
	closed bool
}

var _ index.WriteHandle = (*Index)(nil)

// Open opens the bleve index at path or creates it with NewMapping(keyField).
// An empty path creates a memory-only index.
func Open(path, keyField string, opts ...Option) (*Index, error) {
	if keyField == "" {
		return nil, errors.New("bleveindex: empty key field")
	}

	var (
		bi  bleve.Index
		err error
	)
	switch {
	case path == "":
		bi, err = bleve.NewMemOnly(NewMapping(keyField))
	default:
		bi, err = bleve.Open(path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			bi, err = bleve.New(path, NewMapping(keyField))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open bleve index: %w", err)
	}

	i := &Index{
		keyField:  keyField,
		cacheSize: defaultCacheSize,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		bi:        bi,
		batch:     bi.NewBatch(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i, nil
}

// Upsert replaces the document stored under key. field must be the key field.
func (i *Index) Upsert(ctx context.Context, field, key string, doc index.Document) error {
	if field != i.keyField {
		return fmt.Errorf("%w: %q", ErrUnsupportedField, field)
	}
	if key == "" {
		return index.ErrEmptyKey
	}

	stored := doc.Clone()
	if stored == nil {
		stored = index.Document{}
	}
	stored[field] = key

	return i.index(ctx, key, stored)
}

// Add stores doc under a random id.
func (i *Index) Add(ctx context.Context, doc index.Document) error {
	stored := doc.Clone()
	if stored == nil {
		stored = index.Document{}
	}
	return i.index(ctx, uuid.NewString(), stored)
}

func (i *Index) index(ctx context.Context, id string, doc index.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return index.ErrClosed
	}
	return i.batch.Index(id, map[string]any(doc))
}

// OpenSnapshot applies the pending batch and returns a reader over the index.
func (i *Index) OpenSnapshot(ctx context.Context) (index.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil, index.ErrClosed
	}
	return i.snapshotLocked()
}

func (i *Index) reopen(ctx context.Context, s *Snapshot) (index.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil, index.ErrClosed
	}
	if s.gen == i.gen && i.batch.Size() == 0 {
		return s, nil
	}
	return i.snapshotLocked()
}

func (i *Index) snapshotLocked() (*Snapshot, error) {
	if err := i.flushLocked(); err != nil {
		return nil, err
	}

	adv, err := i.bi.Advanced()
	if err != nil {
		return nil, fmt.Errorf("bleve advanced index: %w", err)
	}
	r, err := adv.Reader()
	if err != nil {
		return nil, fmt.Errorf("bleve reader: %w", err)
	}
	return newSnapshot(i, r, i.gen, i.cacheSize)
}

func (i *Index) flushLocked() error {
	n := i.batch.Size()
	if n == 0 {
		return nil
	}
	if err := i.bi.Batch(i.batch); err != nil {
		return fmt.Errorf("apply batch: %w", err)
	}
	i.batch.Reset()
	i.gen++

	i.logger.Debug("Batch applied", "ops", n, "generation", i.gen)
	return nil
}

// Commit applies the pending batch. Scorch persists a batch before Batch
// returns, so the writes are durable afterwards.
func (i *Index) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return index.ErrClosed
	}
	return i.flushLocked()
}

// Optimize forces a merge of the persisted scorch segments. It is a no-op
// for index types that cannot force a merge.
func (i *Index) Optimize(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return index.ErrClosed
	}
	bi := i.bi
	i.mu.Unlock()

	adv, err := bi.Advanced()
	if err != nil {
		return fmt.Errorf("bleve advanced index: %w", err)
	}
	fm, ok := adv.(forceMerger)
	if !ok {
		i.logger.Debug("Index type cannot force merge", "type", fmt.Sprintf("%T", adv))
		return nil
	}
	if err := fm.ForceMerge(ctx, nil); err != nil {
		return fmt.Errorf("force merge: %w", err)
	}
	return nil
}

// PendingWrites returns the number of operations in the unapplied batch.
func (i *Index) PendingWrites() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.batch.Size()
}

// DocCount returns the number of documents applied to the index.
func (i *Index) DocCount() (uint64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return 0, index.ErrClosed
	}
	return i.bi.DocCount()
}

// Close drops the pending batch and closes the bleve index. Snapshots must
// be closed first.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return index.ErrClosed
	}
	i.closed = true
	i.batch.Reset()
	return i.bi.Close()
}
