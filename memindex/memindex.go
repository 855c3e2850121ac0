package memindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/hupe1980/idxguard/index"
	"github.com/hupe1980/idxguard/internal/fs"
)

var (
	// ErrCorrupt is returned by Open when persisted state cannot be decoded.
	ErrCorrupt = errors.New("memindex: corrupt index")

	// ErrUnencodable is returned by Upsert and Add for documents that cannot
	// be persisted, such as NaN values or channels.
	ErrUnencodable = errors.New("memindex: document cannot be encoded")
)

// Stats describes the index layout.
type Stats struct {
	Segments      int
	BufferedDocs  int
	LiveDocs      int
	DeletedDocs   int
	PendingWrites int
	OpenSnapshots int64
	Generation    uint64
}

// Option configures an Index.
type Option func(*Index)

// WithFileSystem sets the file system used for persistence.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(i *Index) {
		if fsys != nil {
			i.fs = fsys
		}
	}
}

// WithCompression sets the segment file codec.
func WithCompression(c Compression) Option {
	return func(i *Index) {
		i.compression = c
	}
}

// WithLogger sets the logger. Defaults to discarding output.
func WithLogger(l *slog.Logger) Option {
	return func(i *Index) {
		if l != nil {
			i.logger = l
		}
	}
}

// Index is a segmented keyed document store.
//
// Writes land in a RAM buffer. Opening a snapshot flushes the buffer into an
// immutable in-memory segment, so every accepted write is visible to the next
// snapshot. Commit persists segments, deletion bitmaps and a manifest to the
// index directory. Optimize merges all segments into one, dropping deleted
// documents.
type Index struct {
	dir         string
	fs          fs.FileSystem
	compression Compression
	logger      *slog.Logger

	mu          sync.Mutex
	buffer      []entry
	segments    []*segment
	nextSegID   uint64
	gen         uint64
	uncommitted int
	diskGen     uint64              // generation of the last persisted manifest
	committed   map[string]struct{} // files referenced by the last manifest
	closed      bool

	openSnapshots atomic.Int64
}

var _ index.WriteHandle = (*Index)(nil)

// New returns an empty Index that lives in memory only. Commit on it only
// resets the pending write count.
func New(opts ...Option) *Index {
	i := &Index{
		fs:          fs.Default,
		compression: CompressionZSTD,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		nextSegID:   1,
		committed:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i
}

// Open opens the index stored in dir, creating dir if needed.
func Open(dir string, opts ...Option) (*Index, error) {
	if dir == "" {
		return nil, errors.New("memindex: empty directory")
	}

	i := New(opts...)
	i.dir = dir

	if err := i.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	if err := i.load(); err != nil {
		return nil, err
	}

	i.logger.Info("Index opened",
		"dir", dir,
		"segments", len(i.segments),
		"generation", i.gen,
	)
	return i, nil
}

// Dir returns the index directory, empty for in-memory indexes.
func (i *Index) Dir() string {
	return i.dir
}

// Upsert replaces every document whose field equals key with doc.
// doc[field] is set to key. Documents that cannot be encoded are rejected
// with ErrUnencodable and change nothing.
func (i *Index) Upsert(ctx context.Context, field, key string, doc index.Document) error {
	if key == "" {
		return index.ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stored, err := storedDocument(doc)
	if err != nil {
		return err
	}
	stored[field] = key

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return index.ErrClosed
	}

	i.deleteLocked(field, key)
	i.buffer = append(i.buffer, entry{ID: uuid.NewString(), Doc: stored})
	i.gen++
	i.uncommitted++
	return nil
}

// Add appends doc without replacing anything. Like Upsert it rejects
// documents that cannot be encoded.
func (i *Index) Add(ctx context.Context, doc index.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stored, err := storedDocument(doc)
	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return index.ErrClosed
	}

	i.buffer = append(i.buffer, entry{ID: uuid.NewString(), Doc: stored})
	i.gen++
	i.uncommitted++
	return nil
}

// storedDocument returns doc in the form a commit writes and Open reads back,
// so a document looks the same before and after a reload: numbers become
// float64, nested values become maps and slices.
func storedDocument(doc index.Document) (index.Document, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnencodable, err)
	}

	var stored index.Document
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnencodable, err)
	}
	if stored == nil {
		stored = index.Document{}
	}
	return stored, nil
}

// Delete removes every document whose field equals key and reports how many
// were live.
func (i *Index) Delete(ctx context.Context, field, key string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return 0, index.ErrClosed
	}

	n := i.deleteLocked(field, key)
	if n > 0 {
		i.gen++
		i.uncommitted++
	}
	return n, nil
}

func (i *Index) deleteLocked(field, key string) int {
	n := 0
	for _, seg := range i.segments {
		for _, row := range seg.rows(field, key) {
			if seg.delete(row) {
				n++
			}
		}
	}

	before := len(i.buffer)
	i.buffer = slices.DeleteFunc(i.buffer, func(e entry) bool {
		v, ok := e.Doc.Key(field)
		return ok && v == key
	})
	return n + before - len(i.buffer)
}

// OpenSnapshot flushes buffered writes and returns a snapshot of every
// accepted write.
func (i *Index) OpenSnapshot(ctx context.Context) (index.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil, index.ErrClosed
	}
	return i.snapshotLocked(), nil
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
	if s.gen == i.gen && len(i.buffer) == 0 {
		return s, nil
	}
	return i.snapshotLocked(), nil
}

func (i *Index) snapshotLocked() *Snapshot {
	i.flushLocked()

	views := make([]segmentView, len(i.segments))
	for n, seg := range i.segments {
		views[n] = segmentView{seg: seg, deleted: seg.capture()}
	}

	i.openSnapshots.Add(1)
	return &Snapshot{idx: i, gen: i.gen, views: views}
}

// flushLocked turns the buffer into a new segment.
func (i *Index) flushLocked() {
	if len(i.buffer) == 0 {
		return
	}

	seg := newSegment(i.nextSegID, i.buffer)
	i.nextSegID++
	i.segments = append(i.segments, seg)
	i.buffer = nil
	i.gen++

	i.logger.Debug("Buffer flushed", "segment_id", seg.id, "docs", len(seg.entries))
}

// Commit flushes buffered writes and, for a directory-backed index, persists
// new segments, changed deletion bitmaps and the manifest. On failure the
// pending write count is kept and the previous manifest stays valid.
func (i *Index) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return index.ErrClosed
	}

	i.flushLocked()
	if i.dir != "" && i.gen != i.diskGen {
		if err := i.persistLocked(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		i.diskGen = i.gen
	}

	i.logger.Debug("Commit completed",
		"writes", i.uncommitted,
		"segments", len(i.segments),
		"generation", i.gen,
	)
	i.uncommitted = 0
	return nil
}

// Optimize merges every segment into one and drops deleted documents. The
// merged segment is persisted by the next Commit.
func (i *Index) Optimize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return index.ErrClosed
	}

	i.flushLocked()
	if len(i.segments) == 0 {
		return nil
	}
	if len(i.segments) == 1 && i.segments[0].deleted.IsEmpty() {
		return nil
	}

	var live []entry
	dropped := 0
	for _, seg := range i.segments {
		live = append(live, seg.liveEntries()...)
		dropped += int(seg.deleted.GetCardinality())
	}

	merged := newSegment(i.nextSegID, live)
	i.nextSegID++
	from := len(i.segments)
	i.segments = []*segment{merged}
	i.gen++

	i.logger.Info("Segments merged",
		"from_segments", from,
		"segment_id", merged.id,
		"docs", len(live),
		"dropped", dropped,
	)
	return nil
}

// PendingWrites returns the number of writes since the last successful
// Commit.
func (i *Index) PendingWrites() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.uncommitted
}

// Stats returns layout statistics.
func (i *Index) Stats() Stats {
	i.mu.Lock()
	defer i.mu.Unlock()

	st := Stats{
		Segments:      len(i.segments),
		BufferedDocs:  len(i.buffer),
		LiveDocs:      len(i.buffer),
		PendingWrites: i.uncommitted,
		OpenSnapshots: i.openSnapshots.Load(),
		Generation:    i.gen,
	}
	for _, seg := range i.segments {
		st.LiveDocs += seg.live()
		st.DeletedDocs += int(seg.deleted.GetCardinality())
	}
	return st
}

// Close marks the index closed. It does not commit. Open snapshots stay
// readable. Calling Close again returns index.ErrClosed.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return index.ErrClosed
	}
	i.closed = true
	i.buffer = nil
	return nil
}
