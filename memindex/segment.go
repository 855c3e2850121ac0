package memindex

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/idxguard/index"
)

// entry is one stored document. ID is the engine-assigned document id.
type entry struct {
	ID  string         `json:"id"`
	Doc index.Document `json:"doc"`
}

// segment is an immutable run of documents plus a mutable deletion bitmap.
//
// The bitmap is copy-on-write: once a snapshot captured it, the next
// deletion clones it first, so captured bitmaps never change.
type segment struct {
	id      uint64
	entries []entry
	terms   map[string]map[string][]uint32 // field -> value -> rows

	deleted *roaring.Bitmap
	shared  bool

	file     string // segment file name, empty until persisted
	tombFile string // tombstone file name, empty if none persisted
	dirty    bool   // deleted changed since it was last persisted
}

func newSegment(id uint64, entries []entry) *segment {
	s := &segment{
		id:      id,
		entries: entries,
		terms:   make(map[string]map[string][]uint32),
		deleted: roaring.New(),
	}
	for row, e := range entries {
		for field, v := range e.Doc {
			str, ok := v.(string)
			if !ok || str == "" {
				continue
			}
			values := s.terms[field]
			if values == nil {
				values = make(map[string][]uint32)
				s.terms[field] = values
			}
			values[str] = append(values[str], uint32(row))
		}
	}
	return s
}

func (s *segment) rows(field, value string) []uint32 {
	return s.terms[field][value]
}

// delete marks row deleted and reports whether it was live.
func (s *segment) delete(row uint32) bool {
	if s.deleted.Contains(row) {
		return false
	}
	if s.shared {
		s.deleted = s.deleted.Clone()
		s.shared = false
	}
	s.deleted.Add(row)
	s.dirty = true
	return true
}

// capture returns the current bitmap for a snapshot. The segment must not
// mutate it afterwards.
func (s *segment) capture() *roaring.Bitmap {
	s.shared = true
	return s.deleted
}

func (s *segment) live() int {
	return len(s.entries) - int(s.deleted.GetCardinality())
}

func (s *segment) liveEntries() []entry {
	out := make([]entry, 0, s.live())
	for row, e := range s.entries {
		if !s.deleted.Contains(uint32(row)) {
			out = append(out, e)
		}
	}
	return out
}

// segmentView is a segment as seen by one snapshot.
type segmentView struct {
	seg     *segment
	deleted *roaring.Bitmap
}

func (v segmentView) count(field, value string) int {
	n := 0
	for _, row := range v.seg.rows(field, value) {
		if !v.deleted.Contains(row) {
			n++
		}
	}
	return n
}
