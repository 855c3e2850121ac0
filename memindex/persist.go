package memindex

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/goccy/go-json"

	"github.com/hupe1980/idxguard/internal/fs"
)

const (
	manifestName    = "MANIFEST"
	manifestVersion = 1
)

type manifest struct {
	Version       int               `json:"version"`
	Generation    uint64            `json:"generation"`
	NextSegmentID uint64            `json:"next_segment_id"`
	Segments      []manifestSegment `json:"segments"`
}

type manifestSegment struct {
	ID         uint64 `json:"id"`
	File       string `json:"file"`
	Tombstones string `json:"tombstones,omitempty"`
	Docs       int    `json:"docs"`
}

func segmentFileName(id uint64) string {
	return fmt.Sprintf("segment_%06d.bin", id)
}

func tombstoneFileName(id, gen uint64) string {
	return fmt.Sprintf("tombstones_%06d_%d.bin", id, gen)
}

// persistLocked writes what changed since the last commit and then switches
// the manifest. Files the new manifest no longer references are removed
// afterwards, best-effort.
func (i *Index) persistLocked() error {
	m := manifest{
		Version:       manifestVersion,
		Generation:    i.gen,
		NextSegmentID: i.nextSegID,
		Segments:      make([]manifestSegment, 0, len(i.segments)),
	}
	referenced := make(map[string]struct{}, 2*len(i.segments))

	for _, seg := range i.segments {
		if seg.file == "" {
			if err := i.writeSegment(seg); err != nil {
				return err
			}
		}
		if seg.dirty {
			if err := i.writeTombstones(seg); err != nil {
				return err
			}
		}

		referenced[seg.file] = struct{}{}
		if seg.tombFile != "" {
			referenced[seg.tombFile] = struct{}{}
		}
		m.Segments = append(m.Segments, manifestSegment{
			ID:         seg.id,
			File:       seg.file,
			Tombstones: seg.tombFile,
			Docs:       len(seg.entries),
		})
	}

	data, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := fs.WriteFileAtomic(i.fs, filepath.Join(i.dir, manifestName), data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	for name := range i.committed {
		if _, ok := referenced[name]; ok {
			continue
		}
		if err := i.fs.Remove(filepath.Join(i.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			i.logger.Warn("Removing obsolete file failed", "file", name, "error", err)
		}
	}
	i.committed = referenced
	return nil
}

func (i *Index) writeSegment(seg *segment) error {
	raw, err := json.Marshal(seg.entries)
	if err != nil {
		return fmt.Errorf("encode segment %d: %w", seg.id, err)
	}
	block, err := encodeBlock(raw, i.compression)
	if err != nil {
		return fmt.Errorf("compress segment %d: %w", seg.id, err)
	}

	name := segmentFileName(seg.id)
	if err := fs.WriteFileAtomic(i.fs, filepath.Join(i.dir, name), block); err != nil {
		return fmt.Errorf("write segment %d: %w", seg.id, err)
	}
	seg.file = name
	return nil
}

func (i *Index) writeTombstones(seg *segment) error {
	var buf bytes.Buffer
	if _, err := seg.deleted.WriteTo(&buf); err != nil {
		return fmt.Errorf("encode tombstones %d: %w", seg.id, err)
	}

	name := tombstoneFileName(seg.id, i.gen)
	if err := fs.WriteFileAtomic(i.fs, filepath.Join(i.dir, name), buf.Bytes()); err != nil {
		return fmt.Errorf("write tombstones %d: %w", seg.id, err)
	}
	seg.tombFile = name
	seg.dirty = false
	return nil
}

// load restores the state of the last successful commit. A missing manifest
// means an empty index.
func (i *Index) load() error {
	data, err := fs.ReadFile(i.fs, filepath.Join(i.dir, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: manifest: %w", ErrCorrupt, err)
	}
	if m.Version != manifestVersion {
		return fmt.Errorf("%w: unsupported manifest version %d", ErrCorrupt, m.Version)
	}

	for _, ms := range m.Segments {
		seg, err := i.readSegment(ms)
		if err != nil {
			return err
		}
		i.segments = append(i.segments, seg)
		i.committed[seg.file] = struct{}{}
		if seg.tombFile != "" {
			i.committed[seg.tombFile] = struct{}{}
		}
	}
	i.gen = m.Generation
	i.diskGen = m.Generation
	i.nextSegID = max(m.NextSegmentID, 1)
	return nil
}

func (i *Index) readSegment(ms manifestSegment) (*segment, error) {
	block, err := fs.ReadFile(i.fs, filepath.Join(i.dir, ms.File))
	if err != nil {
		return nil, fmt.Errorf("read segment %d: %w", ms.ID, err)
	}
	raw, err := decodeBlock(block)
	if err != nil {
		return nil, fmt.Errorf("%w: segment %d: %w", ErrCorrupt, ms.ID, err)
	}

	var entries []entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: segment %d: %w", ErrCorrupt, ms.ID, err)
	}
	if len(entries) != ms.Docs {
		return nil, fmt.Errorf("%w: segment %d has %d docs, manifest says %d", ErrCorrupt, ms.ID, len(entries), ms.Docs)
	}

	seg := newSegment(ms.ID, entries)
	seg.file = ms.File

	if ms.Tombstones != "" {
		data, err := fs.ReadFile(i.fs, filepath.Join(i.dir, ms.Tombstones))
		if err != nil {
			return nil, fmt.Errorf("read tombstones %d: %w", ms.ID, err)
		}
		bm := roaring.New()
		if _, err := bm.ReadFrom(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("%w: tombstones %d: %w", ErrCorrupt, ms.ID, err)
		}
		seg.deleted = bm
		seg.tombFile = ms.Tombstones
	}
	return seg, nil
}
