package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	tmp := t.TempDir()
	lfs := LocalFS{}

	dir := filepath.Join(tmp, "subdir")
	require.NoError(t, lfs.MkdirAll(dir, 0o755))

	fpath := filepath.Join(dir, "test.txt")
	f, err := lfs.OpenFile(fpath, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)

	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	info, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size())
	require.NoError(t, f.Close())

	entries, err := lfs.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	newPath := filepath.Join(dir, "renamed.txt")
	require.NoError(t, lfs.Rename(fpath, newPath))

	data, err := ReadFile(lfs, newPath)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, lfs.Remove(newPath))
	_, err = lfs.Stat(newPath)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "MANIFEST")

	require.NoError(t, WriteFileAtomic(Default, path, []byte("v1")))
	require.NoError(t, WriteFileAtomic(Default, path, []byte("v2")))

	data, err := ReadFile(Default, path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")
}

func TestWriteFileAtomic_FaultKeepsPreviousContent(t *testing.T) {
	tests := []struct {
		name  string
		fault Fault
	}{
		{"write", Fault{FailOnWrite: true}},
		{"sync", Fault{FailOnSync: true}},
		{"rename", Fault{FailOnRename: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "MANIFEST")
			require.NoError(t, WriteFileAtomic(Default, path, []byte("old")))

			ffs := NewFaultyFS(nil)
			ffs.AddRule("MANIFEST", tt.fault)

			err := WriteFileAtomic(ffs, path, []byte("new"))
			require.ErrorIs(t, err, ErrInjected)

			data, err := ReadFile(Default, path)
			require.NoError(t, err)
			assert.Equal(t, "old", string(data))

			_, err = os.Stat(path + ".tmp")
			assert.True(t, os.IsNotExist(err), "temp file is cleaned up")
		})
	}
}

func TestFaultyFS_CustomErrorAndClear(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("boom")

	ffs := NewFaultyFS(LocalFS{})
	ffs.AddRule("seg", Fault{FailOnWrite: true, Err: boom})

	f, err := ffs.OpenFile(filepath.Join(dir, "seg_1.bin"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("x"))
	assert.ErrorIs(t, err, boom)
	require.NoError(t, f.Close())

	// Unmatched paths are untouched.
	f, err = ffs.OpenFile(filepath.Join(dir, "other"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ffs.ClearRules()
	require.NoError(t, WriteFileAtomic(ffs, filepath.Join(dir, "seg_2.bin"), []byte("ok")))
}
