package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Overv/outrun/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndLookUp(t *testing.T) {
	s, err := Open(t.TempDir(), 1<<20)
	require.NoError(t, err)
	defer s.Close()

	rec := Record{
		Path: "/usr/bin/ffmpeg",
		Kind: proto.KindAttr,
		Attr: proto.Attributes{Mode: 0o755, Size: 4096},
	}
	_, err = s.Insert(rec)
	require.NoError(t, err)

	got, ok := s.LookUp("/usr/bin/ffmpeg")
	require.True(t, ok)
	assert.Equal(t, rec.Attr, got.Attr)
}

func TestLookUpMissing(t *testing.T) {
	s, err := Open(t.TempDir(), 1<<20)
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.LookUp("/nope")
	assert.False(t, ok)
}

func TestEraseRemovesEntry(t *testing.T) {
	s, err := Open(t.TempDir(), 1<<20)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, insertAttr(s, "/a", proto.Attributes{Size: 1}))
	require.NoError(t, s.Erase("/a"))

	_, ok := s.LookUp("/a")
	assert.False(t, ok)
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1<<20)
	require.NoError(t, err)
	require.NoError(t, insertAttr(s, "/usr/lib/libc.so", proto.Attributes{Size: 123}))
	require.NoError(t, insertAttr(s, "/usr/bin/bash", proto.Attributes{Size: 456}))
	require.NoError(t, s.Close())

	s2, err := Open(dir, 1<<20)
	require.NoError(t, err)
	defer s2.Close()

	got, ok := s2.LookUp("/usr/lib/libc.so")
	require.True(t, ok)
	assert.EqualValues(t, 123, got.Attr.Size)

	got2, ok := s2.LookUp("/usr/bin/bash")
	require.True(t, ok)
	assert.EqualValues(t, 456, got2.Attr.Size)
}

func TestEraseTombstonePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1<<20)
	require.NoError(t, err)
	require.NoError(t, insertAttr(s, "/tmp/gone", proto.Attributes{Size: 1}))
	require.NoError(t, s.Erase("/tmp/gone"))
	require.NoError(t, s.Close())

	s2, err := Open(dir, 1<<20)
	require.NoError(t, err)
	defer s2.Close()

	_, ok := s2.LookUp("/tmp/gone")
	assert.False(t, ok)
}

func TestCorruptTailIsTruncatedOnReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1<<20)
	require.NoError(t, err)
	require.NoError(t, insertAttr(s, "/good", proto.Attributes{Size: 1}))
	require.NoError(t, s.Close())

	// Simulate a torn write: append garbage bytes to the log's tail.
	f, err := os.OpenFile(filepath.Join(dir, idxFileName), os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 1, 0xaa})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := Open(dir, 1<<20)
	require.NoError(t, err)
	defer s2.Close()

	_, ok := s2.LookUp("/good")
	assert.True(t, ok, "entries before the torn write must survive replay")
}

func TestCompactTruncatesLog(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1<<20)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, insertAttr(s, "/path", proto.Attributes{Size: uint64(i)}))
	}
	require.NoError(t, s.Compact())

	info, err := os.Stat(filepath.Join(dir, idxFileName))
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	got, ok := s.LookUp("/path")
	require.True(t, ok)
	assert.EqualValues(t, 9, got.Attr.Size)
}

func TestEvictionReturnsEvictedRecords(t *testing.T) {
	s, err := Open(t.TempDir(), 200)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Insert(Record{Path: "/a", Kind: proto.KindBlob, BlobLength: 100})
	require.NoError(t, err)
	evicted, err := s.Insert(Record{Path: "/b", Kind: proto.KindBlob, BlobLength: 100})
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, "/a", evicted[0].Path)
}

func insertAttr(s *Store, path string, attr proto.Attributes) error {
	_, err := s.Insert(Record{Path: path, Kind: proto.KindAttr, Attr: attr})
	return err
}
