package blobstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/Overv/outrun/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	data := []byte("the quick brown fox")

	hash, n, err := s.Put(data)
	require.NoError(t, err)
	assert.EqualValues(t, len(data), n)
	assert.True(t, s.Has(hash))

	got, err := s.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, proto.HashBlob(data), hash)
}

func TestPutIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	data := []byte("repeat me")

	_, n1, err := s.Put(data)
	require.NoError(t, err)
	assert.NotZero(t, n1)

	_, n2, err := s.Put(data)
	require.NoError(t, err)
	assert.Zero(t, n2, "second Put of identical content should be a no-op")

	assert.EqualValues(t, len(data), s.SizeBytes())
}

func TestPutReaderMatchesPut(t *testing.T) {
	s := newTestStore(t)
	data := []byte("streamed content, streamed content, streamed content")

	hash, n, err := s.PutReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.EqualValues(t, len(data), n)
	assert.Equal(t, proto.HashBlob(data), hash)

	got, err := s.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDeleteRemovesAndUpdatesSize(t *testing.T) {
	s := newTestStore(t)
	data := []byte("to be deleted")
	hash, _, err := s.Put(data)
	require.NoError(t, err)

	require.NoError(t, s.Delete(hash))
	assert.False(t, s.Has(hash))
	assert.Zero(t, s.SizeBytes())

	// Deleting again is a no-op, not an error.
	require.NoError(t, s.Delete(hash))
}

func TestGetMissingBlob(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(proto.HashBlob([]byte("never stored")))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestShardedLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	data := []byte("shard me")
	hash, _, err := s.Put(data)
	require.NoError(t, err)

	// Default shard prefix is 2 hex chars: the blob should live in a
	// subdirectory named after the first two hex digits of its hash.
	want := filepath.Join(dir, hashHexPrefix(hash, 2), hashHex(hash))
	_, statErr := os.Stat(want)
	assert.NoError(t, statErr)
}

func TestNoShardingWhenPrefixZero(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, WithShardPrefixLen(0))
	require.NoError(t, err)
	data := []byte("flat layout")
	hash, _, err := s.Put(data)
	require.NoError(t, err)

	want := filepath.Join(dir, hashHex(hash))
	_, statErr := os.Stat(want)
	assert.NoError(t, statErr)
}

func TestReopenRecoversSize(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	data := []byte("persisted across reopen")
	_, _, err = s.Put(data)
	require.NoError(t, err)

	s2, err := Open(dir)
	require.NoError(t, err)
	assert.EqualValues(t, len(data), s2.SizeBytes())
}

func hashHex(h proto.BlobHash) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 0, len(h)*2)
	for _, b := range h {
		out = append(out, hextable[b>>4], hextable[b&0xf])
	}
	return string(out)
}

func hashHexPrefix(h proto.BlobHash, n int) string {
	full := hashHex(h)
	if n > len(full) {
		n = len(full)
	}
	return full[:n]
}
