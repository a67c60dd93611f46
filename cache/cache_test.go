package cache

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Overv/outrun/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := Open(t.TempDir(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxEntries = 1024
	cfg.MaxSize = 1 << 20
	return cfg
}

func TestIsSystemPath(t *testing.T) {
	c := newTestCache(t, testConfig())

	assert.True(t, c.IsSystemPath("/usr/bin/ffmpeg"))
	assert.True(t, c.IsSystemPath("/lib64/libc.so.6"))
	assert.True(t, c.IsSystemPath("/etc/ld.so.conf"))
	assert.False(t, c.IsSystemPath("/home/alice/project/main.go"))
	assert.False(t, c.IsSystemPath("/tmp/scratch"))
}

func TestInsertAttrSkipsUserPaths(t *testing.T) {
	c := newTestCache(t, testConfig())

	require.NoError(t, c.InsertAttr("/home/alice/file.txt", proto.Attributes{Size: 1}, proto.Validator{}))
	_, _, ok := c.LookUpAttr("/home/alice/file.txt")
	assert.False(t, ok, "user paths must never be persistently cached")
}

func TestInsertAndLookUpAttr(t *testing.T) {
	c := newTestCache(t, testConfig())

	attr := proto.Attributes{Mode: 0o755, Size: 4096}
	require.NoError(t, c.InsertAttr("/usr/bin/ffmpeg", attr, proto.Validator{Size: 4096}))

	got, v, ok := c.LookUpAttr("/usr/bin/ffmpeg")
	require.True(t, ok)
	assert.Equal(t, attr, got)
	assert.EqualValues(t, 4096, v.Size)
}

func TestBlobRoundTripAndOrphanEviction(t *testing.T) {
	c := newTestCache(t, testConfig())
	data := []byte("#!/bin/sh\necho hi\n")

	require.NoError(t, c.InsertBlob("/usr/bin/hello", data, proto.Validator{}))
	got, _, ok := c.LookUpBlob("/usr/bin/hello")
	require.True(t, ok)
	assert.Equal(t, data, got)
	assert.True(t, c.blobs.Has(proto.HashBlob(data)))

	// Erasing the only referrer should delete the now-orphaned blob.
	require.NoError(t, c.erase("/usr/bin/hello"))
	assert.False(t, c.blobs.Has(proto.HashBlob(data)), "orphan blob should be deleted once its last referrer is gone")
}

func TestBlobSharedAcrossTwoReferrersSurvivesOneEviction(t *testing.T) {
	c := newTestCache(t, testConfig())
	data := []byte("shared content")

	require.NoError(t, c.InsertBlob("/usr/bin/a", data, proto.Validator{}))
	require.NoError(t, c.InsertBlob("/usr/bin/b", data, proto.Validator{}))

	require.NoError(t, c.erase("/usr/bin/a"))
	assert.True(t, c.blobs.Has(proto.HashBlob(data)), "blob must survive while a second path still references it")

	require.NoError(t, c.erase("/usr/bin/b"))
	assert.False(t, c.blobs.Has(proto.HashBlob(data)))
}

func TestEnforceEntryCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEntries = 2
	c := newTestCache(t, cfg)

	require.NoError(t, c.InsertAttr("/usr/a", proto.Attributes{Size: 1}, proto.Validator{}))
	require.NoError(t, c.InsertAttr("/usr/b", proto.Attributes{Size: 1}, proto.Validator{}))
	require.NoError(t, c.InsertAttr("/usr/c", proto.Attributes{Size: 1}, proto.Validator{}))

	assert.LessOrEqual(t, c.meta.Len(), 2)
	_, _, ok := c.LookUpAttr("/usr/a")
	assert.False(t, ok, "oldest entry should have been evicted to respect max_entries")
	_, _, ok = c.LookUpAttr("/usr/c")
	assert.True(t, ok)
}

func TestRevalidationLifecycle(t *testing.T) {
	c := newTestCache(t, testConfig())
	c.BeginSession(1)

	require.NoError(t, c.InsertAttr("/usr/bin/ffmpeg", proto.Attributes{Size: 1}, proto.Validator{}))
	assert.True(t, c.NeedsRevalidation("/usr/bin/ffmpeg"))

	c.MarkRevalidated("/usr/bin/ffmpeg")
	assert.False(t, c.NeedsRevalidation("/usr/bin/ffmpeg"))

	// A new session resets every path back to needing revalidation.
	c.BeginSession(2)
	assert.True(t, c.NeedsRevalidation("/usr/bin/ffmpeg"))
}

func TestInvalidateEvictsEntry(t *testing.T) {
	c := newTestCache(t, testConfig())
	require.NoError(t, c.InsertAttr("/usr/bin/ffmpeg", proto.Attributes{Size: 1}, proto.Validator{}))

	require.NoError(t, c.Invalidate("/usr/bin/ffmpeg"))

	_, _, ok := c.LookUpAttr("/usr/bin/ffmpeg")
	assert.False(t, ok)
}

func TestNegativeCacheAvoidsFetch(t *testing.T) {
	c := newTestCache(t, testConfig())
	require.NoError(t, c.InsertNegative("/usr/lib/missing.pyc", proto.OpGetAttr, proto.ErrNotFound, proto.Validator{}))

	code, ok := c.LookUpNegative("/usr/lib/missing.pyc", proto.OpGetAttr)
	require.True(t, ok)
	assert.Equal(t, proto.ErrNotFound, code)
}

func TestFetchBlobSingleFlight(t *testing.T) {
	c := newTestCache(t, testConfig())
	data := []byte("fetched exactly once")

	var calls atomic.Int32
	fetch := func() ([]byte, proto.Validator, error) {
		calls.Add(1)
		return data, proto.Validator{Size: uint64(len(data))}, nil
	}

	const n = 16
	var wg sync.WaitGroup
	results := make([][]byte, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, _, err := c.FetchBlob("/usr/bin/concurrent", fetch)
			require.NoError(t, err)
			results[i] = got
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "P5: exactly one RPC for N concurrent misses on the same key")
	for _, r := range results {
		assert.Equal(t, data, r)
	}
}

func TestFetchBlobServesFromCacheWithoutRefetch(t *testing.T) {
	c := newTestCache(t, testConfig())
	data := []byte("cached already")
	require.NoError(t, c.InsertBlob("/usr/bin/warm", data, proto.Validator{}))

	called := false
	got, _, err := c.FetchBlob("/usr/bin/warm", func() ([]byte, proto.Validator, error) {
		called = true
		return nil, proto.Validator{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.False(t, called)
}
