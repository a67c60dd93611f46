package localfs

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/Overv/outrun/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoot(t *testing.T) *Root {
	t.Helper()
	dir := t.TempDir()
	root, err := NewRoot(dir)
	require.NoError(t, err)
	return root
}

func TestGetAttrRegularFile(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(root.dir, "hello.txt"), []byte("hi"), 0o644))

	attr, err := root.GetAttr("/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), attr.Size)
	assert.NotZero(t, attr.Mode&syscall.S_IFREG)
}

func TestGetAttrNotFound(t *testing.T) {
	root := newTestRoot(t)
	_, err := root.GetAttr("/missing")
	require.Error(t, err)
	pe, ok := proto.AsError(err)
	require.True(t, ok)
	assert.Equal(t, proto.ErrNotFound, pe.Code)
}

func TestResolveRejectsEscape(t *testing.T) {
	root := newTestRoot(t)
	_, err := root.GetAttr("/../../etc/passwd")
	require.Error(t, err)
	pe, ok := proto.AsError(err)
	require.True(t, ok)
	assert.Equal(t, proto.ErrPermissionDenied, pe.Code)
}

func TestReadDirSortedByName(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(root.dir, "b"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root.dir, "a"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root.dir, "c"), 0o755))

	entries, err := root.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].Name)
	assert.Equal(t, "b", entries[1].Name)
	assert.Equal(t, "c", entries[2].Name)
}

func TestReadWriteRoundTrip(t *testing.T) {
	root := newTestRoot(t)
	f, err := root.OpenWrite("/data.bin", os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	n, err := WriteAt(f, 0, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	require.NoError(t, Fsync(f))
	require.NoError(t, f.Close())

	got, err := root.ReadFile("/data.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestSymlinkAndReadlink(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, root.Symlink("/link", "/target/does/not/exist"))
	target, err := root.Readlink("/link")
	require.NoError(t, err)
	assert.Equal(t, "/target/does/not/exist", target)
}

func TestRenameAndUnlink(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(root.dir, "old"), []byte("x"), 0o644))
	require.NoError(t, root.Rename("/old", "/new"))
	_, err := root.GetAttr("/old")
	require.Error(t, err)
	require.NoError(t, root.Unlink("/new"))
	_, err = root.GetAttr("/new")
	require.Error(t, err)
}

func TestMkdirRmdir(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, root.Mkdir("/sub", 0o755))
	attr, err := root.GetAttr("/sub")
	require.NoError(t, err)
	assert.NotZero(t, attr.Mode&syscall.S_IFDIR)
	require.NoError(t, root.Rmdir("/sub"))
}

func TestChmodChown(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(root.dir, "f"), nil, 0o644))
	require.NoError(t, root.Chmod("/f", 0o600))
	attr, err := root.GetAttr("/f")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o600), attr.Mode&0o777)

	// Chown to the current uid/gid should always succeed unprivileged.
	require.NoError(t, root.Chown("/f", os.Getuid(), os.Getgid()))
}

func TestClassifyMapsErrno(t *testing.T) {
	root := newTestRoot(t)
	_, err := root.OpenRead("/nope")
	pe, ok := proto.AsError(err)
	require.True(t, ok)
	assert.Equal(t, proto.ErrNotFound, pe.Code)
}
