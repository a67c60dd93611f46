// Package localfs is the thin layer between rpcserver and the real
// filesystem on L. Every method takes the path exactly as the client sent
// it (already validated against the server root by the caller) and returns
// proto types directly, so rpcserver's handlers are little more than a
// dispatch table over this package.
//
// Every error returned here is either a *proto.Error (when it maps cleanly
// to spec.md's taxonomy) or a plain os/syscall error that the caller wraps
// with Classify. Nothing in this package talks to the network or the cache;
// it is pure local I/O, grounded the same way jacobsa-fuse's roloopbackfs
// sample wraps os.Stat/os.Open/os.ReadDir directly rather than through an
// abstraction layer -- there is exactly one local filesystem here, so a
// library to abstract over several would add indirection without a second
// implementation to justify it.
package localfs

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/Overv/outrun/proto"
)

func timeFromNs(ns int64) time.Time {
	return time.Unix(0, ns)
}

// Root wraps a directory on L that the server is willing to export. All
// paths handed to its methods are already absolute and already cleaned by
// the caller; Root only re-validates that the result of joining them with
// dir stays inside dir, to catch anything a confused or hostile client
// sneaks past the wire layer (e.g. "..").
type Root struct {
	dir string
}

// NewRoot returns a Root exporting dir. dir must already exist.
func NewRoot(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, &os.PathError{Op: "outrun", Path: abs, Err: syscall.ENOTDIR}
	}
	return &Root{dir: abs}, nil
}

// resolve maps a client-visible path (always "/"-rooted, relative to the
// export) to the real path on disk, rejecting any result that would escape
// the root.
func (r *Root) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	real := filepath.Join(r.dir, clean)
	if real != r.dir && !strings.HasPrefix(real, r.dir+string(filepath.Separator)) {
		return "", proto.NewError(proto.ErrPermissionDenied, "path escapes export root: %q", path)
	}
	return real, nil
}

// Classify maps a raw error from the os/syscall layer to a *proto.Error,
// per spec.md §7's "POSIX-mappable" column. Errors already typed are passed
// through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := proto.AsError(err); ok {
		return pe
	}
	switch {
	case os.IsNotExist(err):
		return proto.NewError(proto.ErrNotFound, "%v", err)
	case os.IsPermission(err):
		return proto.NewError(proto.ErrPermissionDenied, "%v", err)
	}
	if errno, ok := underlyingErrno(err); ok {
		switch errno {
		case syscall.ENOENT:
			return proto.NewError(proto.ErrNotFound, "%v", err)
		case syscall.EACCES, syscall.EPERM:
			return proto.NewError(proto.ErrPermissionDenied, "%v", err)
		case syscall.ENOTDIR:
			return proto.NewError(proto.ErrNotADirectory, "%v", err)
		case syscall.EINVAL:
			if strings.Contains(err.Error(), "symlink") {
				return proto.NewError(proto.ErrNotASymlink, "%v", err)
			}
		case syscall.ENOSPC:
			return proto.NewError(proto.ErrNoSpace, "%v", err)
		}
	}
	return proto.NewError(proto.ErrIO, "%v", err)
}

func underlyingErrno(err error) (syscall.Errno, bool) {
	type causer interface{ Unwrap() error }
	for {
		if errno, ok := err.(syscall.Errno); ok {
			return errno, true
		}
		if pe, ok := err.(*os.PathError); ok {
			err = pe.Err
			continue
		}
		if le, ok := err.(*os.LinkError); ok {
			err = le.Err
			continue
		}
		if c, ok := err.(causer); ok {
			err = c.Unwrap()
			continue
		}
		return 0, false
	}
}

func toAttributes(fi os.FileInfo) proto.Attributes {
	a := proto.Attributes{
		Mode:  uint32(fi.Mode().Perm()),
		Size:  uint64(fi.Size()),
		Mtime: fi.ModTime().UnixNano(),
		Nlink: 1,
	}
	switch {
	case fi.IsDir():
		a.Mode |= syscall.S_IFDIR
	case fi.Mode()&os.ModeSymlink != 0:
		a.Mode |= syscall.S_IFLNK
	default:
		a.Mode |= syscall.S_IFREG
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		a.Uid = st.Uid
		a.Gid = st.Gid
		a.Nlink = uint32(st.Nlink)
		a.Rdev = uint32(st.Rdev)
		a.Ctime = st.Ctim.Nano()
		a.Atime = st.Atim.Nano()
		a.InoHint = st.Ino
	}
	return a
}

// GetAttr stats path without following a trailing symlink.
func (r *Root) GetAttr(path string) (proto.Attributes, error) {
	real, err := r.resolve(path)
	if err != nil {
		return proto.Attributes{}, err
	}
	fi, err := os.Lstat(real)
	if err != nil {
		return proto.Attributes{}, Classify(err)
	}
	return toAttributes(fi), nil
}

// ReadDir lists the immediate children of path, sorted by name for
// deterministic bulk_fetch bundling (spec.md §4.5's directory-wise
// prefetch assumes a stable order).
func (r *Root) ReadDir(path string) ([]proto.DirEntry, error) {
	real, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	des, err := os.ReadDir(real)
	if err != nil {
		return nil, Classify(err)
	}
	sort.Slice(des, func(i, j int) bool { return des[i].Name() < des[j].Name() })

	out := make([]proto.DirEntry, 0, len(des))
	for _, de := range des {
		fi, err := de.Info()
		if err != nil {
			// A child can disappear between readdir and stat; skip it rather
			// than failing the whole listing.
			continue
		}
		out = append(out, proto.DirEntry{Name: de.Name(), Attr: toAttributes(fi)})
	}
	return out, nil
}

// Readlink returns the target of a symlink at path.
func (r *Root) Readlink(path string) (string, error) {
	real, err := r.resolve(path)
	if err != nil {
		return "", err
	}
	target, err := os.Readlink(real)
	if err != nil {
		return "", Classify(err)
	}
	return target, nil
}

// ReadFile returns the full contents of path, for building a proto.Blob.
func (r *Root) ReadFile(path string) ([]byte, error) {
	real, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(real)
	if err != nil {
		return nil, Classify(err)
	}
	return data, nil
}

// OpenRead opens path for streaming reads, used when the file is too large
// or too volatile to pull whole into a Blob.
func (r *Root) OpenRead(path string) (*os.File, proto.Attributes, error) {
	real, err := r.resolve(path)
	if err != nil {
		return nil, proto.Attributes{}, err
	}
	f, err := os.Open(real)
	if err != nil {
		return nil, proto.Attributes{}, Classify(err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, proto.Attributes{}, Classify(err)
	}
	return f, toAttributes(fi), nil
}

// ReadAt reads size bytes from f at offset, returning as many bytes as are
// available (io.EOF is not an error; a short read is just the end of the
// file, matching spec.md §4.2's read semantics).
func ReadAt(f *os.File, offset int64, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, Classify(err)
	}
	return buf[:n], nil
}

// OpenWrite opens path for writing, creating it with mode if flags includes
// O_CREAT. flags and mode follow the client's FUSE-side open(2) semantics
// directly; rpcserver is responsible for translating them from the wire.
func (r *Root) OpenWrite(path string, flags int, mode uint32) (*os.File, error) {
	real, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(real, flags, os.FileMode(mode))
	if err != nil {
		return nil, Classify(err)
	}
	return f, nil
}

// WriteAt writes data to f at offset.
func WriteAt(f *os.File, offset int64, data []byte) (int, error) {
	n, err := f.WriteAt(data, offset)
	if err != nil {
		return n, Classify(err)
	}
	return n, nil
}

// Fsync flushes f to stable storage.
func Fsync(f *os.File) error {
	if err := f.Sync(); err != nil {
		return Classify(err)
	}
	return nil
}

// Unlink removes a non-directory entry.
func (r *Root) Unlink(path string) error {
	real, err := r.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(real); err != nil {
		return Classify(err)
	}
	return nil
}

// Mkdir creates a directory with the given mode.
func (r *Root) Mkdir(path string, mode uint32) error {
	real, err := r.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Mkdir(real, os.FileMode(mode)); err != nil {
		return Classify(err)
	}
	return nil
}

// Rmdir removes an empty directory.
func (r *Root) Rmdir(path string) error {
	real, err := r.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(real); err != nil {
		return Classify(err)
	}
	return nil
}

// Rename moves oldPath to newPath, both resolved against the same root.
func (r *Root) Rename(oldPath, newPath string) error {
	oldReal, err := r.resolve(oldPath)
	if err != nil {
		return err
	}
	newReal, err := r.resolve(newPath)
	if err != nil {
		return err
	}
	if err := os.Rename(oldReal, newReal); err != nil {
		return Classify(err)
	}
	return nil
}

// Chmod changes path's permission bits.
func (r *Root) Chmod(path string, mode uint32) error {
	real, err := r.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Chmod(real, os.FileMode(mode)); err != nil {
		return Classify(err)
	}
	return nil
}

// Chown changes path's owner and group. Either may be -1 to leave it
// unchanged, matching chown(2).
func (r *Root) Chown(path string, uid, gid int) error {
	real, err := r.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Chown(real, uid, gid); err != nil {
		return Classify(err)
	}
	return nil
}

// Utimens sets path's access and modification times. A zero time.Time for
// either field (signaled by the caller via hasAtime/hasMtime) leaves that
// field unchanged by reusing its current value.
func (r *Root) Utimens(path string, atime, mtime int64, hasAtime, hasMtime bool) error {
	real, err := r.resolve(path)
	if err != nil {
		return err
	}
	if !hasAtime || !hasMtime {
		fi, statErr := os.Lstat(real)
		if statErr != nil {
			return Classify(statErr)
		}
		if st, ok := fi.Sys().(*syscall.Stat_t); ok {
			if !hasAtime {
				atime = st.Atim.Nano()
			}
			if !hasMtime {
				mtime = st.Mtim.Nano()
			}
		}
	}
	if err := os.Chtimes(real, timeFromNs(atime), timeFromNs(mtime)); err != nil {
		return Classify(err)
	}
	return nil
}

// Symlink creates a symlink at path pointing to target.
func (r *Root) Symlink(path, target string) error {
	real, err := r.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Symlink(target, real); err != nil {
		return Classify(err)
	}
	return nil
}

// Link creates a hard link at newPath pointing to oldPath.
func (r *Root) Link(oldPath, newPath string) error {
	oldReal, err := r.resolve(oldPath)
	if err != nil {
		return err
	}
	newReal, err := r.resolve(newPath)
	if err != nil {
		return err
	}
	if err := os.Link(oldReal, newReal); err != nil {
		return Classify(err)
	}
	return nil
}

// Statfs reports filesystem-level statistics for the export root.
func (r *Root) Statfs() (proto.StatfsInfo, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(r.dir, &st); err != nil {
		return proto.StatfsInfo{}, Classify(err)
	}
	return proto.StatfsInfo{
		BlockSize:  uint32(st.Bsize),
		Blocks:     st.Blocks,
		BlocksFree: st.Bfree,
		Files:      st.Files,
		FilesFree:  st.Ffree,
	}, nil
}
