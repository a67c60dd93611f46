package fuseserver

import (
	"syscall"

	"github.com/Overv/outrun/proto"
)

// errnoFor maps a proto.ErrorCode -- spec.md's closed 15-entry error
// taxonomy -- to the POSIX errno fuseutil.FileSystem methods are expected to
// return. Codes with no natural errno (ErrProtocol, ErrAuthFailed,
// ErrShutdown, ErrCacheCorrupt) collapse to EIO: the kernel has no better
// way to represent "the connection to L is broken" than a generic I/O
// error.
func errnoFor(err error) error {
	if err == nil {
		return nil
	}
	pe, ok := proto.AsError(err)
	if !ok {
		return syscall.EIO
	}
	switch pe.Code {
	case proto.ErrNotFound:
		return syscall.ENOENT
	case proto.ErrPermissionDenied:
		return syscall.EACCES
	case proto.ErrNotADirectory:
		return syscall.ENOTDIR
	case proto.ErrNotASymlink:
		return syscall.EINVAL
	case proto.ErrNoSpace:
		return syscall.ENOSPC
	case proto.ErrBadHandle:
		return syscall.EBADF
	case proto.ErrTimeout:
		return syscall.ETIMEDOUT
	case proto.ErrBusy:
		return syscall.EBUSY
	case proto.ErrInterrupted:
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}
