package fuseserver

import (
	"context"
	"os"
	"path"
	"sync"
	"syscall"

	"github.com/Overv/outrun/proto"
	"github.com/jacobsa/fuse/fuseops"
)

// fileHandleState distinguishes the two shapes a read handle can take. A
// handle never transitions from streaming to cached or back -- which mode
// applies is decided once, at open time, by whether the path is a system
// path per prefetch.IsSystemPath.
type fileHandleState int

const (
	// handleStreaming forwards every ReadFile as an OpRead RPC in bounded
	// chunks. Used for non-system paths and for any handle opened for
	// writing, since writes are never cached (spec.md).
	handleStreaming fileHandleState = iota
	// handleCached serves ReadFile directly out of an in-memory blob
	// fetched (and cached) whole at open time. Used only for read-only
	// opens of system paths.
	handleCached
)

// readChunkSize bounds each OpRead RPC issued to satisfy one streaming
// ReadFile call, per spec.md's 1 MiB streamed-read chunking rule.
const readChunkSize = 1 << 20

type fileHandle struct {
	mu    sync.Mutex
	path  string
	state fileHandleState

	// valid when state == handleCached.
	data []byte

	// valid when state == handleStreaming; the remote read handle, opened
	// via OpOpenRead. Zero if this handle has never been read from.
	readRemote uint64
	hasRead    bool

	// the remote write handle, opened lazily via OpOpenWrite on first
	// WriteFile call so that handles opened read-only never pay for one.
	writeRemote uint64
	hasWrite    bool
	writable    bool
}

func (fs *FileSystem) newHandle(p string) fuseops.HandleID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id := fs.nextHandleID
	fs.nextHandleID++
	fs.handles[id] = &fileHandle{path: p}
	return id
}

func (fs *FileSystem) handle(id fuseops.HandleID) (*fileHandle, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h, ok := fs.handles[id]
	return h, ok
}

func (fs *FileSystem) CreateFile(op *fuseops.CreateFileOp) error {
	parent, ok := fs.inodePath(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	childPath := path.Join(parent, op.Name)

	req := proto.OpenWriteRequest{
		Path:  childPath,
		Flags: uint32(os.O_CREATE | os.O_EXCL | os.O_RDWR),
		Mode:  uint32(op.Mode.Perm()),
	}
	payload, err := fs.client.Call(op.Context(), proto.OpOpenWrite, req.Marshal())
	if err != nil {
		return errnoFor(err)
	}
	resp, err := proto.UnmarshalOpenWriteResponse(payload)
	if err != nil {
		return errnoFor(err)
	}
	if resp.Err != nil {
		return errnoFor(resp.Err)
	}
	fs.invalidateIfCached(childPath)

	attr, v, err := fs.fetchAttrPassthrough(op.Context(), childPath)
	if err != nil {
		return errnoFor(err)
	}
	in := fs.mintInode(childPath, attr, v)
	op.Entry = fs.childEntry(in, attr)

	id := fs.newHandle(childPath)
	h, _ := fs.handle(id)
	h.state = handleStreaming
	h.writeRemote = resp.Handle
	h.hasWrite = true
	h.writable = true
	op.Handle = id
	return nil
}

func (fs *FileSystem) OpenFile(op *fuseops.OpenFileOp) error {
	p, ok := fs.inodePath(op.Inode)
	if !ok {
		return syscall.ENOENT
	}

	wantsWrite := op.Flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
	id := fs.newHandle(p)
	h, _ := fs.handle(id)
	h.writable = wantsWrite

	if !wantsWrite && fs.cache.IsSystemPath(p) {
		data, v, err := fs.cache.FetchBlob(p, func() ([]byte, proto.Validator, error) {
			return fs.fetchBlobViaBulk(op.Context(), p)
		})
		if err != nil {
			fs.mu.Lock()
			delete(fs.handles, id)
			fs.mu.Unlock()
			return errnoFor(err)
		}
		_ = v
		h.state = handleCached
		h.data = data
		op.Handle = id
		return nil
	}

	h.state = handleStreaming
	op.Handle = id
	return nil
}

// fetchBlobViaBulk fetches path's full contents through bulk_fetch rather
// than a bare OpenRead+Read loop, so that opening a system-path file for
// read also benefits from the same ELF/shebang/pyc prefetch expansion a
// lookup or readdir on it would have (spec.md §4.5).
func (fs *FileSystem) fetchBlobViaBulk(ctx context.Context, p string) ([]byte, proto.Validator, error) {
	entries, err := fs.bulkFetch(ctx, []string{p}, 0, []proto.EntryKind{proto.KindBlob})
	if err != nil {
		return nil, proto.Validator{}, err
	}
	for _, e := range entries {
		if e.Path != p {
			continue
		}
		if e.Kind == proto.KindNegative {
			return nil, proto.Validator{}, proto.NewError(e.NegErr, "")
		}
		if e.Kind == proto.KindBlob {
			data, err := proto.DecodeBlob(e.Blob)
			if err != nil {
				return nil, proto.Validator{}, err
			}
			return data, e.Validator, nil
		}
	}
	return nil, proto.Validator{}, proto.NewError(proto.ErrProtocol, "bulk_fetch reply missing blob for %s", p)
}

func (fs *FileSystem) remoteReadHandle(ctx context.Context, h *fileHandle) (uint64, error) {
	if h.hasRead {
		return h.readRemote, nil
	}
	payload, err := fs.client.Call(ctx, proto.OpOpenRead, proto.OpenReadRequest{Path: h.path}.Marshal())
	if err != nil {
		return 0, err
	}
	resp, err := proto.UnmarshalOpenReadResponse(payload)
	if err != nil {
		return 0, err
	}
	if resp.Err != nil {
		return 0, resp.Err
	}
	h.readRemote = resp.Handle
	h.hasRead = true
	return resp.Handle, nil
}

func (fs *FileSystem) ReadFile(op *fuseops.ReadFileOp) error {
	h, ok := fs.handle(op.Handle)
	if !ok {
		return syscall.EBADF
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == handleCached {
		if op.Offset >= int64(len(h.data)) {
			op.BytesRead = 0
			return nil
		}
		n := copy(op.Dst, h.data[op.Offset:])
		op.BytesRead = n
		return nil
	}

	remote, err := fs.remoteReadHandle(op.Context(), h)
	if err != nil {
		return errnoFor(err)
	}

	var total int
	offset := op.Offset
	for total < len(op.Dst) {
		want := len(op.Dst) - total
		if want > readChunkSize {
			want = readChunkSize
		}
		req := proto.ReadRequest{Handle: remote, Offset: offset, Size: want}
		payload, err := fs.client.Call(op.Context(), proto.OpRead, req.Marshal())
		if err != nil {
			return errnoFor(err)
		}
		resp, err := proto.UnmarshalReadResponse(payload)
		if err != nil {
			return errnoFor(err)
		}
		if resp.Err != nil {
			return errnoFor(resp.Err)
		}
		data, err := proto.DecodeBlob(resp.Blob)
		if err != nil {
			return errnoFor(err)
		}
		n := copy(op.Dst[total:], data)
		total += n
		offset += int64(n)
		if len(data) < want {
			break
		}
	}
	op.BytesRead = total
	return nil
}

func (fs *FileSystem) remoteWriteHandle(ctx context.Context, h *fileHandle) (uint64, error) {
	if h.hasWrite {
		return h.writeRemote, nil
	}
	req := proto.OpenWriteRequest{Path: h.path, Flags: uint32(os.O_WRONLY)}
	payload, err := fs.client.Call(ctx, proto.OpOpenWrite, req.Marshal())
	if err != nil {
		return 0, err
	}
	resp, err := proto.UnmarshalOpenWriteResponse(payload)
	if err != nil {
		return 0, err
	}
	if resp.Err != nil {
		return 0, resp.Err
	}
	h.writeRemote = resp.Handle
	h.hasWrite = true
	return resp.Handle, nil
}

func (fs *FileSystem) WriteFile(op *fuseops.WriteFileOp) error {
	h, ok := fs.handle(op.Handle)
	if !ok {
		return syscall.EBADF
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	remote, err := fs.remoteWriteHandle(op.Context(), h)
	if err != nil {
		return errnoFor(err)
	}
	req := proto.WriteRequest{Handle: remote, Offset: op.Offset, Data: op.Data}
	payload, err := fs.client.Call(op.Context(), proto.OpWrite, req.Marshal())
	if err != nil {
		return errnoFor(err)
	}
	resp, err := proto.UnmarshalWriteResponse(payload)
	if err != nil {
		return errnoFor(err)
	}
	if resp.Err != nil {
		return errnoFor(resp.Err)
	}
	fs.invalidateIfCached(h.path)
	return nil
}

func (fs *FileSystem) syncHandle(ctx context.Context, h *fileHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.hasWrite {
		return nil
	}
	return fs.callOk(ctx, proto.OpFsync, proto.HandleRequest{Handle: h.writeRemote}.Marshal())
}

func (fs *FileSystem) SyncFile(op *fuseops.SyncFileOp) error {
	h, ok := fs.handle(op.Handle)
	if !ok {
		return syscall.EBADF
	}
	return errnoFor(fs.syncHandle(op.Context(), h))
}

func (fs *FileSystem) FlushFile(op *fuseops.FlushFileOp) error {
	h, ok := fs.handle(op.Handle)
	if !ok {
		return syscall.EBADF
	}
	return errnoFor(fs.syncHandle(op.Context(), h))
}

func (fs *FileSystem) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	h, ok := fs.handles[op.Handle]
	delete(fs.handles, op.Handle)
	fs.mu.Unlock()
	if !ok {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hasRead {
		_ = fs.callOk(context.Background(), proto.OpClose, proto.HandleRequest{Handle: h.readRemote}.Marshal())
	}
	if h.hasWrite {
		_ = fs.callOk(context.Background(), proto.OpClose, proto.HandleRequest{Handle: h.writeRemote}.Marshal())
	}
	return nil
}
