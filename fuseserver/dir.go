package fuseserver

import (
	"context"
	"path"
	"sync"
	"syscall"

	"github.com/Overv/outrun/proto"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
)

// dirHandle is a point-in-time snapshot of one directory's children, built
// at OpenDir and served out of in ReadDir. FUSE's own contract (see the
// commentary on fuseops.ReadDirOp.Offset) only requires that a rewind look
// like a freshly opened directory, so a snapshot-per-handle is sufficient:
// there is no need to track mutations made after OpenDir.
type dirHandle struct {
	mu      sync.Mutex
	entries []fuseops.Dirent
}

func (fs *FileSystem) MkDir(op *fuseops.MkDirOp) error {
	parent, ok := fs.inodePath(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	childPath := path.Join(parent, op.Name)

	req := proto.ChmodRequest{Path: childPath, Mode: uint32(op.Mode.Perm())}
	if err := fs.callOk(op.Context(), proto.OpMkdir, req.Marshal()); err != nil {
		return errnoFor(err)
	}

	attr, v, err := fs.fetchAttrPassthrough(op.Context(), childPath)
	if err != nil {
		return errnoFor(err)
	}
	in := fs.mintInode(childPath, attr, v)
	op.Entry = fs.childEntry(in, attr)
	return nil
}

func (fs *FileSystem) RmDir(op *fuseops.RmDirOp) error {
	parent, ok := fs.inodePath(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	childPath := path.Join(parent, op.Name)
	err := fs.callOk(op.Context(), proto.OpRmdir, proto.PathRequest{Path: childPath}.Marshal())
	if err != nil {
		return errnoFor(err)
	}
	fs.invalidateIfCached(childPath)
	return nil
}

func (fs *FileSystem) Unlink(op *fuseops.UnlinkOp) error {
	parent, ok := fs.inodePath(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	childPath := path.Join(parent, op.Name)
	err := fs.callOk(op.Context(), proto.OpUnlink, proto.PathRequest{Path: childPath}.Marshal())
	if err != nil {
		return errnoFor(err)
	}
	fs.invalidateIfCached(childPath)
	return nil
}

func (fs *FileSystem) Rename(op *fuseops.RenameOp) error {
	oldParent, ok := fs.inodePath(op.OldParent)
	if !ok {
		return syscall.ENOENT
	}
	newParent, ok := fs.inodePath(op.NewParent)
	if !ok {
		return syscall.ENOENT
	}
	oldPath := path.Join(oldParent, op.OldName)
	newPath := path.Join(newParent, op.NewName)

	req := proto.RenameRequest{OldPath: oldPath, NewPath: newPath}
	if err := fs.callOk(op.Context(), proto.OpRename, req.Marshal()); err != nil {
		return errnoFor(err)
	}
	fs.invalidateIfCached(oldPath)
	fs.invalidateIfCached(newPath)
	return nil
}

// getDirList resolves path's children, through cache+bulk_fetch for system
// paths (depth 1, matching spec.md's "readdir on miss issues bulk_fetch with
// depth=1") and a bare ReadDir RPC for everything else.
func (fs *FileSystem) getDirList(ctx context.Context, p string) ([]proto.DirEntry, error) {
	if fs.cache.IsSystemPath(p) {
		if !fs.cache.NeedsRevalidation(p) {
			if entries, _, ok := fs.cache.LookUpDirList(p); ok {
				return entries, nil
			}
			if code, ok := fs.cache.LookUpNegative(p, proto.OpReadDir); ok {
				return nil, proto.NewError(code, "cached negative")
			}
		}
		entries, err := fs.bulkFetch(ctx, []string{p}, 1, nil)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Path != p {
				continue
			}
			if e.Kind == proto.KindNegative {
				return nil, proto.NewError(e.NegErr, "")
			}
			if e.Kind == proto.KindDirList {
				return e.Children, nil
			}
		}
		return nil, proto.NewError(proto.ErrProtocol, "bulk_fetch reply missing %s", p)
	}

	payload, err := fs.client.Call(ctx, proto.OpReadDir, proto.ReadDirRequest{Path: p}.Marshal())
	if err != nil {
		return nil, err
	}
	resp, err := proto.UnmarshalReadDirResponse(payload)
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Entries, nil
}

func (fs *FileSystem) OpenDir(op *fuseops.OpenDirOp) error {
	p, ok := fs.inodePath(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	children, err := fs.getDirList(op.Context(), p)
	if err != nil {
		return errnoFor(err)
	}

	dirents := make([]fuseops.Dirent, 0, len(children))
	for i, c := range children {
		childPath := path.Join(p, c.Name)
		in := fs.mintInode(childPath, c.Attr, proto.Validator{MtimeNs: c.Attr.Mtime, Size: c.Attr.Size})
		dirents = append(dirents, fuseops.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  in.id,
			Name:   c.Name,
			Type:   direntType(c.Attr),
		})
	}

	h := &dirHandle{entries: dirents}
	fs.mu.Lock()
	id := fs.nextDirID
	fs.nextDirID++
	fs.dirHandles[id] = h
	fs.mu.Unlock()
	op.Handle = id
	return nil
}

func (fs *FileSystem) ReadDir(op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	h, ok := fs.dirHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	idx := int(op.Offset)
	var n int
	for idx < len(h.entries) {
		written := fuseutil.WriteDirent(op.Dst[n:], h.entries[idx])
		if written == 0 {
			break
		}
		n += written
		idx++
	}
	op.BytesRead = n
	return nil
}

func (fs *FileSystem) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	delete(fs.dirHandles, op.Handle)
	fs.mu.Unlock()
	return nil
}

// direntType maps a wire Attributes' mode bits to the fuseops.DirentType the
// kernel expects in a directory entry.
func direntType(a proto.Attributes) fuseops.DirentType {
	switch a.Mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		return fuseops.DT_Dir
	case syscall.S_IFLNK:
		return fuseops.DT_Link
	default:
		return fuseops.DT_File
	}
}
