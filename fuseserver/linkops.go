package fuseserver

import (
	"path"
	"syscall"

	"github.com/Overv/outrun/proto"
	"github.com/jacobsa/fuse/fuseops"
)

func (fs *FileSystem) CreateSymlink(op *fuseops.CreateSymlinkOp) error {
	parent, ok := fs.inodePath(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	childPath := path.Join(parent, op.Name)

	req := proto.SymlinkRequest{Path: childPath, Target: op.Target}
	if err := fs.callOk(op.Context(), proto.OpSymlink, req.Marshal()); err != nil {
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

// CreateLink implements a hard link. gcsfuse's fs.go has no use for this --
// a GCS object has no notion of multiple names for one inode -- but this
// module sits on top of a real POSIX tree via localfs, which does, and
// spec.md's opcode table carries OpLink for exactly this.
func (fs *FileSystem) CreateLink(op *fuseops.CreateLinkOp) error {
	parent, ok := fs.inodePath(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	targetPath, ok := fs.inodePath(op.Target)
	if !ok {
		return syscall.ENOENT
	}
	childPath := path.Join(parent, op.Name)

	req := proto.LinkRequest{OldPath: targetPath, NewPath: childPath}
	if err := fs.callOk(op.Context(), proto.OpLink, req.Marshal()); err != nil {
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

func (fs *FileSystem) ReadSymlink(op *fuseops.ReadSymlinkOp) error {
	p, ok := fs.inodePath(op.Inode)
	if !ok {
		return syscall.ENOENT
	}

	if fs.cache.IsSystemPath(p) && !fs.cache.NeedsRevalidation(p) {
		if target, _, ok := fs.cache.LookUpReadlink(p); ok {
			op.Target = target
			return nil
		}
	}

	payload, err := fs.client.Call(op.Context(), proto.OpReadlink, proto.ReadlinkRequest{Path: p}.Marshal())
	if err != nil {
		return errnoFor(err)
	}
	resp, err := proto.UnmarshalReadlinkResponse(payload)
	if err != nil {
		return errnoFor(err)
	}
	if resp.Err != nil {
		return errnoFor(resp.Err)
	}
	if fs.cache.IsSystemPath(p) {
		v := proto.Validator{}
		fs.cache.InsertReadlink(p, resp.Target, v)
		fs.cache.MarkRevalidated(p)
	}
	op.Target = resp.Target
	return nil
}

// StatFS reports filesystem-wide statistics. gcsfuse never implements this
// either, for the same reason it skips link counts: GCS has no concept of
// block allocation. localfs.Root does, via the underlying POSIX tree, and
// spec.md's OpStatfs RPC exposes it.
func (fs *FileSystem) StatFS(op *fuseops.StatFSOp) error {
	payload, err := fs.client.Call(op.Context(), proto.OpStatfs, proto.StatfsRequest{Path: "/"}.Marshal())
	if err != nil {
		return errnoFor(err)
	}
	resp, err := proto.UnmarshalStatfsResponse(payload)
	if err != nil {
		return errnoFor(err)
	}
	if resp.Err != nil {
		return errnoFor(resp.Err)
	}

	op.BlockSize = resp.Info.BlockSize
	op.Blocks = resp.Info.Blocks
	op.BlocksFree = resp.Info.BlocksFree
	op.BlocksAvailable = resp.Info.BlocksFree
	op.Inodes = resp.Info.Files
	op.InodesFree = resp.Info.FilesFree
	return nil
}
