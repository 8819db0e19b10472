// Package fuseshim maps the POSIX operations go-fuse dispatches onto the
// core cryptfs operations"). It
// holds no on-disk knowledge of its own: every read, write, or metadata
// change is a call into a *cryptfs.Volume, with errors translated from
// *cryptfs.Error kinds into the negative errnos go-fuse expects.
package fuseshim

import (
	"context"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/sherlockfs/sherlockfs"
)

// Root is the shared state behind every Node in one mount: the unlocked
// volume. cryptfs.Volume does no locking at the block/FAT/directory layer,
// so Mount has go-fuse serve requests one at a time.
type Root struct {
	Vol *cryptfs.Volume
}

func (r *Root) key() ([]byte, error) {
	return r.Vol.State.MasterKey()
}

// Node is one FUSE inode: a directory, file, hardlink or symlink entry
// identified by its stable cryptfs.EntryID.
type Node struct {
	fs.Inode

	root *Root
	id   cryptfs.EntryID
}

var (
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeSetattrer = (*Node)(nil)
	_ fs.NodeAccesser  = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
	_ fs.NodeSymlinker = (*Node)(nil)
	_ fs.NodeLinker    = (*Node)(nil)
	_ fs.NodeReadlinker = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
)

// Mount opens mountpoint over vol, which must already be unlocked (its
// State must carry a master key — see cryptfs.Volume.Unlock). debug enables
// go-fuse's request tracing.
func Mount(mountpoint string, vol *cryptfs.Volume, debug bool) (*fuse.Server, error) {
	if !vol.State.Unlocked() {
		return nil, &cryptfs.Error{Kind: cryptfs.KindInvalid, Msg: "volume must be unlocked before mounting"}
	}
	root := &Node{root: &Root{Vol: vol}, id: cryptfs.RootEntryID}
	opts := &fs.Options{}
	opts.Debug = debug
	opts.SingleThreaded = true
	opts.AttrTimeout = durationPtr(time.Second)
	opts.EntryTimeout = durationPtr(time.Second)
	return fs.Mount(mountpoint, root, opts)
}

func durationPtr(d time.Duration) *time.Duration { return &d }

// toErrno maps a *cryptfs.Error's Kind to the conventional FUSE errno
// names: ENOENT / EEXIST / EIO / EINVAL / EACCES / EMFILE.
// "is a directory" (EISDIR) and "not a directory" both fall out of
// KindInvalid since cryptfs does not distinguish them at the Kind level;
// callers that need the distinction inspect Msg.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch cryptfs.KindOf(err) {
	case cryptfs.KindNotFound:
		return syscall.ENOENT
	case cryptfs.KindExists:
		return syscall.EEXIST
	case cryptfs.KindInvalid:
		return syscall.EINVAL
	case cryptfs.KindPermission:
		return syscall.EACCES
	case cryptfs.KindExhausted:
		return syscall.EMFILE
	case cryptfs.KindCipher:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}

// ino packs an EntryID into a FUSE inode number: the directory block in
// the high bits, the in-block index in the low bits. Two different
// EntryIDs never collide since Index is always < entriesPerBlock.
func ino(id cryptfs.EntryID) uint64 {
	return uint64(id.DirBlock)<<32 | uint64(id.Index)
}

func typeBits(t cryptfs.EntryType) uint32 {
	switch t {
	case cryptfs.EntryDirectory:
		return syscall.S_IFDIR
	case cryptfs.EntrySymlink:
		return syscall.S_IFLNK
	default: // EntryFile, EntryHardlink: hardlinks always target a file
		return syscall.S_IFREG
	}
}

func attrFromEntry(e *cryptfs.Entry, id cryptfs.EntryID, out *fuse.Attr) {
	out.Ino = ino(id)
	out.Size = e.Size
	out.Mode = typeBits(e.Type) | (e.Mode & 0o7777)
	out.Uid = e.UID
	out.Gid = e.GID
	out.Atime = uint64(e.Atime)
	out.Mtime = uint64(e.Mtime)
	out.Ctime = uint64(e.Ctime)
	out.Nlink = 1
	if e.Type == cryptfs.EntryDirectory {
		out.Nlink = 2
	}
	out.Blksize = cryptfs.BlockSize
	if e.Size > 0 {
		out.Blocks = (e.Size + cryptfs.BlockSize - 1) / cryptfs.BlockSize
	}
}

func (n *Node) stableAttr(e *cryptfs.Entry, id cryptfs.EntryID) fs.StableAttr {
	return fs.StableAttr{Mode: typeBits(e.Type), Ino: ino(id)}
}

// Lookup implements fs.NodeLookuper.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	key, kerr := n.root.key()
	if kerr != nil {
		return nil, toErrno(kerr)
	}
	id, err := n.root.Vol.LookupChild(key, n.id, name)
	if err != nil {
		return nil, toErrno(err)
	}
	e, err := n.root.Vol.GetEntry(key, id)
	if err != nil {
		return nil, toErrno(err)
	}
	attrFromEntry(e, id, &out.Attr)
	child := &Node{root: n.root, id: id}
	return n.NewInode(ctx, child, n.stableAttr(e, id)), 0
}

// Getattr implements fs.NodeGetattrer.
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	key, kerr := n.root.key()
	if kerr != nil {
		return toErrno(kerr)
	}
	e, err := n.root.Vol.GetEntry(key, n.id)
	if err != nil {
		return toErrno(err)
	}
	attrFromEntry(e, n.id, &out.Attr)
	return 0
}

// Setattr implements fs.NodeSetattrer. chmod/chown are not implemented: a
// request that touches mode or ownership fails with ENOSYS without
// applying the rest of the change. Truncate and utimens
// (independently-settable atime/mtime, honoring the UTIME_NOW/UTIME_OMIT
// sentinels go-fuse resolves into the GetATime/GetMTime ok bool) are
// implemented, adapted from the original's fuse_getattr.c.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if _, ok := in.GetMode(); ok {
		return syscall.ENOSYS
	}
	if _, ok := in.GetUID(); ok {
		return syscall.ENOSYS
	}
	if _, ok := in.GetGID(); ok {
		return syscall.ENOSYS
	}

	key, kerr := n.root.key()
	if kerr != nil {
		return toErrno(kerr)
	}

	if sz, ok := in.GetSize(); ok {
		if err := n.root.Vol.Truncate(key, n.id, sz); err != nil {
			return toErrno(err)
		}
	}

	if mtime, mok := in.GetMTime(); mok {
		if atime, aok := in.GetATime(); aok {
			if err := n.setTimes(key, &atime, &mtime); err != nil {
				return toErrno(err)
			}
		} else if err := n.setTimes(key, nil, &mtime); err != nil {
			return toErrno(err)
		}
	} else if atime, aok := in.GetATime(); aok {
		if err := n.setTimes(key, &atime, nil); err != nil {
			return toErrno(err)
		}
	}

	e, err := n.root.Vol.GetEntry(key, n.id)
	if err != nil {
		return toErrno(err)
	}
	attrFromEntry(e, n.id, &out.Attr)
	return 0
}

func (n *Node) setTimes(key []byte, atime, mtime *time.Time) error {
	e, err := n.root.Vol.GetEntry(key, n.id)
	if err != nil {
		return err
	}
	if atime != nil {
		e.Atime = uint32(atime.Unix())
	}
	if mtime != nil {
		e.Mtime = uint32(mtime.Unix())
	}
	return n.root.Vol.SetEntry(key, n.id, e)
}

// Access implements fs.NodeAccesser, honoring the entry's permission bits
// against the caller's uid/gid from the FUSE request context, rather than
// always granting access.
func (n *Node) Access(ctx context.Context, mask uint32) syscall.Errno {
	key, kerr := n.root.key()
	if kerr != nil {
		return toErrno(kerr)
	}
	e, err := n.root.Vol.GetEntry(key, n.id)
	if err != nil {
		return toErrno(err)
	}

	caller, ok := fuse.FromContext(ctx)
	if !ok || caller.Uid == 0 {
		return 0
	}

	var perm uint32
	switch {
	case caller.Uid == e.UID:
		perm = (e.Mode >> 6) & 0o7
	case caller.Gid == e.GID:
		perm = (e.Mode >> 3) & 0o7
	default:
		perm = e.Mode & 0o7
	}
	want := mask & 0o7
	if perm&want != want {
		return syscall.EACCES
	}
	return 0
}

// Readdir implements fs.NodeReaddirer, listing the directory's whole
// entry chain up front.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	key, kerr := n.root.key()
	if kerr != nil {
		return nil, toErrno(kerr)
	}
	e, err := n.root.Vol.GetEntry(key, n.id)
	if err != nil {
		return nil, toErrno(err)
	}
	if e.StartBlock == 0 {
		return &dirStream{}, 0
	}
	listing, err := n.root.Vol.ListDirectory(key, e.StartBlock)
	if err != nil {
		return nil, toErrno(err)
	}
	entries := make([]fuse.DirEntry, 0, len(listing))
	for _, l := range listing {
		entries = append(entries, fuse.DirEntry{
			Mode: typeBits(l.Type),
			Name: l.Name,
			Ino:  ino(l.ID),
		})
	}
	return &dirStream{entries: entries}, 0
}

type dirStream struct {
	entries []fuse.DirEntry
	i       int
}

func (d *dirStream) HasNext() bool { return d.i < len(d.entries) }

func (d *dirStream) Next() (fuse.DirEntry, syscall.Errno) {
	e := d.entries[d.i]
	d.i++
	return e, 0
}

func (d *dirStream) Close() {}

// Mkdir implements fs.NodeMkdirer.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	key, kerr := n.root.key()
	if kerr != nil {
		return nil, toErrno(kerr)
	}
	caller, _ := fuse.FromContext(ctx)
	id, err := n.root.Vol.CreateDirectory(key, n.id, name, caller.Uid, caller.Gid)
	if err != nil {
		return nil, toErrno(err)
	}
	e, err := n.root.Vol.GetEntry(key, id)
	if err != nil {
		return nil, toErrno(err)
	}
	attrFromEntry(e, id, &out.Attr)
	child := &Node{root: n.root, id: id}
	return n.NewInode(ctx, child, n.stableAttr(e, id)), 0
}

// Create implements fs.NodeCreater: a zero-length FILE entry, immediately
// opened.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	key, kerr := n.root.key()
	if kerr != nil {
		return nil, nil, 0, toErrno(kerr)
	}
	caller, _ := fuse.FromContext(ctx)
	id, err := n.root.Vol.CreateEmptyFile(key, n.id, name, caller.Uid, caller.Gid)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	e, err := n.root.Vol.GetEntry(key, id)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	attrFromEntry(e, id, &out.Attr)
	child := &Node{root: n.root, id: id}
	inode := n.NewInode(ctx, child, n.stableAttr(e, id))
	handleID, err := n.root.Vol.State.Open(id, int(flags))
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	return inode, &fileHandle{vol: n.root.Vol, id: id, handleID: handleID}, 0, 0
}

// Unlink implements fs.NodeUnlinker.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	key, kerr := n.root.key()
	if kerr != nil {
		return toErrno(kerr)
	}
	return toErrno(n.root.Vol.DeleteChild(key, n.id, name))
}

// Rmdir implements fs.NodeRmdirer; cryptfs.Delete already refuses a
// non-empty directory.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	key, kerr := n.root.key()
	if kerr != nil {
		return toErrno(kerr)
	}
	return toErrno(n.root.Vol.DeleteChild(key, n.id, name))
}

// Symlink implements fs.NodeSymlinker.
func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	key, kerr := n.root.key()
	if kerr != nil {
		return nil, toErrno(kerr)
	}
	caller, _ := fuse.FromContext(ctx)
	id, err := n.root.Vol.CreateSymlink(key, n.id, name, target, caller.Uid, caller.Gid)
	if err != nil {
		return nil, toErrno(err)
	}
	e, err := n.root.Vol.GetEntry(key, id)
	if err != nil {
		return nil, toErrno(err)
	}
	attrFromEntry(e, id, &out.Attr)
	child := &Node{root: n.root, id: id}
	return n.NewInode(ctx, child, n.stableAttr(e, id)), 0
}

// Readlink implements fs.NodeReadlinker.
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	key, kerr := n.root.key()
	if kerr != nil {
		return nil, toErrno(kerr)
	}
	target, err := n.root.Vol.ReadSymlink(key, n.id)
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), 0
}

// Link implements fs.NodeLinker: target must already be a Node in this
// same tree (go-fuse only calls Link with nodes it tracks).
func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	targetNode, ok := target.(*Node)
	if !ok {
		return nil, syscall.EXDEV
	}
	key, kerr := n.root.key()
	if kerr != nil {
		return nil, toErrno(kerr)
	}
	caller, _ := fuse.FromContext(ctx)
	id, err := n.root.Vol.CreateHardlink(key, n.id, name, targetNode.id, caller.Uid, caller.Gid)
	if err != nil {
		return nil, toErrno(err)
	}
	e, err := n.root.Vol.GetEntry(key, id)
	if err != nil {
		return nil, toErrno(err)
	}
	attrFromEntry(e, id, &out.Attr)
	child := &Node{root: n.root, id: id}
	return n.NewInode(ctx, child, n.stableAttr(e, id)), 0
}

// Open implements fs.NodeOpener. The returned handle is registered in the
// volume's open-handle table and released on Release.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	handleID, err := n.root.Vol.State.Open(n.id, int(flags))
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &fileHandle{vol: n.root.Vol, id: n.id, handleID: handleID}, 0, 0
}
