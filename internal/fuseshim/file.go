package fuseshim

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/sherlockfs/sherlockfs"
)

// fileHandle is the FileHandle go-fuse returns from Open/Create. It carries
// no OS descriptor — every read/write goes straight through the volume's
// block/cipher/FAT layers keyed by the entry's EntryID. handleID is its
// slot in the volume's open-handle table, released on Release.
type fileHandle struct {
	vol      *cryptfs.Volume
	id       cryptfs.EntryID
	handleID uint64
}

var (
	_ fs.FileReader   = (*fileHandle)(nil)
	_ fs.FileWriter   = (*fileHandle)(nil)
	_ fs.FileReleaser = (*fileHandle)(nil)
)

func (f *fileHandle) key() ([]byte, error) {
	return f.vol.State.MasterKey()
}

// Read implements fs.FileReader. A short dest — offset
// landing exactly at or past the file's current size — yields io.EOF-style
// zero bytes rather than an error, matching ordinary POSIX read semantics;
// cryptfs.ReadAt's "no reading past end of entry" guard only applies to
// in-range reads whose length would overrun, so we clamp first.
func (f *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	key, kerr := f.key()
	if kerr != nil {
		return nil, toErrno(kerr)
	}
	e, err := f.vol.GetEntry(key, f.id)
	if err != nil {
		return nil, toErrno(err)
	}
	if uint64(off) >= e.Size {
		return fuse.ReadResultData(nil), 0
	}
	want := uint64(len(dest))
	if uint64(off)+want > e.Size {
		want = e.Size - uint64(off)
	}
	n, err := f.vol.ReadAt(key, f.id, uint64(off), dest[:want])
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Write implements fs.FileWriter.
func (f *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	key, kerr := f.key()
	if kerr != nil {
		return 0, toErrno(kerr)
	}
	n, err := f.vol.WriteAt(key, f.id, uint64(off), data)
	if err != nil {
		return uint32(n), toErrno(err)
	}
	return uint32(n), 0
}

// Release implements fs.FileReleaser, freeing the handle's slot in the
// volume's open-handle table.
func (f *fileHandle) Release(ctx context.Context) syscall.Errno {
	return toErrno(f.vol.State.Close(f.handleID))
}
