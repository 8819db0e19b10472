package fuseshim

import (
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"

	"github.com/sherlockfs/sherlockfs"
)

func TestToErrnoMapsEveryKind(t *testing.T) {
	cases := []struct {
		kind cryptfs.Kind
		want syscall.Errno
	}{
		{cryptfs.KindNotFound, syscall.ENOENT},
		{cryptfs.KindExists, syscall.EEXIST},
		{cryptfs.KindInvalid, syscall.EINVAL},
		{cryptfs.KindPermission, syscall.EACCES},
		{cryptfs.KindExhausted, syscall.EMFILE},
		{cryptfs.KindCipher, syscall.EIO},
	}
	for _, c := range cases {
		err := &cryptfs.Error{Kind: c.kind, Msg: "test"}
		assert.Equal(t, c.want, toErrno(err))
	}
}

func TestToErrnoNilIsZero(t *testing.T) {
	assert.Equal(t, syscall.Errno(0), toErrno(nil))
}

func TestInoPacksDirBlockAndIndex(t *testing.T) {
	id := cryptfs.EntryID{DirBlock: 7, Index: 3}
	got := ino(id)
	assert.Equal(t, uint64(7)<<32|3, got)
}

func TestInoDistinguishesDifferentIDs(t *testing.T) {
	a := ino(cryptfs.EntryID{DirBlock: 1, Index: 0})
	b := ino(cryptfs.EntryID{DirBlock: 0, Index: 1})
	assert.NotEqual(t, a, b)
}

func TestTypeBitsMapping(t *testing.T) {
	assert.Equal(t, uint32(syscall.S_IFDIR), typeBits(cryptfs.EntryDirectory))
	assert.Equal(t, uint32(syscall.S_IFLNK), typeBits(cryptfs.EntrySymlink))
	assert.Equal(t, uint32(syscall.S_IFREG), typeBits(cryptfs.EntryFile))
	assert.Equal(t, uint32(syscall.S_IFREG), typeBits(cryptfs.EntryHardlink))
}

func TestAttrFromEntryFile(t *testing.T) {
	e := &cryptfs.Entry{Type: cryptfs.EntryFile, Size: 4096 + 1, Mode: 0o644, UID: 10, GID: 20}
	var out fuse.Attr
	attrFromEntry(e, cryptfs.EntryID{DirBlock: 5, Index: 1}, &out)

	assert.Equal(t, uint32(syscall.S_IFREG)|0o644, out.Mode)
	assert.Equal(t, uint64(4097), out.Size)
	assert.Equal(t, uint32(10), out.Uid)
	assert.Equal(t, uint32(20), out.Gid)
	assert.Equal(t, uint32(1), out.Nlink)
	assert.EqualValues(t, 2, out.Blocks)
}

func TestAttrFromEntryDirectoryHasNlinkTwo(t *testing.T) {
	e := &cryptfs.Entry{Type: cryptfs.EntryDirectory, Mode: 0o755}
	var out fuse.Attr
	attrFromEntry(e, cryptfs.EntryID{}, &out)
	assert.Equal(t, uint32(2), out.Nlink)
}

func TestDirStreamIteratesInOrder(t *testing.T) {
	ds := &dirStream{entries: []fuse.DirEntry{
		{Name: "a"}, {Name: "b"},
	}}
	assert.True(t, ds.HasNext())
	first, errno := ds.Next()
	assert.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, "a", first.Name)

	assert.True(t, ds.HasNext())
	second, _ := ds.Next()
	assert.Equal(t, "b", second.Name)

	assert.False(t, ds.HasNext())
}

func TestDirStreamEmpty(t *testing.T) {
	ds := &dirStream{}
	assert.False(t, ds.HasNext())
}
