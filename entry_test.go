package cryptfs

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateEmptyFileAndLookup(t *testing.T) {
	vol, key := newTestVolume(t)

	id, err := vol.CreateEmptyFile(key, RootEntryID, "hello.txt", 1000, 1000)
	require.NoError(t, err)

	got, err := vol.LookupChild(key, RootEntryID, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	e, err := vol.GetEntry(key, id)
	require.NoError(t, err)
	assert.Equal(t, EntryFile, e.Type)
	assert.EqualValues(t, 0, e.Size)
}

func TestCreateEntryDuplicateNameFails(t *testing.T) {
	vol, key := newTestVolume(t)

	_, err := vol.CreateEmptyFile(key, RootEntryID, "dup", 0, 0)
	require.NoError(t, err)
	_, err = vol.CreateEmptyFile(key, RootEntryID, "dup", 0, 0)
	require.Error(t, err)
	assert.Equal(t, KindExists, KindOf(err))
}

func TestWriteAtAndReadAtRoundTrip(t *testing.T) {
	vol, key := newTestVolume(t)

	id, err := vol.CreateEmptyFile(key, RootEntryID, "data.bin", 0, 0)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x5a}, BlockSize+123)
	n, err := vol.Write(key, id, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	e, err := vol.GetEntry(key, id)
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), e.Size)

	got := make([]byte, len(payload))
	n, err = vol.ReadAt(key, id, 0, got)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)
}

func TestWriteAtSparseExtendGrowsSize(t *testing.T) {
	vol, key := newTestVolume(t)

	id, err := vol.CreateEmptyFile(key, RootEntryID, "sparse.bin", 0, 0)
	require.NoError(t, err)

	_, err = vol.WriteAt(key, id, BlockSize*2, []byte("tail"))
	require.NoError(t, err)

	e, err := vol.GetEntry(key, id)
	require.NoError(t, err)
	assert.EqualValues(t, BlockSize*2+4, e.Size)
}

func TestReadAtPastEndFails(t *testing.T) {
	vol, key := newTestVolume(t)

	id, err := vol.CreateEmptyFile(key, RootEntryID, "short.bin", 0, 0)
	require.NoError(t, err)
	_, err = vol.Write(key, id, []byte("hi"))
	require.NoError(t, err)

	_, err = vol.ReadAt(key, id, 0, make([]byte, 100))
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
}

func TestTruncateShrinkToZeroFreesBlocks(t *testing.T) {
	vol, key := newTestVolume(t)

	id, err := vol.CreateEmptyFile(key, RootEntryID, "big.bin", 0, 0)
	require.NoError(t, err)
	_, err = vol.Write(key, id, bytes.Repeat([]byte{1}, BlockSize*3))
	require.NoError(t, err)

	require.NoError(t, vol.Truncate(key, id, 0))

	e, err := vol.GetEntry(key, id)
	require.NoError(t, err)
	assert.EqualValues(t, 0, e.Size)
	assert.EqualValues(t, 0, e.StartBlock)
}

func TestCreateDirectoryAndListDirectory(t *testing.T) {
	vol, key := newTestVolume(t)

	sub, err := vol.CreateDirectory(key, RootEntryID, "subdir", 0, 0)
	require.NoError(t, err)
	_, err = vol.CreateEmptyFile(key, sub, "inside.txt", 0, 0)
	require.NoError(t, err)

	rootEntry, err := vol.GetEntry(key, RootEntryID)
	require.NoError(t, err)
	listing, err := vol.ListDirectory(key, rootEntry.StartBlock)
	require.NoError(t, err)
	require.Len(t, listing, 1)
	assert.Equal(t, "subdir", listing[0].Name)

	subEntry, err := vol.GetEntry(key, sub)
	require.NoError(t, err)
	subListing, err := vol.ListDirectory(key, subEntry.StartBlock)
	require.NoError(t, err)
	require.Len(t, subListing, 1)
	assert.Equal(t, "inside.txt", subListing[0].Name)
}

func TestCreateHardlinkSharesPayload(t *testing.T) {
	vol, key := newTestVolume(t)

	file, err := vol.CreateEmptyFile(key, RootEntryID, "orig.txt", 0, 0)
	require.NoError(t, err)
	_, err = vol.Write(key, file, []byte("shared data"))
	require.NoError(t, err)

	link, err := vol.CreateHardlink(key, RootEntryID, "alias.txt", file, 0, 0)
	require.NoError(t, err)

	buf := make([]byte, len("shared data"))
	_, err = vol.ReadAt(key, link, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "shared data", string(buf))
}

func TestCreateHardlinkToNonFileFails(t *testing.T) {
	vol, key := newTestVolume(t)

	dir, err := vol.CreateDirectory(key, RootEntryID, "adir", 0, 0)
	require.NoError(t, err)

	_, err = vol.CreateHardlink(key, RootEntryID, "link", dir, 0, 0)
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
}

func TestDeleteRefusesFileWithLiveHardlink(t *testing.T) {
	vol, key := newTestVolume(t)

	file, err := vol.CreateEmptyFile(key, RootEntryID, "target.txt", 0, 0)
	require.NoError(t, err)
	_, err = vol.CreateHardlink(key, RootEntryID, "link.txt", file, 0, 0)
	require.NoError(t, err)

	err = vol.DeleteChild(key, RootEntryID, "target.txt")
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
}

func TestDeleteFileAfterRemovingHardlinkSucceeds(t *testing.T) {
	vol, key := newTestVolume(t)

	file, err := vol.CreateEmptyFile(key, RootEntryID, "target.txt", 0, 0)
	require.NoError(t, err)
	_, err = vol.CreateHardlink(key, RootEntryID, "link.txt", file, 0, 0)
	require.NoError(t, err)

	require.NoError(t, vol.DeleteChild(key, RootEntryID, "link.txt"))
	require.NoError(t, vol.DeleteChild(key, RootEntryID, "target.txt"))

	_, err = vol.LookupChild(key, RootEntryID, "target.txt")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestDeleteNonEmptyDirectoryFails(t *testing.T) {
	vol, key := newTestVolume(t)

	dir, err := vol.CreateDirectory(key, RootEntryID, "nonempty", 0, 0)
	require.NoError(t, err)
	_, err = vol.CreateEmptyFile(key, dir, "child", 0, 0)
	require.NoError(t, err)

	err = vol.DeleteChild(key, RootEntryID, "nonempty")
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
}

func TestCreateAndReadSymlink(t *testing.T) {
	vol, key := newTestVolume(t)

	id, err := vol.CreateSymlink(key, RootEntryID, "link", "/some/target/path", 0, 0)
	require.NoError(t, err)

	target, err := vol.ReadSymlink(key, id)
	require.NoError(t, err)
	assert.Equal(t, "/some/target/path", target)
}

func TestCreateSymlinkRejectsEmptyTarget(t *testing.T) {
	vol, key := newTestVolume(t)

	_, err := vol.CreateSymlink(key, RootEntryID, "link", "", 0, 0)
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
}

func TestCreateEntryRejectsPathSeparatorInName(t *testing.T) {
	vol, key := newTestVolume(t)

	_, err := vol.CreateEmptyFile(key, RootEntryID, "a/b", 0, 0)
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
}

// TestManyEntriesDirectoryAllocatesSecondBlock fills a directory's first
// block exactly full, then creates one more entry and checks that the
// directory's chain grows a second block to hold it.
func TestManyEntriesDirectoryAllocatesSecondBlock(t *testing.T) {
	vol, key := newTestVolume(t)

	dir, err := vol.CreateDirectory(key, RootEntryID, "many", 0, 0)
	require.NoError(t, err)

	for i := 0; i < entriesPerBlock; i++ {
		_, err := vol.CreateEmptyFile(key, dir, fmt.Sprintf("file%d", i), 0, 0)
		require.NoError(t, err)
	}

	dirEntry, err := vol.GetEntry(key, dir)
	require.NoError(t, err)
	next, err := vol.ReadFAT(key, dirEntry.StartBlock)
	require.NoError(t, err)
	assert.Equal(t, FATEnd, next, "first block should still be the only block once exactly full")

	_, err = vol.CreateEmptyFile(key, dir, fmt.Sprintf("file%d", entriesPerBlock), 0, 0)
	require.NoError(t, err)

	next, err = vol.ReadFAT(key, dirEntry.StartBlock)
	require.NoError(t, err)
	assert.NotEqual(t, FATEnd, next, "directory should have allocated a second block")

	listing, err := vol.ListDirectory(key, dirEntry.StartBlock)
	require.NoError(t, err)
	assert.Len(t, listing, entriesPerBlock+1)
}
