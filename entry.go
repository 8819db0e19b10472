package cryptfs

import (
	"time"
	"unicode"
)

// RootEntryID is the entry-id of the root directory's own entry record:
// the root directory block, slot 0.
var RootEntryID = EntryID{DirBlock: RootDirBlock, Index: 0}

func now() uint32 { return uint32(time.Now().Unix()) }

// blocksForSize returns how many blocks are needed to hold size units of
// t's storage unit: 4096 bytes for files/symlinks, entriesPerBlock
// directory entries for directories.
func blocksForSize(t EntryType, size uint64) int64 {
	if size == 0 {
		return 0
	}
	unit := uint64(BlockSize)
	if t == EntryDirectory {
		unit = entriesPerBlock
	}
	return int64((size + unit - 1) / unit)
}

// nthBlockInChain walks n hops from start and returns the block index
// found there.
func (v *Volume) nthBlockInChain(masterKey []byte, start int64, n int64) (int64, error) {
	cur := start
	for i := int64(0); i < n; i++ {
		val, err := v.ReadFAT(masterKey, cur)
		if err != nil {
			return 0, err
		}
		if val == FATEnd || val == FATFree {
			fatal(v.Log, "block chain from %d ran off after %d hops (wanted %d)", start, i, n)
		}
		cur = int64(val)
	}
	return cur, nil
}

// tailOfChain walks start's chain until it finds the block whose FAT entry
// reads END, and returns that block's index.
func (v *Volume) tailOfChain(masterKey []byte, start int64) (int64, error) {
	cur := start
	for {
		val, err := v.ReadFAT(masterKey, cur)
		if err != nil {
			return 0, err
		}
		if val == FATEnd {
			return cur, nil
		}
		if val == FATFree {
			fatal(v.Log, "block chain from %d hit a FREE entry at %d", start, cur)
		}
		cur = int64(val)
	}
}

// Truncate enlarges or shrinks the entry named by id to newSize, allocating
// or freeing payload blocks through the FAT as needed.
// Shrinking to 0 sets start_block to 0 and frees every block. Enlarging a
// directory writes a fresh directory-block template into each new block.
func (v *Volume) Truncate(masterKey []byte, id EntryID, newSize uint64) error {
	e, err := v.GetEntry(masterKey, id)
	if err != nil {
		return err
	}
	oldBlocks := blocksForSize(e.Type, e.Size)
	newBlocks := blocksForSize(e.Type, newSize)

	switch {
	case newSize == 0:
		if e.StartBlock != 0 {
			if err := v.freeChain(masterKey, e.StartBlock); err != nil {
				return err
			}
		}
		e.StartBlock = 0

	case newBlocks < oldBlocks:
		if newBlocks == 0 {
			if err := v.freeChain(masterKey, e.StartBlock); err != nil {
				return err
			}
			e.StartBlock = 0
		} else {
			newLast, err := v.nthBlockInChain(masterKey, e.StartBlock, newBlocks-1)
			if err != nil {
				return err
			}
			tailStart, err := v.ReadFAT(masterKey, newLast)
			if err != nil {
				return err
			}
			if err := v.WriteFAT(masterKey, newLast, FATEnd); err != nil {
				return err
			}
			if tailStart != FATEnd {
				if err := v.freeChain(masterKey, int64(tailStart)); err != nil {
					return err
				}
			}
		}

	case newBlocks > oldBlocks:
		var tail int64
		if oldBlocks == 0 {
			first, err := v.FindFirstFreeBlockSafe(masterKey)
			if err != nil {
				return err
			}
			if err := v.WriteFAT(masterKey, first, FATEnd); err != nil {
				return err
			}
			if e.Type == EntryDirectory {
				if err := v.writeDirectoryBlock(masterKey, first, newDirectoryTemplate(id)); err != nil {
					return err
				}
			}
			e.StartBlock = first
			tail = first
			oldBlocks = 1
		} else {
			tail, err = v.tailOfChain(masterKey, e.StartBlock)
			if err != nil {
				return err
			}
		}
		for i := oldBlocks; i < newBlocks; i++ {
			nb, err := v.FindFirstFreeBlockSafe(masterKey)
			if err != nil {
				return err
			}
			if err := v.WriteFAT(masterKey, tail, FATValue(nb)); err != nil {
				return err
			}
			if err := v.WriteFAT(masterKey, nb, FATEnd); err != nil {
				return err
			}
			if e.Type == EntryDirectory {
				if err := v.writeDirectoryBlock(masterKey, nb, newDirectoryTemplate(id)); err != nil {
					return err
				}
			}
			tail = nb
		}
	}

	e.Size = newSize
	e.Mtime = now()
	return v.SetEntry(masterKey, id, e)
}

// WriteAt writes count bytes from buffer at offset into the entry named by
// id, extending it first if offset+count exceeds its current size. It
// refuses on DIRECTORY entries.
func (v *Volume) WriteAt(masterKey []byte, id EntryID, offset uint64, buffer []byte) (int, error) {
	e, err := v.GetEntry(masterKey, id)
	if err != nil {
		return 0, err
	}
	if e.Type == EntryDirectory {
		return 0, newError(KindInvalid, "cannot write to a directory", nil)
	}
	count := uint64(len(buffer))
	if offset+count > e.Size {
		if err := v.Truncate(masterKey, id, offset+count); err != nil {
			return 0, err
		}
		e, err = v.GetEntry(masterKey, id)
		if err != nil {
			return 0, err
		}
	}

	blockIdx := int64(offset / BlockSize)
	innerOff := offset % BlockSize
	cur, err := v.nthBlockInChain(masterKey, e.StartBlock, blockIdx)
	if err != nil {
		return 0, err
	}

	written := uint64(0)
	scratch := make([]byte, BlockSize)
	for written < count {
		if err := ReadBlocksDecrypted(v.Device, masterKey, cur, 1, scratch); err != nil {
			return int(written), err
		}
		n := uint64(copy(scratch[innerOff:], buffer[written:]))
		if err := WriteBlocksEncrypted(v.Device, masterKey, cur, 1, scratch); err != nil {
			return int(written), err
		}
		written += n
		innerOff = 0
		if written < count {
			next, err := v.ReadFAT(masterKey, cur)
			if err != nil {
				return int(written), err
			}
			cur = int64(next)
		}
	}

	e.Mtime = now()
	if err := v.SetEntry(masterKey, id, e); err != nil {
		return int(written), err
	}
	return int(written), nil
}

// Write is WriteAt at offset 0.
func (v *Volume) Write(masterKey []byte, id EntryID, buffer []byte) (int, error) {
	return v.WriteAt(masterKey, id, 0, buffer)
}

// ReadAt reads count bytes at offset from the entry named by id into
// buffer, failing if offset+count exceeds the entry's size.
func (v *Volume) ReadAt(masterKey []byte, id EntryID, offset uint64, buffer []byte) (int, error) {
	e, err := v.GetEntry(masterKey, id)
	if err != nil {
		return 0, err
	}
	count := uint64(len(buffer))
	if offset+count > e.Size {
		return 0, newError(KindInvalid, "read past end of entry", nil)
	}
	if count == 0 {
		return 0, nil
	}

	blockIdx := int64(offset / BlockSize)
	innerOff := offset % BlockSize
	cur, err := v.nthBlockInChain(masterKey, e.StartBlock, blockIdx)
	if err != nil {
		return 0, err
	}

	read := uint64(0)
	scratch := make([]byte, BlockSize)
	for read < count {
		if err := ReadBlocksDecrypted(v.Device, masterKey, cur, 1, scratch); err != nil {
			return int(read), err
		}
		n := uint64(copy(buffer[read:], scratch[innerOff:]))
		read += n
		innerOff = 0
		if read < count {
			next, err := v.ReadFAT(masterKey, cur)
			if err != nil {
				return int(read), err
			}
			cur = int64(next)
		}
	}

	e.Atime = now()
	if err := v.SetEntry(masterKey, id, e); err != nil {
		return int(read), err
	}
	return int(read), nil
}

// findEntryByName linearly scans dirStart's chain for a used entry whose
// name matches exactly.
func (v *Volume) findEntryByName(masterKey []byte, dirStart int64, name string) (EntryID, bool, error) {
	cur := dirStart
	for {
		d, err := v.readDirectoryBlock(masterKey, cur)
		if err != nil {
			return EntryID{}, false, err
		}
		for i := range d.entries {
			if d.entries[i].Used && d.entries[i].Name == name {
				return EntryID{DirBlock: cur, Index: uint32(i)}, true, nil
			}
		}
		next, err := v.ReadFAT(masterKey, cur)
		if err != nil {
			return EntryID{}, false, err
		}
		if next == FATEnd {
			return EntryID{}, false, nil
		}
		cur = int64(next)
	}
}

// ensureFirstDirBlock lazily allocates a directory's first block the first
// time something is inserted into it.
func (v *Volume) ensureFirstDirBlock(masterKey []byte, dirID EntryID, dirEntry *Entry) error {
	if dirEntry.StartBlock != 0 {
		return nil
	}
	blk, err := v.FindFirstFreeBlockSafe(masterKey)
	if err != nil {
		return err
	}
	if err := v.WriteFAT(masterKey, blk, FATEnd); err != nil {
		return err
	}
	if err := v.writeDirectoryBlock(masterKey, blk, newDirectoryTemplate(dirID)); err != nil {
		return err
	}
	dirEntry.StartBlock = blk
	return v.SetEntry(masterKey, dirID, dirEntry)
}

func validateName(name string) error {
	if name == "" || len(name) >= entryNameMaxLen {
		return newError(KindInvalid, "invalid entry name", nil)
	}
	for _, r := range name {
		if r == '/' || r == 0 {
			return newError(KindInvalid, "entry name contains a path separator or NUL", nil)
		}
	}
	return nil
}

func (v *Volume) createEntry(masterKey []byte, parent EntryID, name string, mk func() Entry) (EntryID, error) {
	if err := validateName(name); err != nil {
		return EntryID{}, err
	}
	parentEntry, err := v.GetEntry(masterKey, parent)
	if err != nil {
		return EntryID{}, err
	}
	if parentEntry.Type != EntryDirectory {
		return EntryID{}, newError(KindInvalid, "parent is not a directory", nil)
	}
	if err := v.ensureFirstDirBlock(masterKey, parent, parentEntry); err != nil {
		return EntryID{}, err
	}
	if _, found, err := v.findEntryByName(masterKey, parentEntry.StartBlock, name); err != nil {
		return EntryID{}, err
	} else if found {
		return EntryID{}, newError(KindExists, "entry already exists: "+name, nil)
	}

	slot, err := v.findFreeDirectorySlot(masterKey, parent, parentEntry.StartBlock)
	if err != nil {
		return EntryID{}, err
	}
	e := mk()
	e.Used = true
	e.Name = name
	if err := v.SetEntry(masterKey, slot, &e); err != nil {
		return EntryID{}, err
	}

	parentEntry.Size++
	parentEntry.Mtime = now()
	if err := v.SetEntry(masterKey, parent, parentEntry); err != nil {
		return EntryID{}, err
	}
	return slot, nil
}

// CreateEmptyFile creates a zero-length FILE entry in parent.
func (v *Volume) CreateEmptyFile(masterKey []byte, parent EntryID, name string, uid, gid uint32) (EntryID, error) {
	return v.createEntry(masterKey, parent, name, func() Entry {
		t := now()
		return Entry{Type: EntryFile, Mode: 0o777, UID: uid, GID: gid, Atime: t, Mtime: t, Ctime: t}
	})
}

// CreateDirectory creates an empty DIRECTORY entry in parent. Its own first block is allocated lazily on first insertion.
func (v *Volume) CreateDirectory(masterKey []byte, parent EntryID, name string, uid, gid uint32) (EntryID, error) {
	return v.createEntry(masterKey, parent, name, func() Entry {
		t := now()
		return Entry{Type: EntryDirectory, Mode: 0o777, UID: uid, GID: gid, Atime: t, Mtime: t, Ctime: t}
	})
}

// CreateHardlink creates a HARDLINK entry in parent pointing at target,
// which must be a FILE.
func (v *Volume) CreateHardlink(masterKey []byte, parent EntryID, name string, target EntryID, uid, gid uint32) (EntryID, error) {
	targetEntry, err := v.GetEntry(masterKey, target)
	if err != nil {
		return EntryID{}, err
	}
	if targetEntry.Type != EntryFile {
		return EntryID{}, newError(KindInvalid, "hardlink target must be a file", nil)
	}
	return v.createEntry(masterKey, parent, name, func() Entry {
		t := now()
		return Entry{
			Type:       EntryHardlink,
			StartBlock: targetEntry.StartBlock,
			Size:       targetEntry.Size,
			Mode:       targetEntry.Mode,
			UID:        uid,
			GID:        gid,
			Atime:      t,
			Mtime:      t,
			Ctime:      t,
		}
	})
}

func isPrintableASCII(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// CreateSymlink creates a SYMLINK entry in parent whose payload is
// targetPath, which must be non-empty printable ASCII.
func (v *Volume) CreateSymlink(masterKey []byte, parent EntryID, name, targetPath string, uid, gid uint32) (EntryID, error) {
	if !isPrintableASCII(targetPath) {
		return EntryID{}, newError(KindInvalid, "symlink target must be non-empty printable ASCII", nil)
	}
	id, err := v.createEntry(masterKey, parent, name, func() Entry {
		t := now()
		return Entry{Type: EntrySymlink, Mode: 0o777, UID: uid, GID: gid, Atime: t, Mtime: t, Ctime: t}
	})
	if err != nil {
		return EntryID{}, err
	}
	if _, err := v.WriteAt(masterKey, id, 0, []byte(targetPath)); err != nil {
		return EntryID{}, err
	}
	return id, nil
}

// ReadSymlink returns the stored target path of a SYMLINK entry.
func (v *Volume) ReadSymlink(masterKey []byte, id EntryID) (string, error) {
	e, err := v.GetEntry(masterKey, id)
	if err != nil {
		return "", err
	}
	if e.Type != EntrySymlink {
		return "", newError(KindInvalid, "not a symlink", nil)
	}
	buf := make([]byte, e.Size)
	if _, err := v.ReadAt(masterKey, id, 0, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// LookupChild resolves name within the directory named by parent, without
// requiring a full path.
func (v *Volume) LookupChild(masterKey []byte, parent EntryID, name string) (EntryID, error) {
	parentEntry, err := v.GetEntry(masterKey, parent)
	if err != nil {
		return EntryID{}, err
	}
	if parentEntry.Type != EntryDirectory {
		return EntryID{}, newError(KindInvalid, "not a directory", nil)
	}
	if parentEntry.StartBlock == 0 {
		return EntryID{}, newError(KindNotFound, "no such entry: "+name, nil)
	}
	id, found, err := v.findEntryByName(masterKey, parentEntry.StartBlock, name)
	if err != nil {
		return EntryID{}, err
	}
	if !found {
		return EntryID{}, newError(KindNotFound, "no such entry: "+name, nil)
	}
	return id, nil
}

// DeleteChild removes name from the directory named by parent, resolving the physical EntryID back to Delete's logical index
// itself so callers that already hold a parent EntryID (the FUSE shim)
// never need to compose a full path.
func (v *Volume) DeleteChild(masterKey []byte, parent EntryID, name string) error {
	parentEntry, err := v.GetEntry(masterKey, parent)
	if err != nil {
		return err
	}
	if parentEntry.StartBlock == 0 {
		return newError(KindNotFound, "no such entry: "+name, nil)
	}
	id, found, err := v.findEntryByName(masterKey, parentEntry.StartBlock, name)
	if err != nil {
		return err
	}
	if !found {
		return newError(KindNotFound, "no such entry: "+name, nil)
	}
	idx, err := v.logicalIndexOf(masterKey, parentEntry.StartBlock, id)
	if err != nil {
		return err
	}
	return v.Delete(masterKey, parent, idx)
}

// hasHardlinksTo reports whether any HARDLINK entry reachable from dir
// (searched recursively) points at startBlock. This backs a hardlink
// safety check: rather than silently add an on-disk refcount, Delete
// forbids removing a FILE that still has a live hardlink.
func (v *Volume) hasHardlinksTo(masterKey []byte, dirStart int64, startBlock int64) (bool, error) {
	cur := dirStart
	for {
		d, err := v.readDirectoryBlock(masterKey, cur)
		if err != nil {
			return false, err
		}
		for i := range d.entries {
			e := d.entries[i]
			if !e.Used {
				continue
			}
			if e.Type == EntryHardlink && e.StartBlock == startBlock {
				return true, nil
			}
			// The root's own record sits in its own first block (d.dot);
			// descending into it would revisit this same directory.
			self := EntryID{DirBlock: cur, Index: uint32(i)} == d.dot
			if e.Type == EntryDirectory && e.StartBlock != 0 && !self {
				found, err := v.hasHardlinksTo(masterKey, e.StartBlock, startBlock)
				if err != nil {
					return false, err
				}
				if found {
					return true, nil
				}
			}
		}
		next, err := v.ReadFAT(masterKey, cur)
		if err != nil {
			return false, err
		}
		if next == FATEnd {
			return false, nil
		}
		cur = int64(next)
	}
}

// Delete removes the entryIndex-th entry of the directory named by parent.
// It fails on a non-empty directory, and on a FILE that still has a live
// hardlink elsewhere in the tree.
func (v *Volume) Delete(masterKey []byte, parent EntryID, entryIndex uint32) error {
	parentEntry, err := v.GetEntry(masterKey, parent)
	if err != nil {
		return err
	}
	if parentEntry.Type != EntryDirectory {
		return newError(KindInvalid, "parent is not a directory", nil)
	}
	target := EntryID{DirBlock: parentEntry.StartBlock, Index: entryIndex}
	e, err := v.GetEntry(masterKey, target)
	if err != nil {
		return err
	}
	if !e.Used {
		return newError(KindNotFound, "no such entry", nil)
	}
	if e.Type == EntryDirectory && e.Size > 0 {
		return newError(KindInvalid, "directory not empty", nil)
	}
	if e.Type == EntryFile {
		if hit, err := v.hasHardlinksTo(masterKey, RootDirBlock, e.StartBlock); err != nil {
			return err
		} else if hit {
			return newError(KindInvalid, "file has hardlinks, refusing to delete", nil)
		}
	}
	if e.Type != EntryHardlink {
		// Hardlinks share payload with their target file; freeing the
		// chain here would corrupt the target. Only the owning FILE's
		// deletion frees payload blocks.
		if err := v.Truncate(masterKey, target, 0); err != nil {
			return err
		}
	}
	e.Used = false
	e.Name = ""
	if err := v.SetEntry(masterKey, target, e); err != nil {
		return err
	}
	parentEntry.Size--
	parentEntry.Mtime = now()
	return v.SetEntry(masterKey, parent, parentEntry)
}
