package cryptfs

import "encoding/binary"

// Entry kinds.
type EntryType uint8

const (
	EntryFile EntryType = iota
	EntryDirectory
	EntryHardlink
	EntrySymlink
)

func (t EntryType) String() string {
	switch t {
	case EntryFile:
		return "file"
	case EntryDirectory:
		return "directory"
	case EntryHardlink:
		return "hardlink"
	case EntrySymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

const (
	entryNameMaxLen = 128
	entryRecordSize = 192
	entryIDSize     = 8 + 4 // start_block (uint64) + index (uint32)

	// entriesPerBlock is the directory-block analogue of fat.go's K: how
	// many entry records fit after the directory header.
	entriesPerBlock = (BlockSize - entryIDSize) / entryRecordSize
)

// EntryID is the stable external reference to an entry: the directory
// block holding it plus its index within that block's logical array. It
// is returned by the path resolver and by every create_* operation.
type EntryID struct {
	DirBlock int64
	Index    uint32
}

// Entry is one directory record: a file, directory, hardlink
// or symlink, with its metadata.
type Entry struct {
	Used       bool
	Type       EntryType
	StartBlock int64
	Name       string
	Size       uint64
	UID        uint32
	GID        uint32
	Mode       uint32
	Atime      uint32
	Mtime      uint32
	Ctime      uint32
}

func (e *Entry) marshal() []byte {
	buf := make([]byte, entryRecordSize)
	if e.Used {
		buf[0] = 1
	}
	buf[1] = byte(e.Type)
	binary.LittleEndian.PutUint64(buf[2:], uint64(e.StartBlock))
	nameBytes := []byte(e.Name)
	if len(nameBytes) > entryNameMaxLen {
		nameBytes = nameBytes[:entryNameMaxLen]
	}
	copy(buf[10:10+entryNameMaxLen], nameBytes)
	off := 10 + entryNameMaxLen
	binary.LittleEndian.PutUint64(buf[off:], e.Size)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], e.UID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], e.GID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], e.Mode)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], e.Atime)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], e.Mtime)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], e.Ctime)
	return buf
}

func unmarshalEntry(buf []byte) *Entry {
	e := &Entry{
		Used:       buf[0] != 0,
		Type:       EntryType(buf[1]),
		StartBlock: int64(binary.LittleEndian.Uint64(buf[2:])),
	}
	nameEnd := 10
	for nameEnd < 10+entryNameMaxLen && buf[nameEnd] != 0 {
		nameEnd++
	}
	e.Name = string(buf[10:nameEnd])
	off := 10 + entryNameMaxLen
	e.Size = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	e.UID = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	e.GID = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	e.Mode = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	e.Atime = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	e.Mtime = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	e.Ctime = binary.LittleEndian.Uint32(buf[off:])
	return e
}

// directoryBlock is one physical block of a directory: the stable "dot"
// identifier of the directory itself, followed by entriesPerBlock entry
// records. A directory whose entry count exceeds
// entriesPerBlock chains further directoryBlocks through the FAT.
type directoryBlock struct {
	dot     EntryID
	entries [entriesPerBlock]Entry
}

func (d *directoryBlock) marshal() []byte {
	buf := make([]byte, BlockSize)
	binary.LittleEndian.PutUint64(buf, uint64(d.dot.DirBlock))
	binary.LittleEndian.PutUint32(buf[8:], d.dot.Index)
	off := entryIDSize
	for i := range d.entries {
		copy(buf[off:], d.entries[i].marshal())
		off += entryRecordSize
	}
	return buf
}

func unmarshalDirectoryBlock(buf []byte) *directoryBlock {
	d := &directoryBlock{}
	d.dot.DirBlock = int64(binary.LittleEndian.Uint64(buf))
	d.dot.Index = binary.LittleEndian.Uint32(buf[8:])
	off := entryIDSize
	for i := range d.entries {
		d.entries[i] = *unmarshalEntry(buf[off:])
		off += entryRecordSize
	}
	return d
}

func (v *Volume) readDirectoryBlock(masterKey []byte, blockIdx int64) (*directoryBlock, error) {
	buf := make([]byte, BlockSize)
	if err := ReadBlocksDecrypted(v.Device, masterKey, blockIdx, 1, buf); err != nil {
		return nil, err
	}
	return unmarshalDirectoryBlock(buf), nil
}

func (v *Volume) writeDirectoryBlock(masterKey []byte, blockIdx int64, d *directoryBlock) error {
	return WriteBlocksEncrypted(v.Device, masterKey, blockIdx, 1, d.marshal())
}

// locateEntry resolves an EntryID to the physical directory block and
// in-block offset holding it, walking the FAT chain starting at
// id.DirBlock when id.Index >= entriesPerBlock. A chain that runs off before reaching the
// index is an internal invariant violation: the caller already holds a
// supposedly-valid EntryID.
func (v *Volume) locateEntry(masterKey []byte, id EntryID) (blockIdx int64, offset uint32, err error) {
	if id.Index < entriesPerBlock {
		return id.DirBlock, id.Index, nil
	}
	hops := id.Index / entriesPerBlock
	offset = id.Index % entriesPerBlock
	cur := id.DirBlock
	for h := uint32(0); h < hops; h++ {
		next, err := v.ReadFAT(masterKey, cur)
		if err != nil {
			return 0, 0, err
		}
		if next == FATEnd || next == FATFree {
			fatal(v.Log, "directory FAT chain from block %d ran off after %d hops", id.DirBlock, h)
		}
		cur = int64(next)
	}
	return cur, offset, nil
}

// GetEntry reads the entry record named by id.
func (v *Volume) GetEntry(masterKey []byte, id EntryID) (*Entry, error) {
	blockIdx, offset, err := v.locateEntry(masterKey, id)
	if err != nil {
		return nil, err
	}
	d, err := v.readDirectoryBlock(masterKey, blockIdx)
	if err != nil {
		return nil, err
	}
	e := d.entries[offset]
	return &e, nil
}

// SetEntry writes the entry record named by id.
func (v *Volume) SetEntry(masterKey []byte, id EntryID, e *Entry) error {
	blockIdx, offset, err := v.locateEntry(masterKey, id)
	if err != nil {
		return err
	}
	d, err := v.readDirectoryBlock(masterKey, blockIdx)
	if err != nil {
		return err
	}
	d.entries[offset] = *e
	return v.writeDirectoryBlock(masterKey, blockIdx, d)
}

// newDirectoryTemplate builds a freshly-initialized directory block, dot
// pointing at self.
func newDirectoryTemplate(self EntryID) *directoryBlock {
	return &directoryBlock{dot: self}
}

// DirListing is one named child returned by ListDirectory.
type DirListing struct {
	Name string
	ID   EntryID
	*Entry
}

// ListDirectory returns every used entry reachable from a directory's chain
// starting at startBlock, in on-disk order. The directory's own entry record
// (the root's, which sits in the root's first block) is not listed.
func (v *Volume) ListDirectory(masterKey []byte, startBlock int64) ([]DirListing, error) {
	var out []DirListing
	cur := startBlock
	for cur != 0 {
		d, err := v.readDirectoryBlock(masterKey, cur)
		if err != nil {
			return nil, err
		}
		for i := range d.entries {
			e := d.entries[i]
			id := EntryID{DirBlock: cur, Index: uint32(i)}
			if !e.Used || id == d.dot {
				continue
			}
			ec := e
			out = append(out, DirListing{Name: e.Name, ID: id, Entry: &ec})
		}
		next, err := v.ReadFAT(masterKey, cur)
		if err != nil {
			return nil, err
		}
		if next == FATEnd {
			break
		}
		cur = int64(next)
	}
	return out, nil
}

// findFreeDirectorySlot scans a directory's chain in order for the first
// entry with Used == false, extending the directory by one block if the
// last block is full.
// dirEntryID is the EntryID of the directory's own entry record (used,
// when extending, to stamp the dot header of the new block), and
// startBlock is the first directory block in its chain (the directory
// entry's start_block).
func (v *Volume) findFreeDirectorySlot(masterKey []byte, dirEntryID EntryID, startBlock int64) (id EntryID, err error) {
	cur := startBlock
	for {
		d, err := v.readDirectoryBlock(masterKey, cur)
		if err != nil {
			return EntryID{}, err
		}
		for i := range d.entries {
			if !d.entries[i].Used {
				return EntryID{DirBlock: cur, Index: uint32(i)}, nil
			}
		}
		next, err := v.ReadFAT(masterKey, cur)
		if err != nil {
			return EntryID{}, err
		}
		if next == FATEnd {
			newBlock, err := v.FindFirstFreeBlockSafe(masterKey)
			if err != nil {
				return EntryID{}, err
			}
			if err := v.WriteFAT(masterKey, cur, FATValue(newBlock)); err != nil {
				return EntryID{}, err
			}
			if err := v.WriteFAT(masterKey, newBlock, FATEnd); err != nil {
				return EntryID{}, err
			}
			tmpl := newDirectoryTemplate(dirEntryID)
			if err := v.writeDirectoryBlock(masterKey, newBlock, tmpl); err != nil {
				return EntryID{}, err
			}
			cur = newBlock
			continue
		}
		cur = int64(next)
	}
}
