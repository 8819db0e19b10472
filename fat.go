package cryptfs

import "encoding/binary"

// fatEntriesPerBlock is the number of 4-byte FAT entries that fit after
// an 8-byte block header: (CRYPTFS_BLOCK - 8) / 4.
const fatEntriesPerBlock = (BlockSize - 8) / 4

const (
	fatEntryFree uint32 = 0
	fatEntryEnd  uint32 = 0xFFFFFFFF
)

const fatNextEnd uint64 = 0xFFFFFFFFFFFFFFFF

// fatBlock is one block of the chained allocation table: a
// pointer to the next FAT block, followed by a dense array of next-block
// entries.
type fatBlock struct {
	next    int64 // FATEnd if this is the last FAT block in the chain
	entries [fatEntriesPerBlock]uint32
}

func (b *fatBlock) marshal() []byte {
	buf := make([]byte, BlockSize)
	binary.LittleEndian.PutUint64(buf, uint64(b.next))
	off := 8
	for _, e := range b.entries {
		binary.LittleEndian.PutUint32(buf[off:], e)
		off += 4
	}
	return buf
}

func unmarshalFATBlock(buf []byte) *fatBlock {
	b := &fatBlock{}
	raw := binary.LittleEndian.Uint64(buf)
	if raw == fatNextEnd {
		b.next = int64(FATEnd)
	} else {
		b.next = int64(raw)
	}
	off := 8
	for i := range b.entries {
		b.entries[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	return b
}

func (v *Volume) readFATBlock(masterKey []byte, blockIdx int64) (*fatBlock, error) {
	buf := make([]byte, BlockSize)
	if err := ReadBlocksDecrypted(v.Device, masterKey, blockIdx, 1, buf); err != nil {
		return nil, err
	}
	return unmarshalFATBlock(buf), nil
}

func (v *Volume) writeFATBlock(masterKey []byte, blockIdx int64, b *fatBlock) error {
	return WriteBlocksEncrypted(v.Device, masterKey, blockIdx, 1, b.marshal())
}

// locateFATEntry walks the FAT chain from FirstFATBlock to find the
// physical block holding global FAT index i, returning that block's
// device index and i's offset within it. It returns a KindInvalid error
// if the chain ends before reaching i.
func (v *Volume) locateFATEntry(masterKey []byte, i int64) (blockIdx int64, offset int, err error) {
	if i < 0 {
		return 0, 0, newError(KindInvalid, "negative FAT index", nil)
	}
	which := i / fatEntriesPerBlock
	offset = int(i % fatEntriesPerBlock)
	cur := int64(FirstFATBlock)
	for step := int64(0); step < which; step++ {
		blk, err := v.readFATBlock(masterKey, cur)
		if err != nil {
			return 0, 0, err
		}
		if blk.next == int64(FATEnd) {
			return 0, 0, newError(KindInvalid, "FAT index beyond current table span", nil)
		}
		cur = blk.next
	}
	return cur, offset, nil
}

// countFATBlocks walks the whole chain and returns how many FAT blocks are
// currently linked.
func (v *Volume) countFATBlocks(masterKey []byte) (int64, error) {
	cur := int64(FirstFATBlock)
	count := int64(1)
	for {
		blk, err := v.readFATBlock(masterKey, cur)
		if err != nil {
			return 0, err
		}
		if blk.next == int64(FATEnd) {
			return count, nil
		}
		cur = blk.next
		count++
	}
}

// ReadFAT returns the next-block value at global index i, or a KindInvalid
// error if i exceeds the current table span.
func (v *Volume) ReadFAT(masterKey []byte, i int64) (FATValue, error) {
	blockIdx, offset, err := v.locateFATEntry(masterKey, i)
	if err != nil {
		return 0, err
	}
	blk, err := v.readFATBlock(masterKey, blockIdx)
	if err != nil {
		return 0, err
	}
	return entryToValue(blk.entries[offset]), nil
}

// WriteFAT sets the next-block value at global index i. Fails with
// KindInvalid if the slot does not yet exist.
func (v *Volume) WriteFAT(masterKey []byte, i int64, val FATValue) error {
	blockIdx, offset, err := v.locateFATEntry(masterKey, i)
	if err != nil {
		return err
	}
	blk, err := v.readFATBlock(masterKey, blockIdx)
	if err != nil {
		return err
	}
	blk.entries[offset] = valueToEntry(val)
	return v.writeFATBlock(masterKey, blockIdx, blk)
}

func entryToValue(e uint32) FATValue {
	switch e {
	case fatEntryFree:
		return FATFree
	case fatEntryEnd:
		return FATEnd
	default:
		return FATValue(e)
	}
}

func valueToEntry(v FATValue) uint32 {
	switch v {
	case FATFree:
		return fatEntryFree
	case FATEnd:
		return fatEntryEnd
	default:
		return uint32(v)
	}
}

// FindFirstFreeBlock scans FAT indices from 0 upward for the first FREE
// slot. If one exists within the current table it is returned directly
// (extensionNeeded = false). If the scan walks off the end of the current
// table, the first unrepresentable index is returned instead
// (extensionNeeded = true). The three-way result — found / needs-extension
// / error — is modeled as (block, extensionNeeded, err) rather than an
// overloaded sentinel integer.
func (v *Volume) FindFirstFreeBlock(masterKey []byte) (block int64, extensionNeeded bool, err error) {
	numBlocks, err := v.countFATBlocks(masterKey)
	if err != nil {
		return 0, false, err
	}
	total := numBlocks * fatEntriesPerBlock
	cur := int64(FirstFATBlock)
	var i int64
	for i = 0; i < total; {
		blk, err := v.readFATBlock(masterKey, cur)
		if err != nil {
			return 0, false, err
		}
		for off, e := range blk.entries {
			if e == fatEntryFree {
				return i + int64(off), false, nil
			}
		}
		i += fatEntriesPerBlock
		cur = blk.next
	}
	return total, true, nil
}

// FindFirstFreeBlockSafe wraps FindFirstFreeBlock: on table exhaustion it
// extends the FAT with CreateFAT and returns the freshly usable index.
func (v *Volume) FindFirstFreeBlockSafe(masterKey []byte) (int64, error) {
	block, needsExtension, err := v.FindFirstFreeBlock(masterKey)
	if err != nil {
		return 0, err
	}
	if !needsExtension {
		return block, nil
	}
	newFATBlock, err := v.CreateFAT(masterKey)
	if err != nil {
		return 0, err
	}
	// CreateFAT places its own block at `block` (the first unrepresentable
	// index) and marks that single slot END; every other slot in the
	// fresh FAT block is FREE, starting right after it.
	if newFATBlock != block {
		v.Log.Error("FAT extension landed on unexpected block", "expected", block, "got", newFATBlock)
		fatal(v.Log, "FAT extension invariant violated: expected new FAT block at %d, got %d", block, newFATBlock)
	}
	return block + 1, nil
}

// CreateFAT appends one FAT block to the chain:
//
//   - read the header to find the last FAT block;
//   - choose the block where the new FAT will live (preferred: the first
//     unallocated index within the current table; if the table itself is
//     full, the block immediately after the last-covered one);
//   - initialise the new FAT block with next-pointer = END and mark its
//     own global index as END so it is never handed out as a free data
//     block;
//   - link the previous last FAT's next-pointer to it and update the
//     header's last-FAT field;
//   - return the index of the new FAT block.
func (v *Volume) CreateFAT(masterKey []byte) (int64, error) {
	hdr, err := v.ReadHeader()
	if err != nil {
		return 0, err
	}
	numBlocks, err := v.countFATBlocks(masterKey)
	if err != nil {
		return 0, err
	}
	total := numBlocks * fatEntriesPerBlock

	loc, found, err := v.scanFreeWithinRange(masterKey, total)
	if err != nil {
		return 0, err
	}
	if !found {
		loc = total
	}

	fresh := &fatBlock{next: int64(FATEnd)}
	if loc == total {
		// The new block covers its own slot: mark offset 0 as END.
		fresh.entries[0] = fatEntryEnd
	}
	if err := v.writeFATBlock(masterKey, loc, fresh); err != nil {
		return 0, err
	}
	if loc != total {
		// Reused a hole in an earlier FAT block: mark that slot END there.
		if err := v.WriteFAT(masterKey, loc, FATEnd); err != nil {
			return 0, err
		}
	}

	last := int64(hdr.LastFATBlock)
	lastBlk, err := v.readFATBlock(masterKey, last)
	if err != nil {
		return 0, err
	}
	lastBlk.next = loc
	if err := v.writeFATBlock(masterKey, last, lastBlk); err != nil {
		return 0, err
	}

	hdr.LastFATBlock = uint64(loc)
	if err := v.WriteHeader(hdr); err != nil {
		return 0, err
	}
	return loc, nil
}

// scanFreeWithinRange looks for a FREE slot among [0,total) only, without
// falling back to reporting extension — used by CreateFAT's "preferred"
// reuse path.
func (v *Volume) scanFreeWithinRange(masterKey []byte, total int64) (int64, bool, error) {
	if total == 0 {
		return 0, false, nil
	}
	cur := int64(FirstFATBlock)
	var i int64
	for i = 0; i < total; i += fatEntriesPerBlock {
		blk, err := v.readFATBlock(masterKey, cur)
		if err != nil {
			return 0, false, err
		}
		for off, e := range blk.entries {
			if e == fatEntryFree {
				return i + int64(off), true, nil
			}
		}
		cur = blk.next
	}
	return 0, false, nil
}

// freeChain walks the FAT chain starting at start and marks every block in
// it FREE, following next-pointers until END. Used by truncate-to-zero and
// delete.
func (v *Volume) freeChain(masterKey []byte, start int64) error {
	cur := start
	for cur != int64(FATEnd) && cur != int64(FATFree) {
		val, err := v.ReadFAT(masterKey, cur)
		if err != nil {
			return err
		}
		if err := v.WriteFAT(masterKey, cur, FATFree); err != nil {
			return err
		}
		if val == FATEnd {
			break
		}
		cur = int64(val)
	}
	return nil
}
