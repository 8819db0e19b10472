// Package cryptfs implements the on-disk layout and algorithms of an
// encrypted, multi-user FUSE filesystem: block-addressed cipher I/O, a
// chained allocation table, hierarchical directory entries and the
// RSA-wrapped key-slot protocol that lets any of several users unlock a
// volume's single AES master key.
package cryptfs

import (
	"encoding/binary"
	"log/slog"

	"github.com/google/uuid"
)

// Block size and layout constants. These are part of the on-disk
// compatibility surface and must never change without a
// format version bump.
const (
	BlockSize = 4096

	// Magic is "cryptfs" packed into a little-endian uint64, written at a
	// fixed offset in the header block.
	Magic   uint64 = 0x63727970746673
	Version uint8  = 1

	NumKeySlots = 64

	HeaderBlock      = 0
	KeysStorageBlock = HeaderBlock + 1
	FirstFATBlock    = KeysStorageBlock + NumKeySlots
	RootDirBlock     = FirstFATBlock + 1

	bootAreaSize = 1024
)

// Sentinel FAT values. FREE/END are stored on disk; ERROR/OOB only ever
// appear as in-memory results.
type FATValue int64

const (
	FATFree  FATValue = 0
	FATEnd   FATValue = -1
	fatError FATValue = -2
	fatOOB   FATValue = -3
)

// Header is block 0 of the volume. It is never encrypted.
type Header struct {
	Boot          [bootAreaSize]byte
	Magic         uint64
	Version       uint8
	BlockSize     uint32
	DeviceSize    uint64
	LastFATBlock  uint64
}

// headerVolumeIDOffset is where the volume-UUID field lives inside the
// reserved boot area, chosen so the header's wire size and every other
// field offset stays unchanged.
const headerVolumeIDOffset = 0

// VolumeID returns the 16-byte volume identifier stashed in the boot area.
func (h *Header) VolumeID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], h.Boot[headerVolumeIDOffset:headerVolumeIDOffset+16])
	return id
}

// SetVolumeID stores id in the boot area.
func (h *Header) SetVolumeID(id uuid.UUID) {
	copy(h.Boot[headerVolumeIDOffset:headerVolumeIDOffset+16], id[:])
}

// Marshal packs the header into exactly one block.
func (h *Header) Marshal() []byte {
	buf := make([]byte, BlockSize)
	off := copy(buf, h.Boot[:])
	binary.LittleEndian.PutUint64(buf[off:], h.Magic)
	off += 8
	buf[off] = h.Version
	off++
	binary.LittleEndian.PutUint32(buf[off:], h.BlockSize)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], h.DeviceSize)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.LastFATBlock)
	return buf
}

// UnmarshalHeader reads a Header out of exactly one block.
func UnmarshalHeader(buf []byte) (*Header, error) {
	if len(buf) < BlockSize {
		return nil, newError(KindInvalid, "short header block", nil)
	}
	h := &Header{}
	off := copy(h.Boot[:], buf[:bootAreaSize])
	h.Magic = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.Version = buf[off]
	off++
	h.BlockSize = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.DeviceSize = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.LastFATBlock = binary.LittleEndian.Uint64(buf[off:])
	return h, nil
}

// IsFormatted reports whether h carries the SherlockFS magic and a version
// this build understands.
func (h *Header) IsFormatted() bool {
	return h.Magic == Magic && h.Version == Version
}

// Volume is the explicit context object threaded through every core
// operation. It owns the block device, the in-memory master-key cell,
// and the open-handle table.
type Volume struct {
	Device *BlockDevice
	State  *State
	Log    *slog.Logger
}

// NewVolume wraps dev into a fresh Volume with its own process-state store.
// If log is nil, slog.Default() is used.
func NewVolume(dev *BlockDevice, log *slog.Logger) *Volume {
	if log == nil {
		log = slog.Default()
	}
	return &Volume{
		Device: dev,
		State:  NewState(),
		Log:    log,
	}
}

// ReadHeader loads and validates the volume header.
func (v *Volume) ReadHeader() (*Header, error) {
	buf := make([]byte, BlockSize)
	if err := v.Device.ReadBlocks(HeaderBlock, 1, buf); err != nil {
		return nil, err
	}
	return UnmarshalHeader(buf)
}

// WriteHeader persists h to block 0, unencrypted.
func (v *Volume) WriteHeader(h *Header) error {
	return v.Device.WriteBlocks(HeaderBlock, 1, h.Marshal())
}
