package cryptfs

import (
	"io"
	"os"
)

// BlockDevice is a byte-addressable fixed-block reader/writer over a file
// or raw device path. The device path is resolved once at construction and
// carried as a field on an explicit value rather than a package-global.
type BlockDevice struct {
	path string
	f    *os.File
}

// OpenBlockDevice opens path for block I/O. The file is created if it does
// not exist so that a regular file can be used as a fresh disk image.
func OpenBlockDevice(path string) (*BlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, newError(KindIO, "opening block device "+path, err)
	}
	return &BlockDevice{path: path, f: f}, nil
}

// Path returns the device path the BlockDevice was opened with.
func (d *BlockDevice) Path() string { return d.path }

// Close releases the underlying file handle.
func (d *BlockDevice) Close() error {
	if d.f == nil {
		return nil
	}
	return d.f.Close()
}

// Size returns the current size of the backing file in bytes.
func (d *BlockDevice) Size() (int64, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, newError(KindIO, "stat block device", err)
	}
	return fi.Size(), nil
}

// Truncate grows or shrinks the backing file to exactly size bytes. Used
// only at format time to pre-size a fresh disk image.
func (d *BlockDevice) Truncate(size int64) error {
	if err := d.f.Truncate(size); err != nil {
		return newError(KindIO, "truncate block device", err)
	}
	return nil
}

// ReadBlocks reads n whole blocks starting at block index start into buf,
// which must be at least n*BlockSize bytes. A short read past EOF fails.
func (d *BlockDevice) ReadBlocks(start, n int64, buf []byte) error {
	need := n * BlockSize
	if int64(len(buf)) < need {
		return newError(KindInvalid, "read buffer too small", nil)
	}
	off := start * BlockSize
	if _, err := d.f.ReadAt(buf[:need], off); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return newError(KindIO, "short read past end of device", err)
		}
		return newError(KindIO, "reading blocks", err)
	}
	return nil
}

// WriteBlocks writes n whole blocks starting at block index start from buf.
// Writing beyond the current file length extends the backing file.
func (d *BlockDevice) WriteBlocks(start, n int64, buf []byte) error {
	need := n * BlockSize
	if int64(len(buf)) < need {
		return newError(KindInvalid, "write buffer too small", nil)
	}
	off := start * BlockSize
	if _, err := d.f.WriteAt(buf[:need], off); err != nil {
		return newError(KindIO, "writing blocks", err)
	}
	return nil
}
