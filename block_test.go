package cryptfs

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockDeviceReadWriteRoundTrip(t *testing.T) {
	dev, err := OpenBlockDevice(filepath.Join(t.TempDir(), "disk.img"))
	require.NoError(t, err)
	defer dev.Close()

	want := bytes.Repeat([]byte{0xab}, BlockSize*3)
	require.NoError(t, dev.WriteBlocks(2, 3, want))

	got := make([]byte, BlockSize*3)
	require.NoError(t, dev.ReadBlocks(2, 3, got))
	assert.Equal(t, want, got)
}

func TestBlockDeviceSizeAndTruncate(t *testing.T) {
	dev, err := OpenBlockDevice(filepath.Join(t.TempDir(), "disk.img"))
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.Truncate(BlockSize*10))
	size, err := dev.Size()
	require.NoError(t, err)
	assert.EqualValues(t, BlockSize*10, size)
}

func TestBlockDeviceWriteBufferTooSmall(t *testing.T) {
	dev, err := OpenBlockDevice(filepath.Join(t.TempDir(), "disk.img"))
	require.NoError(t, err)
	defer dev.Close()

	err = dev.WriteBlocks(0, 2, make([]byte, BlockSize))
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
}

func TestBlockDeviceReadPastEOF(t *testing.T) {
	dev, err := OpenBlockDevice(filepath.Join(t.TempDir(), "disk.img"))
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.Truncate(BlockSize))
	err = dev.ReadBlocks(0, 5, make([]byte, BlockSize*5))
	require.Error(t, err)
	assert.Equal(t, KindIO, KindOf(err))
}

func TestBlockDevicePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := OpenBlockDevice(path)
	require.NoError(t, err)
	defer dev.Close()
	assert.Equal(t, path, dev.Path())
}
