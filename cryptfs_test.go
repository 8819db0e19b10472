package cryptfs

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderMarshalRoundTrip(t *testing.T) {
	h := &Header{
		Magic:        Magic,
		Version:      Version,
		BlockSize:    BlockSize,
		DeviceSize:   123456,
		LastFATBlock: FirstFATBlock,
	}
	id := uuid.New()
	h.SetVolumeID(id)

	got, err := UnmarshalHeader(h.Marshal())
	require.NoError(t, err)
	assert.Equal(t, h.Magic, got.Magic)
	assert.Equal(t, h.Version, got.Version)
	assert.Equal(t, h.BlockSize, got.BlockSize)
	assert.Equal(t, h.DeviceSize, got.DeviceSize)
	assert.Equal(t, h.LastFATBlock, got.LastFATBlock)
	assert.Equal(t, id, got.VolumeID())
	assert.True(t, got.IsFormatted())
}

func TestHeaderIsFormattedRejectsGarbage(t *testing.T) {
	h := &Header{Magic: 0xdeadbeef, Version: Version}
	assert.False(t, h.IsFormatted())
}

func TestUnmarshalHeaderShortBuffer(t *testing.T) {
	_, err := UnmarshalHeader(make([]byte, BlockSize-1))
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
}

func TestReadWriteHeaderRoundTrip(t *testing.T) {
	vol, _ := newTestVolume(t)

	hdr, err := vol.ReadHeader()
	require.NoError(t, err)
	assert.True(t, hdr.IsFormatted())
	assert.Equal(t, uint64(FirstFATBlock), hdr.LastFATBlock)
}
