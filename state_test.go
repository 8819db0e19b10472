package cryptfs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMasterKeyMaskingRoundTrip(t *testing.T) {
	s := NewState()
	assert.False(t, s.Unlocked())

	want := bytes.Repeat([]byte{0x9}, MasterKeySize)
	require.NoError(t, s.SetMasterKey(want))
	assert.True(t, s.Unlocked())

	got, err := s.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStateMasterKeyLockedBeforeSet(t *testing.T) {
	s := NewState()
	_, err := s.MasterKey()
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
}

func TestStateClearMasterKeyLocksAgain(t *testing.T) {
	s := NewState()
	require.NoError(t, s.SetMasterKey(bytes.Repeat([]byte{1}, MasterKeySize)))
	s.ClearMasterKey()
	assert.False(t, s.Unlocked())
	_, err := s.MasterKey()
	require.Error(t, err)
}

func TestStateOpenGetCloseHandles(t *testing.T) {
	s := NewState()
	id, err := s.Open(EntryID{DirBlock: 5, Index: 1}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(firstHandleID), id)
	assert.Equal(t, 1, s.OpenCount())

	h, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), h.Entry.DirBlock)

	require.NoError(t, s.Close(id))
	assert.Equal(t, 0, s.OpenCount())

	_, err = s.Get(id)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestStateDoubleCloseFails(t *testing.T) {
	s := NewState()
	id, err := s.Open(EntryID{}, 0)
	require.NoError(t, err)
	require.NoError(t, s.Close(id))
	err = s.Close(id)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestStateHandleExhaustion(t *testing.T) {
	s := NewState()
	for i := 0; i < maxOpenHandles; i++ {
		_, err := s.Open(EntryID{}, 0)
		require.NoError(t, err)
	}
	_, err := s.Open(EntryID{}, 0)
	require.Error(t, err)
	assert.Equal(t, KindExhausted, KindOf(err))
}
