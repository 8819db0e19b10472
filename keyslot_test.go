package cryptfs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sherlockfs/sherlockfs/internal/keycrypto"
)

func freshSlots(t *testing.T) []*KeySlot {
	t.Helper()
	slots := make([]*KeySlot, NumKeySlots)
	for i := range slots {
		slots[i] = &KeySlot{}
	}
	return slots
}

func TestWrapIntoSlotAndUnwrapRoundTrip(t *testing.T) {
	slots := freshSlots(t)
	priv, err := keycrypto.GenerateRSAKeypair()
	require.NoError(t, err)
	aesKey, err := keycrypto.GenerateAESKey()
	require.NoError(t, err)

	idx, err := WrapIntoSlot(slots, &priv.PublicKey, aesKey)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, NumKeySlots-1, AvailableSlots(slots))
	assert.Equal(t, 1, OccupiedSlots(slots))

	got, err := UnwrapFromSlot(slots[idx], priv)
	require.NoError(t, err)
	assert.Equal(t, aesKey, got)

	assert.Equal(t, priv.PublicKey.N, rsaModulusAsBigInt(slots[idx]), "stored modulus must round-trip exactly")
}

func TestWrapIntoSlotExhaustion(t *testing.T) {
	slots := freshSlots(t)
	for i := range slots {
		slots[i].Occupied = true
		slots[i].RSAMod[0] = byte(i + 1)
	}
	priv, err := keycrypto.GenerateRSAKeypair()
	require.NoError(t, err)
	aesKey, err := keycrypto.GenerateAESKey()
	require.NoError(t, err)

	_, err = WrapIntoSlot(slots, &priv.PublicKey, aesKey)
	require.Error(t, err)
	assert.Equal(t, KindExhausted, KindOf(err))
}

func TestFindMatchingSlotAndFindSlotByPublicKey(t *testing.T) {
	slots := freshSlots(t)
	priv, err := keycrypto.GenerateRSAKeypair()
	require.NoError(t, err)
	aesKey, err := keycrypto.GenerateAESKey()
	require.NoError(t, err)

	idx, err := WrapIntoSlot(slots, &priv.PublicKey, aesKey)
	require.NoError(t, err)

	assert.Equal(t, idx, FindMatchingSlot(slots, priv))
	assert.Equal(t, idx, FindSlotByPublicKey(slots, &priv.PublicKey))

	other, err := keycrypto.GenerateRSAKeypair()
	require.NoError(t, err)
	assert.Equal(t, -1, FindMatchingSlot(slots, other))
	assert.Equal(t, -1, FindSlotByPublicKey(slots, &other.PublicKey))
}

func TestKeySlotMarshalRoundTrip(t *testing.T) {
	s := &KeySlot{Occupied: true, RSAExp: 65537}
	s.AESCipher[0] = 0xaa
	s.RSAMod[0] = 0xbb

	got, err := unmarshalKeySlot(s.marshal())
	require.NoError(t, err)
	assert.Equal(t, s.Occupied, got.Occupied)
	assert.Equal(t, s.RSAExp, got.RSAExp)
	assert.True(t, bytes.Equal(s.AESCipher[:], got.AESCipher[:]))
	assert.True(t, bytes.Equal(s.RSAMod[:], got.RSAMod[:]))
}

func TestKeySlotIsFree(t *testing.T) {
	s := &KeySlot{}
	assert.True(t, s.IsFree())
	s.Occupied = true
	assert.False(t, s.IsFree())
}
