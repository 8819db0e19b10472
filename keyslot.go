package cryptfs

import (
	"bytes"
	"crypto/rsa"
	"encoding/binary"
	"math/big"

	"github.com/sherlockfs/sherlockfs/internal/keycrypto"
)

// Key-slot field widths, fixed by the on-disk format.
const (
	rsaModulusSize    = keycrypto.RSAKeyBits / 8 // 256 bytes
	aesCiphertextSize = rsaModulusSize           // RSA-2048 OAEP ciphertext is one modulus wide
	keySlotSize       = 1 + aesCiphertextSize + rsaModulusSize + 4
)

// KeySlot is one of the NumKeySlots fixed-position records in the
// key-storage region, each holding an RSA public key and an RSA-wrapped
// copy of the master AES key.
type KeySlot struct {
	Occupied  bool
	AESCipher [aesCiphertextSize]byte
	RSAMod    [rsaModulusSize]byte
	RSAExp    uint32
}

// IsFree reports whether the slot is unused: occupied is zero and the
// modulus is all-zero.
func (s *KeySlot) IsFree() bool {
	if s.Occupied {
		return false
	}
	var zero [rsaModulusSize]byte
	return s.RSAMod == zero
}

func (s *KeySlot) marshal() []byte {
	buf := make([]byte, BlockSize)
	if s.Occupied {
		buf[0] = 1
	}
	copy(buf[1:], s.AESCipher[:])
	copy(buf[1+aesCiphertextSize:], s.RSAMod[:])
	binary.BigEndian.PutUint32(buf[1+aesCiphertextSize+rsaModulusSize:], s.RSAExp)
	return buf
}

func unmarshalKeySlot(buf []byte) (*KeySlot, error) {
	if len(buf) < keySlotSize {
		return nil, newError(KindInvalid, "short key slot block", nil)
	}
	s := &KeySlot{Occupied: buf[0] != 0}
	copy(s.AESCipher[:], buf[1:1+aesCiphertextSize])
	copy(s.RSAMod[:], buf[1+aesCiphertextSize:1+aesCiphertextSize+rsaModulusSize])
	s.RSAExp = binary.BigEndian.Uint32(buf[1+aesCiphertextSize+rsaModulusSize:])
	return s, nil
}

// ReadKeySlots loads all NumKeySlots records from the key-storage region.
// Key slots are never encrypted: they already hold
// RSA-wrapped material.
func (v *Volume) ReadKeySlots() ([]*KeySlot, error) {
	buf := make([]byte, BlockSize*NumKeySlots)
	if err := v.Device.ReadBlocks(KeysStorageBlock, NumKeySlots, buf); err != nil {
		return nil, err
	}
	slots := make([]*KeySlot, NumKeySlots)
	for i := 0; i < NumKeySlots; i++ {
		s, err := unmarshalKeySlot(buf[i*BlockSize:])
		if err != nil {
			return nil, err
		}
		slots[i] = s
	}
	return slots, nil
}

// WriteKeySlot persists a single slot at index i.
func (v *Volume) WriteKeySlot(i int, s *KeySlot) error {
	if i < 0 || i >= NumKeySlots {
		return newError(KindInvalid, "key slot index out of range", nil)
	}
	return v.Device.WriteBlocks(int64(KeysStorageBlock+i), 1, s.marshal())
}

// WriteKeySlots persists the whole key-storage region at once (used by
// format).
func (v *Volume) WriteKeySlots(slots []*KeySlot) error {
	if len(slots) != NumKeySlots {
		return newError(KindInvalid, "wrong number of key slots", nil)
	}
	buf := make([]byte, 0, BlockSize*NumKeySlots)
	for _, s := range slots {
		buf = append(buf, s.marshal()...)
	}
	return v.Device.WriteBlocks(KeysStorageBlock, NumKeySlots, buf)
}

// AvailableSlots counts free slots.
func AvailableSlots(slots []*KeySlot) int {
	n := 0
	for _, s := range slots {
		if s.IsFree() {
			n++
		}
	}
	return n
}

// OccupiedSlots counts occupied slots.
func OccupiedSlots(slots []*KeySlot) int {
	return len(slots) - AvailableSlots(slots)
}

// WrapIntoSlot finds the first free slot, wraps aesKey under pub's RSA-OAEP
// and stores it there, returning the slot index used. Fails with
// KindExhausted if no free slot exists.
func WrapIntoSlot(slots []*KeySlot, pub *rsa.PublicKey, aesKey []byte) (int, error) {
	idx := -1
	for i, s := range slots {
		if s.IsFree() {
			idx = i
			break
		}
	}
	if idx == -1 {
		return -1, newError(KindExhausted, "no free key slot", nil)
	}
	ct, err := keycrypto.WrapAESKey(pub, aesKey)
	if err != nil {
		return -1, newError(KindCipher, "wrapping master key", err)
	}
	s := &KeySlot{Occupied: true, RSAExp: uint32(pub.E)}
	copy(s.AESCipher[:], ct)
	pub.N.FillBytes(s.RSAMod[:])
	slots[idx] = s
	return idx, nil
}

// FindMatchingSlot returns the index of the occupied slot whose modulus
// equals priv's, or -1 if none match. A modulus collision across
// independently generated 2048-bit keys is cryptographically negligible,
// so matching on modulus alone is sufficient.
func FindMatchingSlot(slots []*KeySlot, priv *rsa.PrivateKey) int {
	want := make([]byte, rsaModulusSize)
	priv.PublicKey.N.FillBytes(want)
	for i, s := range slots {
		if !s.Occupied {
			continue
		}
		if bytes.Equal(s.RSAMod[:], want) {
			return i
		}
	}
	return -1
}

// FindSlotByPublicKey returns the index of the occupied slot whose modulus
// equals pub's, or -1 if none match. Used by add_user to detect "already
// present".
func FindSlotByPublicKey(slots []*KeySlot, pub *rsa.PublicKey) int {
	want := make([]byte, rsaModulusSize)
	pub.N.FillBytes(want)
	for i, s := range slots {
		if !s.Occupied {
			continue
		}
		if bytes.Equal(s.RSAMod[:], want) {
			return i
		}
	}
	return -1
}

// UnwrapFromSlot RSA-OAEP-decrypts the slot's ciphertext with priv and
// validates the result is exactly a 32-byte AES key.
func UnwrapFromSlot(s *KeySlot, priv *rsa.PrivateKey) ([]byte, error) {
	key, err := keycrypto.UnwrapAESKey(priv, s.AESCipher[:])
	if err != nil {
		return nil, newError(KindCipher, "unwrapping master key from slot", err)
	}
	return key, nil
}

// rsaModulusAsBigInt reconstructs a modulus for tests/debugging.
func rsaModulusAsBigInt(s *KeySlot) *big.Int {
	return new(big.Int).SetBytes(s.RSAMod[:])
}
