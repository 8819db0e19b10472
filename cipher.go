package cryptfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
)

// MasterKeySize is the AES-256 master key length in bytes.
const MasterKeySize = 32

// deriveIV computes the fixed per-volume IV: the first 16 bytes of
// SHA-256(masterKey). AES-256-CBC with a single fixed IV per volume is
// weaker than per-block IVs, but matches the canonical on-disk format;
// changing it would be a format-version bump, not a transparent change.
func deriveIV(masterKey []byte) []byte {
	sum := sha256.Sum256(masterKey)
	iv := make([]byte, aes.BlockSize)
	copy(iv, sum[:aes.BlockSize])
	return iv
}

// blockExempt reports whether block index i is one of the never-encrypted
// regions: the header (index 0) or a key-slot block.
func blockExempt(i int64) bool {
	return i == HeaderBlock || (i >= KeysStorageBlock && i < FirstFATBlock)
}

// ReadBlocksDecrypted reads n blocks starting at start and decrypts every
// block that is not in the exempt header/key-slot region. Cipher or I/O
// failure returns a single KindCipher/KindIO error; no partial buffer is
// ever returned.
func ReadBlocksDecrypted(dev *BlockDevice, masterKey []byte, start, n int64, out []byte) error {
	if err := dev.ReadBlocks(start, n, out); err != nil {
		return err
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return newError(KindCipher, "constructing AES cipher", err)
	}
	iv := deriveIV(masterKey)
	for i := int64(0); i < n; i++ {
		if blockExempt(start + i) {
			continue
		}
		chunk := out[i*BlockSize : (i+1)*BlockSize]
		mode := cipher.NewCBCDecrypter(block, iv)
		mode.CryptBlocks(chunk, chunk)
	}
	return nil
}

// WriteBlocksEncrypted encrypts every non-exempt block in in and writes the
// n blocks starting at start. The source buffer is left untouched; a fresh
// ciphertext buffer is written to disk.
func WriteBlocksEncrypted(dev *BlockDevice, masterKey []byte, start, n int64, in []byte) error {
	if int64(len(in)) < n*BlockSize {
		return newError(KindInvalid, "write buffer too small", nil)
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return newError(KindCipher, "constructing AES cipher", err)
	}
	iv := deriveIV(masterKey)
	buf := make([]byte, n*BlockSize)
	copy(buf, in[:n*BlockSize])
	for i := int64(0); i < n; i++ {
		if blockExempt(start + i) {
			continue
		}
		chunk := buf[i*BlockSize : (i+1)*BlockSize]
		mode := cipher.NewCBCEncrypter(block, iv)
		mode.CryptBlocks(chunk, chunk)
	}
	return dev.WriteBlocks(start, n, buf)
}
