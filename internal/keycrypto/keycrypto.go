// Package keycrypto holds the pure RSA/AES primitives and PEM codec used
// by SherlockFS's key-slot protocol. It has no
// knowledge of the on-disk layout — that lives in the parent cryptfs
// package — only of keys and bytes.
package keycrypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// RSAKeyBits and RSAPublicExponent are fixed by the on-disk compatibility
// surface: every key slot stores a 2048-bit modulus and a 4-byte
// big-endian exponent, so the keypair generator must always produce
// exactly this shape.
const (
	RSAKeyBits        = 2048
	RSAPublicExponent = 65537

	// AESKeySize is the master key length in bytes (256 bits).
	AESKeySize = 32
)

// GenerateAESKey returns 32 random bytes from a cryptographically secure
// source.
func GenerateAESKey() ([]byte, error) {
	key := make([]byte, AESKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating AES master key: %w", err)
	}
	return key, nil
}

// GenerateRSAKeypair returns a fresh RSA-2048 keypair with public exponent
// 65537.
func GenerateRSAKeypair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA keypair: %w", err)
	}
	if key.PublicKey.E != RSAPublicExponent {
		// rsa.GenerateKey always uses F4 (65537); this guards against a
		// stdlib behavior change silently producing an incompatible slot.
		return nil, errors.New("generated RSA key has unexpected public exponent")
	}
	return key, nil
}

// WrapAESKey RSA-OAEP-encrypts aesKey under pub, using SHA-256 as the OAEP
// hash. The result is always RSAKeyBits/8 bytes for a 2048-bit key.
func WrapAESKey(pub *rsa.PublicKey, aesKey []byte) ([]byte, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		return nil, fmt.Errorf("wrapping AES key: %w", err)
	}
	return ct, nil
}

// UnwrapAESKey RSA-OAEP-decrypts ciphertext with priv and validates the
// result is exactly AESKeySize bytes.
func UnwrapAESKey(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrapping AES key: %w", err)
	}
	if len(pt) != AESKeySize {
		return nil, fmt.Errorf("unwrapped key has wrong length %d, want %d", len(pt), AESKeySize)
	}
	return pt, nil
}

// EncodePublicPEM returns the PEM encoding of pub, always plaintext.
func EncodePublicPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}

// EncodePrivatePEM returns the PEM encoding of priv, optionally protected
// with passphrase using the standard PEM encryption header.
// An empty passphrase leaves the key in cleartext PEM.
func EncodePrivatePEM(priv *rsa.PrivateKey, passphrase []byte) ([]byte, error) {
	der := x509.MarshalPKCS1PrivateKey(priv)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	if len(passphrase) == 0 {
		return pem.EncodeToMemory(block), nil
	}
	//nolint:staticcheck // the on-disk format calls for the standard PEM
	// encryption header; x509.EncryptPEMBlock is the standard library's
	// only implementation of it and is what the ecosystem still reaches
	// for when a plain "PEM with a passphrase" file is required.
	encBlock, err := x509.EncryptPEMBlock(rand.Reader, block.Type, block.Bytes, passphrase, x509.PEMCipherAES256)
	if err != nil {
		return nil, fmt.Errorf("encrypting private key PEM: %w", err)
	}
	return pem.EncodeToMemory(encBlock), nil
}

// DecodePublicPEM parses a PEM-encoded RSA public key.
func DecodePublicPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found in public key file")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("PEM block is not an RSA public key")
	}
	return pub, nil
}

// DecodePrivatePEM parses a PEM-encoded RSA private key, decrypting it
// with passphrase first if the PEM block carries the standard encryption
// header. An empty passphrase is only valid against a cleartext block.
func DecodePrivatePEM(data []byte, passphrase []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found in private key file")
	}
	der := block.Bytes
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // see EncodePrivatePEM
		var err error
		der, err = x509.DecryptPEMBlock(block, passphrase)
		if err != nil {
			return nil, fmt.Errorf("decrypting private key PEM (wrong passphrase?): %w", err)
		}
	}
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return priv, nil
}
