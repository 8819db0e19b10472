package keycrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAESKeyLength(t *testing.T) {
	key, err := GenerateAESKey()
	require.NoError(t, err)
	assert.Len(t, key, AESKeySize)
}

func TestGenerateRSAKeypairShape(t *testing.T) {
	priv, err := GenerateRSAKeypair()
	require.NoError(t, err)
	assert.Equal(t, RSAPublicExponent, priv.PublicKey.E)
	assert.Equal(t, RSAKeyBits, priv.PublicKey.N.BitLen())
}

func TestWrapUnwrapAESKeyRoundTrip(t *testing.T) {
	priv, err := GenerateRSAKeypair()
	require.NoError(t, err)
	key, err := GenerateAESKey()
	require.NoError(t, err)

	ct, err := WrapAESKey(&priv.PublicKey, key)
	require.NoError(t, err)
	assert.Len(t, ct, RSAKeyBits/8)

	got, err := UnwrapAESKey(priv, ct)
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestUnwrapAESKeyRejectsWrongLengthPlaintext(t *testing.T) {
	priv, err := GenerateRSAKeypair()
	require.NoError(t, err)
	ct, err := WrapAESKey(&priv.PublicKey, []byte("too short"))
	require.NoError(t, err)

	_, err = UnwrapAESKey(priv, ct)
	require.Error(t, err)
}

func TestPublicPEMRoundTrip(t *testing.T) {
	priv, err := GenerateRSAKeypair()
	require.NoError(t, err)

	pemBytes, err := EncodePublicPEM(&priv.PublicKey)
	require.NoError(t, err)

	got, err := DecodePublicPEM(pemBytes)
	require.NoError(t, err)
	assert.Equal(t, priv.PublicKey.N, got.N)
	assert.Equal(t, priv.PublicKey.E, got.E)
}

func TestPrivatePEMRoundTripWithoutPassphrase(t *testing.T) {
	priv, err := GenerateRSAKeypair()
	require.NoError(t, err)

	pemBytes, err := EncodePrivatePEM(priv, nil)
	require.NoError(t, err)

	got, err := DecodePrivatePEM(pemBytes, nil)
	require.NoError(t, err)
	assert.Equal(t, priv.D, got.D)
}

func TestPrivatePEMRoundTripWithPassphrase(t *testing.T) {
	priv, err := GenerateRSAKeypair()
	require.NoError(t, err)
	passphrase := []byte("correct horse battery staple")

	pemBytes, err := EncodePrivatePEM(priv, passphrase)
	require.NoError(t, err)

	got, err := DecodePrivatePEM(pemBytes, passphrase)
	require.NoError(t, err)
	assert.Equal(t, priv.D, got.D)

	_, err = DecodePrivatePEM(pemBytes, []byte("wrong passphrase"))
	require.Error(t, err)
}
