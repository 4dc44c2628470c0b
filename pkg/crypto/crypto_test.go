package crypto

import (
	"bytes"
	"crypto/ecdh"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func seq(from, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(from + i)
	}
	return b
}

func TestCCMVectors(t *testing.T) {
	key := seq(0x40, 16)

	tests := []struct {
		name   string
		nonce  []byte
		aad    []byte
		pt     []byte
		ct     string
		tagLen int
	}{
		{"sp800-38c example 1", seq(0x10, 7), seq(0, 8), seq(0x20, 4), "7162015b4dac255d", 4},
		{"sp800-38c example 2", seq(0x10, 8), seq(0, 16), seq(0x20, 16), "d2a1f0e051ea5f62081a7792073d593d1fc64fbfaccd", 6},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ct := unhex(t, tc.ct)

			pt, err := CCMOpen(key, tc.nonce, ct, tc.aad, tc.tagLen)
			require.NoError(t, err)
			assert.Equal(t, tc.pt, pt)

			sealed, err := CCMSeal(key, tc.nonce, tc.pt, tc.aad, tc.tagLen)
			require.NoError(t, err)
			assert.Equal(t, ct, sealed)
		})
	}
}

func TestCCMRoundTripWithoutAAD(t *testing.T) {
	key := seq(0x01, 16)
	nonce := seq(0xA0, 13)
	for _, n := range []int{0, 1, 15, 16, 17, 56, 300} {
		pt := seq(n, n)
		sealed, err := CCMSeal(key, nonce, pt, nil, 4)
		require.NoError(t, err)
		require.Len(t, sealed, n+4)

		got, err := CCMOpen(key, nonce, sealed, nil, 4)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(pt, got))
	}
}

func TestCCMRejectsTampering(t *testing.T) {
	ct := unhex(t, "7162015b4dac255d")
	ct[5] ^= 1

	_, err := CCMOpen(seq(0x40, 16), seq(0x10, 7), ct, seq(0, 8), 4)
	require.Error(t, err)

	var cerr *CryptoError
	require.True(t, errors.As(err, &cerr))
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestCCMParameterErrors(t *testing.T) {
	_, err := CCMSeal(seq(0, 15), seq(0, 7), nil, nil, 4)
	assert.ErrorIs(t, err, ErrKeySize)

	_, err = CCMSeal(seq(0, 16), seq(0, 6), nil, nil, 4)
	assert.ErrorIs(t, err, ErrNonceSize)

	_, err = CCMSeal(seq(0, 16), seq(0, 7), nil, nil, 5)
	assert.ErrorIs(t, err, ErrTagSize)

	_, err = CCMOpen(seq(0, 16), seq(0, 7), []byte{1, 2}, nil, 4)
	assert.Error(t, err)
}

func TestLibre3Nonces(t *testing.T) {
	iv := seq(0x30, 8)
	d := [3]byte{0x00, 0x0F, 0x00}

	out := OutgoingNonce(0x0207, d, iv)
	assert.Equal(t, append([]byte{0x07, 0x02, 0x00, 0x0F, 0x00}, iv...), out)
	require.Len(t, out, 13)

	// The receiver rebuilds the same nonce from the trailing sequence.
	msg := append([]byte{0xAA, 0xBB, 0xCC}, 0x07, 0x02)
	in, err := IncomingNonce(msg, d, iv)
	require.NoError(t, err)
	assert.Equal(t, out, in)

	_, err = IncomingNonce([]byte{0x07}, d, iv)
	assert.ErrorIs(t, err, ErrNonceSize)
}

func TestDeriveSymmetricKey(t *testing.T) {
	a, err := ecdh.P256().NewPrivateKey(bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)
	b, err := ecdh.P256().NewPrivateKey(bytes.Repeat([]byte{0x22}, 32))
	require.NoError(t, err)

	pubA := PublicKeyX963(a)
	pubB := PublicKeyX963(b)
	assert.Equal(t, "040217e617f0b6443928278f96999e69a23a4f2c152bdf6d6cdf66e5b80282d4ed194a7debcb97712d2dda3ca85aa8765a56f45fc758599652f2897c65306e5794", hex.EncodeToString(pubA))
	require.Len(t, pubB, 65)

	k1, err := DeriveSymmetricKey(a, pubB, KeyInfo)
	require.NoError(t, err)
	k2, err := DeriveSymmetricKey(b, pubA, KeyInfo)
	require.NoError(t, err)

	assert.Equal(t, "9dc5d185ea9a99ba3bec09d634595666", hex.EncodeToString(k1))
	assert.Equal(t, k1, k2)

	other, err := DeriveSymmetricKey(a, pubB, "other")
	require.NoError(t, err)
	assert.NotEqual(t, k1, other)
}

func TestDeriveSymmetricKeyRejectsBadPoint(t *testing.T) {
	priv, err := GenerateEphemeral()
	require.NoError(t, err)

	bad := make([]byte, 65)
	bad[0] = 0x04
	_, err = DeriveSymmetricKey(priv, bad, KeyInfo)
	assert.ErrorIs(t, err, ErrInvalidPoint)

	_, err = DeriveSymmetricKey(nil, PublicKeyX963(priv), KeyInfo)
	assert.Error(t, err)
}

func TestECB(t *testing.T) {
	key := seq(0, 16)
	pt := unhex(t, "00112233445566778899aabbccddeeff")

	ct, err := ECBEncrypt(key, pt)
	require.NoError(t, err)
	require.Len(t, ct, 32)
	assert.Equal(t, "69c4e0d86a7b0430d8cdb78070b4c55a", hex.EncodeToString(ct[:16]))

	back, err := ECBDecrypt(key, ct)
	require.NoError(t, err)
	assert.Equal(t, pt, back)

	_, err = ECBEncrypt(seq(0, 8), pt)
	assert.ErrorIs(t, err, ErrKeySize)
	_, err = ECBDecrypt(key, ct[:10])
	assert.ErrorIs(t, err, ErrPadding)
}

func TestSealOpen(t *testing.T) {
	key := seq(7, 32)
	sealed, err := Seal(key, []byte("unlock code"))
	require.NoError(t, err)

	pt, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, "unlock code", string(pt))

	sealed[len(sealed)-1] ^= 1
	_, err = Open(key, sealed)
	assert.ErrorIs(t, err, ErrAuthentication)

	_, err = Seal(seq(0, 5), nil)
	assert.ErrorIs(t, err, ErrKeySize)
}

func TestSecrets(t *testing.T) {
	hash, err := HashSecret("s3cret")
	require.NoError(t, err)
	assert.True(t, VerifySecret("s3cret", hash))
	assert.False(t, VerifySecret("nope", hash))
}
