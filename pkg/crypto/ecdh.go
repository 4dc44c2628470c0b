package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyInfo is the HKDF info string Abbott uses for the Libre 3 session
// key.
const KeyInfo = "FreeStyle"

// GenerateEphemeral creates a P-256 key pair for one pairing attempt.
func GenerateEphemeral() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, &CryptoError{Op: "generate ephemeral", Err: err}
	}
	return priv, nil
}

// PublicKeyX963 returns the 65-byte uncompressed encoding of priv's
// public key.
func PublicKeyX963(priv *ecdh.PrivateKey) []byte {
	return priv.PublicKey().Bytes()
}

// DeriveSymmetricKey runs ECDH between priv and the X9.63 encoded peer
// key, then HKDF-SHA256 with an empty salt to a 16-byte key.
func DeriveSymmetricKey(priv *ecdh.PrivateKey, peerX963 []byte, info string) ([]byte, error) {
	if priv == nil {
		return nil, &CryptoError{Op: "derive key", Err: ErrKeySize}
	}
	peer, err := ecdh.P256().NewPublicKey(peerX963)
	if err != nil {
		return nil, &CryptoError{Op: "derive key", Err: ErrInvalidPoint}
	}
	secret, err := priv.ECDH(peer)
	if err != nil {
		return nil, &CryptoError{Op: "derive key", Err: err}
	}

	key := make([]byte, 16)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, &CryptoError{Op: "derive key", Err: err}
	}
	return key, nil
}
