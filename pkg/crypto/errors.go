package crypto

import (
	"errors"
	"fmt"
)

var (
	ErrKeySize        = errors.New("invalid key size")
	ErrNonceSize      = errors.New("invalid nonce size")
	ErrTagSize        = errors.New("invalid tag size")
	ErrAuthentication = errors.New("message authentication failed")
	ErrInvalidPoint   = errors.New("invalid public key")
	ErrPadding        = errors.New("invalid padding")
)

// CryptoError reports a failed primitive. Callers restart the handshake
// step that produced it.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}
