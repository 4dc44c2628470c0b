package crypto

import (
	"bytes"
	"crypto/aes"
)

// ECBEncrypt encrypts data with AES-128 in ECB mode after PKCS#7
// padding. Dexcom transmitters hash their challenges this way.
func ECBEncrypt(key, data []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, &CryptoError{Op: "ecb encrypt", Err: ErrKeySize}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &CryptoError{Op: "ecb encrypt", Err: err}
	}

	pad := aes.BlockSize - len(data)%aes.BlockSize
	in := append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(in))
	for off := 0; off < len(in); off += aes.BlockSize {
		block.Encrypt(out[off:off+aes.BlockSize], in[off:off+aes.BlockSize])
	}
	return out, nil
}

// ECBDecrypt reverses ECBEncrypt.
func ECBDecrypt(key, data []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, &CryptoError{Op: "ecb decrypt", Err: ErrKeySize}
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, &CryptoError{Op: "ecb decrypt", Err: ErrPadding}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &CryptoError{Op: "ecb decrypt", Err: err}
	}

	out := make([]byte, len(data))
	for off := 0; off < len(data); off += aes.BlockSize {
		block.Decrypt(out[off:off+aes.BlockSize], data[off:off+aes.BlockSize])
	}
	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize {
		return nil, &CryptoError{Op: "ecb decrypt", Err: ErrPadding}
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, &CryptoError{Op: "ecb decrypt", Err: ErrPadding}
		}
	}
	return out[:len(out)-pad], nil
}
