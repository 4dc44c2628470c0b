package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// CCMSeal encrypts plaintext with AES-CCM (NIST SP 800-38C) and appends
// a tagLen-byte tag. The nonce may be 7 to 13 bytes long.
func CCMSeal(key, nonce, plaintext, aad []byte, tagLen int) ([]byte, error) {
	c, err := newCCM(key, nonce, len(plaintext), tagLen)
	if err != nil {
		return nil, &CryptoError{Op: "ccm seal", Err: err}
	}

	tag := c.mac(nonce, plaintext, aad)
	out := make([]byte, len(plaintext)+tagLen)
	c.ctr(nonce, out[:len(plaintext)], plaintext)

	s0 := c.counterBlock(nonce, 0)
	for i := 0; i < tagLen; i++ {
		out[len(plaintext)+i] = tag[i] ^ s0[i]
	}
	return out, nil
}

// CCMOpen verifies and decrypts a CCMSeal output.
func CCMOpen(key, nonce, ciphertext, aad []byte, tagLen int) ([]byte, error) {
	if len(ciphertext) < tagLen {
		return nil, &CryptoError{Op: "ccm open", Err: fmt.Errorf("ciphertext shorter than tag")}
	}
	n := len(ciphertext) - tagLen
	c, err := newCCM(key, nonce, n, tagLen)
	if err != nil {
		return nil, &CryptoError{Op: "ccm open", Err: err}
	}

	plaintext := make([]byte, n)
	c.ctr(nonce, plaintext, ciphertext[:n])

	expected := c.mac(nonce, plaintext, aad)
	s0 := c.counterBlock(nonce, 0)
	got := make([]byte, tagLen)
	for i := range got {
		got[i] = ciphertext[n+i] ^ s0[i]
	}
	if subtle.ConstantTimeCompare(got, expected[:tagLen]) != 1 {
		return nil, &CryptoError{Op: "ccm open", Err: ErrAuthentication}
	}
	return plaintext, nil
}

type ccm struct {
	block  cipher.Block
	l      int // length field size, 15 - len(nonce)
	tagLen int
}

func newCCM(key, nonce []byte, msgLen, tagLen int) (*ccm, error) {
	if len(key) != 16 {
		return nil, ErrKeySize
	}
	if len(nonce) < 7 || len(nonce) > 13 {
		return nil, ErrNonceSize
	}
	if tagLen < 4 || tagLen > 16 || tagLen%2 != 0 {
		return nil, ErrTagSize
	}
	l := 15 - len(nonce)
	if l < 8 && uint64(msgLen) >= uint64(1)<<(8*l) {
		return nil, fmt.Errorf("message too long for %d-byte nonce", len(nonce))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &ccm{block: block, l: l, tagLen: tagLen}, nil
}

func (c *ccm) counterBlock(nonce []byte, i uint64) []byte {
	a := make([]byte, 16)
	a[0] = byte(c.l - 1)
	copy(a[1:], nonce)
	putUintN(a[16-c.l:], i)
	s := make([]byte, 16)
	c.block.Encrypt(s, a)
	return s
}

// ctr XORs src with the key stream starting at counter 1.
func (c *ccm) ctr(nonce, dst, src []byte) {
	for off, i := 0, uint64(1); off < len(src); off, i = off+16, i+1 {
		s := c.counterBlock(nonce, i)
		for j := 0; j < 16 && off+j < len(src); j++ {
			dst[off+j] = src[off+j] ^ s[j]
		}
	}
}

// mac computes the CBC-MAC over B0, the encoded AAD and the plaintext.
func (c *ccm) mac(nonce, plaintext, aad []byte) []byte {
	b0 := make([]byte, 16)
	b0[0] = byte((c.tagLen-2)/2<<3 | (c.l - 1))
	if len(aad) > 0 {
		b0[0] |= 0x40
	}
	copy(b0[1:], nonce)
	putUintN(b0[16-c.l:], uint64(len(plaintext)))

	x := make([]byte, 16)
	c.block.Encrypt(x, b0)

	if len(aad) > 0 {
		var enc []byte
		switch {
		case len(aad) < 0xFF00:
			enc = binary.BigEndian.AppendUint16(nil, uint16(len(aad)))
		case uint64(len(aad)) < 1<<32:
			enc = append([]byte{0xFF, 0xFE}, binary.BigEndian.AppendUint32(nil, uint32(len(aad)))...)
		default:
			enc = append([]byte{0xFF, 0xFF}, binary.BigEndian.AppendUint64(nil, uint64(len(aad)))...)
		}
		x = c.cbc(x, append(enc, aad...))
	}
	return c.cbc(x, plaintext)
}

// cbc chains data, zero padded to the block size, into x.
func (c *ccm) cbc(x, data []byte) []byte {
	y := make([]byte, 16)
	for off := 0; off < len(data); off += 16 {
		copy(y, x)
		for j := 0; j < 16 && off+j < len(data); j++ {
			y[j] ^= data[off+j]
		}
		c.block.Encrypt(x, y)
	}
	return x
}

func putUintN(b []byte, v uint64) {
	for i := len(b) - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// OutgoingNonce is the Libre 3 nonce of an outbound packet:
// seq (little endian) || descriptor || iv.
func OutgoingNonce(seq uint16, descriptor [3]byte, iv []byte) []byte {
	n := make([]byte, 2, 5+len(iv))
	binary.LittleEndian.PutUint16(n, seq)
	n = append(n, descriptor[:]...)
	return append(n, iv...)
}

// IncomingNonce is the Libre 3 nonce of a notified packet, whose last two
// bytes carry the sender's sequence.
func IncomingNonce(msg []byte, descriptor [3]byte, iv []byte) ([]byte, error) {
	if len(msg) < 2 {
		return nil, &CryptoError{Op: "libre3 nonce", Err: ErrNonceSize}
	}
	n := make([]byte, 0, 5+len(iv))
	n = append(n, msg[len(msg)-2:]...)
	n = append(n, descriptor[:]...)
	return append(n, iv...), nil
}
