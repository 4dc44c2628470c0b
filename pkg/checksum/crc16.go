// Package checksum implements the CRC16 used by Abbott sensor memory and
// by the BLE handshakes, plus the XModem variant of Dexcom replies.
package checksum

import "math/bits"

const poly uint16 = 0x8408 // 0x1021 reflected

var table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
}

// CRC16 computes the sensor CRC16: seed 0xFFFF, reflected table walk,
// output bit-reversed. The empty buffer yields 0xFFFF.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ table[(crc^uint16(b))&0xFF]
	}
	return bits.Reverse16(crc)
}

// Stored reads a little-endian CRC at off. It returns 0 when the buffer
// is too short.
func Stored(data []byte, off int) uint16 {
	if off < 0 || off+2 > len(data) {
		return 0
	}
	return uint16(data[off]) | uint16(data[off+1])<<8
}

// Verify reports whether the CRC stored little-endian at crcOff matches
// the CRC of data[from:to].
func Verify(data []byte, crcOff, from, to int) bool {
	if from < 0 || to > len(data) || from > to {
		return false
	}
	return Stored(data, crcOff) == CRC16(data[from:to])
}

// Put writes crc little-endian at off.
func Put(data []byte, off int, crc uint16) {
	data[off] = byte(crc)
	data[off+1] = byte(crc >> 8)
}

// Append returns a copy of data with its CRC16 appended little-endian.
func Append(data []byte) []byte {
	out := make([]byte, len(data)+2)
	copy(out, data)
	Put(out, len(data), CRC16(data))
	return out
}

// VerifyTrailer checks a buffer whose last two bytes are the little-endian
// CRC16 of everything before them.
func VerifyTrailer(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	return Verify(data, len(data)-2, 0, len(data)-2)
}

// XModem computes CRC-16/XMODEM: polynomial 0x1021 MSB first, seed 0.
// Dexcom transmitters append it little-endian to control replies.
func XModem(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// AppendXModem returns a copy of data with its XModem CRC appended
// little-endian.
func AppendXModem(data []byte) []byte {
	out := make([]byte, len(data)+2)
	copy(out, data)
	Put(out, len(data), XModem(data))
	return out
}

// VerifyXModemTrailer checks a buffer ending in the little-endian XModem
// CRC of everything before it.
func VerifyXModemTrailer(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	return Stored(data, len(data)-2) == XModem(data[:len(data)-2])
}
