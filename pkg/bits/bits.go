// Package bits reads and writes little-endian bit fields at arbitrary
// bit offsets, as packed in sensor memory records.
package bits

// ReadBits returns bitCount bits starting at absolute bit
// byteOffset*8+bitOffset. Bit i of the result is bit (pos+i)%8 of byte
// (pos+i)/8. Bits beyond the buffer read as zero.
func ReadBits(buf []byte, byteOffset, bitOffset, bitCount int) int {
	if bitCount <= 0 {
		return 0
	}
	res := 0
	base := byteOffset*8 + bitOffset
	for i := 0; i < bitCount; i++ {
		pos := base + i
		if pos < 0 || pos/8 >= len(buf) {
			continue
		}
		if (buf[pos/8]>>(pos%8))&1 == 1 {
			res |= 1 << i
		}
	}
	return res
}

// WriteBits returns a copy of buf with the low bitCount bits of value
// stored at the given position. buf itself is left untouched; bits that
// would land past the end are dropped.
func WriteBits(buf []byte, byteOffset, bitOffset, bitCount, value int) []byte {
	out := make([]byte, len(buf))
	copy(out, buf)
	base := byteOffset*8 + bitOffset
	for i := 0; i < bitCount; i++ {
		pos := base + i
		if pos < 0 || pos/8 >= len(out) {
			continue
		}
		mask := byte(1) << (pos % 8)
		if (value>>i)&1 == 1 {
			out[pos/8] |= mask
		} else {
			out[pos/8] &^= mask
		}
	}
	return out
}
