package sensor

import (
	"fmt"
	"strconv"
	"strings"
)

const serialAlphabet = "0123456789ACDEFGHJKLMNPQRTUVWXYZ"

// SerialNumber renders a Libre UID as the serial printed on the box: the
// family digit followed by ten base-32 characters. An all-zero UID gives
// an empty string.
func SerialNumber(uid UID, family Family) string {
	if uid.IsZero() {
		return ""
	}
	var b [6]byte
	for i := 0; i < 6; i++ {
		b[i] = uid[5-i]
	}
	groups := [10]byte{
		b[0] >> 3,
		b[0]<<2 + b[1]>>6,
		b[1] >> 1,
		b[1]<<4 + b[2]>>4,
		b[2]<<1 + b[3]>>7,
		b[3] >> 2,
		b[3]<<3 + b[4]>>5,
		b[4],
		b[5] >> 3,
		b[5] << 2,
	}
	var sb strings.Builder
	prefix := int(family)
	if family == FamilyUnknown {
		prefix = int(FamilyLibre1)
	}
	sb.WriteString(strconv.Itoa(prefix))
	for _, g := range groups {
		sb.WriteByte(serialAlphabet[g&0x1F])
	}
	return sb.String()
}

// EncodeStatusCode renders a 50-bit status as ten base-32 characters,
// least significant group first.
func EncodeStatusCode(status uint64) string {
	var sb strings.Builder
	for i := 0; i < 10; i++ {
		sb.WriteByte(serialAlphabet[(status>>(i*5))&0x1F])
	}
	return sb.String()
}

// DecodeStatusCode is the inverse of EncodeStatusCode.
func DecodeStatusCode(code string) (uint64, error) {
	if len(code) != 10 {
		return 0, fmt.Errorf("status code must be 10 characters, got %d", len(code))
	}
	var status uint64
	for i := 0; i < 10; i++ {
		idx := strings.IndexByte(serialAlphabet, code[i])
		if idx < 0 {
			return 0, fmt.Errorf("invalid status code character %q", code[i])
		}
		status |= uint64(idx) << (i * 5)
	}
	return status, nil
}
