package sensor

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// UID is the 8-byte sensor identifier, stored in the reversed order of
// the NFC tag identifier.
type UID [8]byte

// String returns hex string representation
func (u UID) String() string {
	return hex.EncodeToString(u[:])
}

// IsZero reports whether the UID was never set.
func (u UID) IsZero() bool {
	return u == UID{}
}

// MarshalJSON implements json.Marshaler
func (u UID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (u *UID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseUID(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// ParseUID decodes a 16-character hex UID.
func ParseUID(s string) (UID, error) {
	var u UID
	b, err := hex.DecodeString(s)
	if err != nil {
		return u, fmt.Errorf("decode uid: %w", err)
	}
	if len(b) != len(u) {
		return u, fmt.Errorf("invalid uid length %d", len(b))
	}
	copy(u[:], b)
	return u, nil
}

// UIDFromTag reverses an NFC tag identifier into a sensor UID.
func UIDFromTag(tagID []byte) (UID, error) {
	var u UID
	if len(tagID) != len(u) {
		return u, fmt.Errorf("invalid tag identifier length %d", len(tagID))
	}
	for i, b := range tagID {
		u[len(u)-1-i] = b
	}
	return u, nil
}

// UIDFromManufacturerData extracts the UID a Libre 2 advertises in its
// BLE manufacturer data. ok is false when the payload does not carry one.
func UIDFromManufacturerData(data []byte) (u UID, ok bool) {
	if len(data) < 8 || data[7] != 0xa4 {
		return u, false
	}
	copy(u[:6], data[2:8])
	u[6], u[7] = 0x07, 0xe0
	return u, true
}
