package sensor

import "encoding/binary"

// Identity is everything derivable from a sensor's patch info. It is a
// value: a new scan produces a new Identity.
type Identity struct {
	UID                UID    `json:"uid"`
	PatchInfo          []byte `json:"patchInfo"`
	Type               Type   `json:"type"`
	Family             Family `json:"family"`
	Region             Region `json:"region"`
	SecurityGeneration int    `json:"securityGeneration"`
	Generation         int    `json:"generation"`
}

// TypeOf classifies patch info by its first byte, falling back to the
// product type byte of 24-byte Libre 3 style patch info. Any input maps
// to some Type.
func TypeOf(info []byte) Type {
	if len(info) == 0 {
		return TypeUnknown
	}
	switch info[0] {
	case 0xDF, 0xA2:
		return TypeLibre1
	case 0xE5, 0xE6:
		return TypeLibreUS14day
	case 0x70:
		return TypeLibreProH
	case 0x9D, 0xC5, 0xC6, 0x7F: // C6, 7F: European Libre 2+
		return TypeLibre2
	case 0x76, 0x2B, 0x2C:
		if len(info) > 2 && Family(info[2]>>4) == FamilyLibreSense {
			return TypeLibreSense
		}
		return TypeLibre2Gen2
	}
	if len(info) == 24 {
		switch info[12] {
		case 4:
			return TypeLibre3
		case 9:
			return TypeLingo
		}
	}
	return TypeUnknown
}

// Resolve derives a full Identity from patch info. It never fails;
// unrecognised input yields TypeUnknown with FamilyUnknown.
func Resolve(info []byte) Identity {
	id := Identity{
		PatchInfo: append([]byte(nil), info...),
		Type:      TypeOf(info),
		Family:    FamilyUnknown,
	}

	if id.Type == TypeLibre3 || id.Type == TypeLingo {
		id.Family = Family(info[12])
		id.Region = RegionOf(int(binary.LittleEndian.Uint16(info[2:4])))
		id.Generation = int(binary.LittleEndian.Uint16(info[4:6]))
		id.SecurityGeneration = 3
		return id
	}

	if len(info) > 3 {
		id.Region = RegionOf(int(info[3]))
	}
	if len(info) >= 6 {
		family, ok := familyOf(int(info[2] >> 4))
		if !ok {
			family = FamilyLibre1
		}
		id.Family = family
		gen := int(info[2] & 0x0F)
		id.Generation = gen
		switch family {
		case FamilyLibre2:
			id.SecurityGeneration = 1
			if gen >= 9 {
				id.SecurityGeneration = 2
			}
		case FamilyLibreSense:
			id.SecurityGeneration = 1
			if gen >= 4 {
				id.SecurityGeneration = 2
			}
		}
	}
	return id
}

// IsAPlus reports the 15-day "plus" variants.
func (id Identity) IsAPlus() bool {
	info := id.PatchInfo
	if len(info) == 24 && id.Generation == 1 {
		return true
	}
	if len(info) == 0 {
		return false
	}
	switch info[0] {
	case 0xC6, 0x7F, 0x2C:
		return true
	case 0x2B:
		return len(info) > 2 && info[2]&0x0F == 0xA
	}
	return false
}

// Serial returns the printed serial number for the sensor.
func (id Identity) Serial() string {
	if id.Type == TypeLibre3 || id.Type == TypeLingo {
		if len(id.PatchInfo) == 24 {
			return libre3Serial(id.PatchInfo)
		}
		return ""
	}
	family := id.Family
	if family == FamilyUnknown {
		family = FamilyLibre1
	}
	return SerialNumber(id.UID, family)
}

func libre3Serial(info []byte) string {
	b := info[15:24]
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return string(b[:n])
}
