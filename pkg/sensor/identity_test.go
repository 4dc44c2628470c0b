package sensor

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		info    string
		typ     Type
		family  Family
		region  Region
		secGen  int
		isAPlus bool
	}{
		{"libre 1", "DF0000040000", TypeLibre1, FamilyLibre1, RegionAustralianCanadian, 0, false},
		{"libre 1 A2", "A20800010000", TypeLibre1, FamilyLibre1, RegionEuropean, 0, false},
		{"libre us 14 day", "E50003020000", TypeLibreUS14day, FamilyLibre1, RegionUSA, 0, false},
		{"libre pro", "70001001", TypeLibreProH, FamilyUnknown, RegionEuropean, 0, false},
		{"libre 2 eu", "9D0830010000", TypeLibre2, FamilyLibre2, RegionEuropean, 1, false},
		{"libre 2+ eu", "C60931010000", TypeLibre2, FamilyLibre2, RegionEuropean, 1, true},
		{"libre 2+ eu 2025", "7F0E31010000", TypeLibre2, FamilyLibre2, RegionEuropean, 1, true},
		{"libre 2+ us", "2C0A3A020000", TypeLibre2Gen2, FamilyLibre2, RegionUSA, 2, true},
		{"libre 2+ latam", "2B0A3A080000", TypeLibre2Gen2, FamilyLibre2, RegionEasternROW, 2, true},
		{"libre 2 ru gen2", "2B0A39080000", TypeLibre2Gen2, FamilyLibre2, RegionEasternROW, 2, false},
		{"libre sense", "760070010000", TypeLibreSense, FamilyLibreSense, RegionEuropean, 1, false},
		{"libre sense gen2", "760074010000", TypeLibreSense, FamilyLibreSense, RegionEuropean, 2, false},
		{"unknown family nibble defaults to libre 1", "DF00F0010000", TypeLibre1, FamilyLibre1, RegionEuropean, 0, false},
		{"empty", "", TypeUnknown, FamilyUnknown, RegionUnknown, 0, false},
		{"unknown byte", "01", TypeUnknown, FamilyUnknown, RegionUnknown, 0, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id := Resolve(mustHex(t, tc.info))
			assert.Equal(t, tc.typ, id.Type)
			assert.Equal(t, tc.family, id.Family)
			assert.Equal(t, tc.region, id.Region)
			assert.Equal(t, tc.secGen, id.SecurityGeneration)
			assert.Equal(t, tc.isAPlus, id.IsAPlus())
		})
	}
}

func TestResolveLibre3(t *testing.T) {
	info := make([]byte, 24)
	info[2], info[3] = 0x01, 0x00 // region
	info[4], info[5] = 0x01, 0x00 // generation
	info[12] = 4
	copy(info[15:], "0D0004KXL")

	id := Resolve(info)
	assert.Equal(t, TypeLibre3, id.Type)
	assert.Equal(t, FamilyLibre3, id.Family)
	assert.Equal(t, RegionEuropean, id.Region)
	assert.Equal(t, 1, id.Generation)
	assert.Equal(t, 3, id.SecurityGeneration)
	assert.True(t, id.IsAPlus())
	assert.Equal(t, "0D0004KXL", id.Serial())
	assert.Equal(t, ProtocolAbbottGen3, id.Protocol())

	info[12] = 9
	assert.Equal(t, TypeLingo, Resolve(info).Type)

	info[12] = 5
	assert.Equal(t, TypeUnknown, Resolve(info).Type)
}

func TestResolveIsTotal(t *testing.T) {
	buf := make([]byte, 24)
	for n := 0; n <= 24; n++ {
		for first := 0; first < 256; first++ {
			if n > 0 {
				buf[0] = byte(first)
			}
			assert.NotPanics(t, func() { Resolve(buf[:n]) })
		}
	}
}

func TestResolveIsPure(t *testing.T) {
	info := mustHex(t, "9D0830010000")
	a := Resolve(info)
	info[0] = 0xDF
	b := Resolve(mustHex(t, "9D0830010000"))
	assert.Equal(t, a, b)
	assert.Equal(t, byte(0x9D), a.PatchInfo[0])
}

func TestSerialNumber(t *testing.T) {
	uid, err := ParseUID("9c8a5c0000a407e0")
	require.NoError(t, err)

	assert.Equal(t, "0MH000Q4ALH", SerialNumber(uid, FamilyLibre1))
	assert.Equal(t, "3MH000Q4ALH", SerialNumber(uid, FamilyLibre2))
	assert.Equal(t, "", SerialNumber(UID{}, FamilyLibre2))

	id := Resolve(mustHex(t, "9D0830010000"))
	id.UID = uid
	assert.Equal(t, "3MH000Q4ALH", id.Serial())
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "CE2GP2E410", EncodeStatusCode(0x123456789ab))

	status, err := DecodeStatusCode("CE2GP2E410")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x123456789ab), status)

	_, err = DecodeStatusCode("short")
	assert.Error(t, err)
	_, err = DecodeStatusCode("BBBBBBBBBB")
	assert.Error(t, err)
}

func TestUIDConversions(t *testing.T) {
	uid, err := UIDFromTag([]byte{0xe0, 0x07, 0xa4, 0x00, 0x00, 0x5c, 0x8a, 0x9c})
	require.NoError(t, err)
	assert.Equal(t, "9c8a5c0000a407e0", uid.String())

	_, err = UIDFromTag([]byte{1, 2})
	assert.Error(t, err)

	adv := []byte{0x00, 0x00, 0x9c, 0x8a, 0x5c, 0x00, 0x00, 0xa4}
	fromAdv, ok := UIDFromManufacturerData(adv)
	require.True(t, ok)
	assert.Equal(t, uid, fromAdv)

	_, ok = UIDFromManufacturerData(adv[:7])
	assert.False(t, ok)

	data, err := json.Marshal(uid)
	require.NoError(t, err)
	assert.Equal(t, `"9c8a5c0000a407e0"`, string(data))

	var back UID
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, uid, back)
	assert.Error(t, json.Unmarshal([]byte(`"abcd"`), &back))
}

func TestCapabilities(t *testing.T) {
	assert.True(t, TypeLibre2.Capabilities().Has(Authenticatable|FramDecodable))
	assert.False(t, TypeLibre1.Capabilities().Has(Authenticatable))
	assert.True(t, TypeDexcomG7.Capabilities().Has(StreamDecodable))
	assert.Equal(t, Capability(0), TypeUnknown.Capabilities())

	assert.Equal(t, ProtocolAbbottGen1, Resolve(mustHex(t, "9D0830010000")).Protocol())
	assert.Equal(t, ProtocolAbbottGen2, Resolve(mustHex(t, "2C0A3A020000")).Protocol())
	assert.Equal(t, ProtocolDexcomClassic, Identity{Type: TypeDexcomONE}.Protocol())
	assert.Equal(t, ProtocolDexcomJPAKE, Identity{Type: TypeStelo}.Protocol())
	assert.Equal(t, ProtocolNone, Identity{Type: TypeLibre1}.Protocol())
}

func TestTypeNames(t *testing.T) {
	for typ := TypeUnknown; typ <= TypeStelo; typ++ {
		assert.Equal(t, typ, ParseType(typ.String()))
	}
	assert.Equal(t, "Libre US 14d", TypeLibreUS14day.String())
	assert.Equal(t, "Australian / Canadian", RegionAustralianCanadian.String())
	assert.Equal(t, "Shut down", StateOf(5).String())
	assert.Equal(t, StateUnknown, StateOf(0x42))
}
