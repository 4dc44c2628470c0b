package sensor

// Capability is a bit set of what the engine can do with a sensor type.
type Capability uint8

const (
	// Authenticatable sensors need a BLE handshake before streaming.
	Authenticatable Capability = 1 << iota
	// StreamDecodable sensors push readings over BLE notifications.
	StreamDecodable
	// FramDecodable sensors expose a FRAM image over NFC.
	FramDecodable
)

// Capabilities returns the capability set of t.
func (t Type) Capabilities() Capability {
	switch t {
	case TypeLibre1, TypeLibreProH:
		return FramDecodable
	case TypeLibreUS14day:
		return FramDecodable
	case TypeLibre2, TypeLibre2Gen2, TypeLibreSense:
		return Authenticatable | StreamDecodable | FramDecodable
	case TypeLibre3, TypeLingo:
		return Authenticatable | StreamDecodable
	case TypeDexcomG6, TypeDexcomONE, TypeDexcomG7, TypeDexcomONEPlus, TypeStelo:
		return Authenticatable | StreamDecodable
	}
	return 0
}

// Has reports whether every capability in c is present.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// Protocol names the handshake a sensor type speaks over BLE.
type Protocol int

const (
	ProtocolNone Protocol = iota
	ProtocolAbbottGen1
	ProtocolAbbottGen2
	ProtocolAbbottGen3
	ProtocolDexcomClassic
	ProtocolDexcomJPAKE
)

func (p Protocol) String() string {
	switch p {
	case ProtocolAbbottGen1:
		return "abbott-gen1"
	case ProtocolAbbottGen2:
		return "abbott-gen2"
	case ProtocolAbbottGen3:
		return "abbott-gen3"
	case ProtocolDexcomClassic:
		return "dexcom-classic"
	case ProtocolDexcomJPAKE:
		return "dexcom-jpake"
	}
	return "none"
}

// Protocol selects the authentication protocol for this identity.
func (id Identity) Protocol() Protocol {
	switch id.Type {
	case TypeLibre2, TypeLibre2Gen2, TypeLibreSense:
		if id.SecurityGeneration >= 2 {
			return ProtocolAbbottGen2
		}
		return ProtocolAbbottGen1
	case TypeLibre3, TypeLingo:
		return ProtocolAbbottGen3
	case TypeDexcomG6, TypeDexcomONE:
		return ProtocolDexcomClassic
	case TypeDexcomG7, TypeDexcomONEPlus, TypeStelo:
		return ProtocolDexcomJPAKE
	}
	return ProtocolNone
}
