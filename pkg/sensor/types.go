// Package sensor classifies CGM transmitters from their patch metadata.
package sensor

// Type is the closed set of sensor kinds the engine understands.
type Type int

const (
	TypeUnknown Type = iota
	TypeLibre1
	TypeLibreUS14day
	TypeLibreProH
	TypeLibre2
	TypeLibre2Gen2
	TypeLibreSense
	TypeLibre3
	TypeLingo
	TypeDexcomG6
	TypeDexcomONE
	TypeDexcomG7
	TypeDexcomONEPlus
	TypeStelo
)

var typeNames = map[Type]string{
	TypeUnknown:       "unknown",
	TypeLibre1:        "Libre 1",
	TypeLibreUS14day:  "Libre US 14d",
	TypeLibreProH:     "Libre Pro/H",
	TypeLibre2:        "Libre 2",
	TypeLibre2Gen2:    "Libre 2 Gen2",
	TypeLibreSense:    "Libre Sense",
	TypeLibre3:        "Libre 3",
	TypeLingo:         "Lingo",
	TypeDexcomG6:      "Dexcom G6",
	TypeDexcomONE:     "Dexcom ONE",
	TypeDexcomG7:      "Dexcom G7",
	TypeDexcomONEPlus: "Dexcom ONE+",
	TypeStelo:         "Stelo",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

// ParseType maps a display name back to its Type.
func ParseType(s string) Type {
	for t, name := range typeNames {
		if name == s {
			return t
		}
	}
	return TypeUnknown
}

// IsLibre reports whether the type is an Abbott sensor.
func (t Type) IsLibre() bool {
	switch t {
	case TypeLibre1, TypeLibreUS14day, TypeLibreProH, TypeLibre2, TypeLibre2Gen2,
		TypeLibreSense, TypeLibre3, TypeLingo:
		return true
	}
	return false
}

// IsDexcom reports whether the type is a Dexcom transmitter.
func (t Type) IsDexcom() bool {
	switch t {
	case TypeDexcomG6, TypeDexcomONE, TypeDexcomG7, TypeDexcomONEPlus, TypeStelo:
		return true
	}
	return false
}

// Family is the product family nibble carried in patch info.
type Family int

const (
	FamilyUnknown    Family = -1
	FamilyLibre1     Family = 0
	FamilyLibrePro   Family = 1
	FamilyLibre2     Family = 3
	FamilyLibre3     Family = 4
	FamilyLibreSense Family = 7
)

func (f Family) String() string {
	switch f {
	case FamilyLibre1:
		return "Libre 1"
	case FamilyLibrePro:
		return "Libre Pro"
	case FamilyLibre2:
		return "Libre 2"
	case FamilyLibre3:
		return "Libre 3"
	case FamilyLibreSense:
		return "Libre Sense"
	}
	return "unknown"
}

func familyOf(v int) (Family, bool) {
	switch f := Family(v); f {
	case FamilyLibre1, FamilyLibrePro, FamilyLibre2, FamilyLibre3, FamilyLibreSense:
		return f, true
	}
	return FamilyUnknown, false
}

// Region is the market a sensor was built for.
type Region int

const (
	RegionUnknown            Region = 0
	RegionEuropean           Region = 1
	RegionUSA                Region = 2
	RegionAustralianCanadian Region = 4
	RegionEasternROW         Region = 8
)

// RegionOf maps a raw region code, falling back to RegionUnknown.
func RegionOf(v int) Region {
	switch r := Region(v); r {
	case RegionEuropean, RegionUSA, RegionAustralianCanadian, RegionEasternROW:
		return r
	}
	return RegionUnknown
}

func (r Region) String() string {
	switch r {
	case RegionEuropean:
		return "European"
	case RegionUSA:
		return "USA"
	case RegionAustralianCanadian:
		return "Australian / Canadian"
	case RegionEasternROW:
		return "Eastern / Rest of World"
	}
	return "unknown"
}

// State is the lifecycle state stored in byte 4 of the FRAM header.
type State uint8

const (
	StateUnknown      State = 0x00
	StateNotActivated State = 0x01
	StateWarmingUp    State = 0x02 // 60 minutes
	StateActive       State = 0x03
	StateExpired      State = 0x04 // Libre 2: Bluetooth shutdown
	StateShutdown     State = 0x05
	StateFailure      State = 0x06
)

// StateOf maps a raw state byte; unknown values map to StateUnknown.
func StateOf(b byte) State {
	if b <= byte(StateFailure) {
		return State(b)
	}
	return StateUnknown
}

func (s State) String() string {
	switch s {
	case StateNotActivated:
		return "Not activated"
	case StateWarmingUp:
		return "Warming up"
	case StateActive:
		return "Active"
	case StateExpired:
		return "Expired"
	case StateShutdown:
		return "Shut down"
	case StateFailure:
		return "Failure"
	}
	return "unknown"
}
