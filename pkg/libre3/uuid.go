// Package libre3 implements the Libre 3 BLE security handshake, packet
// encryption and the NFC patch info and activation exchanges.
package libre3

// Characteristics of the Libre 3 data and security services.
const (
	DataService      = "089810CC-EF89-11E9-81B4-2A2AE2DBCCE4"
	PatchControl     = "08981338-EF89-11E9-81B4-2A2AE2DBCCE4"
	PatchStatus      = "08981482-EF89-11E9-81B4-2A2AE2DBCCE4"
	OneMinuteReading = "0898177A-EF89-11E9-81B4-2A2AE2DBCCE4"
	HistoricalData   = "0898195A-EF89-11E9-81B4-2A2AE2DBCCE4"
	ClinicalData     = "08981AB8-EF89-11E9-81B4-2A2AE2DBCCE4"
	EventLog         = "08981BEE-EF89-11E9-81B4-2A2AE2DBCCE4"
	FactoryData      = "08981D24-EF89-11E9-81B4-2A2AE2DBCCE4"
	SecurityService  = "0898203A-EF89-11E9-81B4-2A2AE2DBCCE4"
	SecurityCommands = "08982198-EF89-11E9-81B4-2A2AE2DBCCE4"
	ChallengeData    = "089822CE-EF89-11E9-81B4-2A2AE2DBCCE4"
	CertificateData  = "089823FA-EF89-11E9-81B4-2A2AE2DBCCE4"
	DebugService     = "08982400-EF89-11E9-81B4-2A2AE2DBCCE4"
)

// ChannelNames describes the characteristics for logs.
var ChannelNames = map[string]string{
	DataService:      "data service",
	PatchControl:     "patch control",
	PatchStatus:      "patch status",
	OneMinuteReading: "one-minute reading",
	HistoricalData:   "historical data",
	ClinicalData:     "clinical data",
	EventLog:         "event log",
	FactoryData:      "factory data",
	SecurityService:  "security service",
	SecurityCommands: "security commands",
	ChallengeData:    "challenge data",
	CertificateData:  "certificate data",
	DebugService:     "debug service",
}

// DataChannels are subscribed once the session is established, patch
// status first and the one-minute reading last.
var DataChannels = []string{
	PatchControl,
	EventLog,
	HistoricalData,
	ClinicalData,
	FactoryData,
	PatchStatus,
	OneMinuteReading,
}

// PacketType selects the nonce descriptor of an encrypted packet.
type PacketType int

const (
	PacketControlCommand PacketType = iota
	PacketControlResponse
	PacketPatchStatus
	PacketCurrentGlucose
	PacketBackfillHistoric
	PacketBackfillClinical
	PacketEventLog
	PacketFactoryData
)

var packetDescriptors = [...][3]byte{
	{0x00, 0x00, 0x00},
	{0x00, 0x00, 0x0F},
	{0x00, 0x00, 0xF0},
	{0x00, 0x0F, 0x00},
	{0x00, 0xF0, 0x00},
	{0x0F, 0x00, 0x00},
	{0xF0, 0x00, 0x00},
	{0x44, 0x00, 0x00},
}

// Descriptor returns the 3-byte nonce descriptor of t.
func (t PacketType) Descriptor() [3]byte {
	if t < 0 || int(t) >= len(packetDescriptors) {
		return [3]byte{}
	}
	return packetDescriptors[t]
}

// PacketTypeOf maps a notifying characteristic to its packet type.
func PacketTypeOf(channel string) (PacketType, bool) {
	switch channel {
	case PatchControl:
		return PacketControlResponse, true
	case PatchStatus:
		return PacketPatchStatus, true
	case OneMinuteReading:
		return PacketCurrentGlucose, true
	case HistoricalData:
		return PacketBackfillHistoric, true
	case ClinicalData:
		return PacketBackfillClinical, true
	case EventLog:
		return PacketEventLog, true
	case FactoryData:
		return PacketFactoryData, true
	}
	return 0, false
}
