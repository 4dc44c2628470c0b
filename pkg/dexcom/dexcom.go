// Package dexcom implements the Dexcom G6, ONE and G7 authentication
// handshakes and the control and backfill message decoders.
package dexcom

import "fmt"

// Characteristics of the Dexcom data service.
const (
	Advertisement  = "FEBC"
	DataService    = "F8083532-849E-531C-C594-30F1F86A4EA5"
	Communication  = "F8083533-849E-531C-C594-30F1F86A4EA5"
	Control        = "F8083534-849E-531C-C594-30F1F86A4EA5"
	Authentication = "F8083535-849E-531C-C594-30F1F86A4EA5"
	Backfill       = "F8083536-849E-531C-C594-30F1F86A4EA5"
	Unknown1       = "F8083537-849E-531C-C594-30F1F86A4EA5"
	JPake          = "F8083538-849E-531C-C594-30F1F86A4EA5"
)

// ChannelNames describes the characteristics for logs.
var ChannelNames = map[string]string{
	Advertisement:  "advertisement",
	DataService:    "data service",
	Communication:  "communication",
	Control:        "control",
	Authentication: "authentication",
	Backfill:       "backfill",
	Unknown1:       "unknown 1",
	JPake:          "J-PAKE",
}

// Opcode is the first byte of every control and authentication message.
// G6 and G7 reuse some values with different meanings; the G7 names are
// aliases below.
type Opcode byte

const (
	OpUnknown                    Opcode = 0x00
	OpAuthRequestTx              Opcode = 0x01
	OpAuthRequest2Tx             Opcode = 0x02
	OpAuthRequestRx              Opcode = 0x03
	OpAuthChallengeTx            Opcode = 0x04
	OpAuthChallengeRx            Opcode = 0x05
	OpKeepAlive                  Opcode = 0x06
	OpBondRequest                Opcode = 0x07
	OpPairRequestRx              Opcode = 0x08
	OpDisconnectTx               Opcode = 0x09
	OpExchangePakePayload        Opcode = 0x0A
	OpCertificateExchange        Opcode = 0x0B
	OpProofOfPossession          Opcode = 0x0C
	OpAuthStatus                 Opcode = 0x0D
	OpEncryptionStatus           Opcode = 0x0F
	OpAppLevelKeyAcceptedTx      Opcode = 0x10
	OpSetAdvertisementParamsRx   Opcode = 0x1C
	OpFirmwareVersionTx          Opcode = 0x20
	OpFirmwareVersionRx          Opcode = 0x21
	OpBatteryStatusTx            Opcode = 0x22
	OpBatteryStatusRx            Opcode = 0x23
	OpTransmitterTimeTx          Opcode = 0x24
	OpTransmitterTimeRx          Opcode = 0x25
	OpSessionStartTx             Opcode = 0x26
	OpSessionStartRx             Opcode = 0x27
	OpSessionStopTx              Opcode = 0x28
	OpSessionStopRx              Opcode = 0x29
	OpSensorDataTx               Opcode = 0x2E
	OpSensorDataRx               Opcode = 0x2F
	OpGlucoseTx                  Opcode = 0x30
	OpGlucoseRx                  Opcode = 0x31
	OpCalibrationDataTx          Opcode = 0x32
	OpCalibrationDataRx          Opcode = 0x33
	OpCalibrateGlucoseTx         Opcode = 0x34
	OpCalibrateGlucoseRx         Opcode = 0x35
	OpEncryptionInfo             Opcode = 0x38
	OpGlucoseHistoryTx           Opcode = 0x3E
	OpResetTx                    Opcode = 0x42
	OpResetRx                    Opcode = 0x43
	OpTransmitterVersionTx       Opcode = 0x4A
	OpTransmitterVersionRx       Opcode = 0x4B
	OpGlucoseG6Tx                Opcode = 0x4E
	OpGlucoseG6Rx                Opcode = 0x4F
	OpGlucoseBackfillTx          Opcode = 0x50
	OpGlucoseBackfillRx          Opcode = 0x51
	OpTransmitterVersionExtended Opcode = 0x52
	OpTransmitterVersionExtRx    Opcode = 0x53
	OpBackfillFinished           Opcode = 0x59
	OpBLEControl                 Opcode = 0xEA
	OpKeepAliveRx                Opcode = 0xFF
)

// G7 names of the shared opcodes.
const (
	OpTxIDChallenge     = OpAuthRequestTx
	OpAppKeyChallenge   = OpAuthRequest2Tx
	OpChallengeReply    = OpAuthRequestRx
	OpHashFromDisplay   = OpAuthChallengeTx
	OpStatusReply       = OpAuthChallengeRx
	OpEGV               = OpGlucoseG6Tx
	OpCalibrationBounds = OpCalibrationDataTx
	OpDiagnosticData    = OpGlucoseBackfillRx
	OpBackfill          = OpBackfillFinished
)

var opcodeNames = map[Opcode]string{
	OpAuthRequestTx:              "authRequestTx",
	OpAuthRequest2Tx:             "authRequest2Tx",
	OpAuthRequestRx:              "authRequestRx",
	OpAuthChallengeTx:            "authChallengeTx",
	OpAuthChallengeRx:            "authChallengeRx",
	OpKeepAlive:                  "keepAlive",
	OpBondRequest:                "bondRequest",
	OpPairRequestRx:              "pairRequestRx",
	OpDisconnectTx:               "disconnectTx",
	OpExchangePakePayload:        "exchangePakePayload",
	OpCertificateExchange:        "certificateExchange",
	OpProofOfPossession:          "proofOfPossession",
	OpAuthStatus:                 "authStatus",
	OpEncryptionStatus:           "encryptionStatus",
	OpAppLevelKeyAcceptedTx:      "appLevelKeyAcceptedTx",
	OpSetAdvertisementParamsRx:   "setAdvertisementParametersRx",
	OpFirmwareVersionTx:          "firmwareVersionTx",
	OpFirmwareVersionRx:          "firmwareVersionRx",
	OpBatteryStatusTx:            "batteryStatusTx",
	OpBatteryStatusRx:            "batteryStatusRx",
	OpTransmitterTimeTx:          "transmitterTimeTx",
	OpTransmitterTimeRx:          "transmitterTimeRx",
	OpSessionStartTx:             "sessionStartTx",
	OpSessionStartRx:             "sessionStartRx",
	OpSessionStopTx:              "sessionStopTx",
	OpSessionStopRx:              "sessionStopRx",
	OpSensorDataTx:               "sensorDataTx",
	OpSensorDataRx:               "sensorDataRx",
	OpGlucoseTx:                  "glucoseTx",
	OpGlucoseRx:                  "glucoseRx",
	OpCalibrationDataTx:          "calibrationDataTx",
	OpCalibrationDataRx:          "calibrationDataRx",
	OpCalibrateGlucoseTx:         "calibrateGlucoseTx",
	OpCalibrateGlucoseRx:         "calibrateGlucoseRx",
	OpEncryptionInfo:             "encryptionInfo",
	OpGlucoseHistoryTx:           "glucoseHistoryTx",
	OpResetTx:                    "resetTx",
	OpResetRx:                    "resetRx",
	OpTransmitterVersionTx:       "transmitterVersionTx",
	OpTransmitterVersionRx:       "transmitterVersionRx",
	OpGlucoseG6Tx:                "glucoseG6Tx",
	OpGlucoseG6Rx:                "glucoseG6Rx",
	OpGlucoseBackfillTx:          "glucoseBackfillTx",
	OpGlucoseBackfillRx:          "glucoseBackfillRx",
	OpTransmitterVersionExtended: "transmitterVersionExtended",
	OpTransmitterVersionExtRx:    "transmitterVersionExtendedRx",
	OpBackfillFinished:           "backfillFinished",
	OpBLEControl:                 "bleControl",
	OpKeepAliveRx:                "keepAliveRx",
}

func (o Opcode) String() string {
	if n, ok := opcodeNames[o]; ok {
		return n
	}
	return fmt.Sprintf("unknown (0x%02x)", byte(o))
}

// AlgorithmState is the calibration algorithm state reported with each
// reading.
type AlgorithmState byte

var algorithmStates = []string{
	"none",
	"session stopped",
	"sensor warmup",
	"excess noise",
	"first of two BGs needed",
	"second of two BGs needed",
	"OK",
	"needs calibration",
	"calibration error 1",
	"calibration error 2",
	"calibration linearity fit failure",
	"sensor failed due to counts aberration",
	"sensor failed due to residual aberration",
	"out of calibration due to outlier",
	"outlier calibration request",
	"session expired",
	"session failed due to unrecoverable error",
	"session failed due to transmitter error",
	"temporary sensor issue",
	"sensor failed due to progressive sensor decline",
	"sensor failed due to high counts aberration",
	"sensor failed due to low counts aberration",
	"sensor failed due to restart",
}

// AlgorithmOK is the state of a usable reading.
const AlgorithmOK AlgorithmState = 0x06

func (s AlgorithmState) String() string {
	if int(s) < len(algorithmStates) {
		return algorithmStates[s]
	}
	return fmt.Sprintf("unknown (0x%02x)", byte(s))
}

// ResponseCode is the G7 transmitter status byte following the opcode.
type ResponseCode byte

var responseCodes = []string{
	"success", "not permitted", "not found", "io error", "bad handle",
	"try later", "out of memory", "no access", "segfault", "busy",
	"bad argument", "no space", "bad range", "not implemented", "timeout",
	"protocol error", "unexpected error",
}

func (c ResponseCode) String() string {
	if int(c) < len(responseCodes) {
		return responseCodes[c]
	}
	return "unknown"
}

// CalibrationProcessingStatus is reported by G7 calibration bounds.
type CalibrationProcessingStatus byte

const (
	CalibrationNone CalibrationProcessingStatus = iota
	CalibrationFactory
	CalibrationInProgress
	CalibrationCompleteHigh
	CalibrationCompleteLow
)

func (s CalibrationProcessingStatus) String() string {
	switch s {
	case CalibrationNone:
		return "none"
	case CalibrationFactory:
		return "factory calibrated"
	case CalibrationInProgress:
		return "in progress"
	case CalibrationCompleteHigh:
		return "complete high"
	case CalibrationCompleteLow:
		return "complete low"
	}
	return "unknown"
}

// DisplayType identifies the device that entered a calibration.
type DisplayType byte

var displayTypes = []string{
	"unknown", "medical", "phone", "watch", "receiver", "pump", "reader",
	"tool", "other", "transmitter", "router",
}

func (d DisplayType) String() string {
	if int(d) < len(displayTypes) {
		return displayTypes[d]
	}
	return "unknown"
}

// PakePhase numbers the three J-PAKE rounds.
type PakePhase byte

const (
	PakePhaseZero PakePhase = iota
	PakePhaseOne
	PakePhaseTwo
)

// DataStreamType leads an encryption info or diagnostic buffer.
type DataStreamType byte

const (
	StreamManifest DataStreamType = iota
	StreamPrivate
	StreamEncryptionInfo
	StreamBackfill
)

func (t DataStreamType) String() string {
	switch t {
	case StreamManifest:
		return "manifest data"
	case StreamPrivate:
		return "private data"
	case StreamEncryptionInfo:
		return "encryption info"
	case StreamBackfill:
		return "backfill"
	}
	return "unknown"
}
