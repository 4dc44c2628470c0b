package dexcom

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/glucolink/cgm-engine/pkg/checksum"
	"github.com/glucolink/cgm-engine/pkg/glucose"
)

// ErrShortMessage is returned when a reply is shorter than its layout.
var ErrShortMessage = errors.New("dexcom: message too short")

// ReadingInterval is the spacing of Dexcom readings; reading ids count
// intervals since activation.
const ReadingInterval = 5 * time.Minute

// notComputable marks a missing trend byte.
const notComputable = 0x7F

var le = binary.LittleEndian

func need(msg []byte, n int, what string) error {
	if len(msg) < n {
		return fmt.Errorf("%w: %s of %d bytes, want %d", ErrShortMessage, what, len(msg), n)
	}
	return nil
}

func seconds(v uint32) time.Duration { return time.Duration(v) * time.Second }

func readingID(timestamp uint32) int { return int(seconds(timestamp) / ReadingInterval) }

// trendOf maps a rate in mg/dL per minute onto the shared arrows.
func trendOf(rate float64) glucose.TrendArrow {
	switch {
	case rate <= -2:
		return glucose.TrendFallingQuickly
	case rate <= -1:
		return glucose.TrendFalling
	case rate < 1:
		return glucose.TrendStable
	case rate < 2:
		return glucose.TrendRising
	}
	return glucose.TrendRisingQuickly
}

func reading(timestamp uint32, activation time.Time, value int, rate *float64, state AlgorithmState) glucose.Glucose {
	g := glucose.Calibrated(readingID(timestamp), activation.Add(seconds(timestamp)), value)
	g.Source = "dexcom"
	if rate != nil {
		g.RateOfChange = *rate
		g.Trend = trendOf(*rate)
	}
	if state != AlgorithmOK {
		g.QualityFlags = int(state)
	}
	return g
}

// TransmitterTime is the G6 clock reply.
type TransmitterTime struct {
	Status       byte          `json:"status"`
	Age          time.Duration `json:"age"`
	SessionStart time.Duration `json:"sessionStart"`
	CRCValid     bool          `json:"crcValid"`
}

// ParseTransmitterTime decodes a 0x25 reply.
func ParseTransmitterTime(msg []byte) (TransmitterTime, error) {
	if err := need(msg, 16, "transmitter time"); err != nil {
		return TransmitterTime{}, err
	}
	return TransmitterTime{
		Status:       msg[1],
		Age:          seconds(le.Uint32(msg[2:6])),
		SessionStart: seconds(le.Uint32(msg[6:10])),
		CRCValid:     checksum.VerifyXModemTrailer(msg),
	}, nil
}

// ActivationDate is when the transmitter clock started.
func (t TransmitterTime) ActivationDate(now time.Time) time.Time {
	return now.Add(-t.Age)
}

// SensorActivation is when the current sensor session started.
func (t TransmitterTime) SensorActivation(now time.Time) time.Time {
	return t.ActivationDate(now).Add(t.SessionStart)
}

// G6Glucose is the G6 and ONE glucose reply.
type G6Glucose struct {
	Status         byte           `json:"status"`
	Sequence       uint32         `json:"sequence"`
	Timestamp      uint32         `json:"timestamp"`
	Value          int            `json:"value"`
	DisplayOnly    bool           `json:"displayOnly"`
	State          AlgorithmState `json:"state"`
	Trend          int8           `json:"trend"`
	PredictedValue *int           `json:"predictedValue,omitempty"`
	CRCValid       bool           `json:"crcValid"`
}

// ParseG6Glucose decodes a 0x4F reply.
func ParseG6Glucose(msg []byte) (G6Glucose, error) {
	if err := need(msg, 16, "glucose"); err != nil {
		return G6Glucose{}, err
	}
	raw := le.Uint16(msg[10:12])
	g := G6Glucose{
		Status:      msg[1],
		Sequence:    le.Uint32(msg[2:6]),
		Timestamp:   le.Uint32(msg[6:10]),
		Value:       int(raw & 0x0FFF),
		DisplayOnly: raw&0xF000 != 0,
		State:       AlgorithmState(msg[12]),
		Trend:       int8(msg[13]),
		CRCValid:    checksum.VerifyXModemTrailer(msg),
	}
	if p := le.Uint16(msg[14:16]); p != 0xFFFF {
		v := int(p & 0x0FFF)
		g.PredictedValue = &v
	}
	return g, nil
}

// Reading dates the reply against the transmitter activation.
func (g G6Glucose) Reading(activation time.Time) glucose.Glucose {
	var rate *float64
	if g.Trend != notComputable {
		r := float64(g.Trend)
		rate = &r
	}
	return reading(g.Timestamp, activation, g.Value, rate, g.State)
}

// G6Bounds is the G6 calibration data reply.
type G6Bounds struct {
	Weight              byte          `json:"weight"`
	CalBoundError1      uint16        `json:"calBoundError1"`
	CalBoundError0      uint16        `json:"calBoundError0"`
	CalBoundMin         uint16        `json:"calBoundMin"`
	CalBoundMax         uint16        `json:"calBoundMax"`
	LastBGValue         uint16        `json:"lastBGValue"`
	LastCalibrationTime time.Duration `json:"lastCalibrationTime"`
	AutoCalibration     bool          `json:"autoCalibration"`
	CRCValid            bool          `json:"crcValid"`
}

// ParseG6Bounds decodes a 0x33 reply.
func ParseG6Bounds(msg []byte) (G6Bounds, error) {
	if err := need(msg, 20, "calibration data"); err != nil {
		return G6Bounds{}, err
	}
	return G6Bounds{
		Weight:              msg[2],
		CalBoundError1:      le.Uint16(msg[3:5]),
		CalBoundError0:      le.Uint16(msg[5:7]),
		CalBoundMin:         le.Uint16(msg[7:9]),
		CalBoundMax:         le.Uint16(msg[9:11]),
		LastBGValue:         le.Uint16(msg[11:13]),
		LastCalibrationTime: seconds(le.Uint32(msg[13:17])),
		AutoCalibration:     msg[17] == 1,
		CRCValid:            checksum.VerifyXModemTrailer(msg[:20]),
	}, nil
}

// G6Backfill is the summary closing a G6 backfill stream.
type G6Backfill struct {
	Status         byte   `json:"status"`
	BackfillStatus byte   `json:"backfillStatus"`
	Identifier     byte   `json:"identifier"`
	StartTime      uint32 `json:"startTime"`
	EndTime        uint32 `json:"endTime"`
	BufferLength   uint32 `json:"bufferLength"`
	BufferCRC      uint16 `json:"bufferCrc"`
	CRCValid       bool   `json:"crcValid"`
}

// ParseG6Backfill decodes a 0x51 reply from a G6 or ONE.
func ParseG6Backfill(msg []byte) (G6Backfill, error) {
	if err := need(msg, 20, "backfill"); err != nil {
		return G6Backfill{}, err
	}
	return G6Backfill{
		Status:         msg[1],
		BackfillStatus: msg[2],
		Identifier:     msg[3],
		StartTime:      le.Uint32(msg[4:8]),
		EndTime:        le.Uint32(msg[8:12]),
		BufferLength:   le.Uint32(msg[12:16]),
		BufferCRC:      le.Uint16(msg[16:18]),
		CRCValid:       checksum.VerifyXModemTrailer(msg[:20]),
	}, nil
}

// DecodeG6Backfill unpacks a G6 backfill buffer: 20-byte frames with a
// 2-byte header, a 4-byte stream header, then 8-byte records.
func DecodeG6Backfill(buffer []byte, activation time.Time) []glucose.Glucose {
	var data []byte
	for off := 0; off < len(buffer); off += 20 {
		end := off + 20
		if end > len(buffer) {
			end = len(buffer)
		}
		if end-off > 2 {
			data = append(data, buffer[off+2:end]...)
		}
	}
	if len(data) < 4 {
		return nil
	}
	data = data[4:]

	history := make([]glucose.Glucose, 0, len(data)/8)
	for i := 0; i+8 <= len(data); i += 8 {
		rec := data[i : i+8]
		raw := le.Uint16(rec[4:6])
		rate := float64(int8(rec[7]))
		history = append(history, reading(le.Uint32(rec[0:4]), activation, int(raw&0x0FFF), &rate, AlgorithmState(rec[6])))
	}
	return history
}

// Battery is the battery status reply of either generation.
type Battery struct {
	Status      byte `json:"status"`
	VoltageA    int  `json:"voltageA"`
	VoltageB    int  `json:"voltageB"`
	RuntimeDays int  `json:"runtimeDays"`
	Temperature int  `json:"temperature"`
}

// ParseBattery decodes a 0x22 (G7) or 0x23 (G6) reply.
func ParseBattery(msg []byte) (Battery, error) {
	if err := need(msg, 8, "battery status"); err != nil {
		return Battery{}, err
	}
	return Battery{
		Status:      msg[1],
		VoltageA:    int(le.Uint16(msg[2:4])),
		VoltageB:    int(le.Uint16(msg[4:6])),
		RuntimeDays: int(msg[6]),
		Temperature: int(msg[7]),
	}, nil
}

func firmware(b []byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

// Version is the transmitter version reply. G7 replies also carry the
// silicon version and serial number.
type Version struct {
	Status         byte   `json:"status"`
	Firmware       string `json:"firmware"`
	SoftwareNumber uint32 `json:"softwareNumber"`
	SiliconVersion uint32 `json:"siliconVersion,omitempty"`
	Serial         string `json:"serial,omitempty"`
	CRCValid       bool   `json:"crcValid"`
}

// ParseVersion decodes a 0x4B (G6) or 0x4A (G7) reply.
func ParseVersion(msg []byte, g7 bool) (Version, error) {
	if g7 {
		if err := need(msg, 20, "transmitter version"); err != nil {
			return Version{}, err
		}
		var serial uint64
		for i := 5; i >= 0; i-- {
			serial = serial<<8 | uint64(msg[14+i])
		}
		return Version{
			Status:         msg[1],
			Firmware:       firmware(msg[2:6]),
			SoftwareNumber: le.Uint32(msg[6:10]),
			SiliconVersion: le.Uint32(msg[10:14]),
			Serial:         fmt.Sprintf("%d", serial),
			CRCValid:       true,
		}, nil
	}
	if err := need(msg, 19, "transmitter version"); err != nil {
		return Version{}, err
	}
	return Version{
		Status:         msg[1],
		Firmware:       firmware(msg[2:6]),
		SoftwareNumber: le.Uint32(msg[6:10]),
		CRCValid:       checksum.VerifyXModemTrailer(msg[:19]),
	}, nil
}

// VersionExtended is the extended version reply.
type VersionExtended struct {
	Status           byte          `json:"status"`
	SessionLength    time.Duration `json:"sessionLength"`
	WarmupLength     time.Duration `json:"warmupLength,omitempty"`
	AlgorithmVersion uint32        `json:"algorithmVersion,omitempty"`
	HardwareVersion  int           `json:"hardwareVersion,omitempty"`
	MaxLifetimeDays  int           `json:"maxLifetimeDays,omitempty"`
	CRCValid         bool          `json:"crcValid"`
}

// MaxLife returns the session length in minutes, grace period included.
func (v VersionExtended) MaxLife() int { return int(v.SessionLength / time.Minute) }

// ParseVersionExtended decodes a 0x53 (G6) or 0x52 (G7) reply.
func ParseVersionExtended(msg []byte, g7 bool) (VersionExtended, error) {
	if g7 {
		if err := need(msg, 15, "extended version"); err != nil {
			return VersionExtended{}, err
		}
		return VersionExtended{
			Status:           msg[1],
			SessionLength:    seconds(le.Uint32(msg[2:6])),
			WarmupLength:     seconds(uint32(le.Uint16(msg[6:8]))),
			AlgorithmVersion: le.Uint32(msg[8:12]),
			HardwareVersion:  int(msg[12]),
			MaxLifetimeDays:  int(le.Uint16(msg[13:15])),
			CRCValid:         true,
		}, nil
	}
	if err := need(msg, 19, "extended version"); err != nil {
		return VersionExtended{}, err
	}
	return VersionExtended{
		Status:        msg[1],
		SessionLength: time.Duration(msg[2]) * 24 * time.Hour,
		CRCValid:      checksum.VerifyXModemTrailer(msg[:19]),
	}, nil
}

// EGV is the G7 estimated glucose value reply.
type EGV struct {
	Status         ResponseCode   `json:"status"`
	TxTime         uint32         `json:"txTime"`
	Sequence       uint16         `json:"sequence"`
	Age            uint16         `json:"age"`
	Value          *int           `json:"value,omitempty"`
	DisplayOnly    bool           `json:"displayOnly"`
	State          AlgorithmState `json:"state"`
	Trend          *float64       `json:"trend,omitempty"`
	PredictedValue *int           `json:"predictedValue,omitempty"`
	Calibration    byte           `json:"calibration"`
}

// ParseEGV decodes a G7 0x4E reply.
func ParseEGV(msg []byte) (EGV, error) {
	if err := need(msg, 19, "EGV"); err != nil {
		return EGV{}, err
	}
	e := EGV{
		Status:      ResponseCode(msg[1]),
		TxTime:      le.Uint32(msg[2:6]),
		Sequence:    le.Uint16(msg[6:8]),
		Age:         le.Uint16(msg[10:12]),
		State:       AlgorithmState(msg[14]),
		Calibration: msg[18],
	}
	if raw := le.Uint16(msg[12:14]); raw != 0xFFFF {
		v := int(raw & 0x0FFF)
		e.Value = &v
		e.DisplayOnly = msg[18]&0x10 != 0
	}
	if msg[15] != notComputable {
		t := float64(int8(msg[15])) / 10
		e.Trend = &t
	}
	if p := le.Uint16(msg[16:18]); p != 0xFFFF {
		v := int(p & 0x0FFF)
		e.PredictedValue = &v
	}
	return e, nil
}

// Timestamp is the reading time in seconds since activation.
func (e EGV) Timestamp() uint32 { return e.TxTime - uint32(e.Age) }

// ActivationDate is when the transmitter clock started, given the time
// the reply arrived.
func (e EGV) ActivationDate(now time.Time) time.Time {
	return now.Add(-seconds(e.TxTime))
}

// Reading dates the value; a missing value yields glucose.NoData.
func (e EGV) Reading(activation time.Time) glucose.Glucose {
	value := glucose.NoData
	if e.Value != nil {
		value = *e.Value
	}
	return reading(e.Timestamp(), activation, value, e.Trend, e.State)
}

// CalibrationBounds is the G7 calibration bounds reply.
type CalibrationBounds struct {
	Status                   ResponseCode                `json:"status"`
	SessionNumber            byte                        `json:"sessionNumber"`
	SessionSignature         uint32                      `json:"sessionSignature"`
	LastBGValue              uint16                      `json:"lastBGValue"`
	LastCalibrationTime      time.Duration               `json:"lastCalibrationTime"`
	ProcessingStatus         CalibrationProcessingStatus `json:"processingStatus"`
	CalibrationsPermitted    bool                        `json:"calibrationsPermitted"`
	LastBGDisplay            DisplayType                 `json:"lastBGDisplay"`
	LastProcessingUpdateTime time.Duration               `json:"lastProcessingUpdateTime"`
}

// ParseCalibrationBounds decodes a G7 0x32 reply.
func ParseCalibrationBounds(msg []byte) (CalibrationBounds, error) {
	if err := need(msg, 20, "calibration bounds"); err != nil {
		return CalibrationBounds{}, err
	}
	return CalibrationBounds{
		Status:                   ResponseCode(msg[1]),
		SessionNumber:            msg[2],
		SessionSignature:         le.Uint32(msg[3:7]),
		LastBGValue:              le.Uint16(msg[7:9]),
		LastCalibrationTime:      seconds(le.Uint32(msg[9:13])),
		ProcessingStatus:         CalibrationProcessingStatus(msg[13]),
		CalibrationsPermitted:    msg[14] != 0,
		LastBGDisplay:            DisplayType(msg[15]),
		LastProcessingUpdateTime: seconds(le.Uint32(msg[16:20])),
	}, nil
}

// Diagnostic is the G7 summary closing a diagnostic data stream.
type Diagnostic struct {
	Status       ResponseCode `json:"status"`
	Result       byte         `json:"result"`
	BufferLength uint32       `json:"bufferLength"`
	BufferCRC    uint16       `json:"bufferCrc"`
	StartTime    uint32       `json:"startTime"`
	EndTime      uint32       `json:"endTime"`
}

// ParseDiagnostic decodes a G7 0x51 reply.
func ParseDiagnostic(msg []byte) (Diagnostic, error) {
	if err := need(msg, 17, "diagnostic data"); err != nil {
		return Diagnostic{}, err
	}
	return Diagnostic{
		Status:       ResponseCode(msg[1]),
		Result:       msg[2],
		BufferLength: le.Uint32(msg[3:7]),
		BufferCRC:    le.Uint16(msg[7:9]),
		StartTime:    le.Uint32(msg[9:13]),
		EndTime:      le.Uint32(msg[13:17]),
	}, nil
}

// BackfillSummary is the G7 reply closing an EGV backfill stream.
type BackfillSummary struct {
	Status         ResponseCode `json:"status"`
	Result         byte         `json:"result"`
	Length         uint32       `json:"length"`
	CRC            uint16       `json:"crc"`
	FirstSequence  uint16       `json:"firstSequence"`
	FirstTimestamp uint32       `json:"firstTimestamp"`
	LastTimestamp  uint32       `json:"lastTimestamp"`
}

// ParseBackfillSummary decodes a G7 0x59 reply.
func ParseBackfillSummary(msg []byte) (BackfillSummary, error) {
	if err := need(msg, 19, "backfill"); err != nil {
		return BackfillSummary{}, err
	}
	return BackfillSummary{
		Status:         ResponseCode(msg[1]),
		Result:         msg[2],
		Length:         le.Uint32(msg[3:7]),
		CRC:            le.Uint16(msg[7:9]),
		FirstSequence:  le.Uint16(msg[9:11]),
		FirstTimestamp: le.Uint32(msg[11:15]),
		LastTimestamp:  le.Uint32(msg[15:19]),
	}, nil
}

// G7BackfillRecordSize is the size of one G7 backfill record.
const G7BackfillRecordSize = 9

// DecodeG7Backfill unpacks 9-byte G7 backfill records, skipping records
// without a value.
func DecodeG7Backfill(buffer []byte, activation time.Time) []glucose.Glucose {
	history := make([]glucose.Glucose, 0, len(buffer)/G7BackfillRecordSize)
	for i := 0; i+G7BackfillRecordSize <= len(buffer); i += G7BackfillRecordSize {
		rec := buffer[i : i+G7BackfillRecordSize]
		raw := le.Uint16(rec[4:6])
		if raw == 0xFFFF {
			continue
		}
		var rate *float64
		if rec[8] != notComputable {
			r := float64(int8(rec[8])) / 10
			rate = &r
		}
		history = append(history, reading(le.Uint32(rec[0:4]), activation, int(raw&0x0FFF), rate, AlgorithmState(rec[6])))
	}
	return history
}

// EncryptionInfo is the G7 reply closing an encryption info stream.
type EncryptionInfo struct {
	Status       ResponseCode   `json:"status"`
	BufferLength uint32         `json:"bufferLength"`
	StreamType   DataStreamType `json:"streamType"`
}

// ParseEncryptionInfo decodes a 0x38 reply and the buffer it closes.
func ParseEncryptionInfo(msg, buffer []byte) (EncryptionInfo, error) {
	if err := need(msg, 6, "encryption info"); err != nil {
		return EncryptionInfo{}, err
	}
	info := EncryptionInfo{
		Status:       ResponseCode(msg[1]),
		BufferLength: le.Uint32(msg[2:6]),
	}
	if len(buffer) > 0 {
		info.StreamType = DataStreamType(buffer[0])
	}
	return info, nil
}

// BLEControl is a bleControl reply, told apart by its length.
type BLEControl struct {
	Status      ResponseCode `json:"status"`
	MaxDevices  int          `json:"maxDevices,omitempty"`
	StreamSize  uint32       `json:"streamSize,omitempty"`
	StreamSpeed int          `json:"streamSpeed,omitempty"`
}

// ParseBLEControl decodes a 0xEA reply: 17 bytes for the whitelist, 6
// for the stream size and 3 for the stream speed.
func ParseBLEControl(msg []byte) (BLEControl, error) {
	if err := need(msg, 2, "BLE control"); err != nil {
		return BLEControl{}, err
	}
	c := BLEControl{Status: ResponseCode(msg[1])}
	switch len(msg) {
	case 17:
		c.MaxDevices = int(msg[2])
	case 6:
		c.StreamSize = le.Uint32(msg[2:6])
	case 3:
		c.StreamSpeed = int(msg[2])
	}
	return c, nil
}
