package libre3

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/glucolink/cgm-engine/pkg/glucose"
	"github.com/glucolink/cgm-engine/pkg/reassembly"
)

// One-minute readings arrive as 15 + 20 bytes: a 33-byte sealed payload
// and a 2-byte sequence.
const (
	ReadingPacketSize    = 35
	ReadingFirstSize     = 15
	GlucoseDataSize      = 29
	PatchStatusSize      = 12
	HistoricLatency      = 17
	HistoricInterval     = 5
	DQErrorDQ            = 0x8000
	DQErrorSensorTooHot  = 0xA000
	DQErrorSensorTooCold = 0xC000
)

// NewReadingAssembler returns the reassembler for OneMinuteReading.
func NewReadingAssembler() *reassembly.Fixed {
	return reassembly.NewFixed(ReadingPacketSize, ReadingFirstSize)
}

// Condition is the sensor condition reported with a reading.
type Condition int

const (
	ConditionOK Condition = iota
	ConditionInvalid
	ConditionESA
)

func (c Condition) String() string {
	switch c {
	case ConditionOK:
		return "OK"
	case ConditionInvalid:
		return "invalid"
	case ConditionESA:
		return "ESA"
	}
	return fmt.Sprintf("condition %d", int(c))
}

// GlucoseData is a decrypted one-minute reading.
type GlucoseData struct {
	LifeCount            uint16 `json:"lifeCount"`
	ReadingMgDl          uint16 `json:"readingMgDl"`
	RateOfChange         int16  `json:"rateOfChange"`
	ESADuration          uint16 `json:"esaDuration"`
	ProjectedGlucose     uint16 `json:"projectedGlucose"`
	HistoricalLifeCount  uint16 `json:"historicalLifeCount"`
	HistoricalReading    uint16 `json:"historicalReading"`
	Trend                int    `json:"trend"`
	Status               int    `json:"status"`
	UncappedCurrentMgDl  uint16 `json:"uncappedCurrentMgDl"`
	UncappedHistoricMgDl uint16 `json:"uncappedHistoricMgDl"`
	Temperature          uint16 `json:"temperature"`
	FastData             []byte `json:"fastData"`
}

// ParseGlucoseData decodes the 29-byte plaintext of a one-minute reading.
func ParseGlucoseData(b []byte) (GlucoseData, error) {
	if len(b) < GlucoseDataSize {
		return GlucoseData{}, fmt.Errorf("libre3: glucose data of %d bytes", len(b))
	}
	le := binary.LittleEndian
	return GlucoseData{
		LifeCount:            le.Uint16(b[0:2]),
		ReadingMgDl:          le.Uint16(b[2:4]),
		RateOfChange:         int16(le.Uint16(b[4:6])),
		ESADuration:          le.Uint16(b[6:8]),
		ProjectedGlucose:     le.Uint16(b[8:10]),
		HistoricalLifeCount:  le.Uint16(b[10:12]),
		HistoricalReading:    le.Uint16(b[12:14]),
		Trend:                int(b[14] & 0x07),
		Status:               int(b[14] >> 3),
		UncappedCurrentMgDl:  le.Uint16(b[15:17]),
		UncappedHistoricMgDl: le.Uint16(b[17:19]),
		Temperature:          le.Uint16(b[19:21]),
		FastData:             append([]byte(nil), b[21:29]...),
	}, nil
}

// Readings converts the reading into the current value and the latest
// historic value, dated relative to readAt.
func (d GlucoseData) Readings(readAt time.Time) []glucose.Glucose {
	current := glucose.Calibrated(int(d.LifeCount), readAt, int(d.ReadingMgDl))
	current.Trend = glucose.TrendArrowOf(d.Trend)
	current.RateOfChange = float64(d.RateOfChange)
	current.Source = "libre3"

	age := time.Duration(int(d.LifeCount)-int(d.HistoricalLifeCount)) * time.Minute
	historic := glucose.Calibrated(int(d.HistoricalLifeCount), readAt.Add(-age), int(d.HistoricalReading))
	historic.Source = "libre3"
	return []glucose.Glucose{current, historic}
}

// PatchStatusData is a decrypted patch status notification.
type PatchStatusData struct {
	LifeCount             uint16     `json:"lifeCount"`
	ErrorData             uint16     `json:"errorData"`
	EventData             uint16     `json:"eventData"`
	Index                 byte       `json:"index"`
	PatchState            PatchState `json:"patchState"`
	CurrentLifeCount      uint16     `json:"currentLifeCount"`
	StackDisconnectReason byte       `json:"stackDisconnectReason"`
	AppDisconnectReason   byte       `json:"appDisconnectReason"`
}

// ParsePatchStatus decodes the 12-byte plaintext of a patch status.
func ParsePatchStatus(b []byte) (PatchStatusData, error) {
	if len(b) < PatchStatusSize {
		return PatchStatusData{}, fmt.Errorf("libre3: patch status of %d bytes", len(b))
	}
	le := binary.LittleEndian
	return PatchStatusData{
		LifeCount:             le.Uint16(b[0:2]),
		ErrorData:             le.Uint16(b[2:4]),
		EventData:             le.Uint16(b[4:6]),
		Index:                 b[6],
		PatchState:            PatchState(b[7]),
		CurrentLifeCount:      le.Uint16(b[8:10]),
		StackDisconnectReason: b[10],
		AppDisconnectReason:   b[11],
	}, nil
}

// HistoricLifeCount rounds a life count to the historic record it will
// be stored under.
func HistoricLifeCount(lifeCount int) int {
	n := lifeCount - HistoricLatency - 2
	if n < 0 {
		return 0
	}
	return (n + HistoricInterval/2) / HistoricInterval * HistoricInterval
}
