// Package glucose holds the reading records produced by every decoder.
package glucose

import (
	"fmt"
	"time"
)

// NoData marks a reading whose value could not be computed.
const NoData = -1

// DataQuality is the error bit set reported alongside a raw reading. The
// meaning of the individual bits is advisory.
type DataQuality int

const (
	SD14FIFOOverflow     DataQuality = 0x0001
	FilterDelta          DataQuality = 0x0002
	WorkVoltage          DataQuality = 0x0004
	PeakDeltaExceeded    DataQuality = 0x0008
	AvgDeltaExceeded     DataQuality = 0x0010
	RF                   DataQuality = 0x0020
	RefR                 DataQuality = 0x0040
	SignalSaturated      DataQuality = 0x0080
	SensorSignalLow      DataQuality = 0x0100
	ThermistorOutOfRange DataQuality = 0x0800
	TempHigh             DataQuality = 0x2000
	TempLow              DataQuality = 0x4000
	InvalidData          DataQuality = 0x8000
)

var qualityNames = []struct {
	flag DataQuality
	name string
}{
	{SD14FIFOOverflow, "SD14_FIFO_OVERFLOW"},
	{FilterDelta, "FILTER_DELTA"},
	{WorkVoltage, "WORK_VOLTAGE"},
	{PeakDeltaExceeded, "PEAK_DELTA_EXCEEDED"},
	{AvgDeltaExceeded, "AVG_DELTA_EXCEEDED"},
	{RF, "RF"},
	{RefR, "REF_R"},
	{SignalSaturated, "SIGNAL_SATURATED"},
	{SensorSignalLow, "SENSOR_SIGNAL_LOW"},
	{ThermistorOutOfRange, "THERMISTOR_OUT_OF_RANGE"},
	{TempHigh, "TEMP_HIGH"},
	{TempLow, "TEMP_LOW"},
	{InvalidData, "INVALID_DATA"},
}

func (q DataQuality) String() string {
	if q == 0 {
		return "OK"
	}
	s := ""
	for _, n := range qualityNames {
		if q&n.flag != 0 {
			if s != "" {
				s += ", "
			}
			s += n.name
		}
	}
	if s == "" {
		return fmt.Sprintf("0x%04x", int(q))
	}
	return s
}

// TrendArrow is the direction indicator shown next to a reading.
type TrendArrow int

const (
	TrendUnknown        TrendArrow = -1
	TrendNotDetermined  TrendArrow = 0
	TrendFallingQuickly TrendArrow = 1
	TrendFalling        TrendArrow = 2
	TrendStable         TrendArrow = 3
	TrendRising         TrendArrow = 4
	TrendRisingQuickly  TrendArrow = 5
)

// TrendArrowOf maps a raw trend code.
func TrendArrowOf(v int) TrendArrow {
	if v >= int(TrendNotDetermined) && v <= int(TrendRisingQuickly) {
		return TrendArrow(v)
	}
	return TrendUnknown
}

func (t TrendArrow) String() string {
	switch t {
	case TrendNotDetermined:
		return "NOT_DETERMINED"
	case TrendFallingQuickly:
		return "FALLING_QUICKLY"
	case TrendFalling:
		return "FALLING"
	case TrendStable:
		return "STABLE"
	case TrendRising:
		return "RISING"
	case TrendRisingQuickly:
		return "RISING_QUICKLY"
	}
	return "UNKNOWN"
}

// Glucose is one reading. ID is the sensor lifeCount in minutes.
type Glucose struct {
	ID                    int         `json:"id"`
	Date                  time.Time   `json:"date"`
	RawValue              int         `json:"rawValue"`
	RawTemperature        int         `json:"rawTemperature,omitempty"`
	TemperatureAdjustment int         `json:"temperatureAdjustment,omitempty"`
	HasError              bool        `json:"hasError,omitempty"`
	DataQuality           DataQuality `json:"dataQuality,omitempty"`
	QualityFlags          int         `json:"qualityFlags,omitempty"`
	Value                 int         `json:"value"`
	Temperature           float64     `json:"temperature,omitempty"`
	Trend                 TrendArrow  `json:"trend"`
	RateOfChange          float64     `json:"rateOfChange,omitempty"`
	Source                string      `json:"source,omitempty"`
}

// Raw builds an uncalibrated reading.
func Raw(id int, date time.Time, raw int) Glucose {
	return Glucose{ID: id, Date: date, RawValue: raw, Value: NoData, Trend: TrendUnknown}
}

// Calibrated builds a reading whose value the transmitter already
// computed.
func Calibrated(id int, date time.Time, value int) Glucose {
	return Glucose{ID: id, Date: date, Value: value, RawValue: value * 10, Trend: TrendUnknown}
}

func (g Glucose) String() string {
	return fmt.Sprintf("id: %d, date: %s, value: %d, raw: %d", g.ID, g.Date.Format(time.RFC3339), g.Value, g.RawValue)
}
