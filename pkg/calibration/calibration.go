// Package calibration converts raw sensor counts into glucose values.
package calibration

import (
	"math"

	"github.com/glucolink/cgm-engine/pkg/glucose"
)

// Info holds the six factory calibration constants stored in the FRAM
// header and footer.
type Info struct {
	I1 int `json:"i1" msgpack:"i1"`
	I2 int `json:"i2" msgpack:"i2"`
	I3 int `json:"i3" msgpack:"i3"`
	I4 int `json:"i4" msgpack:"i4"`
	I5 int `json:"i5" msgpack:"i5"`
	I6 int `json:"i6" msgpack:"i6"`
}

// IsZero reports whether no constants were decoded.
func (i Info) IsZero() bool {
	return i == Info{}
}

// Calibrator turns a raw reading into a calibrated one. Implementations
// must be pure: the same inputs always give the same output, Value is
// non-decreasing in RawValue, and RawValue 0 yields glucose.NoData.
type Calibrator interface {
	FactoryGlucose(g glucose.Glucose, info Info) glucose.Glucose
}

// Steinhart-Hart coefficients for the sensor thermistor.
const (
	shA = 0.0009180023
	shB = 0.0001964561
	shC = 0.0000007061775
	shD = 0.00000005283566
)

const (
	maxValue      = 500
	referenceTemp = 32.5
	tempFactor    = 1.045
	fallbackScale = 8.5
)

// Linear is an approximation of the vendor factory calibration. It is not
// the vendor algorithm and its values must not be used for treatment.
//
// The thermistor temperature comes from a Steinhart-Hart fit over the
// resistance implied by RawTemperature, TemperatureAdjustment and I6. The
// raw count is then mapped linearly so that I3 reads 0 mg/dL and I4 reads
// 65 mg/dL, and scaled by 4.5% per degree away from 32.5 °C. Without a
// usable I3/I4 span it falls back to raw/8.5.
type Linear struct{}

// Temperature returns the thermistor temperature in °C, or NaN when the
// inputs do not describe a positive resistance.
func (Linear) Temperature(g glucose.Glucose, info Info) float64 {
	den := float64(g.TemperatureAdjustment + info.I6)
	if g.RawTemperature <= 0 || den <= 0 {
		return math.NaN()
	}
	r := float64(g.RawTemperature)*72500/den - 1000
	if r <= 0 {
		return math.NaN()
	}
	lnR := math.Log(r)
	d := shA + shB*lnR + shC*lnR*lnR + shD*lnR*lnR*lnR
	if d == 0 {
		return math.NaN()
	}
	return 1/d - 273.15
}

// FactoryGlucose implements Calibrator.
func (l Linear) FactoryGlucose(g glucose.Glucose, info Info) glucose.Glucose {
	out := g
	out.Temperature = 0
	if g.RawValue == 0 {
		out.Value = glucose.NoData
		return out
	}

	t := l.Temperature(g, info)
	factor := 1.0
	if !math.IsNaN(t) {
		out.Temperature = math.Round(t*10) / 10
		factor = math.Pow(tempFactor, referenceTemp-t)
	}

	var v float64
	if info.I4 > info.I3 {
		v = 65 * float64(g.RawValue-info.I3) / float64(info.I4-info.I3) * factor
	} else {
		v = float64(g.RawValue) / fallbackScale
	}
	out.Value = clamp(int(math.Round(v)))
	return out
}

// Apply calibrates every reading in rs.
func Apply(c Calibrator, rs []glucose.Glucose, info Info) []glucose.Glucose {
	out := make([]glucose.Glucose, len(rs))
	for i, g := range rs {
		out[i] = c.FactoryGlucose(g, info)
	}
	return out
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > maxValue {
		return maxValue
	}
	return v
}
