package fram

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glucolink/cgm-engine/pkg/bits"
	"github.com/glucolink/cgm-engine/pkg/calibration"
	"github.com/glucolink/cgm-engine/pkg/checksum"
	"github.com/glucolink/cgm-engine/pkg/glucose"
	"github.com/glucolink/cgm-engine/pkg/sensor"
)

// ErrDecryptionUnavailable is returned when an image looks encrypted and
// no decrypter recovered its plaintext.
var ErrDecryptionUnavailable = errors.New("fram: encrypted image could not be decrypted")

// IncompleteReport is the report of an image shorter than MinSize.
const IncompleteReport = "NFC: FRAM read did not complete: can't verify CRC"

// EncryptedReport is the report of a full-length image that could not be
// decrypted.
const EncryptedReport = "NFC: FRAM image encrypted, no cipher available: can't verify CRC"

// Decrypter recovers the plaintext of an encrypted Libre 2 image.
type Decrypter interface {
	DecryptFRAM(t sensor.Type, uid sensor.UID, patchInfo, data []byte) ([]byte, error)
}

// Factory holds thresholds written at manufacturing time.
type Factory struct {
	RawMinThreshold int `json:"rawMinThreshold"` // SENSOR_SIGNAL_LOW
	MaxADCDelta     int `json:"maxAdcDelta"`     // FILTER_DELTA
}

// Result is an immutable snapshot of one decoded image.
type Result struct {
	Image           []byte            `json:"-"`
	EncryptedImage  []byte            `json:"-"`
	Checks          []Check           `json:"checks"`
	Report          string            `json:"report"`
	Trusted         bool              `json:"trusted"`
	State           sensor.State      `json:"state"`
	Age             int               `json:"age"`
	Initializations int               `json:"initializations"`
	StartDate       time.Time         `json:"startDate"`
	Trend           []glucose.Glucose `json:"trend"`
	History         []glucose.Glucose `json:"history"`
	Region          sensor.Region     `json:"region"`
	MaxLife         int               `json:"maxLife"`
	Calibration     calibration.Info  `json:"calibration"`
	Factory         Factory           `json:"factory"`
	Failure         *Failure          `json:"failure,omitempty"`
}

// Complete reports whether the image covered header, body and footer.
func (r *Result) Complete() bool {
	return len(r.Image) >= MinSize
}

// Summary is a one-line description for logs and status displays.
func (r *Result) Summary() string {
	if !r.Complete() {
		return IncompleteReport
	}
	if r.EncryptedImage != nil && r.Checks == nil {
		return r.Report
	}
	status := "CRC OK"
	if !r.Trusted {
		status = "CRC FAILED"
	}
	return fmt.Sprintf("%s, state: %s, age: %d min, %d trend, %d history", status, r.State, r.Age, len(r.Trend), len(r.History))
}

// Decoder decodes images for one sensor identity.
type Decoder struct {
	Identity  sensor.Identity
	Decrypter Decrypter
}

// Decode decodes image as read at lastReadingDate. Encrypted Libre 2 and
// US 14-day images are decrypted first; a failed decryption returns the
// partial result with ErrDecryptionUnavailable.
func (d Decoder) Decode(image []byte, lastReadingDate time.Time) (*Result, error) {
	if d.looksEncrypted(image) {
		encrypted := append([]byte(nil), image...)
		if len(image) < MinSize || d.Decrypter == nil {
			return encryptedResult(encrypted), ErrDecryptionUnavailable
		}
		plain, err := d.Decrypter.DecryptFRAM(d.Identity.Type, d.Identity.UID, d.Identity.PatchInfo, image)
		if err != nil {
			return encryptedResult(encrypted), fmt.Errorf("%w: %v", ErrDecryptionUnavailable, err)
		}
		res := Decode(plain, lastReadingDate)
		res.EncryptedImage = encrypted
		return res, nil
	}
	return Decode(image, lastReadingDate), nil
}

func (d Decoder) looksEncrypted(image []byte) bool {
	if d.Identity.Family != sensor.FamilyLibre2 && d.Identity.Type != sensor.TypeLibreUS14day {
		return false
	}
	if len(image) < 24 {
		return false
	}
	return checksum.Stored(image, 0) != checksum.CRC16(image[2:24])
}

func encryptedResult(encrypted []byte) *Result {
	res := &Result{
		Image:          encrypted,
		EncryptedImage: encrypted,
		Report:         EncryptedReport,
		State:          sensor.StateUnknown,
	}
	if len(encrypted) < MinSize {
		res.Report = IncompleteReport
	}
	return res
}

// Decode parses a plaintext image. It never fails: CRC mismatches are
// reported in Checks and Report, but every structurally present section is
// still decoded. Only header, body and footer mismatches clear Trusted.
func Decode(image []byte, lastReadingDate time.Time) *Result {
	res := &Result{
		Image: append([]byte(nil), image...),
		State: sensor.StateUnknown,
	}
	if len(image) < MinSize {
		res.Report = IncompleteReport
		return res
	}

	res.Checks = Verify(image)
	res.Report = report(res.Checks)
	res.Trusted = true
	for _, c := range res.Checks {
		if !c.OK() && c.Section != commandsSection {
			res.Trusted = false
		}
	}

	res.State = sensor.StateOf(image[4])
	if res.State == sensor.StateFailure {
		res.Failure = &Failure{Code: image[6], Age: int(image[7]) | int(image[8])<<8}
	}

	age := int(image[316]) | int(image[317])<<8
	res.Age = age
	res.Initializations = int(image[318])
	start := lastReadingDate.Add(-time.Duration(age) * time.Minute)
	res.StartDate = start

	trendIndex := int(image[26])
	historyIndex := int(image[27])

	res.Trend = make([]glucose.Glucose, 0, TrendCount)
	for i := 0; i < TrendCount; i++ {
		j := mod(trendIndex-1-i, TrendCount)
		g := record(image, trendOffset+j*recordSize)
		g.ID = age - i
		g.Date = start.Add(time.Duration(age-i) * time.Minute)
		res.Trend = append(res.Trend, g)
	}

	// History lags the trend by up to 3 minutes.
	preciseIndex := ((age - 3) / 15) % HistoryCount
	delay := (age-3)%15 + 3
	readingDate := lastReadingDate.Add(-time.Duration(delay-15) * time.Minute)
	if preciseIndex == historyIndex {
		readingDate = lastReadingDate.Add(-time.Duration(delay) * time.Minute)
	}

	res.History = make([]glucose.Glucose, 0, HistoryCount)
	for i := 0; i < HistoryCount; i++ {
		j := mod(historyIndex-1-i, HistoryCount)
		g := record(image, historyOffset+j*recordSize)
		g.ID = age - delay - i*15
		if g.ID > -1 {
			g.Date = readingDate.Add(-time.Duration(i*15) * time.Minute)
		} else {
			g.Date = start
		}
		res.History = append(res.History, g)
	}

	res.Region = sensor.RegionOf(int(image[323]))
	res.MaxLife = int(image[326]) | int(image[327])<<8
	res.Factory = Factory{RawMinThreshold: int(image[330]), MaxADCDelta: int(image[332])}
	res.Calibration = CalibrationInfo(image)
	return res
}

// CalibrationInfo extracts the factory calibration constants.
func CalibrationInfo(image []byte) calibration.Info {
	i3 := bits.ReadBits(image, calibrationBlock, 0, 8)
	if bits.ReadBits(image, calibrationBlock, 0x21, 1) != 0 {
		i3 = -i3
	}
	return calibration.Info{
		I1: bits.ReadBits(image, 2, 0, 3),
		I2: bits.ReadBits(image, 2, 3, 0xa),
		I3: i3,
		I4: bits.ReadBits(image, calibrationBlock, 8, 0xe),
		I5: bits.ReadBits(image, calibrationBlock, 0x28, 0xc) << 2,
		I6: bits.ReadBits(image, calibrationBlock, 0x34, 0xc) << 2,
	}
}

// record decodes one 6-byte ring entry.
func record(image []byte, off int) glucose.Glucose {
	quality := bits.ReadBits(image, off, 0xe, 0xb)
	adj := bits.ReadBits(image, off, 0x26, 0x9) << 2
	if bits.ReadBits(image, off, 0x2f, 0x1) != 0 {
		adj = -adj
	}
	g := glucose.Raw(0, time.Time{}, bits.ReadBits(image, off, 0, 0xe))
	g.DataQuality = glucose.DataQuality(quality & 0x1FF)
	g.QualityFlags = (quality & 0x600) >> 9
	g.HasError = bits.ReadBits(image, off, 0x19, 0x1) != 0
	g.RawTemperature = bits.ReadBits(image, off, 0x1a, 0xc) << 2
	g.TemperatureAdjustment = adj
	g.Source = "fram"
	return g
}

func report(checks []Check) string {
	lines := make([]string, 0, len(checks))
	for _, c := range checks {
		verdict := "OK"
		if !c.OK() {
			verdict = "FAILED"
		}
		lines = append(lines, fmt.Sprintf("Sensor %s CRC16: %04x, computed: %04x -> %s", c.Section, c.Stored, c.Computed, verdict))
	}
	return strings.Join(lines, "\n")
}

func mod(a, n int) int {
	a %= n
	if a < 0 {
		a += n
	}
	return a
}
