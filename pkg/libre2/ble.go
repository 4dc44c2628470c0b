package libre2

import (
	"errors"
	"fmt"
	"time"

	"github.com/glucolink/cgm-engine/pkg/bits"
	"github.com/glucolink/cgm-engine/pkg/checksum"
	"github.com/glucolink/cgm-engine/pkg/glucose"
	"github.com/glucolink/cgm-engine/pkg/reassembly"
	"github.com/glucolink/cgm-engine/pkg/sensor"
)

// Stream framing: 46 bytes sent as 20 + 18 + 8.
const (
	PacketSize      = 46
	FirstFragment   = 20
	TrendRecords    = 7
	HistoryRecords  = 3
	bleRecordSize   = 4
	wearTimeOffset  = 40
	crcOffset       = 42
	historyDelay    = 2
	historyInterval = 15
)

// trendAges are the minutes before wear time of the sparse trend records.
var trendAges = [TrendRecords]int{0, 2, 4, 6, 7, 12, 15}

// ErrUnknownUID is returned when the stream cannot be decrypted because
// the sensor UID has not been read over NFC yet.
var ErrUnknownUID = errors.New("libre2: sensor UID unknown, scan the sensor first")

// NewAssembler returns the reassembler for the composite data
// characteristic.
func NewAssembler() *reassembly.Fixed {
	return reassembly.NewFixed(PacketSize, FirstFragment)
}

// Packet is one decoded stream payload.
type Packet struct {
	Plain       []byte            `json:"-"`
	WearTime    int               `json:"wearTime"`
	CRC         uint16            `json:"crc"`
	ComputedCRC uint16            `json:"computedCrc"`
	Trend       []glucose.Glucose `json:"trend"`
	History     []glucose.Glucose `json:"history"`
}

// Valid reports whether the trailing CRC matched.
func (p *Packet) Valid() bool {
	return p.CRC == p.ComputedCRC
}

// Readings returns trend then history.
func (p *Packet) Readings() []glucose.Glucose {
	out := make([]glucose.Glucose, 0, len(p.Trend)+len(p.History))
	out = append(out, p.Trend...)
	return append(out, p.History...)
}

// Report is the CRC line for status displays.
func (p *Packet) Report() string {
	verdict := "OK"
	if !p.Valid() {
		verdict = "FAILED"
	}
	return fmt.Sprintf("BLE CRC16: %04x, computed: %04x -> %s", p.CRC, p.ComputedCRC, verdict)
}

// DecodeStream decrypts and parses a 46-byte payload received at
// lastReadingDate.
func DecodeStream(d BLEDecrypter, uid sensor.UID, data []byte, lastReadingDate time.Time) (*Packet, error) {
	if len(data) != PacketSize {
		return nil, fmt.Errorf("libre2: stream payload is %d bytes, want %d", len(data), PacketSize)
	}
	if uid.IsZero() {
		return nil, ErrUnknownUID
	}
	plain, err := d.DecryptBLE(uid, data)
	if err != nil {
		return nil, fmt.Errorf("libre2: decrypt stream: %w", err)
	}
	if len(plain) < PacketSize-2 {
		return nil, fmt.Errorf("libre2: decrypted stream is %d bytes", len(plain))
	}
	return ParseStream(plain, lastReadingDate), nil
}

// ParseStream parses a decrypted payload: seven sparse trend records, the
// three latest history records, the wear time and the CRC over bytes 0-41.
func ParseStream(plain []byte, lastReadingDate time.Time) *Packet {
	wear := int(plain[wearTimeOffset]) | int(plain[wearTimeOffset+1])<<8
	p := &Packet{
		Plain:       append([]byte(nil), plain...),
		WearTime:    wear,
		CRC:         checksum.Stored(plain, crcOffset),
		ComputedCRC: checksum.CRC16(plain[:crcOffset]),
	}
	start := lastReadingDate.Add(-time.Duration(wear) * time.Minute)

	for i := 0; i < TrendRecords+HistoryRecords; i++ {
		var id int
		if i < TrendRecords {
			id = wear - trendAges[i]
		} else {
			id = ((wear-historyDelay)/historyInterval)*historyInterval - historyInterval*(i-TrendRecords)
		}
		g := bleRecord(plain, i*bleRecordSize)
		g.ID = id
		g.Date = start.Add(time.Duration(id) * time.Minute)
		if i < TrendRecords {
			p.Trend = append(p.Trend, g)
		} else {
			p.History = append(p.History, g)
		}
	}
	return p
}

func bleRecord(plain []byte, off int) glucose.Glucose {
	adj := bits.ReadBits(plain, off, 0x1a, 0x5) << 2
	if bits.ReadBits(plain, off, 0x1f, 0x1) != 0 {
		adj = -adj
	}
	g := glucose.Raw(0, time.Time{}, bits.ReadBits(plain, off, 0, 0xe))
	g.RawTemperature = bits.ReadBits(plain, off, 0xe, 0xc) << 2
	g.TemperatureAdjustment = adj
	g.Source = "ble"
	return g
}

// HistoryDue reports whether a history record was completed for wear, or
// the stored history is older than one interval.
func HistoryDue(wear, lastHistoryID int) bool {
	return (wear-historyDelay)%historyInterval == 0 || wear-lastHistoryID > historyInterval+1
}
