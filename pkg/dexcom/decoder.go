package dexcom

import (
	"bytes"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog"

	"github.com/glucolink/cgm-engine/pkg/checksum"
	"github.com/glucolink/cgm-engine/pkg/glucose"
)

// Update is what one control notification produced.
type Update struct {
	Readings []glucose.Glucose
	Backfill []glucose.Glucose
	// MaxLife is the session length in minutes when a version reply set it.
	MaxLife  int
	Firmware string
	Serial   string
}

// Empty reports whether the update carries nothing.
func (u Update) Empty() bool {
	return len(u.Readings) == 0 && len(u.Backfill) == 0 && u.MaxLife == 0 && u.Firmware == "" && u.Serial == ""
}

// Decoder turns authenticated control and backfill notifications into
// readings. It is not safe for concurrent use.
type Decoder struct {
	G7 bool
	// ActivationDate anchors reading timestamps. It is set from the
	// transmitter time (G6) or each EGV (G7).
	ActivationDate time.Time
	Now            func() time.Time

	backfill bytes.Buffer
	log      zerolog.Logger
}

// NewDecoder returns a decoder for one transmitter generation.
func NewDecoder(g7 bool, log zerolog.Logger) *Decoder {
	return &Decoder{G7: g7, Now: time.Now, log: log}
}

// Pending returns the number of buffered backfill bytes.
func (d *Decoder) Pending() int { return d.backfill.Len() }

// Handle consumes a notification on Control, Backfill or JPake.
func (d *Decoder) Handle(channel string, msg []byte) (Update, error) {
	switch channel {
	case Backfill, JPake:
		d.backfill.Write(msg)
		d.log.Debug().Int("len", len(msg)).Int("pending", d.backfill.Len()).Msg("Backfill packet")
		return Update{}, nil
	case Control:
	default:
		d.log.Debug().Str("channel", ChannelNames[channel]).Str("data", hex.EncodeToString(msg)).Msg("Ignoring notification")
		return Update{}, nil
	}
	if len(msg) == 0 {
		return Update{}, ErrShortMessage
	}
	if d.G7 {
		return d.handleG7(msg)
	}
	return d.handleG6(msg)
}

func (d *Decoder) takeBuffer() []byte {
	b := append([]byte(nil), d.backfill.Bytes()...)
	d.backfill.Reset()
	return b
}

func (d *Decoder) handleG6(msg []byte) (Update, error) {
	op := Opcode(msg[0])
	switch op {
	case OpTransmitterTimeRx:
		t, err := ParseTransmitterTime(msg)
		if err != nil {
			return Update{}, err
		}
		d.ActivationDate = t.ActivationDate(d.Now())
		d.log.Info().
			Dur("age", t.Age).
			Dur("sessionStart", t.SessionStart).
			Time("activation", d.ActivationDate).
			Bool("crcValid", t.CRCValid).
			Msg("Transmitter time")
		return Update{}, nil

	case OpGlucoseG6Rx:
		g, err := ParseG6Glucose(msg)
		if err != nil {
			return Update{}, err
		}
		d.log.Info().
			Uint32("sequence", g.Sequence).
			Int("value", g.Value).
			Str("state", g.State.String()).
			Int("trend", int(g.Trend)).
			Bool("crcValid", g.CRCValid).
			Msg("Glucose")
		return Update{Readings: []glucose.Glucose{g.Reading(d.ActivationDate)}}, nil

	case OpCalibrationDataRx:
		b, err := ParseG6Bounds(msg)
		if err != nil {
			return Update{}, err
		}
		d.log.Info().
			Uint16("min", b.CalBoundMin).
			Uint16("max", b.CalBoundMax).
			Uint16("lastBG", b.LastBGValue).
			Bool("auto", b.AutoCalibration).
			Bool("crcValid", b.CRCValid).
			Msg("Calibration bounds")
		return Update{}, nil

	case OpGlucoseBackfillRx:
		s, err := ParseG6Backfill(msg)
		if err != nil {
			return Update{}, err
		}
		buf := d.takeBuffer()
		history := DecodeG6Backfill(buf, d.ActivationDate)
		d.log.Info().
			Uint32("start", s.StartTime).
			Uint32("end", s.EndTime).
			Bool("bufferCrcValid", s.BufferCRC == checksum.XModem(buf)).
			Bool("crcValid", s.CRCValid).
			Int("values", len(history)).
			Msg("Backfill")
		return Update{Backfill: history}, nil

	case OpBatteryStatusRx:
		return Update{}, d.logBattery(msg)

	case OpTransmitterVersionRx:
		v, err := ParseVersion(msg, false)
		if err != nil {
			return Update{}, err
		}
		d.log.Info().Str("firmware", v.Firmware).Uint32("software", v.SoftwareNumber).Bool("crcValid", v.CRCValid).Msg("Transmitter version")
		return Update{Firmware: v.Firmware}, nil

	case OpTransmitterVersionExtRx:
		v, err := ParseVersionExtended(msg, false)
		if err != nil {
			return Update{}, err
		}
		d.log.Info().Dur("sessionLength", v.SessionLength).Bool("crcValid", v.CRCValid).Msg("Extended version")
		return Update{MaxLife: v.MaxLife()}, nil

	case OpBLEControl:
		return Update{}, d.logBLEControl(msg)
	}
	d.log.Debug().Str("opcode", op.String()).Str("data", hex.EncodeToString(msg)).Msg("Unhandled control message")
	return Update{}, nil
}

func (d *Decoder) handleG7(msg []byte) (Update, error) {
	op := Opcode(msg[0])
	switch op {
	case OpEGV:
		e, err := ParseEGV(msg)
		if err != nil {
			return Update{}, err
		}
		d.ActivationDate = e.ActivationDate(d.Now())
		d.log.Info().
			Str("status", e.Status.String()).
			Uint16("sequence", e.Sequence).
			Uint16("age", e.Age).
			Str("state", e.State.String()).
			Msg("EGV")
		return Update{Readings: []glucose.Glucose{e.Reading(d.ActivationDate)}}, nil

	case OpCalibrationBounds:
		b, err := ParseCalibrationBounds(msg)
		if err != nil {
			return Update{}, err
		}
		d.log.Info().
			Uint16("lastBG", b.LastBGValue).
			Str("processing", b.ProcessingStatus.String()).
			Bool("permitted", b.CalibrationsPermitted).
			Str("display", b.LastBGDisplay.String()).
			Msg("Calibration bounds")
		return Update{}, nil

	case OpDiagnosticData:
		s, err := ParseDiagnostic(msg)
		if err != nil {
			return Update{}, err
		}
		buf := d.takeBuffer()
		d.log.Info().
			Uint32("length", s.BufferLength).
			Int("received", len(buf)).
			Bool("bufferCrcValid", s.BufferCRC == checksum.XModem(buf)).
			Msg("Diagnostic data")
		return Update{}, nil

	case OpBackfill:
		s, err := ParseBackfillSummary(msg)
		if err != nil {
			return Update{}, err
		}
		buf := d.takeBuffer()
		history := DecodeG7Backfill(buf, d.ActivationDate)
		d.log.Info().
			Uint32("length", s.Length).
			Bool("crcValid", s.CRC == checksum.XModem(buf)).
			Uint16("firstSequence", s.FirstSequence).
			Int("values", len(history)).
			Msg("Backfill")
		return Update{Backfill: history}, nil

	case OpBatteryStatusTx:
		return Update{}, d.logBattery(msg)

	case OpTransmitterVersionTx:
		v, err := ParseVersion(msg, true)
		if err != nil {
			return Update{}, err
		}
		d.log.Info().Str("firmware", v.Firmware).Str("serial", v.Serial).Msg("Transmitter version")
		return Update{Firmware: v.Firmware, Serial: v.Serial}, nil

	case OpTransmitterVersionExtended:
		v, err := ParseVersionExtended(msg, true)
		if err != nil {
			return Update{}, err
		}
		d.log.Info().
			Dur("sessionLength", v.SessionLength).
			Dur("warmup", v.WarmupLength).
			Int("maxLifetimeDays", v.MaxLifetimeDays).
			Msg("Extended version")
		return Update{MaxLife: v.MaxLife()}, nil

	case OpEncryptionInfo:
		info, err := ParseEncryptionInfo(msg, d.takeBuffer())
		if err != nil {
			return Update{}, err
		}
		d.log.Info().Uint32("length", info.BufferLength).Str("stream", info.StreamType.String()).Msg("Encryption info")
		return Update{}, nil

	case OpBLEControl:
		return Update{}, d.logBLEControl(msg)
	}
	d.log.Debug().Str("opcode", op.String()).Str("data", hex.EncodeToString(msg)).Msg("Unhandled control message")
	return Update{}, nil
}

func (d *Decoder) logBattery(msg []byte) error {
	b, err := ParseBattery(msg)
	if err != nil {
		return err
	}
	d.log.Info().
		Int("voltageA", b.VoltageA).
		Int("voltageB", b.VoltageB).
		Int("runtimeDays", b.RuntimeDays).
		Int("temperature", b.Temperature).
		Msg("Battery status")
	return nil
}

func (d *Decoder) logBLEControl(msg []byte) error {
	c, err := ParseBLEControl(msg)
	if err != nil {
		return err
	}
	d.log.Info().
		Str("status", c.Status.String()).
		Int("maxDevices", c.MaxDevices).
		Uint32("streamSize", c.StreamSize).
		Int("streamSpeed", c.StreamSpeed).
		Msg("BLE control")
	return nil
}
