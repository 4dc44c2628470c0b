package dexcom

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glucolink/cgm-engine/pkg/checksum"
	"github.com/glucolink/cgm-engine/pkg/crypto"
	"github.com/glucolink/cgm-engine/pkg/glucose"
	"github.com/glucolink/cgm-engine/pkg/link"
)

var activation = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestOpcodeNames(t *testing.T) {
	assert.Equal(t, "authRequestTx", OpTxIDChallenge.String())
	assert.Equal(t, "glucoseG6Tx", OpEGV.String())
	assert.Equal(t, "unknown (0x99)", Opcode(0x99).String())
	assert.Equal(t, "OK", AlgorithmOK.String())
	assert.Equal(t, "sensor failed due to restart", AlgorithmState(0x16).String())
	assert.Equal(t, "unknown (0x81)", AlgorithmState(0x81).String())
	assert.Equal(t, "busy", ResponseCode(9).String())
	assert.Equal(t, "phone", DisplayType(2).String())
}

func TestClassicKeyAndHash(t *testing.T) {
	key, err := ClassicKey("8G1234")
	require.NoError(t, err)
	assert.Equal(t, []byte("008G1234008G1234"), key)

	_, err = ClassicKey("8G12345")
	assert.ErrorIs(t, err, ErrSerial)

	value := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	h, err := Hash(key, value)
	require.NoError(t, err)
	enc, err := crypto.ECBEncrypt(key, append(append([]byte(nil), value...), value...))
	require.NoError(t, err)
	assert.Equal(t, enc[:8], h)

	_, err = Hash(key, value[:4])
	assert.Error(t, err)
}

// transmitter answers the token of an auth request the way a real
// transmitter does.
func transmitter(t *testing.T, key, request, challenge []byte) []byte {
	t.Helper()
	require.Len(t, request, 10)
	assert.Equal(t, byte(0x02), request[9])
	tokenHash, err := Hash(key, request[1:9])
	require.NoError(t, err)
	return append(append([]byte{byte(OpAuthRequestRx)}, tokenHash...), challenge...)
}

func lastWrite(writes []link.Write) link.Write {
	return writes[len(writes)-1]
}

func TestClassicHandshake(t *testing.T) {
	var states []string
	c := NewClassic("8G1234", func(s string) { states = append(states, s) }, zerolog.Nop())
	key, _ := ClassicKey("8G1234")

	writes, err := c.Start()
	require.NoError(t, err)
	require.Len(t, writes, 2)
	assert.True(t, writes[0].Subscribe)
	req := lastWrite(writes)
	assert.Equal(t, Authentication, req.Channel)
	assert.Equal(t, byte(OpAuthRequestTx), req.Data[0])

	challenge := []byte{9, 8, 7, 6, 5, 4, 3, 2}
	writes, err = c.Handle(Authentication, transmitter(t, key, req.Data, challenge))
	require.NoError(t, err)
	require.Len(t, writes, 1)
	want, _ := Hash(key, challenge)
	assert.Equal(t, append([]byte{byte(OpAuthChallengeTx)}, want...), writes[0].Data)

	writes, err = c.Handle(Authentication, []byte{byte(OpAuthChallengeRx), 1, 1})
	require.NoError(t, err)
	assert.True(t, c.Authenticated())
	assert.True(t, c.Bonded())
	assert.Equal(t, FollowUp(false), writes)
	assert.Equal(t, []string{"authRequestSent", "challengeReplied", "authenticated"}, states)
}

func TestClassicRejectsBadTokenHash(t *testing.T) {
	c := NewClassic("8G1234", nil, zerolog.Nop())
	_, err := c.Start()
	require.NoError(t, err)

	msg := make([]byte, ChallengeRxSize)
	msg[0] = byte(OpAuthRequestRx)
	_, err = c.Handle(Authentication, msg)
	var cerr *crypto.CryptoError
	require.True(t, errors.As(err, &cerr))
	assert.ErrorIs(t, err, crypto.ErrAuthentication)
	assert.Equal(t, "authRequestSent", c.State())
}

func TestClassicStatusNotAuthenticated(t *testing.T) {
	c := NewClassic("8G1234", nil, zerolog.Nop())
	key, _ := ClassicKey("8G1234")
	writes, err := c.Start()
	require.NoError(t, err)
	_, err = c.Handle(Authentication, transmitter(t, key, lastWrite(writes).Data, make([]byte, 8)))
	require.NoError(t, err)

	writes, err = c.Handle(Authentication, []byte{byte(OpAuthChallengeRx), 2, 2})
	require.NoError(t, err)
	assert.Empty(t, writes)
	assert.False(t, c.Authenticated())
	assert.Equal(t, "rejected", c.State())
}

func TestClassicUnexpected(t *testing.T) {
	c := NewClassic("8G1234", nil, zerolog.Nop())
	_, err := c.Start()
	require.NoError(t, err)

	_, err = c.Handle(Control, []byte{0x4f})
	assert.ErrorIs(t, err, link.ErrUnexpectedMessage)
	_, err = c.Handle(Authentication, []byte{byte(OpAuthChallengeRx), 1, 1})
	assert.ErrorIs(t, err, link.ErrUnexpectedMessage)
	_, err = c.Handle(Authentication, nil)
	assert.ErrorIs(t, err, link.ErrUnexpectedMessage)

	_, err = NewClassic("short", nil, zerolog.Nop()).Start()
	assert.ErrorIs(t, err, ErrSerial)
}

func TestFollowUp(t *testing.T) {
	g6 := FollowUp(false)
	var cmds [][]byte
	for _, w := range g6 {
		if !w.Subscribe {
			cmds = append(cmds, w.Data)
			assert.True(t, checksum.VerifyXModemTrailer(w.Data))
		}
	}
	require.Len(t, cmds, 9)
	assert.Equal(t, []byte{0x24, 0xE6, 0x64}, cmds[0])

	var g7 [][]byte
	for _, w := range FollowUp(true) {
		if !w.Subscribe {
			g7 = append(g7, w.Data)
		}
	}
	assert.Equal(t, [][]byte{
		{0x4A}, {0x52}, {0x22}, {0x0D, 0x02, 0x02}, {0x38}, {0x0F}, {0xEA, 0x00}, {0xEA, 0x03},
	}, g7)
}

// fakeJPAKE echoes each round with its phase and hands out a fixed key.
type fakeJPAKE struct {
	rounds []PakePhase
	key    []byte
}

func (f *fakeJPAKE) Round(phase PakePhase, payload []byte) ([]byte, error) {
	f.rounds = append(f.rounds, phase)
	out := bytes.Repeat([]byte{byte(phase)}, PakePayloadSize)
	return out, nil
}

func (f *fakeJPAKE) Key() ([]byte, error) { return f.key, nil }

func TestG7PairingThroughJPAKE(t *testing.T) {
	key := bytes.Repeat([]byte{0x6B}, 16)
	jp := &fakeJPAKE{key: key}
	g := NewG7(nil, jp, nil, zerolog.Nop())

	writes, err := g.Start()
	require.NoError(t, err)
	req := lastWrite(writes)
	assert.Equal(t, byte(OpAppKeyChallenge), req.Data[0])

	// Without a key the challenge starts pairing.
	writes, err = g.Handle(Authentication, append([]byte{byte(OpChallengeReply)}, make([]byte, 16)...))
	require.NoError(t, err)
	assert.Equal(t, []link.Write{exchangePake(PakePhaseZero)}, writes)
	assert.Equal(t, "exchangingPake", g.State())

	var final []link.Write
	for phase := 0; phase < 3; phase++ {
		for i := 0; i < PakePayloadSize/PakeFragmentSize; i++ {
			if i == 6 {
				_, err = g.Handle(Authentication, []byte{byte(OpExchangePakePayload), 0, byte(phase)})
				require.NoError(t, err)
			}
			writes, err = g.Handle(JPake, make([]byte, PakeFragmentSize))
			require.NoError(t, err)
			if i < PakePayloadSize/PakeFragmentSize-1 {
				assert.Empty(t, writes)
			}
		}
		var sent []byte
		for _, w := range writes {
			if w.Channel == JPake {
				assert.Len(t, w.Data, PakeFragmentSize)
				sent = append(sent, w.Data...)
			}
		}
		assert.Equal(t, bytes.Repeat([]byte{byte(phase)}, PakePayloadSize), sent)
		if phase < 2 {
			assert.Equal(t, exchangePake(PakePhase(phase+1)), lastWrite(writes))
		}
		final = writes
	}
	assert.Equal(t, []PakePhase{PakePhaseZero, PakePhaseOne, PakePhaseTwo}, jp.rounds)
	assert.Equal(t, key, g.AppKey())

	// Pairing ends with a fresh challenge under the new key.
	req = lastWrite(final)
	assert.Equal(t, byte(OpAppKeyChallenge), req.Data[0])
	assert.Equal(t, "authRequestSent", g.State())

	_, err = g.Handle(Authentication, transmitter(t, key, req.Data, make([]byte, 8)))
	require.NoError(t, err)
	writes, err = g.Handle(Authentication, []byte{byte(OpStatusReply), 1, 2})
	require.NoError(t, err)
	assert.True(t, g.Authenticated())
	assert.False(t, g.Bonded())
	assert.Equal(t, FollowUp(true), writes)
}

func TestG7WithKnownKey(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 16)
	g := NewG7(key, nil, nil, zerolog.Nop())
	writes, err := g.Start()
	require.NoError(t, err)

	writes, err = g.Handle(Authentication, transmitter(t, key, lastWrite(writes).Data, make([]byte, 8)))
	require.NoError(t, err)
	require.Len(t, writes, 1)
	assert.Equal(t, byte(OpHashFromDisplay), writes[0].Data[0])
	assert.Equal(t, "challengeReplied", g.State())
}

func TestG7UnavailableJPAKE(t *testing.T) {
	g := NewG7(nil, nil, nil, zerolog.Nop())
	_, err := g.Start()
	require.NoError(t, err)
	_, err = g.Handle(Authentication, append([]byte{byte(OpChallengeReply)}, make([]byte, 16)...))
	require.NoError(t, err)

	var last error
	for i := 0; i < PakePayloadSize/PakeFragmentSize; i++ {
		_, last = g.Handle(JPake, make([]byte, PakeFragmentSize))
	}
	assert.ErrorIs(t, last, ErrJPAKEUnavailable)

	_, err = g.Handle(Control, []byte{0x4e})
	assert.ErrorIs(t, err, link.ErrUnexpectedMessage)
}

func TestParseEGV(t *testing.T) {
	e, err := ParseEGV(unhex(t, "4e00d507000009000001050061000601ffff0e"))
	require.NoError(t, err)

	assert.Equal(t, uint32(2005), e.TxTime)
	assert.Equal(t, uint16(9), e.Sequence)
	assert.Equal(t, uint16(5), e.Age)
	require.NotNil(t, e.Value)
	assert.Equal(t, 97, *e.Value)
	assert.False(t, e.DisplayOnly)
	assert.Equal(t, AlgorithmOK, e.State)
	require.NotNil(t, e.Trend)
	assert.InDelta(t, 0.1, *e.Trend, 1e-9)
	assert.Nil(t, e.PredictedValue)
	assert.Equal(t, uint32(2000), e.Timestamp())

	g := e.Reading(activation)
	assert.Equal(t, 6, g.ID)
	assert.Equal(t, 97, g.Value)
	assert.Equal(t, activation.Add(2000*time.Second), g.Date)
	assert.Equal(t, glucose.TrendStable, g.Trend)
	assert.Equal(t, "dexcom", g.Source)

	now := activation.Add(2005 * time.Second)
	assert.Equal(t, activation, e.ActivationDate(now))
}

func TestParseG7Replies(t *testing.T) {
	b, err := ParseCalibrationBounds(unhex(t, "3200014D000000AA00344D0200030102754E0200"))
	require.NoError(t, err)
	assert.Equal(t, byte(1), b.SessionNumber)
	assert.Equal(t, uint16(170), b.LastBGValue)
	assert.Equal(t, 150836*time.Second, b.LastCalibrationTime)
	assert.Equal(t, CalibrationCompleteHigh, b.ProcessingStatus)
	assert.True(t, b.CalibrationsPermitted)
	assert.Equal(t, DisplayType(2), b.LastBGDisplay)

	d, err := ParseDiagnostic(unhex(t, "510000a01600009a44ea430200ec5f0200"))
	require.NoError(t, err)
	assert.Equal(t, uint32(5792), d.BufferLength)
	assert.Equal(t, uint16(0x449a), d.BufferCRC)
	assert.Equal(t, uint32(148458), d.StartTime)
	assert.Equal(t, uint32(155628), d.EndTime)

	s, err := ParseBackfillSummary(unhex(t, "5900003F000000AB933802E2960200EA9D0200"))
	require.NoError(t, err)
	assert.Equal(t, uint32(63), s.Length)
	assert.Equal(t, uint16(0x93AB), s.CRC)
	assert.Equal(t, uint16(568), s.FirstSequence)
	assert.Equal(t, uint32(169698), s.FirstTimestamp)
	assert.Equal(t, uint32(171498), s.LastTimestamp)

	v, err := ParseVersion(unhex(t, "4a0020c068522a34000030454141443499bb8c00"), true)
	require.NoError(t, err)
	assert.Equal(t, "32.192.104.82", v.Firmware)
	assert.Equal(t, uint32(13354), v.SoftwareNumber)
	assert.Equal(t, "604442801220", v.Serial)

	x, err := ParseVersionExtended(unhex(t, "5200c0d70d00540602010404ff0c00"), true)
	require.NoError(t, err)
	assert.Equal(t, 907200*time.Second, x.SessionLength)
	assert.Equal(t, 15120, x.MaxLife())
	assert.Equal(t, 1620*time.Second, x.WarmupLength)
	assert.Equal(t, 0xff, x.HardwareVersion)
	assert.Equal(t, 12, x.MaxLifetimeDays)
}

func TestParseG6Replies(t *testing.T) {
	v, err := ParseVersion(unhex(t, "4b001ec06722ba3100008c00036e006d013cef"), false)
	require.NoError(t, err)
	assert.Equal(t, "30.192.103.34", v.Firmware)
	assert.Equal(t, uint32(12730), v.SoftwareNumber)
	assert.True(t, v.CRCValid)

	x, err := ParseVersionExtended(unhex(t, "53000a0f0000000000303235302d50726f771a"), false)
	require.NoError(t, err)
	assert.Equal(t, 10*24*time.Hour, x.SessionLength)
	assert.Equal(t, 14400, x.MaxLife())
	assert.True(t, x.CRCValid)

	bf, err := ParseG6Backfill(unhex(t, "510001017e8636005a8c36003a00000045282247"))
	require.NoError(t, err)
	assert.Equal(t, byte(1), bf.BackfillStatus)
	assert.Equal(t, uint32(3573374), bf.StartTime)
	assert.Equal(t, uint32(3574874), bf.EndTime)
	assert.Equal(t, uint32(58), bf.BufferLength)
	assert.True(t, bf.CRCValid)

	b, err := ParseG6Bounds(unhex(t, "3300325000440114005802000000000000018ba4"))
	require.NoError(t, err)
	assert.Equal(t, byte(50), b.Weight)
	assert.Equal(t, uint16(80), b.CalBoundError1)
	assert.Equal(t, uint16(324), b.CalBoundError0)
	assert.Equal(t, uint16(20), b.CalBoundMin)
	assert.Equal(t, uint16(600), b.CalBoundMax)
	assert.True(t, b.AutoCalibration)
	assert.True(t, b.CRCValid)

	_, err = ParseG6Bounds(make([]byte, 5))
	assert.ErrorIs(t, err, ErrShortMessage)
}

func TestParseBLEControl(t *testing.T) {
	c, err := ParseBLEControl(unhex(t, "ea00030100000000000200000045ffffff"))
	require.NoError(t, err)
	assert.Equal(t, 3, c.MaxDevices)

	c, err = ParseBLEControl(unhex(t, "ea0070170000"))
	require.NoError(t, err)
	assert.Equal(t, uint32(6000), c.StreamSize)

	c, err = ParseBLEControl(unhex(t, "ea0001"))
	require.NoError(t, err)
	assert.Equal(t, 1, c.StreamSpeed)
}

func g6Glucose(seq, ts uint32, value uint16, state AlgorithmState, trend int8) []byte {
	msg := []byte{byte(OpGlucoseG6Rx), 0}
	msg = le.AppendUint32(msg, seq)
	msg = le.AppendUint32(msg, ts)
	msg = le.AppendUint16(msg, value)
	msg = append(msg, byte(state), byte(trend), 0xff, 0xff)
	return checksum.AppendXModem(msg)
}

func TestParseG6Glucose(t *testing.T) {
	g, err := ParseG6Glucose(g6Glucose(42, 3000, 0x1000|123, AlgorithmOK, -3))
	require.NoError(t, err)
	assert.Equal(t, uint32(42), g.Sequence)
	assert.Equal(t, 123, g.Value)
	assert.True(t, g.DisplayOnly)
	assert.Nil(t, g.PredictedValue)
	assert.True(t, g.CRCValid)

	r := g.Reading(activation)
	assert.Equal(t, 10, r.ID)
	assert.Equal(t, glucose.TrendFallingQuickly, r.Trend)
	assert.Equal(t, float64(-3), r.RateOfChange)
	assert.Zero(t, r.QualityFlags)
}

func TestDecodeBackfill(t *testing.T) {
	// G7: 9-byte records, the second without a value.
	buf := unhex(t, "45a100009600060ffc"+"e1a20000ffff06007f")
	history := DecodeG7Backfill(buf, activation)
	require.Len(t, history, 1)
	assert.Equal(t, 150, history[0].Value)
	assert.Equal(t, 41285/300, history[0].ID)
	assert.InDelta(t, -0.4, history[0].RateOfChange, 1e-9)

	// G6: 2-byte frame headers and a 4-byte stream header.
	records := []byte{0xde, 0xad, 0xbe, 0xef}
	for _, ts := range []uint32{600, 900} {
		records = le.AppendUint32(records, ts)
		records = le.AppendUint16(records, 110)
		records = append(records, byte(AlgorithmOK), 0x01)
	}
	var framed []byte
	for i, off := 0, 0; off < len(records); i, off = i+1, off+18 {
		end := off + 18
		if end > len(records) {
			end = len(records)
		}
		framed = append(framed, byte(i), 0)
		framed = append(framed, records[off:end]...)
	}
	history = DecodeG6Backfill(framed, activation)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].ID)
	assert.Equal(t, 3, history[1].ID)
	assert.Equal(t, 110, history[1].Value)
	assert.Nil(t, DecodeG6Backfill([]byte{1, 2}, activation))
}

func TestDecoderG6(t *testing.T) {
	d := NewDecoder(false, zerolog.Nop())
	now := activation.Add(10 * 24 * time.Hour)
	d.Now = func() time.Time { return now }

	timeMsg := []byte{byte(OpTransmitterTimeRx), 0}
	timeMsg = le.AppendUint32(timeMsg, uint32((10 * 24 * time.Hour).Seconds()))
	timeMsg = le.AppendUint32(timeMsg, 3600)
	timeMsg = append(timeMsg, 0, 0, 0, 0)
	timeMsg = checksum.AppendXModem(timeMsg)
	u, err := d.Handle(Control, timeMsg)
	require.NoError(t, err)
	assert.True(t, u.Empty())
	assert.Equal(t, activation, d.ActivationDate)

	u, err = d.Handle(Control, g6Glucose(1, 600, 140, AlgorithmOK, 0))
	require.NoError(t, err)
	require.Len(t, u.Readings, 1)
	assert.Equal(t, activation.Add(10*time.Minute), u.Readings[0].Date)

	u, err = d.Handle(Control, unhex(t, "53000a0f0000000000303235302d50726f771a"))
	require.NoError(t, err)
	assert.Equal(t, 14400, u.MaxLife)

	u, err = d.Handle(Control, unhex(t, "4b001ec06722ba3100008c00036e006d013cef"))
	require.NoError(t, err)
	assert.Equal(t, "30.192.103.34", u.Firmware)

	_, err = d.Handle(Backfill, []byte{0, 0, 1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 6, d.Pending())
	_, err = d.Handle(Control, unhex(t, "510001017e8636005a8c36003a00000045282247"))
	require.NoError(t, err)
	assert.Zero(t, d.Pending())

	_, err = d.Handle(Control, nil)
	assert.ErrorIs(t, err, ErrShortMessage)
	u, err = d.Handle(Communication, []byte{1})
	require.NoError(t, err)
	assert.True(t, u.Empty())
}

func TestDecoderG7(t *testing.T) {
	d := NewDecoder(true, zerolog.Nop())
	now := activation.Add(2005 * time.Second)
	d.Now = func() time.Time { return now }

	u, err := d.Handle(Control, unhex(t, "4e00d507000009000001050061000601ffff0e"))
	require.NoError(t, err)
	require.Len(t, u.Readings, 1)
	assert.Equal(t, activation, d.ActivationDate)
	assert.Equal(t, 97, u.Readings[0].Value)

	_, err = d.Handle(Backfill, unhex(t, "45a100009600060ffc"))
	require.NoError(t, err)
	u, err = d.Handle(Control, unhex(t, "5900003F000000AB933802E2960200EA9D0200"))
	require.NoError(t, err)
	require.Len(t, u.Backfill, 1)
	assert.Equal(t, activation.Add(41285*time.Second), u.Backfill[0].Date)

	u, err = d.Handle(Control, unhex(t, "4a0020c068522a34000030454141443499bb8c00"))
	require.NoError(t, err)
	assert.Equal(t, "604442801220", u.Serial)

	u, err = d.Handle(Control, unhex(t, "5200c0d70d00540602010404ff0c00"))
	require.NoError(t, err)
	assert.Equal(t, 15120, u.MaxLife)

	_, err = d.Handle(JPake, []byte{0x02, 0, 0, 0})
	require.NoError(t, err)
	_, err = d.Handle(Control, unhex(t, "380084000000"))
	require.NoError(t, err)
	assert.Zero(t, d.Pending())
}
