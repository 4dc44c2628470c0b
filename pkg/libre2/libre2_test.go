package libre2

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glucolink/cgm-engine/pkg/bits"
	"github.com/glucolink/cgm-engine/pkg/checksum"
	"github.com/glucolink/cgm-engine/pkg/link"
	"github.com/glucolink/cgm-engine/pkg/reassembly"
	"github.com/glucolink/cgm-engine/pkg/sensor"
)

var (
	testUID = sensor.UID{0x9c, 0x8a, 0x5c, 0x00, 0x00, 0xa4, 0x07, 0xe0}
	readAt  = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
)

// xorCipher is a reversible stand-in for the vendor cipher keyed by UID.
type xorCipher struct{}

func (xorCipher) xor(uid sensor.UID, data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ uid[i%8] ^ byte(i)
	}
	return out
}

func (x xorCipher) DecryptFRAM(_ sensor.Type, uid sensor.UID, _, data []byte) ([]byte, error) {
	return x.xor(uid, data), nil
}

func (x xorCipher) DecryptBLE(uid sensor.UID, data []byte) ([]byte, error) {
	return x.xor(uid, data), nil
}

func (xorCipher) CommandSuffix(_ sensor.UID, code, secret uint16) ([]byte, error) {
	return []byte{byte(code), byte(secret), 0xCA, 0xFE}, nil
}

func (xorCipher) StreamingUnlockPayload(_ sensor.UID, info []byte, code uint32, count uint16) ([]byte, error) {
	p := make([]byte, 12)
	copy(p, info)
	p[8], p[9] = byte(code), byte(count)
	return p, nil
}

func plainStream(wear int) []byte {
	p := make([]byte, PacketSize)
	for i := 0; i < TrendRecords+HistoryRecords; i++ {
		off := i * bleRecordSize
		p = bits.WriteBits(p, off, 0, 14, 1000+i)
		p = bits.WriteBits(p, off, 0xe, 12, 1500)
		p = bits.WriteBits(p, off, 0x1a, 5, 3)
		if i == 2 {
			p = bits.WriteBits(p, off, 0x1f, 1, 1)
		}
	}
	p[40], p[41] = byte(wear), byte(wear>>8)
	checksum.Put(p, 42, checksum.CRC16(p[:42]))
	return p
}

func TestDecodeStreamEndToEnd(t *testing.T) {
	plain := plainStream(1000)
	enc := xorCipher{}.xor(testUID, plain)

	asm := NewAssembler()
	_, done, err := asm.Add(enc[:20])
	require.NoError(t, err)
	require.False(t, done)
	_, done, _ = asm.Add(enc[20:38])
	require.False(t, done)
	msg, done, err := asm.Add(enc[38:])
	require.NoError(t, err)
	require.True(t, done)

	p, err := DecodeStream(xorCipher{}, testUID, msg, readAt)
	require.NoError(t, err)
	assert.True(t, p.Valid(), p.Report())
	assert.Equal(t, 1000, p.WearTime)

	require.Len(t, p.Trend, 7)
	require.Len(t, p.History, 3)

	wantTrend := []int{1000, 998, 996, 994, 993, 988, 985}
	for i, g := range p.Trend {
		assert.Equal(t, wantTrend[i], g.ID)
		assert.Equal(t, 1000+i, g.RawValue)
		assert.Equal(t, 6000, g.RawTemperature)
		assert.Equal(t, readAt.Add(-time.Duration(1000-g.ID)*time.Minute), g.Date)
		assert.Equal(t, "ble", g.Source)
	}
	assert.Equal(t, -12, p.Trend[2].TemperatureAdjustment)
	assert.Equal(t, 12, p.Trend[3].TemperatureAdjustment)

	wantHistory := []int{990, 975, 960}
	for i, g := range p.History {
		assert.Equal(t, wantHistory[i], g.ID)
		assert.Equal(t, 1007+i, g.RawValue)
	}
	assert.Len(t, p.Readings(), 10)
}

func TestDecodeStreamCRCFailure(t *testing.T) {
	plain := plainStream(500)
	plain[5] ^= 0x10
	p := ParseStream(plain, readAt)
	assert.False(t, p.Valid())
	assert.Contains(t, p.Report(), "FAILED")
}

func TestDecodeStreamErrors(t *testing.T) {
	_, err := DecodeStream(xorCipher{}, sensor.UID{}, make([]byte, PacketSize), readAt)
	assert.ErrorIs(t, err, ErrUnknownUID)

	_, err = DecodeStream(Unavailable{}, testUID, make([]byte, PacketSize), readAt)
	assert.ErrorIs(t, err, ErrCipherUnavailable)

	_, err = DecodeStream(xorCipher{}, testUID, make([]byte, 38), readAt)
	assert.Error(t, err)
}

func TestHistoryDue(t *testing.T) {
	assert.True(t, HistoryDue(17, 0))
	assert.False(t, HistoryDue(18, 15))
	assert.True(t, HistoryDue(40, 15))
}

// fakeLibrary records calls and answers like a working Gen2 library.
type fakeLibrary struct {
	calls   []int
	failP2  error
	payload []byte
}

func (f *fakeLibrary) P1(command, arg int, d1, d2 []byte) int {
	f.calls = append(f.calls, command)
	switch command {
	case CmdGetAuthContext:
		return 7
	case CmdGetCreateSession:
		if len(d2) != SessionInfoSize {
			return int(ErrGen2ResponseSize)
		}
		return 0
	}
	return 0
}

func (f *fakeLibrary) P2(command, context int, d1, d2 []byte) ([]byte, error) {
	f.calls = append(f.calls, command)
	if f.failP2 != nil {
		return nil, f.failP2
	}
	switch command {
	case CmdGetBLEAuthenticatedCmd:
		return append([]byte(nil), f.payload...), nil
	case CmdGetNFCAuthenticatedCmd:
		return []byte{0, 0, 0, 0, 9, 9}, nil
	case CmdVerifyResponse:
		return []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}, nil
	case CmdGetPValues:
		return []byte{0xA, 0xB, 0xC, 0xD, 0xE, 0xF, 0x10}, nil
	case CmdDecryptBLEData:
		return d1, nil
	}
	return []byte{}, nil
}

func TestGen2AuthTransitions(t *testing.T) {
	lib := &fakeLibrary{payload: make([]byte, StreamingUnlockPayloadSize)}
	var states []string
	a := NewGen2Auth(testUID, make([]byte, 12), Gen2{Lib: lib}, func(s string) { states = append(states, s) }, zerolog.Nop())
	assert.Equal(t, "AUTH_STATE_NOT_AUTHENTICATED", a.State())

	writes, err := a.Start()
	require.NoError(t, err)
	require.Len(t, writes, 2)
	assert.True(t, writes[0].Subscribe)
	assert.Equal(t, LoginUUID, writes[1].Channel)
	assert.Equal(t, ReadChallenge, writes[1].Data)
	assert.Equal(t, ChallengeResponse.String(), a.State())

	writes, err = a.Handle(LoginUUID, make([]byte, ChallengeSize))
	require.NoError(t, err)
	require.Len(t, writes, 1)
	assert.Len(t, writes[0].Data, StreamingUnlockPayloadSize)
	assert.Equal(t, GetSessionInfo.String(), a.State())
	assert.Equal(t, 7, a.Context())

	writes, err = a.Handle(LoginUUID, make([]byte, SessionInfoHeadSize))
	require.NoError(t, err)
	assert.Empty(t, writes)
	assert.False(t, a.Authenticated())

	writes, err = a.Handle(LoginUUID, make([]byte, SessionInfoTailSize))
	require.NoError(t, err)
	assert.True(t, a.Authenticated())
	assert.Len(t, a.SessionInfo(), SessionInfoSize)
	require.Len(t, writes, 1)
	assert.Equal(t, link.Write{Channel: DataUUID, Subscribe: true}, writes[0])
	assert.Equal(t, 7, a.Context())

	assert.Equal(t, []string{
		"AUTH_STATE_ENABLE_NOTIFICATION",
		"AUTH_STATE_CHALLENGE_RESPONSE",
		"AUTH_STATE_GET_SESSION_INFO",
		"AUTH_STATE_AUTHENTICATED",
	}, states)
	assert.Contains(t, lib.calls, CmdGetCreateSession)

	out, err := a.Decrypter().DecryptBLE(testUID, []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, out)
}

func TestGen2AuthWithoutLibrary(t *testing.T) {
	a := NewGen2Auth(testUID, nil, Gen2{}, nil, zerolog.Nop())
	_, err := a.Start()
	require.NoError(t, err)

	writes, err := a.Handle(LoginUUID, make([]byte, ChallengeSize))
	require.NoError(t, err)
	assert.Empty(t, writes)
	assert.Equal(t, GetSessionInfo.String(), a.State())

	_, err = a.Handle(LoginUUID, make([]byte, SessionInfoHeadSize))
	require.NoError(t, err)
	_, err = a.Handle(LoginUUID, make([]byte, SessionInfoTailSize))
	require.NoError(t, err)
	assert.True(t, a.Authenticated())

	_, err = a.Decrypter().DecryptBLE(testUID, nil)
	assert.ErrorIs(t, err, ErrGen2AuthContext)
}

func TestGen2AuthUnexpected(t *testing.T) {
	a := NewGen2Auth(testUID, nil, Gen2{}, nil, zerolog.Nop())

	_, err := a.Handle(LoginUUID, make([]byte, ChallengeSize))
	assert.ErrorIs(t, err, link.ErrUnexpectedMessage)
	assert.Equal(t, NotAuthenticated.String(), a.State())

	_, _ = a.Start()
	_, err = a.Handle(LoginUUID, make([]byte, 13))
	assert.ErrorIs(t, err, link.ErrUnexpectedMessage)
	assert.Equal(t, ChallengeResponse.String(), a.State())

	_, err = a.Handle(DataUUID, make([]byte, ChallengeSize))
	assert.ErrorIs(t, err, link.ErrUnexpectedMessage)

	_, _ = a.Handle(LoginUUID, make([]byte, ChallengeSize))
	_, err = a.Handle(LoginUUID, make([]byte, SessionInfoTailSize))
	assert.ErrorIs(t, err, link.ErrUnexpectedMessage)
	assert.Equal(t, GetSessionInfo.String(), a.State())
}

func TestGen2Errors(t *testing.T) {
	assert.Equal(t, ErrGen2CRCMismatch, Gen2ErrorOf(-17))
	assert.Equal(t, ErrGen2MissingNative, Gen2ErrorOf(-3))
	assert.Equal(t, 10, ErrGen2CRCMismatch.Ordinal())
	assert.Equal(t, 13, ErrGen2Process.Ordinal())
	assert.Contains(t, ErrGen2KDF.Error(), "GEN2_SEC_ERROR_KDF")

	g := Gen2{}
	_, _, err := g.StreamingUnlockPayload(testUID, make([]byte, 12), nil)
	assert.ErrorIs(t, err, ErrGen2MissingNative)

	_, _, err = g.StreamingUnlockPayload(testUID, make([]byte, 4), nil)
	assert.ErrorIs(t, err, ErrGen2InvalidResponse)

	lib := &fakeLibrary{failP2: errors.New("boom")}
	_, err = Gen2{Lib: lib}.DecryptStreamingData(3, nil)
	assert.ErrorIs(t, err, ErrGen2Process)

	lib = &fakeLibrary{payload: make([]byte, 5)}
	_, _, err = Gen2{Lib: lib}.StreamingUnlockPayload(testUID, make([]byte, 10), nil)
	assert.ErrorIs(t, err, ErrGen2ResponseSize)
	assert.Contains(t, lib.calls, CmdEndSession)
}

func TestGen2NFCCommand(t *testing.T) {
	out, ctx, err := Gen2{Lib: &fakeLibrary{}}.AuthenticatedCommandNFC(byte(SubGetSessionInfo), testUID, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, ctx)
	assert.Equal(t, []byte{0x02, 0xA1, 0x07, 0x1f, 9, 9}, out)
}

func TestVerifyEnableStreamingResponse(t *testing.T) {
	authData, output, err := Gen2{Lib: &fakeLibrary{}}.VerifyEnableStreamingResponse(7, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xA, 0xB, 0xC, 0xD, 0xE, 0xF, 0x10, 7, 8, 9}, authData)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, output)
}

func TestGen1Unlock(t *testing.T) {
	info := []byte{0x9D, 0x08, 0x30, 0x01, 0x76, 0x25}
	var states []string
	u := NewGen1Unlock(testUID, info, 42, 3, xorCipher{}, func(s string) { states = append(states, s) }, zerolog.Nop())

	writes, err := u.Start()
	require.NoError(t, err)
	assert.Equal(t, uint16(4), u.UnlockCount)
	require.Len(t, writes, 2)
	assert.Equal(t, LoginUUID, writes[1].Channel)
	assert.Len(t, writes[1].Data, 12)
	assert.Equal(t, byte(4), writes[1].Data[9])
	assert.True(t, u.Authenticated())
	assert.Equal(t, []string{"AUTH_STATE_BLE_LOGIN"}, states)

	u = NewGen1Unlock(testUID, info, 42, 3, Unavailable{}, nil, zerolog.Nop())
	_, err = u.Start()
	assert.ErrorIs(t, err, ErrCipherUnavailable)
}

func TestCommands(t *testing.T) {
	c := Commands{UID: testUID, SecurityGeneration: 1, Cipher: xorCipher{}, Secret: 0x1b}

	cmd, err := c.Subcommand(SubUnlock, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(CodeUniversal), cmd.Code)
	assert.Equal(t, []byte{0x1a, 0x1a, 0x1b, 0xCA, 0xFE}, cmd.Parameters)

	cmd, err = c.Subcommand(SubReadAttribute, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x22}, cmd.Parameters)

	cmd, err = c.EnableStreaming(42)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1e, 42, 0, 0, 0, 0x1e, 0x1b, 0xCA, 0xFE}, cmd.Parameters)

	_, err = Commands{UID: testUID}.Subcommand(SubActivate, nil)
	assert.ErrorIs(t, err, ErrCipherUnavailable)

	_, err = Commands{SecurityGeneration: 2}.Activate()
	assert.ErrorIs(t, err, ErrCommandNotSupported)

	assert.Equal(t, Command{Code: CodeReadBlock, Parameters: []byte{0x2b, 0x01}, Description: "B0 read block"}, c.ReadBlocks(0x12b, 1))
	assert.Equal(t, []byte{3, 0, 2}, c.ReadBlocks(3, 3).Parameters)
	assert.Equal(t, byte(CodeReadBlocks), c.ReadBlocks(3, 3).Code)

	g2 := Commands{SecurityGeneration: 2}
	assert.Equal(t, []byte{0x21, 3, 2}, g2.ReadBlocks(3, 3).Parameters)
	assert.Equal(t, byte(CodeReadBlocks), g2.ReadBlocks(0x100, 3).Code)

	assert.Equal(t, "enable BLE streaming", SubEnableStream.String())
	assert.Equal(t, "[unknown: 0x1c]", SubUnknown1C.String())
	assert.Equal(t, "block not available (out of memory range)", ISOErrorDescription(0x10))
	assert.Equal(t, "reading blocks error", ErrReadBlocks.Error())
}

func TestParseEnableStreaming(t *testing.T) {
	mac, err := ParseEnableStreaming([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06})
	require.NoError(t, err)
	assert.Equal(t, "06:05:04:03:02:01", mac)

	_, err = ParseEnableStreaming([]byte{1})
	assert.Error(t, err)
}

type fakeTag struct {
	sent []Command
	gen2 bool
}

func (f *fakeTag) Send(_ context.Context, cmd Command) ([]byte, error) {
	f.sent = append(f.sent, cmd)
	n := int(cmd.Parameters[len(cmd.Parameters)-1]) + 1
	if cmd.Code == CodeReadBlock {
		n = 1
	}
	out := make([]byte, n*reassembly.BlockSize)
	if f.gen2 {
		out = append(make([]byte, 8), out...)
	}
	return out, nil
}

func TestBlockReaderOverTag(t *testing.T) {
	tag := &fakeTag{}
	c := Commands{SecurityGeneration: 1}
	r, err := c.BlockReader(tag, reassembly.NewBlockReader(nil, zerolog.Nop()))
	require.NoError(t, err)

	data, err := r.Read(context.Background(), 0, 43)
	require.NoError(t, err)
	assert.Len(t, data, 43*reassembly.BlockSize)
	assert.Len(t, tag.sent, 15)
	assert.Equal(t, byte(CodeReadBlock), tag.sent[14].Code)

	tag = &fakeTag{gen2: true}
	r, err = Commands{SecurityGeneration: 2}.BlockReader(tag, reassembly.NewBlockReader(nil, zerolog.Nop()))
	require.NoError(t, err)
	data, err = r.Read(context.Background(), 0, 6)
	require.NoError(t, err)
	assert.Len(t, data, 48)

	_, err = Commands{}.BlockReader(tag, reassembly.NewBlockReader(nil, zerolog.Nop()))
	assert.ErrorIs(t, err, ErrNoSecurity)
}
