package libre2

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/glucolink/cgm-engine/pkg/sensor"
)

// Gen2 library commands.
const (
	CmdGetSessionInfo          = 0x1f
	CmdDecryptBLEData          = 773
	CmdDecryptNFCData          = 12545
	CmdDecryptNFCStream        = 6520
	CmdEndSession              = 37400
	CmdGetAuthContext          = 28960
	CmdGetBLEAuthenticatedCmd  = 6505
	CmdGetCreateSession        = 29465
	CmdGetNFCAuthenticatedCmd  = 6440
	CmdGetPValues              = 6145
	CmdInitLib                 = 0
	CmdVerifyResponse          = 22321
	StreamingUnlockPayloadSize = 19
)

// Gen2Error is a status code returned by the Gen2 library.
type Gen2Error int

const (
	ErrGen2Init               Gen2Error = -1
	ErrGen2Cmd                Gen2Error = -2
	ErrGen2KDF                Gen2Error = -9
	ErrGen2ResponseSize       Gen2Error = -10
	ErrGen2AuthContext        Gen2Error = -11
	ErrGen2PRNG               Gen2Error = -12
	ErrGen2KeyNotFound        Gen2Error = -13
	ErrGen2SKB                Gen2Error = -14
	ErrGen2InvalidResponse    Gen2Error = -15
	ErrGen2InsufficientBuffer Gen2Error = -16
	ErrGen2CRCMismatch        Gen2Error = -17
	ErrGen2MissingNative      Gen2Error = -98
	ErrGen2Process            Gen2Error = -99
)

var gen2Errors = map[Gen2Error]struct {
	name    string
	ordinal int
}{
	ErrGen2AuthContext:        {"GEN2_ERROR_AUTH_CONTEXT", 1},
	ErrGen2KeyNotFound:        {"GEN2_ERROR_KEY_NOT_FOUND", 2},
	ErrGen2Init:               {"GEN2_SEC_ERROR_INIT", 3},
	ErrGen2Cmd:                {"GEN2_SEC_ERROR_CMD", 4},
	ErrGen2ResponseSize:       {"GEN2_SEC_ERROR_RESPONSE_SIZE", 5},
	ErrGen2InsufficientBuffer: {"GEN2_ERROR_INSUFFICIENT_BUFFER", 6},
	ErrGen2MissingNative:      {"GEN2_ERROR_MISSING_NATIVE", 7},
	ErrGen2KDF:                {"GEN2_SEC_ERROR_KDF", 8},
	ErrGen2PRNG:               {"GEN2_ERROR_PRNG_ERROR", 9},
	ErrGen2CRCMismatch:        {"GEN2_ERROR_CRC_MISMATCH", 10},
	ErrGen2SKB:                {"GEN2_ERROR_SKB_ERROR", 11},
	ErrGen2InvalidResponse:    {"GEN2_ERROR_INVALID_RESPONSE", 12},
	ErrGen2Process:            {"GEN2_ERROR_PROCESS_ERROR", 13},
}

// Gen2ErrorOf maps a library status to its error. Unknown codes map to
// ErrGen2MissingNative.
func Gen2ErrorOf(code int) Gen2Error {
	if _, ok := gen2Errors[Gen2Error(code)]; ok {
		return Gen2Error(code)
	}
	return ErrGen2MissingNative
}

func (e Gen2Error) Error() string {
	return fmt.Sprintf("gen2: %s (%d)", gen2Errors[e].name, int(e))
}

// Ordinal is the position of the error in the library's own enumeration.
func (e Gen2Error) Ordinal() int {
	return gen2Errors[e].ordinal
}

// Library is the vendor Gen2 security library. P1 returns a context or a
// negative status; P2 returns command output.
type Library interface {
	P1(command, arg int, d1, d2 []byte) int
	P2(command, context int, d1, d2 []byte) ([]byte, error)
}

// UnavailableLibrary answers every call with ErrGen2MissingNative.
type UnavailableLibrary struct{}

func (UnavailableLibrary) P1(int, int, []byte, []byte) int {
	return int(ErrGen2MissingNative)
}

func (UnavailableLibrary) P2(int, int, []byte, []byte) ([]byte, error) {
	return nil, ErrGen2MissingNative
}

// Gen2 drives the security library for one sensor.
type Gen2 struct {
	Lib Library
}

func (g Gen2) lib() Library {
	if g.Lib == nil {
		return UnavailableLibrary{}
	}
	return g.Lib
}

func (g Gen2) p1(command, arg int, d1, d2 []byte) (int, error) {
	ctx := g.lib().P1(command, arg, d1, d2)
	if ctx < 0 {
		return ctx, Gen2ErrorOf(ctx)
	}
	return ctx, nil
}

func (g Gen2) p2(command, context int, d1, d2 []byte) ([]byte, error) {
	out, err := g.lib().P2(command, context, d1, d2)
	if err == nil && out == nil {
		err = ErrGen2Process
	}
	if err != nil {
		var code Gen2Error
		if !errors.As(err, &code) {
			err = fmt.Errorf("%w: %v", ErrGen2Process, err)
		}
		return nil, err
	}
	return out, nil
}

// CreateSecureSession opens a session of the given kind (0 NFC, 1 BLE
// streaming) from the sensor's session info.
func (g Gen2) CreateSecureSession(context, kind int, sessionInfo []byte) error {
	_, err := g.p1(CmdGetCreateSession, context, []byte{byte(kind)}, sessionInfo)
	return err
}

// EndSession releases context.
func (g Gen2) EndSession(context int) {
	g.lib().P1(CmdEndSession, context, nil, nil)
}

func (g Gen2) authenticatedCommand(libCmd int, transport byte, command byte, uid sensor.UID, attr int, challenge []byte) ([]byte, int, error) {
	context, err := g.p1(CmdGetAuthContext, attr, uid[:], nil)
	if err != nil {
		return nil, context, err
	}
	out, err := g.p2(libCmd, context, []byte{transport, command}, challenge)
	if err != nil {
		g.EndSession(context)
		return nil, 0, err
	}
	return out, context, nil
}

// AuthenticatedCommandBLE builds a command authenticated for the BLE login
// characteristic.
func (g Gen2) AuthenticatedCommandBLE(command byte, uid sensor.UID, attr int, challenge []byte) ([]byte, int, error) {
	return g.authenticatedCommand(CmdGetBLEAuthenticatedCmd, 1, command, uid, attr, challenge)
}

// AuthenticatedCommandNFC builds an A1 command authenticated for NFC. The
// first four output bytes are rewritten to 02 A1 <manufacturer> <command>.
func (g Gen2) AuthenticatedCommandNFC(command byte, uid sensor.UID, attr int, challenge []byte) ([]byte, int, error) {
	out, context, err := g.authenticatedCommand(CmdGetNFCAuthenticatedCmd, 0, command, uid, attr, challenge)
	if err != nil {
		return nil, context, err
	}
	if len(out) < 4 {
		g.EndSession(context)
		return nil, 0, ErrGen2ResponseSize
	}
	manufacturer := byte(0x07)
	if !uid.IsZero() {
		manufacturer = uid[6]
	}
	copy(out[:4], []byte{0x02, 0xA1, manufacturer, command})
	return out, context, nil
}

// DecryptNFCStream decrypts count blocks read from fromBlock.
func (g Gen2) DecryptNFCStream(context, fromBlock, count int, data []byte) ([]byte, error) {
	return g.p2(CmdDecryptNFCStream, context, []byte{byte(fromBlock), byte(count)}, data)
}

// StreamingUnlockPayload derives the 19-byte payload answering a BLE
// login challenge. authData is the 10 or 12 bytes saved when streaming was
// enabled; the returned context decrypts the stream.
func (g Gen2) StreamingUnlockPayload(uid sensor.UID, authData, challenge []byte) ([]byte, int, error) {
	attr := -1
	switch {
	case len(authData) == 12:
		attr = int(binary.LittleEndian.Uint16(authData[10:12]))
	case len(authData) < 10:
		return nil, 0, fmt.Errorf("%w: auth data is %d bytes", ErrGen2InvalidResponse, len(authData))
	}
	extended := append(append([]byte(nil), authData[:10]...), challenge...)
	out, context, err := g.AuthenticatedCommandBLE(CmdGetSessionInfo, uid, attr, extended)
	if err != nil {
		return nil, context, err
	}
	if len(out) != StreamingUnlockPayloadSize {
		g.EndSession(context)
		return nil, 0, fmt.Errorf("%w: payload is %d bytes", ErrGen2ResponseSize, len(out))
	}
	return out, context, nil
}

// CreateSecureStreamingSession opens the BLE session for context from the
// 25-byte session info. A failed session is ended.
func (g Gen2) CreateSecureStreamingSession(context int, sessionInfo []byte) error {
	if err := g.CreateSecureSession(context, 1, sessionInfo); err != nil {
		g.EndSession(context)
		return err
	}
	return nil
}

// VerifyCommandResponse checks a sensor response and returns size bytes
// of verified output.
func (g Gen2) VerifyCommandResponse(context, arg int, challenge []byte, size int) ([]byte, error) {
	out, err := g.p2(CmdVerifyResponse, context, []byte{byte(arg), byte(size)}, challenge)
	if err != nil {
		g.EndSession(context)
		return nil, err
	}
	return out, nil
}

// VerifyEnableStreamingResponse verifies the enable-streaming reply and
// returns the 10 bytes of streaming authentication data plus the 6-byte
// output that follows the verified response.
func (g Gen2) VerifyEnableStreamingResponse(context int, challenge []byte) (authData, output []byte, err error) {
	verified, err := g.VerifyCommandResponse(context, 0, challenge, 9)
	if err != nil {
		return nil, nil, err
	}
	if len(verified) < 9 {
		g.EndSession(context)
		return nil, nil, ErrGen2ResponseSize
	}
	pvalues, err := g.p2(CmdGetPValues, context, []byte{7}, nil)
	if err != nil {
		g.EndSession(context)
		return nil, nil, err
	}
	authData = append(append([]byte(nil), pvalues...), verified[6:9]...)
	output = append([]byte(nil), verified[:6]...)
	return authData, output, nil
}

// DecryptStreamingData decrypts one BLE payload of an open session.
func (g Gen2) DecryptStreamingData(context int, data []byte) ([]byte, error) {
	return g.p2(CmdDecryptBLEData, context, data, nil)
}

// StreamDecrypter adapts an open streaming session to BLEDecrypter.
type StreamDecrypter struct {
	Gen2    Gen2
	Context int
}

func (s StreamDecrypter) DecryptBLE(_ sensor.UID, data []byte) ([]byte, error) {
	if s.Context <= 0 {
		return nil, ErrGen2AuthContext
	}
	return s.Gen2.DecryptStreamingData(s.Context, data)
}
