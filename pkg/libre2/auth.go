package libre2

import (
	"encoding/hex"

	"github.com/rs/zerolog"

	"github.com/glucolink/cgm-engine/pkg/link"
	"github.com/glucolink/cgm-engine/pkg/sensor"
)

// AuthState is the Abbott BLE authentication state.
type AuthState int

const (
	NotAuthenticated AuthState = iota
	EnableNotification
	ChallengeResponse
	GetSessionInfo
	Authenticated
	BLELogin
)

func (s AuthState) String() string {
	switch s {
	case NotAuthenticated:
		return "AUTH_STATE_NOT_AUTHENTICATED"
	case EnableNotification:
		return "AUTH_STATE_ENABLE_NOTIFICATION"
	case ChallengeResponse:
		return "AUTH_STATE_CHALLENGE_RESPONSE"
	case GetSessionInfo:
		return "AUTH_STATE_GET_SESSION_INFO"
	case Authenticated:
		return "AUTH_STATE_AUTHENTICATED"
	case BLELogin:
		return "AUTH_STATE_BLE_LOGIN"
	}
	return "AUTH_STATE_UNKNOWN"
}

// Message sizes on the login characteristic.
const (
	ChallengeSize       = 14
	SessionInfoHeadSize = 7
	SessionInfoTailSize = 18
	SessionInfoSize     = SessionInfoHeadSize + SessionInfoTailSize
)

// ReadChallenge is written to the login characteristic to request the
// security challenge.
var ReadChallenge = []byte{0x20}

// Gen2Auth authenticates a Gen2 Libre 2 over BLE.
type Gen2Auth struct {
	UID sensor.UID
	// AuthData is the streaming authentication data saved when streaming
	// was enabled over NFC.
	AuthData []byte
	Gen2     Gen2

	state       AuthState
	challenge   []byte
	sessionInfo []byte
	context     int
	notify      link.StateFunc
	log         zerolog.Logger
}

// NewGen2Auth returns a machine in NotAuthenticated.
func NewGen2Auth(uid sensor.UID, authData []byte, g Gen2, notify link.StateFunc, log zerolog.Logger) *Gen2Auth {
	return &Gen2Auth{
		UID:      uid,
		AuthData: authData,
		Gen2:     g,
		notify:   notify,
		log:      log,
	}
}

func (a *Gen2Auth) set(s AuthState) {
	if a.state == s {
		return
	}
	a.log.Debug().
		Str("from", a.state.String()).
		Str("state", s.String()).
		Msg("Authentication state changed")
	a.state = s
	if a.notify != nil {
		a.notify(s.String())
	}
}

// State implements link.Machine.
func (a *Gen2Auth) State() string { return a.state.String() }

// Authenticated implements link.Machine.
func (a *Gen2Auth) Authenticated() bool { return a.state == Authenticated }

// Context is the streaming session context, 0 when none was created.
func (a *Gen2Auth) Context() int { return a.context }

// SessionInfo returns the 25 bytes received before authentication.
func (a *Gen2Auth) SessionInfo() []byte { return a.sessionInfo }

// Start enables login notifications and requests the challenge.
func (a *Gen2Auth) Start() ([]link.Write, error) {
	a.challenge = nil
	a.sessionInfo = nil
	a.state = NotAuthenticated
	a.set(EnableNotification)
	writes := []link.Write{{Channel: LoginUUID, Subscribe: true}}
	a.set(ChallengeResponse)
	writes = append(writes, link.Write{Channel: LoginUUID, Data: ReadChallenge, ExpectResponse: true})
	return writes, nil
}

// Handle implements link.Machine.
func (a *Gen2Auth) Handle(channel string, msg []byte) ([]link.Write, error) {
	if channel != LoginUUID {
		return nil, link.Unexpected(a.State(), channel, msg)
	}

	switch {
	case a.state == ChallengeResponse && len(msg) == ChallengeSize:
		a.challenge = append([]byte(nil), msg...)
		a.log.Info().Str("challenge", hex.EncodeToString(msg)).Msg("Challenge response")
		var writes []link.Write
		payload, context, err := a.Gen2.StreamingUnlockPayload(a.UID, a.AuthData, a.challenge)
		if err != nil {
			a.log.Warn().Err(err).Msg("Streaming unlock payload unavailable")
		} else {
			a.context = context
			writes = append(writes, link.Write{Channel: LoginUUID, Data: payload, ExpectResponse: true})
		}
		a.set(GetSessionInfo)
		return writes, nil

	case a.state == GetSessionInfo && len(msg) == SessionInfoHeadSize:
		a.sessionInfo = append([]byte(nil), msg...)
		return nil, nil

	case a.state == GetSessionInfo && len(msg) == SessionInfoTailSize && len(a.sessionInfo) == SessionInfoHeadSize:
		a.sessionInfo = append(a.sessionInfo, msg...)
		if a.context > 0 {
			if err := a.Gen2.CreateSecureStreamingSession(a.context, a.sessionInfo); err != nil {
				a.log.Warn().Err(err).Msg("Streaming session not created")
				a.context = 0
			}
		}
		a.set(Authenticated)
		return []link.Write{{Channel: DataUUID, Subscribe: true}}, nil
	}
	return nil, link.Unexpected(a.State(), channel, msg)
}

// Decrypter returns the stream decrypter of the authenticated session.
func (a *Gen2Auth) Decrypter() StreamDecrypter {
	return StreamDecrypter{Gen2: a.Gen2, Context: a.context}
}

// Gen1Unlock logs a Gen1 Libre 2 in with the streaming unlock payload.
type Gen1Unlock struct {
	UID              sensor.UID
	InitialPatchInfo []byte
	UnlockCode       uint32
	// UnlockCount is the count used by the last login; Start increments it.
	UnlockCount uint16
	Cipher      Cipher

	state  AuthState
	notify link.StateFunc
	log    zerolog.Logger
}

// NewGen1Unlock returns a machine in NotAuthenticated.
func NewGen1Unlock(uid sensor.UID, initialPatchInfo []byte, code uint32, count uint16, c Cipher, notify link.StateFunc, log zerolog.Logger) *Gen1Unlock {
	return &Gen1Unlock{
		UID:              uid,
		InitialPatchInfo: initialPatchInfo,
		UnlockCode:       code,
		UnlockCount:      count,
		Cipher:           c,
		notify:           notify,
		log:              log,
	}
}

// Start increments the unlock count and writes the login payload. The
// caller persists UnlockCount.
func (u *Gen1Unlock) Start() ([]link.Write, error) {
	u.UnlockCount++
	payload, err := u.Cipher.StreamingUnlockPayload(u.UID, u.InitialPatchInfo, u.UnlockCode, u.UnlockCount)
	if err != nil {
		return nil, err
	}
	u.log.Info().
		Str("payload", hex.EncodeToString(payload)).
		Uint32("code", u.UnlockCode).
		Uint16("count", u.UnlockCount).
		Msg("Writing streaming unlock payload")
	u.state = BLELogin
	if u.notify != nil {
		u.notify(u.state.String())
	}
	return []link.Write{
		{Channel: DataUUID, Subscribe: true},
		{Channel: LoginUUID, Data: payload, ExpectResponse: true},
	}, nil
}

// Handle implements link.Machine. Gen1 sensors start streaming without a
// reply on the login characteristic.
func (u *Gen1Unlock) Handle(channel string, msg []byte) ([]link.Write, error) {
	return nil, link.Unexpected(u.State(), channel, msg)
}

func (u *Gen1Unlock) State() string { return u.state.String() }

// Authenticated reports whether the login payload was written.
func (u *Gen1Unlock) Authenticated() bool { return u.state == BLELogin }

var (
	_ link.Machine = (*Gen2Auth)(nil)
	_ link.Machine = (*Gen1Unlock)(nil)
)
