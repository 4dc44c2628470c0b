package dexcom

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/glucolink/cgm-engine/pkg/checksum"
	"github.com/glucolink/cgm-engine/pkg/crypto"
	"github.com/glucolink/cgm-engine/pkg/link"
	"github.com/glucolink/cgm-engine/pkg/reassembly"
)

// Sizes of the authentication exchange.
const (
	TokenSize        = 8
	ChallengeRxSize  = 17
	StatusReplySize  = 3
	PakePayloadSize  = 160
	PakeFragmentSize = 20
	requestTrailer   = 0x02
)

var (
	// ErrSerial is returned for a serial that does not yield a 16-byte key.
	ErrSerial = errors.New("dexcom: serial must be 6 characters")
	// ErrJPAKEUnavailable is returned by the default J-PAKE seam.
	ErrJPAKEUnavailable = errors.New("dexcom: J-PAKE implementation unavailable")
)

// AuthState is the position in a Dexcom handshake.
type AuthState int

const (
	AuthNotAuthenticated AuthState = iota
	AuthRequestSent
	AuthChallengeReplied
	AuthExchangingPake
	AuthAuthenticated
	AuthRejected
)

func (s AuthState) String() string {
	switch s {
	case AuthNotAuthenticated:
		return "notAuthenticated"
	case AuthRequestSent:
		return "authRequestSent"
	case AuthChallengeReplied:
		return "challengeReplied"
	case AuthExchangingPake:
		return "exchangingPake"
	case AuthAuthenticated:
		return "authenticated"
	case AuthRejected:
		return "rejected"
	}
	return "unknown"
}

// ClassicKey derives the G6 and ONE AES key from the transmitter serial.
func ClassicKey(serial string) ([]byte, error) {
	key := []byte("00" + serial + "00" + serial)
	if len(key) != 16 {
		return nil, fmt.Errorf("%w: %q", ErrSerial, serial)
	}
	return key, nil
}

// Hash returns the first 8 bytes of the AES-ECB encryption of the value
// doubled.
func Hash(key, value []byte) ([]byte, error) {
	if len(value) != TokenSize {
		return nil, fmt.Errorf("dexcom: hash input of %d bytes", len(value))
	}
	doubled := make([]byte, 0, 2*TokenSize)
	doubled = append(doubled, value...)
	doubled = append(doubled, value...)
	enc, err := crypto.ECBEncrypt(key, doubled)
	if err != nil {
		return nil, err
	}
	return enc[:TokenSize], nil
}

// challenge runs the token and challenge exchange shared by both
// generations.
type challenge struct {
	opcode Opcode
	key    []byte
	token  []byte
}

func (c *challenge) request() (link.Write, error) {
	token, err := crypto.RandomBytes(TokenSize)
	if err != nil {
		return link.Write{}, err
	}
	c.token = token
	data := make([]byte, 0, TokenSize+2)
	data = append(data, byte(c.opcode))
	data = append(data, token...)
	data = append(data, requestTrailer)
	return link.Write{Channel: Authentication, Data: data, ExpectResponse: true}, nil
}

func (c *challenge) reply(msg []byte) (link.Write, error) {
	if len(msg) < ChallengeRxSize {
		return link.Write{}, fmt.Errorf("dexcom: challenge of %d bytes", len(msg))
	}
	want, err := Hash(c.key, c.token)
	if err != nil {
		return link.Write{}, err
	}
	if !bytes.Equal(msg[1:9], want) {
		return link.Write{}, &crypto.CryptoError{Op: "dexcom token hash", Err: crypto.ErrAuthentication}
	}
	h, err := Hash(c.key, msg[9:17])
	if err != nil {
		return link.Write{}, err
	}
	data := append([]byte{byte(OpAuthChallengeTx)}, h...)
	return link.Write{Channel: Authentication, Data: data, ExpectResponse: true}, nil
}

// base holds the state bookkeeping shared by both machines.
type base struct {
	state  AuthState
	bonded bool
	notify link.StateFunc
	log    zerolog.Logger
}

func (b *base) set(s AuthState) {
	if b.state == s {
		return
	}
	b.log.Debug().
		Str("from", b.state.String()).
		Str("state", s.String()).
		Msg("Dexcom auth state changed")
	b.state = s
	if b.notify != nil {
		b.notify(s.String())
	}
}

// State implements link.Machine.
func (b *base) State() string { return b.state.String() }

// Authenticated implements link.Machine.
func (b *base) Authenticated() bool { return b.state == AuthAuthenticated }

// Bonded reports the bond flag of the last status reply.
func (b *base) Bonded() bool { return b.bonded }

// status applies a status reply and returns whether it authenticated.
func (b *base) status(msg []byte) bool {
	authenticated := msg[1] == 1
	b.bonded = msg[2] == 1
	b.log.Info().
		Bool("authenticated", authenticated).
		Bool("bonded", b.bonded).
		Msg("Dexcom status reply")
	if authenticated {
		b.set(AuthAuthenticated)
	} else {
		b.set(AuthRejected)
	}
	return authenticated
}

// FollowUp returns the requests sent once a transmitter authenticated.
// They are independent of each other; replies are decoded and logged as
// they arrive. G6 and ONE transmitters want an XModem trailer on each
// command and also report their clock.
func FollowUp(g7 bool) []link.Write {
	writes := []link.Write{{Channel: Control, Subscribe: true}}
	if !g7 {
		writes = append(writes, link.Write{Channel: Communication, Subscribe: true})
	}
	writes = append(writes, link.Write{Channel: Backfill, Subscribe: true})

	var cmds [][]byte
	if !g7 {
		cmds = append(cmds, []byte{byte(OpTransmitterTimeTx)})
	}
	cmds = append(cmds,
		[]byte{byte(OpTransmitterVersionTx)},
		[]byte{byte(OpTransmitterVersionExtended)},
		[]byte{byte(OpBatteryStatusTx)},
		[]byte{byte(OpAuthStatus), 0x02, 0x02},
		[]byte{byte(OpEncryptionInfo)},
		[]byte{byte(OpEncryptionStatus)},
		[]byte{byte(OpBLEControl), 0x00},
		[]byte{byte(OpBLEControl), 0x03},
	)
	for _, c := range cmds {
		if !g7 {
			c = checksum.AppendXModem(c)
		}
		writes = append(writes, link.Write{Channel: Control, Data: c, ExpectResponse: true})
	}
	return writes
}

// Classic authenticates G6 and ONE transmitters with the serial derived
// key.
type Classic struct {
	base
	Serial string

	challenge challenge
}

// NewClassic returns a machine for the transmitter serial.
func NewClassic(serial string, notify link.StateFunc, log zerolog.Logger) *Classic {
	return &Classic{
		base:      base{notify: notify, log: log},
		Serial:    serial,
		challenge: challenge{opcode: OpAuthRequestTx},
	}
}

// Start implements link.Machine.
func (c *Classic) Start() ([]link.Write, error) {
	key, err := ClassicKey(c.Serial)
	if err != nil {
		return nil, err
	}
	c.challenge.key = key
	c.state = AuthNotAuthenticated

	req, err := c.challenge.request()
	if err != nil {
		return nil, err
	}
	c.set(AuthRequestSent)
	return []link.Write{{Channel: Authentication, Subscribe: true}, req}, nil
}

// Handle implements link.Machine.
func (c *Classic) Handle(channel string, msg []byte) ([]link.Write, error) {
	if channel != Authentication || len(msg) == 0 {
		return nil, link.Unexpected(c.State(), channel, msg)
	}
	switch op := Opcode(msg[0]); {
	case op == OpAuthRequestRx && c.state == AuthRequestSent:
		w, err := c.challenge.reply(msg)
		if err != nil {
			return nil, err
		}
		c.set(AuthChallengeReplied)
		return []link.Write{w}, nil
	case op == OpAuthChallengeRx && c.state == AuthChallengeReplied && len(msg) >= StatusReplySize:
		if c.status(msg) {
			return FollowUp(false), nil
		}
		return nil, nil
	}
	return nil, link.Unexpected(c.State(), channel, msg)
}

// JPAKE is the elliptic curve J-PAKE exchange G7, ONE+ and Stelo
// transmitters require to pair. Round consumes the transmitter's payload
// for a phase and returns the app's own payload; after phase two Key
// returns the app-level key.
type JPAKE interface {
	Round(phase PakePhase, payload []byte) ([]byte, error)
	Key() ([]byte, error)
}

// UnavailableJPAKE fails every round.
type UnavailableJPAKE struct{}

func (UnavailableJPAKE) Round(PakePhase, []byte) ([]byte, error) { return nil, ErrJPAKEUnavailable }
func (UnavailableJPAKE) Key() ([]byte, error)                    { return nil, ErrJPAKEUnavailable }

// G7 authenticates G7 family transmitters. With a known app key it
// answers the challenge directly; otherwise it pairs through the three
// J-PAKE phases first.
type G7 struct {
	base
	JPAKE JPAKE

	challenge challenge
	phase     PakePhase
	pake      *reassembly.Stream
}

// NewG7 returns a machine. appKey may be nil for an unpaired transmitter.
func NewG7(appKey []byte, jpake JPAKE, notify link.StateFunc, log zerolog.Logger) *G7 {
	if jpake == nil {
		jpake = UnavailableJPAKE{}
	}
	return &G7{
		base:      base{notify: notify, log: log},
		JPAKE:     jpake,
		challenge: challenge{opcode: OpAppKeyChallenge, key: appKey},
		pake:      reassembly.NewStream(),
	}
}

// AppKey returns the app-level key, set after pairing.
func (g *G7) AppKey() []byte { return g.challenge.key }

// Phase returns the current J-PAKE phase.
func (g *G7) Phase() PakePhase { return g.phase }

// Start implements link.Machine.
func (g *G7) Start() ([]link.Write, error) {
	g.state = AuthNotAuthenticated
	g.pake.Reset()
	req, err := g.challenge.request()
	if err != nil {
		return nil, err
	}
	g.set(AuthRequestSent)
	return []link.Write{
		{Channel: Authentication, Subscribe: true},
		{Channel: JPake, Subscribe: true},
		req,
	}, nil
}

func exchangePake(phase PakePhase) link.Write {
	return link.Write{
		Channel:        Authentication,
		Data:           []byte{byte(OpExchangePakePayload), byte(phase)},
		ExpectResponse: true,
	}
}

// Handle implements link.Machine.
func (g *G7) Handle(channel string, msg []byte) ([]link.Write, error) {
	if channel == JPake && g.state == AuthExchangingPake {
		return g.handlePake(msg)
	}
	if channel != Authentication || len(msg) == 0 {
		return nil, link.Unexpected(g.State(), channel, msg)
	}

	switch op := Opcode(msg[0]); {
	case op == OpChallengeReply && g.state == AuthRequestSent:
		if len(g.challenge.key) == 0 {
			g.phase = PakePhaseZero
			g.pake.ExpectRaw(PakePayloadSize)
			g.set(AuthExchangingPake)
			return []link.Write{exchangePake(g.phase)}, nil
		}
		w, err := g.challenge.reply(msg)
		if err != nil {
			return nil, err
		}
		g.set(AuthChallengeReplied)
		return []link.Write{w}, nil
	case op == OpStatusReply && g.state == AuthChallengeReplied && len(msg) >= StatusReplySize:
		if g.status(msg) {
			return FollowUp(true), nil
		}
		return nil, nil
	case op == OpExchangePakePayload && g.state == AuthExchangingPake:
		e := g.log.Debug().Int("phase", int(g.phase))
		if len(msg) > 1 {
			e = e.Int("status", int(msg[1]))
		}
		e.Int("pending", g.pake.Pending()).Msg("J-PAKE phase acknowledged")
		return nil, nil
	}
	return nil, link.Unexpected(g.State(), channel, msg)
}

func (g *G7) handlePake(msg []byte) ([]link.Write, error) {
	payload, done, err := g.pake.Add(msg)
	if err != nil {
		return nil, err
	}
	if !done {
		return nil, nil
	}
	g.log.Debug().Int("phase", int(g.phase)).Msg("J-PAKE payload received")

	ours, err := g.JPAKE.Round(g.phase, payload)
	if err != nil {
		return nil, fmt.Errorf("dexcom: J-PAKE phase %d: %w", g.phase, err)
	}
	var writes []link.Write
	for off := 0; off < len(ours); off += PakeFragmentSize {
		end := off + PakeFragmentSize
		if end > len(ours) {
			end = len(ours)
		}
		writes = append(writes, link.Write{Channel: JPake, Data: ours[off:end], ExpectResponse: true})
	}

	if g.phase < PakePhaseTwo {
		g.phase++
		g.pake.ExpectRaw(PakePayloadSize)
		return append(writes, exchangePake(g.phase)), nil
	}

	key, err := g.JPAKE.Key()
	if err != nil {
		return nil, fmt.Errorf("dexcom: J-PAKE key: %w", err)
	}
	g.challenge.key = key
	req, err := g.challenge.request()
	if err != nil {
		return nil, err
	}
	g.set(AuthRequestSent)
	return append(writes, req), nil
}

var (
	_ link.Machine = (*Classic)(nil)
	_ link.Machine = (*G7)(nil)
)
