package libre3

import (
	"bytes"
	"crypto/ecdh"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/glucolink/cgm-engine/pkg/crypto"
	"github.com/glucolink/cgm-engine/pkg/link"
	"github.com/glucolink/cgm-engine/pkg/reassembly"
)

// PairState is the position in the security handshake.
type PairState int

const (
	PairIdle PairState = iota
	PairCertificateLoaded
	PairPatchCertificate
	PairPatchEphemeral
	PairChallenge
	PairSessionInfo
	PairAuthenticated
)

func (s PairState) String() string {
	switch s {
	case PairIdle:
		return "notAuthenticated"
	case PairCertificateLoaded:
		return "certificateLoaded"
	case PairPatchCertificate:
		return "awaitingPatchCertificate"
	case PairPatchEphemeral:
		return "awaitingPatchEphemeral"
	case PairChallenge:
		return "awaitingChallenge"
	case PairSessionInfo:
		return "awaitingSessionInfo"
	case PairAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

// ErrPINRequired is returned when a challenge arrives before the BLE PIN
// from the NFC activation is known.
var ErrPINRequired = errors.New("libre3: BLE PIN required to answer the challenge")

// expectation is the announcement that arms a data stream in a state.
type expectation struct {
	event   SecurityEvent
	size    int
	channel string
}

var expectations = map[PairState]expectation{
	PairPatchCertificate: {EventCertificateReady, PatchCertificateSize, CertificateData},
	PairPatchEphemeral:   {EventEphemeralReady, EphemeralSize, CertificateData},
	PairChallenge:        {EventChallengeLoadDone, ChallengeSize, ChallengeData},
	PairSessionInfo:      {EventChallengeLoadDone, SessionInfoSize, ChallengeData},
}

// Pairing runs the Libre 3 certificate exchange, ECDH key agreement and
// challenge authentication.
type Pairing struct {
	SecurityVersion int
	// PIN is the 4-byte BLE PIN returned by the NFC activation.
	PIN []byte

	state            PairState
	stream           *reassembly.Stream
	streamChannel    string
	ephemeral        *ecdh.PrivateKey
	patchCertificate []byte
	patchEphemeral   []byte
	kAuth            []byte
	r1, r2           []byte
	session          *Session
	notify           link.StateFunc
	log              zerolog.Logger
}

// NewPairing returns an idle handshake.
func NewPairing(securityVersion int, pin []byte, notify link.StateFunc, log zerolog.Logger) *Pairing {
	return &Pairing{
		SecurityVersion: securityVersion,
		PIN:             pin,
		stream:          reassembly.NewStream(),
		notify:          notify,
		log:             log,
	}
}

func (p *Pairing) set(s PairState) {
	if p.state == s {
		return
	}
	p.log.Debug().
		Str("from", p.state.String()).
		Str("state", s.String()).
		Msg("Pairing state changed")
	p.state = s
	if p.notify != nil {
		p.notify(s.String())
	}
}

// State implements link.Machine.
func (p *Pairing) State() string { return p.state.String() }

// Authenticated implements link.Machine.
func (p *Pairing) Authenticated() bool { return p.state == PairAuthenticated }

// Session returns the packet session once authenticated.
func (p *Pairing) Session() *Session { return p.session }

// PatchCertificate returns the certificate received from the patch.
func (p *Pairing) PatchCertificate() []byte { return p.patchCertificate }

func command(c SecurityCommand) link.Write {
	return link.Write{Channel: SecurityCommands, Data: []byte{byte(c)}, ExpectResponse: true}
}

func chunks(channel string, data []byte) []link.Write {
	packets := reassembly.Split(data)
	writes := make([]link.Write, 0, len(packets))
	for _, pkt := range packets {
		writes = append(writes, link.Write{Channel: channel, Data: pkt, ExpectResponse: true})
	}
	return writes
}

// Start subscribes the security characteristics and loads the app
// certificate.
func (p *Pairing) Start() ([]link.Write, error) {
	cert := AppCertificate(p.SecurityVersion)
	if cert == nil {
		return nil, fmt.Errorf("libre3: no app certificate for security version %d", p.SecurityVersion)
	}
	p.stream.Reset()
	p.streamChannel = ""
	p.session = nil
	p.state = PairIdle

	writes := []link.Write{
		{Channel: SecurityCommands, Subscribe: true},
		{Channel: CertificateData, Subscribe: true},
		{Channel: ChallengeData, Subscribe: true},
		command(CmdECDHStart),
		command(CmdLoadCertData),
	}
	writes = append(writes, chunks(CertificateData, cert)...)
	writes = append(writes, command(CmdLoadCertDone))
	p.set(PairCertificateLoaded)
	return writes, nil
}

// Handle implements link.Machine.
func (p *Pairing) Handle(channel string, msg []byte) ([]link.Write, error) {
	switch channel {
	case SecurityCommands:
		return p.handleEvent(msg)
	case ChallengeData, CertificateData:
		return p.handleData(channel, msg)
	}
	return nil, link.Unexpected(p.State(), channel, msg)
}

func (p *Pairing) handleEvent(msg []byte) ([]link.Write, error) {
	if len(msg) == 0 {
		return nil, link.Unexpected(p.State(), SecurityCommands, msg)
	}
	event := SecurityEvent(msg[0])
	p.log.Debug().Str("event", event.String()).Int("len", len(msg)).Msg("Security event")

	if p.state == PairCertificateLoaded && event == EventCertificateAccepted {
		p.set(PairPatchCertificate)
		return []link.Write{command(CmdSendCert)}, nil
	}

	want, ok := expectations[p.state]
	if !ok || len(msg) != 2 || event != want.event || int(msg[1]) != want.size {
		return nil, link.Unexpected(p.State(), SecurityCommands, msg)
	}
	p.stream.Expect(want.size)
	p.streamChannel = want.channel
	return nil, nil
}

func (p *Pairing) handleData(channel string, msg []byte) ([]link.Write, error) {
	if channel != p.streamChannel || p.stream.Expected() == 0 {
		return nil, link.Unexpected(p.State(), channel, msg)
	}
	buf, done, err := p.stream.Add(msg)
	if err != nil {
		return nil, err
	}
	if !done {
		return nil, nil
	}
	p.streamChannel = ""
	payload := reassembly.Payload(buf)
	if want := expectations[p.state].size; len(payload) != want {
		return nil, fmt.Errorf("%w: payload of %d bytes, want %d", reassembly.ErrMismatch, len(payload), want)
	}

	switch p.state {
	case PairPatchCertificate:
		return p.onPatchCertificate(payload)
	case PairPatchEphemeral:
		return p.onPatchEphemeral(payload)
	case PairChallenge:
		return p.onChallenge(payload)
	case PairSessionInfo:
		return p.onSessionInfo(payload)
	}
	return nil, link.Unexpected(p.State(), channel, msg)
}

func (p *Pairing) onPatchCertificate(cert []byte) ([]link.Write, error) {
	p.patchCertificate = cert
	p.log.Info().Str("certificate", hex.EncodeToString(cert)).Msg("Patch certificate")

	priv, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	p.ephemeral = priv

	writes := []link.Write{command(CmdKeyAgreement)}
	writes = append(writes, chunks(CertificateData, crypto.PublicKeyX963(priv))...)
	writes = append(writes, command(CmdEphemeralLoadDone))
	p.set(PairPatchEphemeral)
	return writes, nil
}

func (p *Pairing) onPatchEphemeral(pub []byte) ([]link.Write, error) {
	p.patchEphemeral = pub
	kAuth, err := crypto.DeriveSymmetricKey(p.ephemeral, pub, crypto.KeyInfo)
	if err != nil {
		return nil, err
	}
	p.kAuth = kAuth
	p.set(PairChallenge)
	return []link.Write{command(CmdAuthorizeSymmetric)}, nil
}

func (p *Pairing) onChallenge(challenge []byte) ([]link.Write, error) {
	if len(p.PIN) != PINSize {
		return nil, ErrPINRequired
	}
	p.r1 = append([]byte(nil), challenge[:16]...)
	sequence := binary.LittleEndian.Uint16(challenge[16:18])
	nonce1 := challenge[16:23]

	r2, err := crypto.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	p.r2 = r2

	plain := make([]byte, 0, 36)
	plain = append(plain, p.r1...)
	plain = append(plain, p.r2...)
	plain = append(plain, p.PIN...)
	reply, err := crypto.CCMSeal(p.kAuth, nonce1, plain, nil, MACSize)
	if err != nil {
		return nil, err
	}
	p.log.Debug().Uint16("sequence", sequence).Msg("Answering security challenge")

	writes := chunks(ChallengeData, reply)
	writes = append(writes, command(CmdChallengeLoadDone))
	p.set(PairSessionInfo)
	return writes, nil
}

func (p *Pairing) onSessionInfo(info []byte) ([]link.Write, error) {
	plain, err := crypto.CCMOpen(p.kAuth, info[60:67], info[:60], nil, MACSize)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(plain[0:16], p.r2) || !bytes.Equal(plain[16:32], p.r1) {
		return nil, &crypto.CryptoError{Op: "libre3 session info", Err: crypto.ErrAuthentication}
	}
	session, err := NewSession(plain[32:48], plain[48:56], binary.LittleEndian.Uint16(info[60:62]))
	if err != nil {
		return nil, err
	}
	p.session = session
	p.set(PairAuthenticated)

	writes := make([]link.Write, 0, len(DataChannels))
	for _, ch := range DataChannels {
		writes = append(writes, link.Write{Channel: ch, Subscribe: true})
	}
	return writes, nil
}

var _ link.Machine = (*Pairing)(nil)
