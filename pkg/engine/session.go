package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/glucolink/cgm-engine/pkg/calibration"
	"github.com/glucolink/cgm-engine/pkg/dexcom"
	"github.com/glucolink/cgm-engine/pkg/libre2"
	"github.com/glucolink/cgm-engine/pkg/libre3"
	"github.com/glucolink/cgm-engine/pkg/link"
	"github.com/glucolink/cgm-engine/pkg/reassembly"
	"github.com/glucolink/cgm-engine/pkg/sensor"
)

// session is the per-connection state. Every field is guarded by mu.
type session struct {
	mu sync.Mutex

	device       string
	identity     sensor.Identity
	serial       string
	calibration  calibration.Info
	machine      link.Machine
	authChannels map[string]bool
	assemblers   *reassembly.Controller
	decoder      *dexcom.Decoder
	states       []string
	appKeySaved  bool
	log          zerolog.Logger
}

func (s *session) notify(state string) {
	s.states = append(s.states, state)
}

func (s *session) close() {
	s.assemblers.Reset()
	if a, ok := s.machine.(*libre2.Gen2Auth); ok && a.Context() > 0 {
		a.Gen2.EndSession(a.Context())
	}
	s.machine = nil
}

func (e *Engine) newSession(ctx context.Context, device string, a Attach) (*session, error) {
	l := &loader{ctx: ctx, s: e.settings, device: device}
	s := &session{
		device:       device,
		authChannels: make(map[string]bool),
		log:          e.log.With().Str("device", device).Logger(),
	}
	s.assemblers = reassembly.NewController(s.log)

	if a.Type.IsDexcom() {
		s.identity = sensor.Identity{Type: a.Type}
		s.serial = a.Serial
		if s.serial == "" {
			s.serial = l.string(KeyTransmitterSerial)
		}
	} else {
		s.identity = l.identity()
		if u, ok := sensor.UIDFromManufacturerData(a.ManufacturerData); ok && s.identity.UID.IsZero() {
			s.identity.UID = u
		}
		if s.identity.Type == sensor.TypeUnknown && a.Type != sensor.TypeUnknown {
			s.identity.Type = a.Type
		}
		s.serial = l.string(KeySerial)
		s.calibration = l.calibration()
	}
	if l.err != nil {
		return nil, l.err
	}

	var err error
	switch p := s.identity.Protocol(); p {
	case sensor.ProtocolAbbottGen1:
		err = e.attachGen1(l, s)
	case sensor.ProtocolAbbottGen2:
		err = e.attachGen2(l, s)
	case sensor.ProtocolAbbottGen3:
		err = e.attachGen3(l, s)
	case sensor.ProtocolDexcomClassic:
		err = e.attachDexcom(l, s, false)
	case sensor.ProtocolDexcomJPAKE:
		err = e.attachDexcom(l, s, true)
	default:
		s.log.Warn().Str("type", s.identity.Type.String()).Err(ErrNoProtocol).Msg("Connected without authentication")
	}
	if err != nil {
		return nil, err
	}
	return s, l.err
}

func (e *Engine) attachGen1(l *loader, s *session) error {
	initial := l.bytes(KeyInitialPatchInfo)
	if len(initial) == 0 {
		initial = s.identity.PatchInfo
	}
	code := l.int(KeyUnlockCode, DefaultUnlockCode)
	count := l.int(KeyUnlockCount, 0)
	s.machine = libre2.NewGen1Unlock(s.identity.UID, initial, uint32(code), uint16(count), e.opts.Cipher, s.notify, s.log)
	s.authChannels[libre2.LoginUUID] = true
	s.assemblers.Register(libre2.DataUUID, libre2.NewAssembler())
	return nil
}

func (e *Engine) attachGen2(l *loader, s *session) error {
	authData := l.bytes(KeyStreamingAuthData)
	s.machine = libre2.NewGen2Auth(s.identity.UID, authData, libre2.Gen2{Lib: e.opts.Gen2}, s.notify, s.log)
	s.authChannels[libre2.LoginUUID] = true
	s.assemblers.Register(libre2.DataUUID, libre2.NewAssembler())
	return nil
}

func (e *Engine) attachGen3(l *loader, s *session) error {
	info, err := libre3.ParsePatchInfo(s.identity.PatchInfo)
	if err != nil {
		return fmt.Errorf("libre3 pairing: %w", err)
	}
	pin := l.bytes(KeyBlePIN)
	s.machine = libre3.NewPairing(info.SecurityVersion, pin, s.notify, s.log)
	for _, ch := range []string{libre3.SecurityCommands, libre3.ChallengeData, libre3.CertificateData} {
		s.authChannels[ch] = true
	}
	s.assemblers.Register(libre3.OneMinuteReading, libre3.NewReadingAssembler())
	return nil
}

func (e *Engine) attachDexcom(l *loader, s *session, g7 bool) error {
	if g7 {
		appKey := l.bytes(KeyDexcomAppKey)
		s.machine = dexcom.NewG7(appKey, e.opts.JPAKE(), s.notify, s.log)
		s.appKeySaved = len(appKey) > 0
	} else {
		s.machine = dexcom.NewClassic(s.serial, s.notify, s.log)
	}
	s.authChannels[dexcom.Authentication] = true
	s.decoder = dexcom.NewDecoder(g7, s.log)
	s.decoder.Now = e.opts.Now
	return nil
}

// decode handles a message on a data channel of an authenticated
// session.
func (e *Engine) decode(ctx context.Context, s *session, channel string, msg []byte) error {
	switch s.identity.Protocol() {
	case sensor.ProtocolAbbottGen1, sensor.ProtocolAbbottGen2:
		return e.decodeLibre2(ctx, s, channel, msg)
	case sensor.ProtocolAbbottGen3:
		return e.decodeLibre3(ctx, s, channel, msg)
	case sensor.ProtocolDexcomClassic, sensor.ProtocolDexcomJPAKE:
		return e.decodeDexcom(ctx, s, channel, msg)
	}
	s.log.Debug().Str("channel", channel).Str("data", hex.EncodeToString(msg)).Msg("Ignoring notification")
	return nil
}

func (e *Engine) decodeLibre2(ctx context.Context, s *session, channel string, msg []byte) error {
	if channel != libre2.DataUUID {
		s.log.Debug().Str("channel", channel).Int("len", len(msg)).Msg("Ignoring notification")
		return nil
	}
	var d libre2.BLEDecrypter = e.opts.Cipher
	if a, ok := s.machine.(*libre2.Gen2Auth); ok {
		d = a.Decrypter()
	}
	packet, err := libre2.DecodeStream(d, s.identity.UID, msg, e.opts.Now())
	if err != nil {
		s.log.Warn().Err(err).Msg("Stream not decoded")
		return nil
	}
	if !packet.Valid() {
		s.log.Warn().Str("crc", packet.Report()).Msg("Invalid stream packet")
		return nil
	}
	s.log.Debug().Int("wear", packet.WearTime).Str("crc", packet.Report()).Msg("Stream packet")
	readings := calibration.Apply(e.opts.Calibrator, packet.Readings(), s.calibration)
	return e.publish(ctx, s, readings)
}

func (e *Engine) decodeLibre3(ctx context.Context, s *session, channel string, msg []byte) error {
	p, ok := s.machine.(*libre3.Pairing)
	if !ok || p.Session() == nil {
		return nil
	}
	pt, ok := libre3.PacketTypeOf(channel)
	if !ok {
		s.log.Debug().Str("channel", libre3.ChannelNames[channel]).Int("len", len(msg)).Msg("Ignoring notification")
		return nil
	}
	plain, err := p.Session().Decrypt(pt, msg)
	if err != nil {
		s.log.Warn().Str("channel", libre3.ChannelNames[channel]).Err(err).Msg("Packet not decrypted")
		return nil
	}

	switch channel {
	case libre3.OneMinuteReading:
		data, err := libre3.ParseGlucoseData(plain)
		if err != nil {
			s.log.Warn().Err(err).Msg("Reading not decoded")
			return nil
		}
		return e.publish(ctx, s, data.Readings(e.opts.Now()))
	case libre3.PatchStatus:
		status, err := libre3.ParsePatchStatus(plain)
		if err != nil {
			s.log.Warn().Err(err).Msg("Patch status not decoded")
			return nil
		}
		s.log.Info().Interface("status", status).Msg("Patch status")
	default:
		s.log.Debug().
			Str("channel", libre3.ChannelNames[channel]).
			Str("data", hex.EncodeToString(plain)).
			Msg("Decrypted notification")
	}
	return nil
}

func (e *Engine) decodeDexcom(ctx context.Context, s *session, channel string, msg []byte) error {
	u, err := s.decoder.Handle(channel, msg)
	if errors.Is(err, dexcom.ErrShortMessage) {
		s.log.Warn().Str("channel", dexcom.ChannelNames[channel]).Err(err).Msg("Ignoring message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("dexcom decode: %w", err)
	}
	if u.MaxLife > 0 {
		if err := e.settings.Set(ctx, s.device, KeyMaxLife, u.MaxLife); err != nil {
			return fmt.Errorf("save max life: %w", err)
		}
	}
	if u.Serial != "" && u.Serial != s.serial {
		s.log.Info().Str("serial", u.Serial).Msg("Transmitter serial")
		s.serial = u.Serial
		e.setSerial(s, u.Serial)
		if err := e.settings.Set(ctx, s.device, KeyTransmitterSerial, u.Serial); err != nil {
			return fmt.Errorf("save serial: %w", err)
		}
	}
	if u.Firmware != "" {
		s.log.Info().Str("firmware", u.Firmware).Msg("Transmitter firmware")
	}
	readings := append(u.Readings, u.Backfill...)
	return e.publish(ctx, s, readings)
}
