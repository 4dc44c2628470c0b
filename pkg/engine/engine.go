// Package engine routes transport fragments of connected sensors to their
// authentication machines and decoders, and reports the results to a
// Sink. One session exists per device; calls for a device are serialised
// while devices run concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/glucolink/cgm-engine/pkg/calibration"
	"github.com/glucolink/cgm-engine/pkg/dexcom"
	"github.com/glucolink/cgm-engine/pkg/glucose"
	"github.com/glucolink/cgm-engine/pkg/libre2"
	"github.com/glucolink/cgm-engine/pkg/link"
	"github.com/glucolink/cgm-engine/pkg/sensor"
)

// ErrUnexpectedMessage is returned by machines for messages they have no
// transition for. The engine logs it and keeps the session.
var ErrUnexpectedMessage = link.ErrUnexpectedMessage

var (
	ErrNoSession  = errors.New("engine: device not connected")
	ErrNoProtocol = errors.New("engine: sensor has no BLE protocol")
)

// Sink receives everything the engine produces. Errors returned by
// WriteRequest abort the call that produced the write.
type Sink interface {
	WriteRequest(ctx context.Context, device string, w link.Write) error
	GlucoseUpdated(ctx context.Context, device string, readings []glucose.Glucose) error
	CalibrationUpdated(ctx context.Context, device string, info calibration.Info) error
	AuthenticationStateChanged(ctx context.Context, device string, state string) error
}

// Options carries the vendor seams. Nil fields fall back to the
// unavailable implementations and calibration.Linear.
type Options struct {
	Cipher     libre2.Cipher
	Gen2       libre2.Library
	Calibrator calibration.Calibrator
	// JPAKE returns a fresh J-PAKE participant for one G7 pairing.
	JPAKE func() dexcom.JPAKE
	Now   func() time.Time
}

// Attach describes a transport connection. Dexcom transmitters are
// identified by Type and Serial from their advertisement; Abbott sensors
// are identified by the patch info saved at the last NFC scan.
type Attach struct {
	Type             sensor.Type `json:"type"`
	Serial           string      `json:"serial,omitempty"`
	ManufacturerData []byte      `json:"manufacturerData,omitempty"`
}

// Engine owns the sessions of all connected devices.
type Engine struct {
	sink     Sink
	settings Settings
	opts     Options
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	serials  map[string]string
}

// New returns an engine without sessions.
func New(sink Sink, settings Settings, opts Options, log zerolog.Logger) *Engine {
	if opts.Cipher == nil {
		opts.Cipher = libre2.Unavailable{}
	}
	if opts.Gen2 == nil {
		opts.Gen2 = libre2.UnavailableLibrary{}
	}
	if opts.Calibrator == nil {
		opts.Calibrator = calibration.Linear{}
	}
	if opts.JPAKE == nil {
		opts.JPAKE = func() dexcom.JPAKE { return dexcom.UnavailableJPAKE{} }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		sink:     sink,
		settings: settings,
		opts:     opts,
		log:      log,
		sessions: make(map[string]*session),
		serials:  make(map[string]string),
	}
}

// Connect starts a session for device, replacing any previous one, and
// sends the opening requests of its handshake.
func (e *Engine) Connect(ctx context.Context, device string, a Attach) error {
	s, err := e.newSession(ctx, device, a)
	if err != nil {
		return err
	}

	// Callers that find s in the map wait here until Start has run.
	s.mu.Lock()
	defer s.mu.Unlock()

	e.mu.Lock()
	old, replaced := e.sessions[device]
	e.sessions[device] = s
	e.serials[device] = s.serial
	e.mu.Unlock()
	if replaced {
		old.mu.Lock()
		old.close()
		old.mu.Unlock()
	}

	s.log.Info().
		Str("type", s.identity.Type.String()).
		Str("protocol", s.identity.Protocol().String()).
		Str("serial", s.serial).
		Msg("Device connected")

	if s.machine == nil {
		return nil
	}
	writes, err := s.machine.Start()
	if ferr := e.flushStates(ctx, s); ferr != nil {
		return ferr
	}
	if err != nil {
		return fmt.Errorf("start %s: %w", s.identity.Protocol(), err)
	}
	if u, ok := s.machine.(*libre2.Gen1Unlock); ok {
		if err := e.settings.Set(ctx, device, KeyUnlockCount, int(u.UnlockCount)); err != nil {
			return fmt.Errorf("save unlock count: %w", err)
		}
	}
	return e.send(ctx, s, writes)
}

// Disconnect discards the session of device.
func (e *Engine) Disconnect(device string) {
	e.mu.Lock()
	s, ok := e.sessions[device]
	delete(e.sessions, device)
	delete(e.serials, device)
	e.mu.Unlock()

	if !ok {
		return
	}
	s.mu.Lock()
	s.close()
	s.mu.Unlock()
	s.log.Info().Msg("Device disconnected")
}

// Connected reports whether device has a session.
func (e *Engine) Connected(device string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[device]
	return ok
}

// State returns the authentication state of device's session.
func (e *Engine) State(device string) (string, error) {
	s, err := e.session(device)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine == nil {
		return "", nil
	}
	return s.machine.State(), nil
}

// Serial returns the serial of device's connected sensor, or of the last
// scanned sensor when none is connected. It never waits for a session,
// so sinks may call it while the engine reports to them.
func (e *Engine) Serial(ctx context.Context, device string) (string, error) {
	e.mu.Lock()
	serial := e.serials[device]
	e.mu.Unlock()
	if serial != "" {
		return serial, nil
	}
	l := &loader{ctx: ctx, s: e.settings, device: device}
	serial = l.string(KeySerial)
	return serial, l.err
}

func (e *Engine) setSerial(s *session, serial string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions[s.device] == s {
		e.serials[s.device] = serial
	}
}

func (e *Engine) session(device string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[device]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, device)
	}
	return s, nil
}

// OnFragment consumes one notification fragment received on channel.
func (e *Engine) OnFragment(ctx context.Context, device, channel string, fragment []byte) error {
	s, err := e.session(device)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, done := s.assemblers.Feed(channel, fragment)
	if !done {
		return nil
	}
	if s.machine != nil && (!s.machine.Authenticated() || s.authChannels[channel]) {
		return e.authenticate(ctx, s, channel, msg)
	}
	return e.decode(ctx, s, channel, msg)
}

func (e *Engine) authenticate(ctx context.Context, s *session, channel string, msg []byte) error {
	writes, err := s.machine.Handle(channel, msg)
	if ferr := e.flushStates(ctx, s); ferr != nil {
		return ferr
	}
	if errors.Is(err, ErrUnexpectedMessage) {
		s.log.Warn().Str("channel", channel).Err(err).Msg("Ignoring message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", s.identity.Protocol(), err)
	}
	if g7, ok := s.machine.(*dexcom.G7); ok && g7.Authenticated() && !s.appKeySaved {
		if err := e.settings.Set(ctx, s.device, KeyDexcomAppKey, g7.AppKey()); err != nil {
			return fmt.Errorf("save app key: %w", err)
		}
		s.appKeySaved = true
	}
	return e.send(ctx, s, writes)
}

func (e *Engine) send(ctx context.Context, s *session, writes []link.Write) error {
	for _, w := range writes {
		s.log.Debug().Str("channel", w.Channel).Stringer("write", w).Msg("Write request")
		if err := e.sink.WriteRequest(ctx, s.device, w); err != nil {
			return fmt.Errorf("write %s: %w", w.Channel, err)
		}
	}
	return nil
}

func (e *Engine) flushStates(ctx context.Context, s *session) error {
	states := s.states
	s.states = nil
	for _, state := range states {
		if err := e.sink.AuthenticationStateChanged(ctx, s.device, state); err != nil {
			return fmt.Errorf("report state %s: %w", state, err)
		}
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, s *session, readings []glucose.Glucose) error {
	if len(readings) == 0 {
		return nil
	}
	s.log.Info().
		Int("count", len(readings)).
		Int("value", readings[0].Value).
		Msg("Glucose updated")
	return e.sink.GlucoseUpdated(ctx, s.device, readings)
}
