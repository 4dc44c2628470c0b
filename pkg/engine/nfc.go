package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glucolink/cgm-engine/pkg/calibration"
	"github.com/glucolink/cgm-engine/pkg/fram"
	"github.com/glucolink/cgm-engine/pkg/glucose"
	"github.com/glucolink/cgm-engine/pkg/libre3"
	"github.com/glucolink/cgm-engine/pkg/sensor"
)

// OnTagUID saves the UID read from an NFC tag.
func (e *Engine) OnTagUID(ctx context.Context, device string, uid sensor.UID) error {
	if err := e.settings.Set(ctx, device, KeyPatchUID, uid[:]); err != nil {
		return fmt.Errorf("save uid: %w", err)
	}
	if s, err := e.session(device); err == nil {
		s.mu.Lock()
		s.identity.UID = uid
		s.mu.Unlock()
	}
	return nil
}

// OnPatchInfo resolves and saves the identity of a scanned sensor. A new
// serial starts a new sensor: its patch info becomes the initial patch
// info and the unlock count restarts at zero.
func (e *Engine) OnPatchInfo(ctx context.Context, device string, info []byte) (sensor.Identity, error) {
	l := &loader{ctx: ctx, s: e.settings, device: device}
	uid := l.uid()
	previous := l.string(KeySerial)
	if l.err != nil {
		return sensor.Identity{}, l.err
	}

	id := sensor.Resolve(libre3.TrimNFCPatchInfo(info))
	id.UID = uid
	var serial string
	if !uid.IsZero() || id.Type == sensor.TypeLibre3 || id.Type == sensor.TypeLingo {
		serial = id.Serial()
	}

	set := func(key string, v interface{}) error {
		if err := e.settings.Set(ctx, device, key, v); err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
		return nil
	}
	if err := set(KeyPatchInfo, id.PatchInfo); err != nil {
		return id, err
	}
	if serial != "" && serial != previous {
		e.log.Info().
			Str("device", device).
			Str("serial", serial).
			Str("previous", previous).
			Str("type", id.Type.String()).
			Msg("New sensor")
		if err := set(KeySerial, serial); err != nil {
			return id, err
		}
		if err := set(KeyInitialPatchInfo, id.PatchInfo); err != nil {
			return id, err
		}
		if err := set(KeyUnlockCount, 0); err != nil {
			return id, err
		}
	}
	if id.Type == sensor.TypeLibre3 || id.Type == sensor.TypeLingo {
		if p, err := libre3.ParsePatchInfo(id.PatchInfo); err == nil {
			if err := set(KeyMaxLife, p.MaxLife); err != nil {
				return id, err
			}
		}
	}

	if s, err := e.session(device); err == nil {
		s.mu.Lock()
		if s.identity.Type == id.Type {
			s.identity = id
			if serial != "" {
				s.serial = serial
				e.setSerial(s, serial)
			}
		}
		s.mu.Unlock()
	}
	return id, nil
}

// OnActivation saves the BLE PIN from a Libre 3 activation reply.
func (e *Engine) OnActivation(ctx context.Context, device string, output []byte) (libre3.Activation, error) {
	a, err := libre3.ParseActivation(output)
	if err != nil {
		return a, err
	}
	if !a.Valid() {
		e.log.Warn().
			Str("device", device).
			Uint16("crc", a.CRC).
			Uint16("computed", a.ComputedCRC).
			Msg("Activation CRC mismatch")
	}
	if err := e.settings.Set(ctx, device, KeyBlePIN, a.PIN); err != nil {
		return a, fmt.Errorf("save pin: %w", err)
	}
	e.log.Info().Str("device", device).Str("address", a.Address()).Msg("Sensor activated")
	return a, nil
}

// OnFramImage decodes an NFC memory image of device's sensor. Readings
// are calibrated with the constants of the image when it is trusted, or
// with the saved constants otherwise. A decryption failure returns the
// partial result with fram.ErrDecryptionUnavailable.
func (e *Engine) OnFramImage(ctx context.Context, device string, image []byte, lastReadingDate time.Time) (*fram.Result, error) {
	l := &loader{ctx: ctx, s: e.settings, device: device}
	id := l.identity()
	saved := l.calibration()
	if l.err != nil {
		return nil, l.err
	}

	d := fram.Decoder{Identity: id, Decrypter: e.opts.Cipher}
	res, err := d.Decode(image, lastReadingDate)
	if errors.Is(err, fram.ErrDecryptionUnavailable) {
		e.log.Warn().Str("device", device).Err(err).Msg("FRAM not decrypted")
		return res, err
	}
	if err != nil {
		return res, fmt.Errorf("decode fram: %w", err)
	}
	e.log.Info().Str("device", device).Str("report", res.Summary()).Msg("FRAM decoded")
	if !res.Complete() {
		return res, nil
	}

	info := saved
	if res.Trusted && !res.Calibration.IsZero() {
		info = res.Calibration
		if info != saved {
			if err := e.settings.Set(ctx, device, KeyCalibrationInfo, info); err != nil {
				return res, fmt.Errorf("save calibration: %w", err)
			}
			if err := e.sink.CalibrationUpdated(ctx, device, info); err != nil {
				return res, fmt.Errorf("report calibration: %w", err)
			}
		}
		if res.MaxLife > 0 {
			if err := e.settings.Set(ctx, device, KeyMaxLife, res.MaxLife); err != nil {
				return res, fmt.Errorf("save max life: %w", err)
			}
		}
		if s, err := e.session(device); err == nil {
			s.mu.Lock()
			s.calibration = info
			s.mu.Unlock()
		}
	}

	var readings []glucose.Glucose
	readings = append(readings, res.Trend...)
	readings = append(readings, res.History...)
	readings = calibration.Apply(e.opts.Calibrator, readings, info)
	if len(readings) == 0 {
		return res, nil
	}
	return res, e.sink.GlucoseUpdated(ctx, device, readings)
}
