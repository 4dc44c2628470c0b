package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/glucolink/cgm-engine/pkg/calibration"
	"github.com/glucolink/cgm-engine/pkg/sensor"
)

// Settings keys shared with the host application.
const (
	KeyPatchUID          = "patchUid"
	KeyPatchInfo         = "patchInfo"
	KeySerial            = "activeSensorSerial"
	KeyCalibrationInfo   = "activeSensorCalibrationInfo"
	KeyMaxLife           = "activeSensorMaxLife"
	KeyInitialPatchInfo  = "activeSensorInitialPatchInfo"
	KeyUnlockCode        = "activeSensorStreamingUnlockCode"
	KeyUnlockCount       = "activeSensorStreamingUnlockCount"
	KeyBlePIN            = "activeSensorBlePIN"
	KeyStreamingAuthData = "activeSensorStreamingAuthData"
	KeyDexcomAppKey      = "dexcomAppKey"
	KeyTransmitterSerial = "activeTransmitterSerial"
)

// DefaultUnlockCode is the streaming unlock code used until one is saved.
const DefaultUnlockCode = 42

// ErrSettingNotFound is returned by Settings.Get for a key never set.
var ErrSettingNotFound = errors.New("setting not found")

// Settings is the per-device key/value port. Values are decoded into v,
// which must be a pointer.
type Settings interface {
	Get(ctx context.Context, device, key string, v interface{}) error
	Set(ctx context.Context, device, key string, v interface{}) error
}

// loader reads settings for one device, treating missing keys as zero
// values and remembering the first real failure.
type loader struct {
	ctx    context.Context
	s      Settings
	device string
	err    error
}

func (l *loader) get(key string, v interface{}) bool {
	if l.err != nil {
		return false
	}
	err := l.s.Get(l.ctx, l.device, key, v)
	if errors.Is(err, ErrSettingNotFound) {
		return false
	}
	if err != nil {
		l.err = fmt.Errorf("get %s: %w", key, err)
		return false
	}
	return true
}

func (l *loader) bytes(key string) []byte {
	var b []byte
	l.get(key, &b)
	return b
}

func (l *loader) int(key string, def int) int {
	v := def
	if !l.get(key, &v) {
		return def
	}
	return v
}

func (l *loader) string(key string) string {
	var s string
	l.get(key, &s)
	return s
}

func (l *loader) uid() sensor.UID {
	var u sensor.UID
	if b := l.bytes(KeyPatchUID); len(b) == len(u) {
		copy(u[:], b)
	}
	return u
}

func (l *loader) calibration() calibration.Info {
	var info calibration.Info
	l.get(KeyCalibrationInfo, &info)
	return info
}

// identity rebuilds the last scanned Libre identity.
func (l *loader) identity() sensor.Identity {
	info := l.bytes(KeyPatchInfo)
	var id sensor.Identity
	if len(info) > 0 {
		id = sensor.Resolve(info)
	}
	id.UID = l.uid()
	return id
}
