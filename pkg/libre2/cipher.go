// Package libre2 implements the Libre 2 BLE stream, its NFC commands and
// the Gen1/Gen2 streaming authentication.
package libre2

import (
	"errors"

	"github.com/glucolink/cgm-engine/pkg/sensor"
)

// BLE characteristics of the Abbott custom service.
const (
	ServiceUUID = "FDE3"
	LoginUUID   = "F001"
	DataUUID    = "F002"
)

// Channel descriptions for logs.
var ChannelNames = map[string]string{
	ServiceUUID: "Abbott custom",
	LoginUUID:   "BLE login",
	DataUUID:    "composite raw data",
}

// ErrCipherUnavailable is returned by the Unavailable cipher.
var ErrCipherUnavailable = errors.New("libre2: vendor cipher unavailable")

// Cipher is the vendor keyed transform family. Implementations are
// deterministic: equal inputs give equal outputs.
type Cipher interface {
	// DecryptFRAM decrypts a full 344-byte image.
	DecryptFRAM(t sensor.Type, uid sensor.UID, patchInfo, data []byte) ([]byte, error)
	// DecryptBLE decrypts one 46-byte stream payload.
	DecryptBLE(uid sensor.UID, data []byte) ([]byte, error)
	// CommandSuffix returns the 4 bytes appended to an A1 subcommand
	// below 0x20.
	CommandSuffix(uid sensor.UID, code, secret uint16) ([]byte, error)
	// StreamingUnlockPayload returns the 12-byte Gen1 BLE login payload.
	StreamingUnlockPayload(uid sensor.UID, info []byte, enableTime uint32, unlockCount uint16) ([]byte, error)
}

// BLEDecrypter decrypts stream payloads. Cipher and StreamDecrypter
// implement it.
type BLEDecrypter interface {
	DecryptBLE(uid sensor.UID, data []byte) ([]byte, error)
}

// Unavailable is the Cipher used when no vendor implementation is linked.
type Unavailable struct{}

func (Unavailable) DecryptFRAM(sensor.Type, sensor.UID, []byte, []byte) ([]byte, error) {
	return nil, ErrCipherUnavailable
}

func (Unavailable) DecryptBLE(sensor.UID, []byte) ([]byte, error) {
	return nil, ErrCipherUnavailable
}

func (Unavailable) CommandSuffix(sensor.UID, uint16, uint16) ([]byte, error) {
	return nil, ErrCipherUnavailable
}

func (Unavailable) StreamingUnlockPayload(sensor.UID, []byte, uint32, uint16) ([]byte, error) {
	return nil, ErrCipherUnavailable
}

var _ Cipher = Unavailable{}
