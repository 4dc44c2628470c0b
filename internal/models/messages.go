package models

import (
	"time"

	"github.com/glucolink/cgm-engine/pkg/calibration"
	"github.com/glucolink/cgm-engine/pkg/glucose"
)

// ConnectMessage announces a BLE connection to a sensor.
type ConnectMessage struct {
	Type             string `json:"type"`
	Serial           string `json:"serial,omitempty"`
	ManufacturerData []byte `json:"manufacturerData,omitempty"`
}

// FragmentMessage carries one BLE notification.
type FragmentMessage struct {
	Channel string `json:"channel"`
	Data    []byte `json:"data"`
}

// PatchInfoMessage carries the result of an NFC scan.
type PatchInfoMessage struct {
	// UID is the hex sensor UID, when the hub read the tag identifier.
	UID       string `json:"uid,omitempty"`
	PatchInfo []byte `json:"patchInfo"`
}

// FramMessage carries an NFC memory image.
type FramMessage struct {
	Image           []byte    `json:"image"`
	LastReadingDate time.Time `json:"lastReadingDate"`
}

// ActivationMessage carries a Libre 3 activation reply.
type ActivationMessage struct {
	Output []byte `json:"output"`
}

// WriteMessage asks the hub to write to or subscribe to a channel.
type WriteMessage struct {
	Device         string `json:"device"`
	Channel        string `json:"channel"`
	Data           []byte `json:"data,omitempty"`
	ExpectResponse bool   `json:"expectResponse"`
	Subscribe      bool   `json:"subscribe,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// GlucoseMessage reports decoded readings.
type GlucoseMessage struct {
	Device    string            `json:"device"`
	Readings  []glucose.Glucose `json:"readings"`
	Timestamp int64             `json:"timestamp"`
}

// CalibrationMessage reports new factory calibration constants.
type CalibrationMessage struct {
	Device      string           `json:"device"`
	Calibration calibration.Info `json:"calibration"`
	Timestamp   int64            `json:"timestamp"`
}

// AuthStateMessage reports an authentication state change.
type AuthStateMessage struct {
	Device    string `json:"device"`
	State     string `json:"state"`
	Timestamp int64  `json:"timestamp"`
}
