package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glucolink/cgm-engine/pkg/calibration"
	"github.com/glucolink/cgm-engine/pkg/sensor"
)

// Sensor is one physical sensor or transmitter seen by a device.
type Sensor struct {
	BaseModel

	Serial    string `json:"serial" db:"serial"`
	Device    string `json:"device" db:"device"`
	Type      string `json:"type" db:"type"`
	Family    string `json:"family,omitempty" db:"family"`
	Region    string `json:"region,omitempty" db:"region"`
	UID       string `json:"uid,omitempty" db:"uid"`
	PatchInfo []byte `json:"patchInfo,omitempty" db:"patch_info"`

	Calibration Calibration `json:"calibration" db:"calibration"`
	MaxLife     int         `json:"maxLife" db:"max_life"`

	AuthState  string     `json:"authState,omitempty" db:"auth_state"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty" db:"last_seen_at"`
}

// SensorFromIdentity fills the identity columns of a sensor row.
func SensorFromIdentity(device, serial string, id sensor.Identity) *Sensor {
	s := &Sensor{
		Serial:    serial,
		Device:    device,
		Type:      id.Type.String(),
		PatchInfo: id.PatchInfo,
	}
	if id.Type.IsLibre() {
		s.Family = id.Family.String()
		s.Region = id.Region.String()
	}
	if !id.UID.IsZero() {
		s.UID = id.UID.String()
	}
	return s
}

// Calibration stores calibration.Info as a JSON column.
type Calibration calibration.Info

// Value implements driver.Valuer
func (c Calibration) Value() (driver.Value, error) {
	return json.Marshal(calibration.Info(c))
}

// Scan implements sql.Scanner
func (c *Calibration) Scan(value interface{}) error {
	var info calibration.Info
	switch data := value.(type) {
	case nil:
		*c = Calibration{}
		return nil
	case []byte:
		if err := json.Unmarshal(data, &info); err != nil {
			return err
		}
	case string:
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			return err
		}
	default:
		return fmt.Errorf("scan calibration: unsupported type %T", value)
	}
	*c = Calibration(info)
	return nil
}
