package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLog represents an event log entry
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	Device string `json:"device" db:"device"`
	Serial string `json:"serial,omitempty" db:"serial"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	// Session events
	EventTypeConnect    EventType = "CONNECT"
	EventTypeDisconnect EventType = "DISCONNECT"
	EventTypeAuthState  EventType = "AUTH_STATE"
	EventTypeWrite      EventType = "WRITE"
	EventTypeError      EventType = "ERROR"

	// Sensor events
	EventTypeNewSensor   EventType = "NEW_SENSOR"
	EventTypeGlucose     EventType = "GLUCOSE"
	EventTypeCalibration EventType = "CALIBRATION"
	EventTypeFram        EventType = "FRAM"

	// System events
	EventTypeAPICall     EventType = "API_CALL"
	EventTypeIntegration EventType = "INTEGRATION"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)
