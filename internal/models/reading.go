package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/glucolink/cgm-engine/pkg/glucose"
)

// Reading is one persisted glucose value.
type Reading struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	Serial string `json:"serial" db:"serial"`
	Device string `json:"device" db:"device"`

	// LifeCount is the sensor age in minutes at the time of the reading.
	LifeCount int       `json:"lifeCount" db:"life_count"`
	Date      time.Time `json:"date" db:"date"`
	Value     int       `json:"value" db:"value"`
	RawValue  int       `json:"rawValue" db:"raw_value"`
	Trend     string    `json:"trend" db:"trend"`
	Quality   int       `json:"quality" db:"quality"`
	Source    string    `json:"source,omitempty" db:"source"`
}

// ReadingFromGlucose converts an engine reading into a row.
func ReadingFromGlucose(device, serial string, g glucose.Glucose) *Reading {
	return &Reading{
		Serial:    serial,
		Device:    device,
		LifeCount: g.ID,
		Date:      g.Date,
		Value:     g.Value,
		RawValue:  g.RawValue,
		Trend:     g.Trend.String(),
		Quality:   int(g.DataQuality),
		Source:    g.Source,
	}
}
