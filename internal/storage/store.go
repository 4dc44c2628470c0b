package storage

import (
	"context"
	"errors"
	"time"

	"github.com/glucolink/cgm-engine/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Sensor methods
	UpsertSensor(ctx context.Context, sensor *models.Sensor) error
	GetSensor(ctx context.Context, serial string) (*models.Sensor, error)
	UpdateSensorState(ctx context.Context, serial, state string, seenAt time.Time) error
	UpdateSensorCalibration(ctx context.Context, serial string, info models.Calibration) error
	ListSensors(ctx context.Context, device string, limit, offset int) ([]*models.Sensor, int64, error)

	// Reading methods
	SaveReadings(ctx context.Context, readings []*models.Reading) (int, error)
	ListReadings(ctx context.Context, filters ReadingFilters, limit, offset int) ([]*models.Reading, int64, error)
	LatestReading(ctx context.Context, serial string) (*models.Reading, error)

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Close the store
	Close() error
}

// ReadingFilters narrows ListReadings. Serial is required.
type ReadingFilters struct {
	Serial    string
	StartTime *time.Time
	EndTime   *time.Time
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	Device    string
	Serial    string
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}
