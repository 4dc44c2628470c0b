package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glucolink/cgm-engine/internal/models"
)

func TestMemoryStoreSensors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetSensor(ctx, "0M0008B8CK")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpsertSensor(ctx, &models.Sensor{}), ErrInvalidData)

	first := &models.Sensor{Serial: "0M0008B8CK", Device: "hub-1", Type: "Libre 2", UID: "9c8a5c0000a407e0", MaxLife: 20160}
	require.NoError(t, s.UpsertSensor(ctx, first))
	id := first.ID

	// A rescan without UID keeps the stored one.
	again := &models.Sensor{Serial: "0M0008B8CK", Device: "hub-2", Type: "Libre 2"}
	require.NoError(t, s.UpsertSensor(ctx, again))
	assert.Equal(t, id, again.ID)

	got, err := s.GetSensor(ctx, "0M0008B8CK")
	require.NoError(t, err)
	assert.Equal(t, "hub-2", got.Device)
	assert.Equal(t, "9c8a5c0000a407e0", got.UID)
	assert.Equal(t, 20160, got.MaxLife)

	seen := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateSensorState(ctx, "0M0008B8CK", "streamingEnabled", seen))
	require.NoError(t, s.UpdateSensorCalibration(ctx, "0M0008B8CK", models.Calibration{I1: 5, I2: 700}))
	assert.ErrorIs(t, s.UpdateSensorState(ctx, "missing", "x", seen), ErrNotFound)

	got, err = s.GetSensor(ctx, "0M0008B8CK")
	require.NoError(t, err)
	assert.Equal(t, "streamingEnabled", got.AuthState)
	assert.Equal(t, seen, *got.LastSeenAt)
	assert.Equal(t, 700, got.Calibration.I2)

	require.NoError(t, s.UpsertSensor(ctx, &models.Sensor{Serial: "8G1234", Device: "g6", Type: "Dexcom G6"}))
	list, total, err := s.ListSensors(ctx, "hub-2", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, list, 1)
	_, total, err = s.ListSensors(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestMemoryStoreReadings(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	var rs []*models.Reading
	for i := 0; i < 5; i++ {
		rs = append(rs, &models.Reading{Serial: "0M0008B8CK", LifeCount: 100 + i, Date: start.Add(time.Duration(i) * time.Minute), Value: 100 + i})
	}
	n, err := s.SaveReadings(ctx, rs)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// Duplicates by life count are skipped.
	n, err = s.SaveReadings(ctx, rs[3:])
	require.NoError(t, err)
	assert.Zero(t, n)

	latest, err := s.LatestReading(ctx, "0M0008B8CK")
	require.NoError(t, err)
	assert.Equal(t, 104, latest.Value)

	from := start.Add(time.Minute)
	to := start.Add(3 * time.Minute)
	page, total, err := s.ListReadings(ctx, ReadingFilters{Serial: "0M0008B8CK", StartTime: &from, EndTime: &to}, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 2)
	assert.Equal(t, 103, page[0].Value)
	assert.Equal(t, 102, page[1].Value)

	_, _, err = s.ListReadings(ctx, ReadingFilters{}, 10, 0)
	assert.ErrorIs(t, err, ErrInvalidData)
	_, err = s.LatestReading(ctx, "none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreEvents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateEventLog(ctx, &models.EventLog{Device: "hub-1", Type: models.EventTypeConnect, Level: models.EventLevelInfo}))
	require.NoError(t, s.CreateEventLog(ctx, &models.EventLog{Device: "hub-1", Type: models.EventTypeAuthState, Level: models.EventLevelInfo, Description: "authenticated"}))
	require.NoError(t, s.CreateEventLog(ctx, &models.EventLog{Device: "hub-2", Type: models.EventTypeError, Level: models.EventLevelError}))

	events, total, err := s.ListEventLogs(ctx, EventLogFilters{Device: "hub-1"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, "authenticated", events[0].Description)

	level := models.EventLevelError
	_, total, err = s.ListEventLogs(ctx, EventLogFilters{Level: &level}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	events, _, err = s.ListEventLogs(ctx, EventLogFilters{}, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, events)
}
