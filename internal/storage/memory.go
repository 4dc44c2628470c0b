package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glucolink/cgm-engine/internal/models"
)

// MemoryStore keeps everything in process memory. Transactions are not
// isolated: BeginTx returns the store itself.
type MemoryStore struct {
	mu       sync.RWMutex
	sensors  map[string]*models.Sensor
	readings map[string]map[int]*models.Reading
	events   []*models.EventLog
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sensors:  make(map[string]*models.Sensor),
		readings: make(map[string]map[int]*models.Reading),
	}
}

func (m *MemoryStore) BeginTx(context.Context) (Store, error) { return m, nil }
func (m *MemoryStore) Commit() error                           { return nil }
func (m *MemoryStore) Rollback() error                         { return nil }
func (m *MemoryStore) Close() error                            { return nil }

// UpsertSensor implements Store.
func (m *MemoryStore) UpsertSensor(_ context.Context, sensor *models.Sensor) error {
	if sensor.Serial == "" {
		return fmt.Errorf("%w: sensor without serial", ErrInvalidData)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cur, ok := m.sensors[sensor.Serial]
	if !ok {
		if sensor.ID == uuid.Nil {
			sensor.ID = uuid.New()
		}
		if sensor.CreatedAt.IsZero() {
			sensor.CreatedAt = now
		}
		sensor.UpdatedAt = now
		c := *sensor
		m.sensors[sensor.Serial] = &c
		return nil
	}

	cur.UpdatedAt = now
	cur.Device = sensor.Device
	cur.Type = sensor.Type
	cur.Family = sensor.Family
	cur.Region = sensor.Region
	if sensor.UID != "" {
		cur.UID = sensor.UID
	}
	if sensor.PatchInfo != nil {
		cur.PatchInfo = sensor.PatchInfo
	}
	if sensor.MaxLife > cur.MaxLife {
		cur.MaxLife = sensor.MaxLife
	}
	if sensor.LastSeenAt != nil {
		cur.LastSeenAt = sensor.LastSeenAt
	}
	sensor.ID, sensor.CreatedAt = cur.ID, cur.CreatedAt
	return nil
}

// GetSensor implements Store.
func (m *MemoryStore) GetSensor(_ context.Context, serial string) (*models.Sensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sensors[serial]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

// UpdateSensorState implements Store.
func (m *MemoryStore) UpdateSensorState(_ context.Context, serial, state string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sensors[serial]
	if !ok {
		return ErrNotFound
	}
	s.AuthState = state
	s.LastSeenAt = &seenAt
	s.UpdatedAt = time.Now()
	return nil
}

// UpdateSensorCalibration implements Store.
func (m *MemoryStore) UpdateSensorCalibration(_ context.Context, serial string, info models.Calibration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sensors[serial]
	if !ok {
		return ErrNotFound
	}
	s.Calibration = info
	s.UpdatedAt = time.Now()
	return nil
}

// ListSensors implements Store.
func (m *MemoryStore) ListSensors(_ context.Context, device string, limit, offset int) ([]*models.Sensor, int64, error) {
	m.mu.RLock()
	var all []*models.Sensor
	for _, s := range m.sensors {
		if device == "" || s.Device == device {
			c := *s
			all = append(all, &c)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	return page(all, limit, offset), int64(len(all)), nil
}

// SaveReadings implements Store.
func (m *MemoryStore) SaveReadings(_ context.Context, readings []*models.Reading) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	added := 0
	for _, r := range readings {
		if r.Serial == "" {
			return added, fmt.Errorf("%w: reading without serial", ErrInvalidData)
		}
		bySerial := m.readings[r.Serial]
		if bySerial == nil {
			bySerial = make(map[int]*models.Reading)
			m.readings[r.Serial] = bySerial
		}
		if _, ok := bySerial[r.LifeCount]; ok {
			continue
		}
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		c := *r
		bySerial[r.LifeCount] = &c
		added++
	}
	return added, nil
}

// ListReadings implements Store.
func (m *MemoryStore) ListReadings(_ context.Context, filters ReadingFilters, limit, offset int) ([]*models.Reading, int64, error) {
	if filters.Serial == "" {
		return nil, 0, fmt.Errorf("%w: serial required", ErrInvalidData)
	}
	m.mu.RLock()
	var all []*models.Reading
	for _, r := range m.readings[filters.Serial] {
		if filters.StartTime != nil && r.Date.Before(*filters.StartTime) {
			continue
		}
		if filters.EndTime != nil && r.Date.After(*filters.EndTime) {
			continue
		}
		c := *r
		all = append(all, &c)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Date.After(all[j].Date) })
	return page(all, limit, offset), int64(len(all)), nil
}

// LatestReading implements Store.
func (m *MemoryStore) LatestReading(ctx context.Context, serial string) (*models.Reading, error) {
	rs, _, err := m.ListReadings(ctx, ReadingFilters{Serial: serial}, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, ErrNotFound
	}
	return rs[0], nil
}

// CreateEventLog implements Store.
func (m *MemoryStore) CreateEventLog(_ context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	c := *event
	m.mu.Lock()
	m.events = append(m.events, &c)
	m.mu.Unlock()
	return nil
}

// ListEventLogs implements Store.
func (m *MemoryStore) ListEventLogs(_ context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	m.mu.RLock()
	var all []*models.EventLog
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		switch {
		case filters.Device != "" && e.Device != filters.Device:
		case filters.Serial != "" && e.Serial != filters.Serial:
		case filters.Type != nil && e.Type != *filters.Type:
		case filters.Level != nil && e.Level != *filters.Level:
		case filters.StartTime != nil && e.CreatedAt.Before(*filters.StartTime):
		case filters.EndTime != nil && e.CreatedAt.After(*filters.EndTime):
		default:
			c := *e
			all = append(all, &c)
		}
	}
	m.mu.RUnlock()
	return page(all, limit, offset), int64(len(all)), nil
}

func page[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}
