package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/glucolink/cgm-engine/internal/models"
)

const sensorColumns = `id, created_at, updated_at, serial, device, type, family, region,
               uid, patch_info, calibration, max_life, auth_state, last_seen_at`

// UpsertSensor creates a sensor or refreshes its identity columns.
// Calibration and authentication state are left to their own updates.
func (s *PostgresStore) UpsertSensor(ctx context.Context, sensor *models.Sensor) error {
	if sensor.Serial == "" {
		return fmt.Errorf("%w: sensor without serial", ErrInvalidData)
	}
	if sensor.ID == uuid.Nil {
		sensor.ID = uuid.New()
	}

	now := time.Now()
	if sensor.CreatedAt.IsZero() {
		sensor.CreatedAt = now
	}
	sensor.UpdatedAt = now

	query := `
        INSERT INTO sensors (
            id, created_at, updated_at, serial, device, type, family, region,
            uid, patch_info, calibration, max_life, auth_state, last_seen_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
        ON CONFLICT (serial) DO UPDATE SET
            updated_at = EXCLUDED.updated_at,
            device = EXCLUDED.device,
            type = EXCLUDED.type,
            family = EXCLUDED.family,
            region = EXCLUDED.region,
            uid = COALESCE(NULLIF(EXCLUDED.uid, ''), sensors.uid),
            patch_info = COALESCE(EXCLUDED.patch_info, sensors.patch_info),
            max_life = GREATEST(EXCLUDED.max_life, sensors.max_life),
            last_seen_at = COALESCE(EXCLUDED.last_seen_at, sensors.last_seen_at)
        RETURNING id, created_at`

	return s.getDB().QueryRowContext(ctx, query,
		sensor.ID, sensor.CreatedAt, sensor.UpdatedAt, sensor.Serial, sensor.Device,
		sensor.Type, sensor.Family, sensor.Region, sensor.UID, sensor.PatchInfo,
		sensor.Calibration, sensor.MaxLife, sensor.AuthState, sensor.LastSeenAt,
	).Scan(&sensor.ID, &sensor.CreatedAt)
}

// GetSensor gets a sensor by serial
func (s *PostgresStore) GetSensor(ctx context.Context, serial string) (*models.Sensor, error) {
	query := `SELECT ` + sensorColumns + ` FROM sensors WHERE serial = $1`

	sensor, err := scanSensor(s.getDB().QueryRowContext(ctx, query, serial))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return sensor, err
}

// UpdateSensorState records the authentication state of a sensor.
func (s *PostgresStore) UpdateSensorState(ctx context.Context, serial, state string, seenAt time.Time) error {
	res, err := s.getDB().ExecContext(ctx,
		`UPDATE sensors SET auth_state = $2, last_seen_at = $3, updated_at = now() WHERE serial = $1`,
		serial, state, seenAt,
	)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// UpdateSensorCalibration stores new factory calibration constants.
func (s *PostgresStore) UpdateSensorCalibration(ctx context.Context, serial string, info models.Calibration) error {
	res, err := s.getDB().ExecContext(ctx,
		`UPDATE sensors SET calibration = $2, updated_at = now() WHERE serial = $1`,
		serial, info,
	)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// ListSensors lists sensors, optionally of one device
func (s *PostgresStore) ListSensors(ctx context.Context, device string, limit, offset int) ([]*models.Sensor, int64, error) {
	where := ""
	args := []interface{}{}
	if device != "" {
		where = " WHERE device = $1"
		args = append(args, device)
	}

	var count int64
	if err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM sensors"+where, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM sensors%s ORDER BY updated_at DESC LIMIT $%d OFFSET $%d`,
		sensorColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sensors []*models.Sensor
	for rows.Next() {
		sensor, err := scanSensor(rows)
		if err != nil {
			return nil, 0, err
		}
		sensors = append(sensors, sensor)
	}

	return sensors, count, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSensor(row scanner) (*models.Sensor, error) {
	sensor := &models.Sensor{}
	var family, region, uid, state sql.NullString
	err := row.Scan(
		&sensor.ID, &sensor.CreatedAt, &sensor.UpdatedAt, &sensor.Serial, &sensor.Device,
		&sensor.Type, &family, &region, &uid, &sensor.PatchInfo,
		&sensor.Calibration, &sensor.MaxLife, &state, &sensor.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	sensor.Family = family.String
	sensor.Region = region.String
	sensor.UID = uid.String
	sensor.AuthState = state.String
	return sensor, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
