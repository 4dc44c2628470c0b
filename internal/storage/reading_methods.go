package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/glucolink/cgm-engine/internal/models"
)

// SaveReadings stores readings, skipping any already stored for the same
// sensor and life count. It returns the number of new rows.
func (s *PostgresStore) SaveReadings(ctx context.Context, readings []*models.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	query := `
        INSERT INTO readings (
            id, created_at, serial, device, life_count, date,
            value, raw_value, trend, quality, source
        ) VALUES `

	now := time.Now()
	args := make([]interface{}, 0, len(readings)*11)
	values := make([]string, 0, len(readings))
	for i, r := range readings {
		if r.Serial == "" {
			return 0, fmt.Errorf("%w: reading without serial", ErrInvalidData)
		}
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		n := i * 11
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8, n+9, n+10, n+11))
		args = append(args,
			r.ID, r.CreatedAt, r.Serial, r.Device, r.LifeCount, r.Date,
			r.Value, r.RawValue, r.Trend, r.Quality, r.Source,
		)
	}
	query += strings.Join(values, ", ") + `
        ON CONFLICT (serial, life_count) DO NOTHING`

	res, err := s.getDB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListReadings lists the readings of a sensor, newest first
func (s *PostgresStore) ListReadings(ctx context.Context, filters ReadingFilters, limit, offset int) ([]*models.Reading, int64, error) {
	if filters.Serial == "" {
		return nil, 0, fmt.Errorf("%w: serial required", ErrInvalidData)
	}

	query := "SELECT COUNT(*) FROM readings WHERE serial = $1"
	args := []interface{}{filters.Serial}
	argCount := 1

	if filters.StartTime != nil {
		argCount++
		query += fmt.Sprintf(" AND date >= $%d", argCount)
		args = append(args, *filters.StartTime)
	}

	if filters.EndTime != nil {
		argCount++
		query += fmt.Sprintf(" AND date <= $%d", argCount)
		args = append(args, *filters.EndTime)
	}

	// Get count
	var count int64
	if err := s.getDB().QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	// Get rows
	selectQuery := strings.Replace(query, "SELECT COUNT(*)",
		"SELECT id, created_at, serial, device, life_count, date, value, raw_value, trend, quality, source", 1)
	selectQuery += fmt.Sprintf(" ORDER BY date DESC LIMIT $%d OFFSET $%d", argCount+1, argCount+2)
	args = append(args, limit, offset)

	rows, err := s.getDB().QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var readings []*models.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, 0, err
		}
		readings = append(readings, r)
	}

	return readings, count, rows.Err()
}

// LatestReading returns the newest reading of a sensor
func (s *PostgresStore) LatestReading(ctx context.Context, serial string) (*models.Reading, error) {
	query := `
        SELECT id, created_at, serial, device, life_count, date, value, raw_value, trend, quality, source
        FROM readings
        WHERE serial = $1
        ORDER BY date DESC
        LIMIT 1`

	r, err := scanReading(s.getDB().QueryRowContext(ctx, query, serial))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func scanReading(row scanner) (*models.Reading, error) {
	r := &models.Reading{}
	var source sql.NullString
	err := row.Scan(
		&r.ID, &r.CreatedAt, &r.Serial, &r.Device, &r.LifeCount, &r.Date,
		&r.Value, &r.RawValue, &r.Trend, &r.Quality, &source,
	)
	if err != nil {
		return nil, err
	}
	r.Source = source.String
	return r, nil
}
