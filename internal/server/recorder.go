package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/glucolink/cgm-engine/internal/models"
	"github.com/glucolink/cgm-engine/internal/storage"
	"github.com/glucolink/cgm-engine/pkg/calibration"
	"github.com/glucolink/cgm-engine/pkg/engine"
	"github.com/glucolink/cgm-engine/pkg/glucose"
	"github.com/glucolink/cgm-engine/pkg/link"
)

// SerialSource resolves the active sensor serial of a device.
type SerialSource interface {
	Serial(ctx context.Context, device string) (string, error)
}

// Recorder is an engine.Sink that persists readings, calibration and
// state changes before passing every call on to next. Store failures are
// logged and never fail the engine.
type Recorder struct {
	next    engine.Sink
	store   storage.Store
	Serials SerialSource
	now     func() time.Time
}

var _ engine.Sink = (*Recorder)(nil)

// NewRecorder wraps next. Serials must be set before the first call.
func NewRecorder(next engine.Sink, store storage.Store) *Recorder {
	return &Recorder{next: next, store: store, now: time.Now}
}

func (r *Recorder) serial(ctx context.Context, device string) string {
	if r.Serials == nil {
		return ""
	}
	serial, err := r.Serials.Serial(ctx, device)
	if err != nil {
		log.Warn().Err(err).Str("device", device).Msg("Failed to resolve serial")
	}
	return serial
}

func (r *Recorder) event(ctx context.Context, e *models.EventLog) {
	if err := r.store.CreateEventLog(ctx, e); err != nil {
		log.Error().Err(err).Str("device", e.Device).Msg("Failed to create event log")
	}
}

// WriteRequest implements engine.Sink.
func (r *Recorder) WriteRequest(ctx context.Context, device string, w link.Write) error {
	return r.next.WriteRequest(ctx, device, w)
}

// GlucoseUpdated implements engine.Sink.
func (r *Recorder) GlucoseUpdated(ctx context.Context, device string, readings []glucose.Glucose) error {
	if err := r.next.GlucoseUpdated(ctx, device, readings); err != nil {
		return err
	}

	serial := r.serial(ctx, device)
	if serial == "" {
		log.Warn().Str("device", device).Int("count", len(readings)).Msg("Readings without sensor serial not stored")
		return nil
	}

	rows := make([]*models.Reading, 0, len(readings))
	for _, g := range readings {
		if g.Value == glucose.NoData {
			continue
		}
		rows = append(rows, models.ReadingFromGlucose(device, serial, g))
	}
	added, err := r.store.SaveReadings(ctx, rows)
	if err != nil {
		log.Error().Err(err).Str("device", device).Str("serial", serial).Msg("Failed to save readings")
		return nil
	}
	if added > 0 {
		r.event(ctx, &models.EventLog{
			Device:      device,
			Serial:      serial,
			Type:        models.EventTypeGlucose,
			Level:       models.EventLevelInfo,
			Description: fmt.Sprintf("%d new readings", added),
			Details: models.Variables{
				"received": len(readings),
				"stored":   added,
			},
		})
	}
	return nil
}

// CalibrationUpdated implements engine.Sink.
func (r *Recorder) CalibrationUpdated(ctx context.Context, device string, info calibration.Info) error {
	if err := r.next.CalibrationUpdated(ctx, device, info); err != nil {
		return err
	}

	serial := r.serial(ctx, device)
	if serial != "" {
		err := r.store.UpdateSensorCalibration(ctx, serial, models.Calibration(info))
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Error().Err(err).Str("serial", serial).Msg("Failed to update calibration")
		}
	}
	r.event(ctx, &models.EventLog{
		Device:      device,
		Serial:      serial,
		Type:        models.EventTypeCalibration,
		Level:       models.EventLevelInfo,
		Description: "Factory calibration updated",
		Details: models.Variables{
			"i1": info.I1, "i2": info.I2, "i3": info.I3,
			"i4": info.I4, "i5": info.I5, "i6": info.I6,
		},
	})
	return nil
}

// AuthenticationStateChanged implements engine.Sink.
func (r *Recorder) AuthenticationStateChanged(ctx context.Context, device, state string) error {
	if err := r.next.AuthenticationStateChanged(ctx, device, state); err != nil {
		return err
	}

	serial := r.serial(ctx, device)
	if serial != "" {
		err := r.store.UpdateSensorState(ctx, serial, state, r.now())
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Error().Err(err).Str("serial", serial).Msg("Failed to update sensor state")
		}
	}
	r.event(ctx, &models.EventLog{
		Device:      device,
		Serial:      serial,
		Type:        models.EventTypeAuthState,
		Level:       models.EventLevelDebug,
		Description: state,
	})
	return nil
}
