package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glucolink/cgm-engine/internal/models"
	"github.com/glucolink/cgm-engine/pkg/calibration"
	"github.com/glucolink/cgm-engine/pkg/engine"
	"github.com/glucolink/cgm-engine/pkg/glucose"
	"github.com/glucolink/cgm-engine/pkg/link"
)

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher implements engine.Sink by publishing JSON events on NATS.
type Publisher struct {
	nc       Conn
	subjects Subjects
	now      func() time.Time
}

var _ engine.Sink = (*Publisher)(nil)

// NewPublisher creates a publisher for subjects under prefix.
func NewPublisher(nc Conn, subjects Subjects) *Publisher {
	return &Publisher{nc: nc, subjects: subjects, now: time.Now}
}

func (p *Publisher) publish(device, event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	if err := p.nc.Publish(p.subjects.Device(device, event), data); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

// WriteRequest implements engine.Sink.
func (p *Publisher) WriteRequest(_ context.Context, device string, w link.Write) error {
	return p.publish(device, EventWrite, models.WriteMessage{
		Device:         device,
		Channel:        w.Channel,
		Data:           w.Data,
		ExpectResponse: w.ExpectResponse,
		Subscribe:      w.Subscribe,
		Timestamp:      p.now().Unix(),
	})
}

// GlucoseUpdated implements engine.Sink.
func (p *Publisher) GlucoseUpdated(_ context.Context, device string, readings []glucose.Glucose) error {
	return p.publish(device, EventGlucose, models.GlucoseMessage{
		Device:    device,
		Readings:  readings,
		Timestamp: p.now().Unix(),
	})
}

// CalibrationUpdated implements engine.Sink.
func (p *Publisher) CalibrationUpdated(_ context.Context, device string, info calibration.Info) error {
	return p.publish(device, EventCalibration, models.CalibrationMessage{
		Device:      device,
		Calibration: info,
		Timestamp:   p.now().Unix(),
	})
}

// AuthenticationStateChanged implements engine.Sink.
func (p *Publisher) AuthenticationStateChanged(_ context.Context, device, state string) error {
	return p.publish(device, EventAuth, models.AuthStateMessage{
		Device:    device,
		State:     state,
		Timestamp: p.now().Unix(),
	})
}
