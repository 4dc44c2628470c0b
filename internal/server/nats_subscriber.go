package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/glucolink/cgm-engine/internal/models"
	"github.com/glucolink/cgm-engine/internal/storage"
	"github.com/glucolink/cgm-engine/pkg/engine"
	"github.com/glucolink/cgm-engine/pkg/fram"
	"github.com/glucolink/cgm-engine/pkg/libre3"
	"github.com/glucolink/cgm-engine/pkg/sensor"
)

// Engine is the part of *engine.Engine driven by bus events.
type Engine interface {
	Connect(ctx context.Context, device string, a engine.Attach) error
	Disconnect(device string)
	OnFragment(ctx context.Context, device, channel string, fragment []byte) error
	OnTagUID(ctx context.Context, device string, uid sensor.UID) error
	OnPatchInfo(ctx context.Context, device string, info []byte) (sensor.Identity, error)
	OnFramImage(ctx context.Context, device string, image []byte, lastReadingDate time.Time) (*fram.Result, error)
	OnActivation(ctx context.Context, device string, output []byte) (libre3.Activation, error)
}

// Reply is sent to requests carrying a reply subject.
type Reply struct {
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

// NATSSubscriber feeds device events from NATS into the engine. All
// events arrive on one subscription so a device's events keep their
// order.
type NATSSubscriber struct {
	nc       *nats.Conn
	engine   Engine
	store    storage.Store
	subjects Subjects
	timeout  time.Duration
	sub      *nats.Subscription
}

// NewNATSSubscriber creates NATS subscriber. store may be nil.
func NewNATSSubscriber(nc *nats.Conn, eng Engine, store storage.Store, subjects Subjects) *NATSSubscriber {
	return &NATSSubscriber{
		nc:       nc,
		engine:   eng,
		store:    store,
		subjects: subjects,
		timeout:  10 * time.Second,
	}
}

// Start subscribes and blocks until ctx is done.
func (s *NATSSubscriber) Start(ctx context.Context) error {
	sub, err := s.nc.Subscribe(s.subjects.All(), func(msg *nats.Msg) {
		hctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		result, err := s.Handle(hctx, msg.Subject, msg.Data)
		if msg.Reply != "" {
			s.respond(msg, result, err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe device events: %w", err)
	}
	s.sub = sub

	log.Info().
		Str("subject", s.subjects.All()).
		Msg("NATS subscriber started")

	<-ctx.Done()

	if err := sub.Drain(); err != nil {
		log.Warn().Err(err).Msg("Failed to drain subscription")
	}
	return ctx.Err()
}

func (s *NATSSubscriber) respond(msg *nats.Msg, result interface{}, err error) {
	reply := Reply{Result: result}
	if err != nil {
		reply.Error = err.Error()
	}
	data, merr := json.Marshal(reply)
	if merr != nil {
		log.Error().Err(merr).Msg("Failed to marshal reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to respond")
	}
}

// Handle dispatches one device event. Outbound events share the subject
// space and are ignored.
func (s *NATSSubscriber) Handle(ctx context.Context, subject string, data []byte) (interface{}, error) {
	device, event, err := s.subjects.Parse(subject)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring message")
		return nil, err
	}

	var result interface{}
	switch event {
	case EventConnect:
		err = s.handleConnect(ctx, device, data)
	case EventDisconnect:
		s.engine.Disconnect(device)
		s.record(ctx, &models.EventLog{Device: device, Type: models.EventTypeDisconnect, Level: models.EventLevelInfo, Description: "Device disconnected"})
	case EventFragment:
		err = s.handleFragment(ctx, device, data)
	case EventPatchInfo:
		result, err = s.handlePatchInfo(ctx, device, data)
	case EventFram:
		result, err = s.handleFram(ctx, device, data)
	case EventActivation:
		result, err = s.handleActivation(ctx, device, data)
	default:
		return nil, nil
	}

	if err != nil {
		log.Error().
			Err(err).
			Str("device", device).
			Str("event", event).
			Msg("Failed to handle device event")
		s.record(ctx, &models.EventLog{
			Device:      device,
			Type:        models.EventTypeError,
			Level:       models.EventLevelError,
			Description: err.Error(),
			Details:     models.Variables{"event": event},
		})
	}
	return result, err
}

func (s *NATSSubscriber) handleConnect(ctx context.Context, device string, data []byte) error {
	var msg models.ConnectMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("unmarshal connect: %w", err)
	}

	a := engine.Attach{
		Type:             sensor.ParseType(msg.Type),
		Serial:           msg.Serial,
		ManufacturerData: msg.ManufacturerData,
	}
	// the row must exist before the handshake reports its first state
	if a.Type.IsDexcom() && a.Serial != "" {
		now := time.Now()
		sn := &models.Sensor{Serial: a.Serial, Device: device, Type: a.Type.String(), LastSeenAt: &now}
		s.upsert(ctx, sn)
	}
	if err := s.engine.Connect(ctx, device, a); err != nil {
		return err
	}

	s.record(ctx, &models.EventLog{
		Device:      device,
		Serial:      msg.Serial,
		Type:        models.EventTypeConnect,
		Level:       models.EventLevelInfo,
		Description: "Device connected",
		Details:     models.Variables{"type": msg.Type},
	})

	log.Info().
		Str("device", device).
		Str("type", msg.Type).
		Msg("Device connected")
	return nil
}

func (s *NATSSubscriber) handleFragment(ctx context.Context, device string, data []byte) error {
	var msg models.FragmentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("unmarshal fragment: %w", err)
	}

	log.Debug().
		Str("device", device).
		Str("channel", msg.Channel).
		Int("len", len(msg.Data)).
		Msg("Received fragment")

	err := s.engine.OnFragment(ctx, device, msg.Channel, msg.Data)
	if errors.Is(err, engine.ErrNoSession) {
		log.Warn().Str("device", device).Msg("Fragment for unconnected device")
		return nil
	}
	return err
}

func (s *NATSSubscriber) handlePatchInfo(ctx context.Context, device string, data []byte) (interface{}, error) {
	var msg models.PatchInfoMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal patch info: %w", err)
	}

	if msg.UID != "" {
		uid, err := sensor.ParseUID(msg.UID)
		if err != nil {
			return nil, err
		}
		if err := s.engine.OnTagUID(ctx, device, uid); err != nil {
			return nil, err
		}
	}

	id, err := s.engine.OnPatchInfo(ctx, device, msg.PatchInfo)
	if err != nil {
		return nil, err
	}

	serial := ""
	if !id.UID.IsZero() || id.Type == sensor.TypeLibre3 || id.Type == sensor.TypeLingo {
		serial = id.Serial()
	}
	if serial != "" {
		now := time.Now()
		sn := models.SensorFromIdentity(device, serial, id)
		sn.LastSeenAt = &now
		s.upsert(ctx, sn)
	}

	log.Info().
		Str("device", device).
		Str("type", id.Type.String()).
		Str("serial", serial).
		Msg("Patch info received")
	return id, nil
}

func (s *NATSSubscriber) handleFram(ctx context.Context, device string, data []byte) (interface{}, error) {
	var msg models.FramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal fram: %w", err)
	}
	if msg.LastReadingDate.IsZero() {
		msg.LastReadingDate = time.Now()
	}

	res, err := s.engine.OnFramImage(ctx, device, msg.Image, msg.LastReadingDate)
	if res != nil {
		level := models.EventLevelInfo
		if !res.Trusted {
			level = models.EventLevelWarning
		}
		s.record(ctx, &models.EventLog{
			Device:      device,
			Type:        models.EventTypeFram,
			Level:       level,
			Description: res.Summary(),
			Details: models.Variables{
				"size":    len(msg.Image),
				"trusted": res.Trusted,
				"state":   res.State.String(),
				"age":     res.Age,
			},
		})
	}
	return res, err
}

func (s *NATSSubscriber) handleActivation(ctx context.Context, device string, data []byte) (interface{}, error) {
	var msg models.ActivationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal activation: %w", err)
	}
	a, err := s.engine.OnActivation(ctx, device, msg.Output)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"address": a.Address(),
		"valid":   a.Valid(),
	}, nil
}

func (s *NATSSubscriber) upsert(ctx context.Context, sn *models.Sensor) {
	if s.store == nil {
		return
	}
	_, err := s.store.GetSensor(ctx, sn.Serial)
	isNew := errors.Is(err, storage.ErrNotFound)
	if err := s.store.UpsertSensor(ctx, sn); err != nil {
		log.Error().Err(err).Str("serial", sn.Serial).Msg("Failed to save sensor")
		return
	}
	if isNew {
		s.record(ctx, &models.EventLog{
			Device:      sn.Device,
			Serial:      sn.Serial,
			Type:        models.EventTypeNewSensor,
			Level:       models.EventLevelInfo,
			Description: "New sensor " + sn.Serial,
			Details:     models.Variables{"type": sn.Type},
		})
	}
}

func (s *NATSSubscriber) record(ctx context.Context, e *models.EventLog) {
	if s.store == nil {
		return
	}
	if err := s.store.CreateEventLog(ctx, e); err != nil {
		log.Error().Err(err).Str("device", e.Device).Msg("Failed to create event log")
	}
}
