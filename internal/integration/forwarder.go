package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/glucolink/cgm-engine/internal/config"
	"github.com/glucolink/cgm-engine/internal/models"
	"github.com/glucolink/cgm-engine/internal/server"
	"github.com/glucolink/cgm-engine/internal/storage"
)

// Forwarded events
var Events = []string{server.EventGlucose, server.EventCalibration, server.EventAuth}

// Envelope is the body sent to webhooks and MQTT.
type Envelope struct {
	Type      string          `json:"type"`
	Device    string          `json:"device"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// MQTTPublisher is the part of mqtt.Client the forwarder needs.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// ForwarderService pushes engine output to external systems.
type ForwarderService struct {
	nc       *nats.Conn
	store    storage.Store
	subjects server.Subjects
	cfg      config.IntegrationConfig

	mqtt       MQTTPublisher
	httpClient *http.Client
	now        func() time.Time
}

// NewForwarderService creates the forwarder. store may be nil.
func NewForwarderService(nc *nats.Conn, store storage.Store, subjects server.Subjects, cfg config.IntegrationConfig) *ForwarderService {
	timeout := cfg.HTTP.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ForwarderService{
		nc:         nc,
		store:      store,
		subjects:   subjects,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// SetMQTT replaces the MQTT client.
func (s *ForwarderService) SetMQTT(p MQTTPublisher) {
	s.mqtt = p
}

// Start connects to the broker and forwards events until ctx is done.
func (s *ForwarderService) Start(ctx context.Context) error {
	if s.cfg.MQTT.Enabled && s.mqtt == nil {
		client, err := ConnectMQTT(s.cfg.MQTT)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
		s.mqtt = client
	}

	var subs []*nats.Subscription
	for _, event := range Events {
		sub, err := s.nc.Subscribe(s.subjects.Event(event), func(msg *nats.Msg) {
			s.Handle(ctx, msg.Subject, msg.Data)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", event, err)
		}
		subs = append(subs, sub)
	}

	log.Info().
		Bool("mqtt", s.cfg.MQTT.Enabled).
		Bool("http", s.cfg.HTTP.Enabled).
		Msg("Integration forwarder service started")

	<-ctx.Done()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

// Handle forwards one engine event to every enabled integration.
func (s *ForwarderService) Handle(ctx context.Context, subject string, data []byte) {
	device, event, err := s.subjects.Parse(subject)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring message")
		return
	}

	env := Envelope{
		Type:      event,
		Device:    device,
		Data:      json.RawMessage(data),
		Timestamp: s.now(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("device", device).Msg("Failed to marshal forward data")
		return
	}

	if s.cfg.HTTP.Enabled {
		if err := s.forwardToHTTP(ctx, body); err != nil {
			s.failed(ctx, "http", env, err)
		}
	}
	if s.cfg.MQTT.Enabled && s.mqtt != nil {
		if err := s.forwardToMQTT(env, body); err != nil {
			s.failed(ctx, "mqtt", env, err)
		}
	}
}

func (s *ForwarderService) forwardToHTTP(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.HTTP.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.HTTP.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	log.Debug().
		Str("endpoint", s.cfg.HTTP.URL).
		Int("status", resp.StatusCode).
		Msg("Data forwarded to HTTP")
	return nil
}

// Topic returns the MQTT topic of event for device.
func (s *ForwarderService) Topic(device, event string) string {
	prefix := strings.TrimSuffix(s.cfg.MQTT.TopicPrefix, "/")
	return fmt.Sprintf("%s/%s/%s", prefix, device, event)
}

func (s *ForwarderService) forwardToMQTT(env Envelope, body []byte) error {
	topic := s.Topic(env.Device, env.Type)
	token := s.mqtt.Publish(topic, s.cfg.MQTT.QoS, false, body)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	log.Debug().Str("topic", topic).Msg("Data forwarded to MQTT")
	return nil
}

func (s *ForwarderService) failed(ctx context.Context, target string, env Envelope, err error) {
	log.Error().
		Err(err).
		Str("target", target).
		Str("device", env.Device).
		Str("event", env.Type).
		Msg("Forward failed")
	if s.store == nil {
		return
	}
	e := &models.EventLog{
		Device:      env.Device,
		Type:        models.EventTypeIntegration,
		Level:       models.EventLevelWarning,
		Description: err.Error(),
		Details:     models.Variables{"target": target, "event": env.Type},
	}
	if err := s.store.CreateEventLog(ctx, e); err != nil {
		log.Error().Err(err).Msg("Failed to create event log")
	}
}

// ConnectMQTT dials the configured broker.
func ConnectMQTT(cfg config.MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect mqtt %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", cfg.Broker, err)
	}
	return client, nil
}
