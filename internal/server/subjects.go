package server

import (
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/glucolink/cgm-engine/internal/config"
)

// Inbound device events
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventFragment   = "fragment"
	EventPatchInfo  = "patchinfo"
	EventFram       = "fram"
	EventActivation = "activation"
)

// Outbound device events
const (
	EventWrite       = "write"
	EventGlucose     = "glucose"
	EventCalibration = "calibration"
	EventAuth        = "auth"
)

// Subjects builds and parses "<prefix>.device.<id>.<event>" subjects.
type Subjects struct {
	Prefix string
}

// Device returns the subject of event for device.
func (s Subjects) Device(device, event string) string {
	return fmt.Sprintf("%s.device.%s.%s", s.Prefix, device, event)
}

// All matches every device event.
func (s Subjects) All() string {
	return s.Prefix + ".device.*.*"
}

// Event matches event for every device.
func (s Subjects) Event(event string) string {
	return s.Device("*", event)
}

// Parse splits a device subject into its device and event.
func (s Subjects) Parse(subject string) (device, event string, err error) {
	rest, ok := strings.CutPrefix(subject, s.Prefix+".device.")
	if !ok {
		return "", "", fmt.Errorf("subject %q outside %s.device", subject, s.Prefix)
	}
	device, event, ok = strings.Cut(rest, ".")
	if !ok || device == "" || event == "" || strings.Contains(event, ".") {
		return "", "", fmt.Errorf("malformed device subject %q", subject)
	}
	return device, event, nil
}

// ValidDevice reports whether id can be used as a subject token.
func ValidDevice(id string) bool {
	return id != "" && !strings.ContainsAny(id, ". *>\t\r\n")
}

// Connect dials NATS with the configured reconnect policy.
func Connect(cfg config.NATSConfig, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}
