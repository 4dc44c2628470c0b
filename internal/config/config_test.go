package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
server:
  name: cgm-engine
  version: 1.2.0
nats:
  url: nats://bus:4222
redis:
  addr: redis:6379
engine:
  read_retries: 3
  retry_pause: 100ms
api:
  port: 9000
  clients:
    - id: ops
      secret_hash: "$2a$10$abcdefghijklmnopqrstuv"
      role: admin
integration:
  mqtt:
    enabled: true
    broker: tcp://mqtt:1883
    qos: 1
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "nats://bus:4222", cfg.NATS.URL)
	assert.Equal(t, "redis", cfg.Engine.SettingsBackend)
	assert.Equal(t, 3, cfg.Engine.ReadRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Engine.RetryPause)
	assert.Equal(t, 9000, cfg.API.Port)
	assert.Equal(t, "admin", cfg.API.Clients[0].Role)
	assert.Equal(t, byte(1), cfg.Integration.MQTT.QoS)

	// Defaults
	assert.Equal(t, "cgm", cfg.Engine.SubjectPrefix)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, time.Hour, cfg.JWT.AccessTokenTTL)
	assert.Equal(t, "0.0.0.0:1700", cfg.Bridge.UDPBind)
}

func TestParseDefaultsToMemorySettings(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  name: test\n"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Engine.SettingsBackend)
	assert.Equal(t, "test", cfg.Server.Name)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NATS_URL", "nats://env:4222")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FILE", "/tmp/cgm.log")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/cgm.log", cfg.Log.File)
	assert.Equal(t, "s3cret", cfg.JWT.Secret)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"redis backend without addr", "engine:\n  settings_backend: redis\n"},
		{"unknown backend", "engine:\n  settings_backend: etcd\n"},
		{"mqtt without broker", "integration:\n  mqtt:\n    enabled: true\n"},
		{"bad qos", "integration:\n  mqtt:\n    broker: tcp://x\n    qos: 3\n"},
		{"webhook without url", "integration:\n  http:\n    enabled: true\n"},
		{"short secret key", "engine:\n  secret_key: abcd\n"},
		{"client without hash", "api:\n  clients:\n    - id: ops\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", cfg.Server.Version)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
