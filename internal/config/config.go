package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the service configuration shared by every command.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	API         APIConfig         `yaml:"api"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	NATS        NATSConfig        `yaml:"nats"`
	JWT         JWTConfig         `yaml:"jwt"`
	Log         LogConfig         `yaml:"log"`
	Engine      EngineConfig      `yaml:"engine"`
	Integration IntegrationConfig `yaml:"integration"`
	Bridge      BridgeConfig      `yaml:"bridge"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents REST API configuration
type APIConfig struct {
	Host        string         `yaml:"host"`
	Port        int            `yaml:"port"`
	CORSOrigins []string       `yaml:"cors_origins"`
	Clients     []ClientConfig `yaml:"clients"`
}

// ClientConfig is an API client allowed to request tokens. SecretHash is
// a bcrypt hash of the client secret.
type ClientConfig struct {
	ID         string `yaml:"id"`
	SecretHash string `yaml:"secret_hash"`
	Role       string `yaml:"role"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Prefix       string        `yaml:"prefix"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// EngineConfig tunes the decode engine host.
type EngineConfig struct {
	SubjectPrefix string        `yaml:"subject_prefix"`
	ReadRetries   int           `yaml:"read_retries"`
	RetryPause    time.Duration `yaml:"retry_pause"`
	// SettingsBackend selects "redis" or "memory".
	SettingsBackend string `yaml:"settings_backend"`
	// SecretKey seals secrets stored in the database (hex, 32 bytes).
	SecretKey string `yaml:"secret_key"`
	Record    bool   `yaml:"record"`
}

// IntegrationConfig configures glucose forwarding.
type IntegrationConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
	HTTP HTTPConfig `yaml:"http"`
}

// MQTTConfig configures the MQTT forwarder.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// HTTPConfig configures the webhook forwarder.
type HTTPConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// BridgeConfig represents the UDP fragment bridge configuration
type BridgeConfig struct {
	UDPBind       string        `yaml:"udp_bind"`
	StatsInterval time.Duration `yaml:"stats_interval"`
	HubTimeout    time.Duration `yaml:"hub_timeout"`
	// ReadTimeout bounds one block read round trip to a hub.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies environment overrides and defaults, and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		c.Redis.Addr = redisAddr
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		c.Log.File = logFile
	}
}

func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "cgm-engine"
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8090
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 60
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
	if c.Redis.QueryTimeout == 0 {
		c.Redis.QueryTimeout = 2 * time.Second
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "cgm:settings"
	}
	if c.Engine.SubjectPrefix == "" {
		c.Engine.SubjectPrefix = "cgm"
	}
	if c.Engine.ReadRetries == 0 {
		c.Engine.ReadRetries = 5
	}
	if c.Engine.RetryPause == 0 {
		c.Engine.RetryPause = 250 * time.Millisecond
	}
	if c.Engine.SettingsBackend == "" {
		c.Engine.SettingsBackend = "memory"
		if c.Redis.Addr != "" {
			c.Engine.SettingsBackend = "redis"
		}
	}
	if c.Integration.MQTT.TopicPrefix == "" {
		c.Integration.MQTT.TopicPrefix = "cgm"
	}
	if c.Integration.MQTT.ClientID == "" {
		c.Integration.MQTT.ClientID = "cgm-forwarder"
	}
	if c.Integration.HTTP.Timeout == 0 {
		c.Integration.HTTP.Timeout = 10 * time.Second
	}
	if c.Bridge.UDPBind == "" {
		c.Bridge.UDPBind = "0.0.0.0:1700"
	}
	if c.Bridge.StatsInterval == 0 {
		c.Bridge.StatsInterval = 30 * time.Second
	}
	if c.Bridge.HubTimeout == 0 {
		c.Bridge.HubTimeout = 2 * time.Minute
	}
	if c.Bridge.ReadTimeout == 0 {
		c.Bridge.ReadTimeout = 2 * time.Second
	}
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Engine.SettingsBackend) {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis settings backend requires redis.addr")
		}
	default:
		return fmt.Errorf("invalid settings backend: %s", c.Engine.SettingsBackend)
	}

	if c.Engine.ReadRetries < 0 {
		return fmt.Errorf("engine.read_retries must not be negative")
	}

	if c.Engine.SecretKey != "" && len(c.Engine.SecretKey) != 64 {
		return fmt.Errorf("engine.secret_key must be 32 hex encoded bytes")
	}

	if c.Integration.MQTT.Enabled && c.Integration.MQTT.Broker == "" {
		return fmt.Errorf("mqtt integration requires a broker")
	}
	if c.Integration.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos: %d", c.Integration.MQTT.QoS)
	}

	if c.Integration.HTTP.Enabled && c.Integration.HTTP.URL == "" {
		return fmt.Errorf("http integration requires a url")
	}

	for _, client := range c.API.Clients {
		if client.ID == "" || client.SecretHash == "" {
			return fmt.Errorf("api clients need an id and a secret_hash")
		}
	}

	return nil
}

// PrintConfigSummary prints the effective configuration without secrets.
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== CGM Engine Configuration ===\n")
	fmt.Printf("Server: %s v%s\n", c.Server.Name, c.Server.Version)
	fmt.Printf("NATS: %s (subjects %s.device.*)\n", c.NATS.URL, c.Engine.SubjectPrefix)
	fmt.Printf("Settings: %s", c.Engine.SettingsBackend)
	if c.Engine.SettingsBackend == "redis" {
		fmt.Printf(" at %s (prefix %s)", c.Redis.Addr, c.Redis.Prefix)
	}
	fmt.Printf("\n")
	fmt.Printf("Database: %v, recording: %v\n", c.Database.DSN != "", c.Engine.Record)
	fmt.Printf("NFC reads: %d retries, %s pause\n", c.Engine.ReadRetries, c.Engine.RetryPause)
	fmt.Printf("API: %s:%d (%d clients)\n", c.API.Host, c.API.Port, len(c.API.Clients))
	if c.Integration.MQTT.Enabled {
		fmt.Printf("MQTT: %s (topic %s, qos %d)\n", c.Integration.MQTT.Broker, c.Integration.MQTT.TopicPrefix, c.Integration.MQTT.QoS)
	}
	if c.Integration.HTTP.Enabled {
		fmt.Printf("Webhook: %s\n", c.Integration.HTTP.URL)
	}
	fmt.Printf("Bridge: %s\n", c.Bridge.UDPBind)
	fmt.Printf("Log: %s", c.Log.Level)
	if c.Log.File != "" {
		fmt.Printf(" -> %s", c.Log.File)
	}
	fmt.Printf("\n")
	fmt.Printf("================================\n")
}
