package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/glucolink/cgm-engine/internal/config"
	"github.com/glucolink/cgm-engine/pkg/crypto"
	"github.com/glucolink/cgm-engine/pkg/engine"
)

// MemorySettings keeps msgpack encoded settings in process memory.
type MemorySettings struct {
	mu     sync.RWMutex
	values map[string]map[string][]byte
}

var _ engine.Settings = (*MemorySettings)(nil)

// NewMemorySettings returns an empty settings store.
func NewMemorySettings() *MemorySettings {
	return &MemorySettings{values: make(map[string]map[string][]byte)}
}

// Get implements engine.Settings.
func (m *MemorySettings) Get(_ context.Context, device, key string, v interface{}) error {
	m.mu.RLock()
	data, ok := m.values[device][key]
	m.mu.RUnlock()
	if !ok {
		return engine.ErrSettingNotFound
	}
	return msgpack.Unmarshal(data, v)
}

// Set implements engine.Settings.
func (m *MemorySettings) Set(_ context.Context, device, key string, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values[device] == nil {
		m.values[device] = make(map[string][]byte)
	}
	m.values[device][key] = data
	return nil
}

// Keys lists the keys set for device.
func (m *MemorySettings) Keys(device string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values[device]))
	for k := range m.values[device] {
		keys = append(keys, k)
	}
	return keys
}

// RedisSettings keeps each device's settings in one Redis hash whose
// fields are msgpack encoded. The caller owns the client.
type RedisSettings struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

var _ engine.Settings = (*RedisSettings)(nil)

// NewRedisSettings returns settings stored under "<prefix>:<device>".
func NewRedisSettings(client *redis.Client, prefix string, timeout time.Duration) *RedisSettings {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisSettings{client: client, prefix: prefix, timeout: timeout}
}

func (r *RedisSettings) hashKey(device string) string {
	if r.prefix == "" {
		return device
	}
	return r.prefix + ":" + device
}

// Get implements engine.Settings.
func (r *RedisSettings) Get(ctx context.Context, device, key string, v interface{}) error {
	qctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.HGet(qctx, r.hashKey(device), key).Bytes()
	if err == redis.Nil {
		return engine.ErrSettingNotFound
	}
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(data, v)
}

// Set implements engine.Settings.
func (r *RedisSettings) Set(ctx context.Context, device, key string, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	qctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.HSet(qctx, r.hashKey(device), key, data).Err()
}

// Forget removes every setting of device.
func (r *RedisSettings) Forget(ctx context.Context, device string) error {
	qctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Del(qctx, r.hashKey(device)).Err()
}

// SealedSettings encrypts the values of selected keys with AES-GCM
// before handing them to the wrapped store.
type SealedSettings struct {
	next engine.Settings
	key  []byte
	keys map[string]bool
}

var _ engine.Settings = (*SealedSettings)(nil)

// SecretKeys are the settings holding sensor secrets.
var SecretKeys = []string{
	engine.KeyBlePIN,
	engine.KeyStreamingAuthData,
	engine.KeyDexcomAppKey,
}

// NewSealedSettings wraps next, sealing the values of keys with key.
func NewSealedSettings(next engine.Settings, key []byte, keys ...string) *SealedSettings {
	s := &SealedSettings{next: next, key: key, keys: make(map[string]bool, len(keys))}
	for _, k := range keys {
		s.keys[k] = true
	}
	return s
}

// Get implements engine.Settings.
func (s *SealedSettings) Get(ctx context.Context, device, key string, v interface{}) error {
	if !s.keys[key] {
		return s.next.Get(ctx, device, key, v)
	}
	var sealed []byte
	if err := s.next.Get(ctx, device, key, &sealed); err != nil {
		return err
	}
	data, err := crypto.Open(s.key, sealed)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	return msgpack.Unmarshal(data, v)
}

// Set implements engine.Settings.
func (s *SealedSettings) Set(ctx context.Context, device, key string, v interface{}) error {
	if !s.keys[key] {
		return s.next.Set(ctx, device, key, v)
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := crypto.Seal(s.key, data)
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}
	return s.next.Set(ctx, device, key, sealed)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenSettings builds the settings backend selected by cfg.Engine, sealing
// SecretKeys when a secret key is configured. The closer releases the
// Redis client.
func OpenSettings(cfg *config.Config) (engine.Settings, io.Closer, error) {
	var (
		settings engine.Settings
		closer   io.Closer = nopCloser{}
	)
	switch strings.ToLower(cfg.Engine.SettingsBackend) {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		settings = NewRedisSettings(client, cfg.Redis.Prefix, cfg.Redis.QueryTimeout)
		closer = client
	case "memory", "":
		settings = NewMemorySettings()
	default:
		return nil, nil, fmt.Errorf("unknown settings backend %q", cfg.Engine.SettingsBackend)
	}

	if cfg.Engine.SecretKey != "" {
		key, err := hex.DecodeString(cfg.Engine.SecretKey)
		if err != nil {
			closer.Close()
			return nil, nil, fmt.Errorf("decode secret key: %w", err)
		}
		settings = NewSealedSettings(settings, key, SecretKeys...)
	}
	return settings, closer, nil
}
