package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glucolink/cgm-engine/internal/config"
	"github.com/glucolink/cgm-engine/internal/models"
	"github.com/glucolink/cgm-engine/internal/storage"
	"github.com/glucolink/cgm-engine/pkg/checksum"
	"github.com/glucolink/cgm-engine/pkg/crypto"
	"github.com/glucolink/cgm-engine/pkg/fram"
)

type fakeBus struct {
	subjects []string
	bodies   [][]byte
}

func (b *fakeBus) Publish(subject string, data []byte) error {
	b.subjects = append(b.subjects, subject)
	b.bodies = append(b.bodies, data)
	return nil
}

func newTestServer(t *testing.T, opts ...Option) (*RESTServer, *storage.MemoryStore) {
	t.Helper()
	hash, err := crypto.HashSecret("s3cret")
	require.NoError(t, err)

	clients := []config.ClientConfig{
		{ID: "ops", SecretHash: hash, Role: "admin"},
		{ID: "dash", SecretHash: hash, Role: "reader"},
	}
	cfg := &config.Config{
		Server: config.ServerConfig{Name: "cgm-engine", Version: "test"},
		API:    config.APIConfig{Clients: clients},
		JWT:    config.JWTConfig{Secret: "signing-key", AccessTokenTTL: time.Hour},
		Engine: config.EngineConfig{SubjectPrefix: "cgm"},
	}
	store := storage.NewMemoryStore()
	return NewRESTServer(cfg, store, opts...), store
}

func do(t *testing.T, s *RESTServer, method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func login(t *testing.T, s *RESTServer, client string) string {
	t.Helper()
	rec, out := do(t, s, http.MethodPost, "/api/v1/auth/token", "", map[string]string{
		"client_id":     client,
		"client_secret": "s3cret",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	return out["access_token"].(string)
}

func TestHealthAndRoot(t *testing.T) {
	s, _ := newTestServer(t)

	rec, out := do(t, s, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", out["status"])

	rec, out = do(t, s, http.MethodGet, "/api/v1/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test", out["version"])
}

func TestTokenFlow(t *testing.T) {
	s, _ := newTestServer(t)

	rec, out := do(t, s, http.MethodPost, "/api/v1/auth/token", "", map[string]string{
		"client_id":     "ops",
		"client_secret": "s3cret",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bearer", out["token_type"])
	assert.Equal(t, "admin", out["role"])
	assert.NotEmpty(t, out["access_token"])

	rec, _ = do(t, s, http.MethodPost, "/api/v1/auth/token", "", map[string]string{
		"client_id":     "ops",
		"client_secret": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, out = do(t, s, http.MethodPost, "/api/v1/auth/token", "", map[string]string{"client_id": "ops"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, out["error"], "client_secret")
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t)

	rec, _ := do(t, s, http.MethodGet, "/api/v1/sensors", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, s, http.MethodGet, "/api/v1/sensors", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sensors", nil)
	req.Header.Set("Authorization", "Basic b3BzOnMzY3JldA==")
	raw := httptest.NewRecorder()
	s.Handler().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusUnauthorized, raw.Code)
}

func TestSensorsAndReadings(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	token := login(t, s, "dash")

	require.NoError(t, store.UpsertSensor(ctx, &models.Sensor{Serial: "3MH0044UVYB", Device: "phone-1", Type: "Libre 2"}))
	require.NoError(t, store.UpsertSensor(ctx, &models.Sensor{Serial: "8GABCD", Device: "phone-2", Type: "Dexcom G6"}))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var readings []*models.Reading
	for i := 0; i < 3; i++ {
		readings = append(readings, &models.Reading{
			Serial:    "3MH0044UVYB",
			Device:    "phone-1",
			LifeCount: 1000 + i,
			Date:      base.Add(time.Duration(i) * time.Minute),
			Value:     100 + i,
		})
	}
	_, err := store.SaveReadings(ctx, readings)
	require.NoError(t, err)

	rec, out := do(t, s, http.MethodGet, "/api/v1/sensors", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, out["total"])

	rec, out = do(t, s, http.MethodGet, "/api/v1/sensors?device=phone-2", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["total"])

	rec, out = do(t, s, http.MethodGet, "/api/v1/sensors/3MH0044UVYB", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	latest := out["latest"].(map[string]interface{})
	assert.EqualValues(t, 102, latest["value"])

	rec, out = do(t, s, http.MethodGet, "/api/v1/sensors/8GABCD", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, out, "latest")

	rec, _ = do(t, s, http.MethodGet, "/api/v1/sensors/missing", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	start := base.Add(time.Minute).Format(time.RFC3339)
	rec, out = do(t, s, http.MethodGet, "/api/v1/sensors/3MH0044UVYB/readings?start="+start, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, out["total"])

	rec, _ = do(t, s, http.MethodGet, "/api/v1/sensors/3MH0044UVYB/readings?start=yesterday", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListEvents(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	token := login(t, s, "dash")

	for _, e := range []*models.EventLog{
		{Device: "phone-1", Type: models.EventTypeConnect, Level: models.EventLevelInfo},
		{Device: "phone-1", Type: models.EventTypeError, Level: models.EventLevelError},
		{Device: "phone-2", Type: models.EventTypeConnect, Level: models.EventLevelInfo},
	} {
		require.NoError(t, store.CreateEventLog(ctx, e))
	}

	rec, out := do(t, s, http.MethodGet, "/api/v1/events?device=phone-1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, out["total"])

	rec, out = do(t, s, http.MethodGet, "/api/v1/events?type=CONNECT&limit=1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, out["total"])
	assert.Len(t, out["events"], 1)

	rec, out = do(t, s, http.MethodGet, "/api/v1/events?level=ERROR", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["total"])
}

func TestDecodePatchInfo(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s, "dash")

	rec, out := do(t, s, http.MethodPost, "/api/v1/tools/patchinfo", token, map[string]string{
		"patch_info": "9D0830017625",
		"uid":        "9c8a5c0000a407e0",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Libre 2", out["type"])
	assert.Equal(t, "Libre 2", out["family"])
	assert.Contains(t, out["protocol"], "abbott")
	assert.NotEmpty(t, out["serial"])
	caps := out["capabilities"].(map[string]interface{})
	assert.Equal(t, true, caps["fram"])

	rec, _ = do(t, s, http.MethodPost, "/api/v1/tools/patchinfo", token, map[string]string{"patch_info": "zz"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/api/v1/tools/patchinfo", token, map[string]string{
		"patch_info": "9D0830017625",
		"uid":        "9c8a",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecodeFram(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s, "dash")

	rec, out := do(t, s, http.MethodPost, "/api/v1/tools/fram", token, map[string]string{
		"image": "00112233",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fram.IncompleteReport, out["summary"])

	// A Libre 2 image whose header CRC does not match is treated as
	// encrypted; without a decrypter only the raw image comes back.
	image := make([]byte, fram.MinSize)
	rec, out = do(t, s, http.MethodPost, "/api/v1/tools/fram", token, map[string]string{
		"image":      hex.EncodeToString(image),
		"patch_info": "9D0830017625",
		"uid":        "9c8a5c0000a407e0",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, out["error"], fram.ErrDecryptionUnavailable.Error())
	assert.NotNil(t, out["result"])
	assert.Equal(t, fram.EncryptedReport, out["summary"])

	rec, _ = do(t, s, http.MethodPost, "/api/v1/tools/fram", token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCRC(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s, "dash")

	payload := []byte{0x01, 0x02, 0x03, 0x04}
	crc := checksum.CRC16(payload)
	framed := append(append([]byte(nil), payload...), byte(crc), byte(crc>>8))

	rec, out := do(t, s, http.MethodPost, "/api/v1/tools/crc", token, map[string]string{
		"data": hex.EncodeToString(framed),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fmt.Sprintf("%04x", checksum.CRC16(framed)), out["crc16"])
	assert.Equal(t, fmt.Sprintf("%04x", checksum.XModem(framed)), out["xmodem"])
	assert.Equal(t, true, out["trailer_valid"])
}

func TestPublishEvent(t *testing.T) {
	bus := &fakeBus{}
	s, _ := newTestServer(t, WithBus(bus))
	admin := login(t, s, "ops")
	reader := login(t, s, "dash")

	rec, _ := do(t, s, http.MethodPost, "/api/v1/devices/phone-1/connect", reader, map[string]string{"type": "Dexcom G6"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, out := do(t, s, http.MethodPost, "/api/v1/devices/phone-1/connect", admin, map[string]string{"type": "Dexcom G6"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "cgm.device.phone-1.connect", out["subject"])
	require.Len(t, bus.subjects, 1)
	assert.JSONEq(t, `{"type":"Dexcom G6"}`, string(bus.bodies[0]))

	rec, _ = do(t, s, http.MethodPost, "/api/v1/devices/phone-1/glucose", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/api/v1/devices/phone.1/connect", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/api/v1/devices/phone-1/disconnect", admin, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{}`, string(bus.bodies[1]))
}

func TestPublishEventWithoutBus(t *testing.T) {
	s, _ := newTestServer(t)
	admin := login(t, s, "ops")

	rec, _ := do(t, s, http.MethodPost, "/api/v1/devices/phone-1/connect", admin, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
