package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glucolink/cgm-engine/internal/models"
	"github.com/glucolink/cgm-engine/internal/storage"
	"github.com/glucolink/cgm-engine/pkg/calibration"
	"github.com/glucolink/cgm-engine/pkg/dexcom"
	"github.com/glucolink/cgm-engine/pkg/engine"
	"github.com/glucolink/cgm-engine/pkg/glucose"
	"github.com/glucolink/cgm-engine/pkg/sensor"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, published{subject, data})
	return nil
}

func (c *fakeConn) bySuffix(suffix string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, m := range c.msgs {
		if strings.HasSuffix(m.subject, suffix) {
			out = append(out, m)
		}
	}
	return out
}

type fixedSerial string

func (f fixedSerial) Serial(context.Context, string) (string, error) { return string(f), nil }

var subjects = Subjects{Prefix: "cgm"}

func newSubscriber(t *testing.T) (*NATSSubscriber, *fakeConn, *storage.MemoryStore, *engine.Engine) {
	t.Helper()
	conn := &fakeConn{}
	store := storage.NewMemoryStore()
	rec := NewRecorder(NewPublisher(conn, subjects), store)
	eng := engine.New(rec, storage.NewMemorySettings(), engine.Options{}, zerolog.Nop())
	rec.Serials = eng
	return NewNATSSubscriber(nil, eng, store, subjects), conn, store, eng
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "cgm.device.hub-1.write", subjects.Device("hub-1", EventWrite))
	assert.Equal(t, "cgm.device.*.*", subjects.All())
	assert.Equal(t, "cgm.device.*.glucose", subjects.Event(EventGlucose))

	device, event, err := subjects.Parse("cgm.device.hub-1.fragment")
	require.NoError(t, err)
	assert.Equal(t, "hub-1", device)
	assert.Equal(t, EventFragment, event)

	for _, bad := range []string{
		"other.device.hub-1.fragment",
		"cgm.device.hub-1",
		"cgm.device..fragment",
		"cgm.device.hub-1.fragment.extra",
	} {
		_, _, err := subjects.Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestValidDevice(t *testing.T) {
	assert.True(t, ValidDevice("phone-7"))
	assert.False(t, ValidDevice(""))
	assert.False(t, ValidDevice("a.b"))
	assert.False(t, ValidDevice("a*"))
	assert.False(t, ValidDevice("a b"))
}

func TestPublisher(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, subjects)
	p.now = func() time.Time { return time.Unix(1700000000, 0) }

	require.NoError(t, p.AuthenticationStateChanged(context.Background(), "hub-1", "authenticated"))
	msgs := conn.bySuffix(".auth")
	require.Len(t, msgs, 1)
	assert.Equal(t, "cgm.device.hub-1.auth", msgs[0].subject)

	var m models.AuthStateMessage
	require.NoError(t, json.Unmarshal(msgs[0].data, &m))
	assert.Equal(t, models.AuthStateMessage{Device: "hub-1", State: "authenticated", Timestamp: 1700000000}, m)

	conn.err = errors.New("connection closed")
	err := p.GlucoseUpdated(context.Background(), "hub-1", nil)
	assert.ErrorContains(t, err, "publish glucose")
}

func TestRecorderStoresReadings(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{}
	store := storage.NewMemoryStore()
	require.NoError(t, store.UpsertSensor(ctx, &models.Sensor{Serial: "3MH001", Device: "hub-1", Type: "Libre 2"}))

	rec := NewRecorder(NewPublisher(conn, subjects), store)
	rec.Serials = fixedSerial("3MH001")

	now := time.Now().Truncate(time.Minute)
	readings := []glucose.Glucose{
		{ID: 100, Date: now, Value: 120, RawValue: 1200},
		{ID: 99, Date: now.Add(-time.Minute), Value: glucose.NoData},
	}
	require.NoError(t, rec.GlucoseUpdated(ctx, "hub-1", readings))
	require.NoError(t, rec.GlucoseUpdated(ctx, "hub-1", readings))

	stored, total, err := store.ListReadings(ctx, storage.ReadingFilters{Serial: "3MH001"}, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, 120, stored[0].Value)
	assert.Len(t, conn.bySuffix(".glucose"), 2)

	info := calibration.Info{I1: 1, I2: 2, I3: 3, I4: 4, I5: 5, I6: 6}
	require.NoError(t, rec.CalibrationUpdated(ctx, "hub-1", info))
	require.NoError(t, rec.AuthenticationStateChanged(ctx, "hub-1", "authenticated"))

	s, err := store.GetSensor(ctx, "3MH001")
	require.NoError(t, err)
	assert.Equal(t, models.Calibration(info), s.Calibration)
	assert.Equal(t, "authenticated", s.AuthState)
	require.NotNil(t, s.LastSeenAt)

	events, _, err := store.ListEventLogs(ctx, storage.EventLogFilters{Serial: "3MH001"}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestRecorderWithoutSerial(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rec := NewRecorder(NewPublisher(&fakeConn{}, subjects), store)
	rec.Serials = fixedSerial("")

	require.NoError(t, rec.GlucoseUpdated(ctx, "hub-1", []glucose.Glucose{{ID: 1, Value: 100, Date: time.Now()}}))
	require.NoError(t, rec.AuthenticationStateChanged(ctx, "hub-1", "unknown"))
	_, total, err := store.ListEventLogs(ctx, storage.EventLogFilters{Type: ptr(models.EventTypeGlucose)}, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRecorderPassesSinkErrors(t *testing.T) {
	conn := &fakeConn{err: errors.New("down")}
	rec := NewRecorder(NewPublisher(conn, subjects), storage.NewMemoryStore())
	rec.Serials = fixedSerial("3MH001")
	assert.Error(t, rec.AuthenticationStateChanged(context.Background(), "hub-1", "x"))
}

func TestSubscriberDexcomConnect(t *testing.T) {
	ctx := context.Background()
	sub, conn, store, eng := newSubscriber(t)

	data, _ := json.Marshal(models.ConnectMessage{Type: sensor.TypeDexcomG6.String(), Serial: "8G1234"})
	_, err := sub.Handle(ctx, "cgm.device.hub-1.connect", data)
	require.NoError(t, err)
	assert.True(t, eng.Connected("hub-1"))

	writes := conn.bySuffix(".write")
	require.Len(t, writes, 2)
	var w models.WriteMessage
	require.NoError(t, json.Unmarshal(writes[0].data, &w))
	assert.Equal(t, dexcom.Authentication, w.Channel)
	assert.True(t, w.Subscribe)
	assert.NotEmpty(t, conn.bySuffix(".auth"))

	s, err := store.GetSensor(ctx, "8G1234")
	require.NoError(t, err)
	assert.Equal(t, "hub-1", s.Device)
	assert.NotEmpty(t, s.AuthState)

	_, err = sub.Handle(ctx, "cgm.device.hub-1.disconnect", nil)
	require.NoError(t, err)
	assert.False(t, eng.Connected("hub-1"))

	typ := models.EventTypeDisconnect
	_, total, err := store.ListEventLogs(ctx, storage.EventLogFilters{Device: "hub-1", Type: &typ}, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestSubscriberPatchInfo(t *testing.T) {
	ctx := context.Background()
	sub, _, store, eng := newSubscriber(t)

	uid := sensor.UID{0x9c, 0x8a, 0x5c, 0x00, 0x00, 0xa4, 0x07, 0xe0}
	data, _ := json.Marshal(models.PatchInfoMessage{
		UID:       uid.String(),
		PatchInfo: []byte{0x9D, 0x08, 0x30, 0x01, 0x76, 0x25},
	})
	result, err := sub.Handle(ctx, "cgm.device.phone.patchinfo", data)
	require.NoError(t, err)

	id, ok := result.(sensor.Identity)
	require.True(t, ok)
	assert.Equal(t, sensor.TypeLibre2, id.Type)
	assert.Equal(t, uid, id.UID)

	serial, err := eng.Serial(ctx, "phone")
	require.NoError(t, err)
	require.NotEmpty(t, serial)

	s, err := store.GetSensor(ctx, serial)
	require.NoError(t, err)
	assert.Equal(t, "phone", s.Device)
	assert.Equal(t, uid.String(), s.UID)
}

func TestSubscriberErrors(t *testing.T) {
	ctx := context.Background()
	sub, _, store, _ := newSubscriber(t)

	_, err := sub.Handle(ctx, "cgm.device.hub-1.connect", []byte("{"))
	assert.Error(t, err)

	_, err = sub.Handle(ctx, "cgm.device.hub-1.patchinfo", []byte(`{"uid":"zz","patchInfo":""}`))
	assert.Error(t, err)

	typ := models.EventTypeError
	_, total, err := store.ListEventLogs(ctx, storage.EventLogFilters{Type: &typ}, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	// fragments for unknown devices are dropped
	data, _ := json.Marshal(models.FragmentMessage{Channel: dexcom.Authentication, Data: []byte{1}})
	_, err = sub.Handle(ctx, "cgm.device.ghost.fragment", data)
	assert.NoError(t, err)

	// outbound events share the subject space
	_, err = sub.Handle(ctx, "cgm.device.hub-1.glucose", []byte("{}"))
	assert.NoError(t, err)

	_, err = sub.Handle(ctx, "elsewhere", nil)
	assert.Error(t, err)
}

func ptr[T any](v T) *T { return &v }
