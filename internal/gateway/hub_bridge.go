// Package gateway bridges BLE/NFC hubs speaking a small UDP protocol to
// the device events on NATS.
//
// Every datagram starts with a 4-byte header: protocol version, a
// big-endian token and the packet type. Hub packets carry the 8-byte hub
// ID after the header, then a JSON body.
//
//	PUSH_DATA  hub -> bridge  {"events":[...],"stat":{...}}, answered by PUSH_ACK
//	PULL_DATA  hub -> bridge  keepalive opening the downlink, answered by PULL_ACK
//	PULL_RESP  bridge -> hub  {"write":{...}} or {"read":{...}}
//	TX_ACK     hub -> bridge  result of the PULL_RESP with the same token
package gateway

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/glucolink/cgm-engine/internal/config"
	"github.com/glucolink/cgm-engine/internal/logging"
	"github.com/glucolink/cgm-engine/internal/models"
	"github.com/glucolink/cgm-engine/internal/server"
	"github.com/glucolink/cgm-engine/pkg/fram"
	"github.com/glucolink/cgm-engine/pkg/libre3"
	"github.com/glucolink/cgm-engine/pkg/reassembly"
	"github.com/glucolink/cgm-engine/pkg/sensor"
)

const ProtocolVersion = 2

// Packet types
const (
	PushData = 0x00
	PushAck  = 0x01
	PullData = 0x02
	PullResp = 0x03
	PullAck  = 0x04
	TxAck    = 0x05
)

// EventNFC is the hub event for a completed NFC scan. The bridge turns
// it into patchinfo and, for sensors with a FRAM, a fram event.
const EventNFC = "nfc"

var (
	ErrHubUnknown  = errors.New("hub not connected")
	ErrNoDownlink  = errors.New("hub has not sent PULL_DATA")
	ErrNoRoute     = errors.New("no hub serves device")
	ErrReadTimeout = errors.New("block read timed out")
)

// HubEvent is one device event reported by a hub.
type HubEvent struct {
	Device  string          `json:"device"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// HubStat is the status a hub reports with its events.
type HubStat struct {
	Devices int     `json:"devices"`
	Battery float64 `json:"battery,omitempty"`
	RSSI    int     `json:"rssi,omitempty"`
}

type pushBody struct {
	Events []HubEvent `json:"events"`
	Stat   *HubStat   `json:"stat,omitempty"`
}

// NFCScan is the payload of an nfc event.
type NFCScan struct {
	UID       string `json:"uid,omitempty"`
	PatchInfo []byte `json:"patchInfo"`
	// Blocks is the number of FRAM blocks to read. Zero reads the
	// header, body and footer.
	Blocks int `json:"blocks,omitempty"`
}

// ReadRequest asks a hub for NFC memory blocks of the tag in its field.
type ReadRequest struct {
	Device string `json:"device"`
	From   int    `json:"from"`
	Count  int    `json:"count"`
}

type pullResp struct {
	Write *models.WriteMessage `json:"write,omitempty"`
	Read  *ReadRequest         `json:"read,omitempty"`
}

type txAck struct {
	Error string `json:"error,omitempty"`
	Data  []byte `json:"data,omitempty"`
}

// HubInfo is the connection state of one hub.
type HubInfo struct {
	HubID     string
	PushAddr  *net.UDPAddr
	PullAddr  *net.UDPAddr
	LastSeen  time.Time
	PullToken [2]byte
	Stat      HubStat
}

// Bus is the part of *nats.Conn the bridge publishes with.
type Bus interface {
	Publish(subject string, data []byte) error
}

// Counters are the bridge traffic totals.
type Counters struct {
	Received  uint64
	Sent      uint64
	Events    uint64
	Dropped   uint64
	BlockRead uint64
}

// UDPBridge serves hubs on one UDP socket.
type UDPBridge struct {
	conn     *net.UDPConn
	bus      Bus
	subjects server.Subjects
	cfg      config.BridgeConfig
	engine   config.EngineConfig

	mu      sync.RWMutex
	hubs    map[string]*HubInfo
	devices map[string]string

	pendingMu sync.Mutex
	pending   map[uint16]chan txAck
	token     atomic.Uint32

	received, sent, events, dropped, blockRead atomic.Uint64
}

// NewUDPBridge binds the bridge socket.
func NewUDPBridge(cfg config.BridgeConfig, eng config.EngineConfig, bus Bus, subjects server.Subjects) (*UDPBridge, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.UDPBind)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDPBridge{
		conn:     conn,
		bus:      bus,
		subjects: subjects,
		cfg:      cfg,
		engine:   eng,
		hubs:     make(map[string]*HubInfo),
		devices:  make(map[string]string),
		pending:  make(map[uint16]chan txAck),
	}, nil
}

// Addr returns the bound address.
func (u *UDPBridge) Addr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

// Start forwards write requests from nc to hubs and serves the socket
// until ctx is done.
func (u *UDPBridge) Start(ctx context.Context, nc *nats.Conn) error {
	sub, err := nc.Subscribe(u.subjects.Event(server.EventWrite), func(msg *nats.Msg) {
		var w models.WriteMessage
		if err := json.Unmarshal(msg.Data, &w); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to parse write request")
			return
		}
		if w.Device == "" {
			w.Device, _, _ = u.subjects.Parse(msg.Subject)
		}
		if err := u.SendWrite(w); err != nil {
			log.Warn().Err(err).Str("device", w.Device).Str("channel", w.Channel).Msg("Write request not delivered")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe write requests: %w", err)
	}
	defer sub.Unsubscribe()

	go u.cleanupHubs(ctx)
	go u.reportStats(ctx)

	return u.Serve(ctx)
}

// Serve reads hub packets until ctx is done. Packets are handled in
// arrival order.
func (u *UDPBridge) Serve(ctx context.Context) error {
	log.Info().Str("addr", u.conn.LocalAddr().String()).Msg("Hub bridge UDP server started")

	go func() {
		<-ctx.Done()
		u.conn.Close()
	}()

	buf := make([]byte, 65507)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Error().Err(err).Msg("Failed to read UDP packet")
			continue
		}
		u.received.Add(1)
		packet := make([]byte, n)
		copy(packet, buf[:n])
		u.handlePacket(ctx, packet, addr)
	}
}

// Close releases the socket.
func (u *UDPBridge) Close() error {
	return u.conn.Close()
}

func (u *UDPBridge) handlePacket(ctx context.Context, data []byte, addr *net.UDPAddr) {
	if len(data) < 12 {
		u.dropped.Add(1)
		return
	}

	version := data[0]
	token := binary.BigEndian.Uint16(data[1:3])
	if version != ProtocolVersion {
		u.dropped.Add(1)
		log.Warn().
			Uint8("version", version).
			Str("addr", addr.String()).
			Msg("Unsupported protocol version")
		return
	}
	hubID := hex.EncodeToString(data[4:12])

	switch data[3] {
	case PushData:
		u.handlePushData(ctx, hubID, data[12:], addr, token)
	case PullData:
		u.handlePullData(hubID, data[1:3], addr, token)
	case TxAck:
		u.handleTxAck(hubID, data[12:], token)
	default:
		u.dropped.Add(1)
		log.Warn().
			Uint8("type", data[3]).
			Str("addr", addr.String()).
			Msg("Unknown packet type")
	}
}

func (u *UDPBridge) touch(hubID string, update func(*HubInfo)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	hub, ok := u.hubs[hubID]
	if !ok {
		hub = &HubInfo{HubID: hubID}
		u.hubs[hubID] = hub
		log.Info().Str("hub", hubID).Msg("Hub online")
	}
	hub.LastSeen = time.Now()
	update(hub)
}

func (u *UDPBridge) ack(addr *net.UDPAddr, token uint16, kind byte) {
	ack := make([]byte, 4)
	ack[0] = ProtocolVersion
	binary.BigEndian.PutUint16(ack[1:3], token)
	ack[3] = kind
	if _, err := u.conn.WriteToUDP(ack, addr); err != nil {
		log.Error().Err(err).Str("addr", addr.String()).Msg("Failed to send ack")
		return
	}
	u.sent.Add(1)
}

func (u *UDPBridge) handlePushData(ctx context.Context, hubID string, body []byte, addr *net.UDPAddr, token uint16) {
	u.touch(hubID, func(h *HubInfo) { h.PushAddr = addr })
	u.ack(addr, token, PushAck)

	if len(body) == 0 {
		return
	}
	var push pushBody
	if err := json.Unmarshal(body, &push); err != nil {
		log.Error().Err(err).Str("hub", hubID).Msg("Failed to parse PUSH_DATA")
		return
	}
	if push.Stat != nil {
		u.touch(hubID, func(h *HubInfo) { h.Stat = *push.Stat })
		log.Debug().
			Str("hub", hubID).
			Int("devices", push.Stat.Devices).
			Float64("battery", push.Stat.Battery).
			Msg("Hub status")
	}
	for _, ev := range push.Events {
		u.handleEvent(ctx, hubID, ev)
	}
}

func (u *UDPBridge) handleEvent(ctx context.Context, hubID string, ev HubEvent) {
	if !server.ValidDevice(ev.Device) {
		u.dropped.Add(1)
		log.Warn().Str("hub", hubID).Str("device", ev.Device).Msg("Invalid device ID")
		return
	}
	u.mu.Lock()
	u.devices[ev.Device] = hubID
	u.mu.Unlock()
	u.events.Add(1)

	switch ev.Event {
	case server.EventConnect, server.EventDisconnect, server.EventFragment,
		server.EventPatchInfo, server.EventFram, server.EventActivation:
		u.publish(ev.Device, ev.Event, ev.Payload)
	case EventNFC:
		var scan NFCScan
		if err := json.Unmarshal(ev.Payload, &scan); err != nil {
			log.Error().Err(err).Str("device", ev.Device).Msg("Failed to parse NFC scan")
			return
		}
		// block reads complete through this socket's read loop
		go u.handleScan(ctx, hubID, ev.Device, scan)
	default:
		u.dropped.Add(1)
		log.Warn().Str("hub", hubID).Str("event", ev.Event).Msg("Unknown hub event")
	}
}

func (u *UDPBridge) publish(device, event string, payload []byte) {
	if err := u.bus.Publish(u.subjects.Device(device, event), payload); err != nil {
		log.Error().Err(err).Str("device", device).Str("event", event).Msg("Failed to publish to NATS")
	}
}

func (u *UDPBridge) publishJSON(device, event string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}
	u.publish(device, event, data)
}

// handleScan publishes the patch info of a scan, then reads and
// publishes the FRAM of sensors that have one.
func (u *UDPBridge) handleScan(ctx context.Context, hubID, device string, scan NFCScan) {
	u.publishJSON(device, server.EventPatchInfo, models.PatchInfoMessage{UID: scan.UID, PatchInfo: scan.PatchInfo})

	id := sensor.Resolve(libre3.TrimNFCPatchInfo(scan.PatchInfo))
	if !id.Type.Capabilities().Has(sensor.FramDecodable) {
		return
	}
	blocks := scan.Blocks
	if blocks <= 0 {
		blocks = fram.MinSize / reassembly.BlockSize
	}

	l := logging.Component("hub-bridge").With().Str("hub", hubID).Str("device", device).Logger()
	r := reassembly.NewBlockReader(&hubTransceiver{bridge: u, hubID: hubID, device: device}, l)
	if u.engine.ReadRetries > 0 {
		r.Retries = u.engine.ReadRetries
	}
	if u.engine.RetryPause > 0 {
		r.Pause = u.engine.RetryPause
	}

	started := time.Now()
	image, err := r.Read(ctx, 0, blocks)
	if err != nil {
		l.Error().Err(err).Int("bytes", len(image)).Msg("FRAM read failed")
		if len(image) == 0 {
			return
		}
	}
	l.Info().
		Int("bytes", len(image)).
		Dur("took", time.Since(started)).
		Msg("FRAM read")
	u.publishJSON(device, server.EventFram, models.FramMessage{Image: image, LastReadingDate: time.Now()})
}

// SendWrite forwards a write request to the hub serving its device.
func (u *UDPBridge) SendWrite(w models.WriteMessage) error {
	u.mu.RLock()
	hubID, ok := u.devices[w.Device]
	u.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, w.Device)
	}
	return u.sendPullResp(hubID, uint16(u.token.Add(1)), pullResp{Write: &w})
}

func (u *UDPBridge) sendPullResp(hubID string, token uint16, resp pullResp) error {
	u.mu.RLock()
	hub, ok := u.hubs[hubID]
	var addr *net.UDPAddr
	if ok {
		addr = hub.PullAddr
	}
	u.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrHubUnknown, hubID)
	}
	if addr == nil {
		return fmt.Errorf("%w: %s", ErrNoDownlink, hubID)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	packet := make([]byte, 4, 4+len(body))
	packet[0] = ProtocolVersion
	binary.BigEndian.PutUint16(packet[1:3], token)
	packet[3] = PullResp
	packet = append(packet, body...)

	if _, err := u.conn.WriteToUDP(packet, addr); err != nil {
		return fmt.Errorf("send PULL_RESP: %w", err)
	}
	u.sent.Add(1)
	log.Debug().
		Str("hub", hubID).
		Uint16("token", token).
		Int("bytes", len(packet)).
		Msg("PULL_RESP sent")
	return nil
}

func (u *UDPBridge) handlePullData(hubID string, token []byte, addr *net.UDPAddr, t uint16) {
	u.touch(hubID, func(h *HubInfo) {
		h.PullAddr = addr
		copy(h.PullToken[:], token)
	})
	u.ack(addr, t, PullAck)

	log.Debug().
		Str("hub", hubID).
		Str("pullAddr", addr.String()).
		Msg("PULL_DATA received")
}

func (u *UDPBridge) handleTxAck(hubID string, body []byte, token uint16) {
	var ack txAck
	if len(body) > 0 {
		if err := json.Unmarshal(body, &ack); err != nil {
			log.Error().Err(err).Str("hub", hubID).Msg("Failed to parse TX_ACK")
			return
		}
	}

	u.pendingMu.Lock()
	ch, ok := u.pending[token]
	delete(u.pending, token)
	u.pendingMu.Unlock()
	if ok {
		ch <- ack
		return
	}

	if ack.Error != "" {
		log.Warn().Str("hub", hubID).Uint16("token", token).Str("error", ack.Error).Msg("Hub rejected request")
		return
	}
	log.Debug().Str("hub", hubID).Uint16("token", token).Msg("TX_ACK received")
}

// hubTransceiver reads NFC blocks through a hub.
type hubTransceiver struct {
	bridge *UDPBridge
	hubID  string
	device string
}

func (t *hubTransceiver) ReadBlocks(ctx context.Context, from, count int) ([]byte, error) {
	u := t.bridge
	ch := make(chan txAck, 1)

	// the token is registered before the request leaves so a fast TX_ACK
	// finds it
	u.pendingMu.Lock()
	token := uint16(u.token.Add(1))
	u.pending[token] = ch
	u.pendingMu.Unlock()
	defer func() {
		u.pendingMu.Lock()
		delete(u.pending, token)
		u.pendingMu.Unlock()
	}()

	req := ReadRequest{Device: t.device, From: from, Count: count}
	if err := u.sendPullResp(t.hubID, token, pullResp{Read: &req}); err != nil {
		return nil, err
	}

	timeout := u.cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrReadTimeout
	case ack := <-ch:
		if ack.Error != "" {
			return nil, errors.New(ack.Error)
		}
		u.blockRead.Add(uint64(count))
		return ack.Data, nil
	}
}

// Hubs returns a snapshot of the connected hubs.
func (u *UDPBridge) Hubs() []HubInfo {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]HubInfo, 0, len(u.hubs))
	for _, h := range u.hubs {
		out = append(out, *h)
	}
	return out
}

// Stats returns the traffic counters.
func (u *UDPBridge) Stats() Counters {
	return Counters{
		Received:  u.received.Load(),
		Sent:      u.sent.Load(),
		Events:    u.events.Load(),
		Dropped:   u.dropped.Load(),
		BlockRead: u.blockRead.Load(),
	}
}

// cleanupHubs forgets hubs silent for longer than the hub timeout,
// along with the devices they served.
func (u *UDPBridge) cleanupHubs(ctx context.Context) {
	ticker := time.NewTicker(u.cfg.HubTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.expire(time.Now())
		}
	}
}

func (u *UDPBridge) expire(now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for id, hub := range u.hubs {
		if now.Sub(hub.LastSeen) <= u.cfg.HubTimeout {
			continue
		}
		delete(u.hubs, id)
		for device, h := range u.devices {
			if h == id {
				delete(u.devices, device)
			}
		}
		log.Info().Str("hub", id).Msg("Hub offline")
	}
}

func (u *UDPBridge) reportStats(ctx context.Context) {
	ticker := time.NewTicker(u.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := u.Stats()
			u.mu.RLock()
			hubs, devices := len(u.hubs), len(u.devices)
			u.mu.RUnlock()
			log.Info().
				Int("hubs", hubs).
				Int("devices", devices).
				Uint64("received", s.Received).
				Uint64("sent", s.Sent).
				Uint64("events", s.Events).
				Uint64("dropped", s.Dropped).
				Uint64("blocks", s.BlockRead).
				Msg("Bridge stats")
		}
	}
}
