package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/CodeWitchBella/netvr-sub001/protocol"
)

const channelBufferSize = 255

var (
	ErrNotConnected      = errors.New("Connection has not been established")
	ErrHandshakeRejected = errors.New("Server rejected the handshake")
)

// Conn is a Go client for the relay. It performs the identity handshake,
// surfaces server pushes on channels and offers typed send methods.
//
// Reconnect and backoff are deliberately not in here: when the connection
// drops, the owner decides when to dial again and calls Resume with the
// identity it kept.
type Conn struct {
	writeMu sync.Mutex
	conn    *websocket.Conn

	id    uint16
	token string

	fullState    chan json.RawMessage
	patches      chan []protocol.Patch
	deviceInfo   chan []protocol.DeviceInfoEntry
	calibrations chan []protocol.CalibrationEntry
	poses        chan []protocol.BroadcastEntry
	features     chan *protocol.FeatureMessage
	serverErrors chan *protocol.ErrorMessage

	log *zap.Logger
}

func New(log *zap.Logger) *Conn {
	return &Conn{
		fullState:    make(chan json.RawMessage, channelBufferSize),
		patches:      make(chan []protocol.Patch, channelBufferSize),
		deviceInfo:   make(chan []protocol.DeviceInfoEntry, channelBufferSize),
		calibrations: make(chan []protocol.CalibrationEntry, channelBufferSize),
		poses:        make(chan []protocol.BroadcastEntry, channelBufferSize),
		features:     make(chan *protocol.FeatureMessage, channelBufferSize),
		serverErrors: make(chan *protocol.ErrorMessage, channelBufferSize),
		log:          log,
	}
}

// Connect dials the relay's websocket endpoint, e.g.
// `ws://localhost:7363/ws`.
func (c *Conn) Connect(ctx context.Context, url string) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("Failed to dial %s: %w", url, err)
	}

	c.conn = conn
	return nil
}

func (c *Conn) Disconnect() error {
	if c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// ID returns the identity bound by the last successful handshake.
func (c *Conn) ID() uint16 {
	return c.id
}

// Token returns the secret proving ownership of ID. Keep it around for
// Resume after a reconnect.
func (c *Conn) Token() string {
	return c.token
}

// Hello requests a fresh identity and starts the read loop.
func (c *Conn) Hello(ctx context.Context) (uint16, string, error) {
	if c.conn == nil {
		return 0, "", ErrNotConnected
	}

	return c.handshake(ctx, &protocol.GimmeID{ProtocolVersion: protocol.Version})
}

// Resume reclaims a previous identity. If the server does not honor the
// claim it transparently issues a fresh identity; check the returned id.
func (c *Conn) Resume(ctx context.Context, id uint16, token string) (uint16, string, error) {
	if c.conn == nil {
		return 0, "", ErrNotConnected
	}

	return c.handshake(ctx, &protocol.AlreadyHasID{
		ID:              id,
		Token:           token,
		ProtocolVersion: protocol.Version,
	})
}

func (c *Conn) handshake(ctx context.Context, msg protocol.ClientMessage) (uint16, string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return 0, "", err
		}
	}

	if err := c.send(msg); err != nil {
		return 0, "", err
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return 0, "", fmt.Errorf("Failed to read handshake reply: %w", err)
	}

	reply, err := protocol.ParseServerMessage(data)
	if err != nil {
		return 0, "", err
	}

	switch m := reply.(type) {
	case *protocol.IDHere:
		c.id = m.IntValue
		c.token = m.StringValue

	case *protocol.IDAck:
		claim, ok := msg.(*protocol.AlreadyHasID)
		if !ok {
			return 0, "", fmt.Errorf("Unexpected id ack: %w", ErrHandshakeRejected)
		}

		c.id = claim.ID
		c.token = claim.Token

	case *protocol.ErrorMessage:
		return 0, "", fmt.Errorf("%s: %w", m.Message, ErrHandshakeRejected)

	default:
		return 0, "", fmt.Errorf("Unexpected '%s' reply: %w", reply.GetAction(), ErrHandshakeRejected)
	}

	// The handshake deadline must not outlive the handshake.
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return 0, "", err
	}

	go c.readLoop()

	return c.id, c.token, nil
}

// FullState delivers complete room documents (one arrives right after the
// handshake, more after desyncs and resets).
func (c *Conn) FullState() <-chan json.RawMessage {
	return c.fullState
}

// Patches delivers incremental room document changes.
func (c *Conn) Patches() <-chan []protocol.Patch {
	return c.patches
}

// DeviceInfo delivers device configurations of peers as they appear or
// change.
func (c *Conn) DeviceInfo() <-chan []protocol.DeviceInfoEntry {
	return c.deviceInfo
}

// Calibrations delivers calibrations of peers as they appear or change.
func (c *Conn) Calibrations() <-chan []protocol.CalibrationEntry {
	return c.calibrations
}

// Poses delivers the per-tick pose broadcast. Frames are dropped rather
// than buffered when the consumer falls behind; poses are
// last-write-wins anyway.
func (c *Conn) Poses() <-chan []protocol.BroadcastEntry {
	return c.poses
}

// Features delivers feature-handler messages, such as a forwarded
// `calibration begin`.
func (c *Conn) Features() <-chan *protocol.FeatureMessage {
	return c.features
}

// ServerErrors delivers `error` payloads; dashboards show these inline.
func (c *Conn) ServerErrors() <-chan *protocol.ErrorMessage {
	return c.serverErrors
}

// Set sets one field of one client's document.
func (c *Conn) Set(client uint16, field string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return c.send(&protocol.Set{Client: client, Field: field, Value: raw})
}

// Multiset sets several fields atomically.
func (c *Conn) Multiset(entries []protocol.SetEntry) error {
	return c.send(&protocol.Multiset{Data: entries})
}

// SubmitPoses sends this tick's device data.
func (c *Conn) SubmitPoses(devices []protocol.Device) error {
	frame, err := protocol.EncodePoseFrame(devices)
	if err != nil {
		return err
	}

	return c.sendBinary(frame)
}

// SendHaptic asks another client's device to buzz.
func (c *Conn) SendHaptic(impulse protocol.HapticImpulse) error {
	return c.sendBinary(protocol.EncodeHapticImpulse(impulse))
}

// SendFeature sends a feature-handler message, e.g. calibration samples.
func (c *Conn) SendFeature(action protocol.Action, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return c.send(&protocol.FeatureMessage{Action: action, Payload: raw})
}

// KeepAlive refreshes the server's receive deadline.
func (c *Conn) KeepAlive() error {
	return c.send(&protocol.KeepAlive{})
}

// RequestLogs asks the server to fetch another client's logs.
func (c *Conn) RequestLogs(client uint16) error {
	return c.send(&protocol.RequestLogs{Client: client})
}

// Quit asks the server to drop a client.
func (c *Conn) Quit(client uint16) error {
	return c.send(&protocol.Quit{Client: client})
}

// ResetRoom clears all room state and evicts everyone, this client
// included.
func (c *Conn) ResetRoom() error {
	return c.send(&protocol.ResetRoom{})
}

func (c *Conn) send(msg protocol.ClientMessage) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) sendBinary(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *Conn) readLoop() {
	log := c.log.Named("readLoop")

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("Read loop exiting", zap.Error(err))
			return
		}

		if msgType == websocket.BinaryMessage {
			entries, err := protocol.DecodeBroadcastFrame(data)
			if err != nil {
				log.Warn("Failed to decode broadcast frame", zap.Error(err))
				continue
			}

			select {
			case c.poses <- entries:
			default:
			}
			continue
		}

		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			log.Warn("Failed to parse server message", zap.Error(err))
			continue
		}

		switch m := msg.(type) {
		case *protocol.FullStateReset:
			c.fullState <- m.State
		case *protocol.PatchMessage:
			c.patches <- m.Patches
		case *protocol.DeviceInfoMessage:
			c.deviceInfo <- m.Info
		case *protocol.SetCalibration:
			c.calibrations <- m.Calibrations
		case *protocol.ErrorMessage:
			c.serverErrors <- m
		case *protocol.RequestLogs:
			c.features <- &protocol.FeatureMessage{Action: protocol.ActionRequestLogs}
		case *protocol.FeatureMessage:
			c.features <- m
		default:
			log.Debug("Ignoring server message",
				zap.String("action", string(msg.GetAction())))
		}
	}
}
