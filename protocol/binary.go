package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Leading byte of every binary frame.
const (
	MessageTypePose   byte = 1
	MessageTypeHaptic byte = 2
)

var (
	ErrEmptyFrame     = errors.New("Binary frame is empty")
	ErrNotPoseFrame   = errors.New("Binary frame is not a pose frame")
	ErrNotHapticFrame = errors.New("Binary frame is not a haptic frame")
	ErrTruncatedFrame = errors.New("Binary frame ends before its declared contents")
	ErrBadVarint      = errors.New("Binary frame contains a malformed varint")
	ErrPayloadSize    = errors.New("Device payload size does not match the shared layout")
)

// FieldType is the primitive type of one value inside a device payload.
type FieldType uint8

const (
	TypeBool FieldType = iota
	TypeFloat
	TypeVector2
	TypeVector3
	TypeQuaternion
	TypeUint32
)

// Size returns the encoded size of the type in bytes.
func (t FieldType) Size() int {
	switch t {
	case TypeBool:
		return 1
	case TypeFloat, TypeUint32:
		return 4
	case TypeVector2:
		return 8
	case TypeVector3:
		return 12
	case TypeQuaternion:
		return 16
	}

	return 0
}

// Location is one named slot in a device payload. Every device payload
// carries every location, in Locations order.
type Location struct {
	Name string
	Type FieldType
}

// Locations is the shared enumeration that fixes the payload layout. The
// server and all clients must agree on it, which is why changing it bumps
// Version.
var Locations = []Location{
	{"pose_position", TypeVector3},
	{"pose_rotation", TypeQuaternion},
	{"velocity", TypeVector3},
	{"angular_velocity", TypeVector3},
	{"trigger", TypeFloat},
	{"grip", TypeFloat},
	{"primary_2d_axis", TypeVector2},
	{"primary_button", TypeBool},
	{"secondary_button", TypeBool},
	{"menu_button", TypeBool},
	{"tracking_state", TypeUint32},
}

// PayloadSize is the fixed encoded size of one device payload.
func PayloadSize() int {
	size := 0
	for _, loc := range Locations {
		size += loc.Type.Size()
	}

	return size
}

// FieldValue holds the decoded value for one location. Only the member
// matching the location's type is meaningful; vectors use Vector[:n] and
// quaternions all four components.
type FieldValue struct {
	Bool   bool
	Float  float32
	Uint   uint32
	Vector [4]float32
}

// Device is the typed view of one device's slot in a pose frame.
type Device struct {
	LocalID uint16

	// Values has one entry per Locations entry, in the same order.
	Values []FieldValue
}

// EncodePoseFrame builds a client->server pose frame.
func EncodePoseFrame(devices []Device) ([]byte, error) {
	payloadSize := PayloadSize()

	buf := make([]byte, 0, 1+binary.MaxVarintLen64+len(devices)*(payloadSize+2*binary.MaxVarintLen64))
	buf = append(buf, MessageTypePose)
	buf = binary.AppendUvarint(buf, uint64(len(devices)))

	for _, dev := range devices {
		if len(dev.Values) != len(Locations) {
			return nil, fmt.Errorf("Device %d has %d values, layout has %d: %w",
				dev.LocalID, len(dev.Values), len(Locations), ErrPayloadSize)
		}

		buf = binary.AppendUvarint(buf, uint64(payloadSize))
		buf = binary.AppendUvarint(buf, uint64(dev.LocalID))

		for i, loc := range Locations {
			buf = appendFieldValue(buf, loc.Type, dev.Values[i])
		}
	}

	return buf, nil
}

// DecodePoseFrame parses a pose frame into its typed view. The relay does
// not use this on the hot path; PoseFrameBody is enough there.
func DecodePoseFrame(data []byte) ([]Device, error) {
	body, err := PoseFrameBody(data)
	if err != nil {
		return nil, err
	}

	count, body, err := readUvarint(body)
	if err != nil {
		return nil, err
	}

	devices := make([]Device, 0, count)

	for d := uint64(0); d < count; d++ {
		var payloadLen, localID uint64

		payloadLen, body, err = readUvarint(body)
		if err != nil {
			return nil, err
		}

		localID, body, err = readUvarint(body)
		if err != nil {
			return nil, err
		}

		if int(payloadLen) != PayloadSize() {
			return nil, fmt.Errorf("Device %d declares %d payload bytes, layout has %d: %w",
				localID, payloadLen, PayloadSize(), ErrPayloadSize)
		}

		if len(body) < int(payloadLen) {
			return nil, ErrTruncatedFrame
		}

		dev := Device{
			LocalID: uint16(localID),
			Values:  make([]FieldValue, len(Locations)),
		}

		payload := body[:payloadLen]
		body = body[payloadLen:]

		for i, loc := range Locations {
			dev.Values[i], payload = readFieldValue(payload, loc.Type)
		}

		devices = append(devices, dev)
	}

	if len(body) != 0 {
		return nil, fmt.Errorf("Pose frame has %d trailing bytes: %w", len(body), ErrTruncatedFrame)
	}

	return devices, nil
}

// PoseFrameBody validates the frame's leading type byte and returns the
// rest as an opaque blob. The relay stores and re-broadcasts this blob
// verbatim, without decoding device payloads.
func PoseFrameBody(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}

	if data[0] != MessageTypePose {
		return nil, ErrNotPoseFrame
	}

	return data[1:], nil
}

// BroadcastEntry is one client's contribution to a broadcast frame. Body
// is that client's most recently submitted pose frame body, verbatim.
type BroadcastEntry struct {
	ClientID uint16
	Body     []byte
}

// EncodeBroadcastFrame builds the server->client per-tick frame.
func EncodeBroadcastFrame(entries []BroadcastEntry) []byte {
	size := 4
	for _, e := range entries {
		size += 2 + len(e.Body)
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entries)))

	for _, e := range entries {
		buf = binary.LittleEndian.AppendUint16(buf, e.ClientID)
		buf = append(buf, e.Body...)
	}

	return buf
}

// DecodeBroadcastFrame splits a broadcast frame back into per-client
// entries. Entry extents are recovered by walking the pose frame body
// structure (device count and per-device payload lengths).
func DecodeBroadcastFrame(data []byte) ([]BroadcastEntry, error) {
	if len(data) < 4 {
		return nil, ErrTruncatedFrame
	}

	count := binary.LittleEndian.Uint32(data)
	data = data[4:]

	entries := make([]BroadcastEntry, 0, count)

	for c := uint32(0); c < count; c++ {
		if len(data) < 2 {
			return nil, ErrTruncatedFrame
		}

		clientID := binary.LittleEndian.Uint16(data)
		data = data[2:]

		bodyLen, err := poseBodyLen(data)
		if err != nil {
			return nil, err
		}

		entries = append(entries, BroadcastEntry{
			ClientID: clientID,
			Body:     data[:bodyLen],
		})

		data = data[bodyLen:]
	}

	if len(data) != 0 {
		return nil, fmt.Errorf("Broadcast frame has %d trailing bytes: %w", len(data), ErrTruncatedFrame)
	}

	return entries, nil
}

// poseBodyLen walks a pose frame body and returns its encoded length.
func poseBodyLen(data []byte) (int, error) {
	rest := data

	count, rest, err := readUvarint(rest)
	if err != nil {
		return 0, err
	}

	for d := uint64(0); d < count; d++ {
		var payloadLen uint64

		payloadLen, rest, err = readUvarint(rest)
		if err != nil {
			return 0, err
		}

		_, rest, err = readUvarint(rest)
		if err != nil {
			return 0, err
		}

		// Compare in uint64 space: a huge declared length must not wrap
		// negative and slip past the bounds check.
		if payloadLen > uint64(len(rest)) {
			return 0, ErrTruncatedFrame
		}

		rest = rest[payloadLen:]
	}

	return len(data) - len(rest), nil
}

// HapticImpulse asks one device to buzz. It travels in either direction
// and is relayed verbatim to the addressed client.
type HapticImpulse struct {
	ClientID  uint32
	DeviceID  uint32
	Channel   uint32
	Amplitude float32
	Duration  float32
}

// HapticFrameSize is the fixed encoded size of a haptic impulse frame.
const HapticFrameSize = 21

func EncodeHapticImpulse(h HapticImpulse) []byte {
	buf := make([]byte, 0, HapticFrameSize)
	buf = append(buf, MessageTypeHaptic)
	buf = binary.LittleEndian.AppendUint32(buf, h.ClientID)
	buf = binary.LittleEndian.AppendUint32(buf, h.DeviceID)
	buf = binary.LittleEndian.AppendUint32(buf, h.Channel)
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(h.Amplitude))
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(h.Duration))

	return buf
}

func DecodeHapticImpulse(data []byte) (HapticImpulse, error) {
	if len(data) == 0 {
		return HapticImpulse{}, ErrEmptyFrame
	}

	if data[0] != MessageTypeHaptic {
		return HapticImpulse{}, ErrNotHapticFrame
	}

	if len(data) != HapticFrameSize {
		return HapticImpulse{}, fmt.Errorf("Haptic frame is %d bytes, expected %d: %w",
			len(data), HapticFrameSize, ErrTruncatedFrame)
	}

	return HapticImpulse{
		ClientID:  binary.LittleEndian.Uint32(data[1:]),
		DeviceID:  binary.LittleEndian.Uint32(data[5:]),
		Channel:   binary.LittleEndian.Uint32(data[9:]),
		Amplitude: math.Float32frombits(binary.LittleEndian.Uint32(data[13:])),
		Duration:  math.Float32frombits(binary.LittleEndian.Uint32(data[17:])),
	}, nil
}

func appendFieldValue(buf []byte, t FieldType, v FieldValue) []byte {
	switch t {
	case TypeBool:
		if v.Bool {
			return append(buf, 1)
		}
		return append(buf, 0)

	case TypeFloat:
		return binary.LittleEndian.AppendUint32(buf, math.Float32bits(v.Float))

	case TypeUint32:
		return binary.LittleEndian.AppendUint32(buf, v.Uint)

	case TypeVector2:
		return appendFloats(buf, v.Vector[:2])

	case TypeVector3:
		return appendFloats(buf, v.Vector[:3])

	case TypeQuaternion:
		return appendFloats(buf, v.Vector[:4])
	}

	return buf
}

func appendFloats(buf []byte, fs []float32) []byte {
	for _, f := range fs {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}

	return buf
}

// readFieldValue assumes the caller already checked the payload is
// PayloadSize() bytes long.
func readFieldValue(payload []byte, t FieldType) (FieldValue, []byte) {
	var v FieldValue

	switch t {
	case TypeBool:
		v.Bool = payload[0] != 0

	case TypeFloat:
		v.Float = math.Float32frombits(binary.LittleEndian.Uint32(payload))

	case TypeUint32:
		v.Uint = binary.LittleEndian.Uint32(payload)

	case TypeVector2, TypeVector3, TypeQuaternion:
		for i := 0; i < t.Size()/4; i++ {
			v.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
		}
	}

	return v, payload[t.Size():]
}

func readUvarint(data []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, nil, ErrBadVarint
	}

	return v, data[n:], nil
}
