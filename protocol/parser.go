package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/sjson"
)

var (
	ErrNotJSON       = errors.New("Control message is not a valid JSON document")
	ErrMissingAction = errors.New("Control message has no action field")
	ErrBadPayload    = errors.New("Control message payload does not match its action")
)

// envelope is the part of every control message that is inspected before
// the payload is decoded into its typed variant.
type envelope struct {
	Action *string `json:"action"`
}

// ParseClientMessage decodes a text frame sent by a client into its typed
// variant. Actions outside the closed set come back as a FeatureMessage;
// it is the caller's business whether any feature handler claims them.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("Failed to parse control message: %w", ErrNotJSON)
	}

	if env.Action == nil {
		return nil, ErrMissingAction
	}

	action := Action(*env.Action)

	var msg ClientMessage

	switch action {
	case ActionGimmeID:
		msg = &GimmeID{}
	case ActionAlreadyHasID:
		msg = &AlreadyHasID{}
	case ActionSet:
		msg = &Set{}
	case ActionMultiset:
		msg = &Multiset{}
	case ActionResetRoom:
		msg = &ResetRoom{}
	case ActionRequestLogs:
		msg = &RequestLogs{}
	case ActionQuit:
		msg = &Quit{}
	case ActionKeepAlive:
		msg = &KeepAlive{}

	default:
		return &FeatureMessage{Action: action, Payload: data}, nil
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("Failed to parse '%s' payload: %w", action, ErrBadPayload)
	}

	return msg, nil
}

// ParseServerMessage decodes a text frame sent by the server. It is used
// by the Go client and by tests; the server itself only encodes. Like
// ParseClientMessage, unknown actions come back as a FeatureMessage,
// since features may push their own messages (a forwarded `calibration
// begin`, for example).
func ParseServerMessage(data []byte) (ServerMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("Failed to parse control message: %w", ErrNotJSON)
	}

	if env.Action == nil {
		return nil, ErrMissingAction
	}

	action := Action(*env.Action)

	var msg ServerMessage

	switch action {
	case ActionIDHere:
		msg = &IDHere{}
	case ActionIDAck:
		msg = &IDAck{}
	case ActionFullStateReset:
		msg = &FullStateReset{}
	case ActionPatch:
		msg = &PatchMessage{}
	case ActionDeviceInfo:
		msg = &DeviceInfoMessage{}
	case ActionSetCalibration:
		msg = &SetCalibration{}
	case ActionError:
		msg = &ErrorMessage{}
	case ActionRequestLogs:
		msg = &RequestLogs{}

	default:
		return &FeatureMessage{Action: action, Payload: data}, nil
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("Failed to parse '%s' payload: %w", action, ErrBadPayload)
	}

	return msg, nil
}

// Marshal serialises a control message, stamping its action into the
// document.
func Marshal(msg interface{ GetAction() Action }) ([]byte, error) {
	if f, ok := msg.(*FeatureMessage); ok {
		return sjson.SetBytes(f.Payload, "action", string(f.Action))
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	return sjson.SetBytes(data, "action", string(msg.GetAction()))
}
