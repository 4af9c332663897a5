package protocol

import "encoding/json"

// ServerMessage is one control message sent from the server to a client.
type ServerMessage interface {
	GetAction() Action
}

type IDHere struct {
	IntValue        uint16 `json:"intValue"`
	StringValue     string `json:"stringValue"`
	ProtocolVersion int    `json:"protocolVersion"`
}

func (*IDHere) GetAction() Action {
	return ActionIDHere
}

type IDAck struct {
	ProtocolVersion int `json:"protocolVersion"`
}

func (*IDAck) GetAction() Action {
	return ActionIDAck
}

type FullStateReset struct {
	State json.RawMessage `json:"state"`
}

func (*FullStateReset) GetAction() Action {
	return ActionFullStateReset
}

type PatchMessage struct {
	Patches []Patch `json:"patches"`
}

func (*PatchMessage) GetAction() Action {
	return ActionPatch
}

type DeviceInfoMessage struct {
	Info []DeviceInfoEntry `json:"info"`
}

func (*DeviceInfoMessage) GetAction() Action {
	return ActionDeviceInfo
}

type DeviceInfoEntry struct {
	ID   uint16          `json:"id"`
	Info json.RawMessage `json:"info"`
}

type SetCalibration struct {
	Calibrations []CalibrationEntry `json:"calibrations"`
}

func (*SetCalibration) GetAction() Action {
	return ActionSetCalibration
}

type CalibrationEntry struct {
	ID          uint16          `json:"id"`
	Calibration json.RawMessage `json:"calibration"`
}

type ErrorMessage struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (*ErrorMessage) GetAction() Action {
	return ActionError
}

var _ ServerMessage = (*IDHere)(nil)
var _ ServerMessage = (*IDAck)(nil)
var _ ServerMessage = (*FullStateReset)(nil)
var _ ServerMessage = (*PatchMessage)(nil)
var _ ServerMessage = (*DeviceInfoMessage)(nil)
var _ ServerMessage = (*SetCalibration)(nil)
var _ ServerMessage = (*ErrorMessage)(nil)

// RequestLogs is forwarded verbatim by the server to the client whose logs
// were requested, so it is a ServerMessage too.
var _ ServerMessage = (*RequestLogs)(nil)
