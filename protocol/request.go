package protocol

import "encoding/json"

// ClientMessage is one control message sent from a client to the server,
// decoded into its typed variant.
type ClientMessage interface {
	GetAction() Action
}

type GimmeID struct {
	ProtocolVersion int `json:"protocolVersion"`
}

func (*GimmeID) GetAction() Action {
	return ActionGimmeID
}

type AlreadyHasID struct {
	ID              uint16 `json:"id"`
	Token           string `json:"token"`
	ProtocolVersion int    `json:"protocolVersion"`
}

func (*AlreadyHasID) GetAction() Action {
	return ActionAlreadyHasID
}

type Set struct {
	Client uint16          `json:"client"`
	Field  string          `json:"field"`
	Value  json.RawMessage `json:"value"`
}

func (*Set) GetAction() Action {
	return ActionSet
}

type Multiset struct {
	Data []SetEntry `json:"data"`
}

func (*Multiset) GetAction() Action {
	return ActionMultiset
}

type SetEntry struct {
	Field  string          `json:"field"`
	Client uint16          `json:"client"`
	Value  json.RawMessage `json:"value"`
}

type ResetRoom struct{}

func (*ResetRoom) GetAction() Action {
	return ActionResetRoom
}

type RequestLogs struct {
	Client uint16 `json:"client"`
}

func (*RequestLogs) GetAction() Action {
	return ActionRequestLogs
}

type Quit struct {
	Client uint16 `json:"client"`
}

func (*Quit) GetAction() Action {
	return ActionQuit
}

type KeepAlive struct{}

func (*KeepAlive) GetAction() Action {
	return ActionKeepAlive
}

// FeatureMessage carries any action outside the closed set above. Feature
// handlers claim these by action name; an unclaimed one is a protocol
// error.
type FeatureMessage struct {
	Action  Action
	Payload json.RawMessage
}

func (f *FeatureMessage) GetAction() Action {
	return f.Action
}

var _ ClientMessage = (*GimmeID)(nil)
var _ ClientMessage = (*AlreadyHasID)(nil)
var _ ClientMessage = (*Set)(nil)
var _ ClientMessage = (*Multiset)(nil)
var _ ClientMessage = (*ResetRoom)(nil)
var _ ClientMessage = (*RequestLogs)(nil)
var _ ClientMessage = (*Quit)(nil)
var _ ClientMessage = (*KeepAlive)(nil)
var _ ClientMessage = (*FeatureMessage)(nil)
