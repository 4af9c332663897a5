package protocol

// Version is the protocol version this package speaks. A handshake
// declaring any other version is rejected before an identity is issued.
const Version = 4

type Action string

// Client -> server actions.
const (
	ActionGimmeID      Action = "gimme id"
	ActionAlreadyHasID Action = "i already has id"
	ActionSet          Action = "set"
	ActionMultiset     Action = "multiset"
	ActionResetRoom    Action = "reset room"
	ActionRequestLogs  Action = "request logs"
	ActionQuit         Action = "quit"
	ActionKeepAlive    Action = "keep alive"
)

// Server -> client actions.
const (
	ActionIDHere         Action = "id's here"
	ActionIDAck          Action = "id ack"
	ActionFullStateReset Action = "full state reset"
	ActionPatch          Action = "patch"
	ActionDeviceInfo     Action = "device info"
	ActionSetCalibration Action = "set calibration"
	ActionError          Action = "error"
)
