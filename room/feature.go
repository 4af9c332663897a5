package room

import (
	"encoding/json"

	"github.com/CodeWitchBella/netvr-sub001/protocol"
)

// Feature is a small protocol extension layered on top of the room: it
// owns a slice of state and reacts to the actions it claims plus the
// connection lifecycle. Every method is a pure reducer over the explicit
// state value; side effects are returned as a batch and executed by the
// room after the reducer returns, which keeps transitions deterministic
// and testable without any network I/O.
type Feature interface {
	Name() string

	// Actions lists the message actions this feature claims.
	Actions() []protocol.Action

	InitialState() interface{}

	OnMessage(action protocol.Action, payload json.RawMessage, state interface{}) (interface{}, []Effect, error)
	OnConnect(id uint16, state interface{}) (interface{}, []Effect)
	OnReconnect(id uint16, state interface{}) (interface{}, []Effect)
	OnDisconnect(id uint16, state interface{}) (interface{}, []Effect)
}

// Effect is one deferred side effect emitted by a feature reducer.
type Effect interface {
	isEffect()
}

// SendEffect delivers a control message to one client.
type SendEffect struct {
	Client  uint16
	Message protocol.ServerMessage
}

// BroadcastEffect delivers a control message to every bound client.
type BroadcastEffect struct {
	Message protocol.ServerMessage
}

// SetFieldEffect writes one field of one client's document, exactly as if
// the client had sent a `set` message.
type SetFieldEffect struct {
	Client uint16
	Field  string
	Value  interface{}
}

// ComputeEffect offloads a long-running computation so it does not block
// the room loop. Run executes on its own goroutine; the action and
// payload it returns re-enter the loop as a synthetic feature message.
type ComputeEffect struct {
	Run func() (protocol.Action, json.RawMessage)
}

func (SendEffect) isEffect()      {}
func (BroadcastEffect) isEffect() {}
func (SetFieldEffect) isEffect()  {}
func (ComputeEffect) isEffect()   {}

// BaseFeature provides no-op lifecycle hooks so features only spell out
// what they care about.
type BaseFeature struct{}

func (BaseFeature) OnConnect(id uint16, state interface{}) (interface{}, []Effect) {
	return state, nil
}

func (BaseFeature) OnReconnect(id uint16, state interface{}) (interface{}, []Effect) {
	return state, nil
}

func (BaseFeature) OnDisconnect(id uint16, state interface{}) (interface{}, []Effect) {
	return state, nil
}
