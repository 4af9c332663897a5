package room

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/CodeWitchBella/netvr-sub001/protocol"
)

// Actions claimed by the calibration feature.
const (
	ActionCalibrationBegin     protocol.Action = "calibration begin"
	ActionCalibrationSample    protocol.Action = "calibration sample"
	ActionCalibrationCancel    protocol.Action = "calibration cancel"
	ActionCalibrationCancelled protocol.Action = "calibration cancelled"

	// actionCalibrationComputed re-enters the loop from the compute
	// goroutine, it never arrives from a client.
	actionCalibrationComputed protocol.Action = "calibration computed"
)

// RequiredSamples is how many paired samples each side must contribute
// before the alignment is computed.
const RequiredSamples = 200

var (
	ErrCalibrationBusy     = errors.New("A calibration is already in progress")
	ErrCalibrationSameSide = errors.New("Leader and follower must be different clients")
)

// Sample is one paired observation of a tracked device.
type Sample struct {
	Position [3]float32 `json:"position"`
	Rotation [4]float32 `json:"rotation"`
}

// Aligner computes the rigid transform that maps the follower's tracking
// space onto the leader's. It is an external collaborator; the room only
// needs this contract.
type Aligner interface {
	Align(leader, follower []Sample) (protocol.Calibration, error)
}

// CentroidAligner is the built-in fallback: translation between sample
// centroids, identity rotation and scale. Real deployments inject a
// least-squares solver instead.
type CentroidAligner struct{}

func (CentroidAligner) Align(leader, follower []Sample) (protocol.Calibration, error) {
	if len(leader) == 0 || len(follower) == 0 {
		return protocol.Identity(), errors.New("Cannot align empty sample sets")
	}

	cal := protocol.Identity()

	var lc, fc [3]float32
	for _, s := range leader {
		for i := range lc {
			lc[i] += s.Position[i]
		}
	}
	for _, s := range follower {
		for i := range fc {
			fc[i] += s.Position[i]
		}
	}

	for i := range cal.Translate {
		cal.Translate[i] = lc[i]/float32(len(leader)) - fc[i]/float32(len(follower))
	}

	return cal, nil
}

type CalibrationPhase int

const (
	CalibrationIdle CalibrationPhase = iota
	CalibrationSampling
	CalibrationComputing
)

// CalibrationState is the explicit state the calibration feature reduces
// over.
type CalibrationState struct {
	Phase CalibrationPhase

	LeaderID       uint16
	FollowerID     uint16
	LeaderDevice   uint16
	FollowerDevice uint16

	LeaderSamples   []Sample
	FollowerSamples []Sample
}

type calibrationBegin struct {
	Leader         uint16 `json:"leader"`
	Follower       uint16 `json:"follower"`
	LeaderDevice   uint16 `json:"leaderDevice"`
	FollowerDevice uint16 `json:"followerDevice"`
}

type calibrationSample struct {
	Client  uint16   `json:"client"`
	Samples []Sample `json:"samples"`
}

type calibrationComputed struct {
	Follower    uint16               `json:"follower"`
	Calibration protocol.Calibration `json:"calibration"`
	Error       string               `json:"error,omitempty"`
}

// CalibrationFeature walks two clients through pairing their tracking
// spaces: Idle -> Sampling (both sides stream samples) -> Computing (the
// aligner runs off-loop) -> Idle with the follower's calibration applied.
type CalibrationFeature struct {
	BaseFeature

	aligner Aligner
}

func NewCalibrationFeature(aligner Aligner) *CalibrationFeature {
	if aligner == nil {
		aligner = CentroidAligner{}
	}

	return &CalibrationFeature{aligner: aligner}
}

func (f *CalibrationFeature) Name() string {
	return "calibration"
}

func (f *CalibrationFeature) Actions() []protocol.Action {
	return []protocol.Action{
		ActionCalibrationBegin,
		ActionCalibrationSample,
		ActionCalibrationCancel,
		actionCalibrationComputed,
	}
}

func (f *CalibrationFeature) InitialState() interface{} {
	return CalibrationState{}
}

func (f *CalibrationFeature) OnMessage(
	action protocol.Action,
	payload json.RawMessage,
	state interface{},
) (interface{}, []Effect, error) {
	st, _ := state.(CalibrationState)

	switch action {
	case ActionCalibrationBegin:
		return f.begin(payload, st)

	case ActionCalibrationSample:
		return f.sample(payload, st)

	case ActionCalibrationCancel:
		return CalibrationState{}, nil, nil

	case actionCalibrationComputed:
		return f.computed(payload, st)
	}

	return st, nil, nil
}

func (f *CalibrationFeature) OnDisconnect(id uint16, state interface{}) (interface{}, []Effect) {
	st, _ := state.(CalibrationState)

	if st.Phase == CalibrationIdle || (id != st.LeaderID && id != st.FollowerID) {
		return st, nil
	}

	// Losing either participant abandons the run; tell the survivor.
	other := st.LeaderID
	if id == st.LeaderID {
		other = st.FollowerID
	}

	return CalibrationState{}, []Effect{
		SendEffect{Client: other, Message: &protocol.FeatureMessage{Action: ActionCalibrationCancelled}},
	}
}

func (f *CalibrationFeature) begin(payload json.RawMessage, st CalibrationState) (interface{}, []Effect, error) {
	if st.Phase != CalibrationIdle {
		return st, nil, ErrCalibrationBusy
	}

	var msg calibrationBegin
	if err := json.Unmarshal(payload, &msg); err != nil {
		return st, nil, fmt.Errorf("Failed to parse calibration begin: %w", err)
	}

	if msg.Leader == msg.Follower {
		return st, nil, ErrCalibrationSameSide
	}

	next := CalibrationState{
		Phase:          CalibrationSampling,
		LeaderID:       msg.Leader,
		FollowerID:     msg.Follower,
		LeaderDevice:   msg.LeaderDevice,
		FollowerDevice: msg.FollowerDevice,
	}

	// Both participants start streaming samples for their nominated
	// device when they see this.
	forward := &protocol.FeatureMessage{Action: ActionCalibrationBegin, Payload: payload}

	return next, []Effect{
		SendEffect{Client: msg.Leader, Message: forward},
		SendEffect{Client: msg.Follower, Message: forward},
	}, nil
}

func (f *CalibrationFeature) sample(payload json.RawMessage, st CalibrationState) (interface{}, []Effect, error) {
	if st.Phase != CalibrationSampling {
		// Late samples after compute kicked off are expected; drop them.
		return st, nil, nil
	}

	var msg calibrationSample
	if err := json.Unmarshal(payload, &msg); err != nil {
		return st, nil, fmt.Errorf("Failed to parse calibration sample: %w", err)
	}

	switch msg.Client {
	case st.LeaderID:
		st.LeaderSamples = append(st.LeaderSamples[:len(st.LeaderSamples):len(st.LeaderSamples)], msg.Samples...)
	case st.FollowerID:
		st.FollowerSamples = append(st.FollowerSamples[:len(st.FollowerSamples):len(st.FollowerSamples)], msg.Samples...)
	default:
		// Samples from bystanders are ignored.
		return st, nil, nil
	}

	if len(st.LeaderSamples) < RequiredSamples || len(st.FollowerSamples) < RequiredSamples {
		return st, nil, nil
	}

	st.Phase = CalibrationComputing

	leader := st.LeaderSamples[:RequiredSamples]
	follower := st.FollowerSamples[:RequiredSamples]
	followerID := st.FollowerID
	aligner := f.aligner

	compute := ComputeEffect{Run: func() (protocol.Action, json.RawMessage) {
		result := calibrationComputed{Follower: followerID}

		cal, err := aligner.Align(leader, follower)
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Calibration = cal
		}

		payload, _ := json.Marshal(result)
		return actionCalibrationComputed, payload
	}}

	return st, []Effect{compute}, nil
}

func (f *CalibrationFeature) computed(payload json.RawMessage, st CalibrationState) (interface{}, []Effect, error) {
	var msg calibrationComputed
	if err := json.Unmarshal(payload, &msg); err != nil {
		return CalibrationState{}, nil, fmt.Errorf("Failed to parse calibration result: %w", err)
	}

	if msg.Error != "" {
		return CalibrationState{}, []Effect{
			SendEffect{Client: st.LeaderID, Message: &protocol.ErrorMessage{Message: msg.Error}},
			SendEffect{Client: st.FollowerID, Message: &protocol.ErrorMessage{Message: msg.Error}},
		}, nil
	}

	// Writing the field bumps the calibration version, so the broadcast
	// engine fans the new calibration out to every peer on the next tick.
	return CalibrationState{}, []Effect{
		SetFieldEffect{Client: msg.Follower, Field: "calibration", Value: msg.Calibration},
	}, nil
}

var _ Feature = (*CalibrationFeature)(nil)
