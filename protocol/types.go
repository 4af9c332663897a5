package protocol

// Calibration is the affine transform applied to one client's reported
// poses before display. The zero-effect value is Identity.
type Calibration struct {
	Translate [3]float32 `json:"translate"`
	Rotate    [4]float32 `json:"rotate"`
	Scale     [3]float32 `json:"scale"`
}

// Identity returns the calibration that leaves poses untouched.
func Identity() Calibration {
	return Calibration{
		Rotate: [4]float32{0, 0, 0, 1},
		Scale:  [3]float32{1, 1, 1},
	}
}

// DeviceConfiguration describes one tracked input device belonging to a
// client. It is an immutable snapshot: clients send a fresh list whenever
// their device set changes.
type DeviceConfiguration struct {
	LocalID         uint16   `json:"localId"`
	Name            string   `json:"name"`
	Characteristics []string `json:"characteristics"`

	Haptics *HapticsCapability `json:"haptics,omitempty"`
}

// Characteristic tags understood by dashboards. Clients may send others.
const (
	CharacteristicTrackedDevice = "TrackedDevice"
	CharacteristicHeldInHand    = "HeldInHand"
	CharacteristicHeadMounted   = "HeadMounted"
	CharacteristicController    = "Controller"
)

type HapticsCapability struct {
	SupportsImpulse bool   `json:"supportsImpulse"`
	NumChannels     uint32 `json:"numChannels"`
}
