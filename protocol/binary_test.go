package protocol_test

import (
	"encoding/binary"
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/CodeWitchBella/netvr-sub001/protocol"
)

func fullDevice(localID uint16) protocol.Device {
	values := make([]protocol.FieldValue, len(protocol.Locations))
	for i, loc := range protocol.Locations {
		switch loc.Type {
		case protocol.TypeBool:
			values[i] = protocol.FieldValue{Bool: i%2 == 0}
		case protocol.TypeFloat:
			values[i] = protocol.FieldValue{Float: float32(i) + 0.5}
		case protocol.TypeUint32:
			values[i] = protocol.FieldValue{Uint: uint32(i)}
		default:
			values[i] = protocol.FieldValue{Vector: [4]float32{1, 2, 3, 4}}
		}
	}

	return protocol.Device{LocalID: localID, Values: values}
}

var _ = Describe("Binary", func() {
	Describe("pose frames", func() {
		It("round trips through encode and decode", func() {
			devices := []protocol.Device{fullDevice(0), fullDevice(3)}

			frame, err := protocol.EncodePoseFrame(devices)
			Expect(err).To(Succeed())
			Expect(frame[0]).To(Equal(protocol.MessageTypePose))

			decoded, err := protocol.DecodePoseFrame(frame)
			Expect(err).To(Succeed())
			Expect(decoded).To(HaveLen(2))
			Expect(decoded[0].LocalID).To(Equal(uint16(0)))
			Expect(decoded[1].LocalID).To(Equal(uint16(3)))

			for i := range protocol.Locations {
				t := protocol.Locations[i].Type

				switch t {
				case protocol.TypeBool:
					Expect(decoded[1].Values[i].Bool).To(Equal(devices[1].Values[i].Bool))
				case protocol.TypeFloat:
					Expect(decoded[1].Values[i].Float).To(Equal(devices[1].Values[i].Float))
				case protocol.TypeUint32:
					Expect(decoded[1].Values[i].Uint).To(Equal(devices[1].Values[i].Uint))
				default:
					Expect(decoded[1].Values[i].Vector[:t.Size()/4]).To(
						Equal(devices[1].Values[i].Vector[:t.Size()/4]))
				}
			}
		})

		It("encodes an empty frame as a bare header", func() {
			frame, err := protocol.EncodePoseFrame(nil)
			Expect(err).To(Succeed())
			Expect(frame).To(Equal([]byte{protocol.MessageTypePose, 0}))
		})

		It("rejects a device whose values do not match the shared layout", func() {
			dev := protocol.Device{LocalID: 1, Values: make([]protocol.FieldValue, 3)}

			_, err := protocol.EncodePoseFrame([]protocol.Device{dev})
			Expect(errors.Is(err, protocol.ErrPayloadSize)).To(BeTrue())
		})

		It("rejects a truncated frame", func() {
			frame, err := protocol.EncodePoseFrame([]protocol.Device{fullDevice(0)})
			Expect(err).To(Succeed())

			_, err = protocol.DecodePoseFrame(frame[:len(frame)-1])
			Expect(err).To(MatchError(protocol.ErrTruncatedFrame))
		})
	})

	Describe("PoseFrameBody()", func() {
		It("rejects an empty frame", func() {
			_, err := protocol.PoseFrameBody(nil)
			Expect(err).To(MatchError(protocol.ErrEmptyFrame))
		})

		It("rejects a frame of another type", func() {
			_, err := protocol.PoseFrameBody([]byte{protocol.MessageTypeHaptic})
			Expect(err).To(MatchError(protocol.ErrNotPoseFrame))
		})

		It("strips the leading type byte", func() {
			frame, err := protocol.EncodePoseFrame([]protocol.Device{fullDevice(0)})
			Expect(err).To(Succeed())

			body, err := protocol.PoseFrameBody(frame)
			Expect(err).To(Succeed())
			Expect(body).To(Equal(frame[1:]))
		})
	})

	Describe("broadcast frames", func() {
		It("splits back into per-client entries", func() {
			frameA, err := protocol.EncodePoseFrame([]protocol.Device{fullDevice(0), fullDevice(1)})
			Expect(err).To(Succeed())
			frameB, err := protocol.EncodePoseFrame([]protocol.Device{fullDevice(2)})
			Expect(err).To(Succeed())

			entries := []protocol.BroadcastEntry{
				{ClientID: 1, Body: frameA[1:]},
				{ClientID: 4, Body: frameB[1:]},
			}

			decoded, err := protocol.DecodeBroadcastFrame(protocol.EncodeBroadcastFrame(entries))
			Expect(err).To(Succeed())
			Expect(decoded).To(HaveLen(2))
			Expect(decoded[0].ClientID).To(Equal(uint16(1)))
			Expect(decoded[0].Body).To(Equal(frameA[1:]))
			Expect(decoded[1].ClientID).To(Equal(uint16(4)))
			Expect(decoded[1].Body).To(Equal(frameB[1:]))
		})

		It("encodes an empty frame as a zero count", func() {
			Expect(protocol.EncodeBroadcastFrame(nil)).To(Equal([]byte{0, 0, 0, 0}))
		})

		It("rejects a truncated frame", func() {
			frameA, err := protocol.EncodePoseFrame([]protocol.Device{fullDevice(0)})
			Expect(err).To(Succeed())

			frame := protocol.EncodeBroadcastFrame([]protocol.BroadcastEntry{{ClientID: 1, Body: frameA[1:]}})

			_, err = protocol.DecodeBroadcastFrame(frame[:len(frame)-1])
			Expect(err).To(MatchError(protocol.ErrTruncatedFrame))
		})

		It("rejects a body declaring an absurd payload length", func() {
			// Bodies come from other clients verbatim; a huge declared
			// length must fail cleanly, not panic the decoder.
			body := binary.AppendUvarint(nil, 1)
			body = binary.AppendUvarint(body, 1<<63)
			body = binary.AppendUvarint(body, 0)

			frame := []byte{1, 0, 0, 0, 1, 0}
			frame = append(frame, body...)

			_, err := protocol.DecodeBroadcastFrame(frame)
			Expect(err).To(MatchError(protocol.ErrTruncatedFrame))
		})

		It("rejects trailing bytes", func() {
			frameA, err := protocol.EncodePoseFrame([]protocol.Device{fullDevice(0)})
			Expect(err).To(Succeed())

			frame := protocol.EncodeBroadcastFrame([]protocol.BroadcastEntry{{ClientID: 1, Body: frameA[1:]}})

			_, err = protocol.DecodeBroadcastFrame(append(frame, 0xff))
			Expect(err).To(MatchError(protocol.ErrTruncatedFrame))
		})
	})

	Describe("haptic frames", func() {
		It("round trips through encode and decode", func() {
			impulse := protocol.HapticImpulse{
				ClientID:  3,
				DeviceID:  1,
				Channel:   0,
				Amplitude: 0.75,
				Duration:  0.1,
			}

			frame := protocol.EncodeHapticImpulse(impulse)
			Expect(frame).To(HaveLen(protocol.HapticFrameSize))
			Expect(frame[0]).To(Equal(protocol.MessageTypeHaptic))

			decoded, err := protocol.DecodeHapticImpulse(frame)
			Expect(err).To(Succeed())
			Expect(decoded).To(Equal(impulse))
		})

		It("rejects a frame of the wrong size", func() {
			frame := protocol.EncodeHapticImpulse(protocol.HapticImpulse{})

			_, err := protocol.DecodeHapticImpulse(frame[:10])
			Expect(err).To(MatchError(protocol.ErrTruncatedFrame))
		})

		It("rejects a frame of another type", func() {
			_, err := protocol.DecodeHapticImpulse(make([]byte, protocol.HapticFrameSize))
			Expect(err).To(MatchError(protocol.ErrNotHapticFrame))
		})
	})
})
