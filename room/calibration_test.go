package room_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/CodeWitchBella/netvr-sub001/protocol"
	"github.com/CodeWitchBella/netvr-sub001/room"
)

func beginPayload(leader, follower uint16) json.RawMessage {
	raw, err := json.Marshal(map[string]interface{}{
		"leader":         leader,
		"follower":       follower,
		"leaderDevice":   0,
		"followerDevice": 0,
	})
	ExpectWithOffset(1, err).To(Succeed())

	return raw
}

func samplePayload(client uint16, samples []room.Sample) json.RawMessage {
	raw, err := json.Marshal(map[string]interface{}{
		"client":  client,
		"samples": samples,
	})
	ExpectWithOffset(1, err).To(Succeed())

	return raw
}

func repeatSample(n int, position [3]float32) []room.Sample {
	samples := make([]room.Sample, n)
	for i := range samples {
		samples[i] = room.Sample{Position: position, Rotation: [4]float32{0, 0, 0, 1}}
	}

	return samples
}

var _ = Describe("CalibrationFeature", func() {
	var feature *room.CalibrationFeature

	BeforeEach(func() {
		feature = room.NewCalibrationFeature(nil)
	})

	Describe("begin", func() {
		It("moves to sampling and notifies both participants", func() {
			state, effects, err := feature.OnMessage(
				room.ActionCalibrationBegin, beginPayload(1, 2), feature.InitialState())
			Expect(err).To(Succeed())

			st, ok := state.(room.CalibrationState)
			Expect(ok).To(BeTrue())
			Expect(st.Phase).To(Equal(room.CalibrationSampling))
			Expect(st.LeaderID).To(Equal(uint16(1)))
			Expect(st.FollowerID).To(Equal(uint16(2)))

			Expect(effects).To(HaveLen(2))
			first, ok := effects[0].(room.SendEffect)
			Expect(ok).To(BeTrue())
			Expect(first.Client).To(Equal(uint16(1)))
			second, ok := effects[1].(room.SendEffect)
			Expect(ok).To(BeTrue())
			Expect(second.Client).To(Equal(uint16(2)))
		})

		It("refuses to start while a run is in progress", func() {
			state, _, err := feature.OnMessage(
				room.ActionCalibrationBegin, beginPayload(1, 2), feature.InitialState())
			Expect(err).To(Succeed())

			_, _, err = feature.OnMessage(room.ActionCalibrationBegin, beginPayload(3, 4), state)
			Expect(err).To(MatchError(room.ErrCalibrationBusy))
		})

		It("refuses a client pairing with itself", func() {
			_, _, err := feature.OnMessage(
				room.ActionCalibrationBegin, beginPayload(1, 1), feature.InitialState())
			Expect(err).To(MatchError(room.ErrCalibrationSameSide))
		})
	})

	Describe("sample", func() {
		var sampling interface{}

		BeforeEach(func() {
			var err error
			sampling, _, err = feature.OnMessage(
				room.ActionCalibrationBegin, beginPayload(1, 2), feature.InitialState())
			Expect(err).To(Succeed())
		})

		It("accumulates samples per side without effects", func() {
			state, effects, err := feature.OnMessage(room.ActionCalibrationSample,
				samplePayload(1, repeatSample(10, [3]float32{1, 0, 0})), sampling)
			Expect(err).To(Succeed())
			Expect(effects).To(BeEmpty())

			st := state.(room.CalibrationState)
			Expect(st.Phase).To(Equal(room.CalibrationSampling))
			Expect(st.LeaderSamples).To(HaveLen(10))
			Expect(st.FollowerSamples).To(BeEmpty())
		})

		It("ignores samples from bystanders", func() {
			state, effects, err := feature.OnMessage(room.ActionCalibrationSample,
				samplePayload(9, repeatSample(10, [3]float32{1, 0, 0})), sampling)
			Expect(err).To(Succeed())
			Expect(effects).To(BeEmpty())

			st := state.(room.CalibrationState)
			Expect(st.LeaderSamples).To(BeEmpty())
			Expect(st.FollowerSamples).To(BeEmpty())
		})

		It("ignores samples while idle", func() {
			state, effects, err := feature.OnMessage(room.ActionCalibrationSample,
				samplePayload(1, repeatSample(10, [3]float32{1, 0, 0})), feature.InitialState())
			Expect(err).To(Succeed())
			Expect(effects).To(BeEmpty())
			Expect(state.(room.CalibrationState).Phase).To(Equal(room.CalibrationIdle))
		})

		It("kicks off the aligner when both sides have enough", func() {
			state, effects, err := feature.OnMessage(room.ActionCalibrationSample,
				samplePayload(1, repeatSample(room.RequiredSamples, [3]float32{2, 0, 0})), sampling)
			Expect(err).To(Succeed())
			Expect(effects).To(BeEmpty())

			state, effects, err = feature.OnMessage(room.ActionCalibrationSample,
				samplePayload(2, repeatSample(room.RequiredSamples, [3]float32{1, 0, 0})), state)
			Expect(err).To(Succeed())

			st := state.(room.CalibrationState)
			Expect(st.Phase).To(Equal(room.CalibrationComputing))

			Expect(effects).To(HaveLen(1))
			compute, ok := effects[0].(room.ComputeEffect)
			Expect(ok).To(BeTrue())

			// Feed the offload result back through the reducer.
			action, payload := compute.Run()

			state, effects, err = feature.OnMessage(action, payload, state)
			Expect(err).To(Succeed())
			Expect(state.(room.CalibrationState).Phase).To(Equal(room.CalibrationIdle))

			Expect(effects).To(HaveLen(1))
			set, ok := effects[0].(room.SetFieldEffect)
			Expect(ok).To(BeTrue())
			Expect(set.Client).To(Equal(uint16(2)))
			Expect(set.Field).To(Equal("calibration"))

			calibration, ok := set.Value.(protocol.Calibration)
			Expect(ok).To(BeTrue())
			Expect(calibration.Translate).To(Equal([3]float32{1, 0, 0}))
			Expect(calibration.Rotate).To(Equal([4]float32{0, 0, 0, 1}))
			Expect(calibration.Scale).To(Equal([3]float32{1, 1, 1}))
		})

		It("drops samples that arrive after the compute kicked off", func() {
			state, _, err := feature.OnMessage(room.ActionCalibrationSample,
				samplePayload(1, repeatSample(room.RequiredSamples, [3]float32{2, 0, 0})), sampling)
			Expect(err).To(Succeed())
			state, _, err = feature.OnMessage(room.ActionCalibrationSample,
				samplePayload(2, repeatSample(room.RequiredSamples, [3]float32{1, 0, 0})), state)
			Expect(err).To(Succeed())

			next, effects, err := feature.OnMessage(room.ActionCalibrationSample,
				samplePayload(1, repeatSample(5, [3]float32{9, 9, 9})), state)
			Expect(err).To(Succeed())
			Expect(effects).To(BeEmpty())
			Expect(next).To(Equal(state))
		})
	})

	Describe("cancel", func() {
		It("returns to idle", func() {
			state, _, err := feature.OnMessage(
				room.ActionCalibrationBegin, beginPayload(1, 2), feature.InitialState())
			Expect(err).To(Succeed())

			state, effects, err := feature.OnMessage(room.ActionCalibrationCancel, nil, state)
			Expect(err).To(Succeed())
			Expect(effects).To(BeEmpty())
			Expect(state.(room.CalibrationState).Phase).To(Equal(room.CalibrationIdle))
		})
	})

	Describe("OnDisconnect", func() {
		It("abandons the run and notifies the survivor", func() {
			state, _, err := feature.OnMessage(
				room.ActionCalibrationBegin, beginPayload(1, 2), feature.InitialState())
			Expect(err).To(Succeed())

			state, effects := feature.OnDisconnect(2, state)
			Expect(state.(room.CalibrationState).Phase).To(Equal(room.CalibrationIdle))

			Expect(effects).To(HaveLen(1))
			send, ok := effects[0].(room.SendEffect)
			Expect(ok).To(BeTrue())
			Expect(send.Client).To(Equal(uint16(1)))
			Expect(send.Message.GetAction()).To(Equal(room.ActionCalibrationCancelled))
		})

		It("ignores bystanders leaving", func() {
			state, _, err := feature.OnMessage(
				room.ActionCalibrationBegin, beginPayload(1, 2), feature.InitialState())
			Expect(err).To(Succeed())

			next, effects := feature.OnDisconnect(7, state)
			Expect(effects).To(BeEmpty())
			Expect(next).To(Equal(state))
		})

		It("ignores disconnects while idle", func() {
			state, effects := feature.OnDisconnect(1, feature.InitialState())
			Expect(effects).To(BeEmpty())
			Expect(state.(room.CalibrationState).Phase).To(Equal(room.CalibrationIdle))
		})
	})

	Describe("CentroidAligner", func() {
		It("translates between sample centroids", func() {
			aligner := room.CentroidAligner{}

			leader := append(
				repeatSample(1, [3]float32{2, 0, 0}),
				repeatSample(1, [3]float32{4, 2, 0})...)
			follower := append(
				repeatSample(1, [3]float32{0, 0, 0}),
				repeatSample(1, [3]float32{2, 0, 2})...)

			calibration, err := aligner.Align(leader, follower)
			Expect(err).To(Succeed())
			Expect(calibration.Translate).To(Equal([3]float32{2, 1, -1}))
			Expect(calibration.Rotate).To(Equal([4]float32{0, 0, 0, 1}))
			Expect(calibration.Scale).To(Equal([3]float32{1, 1, 1}))
		})

		It("refuses empty sample sets", func() {
			aligner := room.CentroidAligner{}

			_, err := aligner.Align(nil, repeatSample(1, [3]float32{0, 0, 0}))
			Expect(err).NotTo(Succeed())
		})
	})
})
