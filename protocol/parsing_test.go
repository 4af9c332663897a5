package protocol_test

import (
	"encoding/json"
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"

	"github.com/CodeWitchBella/netvr-sub001/protocol"
)

var _ = Describe("Parsing", func() {
	Describe("ParseClientMessage()", func() {
		It("returns an error if the frame is not JSON", func() {
			_, err := protocol.ParseClientMessage([]byte("this is not json"))
			Expect(errors.Is(err, protocol.ErrNotJSON)).To(BeTrue())
		})

		It("returns an error if the action field is missing", func() {
			_, err := protocol.ParseClientMessage([]byte(`{"client":5}`))
			Expect(err).To(MatchError(protocol.ErrMissingAction))
		})

		It("returns an error if the payload does not match the action", func() {
			_, err := protocol.ParseClientMessage([]byte(`{"action":"set","client":"five"}`))
			Expect(errors.Is(err, protocol.ErrBadPayload)).To(BeTrue())
		})

		It("parses a valid `gimme id`", func() {
			msg, err := protocol.ParseClientMessage([]byte(`{"action":"gimme id","protocolVersion":4}`))
			Expect(err).To(Succeed())

			gimme, ok := msg.(*protocol.GimmeID)
			Expect(ok).To(BeTrue())
			Expect(gimme.ProtocolVersion).To(Equal(4))
		})

		It("parses a valid `i already has id`", func() {
			msg, err := protocol.ParseClientMessage(
				[]byte(`{"action":"i already has id","id":7,"token":"abc","protocolVersion":4}`))
			Expect(err).To(Succeed())

			claim, ok := msg.(*protocol.AlreadyHasID)
			Expect(ok).To(BeTrue())
			Expect(claim.ID).To(Equal(uint16(7)))
			Expect(claim.Token).To(Equal("abc"))
		})

		It("parses a valid `set`", func() {
			msg, err := protocol.ParseClientMessage(
				[]byte(`{"action":"set","client":2,"field":"head","value":{"x":1}}`))
			Expect(err).To(Succeed())

			set, ok := msg.(*protocol.Set)
			Expect(ok).To(BeTrue())
			Expect(set.Client).To(Equal(uint16(2)))
			Expect(set.Field).To(Equal("head"))
			Expect(string(set.Value)).To(Equal(`{"x":1}`))
		})

		It("parses a valid `multiset`", func() {
			msg, err := protocol.ParseClientMessage(
				[]byte(`{"action":"multiset","data":[{"client":1,"field":"a","value":1},{"client":2,"field":"b","value":2}]}`))
			Expect(err).To(Succeed())

			multi, ok := msg.(*protocol.Multiset)
			Expect(ok).To(BeTrue())
			Expect(multi.Data).To(HaveLen(2))
			Expect(multi.Data[1].Field).To(Equal("b"))
		})

		It("parses a valid `quit`", func() {
			msg, err := protocol.ParseClientMessage([]byte(`{"action":"quit","client":3}`))
			Expect(err).To(Succeed())

			quit, ok := msg.(*protocol.Quit)
			Expect(ok).To(BeTrue())
			Expect(quit.Client).To(Equal(uint16(3)))
		})

		It("hands unknown actions back as a FeatureMessage with the whole payload", func() {
			data := []byte(`{"action":"calibration begin","leader":1,"follower":2}`)

			msg, err := protocol.ParseClientMessage(data)
			Expect(err).To(Succeed())

			feature, ok := msg.(*protocol.FeatureMessage)
			Expect(ok).To(BeTrue())
			Expect(feature.Action).To(Equal(protocol.Action("calibration begin")))
			Expect([]byte(feature.Payload)).To(Equal(data))
		})
	})

	Describe("ParseServerMessage()", func() {
		It("parses a valid `id's here`", func() {
			msg, err := protocol.ParseServerMessage(
				[]byte(`{"action":"id's here","intValue":9,"stringValue":"tok","protocolVersion":4}`))
			Expect(err).To(Succeed())

			idHere, ok := msg.(*protocol.IDHere)
			Expect(ok).To(BeTrue())
			Expect(idHere.IntValue).To(Equal(uint16(9)))
			Expect(idHere.StringValue).To(Equal("tok"))
		})

		It("parses a valid `error`", func() {
			msg, err := protocol.ParseServerMessage(
				[]byte(`{"action":"error","message":"boom"}`))
			Expect(err).To(Succeed())

			errMsg, ok := msg.(*protocol.ErrorMessage)
			Expect(ok).To(BeTrue())
			Expect(errMsg.Message).To(Equal("boom"))
		})

		It("parses a forwarded `request logs`", func() {
			msg, err := protocol.ParseServerMessage([]byte(`{"action":"request logs","client":4}`))
			Expect(err).To(Succeed())

			logs, ok := msg.(*protocol.RequestLogs)
			Expect(ok).To(BeTrue())
			Expect(logs.Client).To(Equal(uint16(4)))
		})

		It("hands unknown actions back as a FeatureMessage", func() {
			msg, err := protocol.ParseServerMessage([]byte(`{"action":"calibration cancelled"}`))
			Expect(err).To(Succeed())

			feature, ok := msg.(*protocol.FeatureMessage)
			Expect(ok).To(BeTrue())
			Expect(feature.Action).To(Equal(protocol.Action("calibration cancelled")))
		})
	})

	Describe("Marshal()", func() {
		It("stamps the action into the document", func() {
			data, err := protocol.Marshal(&protocol.KeepAlive{})
			Expect(err).To(Succeed())
			Expect(gjson.GetBytes(data, "action").String()).To(Equal("keep alive"))
		})

		It("round trips through ParseClientMessage", func() {
			original := &protocol.Set{Client: 5, Field: "head", Value: json.RawMessage(`[1,2,3]`)}

			data, err := protocol.Marshal(original)
			Expect(err).To(Succeed())

			parsed, err := protocol.ParseClientMessage(data)
			Expect(err).To(Succeed())
			Expect(parsed).To(Equal(original))
		})

		It("merges the action of a FeatureMessage into its payload", func() {
			msg := &protocol.FeatureMessage{
				Action:  "calibration sample",
				Payload: json.RawMessage(`{"client":1,"samples":[]}`),
			}

			data, err := protocol.Marshal(msg)
			Expect(err).To(Succeed())
			Expect(gjson.GetBytes(data, "action").String()).To(Equal("calibration sample"))
			Expect(gjson.GetBytes(data, "client").Int()).To(Equal(int64(1)))
		})

		It("produces a valid document for a FeatureMessage without a payload", func() {
			data, err := protocol.Marshal(&protocol.FeatureMessage{Action: "calibration cancelled"})
			Expect(err).To(Succeed())
			Expect(gjson.ValidBytes(data)).To(BeTrue())
			Expect(gjson.GetBytes(data, "action").String()).To(Equal("calibration cancelled"))
		})
	})
})
