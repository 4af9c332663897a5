package protocol_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/CodeWitchBella/netvr-sub001/protocol"
)

var _ = Describe("Patch", func() {
	Describe("PointerToPath()", func() {
		It("converts a pointer into dotted syntax", func() {
			path, err := protocol.PointerToPath("/clients/5/calibration")
			Expect(err).To(Succeed())
			Expect(path).To(Equal("clients.5.calibration"))
		})

		It("escapes characters that are special to the dotted syntax", func() {
			path, err := protocol.PointerToPath("/clients/5/some.field")
			Expect(err).To(Succeed())
			Expect(path).To(Equal(`clients.5.some\.field`))
		})

		It("rejects an empty pointer", func() {
			_, err := protocol.PointerToPath("/")
			Expect(err).To(MatchError(protocol.ErrEmptyPatchPath))
		})
	})

	Describe("ApplyPatches()", func() {
		doc := []byte(`{"clients":{"1":{"connected":true,"head":[0,0,0]}}}`)

		It("applies an add", func() {
			out, err := protocol.ApplyPatches(doc, []protocol.Patch{{
				Op:    protocol.PatchAdd,
				Path:  "/clients/1/name",
				Value: json.RawMessage(`"left"`),
			}})
			Expect(err).To(Succeed())
			Expect(string(out)).To(MatchJSON(`{"clients":{"1":{"connected":true,"head":[0,0,0],"name":"left"}}}`))
		})

		It("applies a replace", func() {
			out, err := protocol.ApplyPatches(doc, []protocol.Patch{{
				Op:    protocol.PatchReplace,
				Path:  "/clients/1/head",
				Value: json.RawMessage(`[1,2,3]`),
			}})
			Expect(err).To(Succeed())
			Expect(string(out)).To(MatchJSON(`{"clients":{"1":{"connected":true,"head":[1,2,3]}}}`))
		})

		It("applies a remove", func() {
			out, err := protocol.ApplyPatches(doc, []protocol.Patch{{
				Op:   protocol.PatchRemove,
				Path: "/clients/1/head",
			}})
			Expect(err).To(Succeed())
			Expect(string(out)).To(MatchJSON(`{"clients":{"1":{"connected":true}}}`))
		})

		It("applies an ordered list as a whole", func() {
			out, err := protocol.ApplyPatches(doc, []protocol.Patch{
				{Op: protocol.PatchAdd, Path: "/clients/1/name", Value: json.RawMessage(`"a"`)},
				{Op: protocol.PatchReplace, Path: "/clients/1/name", Value: json.RawMessage(`"b"`)},
				{Op: protocol.PatchRemove, Path: "/clients/1/head"},
			})
			Expect(err).To(Succeed())
			Expect(string(out)).To(MatchJSON(`{"clients":{"1":{"connected":true,"name":"b"}}}`))
		})

		It("rejects an unknown op", func() {
			_, err := protocol.ApplyPatches(doc, []protocol.Patch{{Op: "move", Path: "/clients/1/head"}})
			Expect(err).To(MatchError(protocol.ErrUnknownPatchOp))
		})
	})
})
