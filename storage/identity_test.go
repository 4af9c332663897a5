package storage_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/CodeWitchBella/netvr-sub001/storage"
)

var _ = Describe("storage / IdentityStore", func() {
	Describe("Issue()", func() {
		It("hands out strictly increasing ids starting at 1", func() {
			store := storage.NewIdentityStore()

			first, _, err := store.Issue()
			Expect(err).To(Succeed())
			second, _, err := store.Issue()
			Expect(err).To(Succeed())
			third, _, err := store.Issue()
			Expect(err).To(Succeed())

			Expect(first).To(Equal(uint16(1)))
			Expect(second).To(Equal(uint16(2)))
			Expect(third).To(Equal(uint16(3)))
		})

		It("generates distinct tokens of the right length", func() {
			store := storage.NewIdentityStore()

			_, tokenA, err := store.Issue()
			Expect(err).To(Succeed())
			_, tokenB, err := store.Issue()
			Expect(err).To(Succeed())

			Expect(tokenA).To(HaveLen(storage.TokenLength))
			Expect(tokenB).To(HaveLen(storage.TokenLength))
			Expect(tokenA).NotTo(Equal(tokenB))
		})

		It("binds the new identity to the caller", func() {
			store := storage.NewIdentityStore()

			id, _, err := store.Issue()
			Expect(err).To(Succeed())
			Expect(store.Bound(id)).To(BeTrue())
		})
	})

	Describe("Claim()", func() {
		It("rejects an unknown id", func() {
			store := storage.NewIdentityStore()
			Expect(store.Claim(42, "whatever")).To(Equal(storage.ClaimRejected))
		})

		It("rejects a wrong token", func() {
			store := storage.NewIdentityStore()

			id, _, err := store.Issue()
			Expect(err).To(Succeed())
			store.Release(id)

			Expect(store.Claim(id, "not the token")).To(Equal(storage.ClaimRejected))
		})

		It("rebinds a released identity when the token matches", func() {
			store := storage.NewIdentityStore()

			id, token, err := store.Issue()
			Expect(err).To(Succeed())
			store.Release(id)
			Expect(store.Bound(id)).To(BeFalse())

			Expect(store.Claim(id, token)).To(Equal(storage.ClaimOK))
			Expect(store.Bound(id)).To(BeTrue())
		})

		It("reports a live binding instead of silently stealing it", func() {
			store := storage.NewIdentityStore()

			id, token, err := store.Issue()
			Expect(err).To(Succeed())

			Expect(store.Claim(id, token)).To(Equal(storage.ClaimBound))

			// Still bound to the original holder until Release.
			Expect(store.Bound(id)).To(BeTrue())
		})
	})

	Describe("Snapshot() / Restore()", func() {
		It("round trips records in id order", func() {
			store := storage.NewIdentityStore()

			idA, tokenA, err := store.Issue()
			Expect(err).To(Succeed())
			idB, tokenB, err := store.Issue()
			Expect(err).To(Succeed())

			snap := store.Snapshot()
			Expect(snap).To(Equal([]storage.IdentityRecord{
				{ID: idA, Token: tokenA},
				{ID: idB, Token: tokenB},
			}))

			restored := storage.NewIdentityStore()
			restored.Restore(snap)

			Expect(restored.Claim(idA, tokenA)).To(Equal(storage.ClaimOK))
			Expect(restored.Claim(idB, tokenB)).To(Equal(storage.ClaimOK))
		})

		It("restores everything unbound", func() {
			store := storage.NewIdentityStore()

			id, _, err := store.Issue()
			Expect(err).To(Succeed())

			restored := storage.NewIdentityStore()
			restored.Restore(store.Snapshot())

			Expect(restored.Bound(id)).To(BeFalse())
		})

		It("continues issuing above the restored ids", func() {
			store := storage.NewIdentityStore()
			store.Restore([]storage.IdentityRecord{{ID: 7, Token: "a"}, {ID: 3, Token: "b"}})

			id, _, err := store.Issue()
			Expect(err).To(Succeed())
			Expect(id).To(Equal(uint16(8)))
		})
	})

	Describe("Reset()", func() {
		It("drops every record and restarts ids from 1", func() {
			store := storage.NewIdentityStore()

			id, token, err := store.Issue()
			Expect(err).To(Succeed())

			store.Reset()

			Expect(store.Claim(id, token)).To(Equal(storage.ClaimRejected))

			fresh, _, err := store.Issue()
			Expect(err).To(Succeed())
			Expect(fresh).To(Equal(uint16(1)))
		})
	})
})
