package vault_test

import (
	"crypto/sha256"

	"github.com/fusionbridge/fusiond/pkg/vault"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Vault", func() {
	var v vault.Vault

	BeforeEach(func() {
		v = vault.New()
	})

	Context("when generating a secret", func() {
		It("should commit to sha256 of the secret", func() {
			secret, hashlock, err := v.GenerateSecret("order-1")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(sha256.Sum256(secret[:])).Should(Equal(hashlock))
			Expect(vault.Verify(secret, hashlock)).Should(BeTrue())
		})

		It("should reject a second secret for the same order", func() {
			_, _, err := v.GenerateSecret("order-1")
			Expect(err).ShouldNot(HaveOccurred())

			_, _, err = v.GenerateSecret("order-1")
			Expect(err).Should(MatchError(vault.ErrSecretExists))
		})

		It("should produce a distinct hashlock per order", func() {
			_, hashlock1, err := v.GenerateSecret("order-1")
			Expect(err).ShouldNot(HaveOccurred())
			_, hashlock2, err := v.GenerateSecret("order-2")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(hashlock1).ShouldNot(Equal(hashlock2))
		})
	})

	Context("when revealing a secret", func() {
		It("should return the generated secret and mark the order revealed", func() {
			secret, _, err := v.GenerateSecret("order-1")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(v.Revealed("order-1")).Should(BeFalse())

			revealed, err := v.RevealSecret("order-1")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(revealed).Should(Equal(secret))
			Expect(v.Revealed("order-1")).Should(BeTrue())
		})

		It("should keep returning the secret on repeated reveals", func() {
			secret, _, err := v.GenerateSecret("order-1")
			Expect(err).ShouldNot(HaveOccurred())

			for i := 0; i < 3; i++ {
				revealed, err := v.RevealSecret("order-1")
				Expect(err).ShouldNot(HaveOccurred())
				Expect(revealed).Should(Equal(secret))
			}
		})

		It("should error on an unknown order", func() {
			_, err := v.RevealSecret("missing")
			Expect(err).Should(MatchError(vault.ErrNotFound))
		})
	})

	Context("when consuming a secret", func() {
		It("should invalidate further reveals", func() {
			_, _, err := v.GenerateSecret("order-1")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(v.Consume("order-1")).Should(Succeed())

			_, err = v.RevealSecret("order-1")
			Expect(err).Should(MatchError(vault.ErrAlreadyConsumed))
		})
	})

	Context("when importing a secret", func() {
		It("should make the secret revealable", func() {
			secret := [32]byte{1, 2, 3}
			Expect(v.Import("order-1", secret)).Should(Succeed())

			hashlock, err := v.Hashlock("order-1")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(hashlock).Should(Equal(sha256.Sum256(secret[:])))

			revealed, err := v.RevealSecret("order-1")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(revealed).Should(Equal(secret))
		})

		It("should reject importing over an existing secret", func() {
			_, _, err := v.GenerateSecret("order-1")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(v.Import("order-1", [32]byte{1})).Should(MatchError(vault.ErrSecretExists))
		})

		It("should reject a hashlock already used by another order", func() {
			secret := [32]byte{7}
			Expect(v.Import("order-1", secret)).Should(Succeed())
			Expect(v.Import("order-2", secret)).Should(MatchError(vault.ErrHashlockReused))
		})
	})

	Context("Verify", func() {
		It("should reject a mismatched commitment", func() {
			Expect(vault.Verify([32]byte{1}, [32]byte{2})).Should(BeFalse())
		})
	})
})
