package swap_test

import (
	"crypto/sha256"
	"time"

	"github.com/fusionbridge/fusiond/pkg/ledger"
	"github.com/fusionbridge/fusiond/pkg/swap"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

var _ = Describe("Swap", func() {
	var (
		now      time.Time
		hashlock [32]byte
		source   ledger.Leg
		dest     ledger.Leg
		margin   time.Duration
	)

	BeforeEach(func() {
		now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
		hashlock = sha256.Sum256([]byte("secret"))
		margin = time.Hour
		source = ledger.Leg{
			Chain:          ledger.EthereumLocalnet,
			Role:           ledger.RoleSource,
			Amount:         decimal.NewFromInt(100),
			Beneficiary:    "resolver",
			Refundee:       "maker-refund",
			TimelockExpiry: now.Add(12 * time.Hour),
		}
		dest = ledger.Leg{
			Chain:          ledger.BitcoinRegtest,
			Role:           ledger.RoleDestination,
			Amount:         decimal.NewFromInt(95),
			Beneficiary:    "maker-receive",
			Refundee:       "resolver",
			TimelockExpiry: now.Add(6 * time.Hour),
		}
	})

	Context("when building a swap", func() {
		It("should stamp both legs with the swap id and hashlock", func() {
			sw, err := swap.New("order-1", 1, hashlock, source, dest, now.Add(30*time.Minute), margin, now)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(sw.ID).Should(Equal(swap.SwapID("order-1", 1, hashlock)))
			Expect(sw.Source.SwapID).Should(Equal(sw.ID))
			Expect(sw.Destination.SwapID).Should(Equal(sw.ID))
			Expect(sw.Source.Hashlock).Should(Equal(hashlock))
			Expect(sw.Destination.Hashlock).Should(Equal(hashlock))
		})

		It("should derive a different id per round", func() {
			Expect(swap.SwapID("order-1", 1, hashlock)).ShouldNot(Equal(swap.SwapID("order-1", 2, hashlock)))
		})

		It("should reject swapped leg roles", func() {
			_, err := swap.New("order-1", 1, hashlock, dest, source, now.Add(time.Hour), margin, now)
			Expect(err).Should(HaveOccurred())
		})

		It("should reject legs on the same chain", func() {
			dest.Chain = source.Chain
			_, err := swap.New("order-1", 1, hashlock, source, dest, now.Add(time.Hour), margin, now)
			Expect(err).Should(HaveOccurred())
		})

		It("should reject non-positive amounts", func() {
			source.Amount = decimal.Zero
			_, err := swap.New("order-1", 1, hashlock, source, dest, now.Add(time.Hour), margin, now)
			Expect(err).Should(HaveOccurred())
		})

		It("should reject a timelock below the minimum", func() {
			dest.TimelockExpiry = now.Add(30 * time.Minute)
			_, err := swap.New("order-1", 1, hashlock, source, dest, now.Add(time.Hour), margin, now)
			Expect(err).Should(HaveOccurred())
		})

		It("should reject a timelock above the maximum", func() {
			source.TimelockExpiry = now.Add(72 * time.Hour)
			_, err := swap.New("order-1", 1, hashlock, source, dest, now.Add(time.Hour), margin, now)
			Expect(err).Should(HaveOccurred())
		})

		It("should enforce the safety margin between the timelocks", func() {
			// Destination expires only 30m before the source, margin is 1h.
			dest.TimelockExpiry = source.TimelockExpiry.Add(-30 * time.Minute)
			_, err := swap.New("order-1", 1, hashlock, source, dest, now.Add(time.Hour), margin, now)
			Expect(err).Should(HaveOccurred())

			dest.TimelockExpiry = source.TimelockExpiry.Add(-margin)
			_, err = swap.New("order-1", 1, hashlock, source, dest, now.Add(time.Hour), margin, now)
			Expect(err).ShouldNot(HaveOccurred())
		})
	})

	Context("when reading a leg by chain", func() {
		It("should return the matching leg and error on others", func() {
			sw, err := swap.New("order-1", 1, hashlock, source, dest, now.Add(time.Hour), margin, now)
			Expect(err).ShouldNot(HaveOccurred())

			leg, err := sw.Leg(ledger.EthereumLocalnet)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(leg.Role).Should(Equal(ledger.RoleSource))

			leg, err = sw.Leg(ledger.BitcoinRegtest)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(leg.Role).Should(Equal(ledger.RoleDestination))

			_, err = sw.Leg(ledger.Bitcoin)
			Expect(err).Should(HaveOccurred())
		})
	})
})

var _ = Describe("Order", func() {
	newOrder := func(partial bool) swap.Order {
		return swap.Order{
			ID:                "order-1",
			MakerAmount:       decimal.NewFromInt(100),
			RemainingAmount:   decimal.NewFromInt(100),
			AllowPartialFills: partial,
			Status:            swap.OrderOpen,
		}
	}

	Context("when partial fills are allowed", func() {
		It("should consume liquidity across multiple fills", func() {
			order := newOrder(true)
			Expect(order.Fill(decimal.NewFromInt(40))).Should(Succeed())
			Expect(order.RemainingAmount.Equal(decimal.NewFromInt(60))).Should(BeTrue())
			Expect(order.Status).Should(Equal(swap.OrderOpen))

			Expect(order.Fill(decimal.NewFromInt(60))).Should(Succeed())
			Expect(order.RemainingAmount.IsZero()).Should(BeTrue())
			Expect(order.Status).Should(Equal(swap.OrderFilled))
		})

		It("should reject a fill beyond the remaining amount", func() {
			order := newOrder(true)
			Expect(order.Fill(decimal.NewFromInt(101))).ShouldNot(Succeed())
		})

		It("should reject a non-positive fill", func() {
			order := newOrder(true)
			Expect(order.Fill(decimal.Zero)).ShouldNot(Succeed())
		})
	})

	Context("when partial fills are disallowed", func() {
		It("should only accept the full remaining amount", func() {
			order := newOrder(false)
			Expect(order.Fill(decimal.NewFromInt(50))).ShouldNot(Succeed())
			Expect(order.Fill(decimal.NewFromInt(100))).Should(Succeed())
			Expect(order.Status).Should(Equal(swap.OrderFilled))
		})
	})

	Context("when the order is not open", func() {
		It("should reject fills", func() {
			order := newOrder(true)
			order.Status = swap.OrderCancelled
			Expect(order.Fill(decimal.NewFromInt(10))).ShouldNot(Succeed())
		})
	})
})
