package store_test

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fusionbridge/fusiond/pkg/auction"
	"github.com/fusionbridge/fusiond/pkg/ledger"
	"github.com/fusionbridge/fusiond/pkg/store"
	"github.com/fusionbridge/fusiond/pkg/swap"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
)

var _ = Describe("Store", func() {
	var (
		storage store.Store
		now     time.Time
	)

	newOrder := func() swap.Order {
		return swap.Order{
			ID:               uuid.NewString(),
			Maker:            "maker-1",
			SourceChain:      ledger.EthereumLocalnet,
			DestinationChain: ledger.BitcoinRegtest,
			MakerAmount:      decimal.NewFromInt(100),
			MinDestAmount:    decimal.NewFromInt(95),
			ReceiveAddress:   "maker-receive",
			RefundAddress:    "maker-refund",
			RemainingAmount:  decimal.NewFromInt(100),
			Deadline:         now.Add(5 * time.Minute),
			CreatedAt:        now,
			Status:           swap.OrderOpen,
		}
	}

	newSwap := func(orderID string, round int) swap.Swap {
		hashlock := sha256.Sum256([]byte(uuid.NewString()))
		source := ledger.Leg{
			Chain:          ledger.EthereumLocalnet,
			Role:           ledger.RoleSource,
			Amount:         decimal.NewFromInt(100),
			Beneficiary:    "resolver-1",
			Refundee:       "maker-refund",
			TimelockExpiry: now.Add(12 * time.Hour),
		}
		dest := ledger.Leg{
			Chain:          ledger.BitcoinRegtest,
			Role:           ledger.RoleDestination,
			Amount:         decimal.NewFromInt(95),
			Beneficiary:    "maker-receive",
			Refundee:       "resolver-1",
			TimelockExpiry: now.Add(6 * time.Hour),
		}
		sw, err := swap.New(orderID, round, hashlock, source, dest, now.Add(30*time.Minute), time.Hour, now)
		Expect(err).ShouldNot(HaveOccurred())
		return sw
	}

	BeforeEach(func() {
		now = time.Now().UTC().Truncate(time.Second)
		var err error
		storage, err = store.New(sqlite.Open(fmt.Sprintf("file:%v?mode=memory&cache=shared", uuid.NewString())))
		Expect(err).ShouldNot(HaveOccurred())
	})

	Context("orders", func() {
		It("should round-trip an order", func() {
			order := newOrder()
			Expect(storage.CreateOrder(order)).Should(Succeed())

			rec, err := storage.Order(order.ID)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(rec.Maker).Should(Equal(order.Maker))
			Expect(rec.MakerAmount).Should(Equal("100"))
			Expect(rec.Status).Should(Equal(string(swap.OrderOpen)))
		})

		It("should update status and remaining amount", func() {
			order := newOrder()
			Expect(storage.CreateOrder(order)).Should(Succeed())
			Expect(storage.UpdateOrder(order.ID, swap.OrderFilled, decimal.Zero)).Should(Succeed())

			rec, err := storage.Order(order.ID)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(rec.Status).Should(Equal(string(swap.OrderFilled)))
			Expect(rec.RemainingAmount).Should(Equal("0"))
		})

		It("should report ErrNotFound for missing orders", func() {
			_, err := storage.Order("missing")
			Expect(err).Should(MatchError(store.ErrNotFound))
			Expect(storage.UpdateOrder("missing", swap.OrderFilled, decimal.Zero)).Should(MatchError(store.ErrNotFound))
		})
	})

	Context("swaps", func() {
		It("should persist legs and advance state", func() {
			order := newOrder()
			Expect(storage.CreateOrder(order)).Should(Succeed())
			sw := newSwap(order.ID, 1)
			Expect(storage.CreateSwap(sw, "created")).Should(Succeed())

			rec, err := storage.Swap(sw.ID)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(rec.Hashlock).Should(Equal(hex.EncodeToString(sw.Hashlock[:])))
			Expect(rec.SourceResolver).Should(Equal("resolver-1"))
			Expect(rec.DestBeneficiary).Should(Equal("maker-receive"))
			Expect(rec.State).Should(Equal("created"))

			Expect(storage.UpdateSwapState(sw.ID, "source_locked", "")).Should(Succeed())
			rec, err = storage.Swap(sw.ID)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(rec.State).Should(Equal("source_locked"))
			Expect(rec.FlagNote).Should(BeEmpty())
		})

		It("should record the flag note with the flagged state", func() {
			sw := newSwap(uuid.NewString(), 1)
			Expect(storage.CreateSwap(sw, "created")).Should(Succeed())
			Expect(storage.UpdateSwapState(sw.ID, "flagged", "claim with mismatched secret")).Should(Succeed())

			rec, err := storage.Swap(sw.ID)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(rec.FlagNote).Should(Equal("claim with mismatched secret"))
		})

		It("should store the secret and per-action tx ids", func() {
			sw := newSwap(uuid.NewString(), 1)
			Expect(storage.CreateSwap(sw, "created")).Should(Succeed())

			Expect(storage.PutSwapSecret(sw.ID, []byte("s3cret"))).Should(Succeed())
			Expect(storage.PutSwapTx(sw.ID, swap.ActionLock, ledger.RoleSource, "tx-lock")).Should(Succeed())
			Expect(storage.PutSwapTx(sw.ID, swap.ActionClaim, ledger.RoleDestination, "tx-claim")).Should(Succeed())
			Expect(storage.PutSwapTx(sw.ID, swap.ActionRefund, ledger.RoleSource, "tx-refund")).Should(Succeed())

			rec, err := storage.Swap(sw.ID)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(rec.Secret).Should(Equal(hex.EncodeToString([]byte("s3cret"))))
			Expect(rec.SourceLockTx).Should(Equal("tx-lock"))
			Expect(rec.DestClaimTx).Should(Equal("tx-claim"))
			Expect(rec.SourceRefundTx).Should(Equal("tx-refund"))
		})

		It("should list swaps per order in round order", func() {
			orderID := uuid.NewString()
			Expect(storage.CreateSwap(newSwap(orderID, 2), "created")).Should(Succeed())
			Expect(storage.CreateSwap(newSwap(orderID, 1), "completed")).Should(Succeed())

			recs, err := storage.SwapsByOrder(orderID)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(recs).Should(HaveLen(2))
			Expect(recs[0].Round).Should(Equal(1))
			Expect(recs[1].Round).Should(Equal(2))
		})

		It("should exclude terminal states from pending swaps", func() {
			orderID := uuid.NewString()
			live := newSwap(orderID, 1)
			done := newSwap(orderID, 2)
			Expect(storage.CreateSwap(live, "source_locked")).Should(Succeed())
			Expect(storage.CreateSwap(done, "completed")).Should(Succeed())

			recs, err := storage.PendingSwaps([]string{"completed", "refunded", "flagged"})
			Expect(err).ShouldNot(HaveOccurred())
			Expect(recs).Should(HaveLen(1))
			Expect(recs[0].SwapID).Should(Equal(live.ID))
		})
	})

	Context("bids", func() {
		It("should persist and deactivate bids", func() {
			bid := auction.Bid{
				ID:           uuid.NewString(),
				OrderID:      uuid.NewString(),
				Round:        1,
				Resolver:     "resolver-1",
				InputAmount:  decimal.NewFromInt(100),
				OutputAmount: decimal.NewFromInt(105),
				GasEstimate:  21000,
				SubmittedAt:  now,
				Active:       true,
			}
			Expect(storage.PutBid(bid)).Should(Succeed())

			recs, err := storage.BidsByOrder(bid.OrderID)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(recs).Should(HaveLen(1))
			Expect(recs[0].Active).Should(BeTrue())
			Expect(recs[0].OutputAmount).Should(Equal("105"))

			Expect(storage.DeactivateBid(bid.ID)).Should(Succeed())
			recs, err = storage.BidsByOrder(bid.OrderID)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(recs[0].Active).Should(BeFalse())
		})
	})

	Context("transitions", func() {
		It("should append and list the transition log in order", func() {
			id := uuid.NewString()
			Expect(storage.LogTransition("swap", id, "created", "source_locking", "")).Should(Succeed())
			Expect(storage.LogTransition("swap", id, "source_locking", "source_locked", "")).Should(Succeed())

			recs, err := storage.Transitions(id)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(recs).Should(HaveLen(2))
			Expect(recs[0].To).Should(Equal("source_locking"))
			Expect(recs[1].To).Should(Equal("source_locked"))
		})
	})
})
