package coordinator_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/fusionbridge/fusiond/pkg/auction"
	"github.com/fusionbridge/fusiond/pkg/coordinator"
	"github.com/fusionbridge/fusiond/pkg/ledger"
	"github.com/fusionbridge/fusiond/pkg/ledger/mock"
	"github.com/fusionbridge/fusiond/pkg/machine"
	"github.com/fusionbridge/fusiond/pkg/store"
	"github.com/fusionbridge/fusiond/pkg/swap"
	"github.com/fusionbridge/fusiond/pkg/vault"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const resolver = "resolver-1"

var _ = Describe("Coordinator", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		clock   *fakeClock
		source  *mock.Ledger
		dest    *mock.Ledger
		storage store.Store
		secrets vault.Vault
		coord   *coordinator.Coordinator
	)

	params := func() coordinator.OrderParams {
		return coordinator.OrderParams{
			Maker:            "maker-1",
			SourceChain:      ledger.EthereumLocalnet,
			DestinationChain: ledger.BitcoinRegtest,
			Amount:           decimal.NewFromInt(100),
			StartOutput:      decimal.NewFromInt(110),
			MinOutput:        decimal.NewFromInt(100),
			ReceiveAddress:   "maker-receive",
			RefundAddress:    "maker-refund",
		}
	}

	// swapRecord waits for the order's round to settle into a durable swap.
	swapRecord := func(orderID string, count int) store.SwapRecord {
		var recs []store.SwapRecord
		Eventually(func() int {
			recs, _ = storage.SwapsByOrder(orderID)
			return len(recs)
		}, "3s", "10ms").Should(BeNumerically(">=", count))
		return recs[count-1]
	}

	stateOf := func(swapID string) func() machine.State {
		return func() machine.State {
			state, err := coord.SwapState(swapID)
			if err != nil {
				return ""
			}
			return state
		}
	}

	destLeg := func(rec store.SwapRecord) ledger.Leg {
		raw, err := hex.DecodeString(rec.Hashlock)
		Expect(err).ShouldNot(HaveOccurred())
		var hashlock [32]byte
		copy(hashlock[:], raw)
		amount, err := decimal.NewFromString(rec.DestAmount)
		Expect(err).ShouldNot(HaveOccurred())
		return ledger.Leg{
			SwapID:         rec.SwapID,
			Chain:          ledger.BitcoinRegtest,
			Role:           ledger.RoleDestination,
			Amount:         amount,
			Beneficiary:    rec.DestBeneficiary,
			Refundee:       resolver,
			Hashlock:       hashlock,
			TimelockExpiry: rec.DestExpiry,
		}
	}

	sourceLeg := func(rec store.SwapRecord) ledger.Leg {
		return ledger.Leg{
			SwapID: rec.SwapID,
			Chain:  ledger.EthereumLocalnet,
			Role:   ledger.RoleSource,
		}
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		clock = newFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
		source = mock.NewWithClock(ledger.EthereumLocalnet, clock)
		dest = mock.NewWithClock(ledger.BitcoinRegtest, clock)

		var err error
		storage, err = store.New(sqlite.Open(fmt.Sprintf("file:%v?mode=memory&cache=shared", uuid.NewString())))
		Expect(err).ShouldNot(HaveOccurred())

		secrets = vault.New()
		engine := auction.NewEngine(zap.NewNop(), clock, auction.NewStaticAuthorizer([]string{resolver}))

		opts := coordinator.NewOptions()
		opts.SweepInterval = 20 * time.Millisecond
		opts.RetryInterval = 5 * time.Millisecond
		opts.ConfirmationTimeout = time.Second

		coord, err = coordinator.New(zap.NewNop(), opts, storage, secrets, engine,
			coordinator.NewInMemActionStore(), []ledger.Adapter{source, dest})
		Expect(err).ShouldNot(HaveOccurred())
		coord = coord.WithClock(clock)

		go func() {
			defer GinkgoRecover()
			_ = coord.Start(ctx)
		}()
	})

	AfterEach(func() {
		cancel()
	})

	submitAndWin := func(p coordinator.OrderParams, input, output decimal.Decimal) swap.Order {
		order, err := coord.SubmitOrder(ctx, p)
		Expect(err).ShouldNot(HaveOccurred())
		_, err = coord.SubmitBid(ctx, order.ID, resolver, input, output, 21000)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(coord.Settle(ctx, order.ID)).Should(Succeed())
		return order
	}

	Context("when a resolver cooperates", func() {
		It("should complete the swap and reveal the secret on the destination", func() {
			order := submitAndWin(params(), decimal.NewFromInt(100), decimal.NewFromInt(110))
			rec := swapRecord(order.ID, 1)

			Eventually(stateOf(rec.SwapID), "3s", "10ms").Should(Equal(machine.SourceLocked))

			// The winning resolver locks the destination leg.
			_, err := dest.Lock(ctx, destLeg(rec))
			Expect(err).ShouldNot(HaveOccurred())

			// The coordinator claims the destination on its own, revealing the
			// secret on chain.
			Eventually(stateOf(rec.SwapID), "3s", "10ms").Should(Equal(machine.SecretRevealed))

			var secret []byte
			Eventually(func() []byte {
				secret = dest.Secret(destLeg(rec))
				return secret
			}, "3s", "10ms").ShouldNot(BeEmpty())
			Expect(hex.EncodeToString(sum256(secret))).Should(Equal(rec.Hashlock))

			// The resolver sweeps the source leg with the revealed secret.
			_, err = source.Claim(ctx, sourceLeg(rec), secret)
			Expect(err).ShouldNot(HaveOccurred())

			Eventually(stateOf(rec.SwapID), "3s", "10ms").Should(Equal(machine.Completed))

			got, err := coord.Order(order.ID)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(got.Status).Should(Equal(swap.OrderFilled))

			// The secret is single-use, completion consumes it.
			_, err = secrets.RevealSecret(order.ID)
			Expect(err).Should(MatchError(vault.ErrAlreadyConsumed))
		})

		It("should survive a transient source lock failure", func() {
			source.FailNext("lock", ledger.NewError(ledger.KindTransient, "lock", fmt.Errorf("rpc timeout")))

			order := submitAndWin(params(), decimal.NewFromInt(100), decimal.NewFromInt(110))
			rec := swapRecord(order.ID, 1)
			Eventually(stateOf(rec.SwapID), "3s", "10ms").Should(Equal(machine.SourceLocked))
		})
	})

	Context("when the resolver never locks the destination", func() {
		It("should time out and refund the source leg", func() {
			order := submitAndWin(params(), decimal.NewFromInt(100), decimal.NewFromInt(110))
			rec := swapRecord(order.ID, 1)
			Eventually(stateOf(rec.SwapID), "3s", "10ms").Should(Equal(machine.SourceLocked))

			// Jump past both the swap deadline and the source timelock.
			clock.Advance(13 * time.Hour)

			Eventually(stateOf(rec.SwapID), "3s", "10ms").Should(Equal(machine.Refunded))

			status, err := source.QueryStatus(ctx, sourceLeg(rec))
			Expect(err).ShouldNot(HaveOccurred())
			Expect(status).Should(Equal(ledger.LegRefunded))
		})
	})

	Context("when the daemon restarts mid-refund", func() {
		It("should resume refunding a swap persisted at TimedOut", func() {
			order := submitAndWin(params(), decimal.NewFromInt(100), decimal.NewFromInt(110))
			rec := swapRecord(order.ID, 1)
			Eventually(stateOf(rec.SwapID), "3s", "10ms").Should(Equal(machine.SourceLocked))

			// Crash after the timeout was recorded but before any refund was
			// submitted. The source escrow stays locked on chain.
			cancel()
			Expect(storage.UpdateSwapState(rec.SwapID, string(machine.TimedOut), "")).Should(Succeed())

			clock.Advance(13 * time.Hour)

			opts := coordinator.NewOptions()
			opts.SweepInterval = 20 * time.Millisecond
			opts.RetryInterval = 5 * time.Millisecond
			opts.ConfirmationTimeout = time.Second
			engine := auction.NewEngine(zap.NewNop(), clock, auction.NewStaticAuthorizer([]string{resolver}))
			restarted, err := coordinator.New(zap.NewNop(), opts, storage, vault.New(), engine,
				coordinator.NewInMemActionStore(), []ledger.Adapter{source, dest})
			Expect(err).ShouldNot(HaveOccurred())
			restarted = restarted.WithClock(clock)

			restartCtx, stop := context.WithCancel(context.Background())
			defer stop()
			go func() {
				defer GinkgoRecover()
				_ = restarted.Start(restartCtx)
			}()

			Eventually(func() machine.State {
				state, err := restarted.SwapState(rec.SwapID)
				if err != nil {
					return ""
				}
				return state
			}, "3s", "10ms").Should(Equal(machine.Refunded))

			status, err := source.QueryStatus(restartCtx, sourceLeg(rec))
			Expect(err).ShouldNot(HaveOccurred())
			Expect(status).Should(Equal(ledger.LegRefunded))
		})
	})

	Context("when partial fills are allowed", func() {
		It("should settle the winning portion and re-open a round for the rest", func() {
			p := params()
			p.AllowPartialFills = true
			order := submitAndWin(p, decimal.NewFromInt(40), decimal.NewFromInt(44))
			swapRecord(order.ID, 1)

			got, err := coord.Order(order.ID)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(got.Status).Should(Equal(swap.OrderOpen))
			Expect(got.RemainingAmount.Equal(decimal.NewFromInt(60))).Should(BeTrue())

			// The remainder is biddable in a fresh round under the same order.
			_, err = coord.SubmitBid(ctx, order.ID, resolver, decimal.NewFromInt(60), decimal.NewFromInt(66), 21000)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(coord.Settle(ctx, order.ID)).Should(Succeed())

			rec := swapRecord(order.ID, 2)
			Expect(rec.Round).Should(Equal(2))

			got, err = coord.Order(order.ID)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(got.Status).Should(Equal(swap.OrderFilled))
		})
	})

	Context("when partial fills are not allowed", func() {
		It("should reject a partial bid before it can close the round", func() {
			order, err := coord.SubmitOrder(ctx, params())
			Expect(err).ShouldNot(HaveOccurred())

			_, err = coord.SubmitBid(ctx, order.ID, resolver, decimal.NewFromInt(50), decimal.NewFromInt(55), 21000)
			Expect(err).Should(MatchError(auction.ErrPartialNotAllowed))

			// The round stays biddable and settles on a full-input bid.
			_, err = coord.SubmitBid(ctx, order.ID, resolver, decimal.NewFromInt(100), decimal.NewFromInt(110), 21000)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(coord.Settle(ctx, order.ID)).Should(Succeed())

			swapRecord(order.ID, 1)
			got, err := coord.Order(order.ID)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(got.Status).Should(Equal(swap.OrderFilled))
		})
	})

	Context("when the auction window passes without bids", func() {
		It("should expire the order", func() {
			order, err := coord.SubmitOrder(ctx, params())
			Expect(err).ShouldNot(HaveOccurred())

			clock.Advance(6 * time.Minute)

			Eventually(func() swap.OrderStatus {
				got, err := coord.Order(order.ID)
				if err != nil {
					return ""
				}
				return got.Status
			}, "3s", "10ms").Should(Equal(swap.OrderExpired))
		})
	})

	Context("when the maker cancels", func() {
		It("should close the auction and reject further bids", func() {
			order, err := coord.SubmitOrder(ctx, params())
			Expect(err).ShouldNot(HaveOccurred())

			Expect(coord.CancelOrder(ctx, order.ID)).Should(Succeed())

			got, err := coord.Order(order.ID)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(got.Status).Should(Equal(swap.OrderCancelled))

			_, err = coord.SubmitBid(ctx, order.ID, resolver, decimal.NewFromInt(100), decimal.NewFromInt(110), 0)
			Expect(err).Should(MatchError(auction.ErrAuctionClosed))
		})

		It("should reject cancellation once a winner was selected", func() {
			order := submitAndWin(params(), decimal.NewFromInt(100), decimal.NewFromInt(110))
			Expect(coord.CancelOrder(ctx, order.ID)).Should(MatchError(auction.ErrWinnerSelected))
		})
	})

	Context("order validation", func() {
		It("should reject a chain without an adapter", func() {
			p := params()
			p.SourceChain = ledger.Ethereum
			_, err := coord.SubmitOrder(ctx, p)
			Expect(err).Should(MatchError(coordinator.ErrUnsupportedChain))
		})

		It("should reject source and destination on the same chain", func() {
			p := params()
			p.DestinationChain = p.SourceChain
			_, err := coord.SubmitOrder(ctx, p)
			Expect(err).Should(HaveOccurred())
		})

		It("should reject an unauthorized resolver's bid", func() {
			order, err := coord.SubmitOrder(ctx, params())
			Expect(err).ShouldNot(HaveOccurred())
			_, err = coord.SubmitBid(ctx, order.ID, "mallory", decimal.NewFromInt(100), decimal.NewFromInt(110), 0)
			Expect(err).Should(MatchError(auction.ErrUnauthorizedResolver))
		})
	})
})

func sum256(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}
