package machine_test

import (
	"crypto/sha256"
	"sync"
	"time"

	"github.com/fusionbridge/fusiond/pkg/ledger"
	"github.com/fusionbridge/fusiond/pkg/machine"
	"github.com/fusionbridge/fusiond/pkg/swap"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
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

var _ = Describe("Machine", func() {
	var (
		clock  *fakeClock
		secret []byte
		sw     swap.Swap
		m      *machine.Machine
	)

	event := func(evType ledger.EventType, role ledger.Role, evSecret []byte) ledger.Event {
		return ledger.Event{
			Type:       evType,
			SwapID:     sw.ID,
			Role:       role,
			Secret:     evSecret,
			ObservedAt: clock.Now(),
		}
	}

	BeforeEach(func() {
		clock = newFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
		secret = []byte("the swap secret, observed on chain")
		hashlock := sha256.Sum256(secret)
		now := clock.Now()

		source := ledger.Leg{
			Chain:          ledger.EthereumLocalnet,
			Role:           ledger.RoleSource,
			Amount:         decimal.NewFromInt(100),
			TimelockExpiry: now.Add(12 * time.Hour),
		}
		dest := ledger.Leg{
			Chain:          ledger.BitcoinRegtest,
			Role:           ledger.RoleDestination,
			Amount:         decimal.NewFromInt(95),
			TimelockExpiry: now.Add(6 * time.Hour),
		}
		var err error
		sw, err = swap.New("order-1", 1, hashlock, source, dest, now.Add(30*time.Minute), time.Hour, now)
		Expect(err).ShouldNot(HaveOccurred())
		m = machine.New(zap.NewNop(), clock, sw)
	})

	Context("happy path", func() {
		It("should walk lock, lock, claim, claim to completion", func() {
			Expect(m.State()).Should(Equal(machine.Created))

			state, err := m.MarkLocking(ledger.RoleSource)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(state).Should(Equal(machine.SourceLocking))

			state, err = m.Advance(event(ledger.EventLock, ledger.RoleSource, nil))
			Expect(err).ShouldNot(HaveOccurred())
			Expect(state).Should(Equal(machine.SourceLocked))

			state, err = m.Advance(event(ledger.EventLock, ledger.RoleDestination, nil))
			Expect(err).ShouldNot(HaveOccurred())
			Expect(state).Should(Equal(machine.DestinationLocked))

			state, err = m.Advance(event(ledger.EventClaim, ledger.RoleDestination, secret))
			Expect(err).ShouldNot(HaveOccurred())
			Expect(state).Should(Equal(machine.SecretRevealed))
			Expect(m.Secret()).Should(Equal(secret))

			state, err = m.Advance(event(ledger.EventClaim, ledger.RoleSource, secret))
			Expect(err).ShouldNot(HaveOccurred())
			Expect(state).Should(Equal(machine.Completed))
			Expect(machine.Completed.Terminal()).Should(BeTrue())
		})

		It("should accept a source lock without a prior MarkLocking", func() {
			state, err := m.Advance(event(ledger.EventLock, ledger.RoleSource, nil))
			Expect(err).ShouldNot(HaveOccurred())
			Expect(state).Should(Equal(machine.SourceLocked))
		})
	})

	Context("ordering guards", func() {
		It("should reject a destination lock before the source lock", func() {
			_, err := m.Advance(event(ledger.EventLock, ledger.RoleDestination, nil))
			Expect(err).Should(MatchError(machine.ErrIllegalTransition))
			Expect(m.State()).Should(Equal(machine.Created))
		})

		It("should reject a source claim before the secret was revealed", func() {
			_, err := m.Advance(event(ledger.EventLock, ledger.RoleSource, nil))
			Expect(err).ShouldNot(HaveOccurred())
			_, err = m.Advance(event(ledger.EventLock, ledger.RoleDestination, nil))
			Expect(err).ShouldNot(HaveOccurred())

			_, err = m.Advance(event(ledger.EventClaim, ledger.RoleSource, secret))
			Expect(err).Should(MatchError(machine.ErrIllegalTransition))
			Expect(m.State()).Should(Equal(machine.DestinationLocked))
		})

		It("should ignore duplicate lock events", func() {
			_, err := m.Advance(event(ledger.EventLock, ledger.RoleSource, nil))
			Expect(err).ShouldNot(HaveOccurred())
			_, err = m.Advance(event(ledger.EventLock, ledger.RoleDestination, nil))
			Expect(err).ShouldNot(HaveOccurred())

			_, err = m.Advance(event(ledger.EventLock, ledger.RoleSource, nil))
			Expect(err).Should(MatchError(machine.ErrIllegalTransition))
			Expect(m.State()).Should(Equal(machine.DestinationLocked))
		})

		It("should reject events on a terminal state", func() {
			m.Flag("frozen for review")
			_, err := m.Advance(event(ledger.EventLock, ledger.RoleSource, nil))
			Expect(err).Should(MatchError(machine.ErrIllegalTransition))
			Expect(m.State()).Should(Equal(machine.Flagged))
			Expect(m.FlagNote()).Should(Equal("frozen for review"))
		})
	})

	Context("secret validation", func() {
		BeforeEach(func() {
			_, err := m.Advance(event(ledger.EventLock, ledger.RoleSource, nil))
			Expect(err).ShouldNot(HaveOccurred())
			_, err = m.Advance(event(ledger.EventLock, ledger.RoleDestination, nil))
			Expect(err).ShouldNot(HaveOccurred())
		})

		It("should reject a secret that does not hash to the hashlock", func() {
			_, err := m.Advance(event(ledger.EventClaim, ledger.RoleDestination, []byte("forged")))
			Expect(err).Should(MatchError(machine.ErrBadSecret))
			Expect(m.State()).Should(Equal(machine.DestinationLocked))
			Expect(m.Secret()).Should(BeNil())
		})

		It("should reject a claim event without a secret", func() {
			_, err := m.Advance(event(ledger.EventClaim, ledger.RoleDestination, nil))
			Expect(err).Should(MatchError(machine.ErrIllegalTransition))
		})

		It("should accept a dedicated secretRevealed event", func() {
			state, err := m.Advance(event(ledger.EventSecretRevealed, ledger.RoleDestination, secret))
			Expect(err).ShouldNot(HaveOccurred())
			Expect(state).Should(Equal(machine.SecretRevealed))
		})
	})

	Context("timeouts", func() {
		It("should not time out before the state deadline", func() {
			_, timedOut := m.CheckTimeout()
			Expect(timedOut).Should(BeFalse())
		})

		It("should time out a swap never initiated by its deadline", func() {
			clock.Advance(31 * time.Minute)
			state, timedOut := m.CheckTimeout()
			Expect(timedOut).Should(BeTrue())
			Expect(state).Should(Equal(machine.TimedOut))
		})

		It("should give a locked source half the source timelock", func() {
			_, err := m.Advance(event(ledger.EventLock, ledger.RoleSource, nil))
			Expect(err).ShouldNot(HaveOccurred())
			Expect(m.Deadline()).Should(Equal(sw.CreatedAt.Add(6 * time.Hour)))

			clock.Advance(5 * time.Hour)
			_, timedOut := m.CheckTimeout()
			Expect(timedOut).Should(BeFalse())

			clock.Advance(time.Hour + time.Minute)
			state, timedOut := m.CheckTimeout()
			Expect(timedOut).Should(BeTrue())
			Expect(state).Should(Equal(machine.TimedOut))
		})

		It("should never time out a revealed swap", func() {
			_, err := m.Advance(event(ledger.EventLock, ledger.RoleSource, nil))
			Expect(err).ShouldNot(HaveOccurred())
			_, err = m.Advance(event(ledger.EventLock, ledger.RoleDestination, nil))
			Expect(err).ShouldNot(HaveOccurred())
			_, err = m.Advance(event(ledger.EventClaim, ledger.RoleDestination, secret))
			Expect(err).ShouldNot(HaveOccurred())

			clock.Advance(100 * time.Hour)
			_, timedOut := m.CheckTimeout()
			Expect(timedOut).Should(BeFalse())
		})
	})

	Context("refunds", func() {
		It("should go straight to Refunded when nothing was locked", func() {
			clock.Advance(31 * time.Minute)
			_, timedOut := m.CheckTimeout()
			Expect(timedOut).Should(BeTrue())

			state, err := m.BeginRefund()
			Expect(err).ShouldNot(HaveOccurred())
			Expect(state).Should(Equal(machine.Refunded))
		})

		It("should require every locked leg refunded before Refunded", func() {
			_, err := m.Advance(event(ledger.EventLock, ledger.RoleSource, nil))
			Expect(err).ShouldNot(HaveOccurred())
			_, err = m.Advance(event(ledger.EventLock, ledger.RoleDestination, nil))
			Expect(err).ShouldNot(HaveOccurred())

			clock.Advance(7 * time.Hour)
			_, timedOut := m.CheckTimeout()
			Expect(timedOut).Should(BeTrue())

			state, err := m.BeginRefund()
			Expect(err).ShouldNot(HaveOccurred())
			Expect(state).Should(Equal(machine.Refunding))
			Expect(m.LockedLegs()).Should(ConsistOf(ledger.RoleSource, ledger.RoleDestination))

			state, err = m.Advance(event(ledger.EventRefund, ledger.RoleDestination, nil))
			Expect(err).ShouldNot(HaveOccurred())
			Expect(state).Should(Equal(machine.Refunding))
			Expect(m.LockedLegs()).Should(ConsistOf(ledger.RoleSource))

			state, err = m.Advance(event(ledger.EventRefund, ledger.RoleSource, nil))
			Expect(err).ShouldNot(HaveOccurred())
			Expect(state).Should(Equal(machine.Refunded))
		})

		It("should reject BeginRefund unless timed out", func() {
			_, err := m.BeginRefund()
			Expect(err).Should(MatchError(machine.ErrIllegalTransition))
		})
	})

	Context("restore", func() {
		It("should rebuild the locked set for a mid-flight state", func() {
			restored := machine.Restore(zap.NewNop(), clock, sw, machine.DestinationLocked, nil)
			Expect(restored.State()).Should(Equal(machine.DestinationLocked))
			Expect(restored.LockedLegs()).Should(ConsistOf(ledger.RoleSource, ledger.RoleDestination))

			state, err := restored.Advance(event(ledger.EventClaim, ledger.RoleDestination, secret))
			Expect(err).ShouldNot(HaveOccurred())
			Expect(state).Should(Equal(machine.SecretRevealed))
		})

		It("should carry the revealed secret through a restart", func() {
			restored := machine.Restore(zap.NewNop(), clock, sw, machine.SecretRevealed, secret)
			Expect(restored.Secret()).Should(Equal(secret))

			state, err := restored.Advance(event(ledger.EventClaim, ledger.RoleSource, secret))
			Expect(err).ShouldNot(HaveOccurred())
			Expect(state).Should(Equal(machine.Completed))
		})

		It("should refund the reported locked legs after a restart at TimedOut", func() {
			restored := machine.Restore(zap.NewNop(), clock, sw, machine.TimedOut, nil, ledger.RoleSource)
			Expect(restored.LockedLegs()).Should(ConsistOf(ledger.RoleSource))

			state, err := restored.BeginRefund()
			Expect(err).ShouldNot(HaveOccurred())
			Expect(state).Should(Equal(machine.Refunding))

			state, err = restored.Advance(event(ledger.EventRefund, ledger.RoleSource, nil))
			Expect(err).ShouldNot(HaveOccurred())
			Expect(state).Should(Equal(machine.Refunded))
		})

		It("should keep refunding the reported legs after a restart at Refunding", func() {
			restored := machine.Restore(zap.NewNop(), clock, sw, machine.Refunding, nil,
				ledger.RoleSource, ledger.RoleDestination)
			Expect(restored.LockedLegs()).Should(ConsistOf(ledger.RoleSource, ledger.RoleDestination))

			state, err := restored.Advance(event(ledger.EventRefund, ledger.RoleDestination, nil))
			Expect(err).ShouldNot(HaveOccurred())
			Expect(state).Should(Equal(machine.Refunding))

			state, err = restored.Advance(event(ledger.EventRefund, ledger.RoleSource, nil))
			Expect(err).ShouldNot(HaveOccurred())
			Expect(state).Should(Equal(machine.Refunded))
		})
	})
})
