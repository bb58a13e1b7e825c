package swap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fusionbridge/fusiond/pkg/ledger"
	"github.com/shopspring/decimal"
)

type Action string

const (
	ActionLock   Action = "lock"
	ActionClaim  Action = "claim"
	ActionRefund Action = "refund"
)

// Timelock bounds enforced by the bridge contracts on every chain.
const (
	MinTimelock = time.Hour
	MaxTimelock = 48 * time.Hour
)

// Swap is one atomic exchange instance across two chains.
type Swap struct {
	ID          string
	OrderID     string
	Round       int
	Hashlock    [32]byte
	Source      ledger.Leg
	Destination ledger.Leg
	CreatedAt   time.Time
	Deadline    time.Time
}

// SwapID derives the swap identifier from the order parameters and the
// hashlock, so it is unique per auction round but not guessable without the
// hashlock.
func SwapID(orderID string, round int, hashlock [32]byte) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%v-%v-%v", orderID, round, hex.EncodeToString(hashlock[:]))))
	return hex.EncodeToString(sum[:])
}

// New validates the two legs and assembles a Swap. The destination timelock
// must expire at least safetyMargin before the source timelock, so the party
// claiming second never races an expiring source lock.
func New(orderID string, round int, hashlock [32]byte, source, destination ledger.Leg, deadline time.Time, safetyMargin time.Duration, now time.Time) (Swap, error) {
	if source.Role != ledger.RoleSource || destination.Role != ledger.RoleDestination {
		return Swap{}, fmt.Errorf("leg roles are swapped")
	}
	if source.Chain == destination.Chain {
		return Swap{}, fmt.Errorf("legs on the same chain = %v", source.Chain)
	}
	if !source.Amount.IsPositive() || !destination.Amount.IsPositive() {
		return Swap{}, fmt.Errorf("leg amounts must be positive")
	}
	for _, leg := range []ledger.Leg{source, destination} {
		timelock := leg.TimelockExpiry.Sub(now)
		if timelock < MinTimelock {
			return Swap{}, fmt.Errorf("%v timelock %v below minimum %v", leg.Role, timelock, MinTimelock)
		}
		if timelock > MaxTimelock {
			return Swap{}, fmt.Errorf("%v timelock %v above maximum %v", leg.Role, timelock, MaxTimelock)
		}
	}
	if destination.TimelockExpiry.Add(safetyMargin).After(source.TimelockExpiry) {
		return Swap{}, fmt.Errorf("destination timelock must expire at least %v before source timelock", safetyMargin)
	}

	id := SwapID(orderID, round, hashlock)
	source.SwapID, destination.SwapID = id, id
	source.Hashlock, destination.Hashlock = hashlock, hashlock
	return Swap{
		ID:          id,
		OrderID:     orderID,
		Round:       round,
		Hashlock:    hashlock,
		Source:      source,
		Destination: destination,
		CreatedAt:   now,
		Deadline:    deadline,
	}, nil
}

// Leg returns the swap's leg on the given chain.
func (s Swap) Leg(chain ledger.Chain) (ledger.Leg, error) {
	switch chain {
	case s.Source.Chain:
		return s.Source, nil
	case s.Destination.Chain:
		return s.Destination, nil
	default:
		return ledger.Leg{}, fmt.Errorf("swap %v has no leg on chain %v", s.ID, chain)
	}
}

type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderExpired   OrderStatus = "expired"
)

// Order is the maker's intent. It is read-only after creation except for the
// remaining amount when partial fills are allowed.
type Order struct {
	ID                string
	Maker             string
	SourceChain       ledger.Chain
	DestinationChain  ledger.Chain
	MakerAmount       decimal.Decimal
	MinDestAmount     decimal.Decimal
	ReceiveAddress    string
	RefundAddress     string
	AllowPartialFills bool
	RemainingAmount   decimal.Decimal
	Deadline          time.Time
	CreatedAt         time.Time
	Status            OrderStatus
}

// Fill consumes amount of the order's remaining liquidity. An order without
// partial fills is only consumable as a whole.
func (o *Order) Fill(amount decimal.Decimal) error {
	if o.Status != OrderOpen {
		return fmt.Errorf("order %v is %v", o.ID, o.Status)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("fill amount must be positive")
	}
	if amount.GreaterThan(o.RemainingAmount) {
		return fmt.Errorf("fill amount %v exceeds remaining %v", amount, o.RemainingAmount)
	}
	if !o.AllowPartialFills && !amount.Equal(o.RemainingAmount) {
		return fmt.Errorf("order %v disallows partial fills", o.ID)
	}

	o.RemainingAmount = o.RemainingAmount.Sub(amount)
	if o.RemainingAmount.IsZero() {
		o.Status = OrderFilled
	}
	return nil
}
