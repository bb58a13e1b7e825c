package auction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrAuctionClosed        = errors.New("auction closed")
	ErrAuctionNotFound      = errors.New("no auction for order")
	ErrNoBids               = errors.New("no active bids")
	ErrStaleBid             = errors.New("bid no longer active")
	ErrUnauthorizedResolver = errors.New("resolver not authorized")
	ErrBidBelowFloor        = errors.New("bid output below current floor")
	ErrPartialNotAllowed    = errors.New("round does not accept partial bids")
	ErrWinnerSelected       = errors.New("winner already selected")
)

type Clock interface {
	Now() time.Time
}

// Bid is a resolver's competing offer to execute an order. Bids are immutable
// once submitted except for the Active flag, which only the engine mutates.
// Withdrawn and superseded bids are flagged inactive, not deleted.
type Bid struct {
	ID           string
	OrderID      string
	Round        int
	Resolver     string
	InputAmount  decimal.Decimal
	OutputAmount decimal.Decimal
	GasEstimate  uint64
	SubmittedAt  time.Time
	Active       bool
}

// Rate is the output the maker receives per unit input.
func (b Bid) Rate() decimal.Decimal {
	return b.OutputAmount.Div(b.InputAmount)
}

// Params configures one auction round. The acceptable output floor decays
// linearly from StartOutput at OpensAt down to MinOutput at ClosesAt, so an
// order that attracts no aggressive resolver still fills near its minimum
// before the window shuts.
type Params struct {
	OpensAt     time.Time
	ClosesAt    time.Time
	InputAmount decimal.Decimal
	StartOutput decimal.Decimal
	MinOutput   decimal.Decimal

	// AllowPartial permits bids covering less than InputAmount. Off, every
	// bid must cover the full round input.
	AllowPartial bool
}

// FloorAt returns the minimum acceptable output at time t.
func (p Params) FloorAt(t time.Time) decimal.Decimal {
	if !t.After(p.OpensAt) {
		return p.StartOutput
	}
	if !t.Before(p.ClosesAt) {
		return p.MinOutput
	}
	window := decimal.NewFromInt(int64(p.ClosesAt.Sub(p.OpensAt)))
	elapsed := decimal.NewFromInt(int64(t.Sub(p.OpensAt)))
	decay := p.StartOutput.Sub(p.MinOutput).Mul(elapsed).Div(window)
	return p.StartOutput.Sub(decay)
}

func (p Params) validate() error {
	if !p.ClosesAt.After(p.OpensAt) {
		return fmt.Errorf("auction window closes before it opens")
	}
	if !p.InputAmount.IsPositive() {
		return fmt.Errorf("input amount must be positive")
	}
	if p.MinOutput.GreaterThan(p.StartOutput) {
		return fmt.Errorf("min output %v above start output %v", p.MinOutput, p.StartOutput)
	}
	if !p.MinOutput.IsPositive() {
		return fmt.Errorf("min output must be positive")
	}
	return nil
}

// Authorizer is the external collaborator deciding resolver eligibility.
type Authorizer interface {
	IsAuthorized(ctx context.Context, resolver string) (bool, error)
}

type round struct {
	number   int
	params   Params
	bids     []*Bid
	closed   bool
	executed string // winning bid id once selected
}

// Engine runs competitive bidding per order. The bid pool is mutated by the
// single-writer selection path only; all entry points share one mutex.
type Engine struct {
	mu     sync.Mutex
	logger *zap.Logger
	clock  Clock
	auth   Authorizer
	rounds map[string][]*round
}

func NewEngine(logger *zap.Logger, clock Clock, auth Authorizer) *Engine {
	return &Engine{
		logger: logger,
		clock:  clock,
		auth:   auth,
		rounds: map[string][]*round{},
	}
}

// OpenAuction initializes a bid pool for the order. It is idempotent while a
// round is open: re-opening returns the current round. Once a round closed, a
// new round starts for the remaining amount.
func (e *Engine) OpenAuction(orderID string, params Params) (int, error) {
	if err := params.validate(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rounds := e.rounds[orderID]
	if len(rounds) > 0 {
		last := rounds[len(rounds)-1]
		if !last.closed {
			return last.number, nil
		}
	}
	next := &round{number: len(rounds) + 1, params: params}
	e.rounds[orderID] = append(rounds, next)
	e.logger.Info("auction opened",
		zap.String("order", orderID),
		zap.Int("round", next.number),
		zap.String("input", params.InputAmount.String()))
	return next.number, nil
}

// SubmitBid validates and records a resolver's bid. Late bids are rejected
// with ErrAuctionClosed even when the round was never explicitly closed. A
// resolver re-bidding supersedes its previous bid, which stays recorded as
// inactive.
func (e *Engine) SubmitBid(ctx context.Context, orderID, resolver string, input, output decimal.Decimal, gasEstimate uint64) (Bid, error) {
	ok, err := e.auth.IsAuthorized(ctx, resolver)
	if err != nil {
		return Bid{}, fmt.Errorf("authorize resolver: %w", err)
	}
	if !ok {
		return Bid{}, fmt.Errorf("%w: %v", ErrUnauthorizedResolver, resolver)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.openRound(orderID)
	if err != nil {
		return Bid{}, err
	}
	now := e.clock.Now()
	if !now.Before(r.params.ClosesAt) {
		return Bid{}, fmt.Errorf("%w: bidding window passed", ErrAuctionClosed)
	}
	if !input.IsPositive() || input.GreaterThan(r.params.InputAmount) {
		return Bid{}, fmt.Errorf("bid input %v outside round input %v", input, r.params.InputAmount)
	}
	if !r.params.AllowPartial && !input.Equal(r.params.InputAmount) {
		return Bid{}, fmt.Errorf("%w: input %v below round input %v", ErrPartialNotAllowed, input, r.params.InputAmount)
	}
	// Partial bids compete on rate, so the floor scales with the covered input.
	floor := r.params.FloorAt(now).Mul(input).Div(r.params.InputAmount)
	if output.LessThan(floor) {
		return Bid{}, fmt.Errorf("%w: %v < %v", ErrBidBelowFloor, output, floor)
	}

	for _, prev := range r.bids {
		if prev.Active && prev.Resolver == resolver {
			prev.Active = false
		}
	}
	bid := &Bid{
		ID:           uuid.NewString(),
		OrderID:      orderID,
		Round:        r.number,
		Resolver:     resolver,
		InputAmount:  input,
		OutputAmount: output,
		GasEstimate:  gasEstimate,
		SubmittedAt:  now,
		Active:       true,
	}
	r.bids = append(r.bids, bid)
	e.logger.Info("bid submitted",
		zap.String("order", orderID),
		zap.String("resolver", resolver),
		zap.String("output", output.String()))
	return *bid, nil
}

// Withdraw flags a resolver's bid inactive. The bid stays in the pool for
// audit history.
func (e *Engine) Withdraw(orderID, bidID, resolver string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.openRound(orderID)
	if err != nil {
		return err
	}
	for _, bid := range r.bids {
		if bid.ID == bidID {
			if bid.Resolver != resolver {
				return fmt.Errorf("bid %v does not belong to %v", bidID, resolver)
			}
			bid.Active = false
			return nil
		}
	}
	return fmt.Errorf("%w: bid %v", ErrNoBids, bidID)
}

// BestBid returns the winning bid of the current round and its index in the
// pool. The selection rule is a deterministic total order, so replays with the
// same bid set always produce the same winner: highest output per unit input,
// ties broken by earliest submission, then lowest gas estimate, then
// resolver id.
func (e *Engine) BestBid(orderID string) (Bid, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.openRound(orderID)
	if err != nil {
		return Bid{}, 0, err
	}
	idx := bestIndex(r.bids)
	if idx < 0 {
		return Bid{}, 0, ErrNoBids
	}
	return *r.bids[idx], idx, nil
}

func bestIndex(bids []*Bid) int {
	best := -1
	for i, bid := range bids {
		if !bid.Active {
			continue
		}
		if best < 0 || less(bid, bids[best]) {
			best = i
		}
	}
	return best
}

// less reports whether a ranks strictly before b in the selection order.
func less(a, b *Bid) bool {
	if cmp := a.Rate().Cmp(b.Rate()); cmp != 0 {
		return cmp > 0
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	if a.GasEstimate != b.GasEstimate {
		return a.GasEstimate < b.GasEstimate
	}
	return a.Resolver < b.Resolver
}

// SelectAndClose marks the round closed with the bid at index as winner. It
// fails with ErrStaleBid if the bid went inactive since selection began, in
// which case the caller re-queries BestBid.
func (e *Engine) SelectAndClose(orderID string, index int) (Bid, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.openRound(orderID)
	if err != nil {
		return Bid{}, err
	}
	if index < 0 || index >= len(r.bids) {
		return Bid{}, fmt.Errorf("bid index %v out of range", index)
	}
	bid := r.bids[index]
	if !bid.Active {
		return Bid{}, fmt.Errorf("%w: %v", ErrStaleBid, bid.ID)
	}
	r.closed = true
	r.executed = bid.ID
	e.logger.Info("auction closed",
		zap.String("order", orderID),
		zap.Int("round", r.number),
		zap.String("winner", bid.Resolver))
	return *bid, nil
}

// CancelAuction closes the current round without a winner, used when the
// maker cancels the order. Cancellation after a winner was selected is
// rejected, the swap runs to completion or refund.
func (e *Engine) CancelAuction(orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rounds := e.rounds[orderID]
	if len(rounds) == 0 {
		return ErrAuctionNotFound
	}
	last := rounds[len(rounds)-1]
	if last.executed != "" {
		return ErrWinnerSelected
	}
	last.closed = true
	for _, bid := range last.bids {
		bid.Active = false
	}
	return nil
}

// Bids returns every bid ever submitted for the order across all rounds,
// ordered by round then submission, for audit and replay.
func (e *Engine) Bids(orderID string) []Bid {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Bid
	for _, r := range e.rounds[orderID] {
		for _, bid := range r.bids {
			out = append(out, *bid)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Round != out[j].Round {
			return out[i].Round < out[j].Round
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// Executed reports whether a winner has been selected for the order's
// current round.
func (e *Engine) Executed(orderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	rounds := e.rounds[orderID]
	if len(rounds) == 0 {
		return false
	}
	return rounds[len(rounds)-1].executed != ""
}

func (e *Engine) openRound(orderID string) (*round, error) {
	rounds := e.rounds[orderID]
	if len(rounds) == 0 {
		return nil, ErrAuctionNotFound
	}
	last := rounds[len(rounds)-1]
	if last.closed {
		return nil, fmt.Errorf("%w: round %v executed", ErrAuctionClosed, last.number)
	}
	return last, nil
}
