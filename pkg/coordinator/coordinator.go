// Package coordinator drives maker orders end to end: it runs the bidding
// window, creates the swap for the winning resolver, and shepherds the swap
// state machine off normalized ledger events until funds settle or refund.
package coordinator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fusionbridge/fusiond/pkg/auction"
	"github.com/fusionbridge/fusiond/pkg/ledger"
	"github.com/fusionbridge/fusiond/pkg/machine"
	"github.com/fusionbridge/fusiond/pkg/store"
	"github.com/fusionbridge/fusiond/pkg/swap"
	"github.com/fusionbridge/fusiond/pkg/vault"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnsupportedChain = errors.New("no adapter for chain")
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderNotOpen     = errors.New("order not open")
)

// btcBlockTime is the target block interval used to express a duration
// timelock as a relative block count on utxo chains.
const btcBlockTime = 10 * time.Minute

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Options struct {
	// SourceTimelock and DestTimelock are the lock durations of the two legs.
	// DestTimelock + SafetyMargin must not exceed SourceTimelock, or swap
	// creation fails.
	SourceTimelock time.Duration
	DestTimelock   time.Duration
	SafetyMargin   time.Duration

	// AuctionWindow is the default bidding window when the order does not set
	// its own.
	AuctionWindow time.Duration

	// InitiateDeadline bounds how long a fresh swap may sit without a
	// confirmed source lock before it times out.
	InitiateDeadline time.Duration

	ConfirmationTimeout time.Duration
	MinConfirmations    map[ledger.Chain]uint64

	SweepInterval time.Duration
	RetryInterval time.Duration
	RetryLimit    int
}

func NewOptions() Options {
	return Options{
		SourceTimelock:      12 * time.Hour,
		DestTimelock:        6 * time.Hour,
		SafetyMargin:        time.Hour,
		AuctionWindow:       5 * time.Minute,
		InitiateDeadline:    30 * time.Minute,
		ConfirmationTimeout: 15 * time.Minute,
		MinConfirmations:    map[ledger.Chain]uint64{},
		SweepInterval:       10 * time.Second,
		RetryInterval:       5 * time.Second,
		RetryLimit:          5,
	}
}

// OrderParams is the maker's intent as submitted over rpc.
type OrderParams struct {
	Maker             string          `json:"maker"`
	SourceChain       ledger.Chain    `json:"sourceChain"`
	DestinationChain  ledger.Chain    `json:"destinationChain"`
	Amount            decimal.Decimal `json:"amount"`
	StartOutput       decimal.Decimal `json:"startOutput"`
	MinOutput         decimal.Decimal `json:"minOutput"`
	ReceiveAddress    string          `json:"receiveAddress"`
	RefundAddress     string          `json:"refundAddress"`
	AllowPartialFills bool            `json:"allowPartialFills"`
	AuctionWindow     time.Duration   `json:"auctionWindow,omitempty"`
}

// orderState is the in-memory working set of one order. The store holds the
// durable copy; this carries what the store must not serve per read, the
// pending secret and the auction deadline.
type orderState struct {
	order    swap.Order
	secret   [32]byte
	hashlock [32]byte
	closesAt time.Time
	window   time.Duration
	settled  bool
}

type Coordinator struct {
	logger   *zap.Logger
	clock    Clock
	opts     Options
	storage  store.Store
	secrets  vault.Vault
	auctions *auction.Engine
	actions  ActionStore
	adapters map[ledger.Chain]ledger.Adapter

	mu       sync.Mutex
	orders   map[string]*orderState
	machines map[string]*machine.Machine
	workers  map[string]chan ledger.Event

	queue chan ledger.Event
	wg    sync.WaitGroup
}

func New(logger *zap.Logger, opts Options, storage store.Store, secrets vault.Vault, auctions *auction.Engine, actions ActionStore, adapters []ledger.Adapter) (*Coordinator, error) {
	if len(adapters) < 2 {
		return nil, fmt.Errorf("need at least two chain adapters, got %v", len(adapters))
	}
	byChain := map[ledger.Chain]ledger.Adapter{}
	for _, adapter := range adapters {
		byChain[adapter.Chain()] = adapter
	}
	return &Coordinator{
		logger:   logger,
		clock:    systemClock{},
		opts:     opts,
		storage:  storage,
		secrets:  secrets,
		auctions: auctions,
		actions:  actions,
		adapters: byChain,
		orders:   map[string]*orderState{},
		machines: map[string]*machine.Machine{},
		workers:  map[string]chan ledger.Event{},
		queue:    make(chan ledger.Event, 256),
	}, nil
}

// WithClock overrides wall-clock time, tests only.
func (c *Coordinator) WithClock(clock Clock) *Coordinator {
	c.clock = clock
	return c
}

// Start recovers unfinished swaps from the store, then runs the chain
// monitors, the event dispatcher and the timeout sweeper until ctx is
// cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.recover(ctx); err != nil {
		return fmt.Errorf("recover pending swaps: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, adapter := range c.adapters {
		adapter := adapter
		g.Go(func() error {
			return c.monitor(ctx, adapter)
		})
	}
	g.Go(func() error {
		c.dispatch(ctx)
		return nil
	})
	g.Go(func() error {
		c.sweep(ctx)
		return nil
	})
	err := g.Wait()
	c.wg.Wait()
	return err
}

// SubmitOrder validates the maker's intent, generates the order secret and
// opens the first auction round.
func (c *Coordinator) SubmitOrder(ctx context.Context, params OrderParams) (swap.Order, error) {
	if _, ok := c.adapters[params.SourceChain]; !ok {
		return swap.Order{}, fmt.Errorf("%w: %v", ErrUnsupportedChain, params.SourceChain)
	}
	if _, ok := c.adapters[params.DestinationChain]; !ok {
		return swap.Order{}, fmt.Errorf("%w: %v", ErrUnsupportedChain, params.DestinationChain)
	}
	if params.SourceChain == params.DestinationChain {
		return swap.Order{}, fmt.Errorf("source and destination on the same chain = %v", params.SourceChain)
	}
	if !params.Amount.IsPositive() {
		return swap.Order{}, fmt.Errorf("order amount must be positive")
	}
	if params.ReceiveAddress == "" || params.RefundAddress == "" {
		return swap.Order{}, fmt.Errorf("receive and refund addresses are required")
	}
	window := params.AuctionWindow
	if window <= 0 {
		window = c.opts.AuctionWindow
	}

	orderID := uuid.NewString()
	secret, hashlock, err := c.secrets.GenerateSecret(orderID)
	if err != nil {
		return swap.Order{}, fmt.Errorf("generate order secret: %w", err)
	}

	now := c.clock.Now()
	order := swap.Order{
		ID:                orderID,
		Maker:             params.Maker,
		SourceChain:       params.SourceChain,
		DestinationChain:  params.DestinationChain,
		MakerAmount:       params.Amount,
		MinDestAmount:     params.MinOutput,
		ReceiveAddress:    params.ReceiveAddress,
		RefundAddress:     params.RefundAddress,
		AllowPartialFills: params.AllowPartialFills,
		RemainingAmount:   params.Amount,
		Deadline:          now.Add(window),
		CreatedAt:         now,
		Status:            swap.OrderOpen,
	}
	if err := c.storage.CreateOrder(order); err != nil {
		return swap.Order{}, fmt.Errorf("persist order: %w", err)
	}

	st := &orderState{
		order:    order,
		secret:   secret,
		hashlock: hashlock,
		closesAt: now.Add(window),
		window:   window,
	}
	if _, err := c.auctions.OpenAuction(orderID, c.auctionParams(st)); err != nil {
		return swap.Order{}, fmt.Errorf("open auction: %w", err)
	}

	c.mu.Lock()
	c.orders[orderID] = st
	c.mu.Unlock()

	if err := c.storage.LogTransition("order", orderID, "", string(swap.OrderOpen), ""); err != nil {
		c.logger.Error("log order transition", zap.Error(err))
	}
	c.logger.Info("order submitted",
		zap.String("order", orderID),
		zap.String("maker", params.Maker),
		zap.String("amount", params.Amount.String()))
	return order, nil
}

func (c *Coordinator) auctionParams(st *orderState) auction.Params {
	ratio := st.order.RemainingAmount.Div(st.order.MakerAmount)
	return auction.Params{
		OpensAt:      st.closesAt.Add(-st.window),
		ClosesAt:     st.closesAt,
		InputAmount:  st.order.RemainingAmount,
		StartOutput:  st.order.MinDestAmount.Mul(ratio).Mul(startOutputFactor),
		MinOutput:    st.order.MinDestAmount.Mul(ratio),
		AllowPartial: st.order.AllowPartialFills,
	}
}

// The decayed floor opens above the maker's minimum so early bidders compete
// down from a premium rather than start at the minimum.
var startOutputFactor = decimal.NewFromFloat(1.05)

// CancelOrder withdraws an open order. Cancellation is rejected once a winner
// was selected for the current round; in-flight swaps run to completion or
// refund regardless.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID string) error {
	c.mu.Lock()
	st, ok := c.orders[orderID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %v", ErrOrderNotFound, orderID)
	}

	if err := c.auctions.CancelAuction(orderID); err != nil && !errors.Is(err, auction.ErrAuctionNotFound) {
		return err
	}

	c.mu.Lock()
	from := st.order.Status
	st.order.Status = swap.OrderCancelled
	st.settled = true
	remaining := st.order.RemainingAmount
	c.mu.Unlock()

	if err := c.storage.UpdateOrder(orderID, swap.OrderCancelled, remaining); err != nil {
		return fmt.Errorf("persist cancellation: %w", err)
	}
	if err := c.storage.LogTransition("order", orderID, string(from), string(swap.OrderCancelled), ""); err != nil {
		c.logger.Error("log order transition", zap.Error(err))
	}
	c.logger.Info("order cancelled", zap.String("order", orderID))
	return nil
}

// SubmitBid records a resolver bid on the order's open round.
func (c *Coordinator) SubmitBid(ctx context.Context, orderID, resolver string, input, output decimal.Decimal, gasEstimate uint64) (auction.Bid, error) {
	bid, err := c.auctions.SubmitBid(ctx, orderID, resolver, input, output, gasEstimate)
	if err != nil {
		return auction.Bid{}, err
	}
	if err := c.storage.PutBid(bid); err != nil {
		c.logger.Error("persist bid", zap.Error(err), zap.String("bid", bid.ID))
	}
	return bid, nil
}

// WithdrawBid flags the resolver's bid inactive.
func (c *Coordinator) WithdrawBid(ctx context.Context, orderID, bidID, resolver string) error {
	if err := c.auctions.Withdraw(orderID, bidID, resolver); err != nil {
		return err
	}
	if err := c.storage.DeactivateBid(bidID); err != nil {
		c.logger.Error("deactivate bid", zap.Error(err), zap.String("bid", bidID))
	}
	return nil
}

// BestBid exposes the current front-runner without closing the round.
func (c *Coordinator) BestBid(orderID string) (auction.Bid, error) {
	bid, _, err := c.auctions.BestBid(orderID)
	return bid, err
}

// Settle closes the order's bidding round immediately instead of waiting for
// the window, picks the winner and creates the swap.
func (c *Coordinator) Settle(ctx context.Context, orderID string) error {
	c.mu.Lock()
	st, ok := c.orders[orderID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %v", ErrOrderNotFound, orderID)
	}
	if st.order.Status != swap.OrderOpen {
		return fmt.Errorf("%w: %v is %v", ErrOrderNotOpen, orderID, st.order.Status)
	}
	return c.settle(ctx, st)
}

// settle picks the deterministic winner of the current round, fills the order
// and launches the swap. A round that expires without bids closes the order
// as expired.
func (c *Coordinator) settle(ctx context.Context, st *orderState) error {
	orderID := st.order.ID

	var won auction.Bid
	for {
		_, idx, err := c.auctions.BestBid(orderID)
		if errors.Is(err, auction.ErrNoBids) {
			return c.expireRound(st)
		}
		if err != nil {
			return err
		}
		won, err = c.auctions.SelectAndClose(orderID, idx)
		if errors.Is(err, auction.ErrStaleBid) {
			// The selected bid was withdrawn concurrently, re-query.
			continue
		}
		if err != nil {
			return err
		}
		break
	}

	c.mu.Lock()
	if err := st.order.Fill(won.InputAmount); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("fill order %v: %w", orderID, err)
	}
	status, remaining := st.order.Status, st.order.RemainingAmount
	st.settled = status != swap.OrderOpen
	c.mu.Unlock()

	if err := c.storage.UpdateOrder(orderID, status, remaining); err != nil {
		return fmt.Errorf("persist fill: %w", err)
	}

	sw, err := c.buildSwap(st, won)
	if err != nil {
		return err
	}
	if err := c.storage.CreateSwap(sw, string(machine.Created)); err != nil {
		return fmt.Errorf("persist swap: %w", err)
	}
	// The secret is written alongside the swap so a restart before the reveal
	// can still claim the destination leg.
	if err := c.storage.PutSwapSecret(sw.ID, st.secret[:]); err != nil {
		return fmt.Errorf("persist swap secret: %w", err)
	}

	m := machine.New(c.logger, clockAdapter{c.clock}, sw)
	c.mu.Lock()
	c.machines[sw.ID] = m
	c.mu.Unlock()
	c.startWorker(m)

	c.logger.Info("round settled",
		zap.String("order", orderID),
		zap.Int("round", won.Round),
		zap.String("resolver", won.Resolver),
		zap.String("input", won.InputAmount.String()),
		zap.String("output", won.OutputAmount.String()))

	// A partial fill leaves liquidity on the table, open a fresh round for it.
	if status == swap.OrderOpen && remaining.IsPositive() {
		c.mu.Lock()
		now := c.clock.Now()
		st.closesAt = now.Add(st.window)
		st.order.Deadline = st.closesAt
		c.mu.Unlock()
		if _, err := c.auctions.OpenAuction(orderID, c.auctionParams(st)); err != nil {
			c.logger.Error("reopen auction for remainder", zap.Error(err), zap.String("order", orderID))
		}
	}

	c.runAsync(func() { c.initiate(context.WithoutCancel(ctx), m) })
	return nil
}

func (c *Coordinator) expireRound(st *orderState) error {
	orderID := st.order.ID
	if err := c.auctions.CancelAuction(orderID); err != nil && !errors.Is(err, auction.ErrWinnerSelected) {
		return err
	}

	c.mu.Lock()
	from := st.order.Status
	// An order that saw at least one fill keeps its filled portion; only the
	// unfilled remainder expires.
	st.order.Status = swap.OrderExpired
	st.settled = true
	remaining := st.order.RemainingAmount
	c.mu.Unlock()

	if err := c.storage.UpdateOrder(orderID, swap.OrderExpired, remaining); err != nil {
		return fmt.Errorf("persist expiry: %w", err)
	}
	if err := c.storage.LogTransition("order", orderID, string(from), string(swap.OrderExpired), "no bids"); err != nil {
		c.logger.Error("log order transition", zap.Error(err))
	}
	c.logger.Info("auction expired without bids", zap.String("order", orderID))
	return nil
}

// buildSwap assembles the two legs for the winning bid. The source leg pays
// the resolver out of the maker's funds; the destination leg pays the maker
// out of the resolver's, under the same hashlock with a shorter timelock.
func (c *Coordinator) buildSwap(st *orderState, won auction.Bid) (swap.Swap, error) {
	now := c.clock.Now()
	order := st.order

	source := ledger.Leg{
		Chain:            order.SourceChain,
		Role:             ledger.RoleSource,
		Amount:           won.InputAmount,
		Beneficiary:      won.Resolver,
		Refundee:         order.RefundAddress,
		TimelockExpiry:   now.Add(c.opts.SourceTimelock),
		TimelockBlocks:   timelockBlocks(order.SourceChain, c.opts.SourceTimelock),
		MinConfirmations: c.minConfirmations(order.SourceChain),
	}
	destination := ledger.Leg{
		Chain:            order.DestinationChain,
		Role:             ledger.RoleDestination,
		Amount:           won.OutputAmount,
		Beneficiary:      order.ReceiveAddress,
		Refundee:         won.Resolver,
		TimelockExpiry:   now.Add(c.opts.DestTimelock),
		TimelockBlocks:   timelockBlocks(order.DestinationChain, c.opts.DestTimelock),
		MinConfirmations: c.minConfirmations(order.DestinationChain),
	}
	return swap.New(order.ID, won.Round, st.hashlock, source, destination, now.Add(c.opts.InitiateDeadline), c.opts.SafetyMargin, now)
}

func (c *Coordinator) minConfirmations(chain ledger.Chain) uint64 {
	if conf, ok := c.opts.MinConfirmations[chain]; ok {
		return conf
	}
	return 1
}

func timelockBlocks(chain ledger.Chain, timelock time.Duration) uint64 {
	if !chain.IsBTC() {
		return 0
	}
	blocks := uint64(timelock / btcBlockTime)
	if blocks == 0 {
		blocks = 1
	}
	return blocks
}

// initiate submits the source lock and registers both legs for monitoring.
func (c *Coordinator) initiate(ctx context.Context, m *machine.Machine) {
	sw := m.Swap()
	logger := c.logger.With(zap.String("swap", sw.ID))

	from := m.State()
	state, err := m.MarkLocking(ledger.RoleSource)
	if err != nil {
		logger.Error("mark source locking", zap.Error(err))
		return
	}
	c.persistState(sw.ID, from, state, "")

	c.adapters[sw.Source.Chain].Watch(sw.Source)
	c.adapters[sw.Destination.Chain].Watch(sw.Destination)

	done, err := c.actions.CheckAction(swap.ActionLock, sw.Source.ID())
	if err != nil {
		logger.Error("check lock action", zap.Error(err))
	}
	if done {
		return
	}

	var ref ledger.TxRef
	err = c.withRetry(ctx, func() error {
		var lockErr error
		ref, lockErr = c.adapters[sw.Source.Chain].Lock(ctx, sw.Source)
		return lockErr
	})
	if err != nil {
		logger.Error("source lock failed", zap.Error(err))
		c.flag(m, fmt.Sprintf("source lock failed: %v", err))
		return
	}
	if err := c.actions.StoreAction(swap.ActionLock, sw.Source.ID()); err != nil {
		logger.Error("store lock action", zap.Error(err))
	}
	if err := c.storage.PutSwapTx(sw.ID, swap.ActionLock, ledger.RoleSource, ref.TxID); err != nil {
		logger.Error("persist lock tx", zap.Error(err))
	}
	logger.Info("source lock submitted", zap.String("tx", ref.TxID))

	c.confirmAndAdvance(ctx, sw, ledger.EventLock, ledger.RoleSource, ref, nil)
}

// claimDestination reveals the order secret by sweeping the destination leg
// to the maker. This is the point of no return: after this the resolver can
// always claim the source.
func (c *Coordinator) claimDestination(ctx context.Context, m *machine.Machine) {
	sw := m.Swap()
	logger := c.logger.With(zap.String("swap", sw.ID))

	done, err := c.actions.CheckAction(swap.ActionClaim, sw.Destination.ID())
	if err != nil {
		logger.Error("check claim action", zap.Error(err))
	}
	if done {
		return
	}

	secret, err := c.secrets.RevealSecret(sw.OrderID)
	if err != nil {
		logger.Error("reveal secret", zap.Error(err))
		c.flag(m, fmt.Sprintf("secret unavailable: %v", err))
		return
	}

	var ref ledger.TxRef
	err = c.withRetry(ctx, func() error {
		var claimErr error
		ref, claimErr = c.adapters[sw.Destination.Chain].Claim(ctx, sw.Destination, secret[:])
		return claimErr
	})
	if err != nil {
		logger.Error("destination claim failed", zap.Error(err))
		c.flag(m, fmt.Sprintf("destination claim failed: %v", err))
		return
	}
	if err := c.actions.StoreAction(swap.ActionClaim, sw.Destination.ID()); err != nil {
		logger.Error("store claim action", zap.Error(err))
	}
	if err := c.storage.PutSwapTx(sw.ID, swap.ActionClaim, ledger.RoleDestination, ref.TxID); err != nil {
		logger.Error("persist claim tx", zap.Error(err))
	}
	logger.Info("destination claim submitted", zap.String("tx", ref.TxID))

	c.confirmAndAdvance(ctx, sw, ledger.EventClaim, ledger.RoleDestination, ref, secret[:])
}

// confirmAndAdvance waits for the submitted tx to confirm and feeds the
// matching event to the swap's worker. When confirmation times out the chain
// monitor still delivers the event eventually, so Pending is not an error.
func (c *Coordinator) confirmAndAdvance(ctx context.Context, sw swap.Swap, evType ledger.EventType, role ledger.Role, ref ledger.TxRef, secret []byte) {
	leg := sw.Source
	if role == ledger.RoleDestination {
		leg = sw.Destination
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.opts.ConfirmationTimeout)
	defer cancel()
	conf, err := c.adapters[leg.Chain].WaitForConfirmation(waitCtx, ref, leg.MinConfirmations)
	if err != nil {
		c.logger.Error("wait for confirmation", zap.Error(err), zap.String("tx", ref.TxID))
		return
	}
	if conf != ledger.Confirmed {
		c.logger.Info("confirmation still pending", zap.String("swap", sw.ID), zap.String("tx", ref.TxID))
		return
	}
	c.route(ledger.Event{
		Type:       evType,
		SwapID:     sw.ID,
		Chain:      leg.Chain,
		Role:       role,
		TxRef:      ref,
		Secret:     secret,
		ObservedAt: c.clock.Now(),
	})
}

// monitor pumps one chain's event stream into the shared queue.
func (c *Coordinator) monitor(ctx context.Context, adapter ledger.Adapter) error {
	events, err := adapter.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe %v: %w", adapter.Chain(), err)
	}
	c.logger.Info("monitoring chain", zap.String("chain", string(adapter.Chain())))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			select {
			case c.queue <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// dispatch routes queued events to per-swap workers so each swap sees its
// events in order while distinct swaps advance concurrently.
func (c *Coordinator) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			for id, ch := range c.workers {
				close(ch)
				delete(c.workers, id)
			}
			c.mu.Unlock()
			return
		case ev := <-c.queue:
			c.route(ev)
		}
	}
}

// route hands an event to its swap's worker. The send stays under the mutex
// that guards stopWorker's close, so a late event can never hit a closed
// channel; it is non-blocking, so the lock is never held across a suspension.
func (c *Coordinator) route(ev ledger.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.workers[ev.SwapID]
	if !ok {
		c.logger.Debug("event for unknown swap", zap.String("swap", ev.SwapID), zap.String("type", string(ev.Type)))
		return
	}
	select {
	case ch <- ev:
	default:
		c.logger.Error("swap worker backlogged, dropping event",
			zap.String("swap", ev.SwapID), zap.String("type", string(ev.Type)))
	}
}

func (c *Coordinator) startWorker(m *machine.Machine) {
	ch := make(chan ledger.Event, 32)
	c.mu.Lock()
	c.workers[m.Swap().ID] = ch
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ev := range ch {
			c.handleEvent(m, ev)
		}
	}()
}

func (c *Coordinator) stopWorker(swapID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.workers[swapID]; ok {
		close(ch)
		delete(c.workers, swapID)
	}
}

// handleEvent is the single place machine state advances off ledger events.
// It runs on the swap's worker goroutine, so per-swap handling is serial.
func (c *Coordinator) handleEvent(m *machine.Machine, ev ledger.Event) {
	sw := m.Swap()
	logger := c.logger.With(zap.String("swap", sw.ID), zap.String("event", string(ev.Type)))

	from := m.State()
	state, err := m.Advance(ev)
	switch {
	case errors.Is(err, machine.ErrBadSecret):
		// A claim with a wrong secret should be impossible on chain; treat it
		// as an invariant violation and freeze.
		c.flag(m, fmt.Sprintf("claim with mismatched secret on %v leg, tx %v", ev.Role, ev.TxRef.TxID))
		return
	case errors.Is(err, machine.ErrIllegalTransition):
		// Duplicates and replays from polling monitors land here.
		logger.Debug("event ignored", zap.Error(err))
		return
	case err != nil:
		logger.Error("advance failed", zap.Error(err))
		return
	}
	if state != from {
		c.persistState(sw.ID, from, state, "")
	}

	switch state {
	case machine.DestinationLocked:
		ctx := context.Background()
		c.runAsync(func() { c.claimDestination(ctx, m) })
	case machine.SecretRevealed:
		if err := c.storage.PutSwapSecret(sw.ID, m.Secret()); err != nil {
			logger.Error("persist revealed secret", zap.Error(err))
		}
	case machine.Completed:
		if err := c.secrets.Consume(sw.OrderID); err != nil && !errors.Is(err, vault.ErrNotFound) {
			logger.Error("consume secret", zap.Error(err))
		}
		logger.Info("swap completed")
		c.stopWorker(sw.ID)
	case machine.Refunded:
		logger.Info("swap refunded")
		c.stopWorker(sw.ID)
	}
}

// sweep drives everything that is clock-triggered: closing auction windows
// and timing out stalled swaps.
func (c *Coordinator) sweep(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.settleDueAuctions(ctx)
		c.sweepTimeouts(ctx)
	}
}

func (c *Coordinator) settleDueAuctions(ctx context.Context) {
	now := c.clock.Now()
	c.mu.Lock()
	due := make([]*orderState, 0)
	for _, st := range c.orders {
		if !st.settled && st.order.Status == swap.OrderOpen && !now.Before(st.closesAt) {
			due = append(due, st)
		}
	}
	c.mu.Unlock()

	for _, st := range due {
		if err := c.settle(ctx, st); err != nil {
			c.logger.Error("settle auction", zap.Error(err), zap.String("order", st.order.ID))
		}
	}
}

func (c *Coordinator) sweepTimeouts(ctx context.Context) {
	c.mu.Lock()
	machines := make([]*machine.Machine, 0, len(c.machines))
	for _, m := range c.machines {
		machines = append(machines, m)
	}
	c.mu.Unlock()

	for _, m := range machines {
		if state, timedOut := m.CheckTimeout(); timedOut {
			c.persistState(m.Swap().ID, "", state, "deadline passed")
		}
		// A machine restored at TimedOut never reports a fresh timeout, so
		// refund eligibility keys off the state, not the transition.
		if m.State() == machine.TimedOut {
			sw := m.Swap()
			next, err := m.BeginRefund()
			if err != nil {
				c.logger.Error("begin refund", zap.Error(err), zap.String("swap", sw.ID))
				continue
			}
			c.persistState(sw.ID, machine.TimedOut, next, "")
			if next == machine.Refunded {
				c.stopWorker(sw.ID)
			}
		}
		if m.State() == machine.Refunding {
			c.refundLockedLegs(ctx, m)
		}
	}
}

// refundLockedLegs re-attempts refunds each sweep until every locked leg is
// back with its refundee. Pre-expiry rejections are expected and retried on
// the next sweep.
func (c *Coordinator) refundLockedLegs(ctx context.Context, m *machine.Machine) {
	sw := m.Swap()
	for _, role := range m.LockedLegs() {
		// The destination leg is the resolver's money; they refund it
		// themselves, the monitor picks it up.
		if role == ledger.RoleDestination {
			continue
		}
		leg := sw.Source

		done, err := c.actions.CheckAction(swap.ActionRefund, leg.ID())
		if err != nil {
			c.logger.Error("check refund action", zap.Error(err))
		}
		if done {
			continue
		}
		ref, err := c.adapters[leg.Chain].Refund(ctx, leg)
		if err != nil {
			if errors.Is(err, ledger.ErrNotYetExpired) {
				continue
			}
			if errors.Is(err, ledger.ErrAlreadyClaimed) {
				// The resolver claimed between timeout and refund; the claim
				// event will advance the machine, nothing to return.
				continue
			}
			c.logger.Error("refund failed", zap.Error(err), zap.String("swap", sw.ID), zap.String("role", string(role)))
			continue
		}
		if err := c.actions.StoreAction(swap.ActionRefund, leg.ID()); err != nil {
			c.logger.Error("store refund action", zap.Error(err))
		}
		if err := c.storage.PutSwapTx(sw.ID, swap.ActionRefund, role, ref.TxID); err != nil {
			c.logger.Error("persist refund tx", zap.Error(err))
		}
		c.logger.Info("refund submitted", zap.String("swap", sw.ID), zap.String("role", string(role)), zap.String("tx", ref.TxID))

		role := role
		refCopy := ref
		c.runAsync(func() {
			c.confirmAndAdvance(context.WithoutCancel(ctx), sw, ledger.EventRefund, role, refCopy, nil)
		})
	}
}

// recover reloads non-terminal swaps and open orders after a restart. The
// store gives the last durable state; the ledger stays authoritative, so the
// monitors re-deliver anything that happened while the daemon was down.
func (c *Coordinator) recover(ctx context.Context) error {
	terminal := []string{string(machine.Completed), string(machine.Refunded), string(machine.Flagged)}
	records, err := c.storage.PendingSwaps(terminal)
	if err != nil {
		return err
	}
	for _, rec := range records {
		m, err := c.restoreSwap(ctx, rec)
		if err != nil {
			c.logger.Error("restore swap", zap.Error(err), zap.String("swap", rec.SwapID))
			continue
		}
		sw := m.Swap()
		c.mu.Lock()
		c.machines[sw.ID] = m
		c.mu.Unlock()
		c.startWorker(m)

		c.adapters[sw.Source.Chain].Watch(sw.Source)
		c.adapters[sw.Destination.Chain].Watch(sw.Destination)

		switch m.State() {
		case machine.Created, machine.SourceLocking:
			m := m
			c.runAsync(func() { c.initiate(context.WithoutCancel(ctx), m) })
		case machine.DestinationLocked:
			m := m
			c.runAsync(func() { c.claimDestination(context.WithoutCancel(ctx), m) })
		}
		c.logger.Info("swap restored", zap.String("swap", sw.ID), zap.String("state", string(m.State())))
	}

	// Open orders lost their in-memory secrets with the restart; re-key them
	// and restart their auction round. Swapped rounds are unaffected, the
	// hashlock is pinned per swap at creation.
	orders, err := c.storage.Orders()
	if err != nil {
		return err
	}
	for _, rec := range orders {
		if rec.Status != string(swap.OrderOpen) {
			continue
		}
		order, err := orderFromRecord(rec)
		if err != nil {
			c.logger.Error("restore order", zap.Error(err), zap.String("order", rec.OrderID))
			continue
		}
		secret, hashlock, err := c.secrets.GenerateSecret(order.ID)
		if err != nil {
			c.logger.Error("re-key order", zap.Error(err), zap.String("order", order.ID))
			continue
		}
		now := c.clock.Now()
		st := &orderState{
			order:    order,
			secret:   secret,
			hashlock: hashlock,
			closesAt: now.Add(c.opts.AuctionWindow),
			window:   c.opts.AuctionWindow,
		}
		if _, err := c.auctions.OpenAuction(order.ID, c.auctionParams(st)); err != nil {
			c.logger.Error("reopen auction", zap.Error(err), zap.String("order", order.ID))
			continue
		}
		c.mu.Lock()
		c.orders[order.ID] = st
		c.mu.Unlock()
		c.logger.Info("order restored", zap.String("order", order.ID))
	}
	return nil
}

func (c *Coordinator) restoreSwap(ctx context.Context, rec store.SwapRecord) (*machine.Machine, error) {
	orderRec, err := c.storage.Order(rec.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load order %v: %w", rec.OrderID, err)
	}
	hashlockBytes, err := hex.DecodeString(rec.Hashlock)
	if err != nil || len(hashlockBytes) != 32 {
		return nil, fmt.Errorf("malformed hashlock on swap %v", rec.SwapID)
	}
	var hashlock [32]byte
	copy(hashlock[:], hashlockBytes)

	sourceAmount, err := decimal.NewFromString(rec.SourceAmount)
	if err != nil {
		return nil, fmt.Errorf("malformed source amount: %w", err)
	}
	destAmount, err := decimal.NewFromString(rec.DestAmount)
	if err != nil {
		return nil, fmt.Errorf("malformed destination amount: %w", err)
	}

	sourceChain, destChain := ledger.Chain(rec.SourceChain), ledger.Chain(rec.DestChain)
	if _, ok := c.adapters[sourceChain]; !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedChain, sourceChain)
	}
	if _, ok := c.adapters[destChain]; !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedChain, destChain)
	}

	sw := swap.Swap{
		ID:       rec.SwapID,
		OrderID:  rec.OrderID,
		Round:    rec.Round,
		Hashlock: hashlock,
		Source: ledger.Leg{
			SwapID:           rec.SwapID,
			Chain:            sourceChain,
			Role:             ledger.RoleSource,
			Amount:           sourceAmount,
			Beneficiary:      rec.SourceResolver,
			Refundee:         orderRec.RefundAddress,
			Hashlock:         hashlock,
			TimelockExpiry:   rec.SourceExpiry,
			TimelockBlocks:   timelockBlocks(sourceChain, c.opts.SourceTimelock),
			MinConfirmations: c.minConfirmations(sourceChain),
		},
		Destination: ledger.Leg{
			SwapID:           rec.SwapID,
			Chain:            destChain,
			Role:             ledger.RoleDestination,
			Amount:           destAmount,
			Beneficiary:      rec.DestBeneficiary,
			Refundee:         rec.SourceResolver,
			Hashlock:         hashlock,
			TimelockExpiry:   rec.DestExpiry,
			TimelockBlocks:   timelockBlocks(destChain, c.opts.DestTimelock),
			MinConfirmations: c.minConfirmations(destChain),
		},
		CreatedAt: rec.CreatedAt,
		Deadline:  rec.Deadline,
	}

	var secret []byte
	if rec.Secret != "" {
		secret, err = hex.DecodeString(rec.Secret)
		if err != nil {
			return nil, fmt.Errorf("malformed secret on swap %v", rec.SwapID)
		}
		if len(secret) == 32 {
			var imported [32]byte
			copy(imported[:], secret)
			if err := c.secrets.Import(rec.OrderID, imported); err != nil && !errors.Is(err, vault.ErrSecretExists) {
				c.logger.Error("import recovered secret", zap.Error(err), zap.String("order", rec.OrderID))
			}
		}
	}

	state := machine.State(rec.State)
	// Restore treats the persisted secret as revealed only past the reveal.
	var revealed []byte
	if state == machine.SecretRevealed || state == machine.Completed {
		revealed = secret
	}

	// The ledgers are authoritative for what is still locked. TimedOut and
	// Refunding in particular cannot derive their unrefunded legs from the
	// state alone, and a machine restored without them would skip the legs
	// on refund.
	var locked []ledger.Role
	for _, leg := range []ledger.Leg{sw.Source, sw.Destination} {
		status, err := c.adapters[leg.Chain].QueryStatus(ctx, leg)
		if err != nil {
			c.logger.Warn("query leg status on restore",
				zap.Error(err), zap.String("swap", sw.ID), zap.String("role", string(leg.Role)))
			continue
		}
		if status == ledger.LegLocked {
			locked = append(locked, leg.Role)
		}
	}
	return machine.Restore(c.logger, clockAdapter{c.clock}, sw, state, revealed, locked...), nil
}

func orderFromRecord(rec store.OrderRecord) (swap.Order, error) {
	makerAmount, err := decimal.NewFromString(rec.MakerAmount)
	if err != nil {
		return swap.Order{}, fmt.Errorf("malformed maker amount: %w", err)
	}
	minDest, err := decimal.NewFromString(rec.MinDestAmount)
	if err != nil {
		return swap.Order{}, fmt.Errorf("malformed min destination amount: %w", err)
	}
	remaining, err := decimal.NewFromString(rec.RemainingAmount)
	if err != nil {
		return swap.Order{}, fmt.Errorf("malformed remaining amount: %w", err)
	}
	return swap.Order{
		ID:                rec.OrderID,
		Maker:             rec.Maker,
		SourceChain:       ledger.Chain(rec.SourceChain),
		DestinationChain:  ledger.Chain(rec.DestinationChain),
		MakerAmount:       makerAmount,
		MinDestAmount:     minDest,
		ReceiveAddress:    rec.ReceiveAddress,
		RefundAddress:     rec.RefundAddress,
		AllowPartialFills: rec.AllowPartialFills,
		RemainingAmount:   remaining,
		Deadline:          rec.Deadline,
		CreatedAt:         rec.CreatedAt,
		Status:            swap.OrderStatus(rec.Status),
	}, nil
}

func (c *Coordinator) flag(m *machine.Machine, note string) {
	sw := m.Swap()
	from := m.State()
	state := m.Flag(note)
	if state == machine.Flagged {
		c.persistState(sw.ID, from, state, note)
		c.stopWorker(sw.ID)
	}
}

func (c *Coordinator) persistState(swapID string, from, to machine.State, note string) {
	if err := c.storage.LogTransition("swap", swapID, string(from), string(to), note); err != nil {
		c.logger.Error("log transition", zap.Error(err), zap.String("swap", swapID))
	}
	if err := c.storage.UpdateSwapState(swapID, string(to), note); err != nil {
		c.logger.Error("persist swap state", zap.Error(err), zap.String("swap", swapID))
	}
}

// withRetry re-runs fn with doubling intervals while it fails transiently.
// Validation and rejection errors surface immediately.
func (c *Coordinator) withRetry(ctx context.Context, fn func() error) error {
	interval := c.opts.RetryInterval
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !ledger.IsTransient(err) {
			return err
		}
		if attempt >= c.opts.RetryLimit {
			return fmt.Errorf("gave up after %v attempts: %w", attempt, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		interval *= 2
	}
}

func (c *Coordinator) runAsync(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// SwapState reports the current machine state, falling back to the store for
// swaps not resident in memory.
func (c *Coordinator) SwapState(swapID string) (machine.State, error) {
	c.mu.Lock()
	m, ok := c.machines[swapID]
	c.mu.Unlock()
	if ok {
		return m.State(), nil
	}
	rec, err := c.storage.Swap(swapID)
	if err != nil {
		return "", err
	}
	return machine.State(rec.State), nil
}

// Order returns the in-memory order when resident, otherwise the stored one.
func (c *Coordinator) Order(orderID string) (swap.Order, error) {
	c.mu.Lock()
	st, ok := c.orders[orderID]
	c.mu.Unlock()
	if ok {
		return st.order, nil
	}
	rec, err := c.storage.Order(orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return swap.Order{}, fmt.Errorf("%w: %v", ErrOrderNotFound, orderID)
		}
		return swap.Order{}, err
	}
	return orderFromRecord(rec)
}

// clockAdapter bridges the coordinator clock to the machine's Clock.
type clockAdapter struct {
	clock Clock
}

func (a clockAdapter) Now() time.Time { return a.clock.Now() }
