// Package mock implements an in-memory ledger adapter with the same
// contract as the chain-backed adapters. It is used by the test suites and
// the localnet mode of the daemon.
package mock

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/fusionbridge/fusiond/pkg/ledger"
	"github.com/google/uuid"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type lockState struct {
	leg      ledger.Leg
	txRef    ledger.TxRef
	claimed  bool
	refunded bool
	secret   []byte
}

type failure struct {
	op  string
	err error
}

// Ledger is a single-chain in-memory HTLC ledger. Operations are atomic under
// one mutex; events fan out to every subscriber.
type Ledger struct {
	mu          sync.Mutex
	chain       ledger.Chain
	clock       Clock
	locks       map[string]*lockState
	subscribers []chan ledger.Event
	failures    []failure
	held        map[string]bool
}

func New(chain ledger.Chain) *Ledger {
	return NewWithClock(chain, systemClock{})
}

func NewWithClock(chain ledger.Chain, clock Clock) *Ledger {
	return &Ledger{
		chain: chain,
		clock: clock,
		locks: map[string]*lockState{},
		held:  map[string]bool{},
	}
}

func (l *Ledger) Chain() ledger.Chain {
	return l.chain
}

// FailNext makes the next call of the given op ("lock", "claim", "refund")
// return err, simulating a transient or rejected transaction.
func (l *Ledger) FailNext(op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, failure{op: op, err: err})
}

func (l *Ledger) takeFailure(op string) error {
	for i, f := range l.failures {
		if f.op == op {
			l.failures = append(l.failures[:i], l.failures[i+1:]...)
			return f.err
		}
	}
	return nil
}

func (l *Ledger) Lock(_ context.Context, leg ledger.Leg) (ledger.TxRef, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.takeFailure("lock"); err != nil {
		return ledger.TxRef{}, err
	}
	if leg.Chain != l.chain {
		return ledger.TxRef{}, ledger.NewError(ledger.KindValidation, "lock",
			fmt.Errorf("%w: leg chain %v", ledger.ErrInvalidParameters, leg.Chain))
	}
	if !leg.Amount.IsPositive() {
		return ledger.TxRef{}, ledger.NewError(ledger.KindValidation, "lock",
			fmt.Errorf("%w: non-positive amount", ledger.ErrInvalidParameters))
	}

	// Retried lock with the identical leg returns the original tx.
	if existing, ok := l.locks[leg.ID()]; ok {
		return existing.txRef, nil
	}
	// At most one non-terminal leg per hashlock on a chain.
	for _, state := range l.locks {
		if state.leg.Hashlock == leg.Hashlock && !state.claimed && !state.refunded {
			return ledger.TxRef{}, ledger.NewError(ledger.KindValidation, "lock",
				fmt.Errorf("%w: hashlock already locked on %v", ledger.ErrInvalidParameters, l.chain))
		}
	}

	state := &lockState{
		leg:   leg,
		txRef: ledger.TxRef{Chain: l.chain, TxID: uuid.NewString()},
	}
	l.locks[leg.ID()] = state
	l.emit(ledger.Event{
		Type:       ledger.EventLock,
		SwapID:     leg.SwapID,
		Chain:      l.chain,
		Role:       leg.Role,
		TxRef:      state.txRef,
		ObservedAt: l.clock.Now(),
	})
	return state.txRef, nil
}

func (l *Ledger) Claim(_ context.Context, leg ledger.Leg, secret []byte) (ledger.TxRef, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.takeFailure("claim"); err != nil {
		return ledger.TxRef{}, err
	}
	state, ok := l.locks[leg.ID()]
	if !ok {
		return ledger.TxRef{}, ledger.NewError(ledger.KindRejection, "claim",
			fmt.Errorf("%w: leg not locked", ledger.ErrLedgerRejected))
	}
	if state.claimed {
		return ledger.TxRef{}, ledger.NewError(ledger.KindRejection, "claim", ledger.ErrAlreadyClaimed)
	}
	if state.refunded {
		return ledger.TxRef{}, ledger.NewError(ledger.KindRejection, "claim", ledger.ErrAlreadyRefunded)
	}
	if l.clock.Now().After(state.leg.TimelockExpiry) {
		return ledger.TxRef{}, ledger.NewError(ledger.KindRejection, "claim", ledger.ErrExpired)
	}
	if sha256.Sum256(secret) != state.leg.Hashlock {
		return ledger.TxRef{}, ledger.NewError(ledger.KindValidation, "claim", ledger.ErrBadSecret)
	}

	state.claimed = true
	state.secret = append([]byte(nil), secret...)
	ref := ledger.TxRef{Chain: l.chain, TxID: uuid.NewString()}
	l.emit(ledger.Event{
		Type:       ledger.EventClaim,
		SwapID:     leg.SwapID,
		Chain:      l.chain,
		Role:       leg.Role,
		TxRef:      ref,
		Secret:     state.secret,
		ObservedAt: l.clock.Now(),
	})
	return ref, nil
}

func (l *Ledger) Refund(_ context.Context, leg ledger.Leg) (ledger.TxRef, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.takeFailure("refund"); err != nil {
		return ledger.TxRef{}, err
	}
	state, ok := l.locks[leg.ID()]
	if !ok {
		return ledger.TxRef{}, ledger.NewError(ledger.KindRejection, "refund",
			fmt.Errorf("%w: leg not locked", ledger.ErrLedgerRejected))
	}
	if state.claimed {
		return ledger.TxRef{}, ledger.NewError(ledger.KindRejection, "refund", ledger.ErrAlreadyClaimed)
	}
	if state.refunded {
		return ledger.TxRef{}, ledger.NewError(ledger.KindRejection, "refund", ledger.ErrAlreadyRefunded)
	}
	if l.clock.Now().Before(state.leg.TimelockExpiry) {
		return ledger.TxRef{}, ledger.NewError(ledger.KindRejection, "refund", ledger.ErrNotYetExpired)
	}

	state.refunded = true
	ref := ledger.TxRef{Chain: l.chain, TxID: uuid.NewString()}
	l.emit(ledger.Event{
		Type:       ledger.EventRefund,
		SwapID:     leg.SwapID,
		Chain:      l.chain,
		Role:       leg.Role,
		TxRef:      ref,
		ObservedAt: l.clock.Now(),
	})
	return ref, nil
}

func (l *Ledger) QueryStatus(_ context.Context, leg ledger.Leg) (ledger.LegStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.locks[leg.ID()]
	switch {
	case !ok:
		return ledger.LegNone, nil
	case state.claimed:
		return ledger.LegClaimed, nil
	case state.refunded:
		return ledger.LegRefunded, nil
	default:
		return ledger.LegLocked, nil
	}
}

// Hold makes WaitForConfirmation report the tx as pending until Release.
func (l *Ledger) Hold(txID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[txID] = true
}

func (l *Ledger) Release(txID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, txID)
}

func (l *Ledger) WaitForConfirmation(ctx context.Context, ref ledger.TxRef, _ uint64) (ledger.Confirmation, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		l.mu.Lock()
		held := l.held[ref.TxID]
		l.mu.Unlock()
		if !held {
			return ledger.Confirmed, nil
		}
		select {
		case <-ctx.Done():
			return ledger.Pending, nil
		case <-ticker.C:
		}
	}
}

func (l *Ledger) Watch(ledger.Leg) {}

func (l *Ledger) Subscribe(ctx context.Context) (<-chan ledger.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make(chan ledger.Event, 128)
	l.subscribers = append(l.subscribers, events)
	go func() {
		<-ctx.Done()
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, sub := range l.subscribers {
			if sub == events {
				l.subscribers = append(l.subscribers[:i], l.subscribers[i+1:]...)
				close(events)
				return
			}
		}
	}()
	return events, nil
}

// Secret returns the secret revealed by a claim on the given leg, used by
// tests to assert secret extraction.
func (l *Ledger) Secret(leg ledger.Leg) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	if state, ok := l.locks[leg.ID()]; ok {
		return state.secret
	}
	return nil
}

func (l *Ledger) emit(ev ledger.Event) {
	for _, sub := range l.subscribers {
		select {
		case sub <- ev:
		default:
			// Slow subscriber, drop rather than block the ledger. The
			// timeout sweep refunds any swap a dropped event stalls, and
			// restart recovery re-queries leg status.
		}
	}
}

var _ ledger.Adapter = (*Ledger)(nil)
