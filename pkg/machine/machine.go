package machine

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fusionbridge/fusiond/pkg/ledger"
	"github.com/fusionbridge/fusiond/pkg/swap"
	"go.uber.org/zap"
)

type State string

const (
	Created            State = "created"
	SourceLocking      State = "source_locking"
	SourceLocked       State = "source_locked"
	DestinationLocking State = "destination_locking"
	DestinationLocked  State = "destination_locked"
	SecretRevealed     State = "secret_revealed"
	Completed          State = "completed"
	TimedOut           State = "timed_out"
	Refunding          State = "refunding"
	Refunded           State = "refunded"
	Flagged            State = "flagged"
)

// Terminal reports whether a swap in this state never transitions further.
func (s State) Terminal() bool {
	switch s {
	case Completed, Refunded, Flagged:
		return true
	default:
		return false
	}
}

var (
	// ErrIllegalTransition is returned when an event matches no edge from the
	// current state. Duplicate and out-of-order events are expected from
	// polling monitors, so callers log it rather than treat it as fatal.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrBadSecret is returned when a revealed secret does not hash to the
	// swap's hashlock. The event causes no state change.
	ErrBadSecret = errors.New("revealed secret does not match hashlock")
)

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Machine owns the lifecycle of one atomic swap across both legs. Advance is
// the sole mutator; all methods are safe for concurrent use although the
// coordinator serializes events per swap.
type Machine struct {
	mu     sync.Mutex
	logger *zap.Logger
	clock  Clock

	swap     swap.Swap
	state    State
	secret   []byte
	locked   map[ledger.Role]bool
	refunded map[ledger.Role]bool
	flagNote string
}

func New(logger *zap.Logger, clock Clock, s swap.Swap) *Machine {
	return &Machine{
		logger:   logger.With(zap.String("swap", s.ID)),
		clock:    clock,
		swap:     s,
		state:    Created,
		locked:   map[ledger.Role]bool{},
		refunded: map[ledger.Role]bool{},
	}
}

// Restore rebuilds a machine at a known state, used on crash recovery. The
// ledger remains the source of truth: locked carries the legs the caller
// found still locked on their ledgers, which TimedOut and Refunding need
// since the state alone no longer implies them.
func Restore(logger *zap.Logger, clock Clock, s swap.Swap, state State, secret []byte, locked ...ledger.Role) *Machine {
	m := New(logger, clock, s)
	m.state = state
	m.secret = secret
	switch state {
	case SourceLocked, DestinationLocking:
		m.locked[ledger.RoleSource] = true
	case DestinationLocked, SecretRevealed, Completed:
		m.locked[ledger.RoleSource] = true
		m.locked[ledger.RoleDestination] = true
	}
	for _, role := range locked {
		m.locked[role] = true
	}
	return m
}

func (m *Machine) Swap() swap.Swap {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.swap
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Secret returns the revealed secret, nil before SecretRevealed.
func (m *Machine) Secret() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secret
}

func (m *Machine) FlagNote() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flagNote
}

// MarkLocking records that a lock transaction is being submitted for the
// given leg role. It only moves forward, re-submissions are no-ops.
func (m *Machine) MarkLocking(role ledger.Role) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case role == ledger.RoleSource && m.state == Created:
		return m.transition(SourceLocking), nil
	case role == ledger.RoleDestination && m.state == SourceLocked:
		return m.transition(DestinationLocking), nil
	case m.state == SourceLocking || m.state == DestinationLocking:
		return m.state, nil
	default:
		return m.state, fmt.Errorf("%w: locking %v from %v", ErrIllegalTransition, role, m.state)
	}
}

// Advance applies one normalized ledger event. Ordering guards: a destination
// lock is only legal once the source lock confirmed, and a source claim is
// only legal once the secret was revealed on the destination.
func (m *Machine) Advance(ev ledger.Event) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Terminal() {
		return m.state, fmt.Errorf("%w: %v event on terminal state %v", ErrIllegalTransition, ev.Type, m.state)
	}

	switch ev.Type {
	case ledger.EventLock:
		return m.lockConfirmed(ev)
	case ledger.EventSecretRevealed:
		return m.secretObserved(ev)
	case ledger.EventClaim:
		if ev.Role == ledger.RoleDestination {
			// The maker's destination claim is what reveals the secret.
			return m.secretObserved(ev)
		}
		return m.sourceClaimed(ev)
	case ledger.EventRefund:
		return m.refundConfirmed(ev)
	default:
		return m.state, fmt.Errorf("%w: unknown event type %v", ErrIllegalTransition, ev.Type)
	}
}

func (m *Machine) lockConfirmed(ev ledger.Event) (State, error) {
	switch ev.Role {
	case ledger.RoleSource:
		if m.state != Created && m.state != SourceLocking {
			return m.state, fmt.Errorf("%w: source lock in %v", ErrIllegalTransition, m.state)
		}
		m.locked[ledger.RoleSource] = true
		return m.transition(SourceLocked), nil
	case ledger.RoleDestination:
		if m.state != SourceLocked && m.state != DestinationLocking {
			return m.state, fmt.Errorf("%w: destination lock in %v", ErrIllegalTransition, m.state)
		}
		m.locked[ledger.RoleDestination] = true
		return m.transition(DestinationLocked), nil
	default:
		return m.state, fmt.Errorf("%w: lock event without role", ErrIllegalTransition)
	}
}

func (m *Machine) secretObserved(ev ledger.Event) (State, error) {
	if m.state != DestinationLocked {
		return m.state, fmt.Errorf("%w: secret observed in %v", ErrIllegalTransition, m.state)
	}
	if len(ev.Secret) == 0 {
		return m.state, fmt.Errorf("%w: claim event carries no secret", ErrIllegalTransition)
	}
	if sha256.Sum256(ev.Secret) != m.swap.Hashlock {
		return m.state, ErrBadSecret
	}
	m.secret = ev.Secret
	return m.transition(SecretRevealed), nil
}

func (m *Machine) sourceClaimed(ev ledger.Event) (State, error) {
	if m.state != SecretRevealed {
		return m.state, fmt.Errorf("%w: source claim in %v", ErrIllegalTransition, m.state)
	}
	if len(ev.Secret) != 0 && sha256.Sum256(ev.Secret) != m.swap.Hashlock {
		return m.state, ErrBadSecret
	}
	return m.transition(Completed), nil
}

func (m *Machine) refundConfirmed(ev ledger.Event) (State, error) {
	if m.state != TimedOut && m.state != Refunding {
		return m.state, fmt.Errorf("%w: refund in %v", ErrIllegalTransition, m.state)
	}
	m.refunded[ev.Role] = true
	for role, locked := range m.locked {
		if locked && !m.refunded[role] {
			return m.transition(Refunding), nil
		}
	}
	return m.transition(Refunded), nil
}

// Deadline returns the wall-clock deadline of the current state. Reaching
// DestinationLocked gets the first half of the source timelock; past that the
// swap is refunded early enough that the maker never races the expiry.
func (m *Machine) Deadline() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deadline()
}

func (m *Machine) deadline() time.Time {
	switch m.state {
	case Created, SourceLocking:
		return m.swap.Deadline
	case SourceLocked, DestinationLocking:
		half := m.swap.Source.TimelockExpiry.Sub(m.swap.CreatedAt) / 2
		return m.swap.CreatedAt.Add(half)
	case DestinationLocked:
		return m.swap.Destination.TimelockExpiry
	case SecretRevealed:
		return m.swap.Source.TimelockExpiry
	default:
		return time.Time{}
	}
}

// CheckTimeout moves the swap to TimedOut when the current state's deadline
// passed. This is the only place wall-clock time enters the model.
func (m *Machine) CheckTimeout() (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Terminal() || m.state == TimedOut || m.state == Refunding || m.state == SecretRevealed {
		return m.state, false
	}
	deadline := m.deadline()
	if deadline.IsZero() || m.clock.Now().Before(deadline) {
		return m.state, false
	}
	return m.transition(TimedOut), true
}

// LockedLegs returns the roles of legs confirmed locked and not yet refunded,
// i.e. the legs a refund must still cover.
func (m *Machine) LockedLegs() []ledger.Role {
	m.mu.Lock()
	defer m.mu.Unlock()

	roles := make([]ledger.Role, 0, 2)
	for _, role := range []ledger.Role{ledger.RoleSource, ledger.RoleDestination} {
		if m.locked[role] && !m.refunded[role] {
			roles = append(roles, role)
		}
	}
	return roles
}

// BeginRefund moves a timed out swap into Refunding. A swap with no locked
// legs has nothing to return and goes straight to Refunded.
func (m *Machine) BeginRefund() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != TimedOut {
		return m.state, fmt.Errorf("%w: refund from %v", ErrIllegalTransition, m.state)
	}
	for role, locked := range m.locked {
		if locked && !m.refunded[role] {
			return m.transition(Refunding), nil
		}
	}
	return m.transition(Refunded), nil
}

// Flag freezes the swap pending manual review. Used on invariant violations,
// which may indicate a malicious counterparty or a race.
func (m *Machine) Flag(note string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Terminal() {
		return m.state
	}
	m.flagNote = note
	m.logger.Error("swap flagged", zap.String("note", note), zap.String("state", string(m.state)))
	return m.transition(Flagged)
}

func (m *Machine) transition(next State) State {
	if next != m.state {
		m.logger.Debug("transition", zap.String("from", string(m.state)), zap.String("to", string(next)))
		m.state = next
	}
	return m.state
}
