package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"sync"
)

var (
	ErrNotFound        = errors.New("no secret generated for order")
	ErrAlreadyConsumed = errors.New("secret already consumed")
	ErrSecretExists    = errors.New("secret already generated for order")
	ErrHashlockReused  = errors.New("hashlock already used by another order")
)

// Vault generates and retains swap secrets. A secret is written once at order
// creation and owned exclusively by the maker side until revealed on chain.
type Vault interface {
	// GenerateSecret produces 32 bytes of cryptographically secure randomness
	// and its sha256 commitment, retaining the secret under orderID. A
	// hashlock is never reused across orders.
	GenerateSecret(orderID string) (secret [32]byte, hashlock [32]byte, err error)

	// Import stores an externally generated secret, used when recovering a
	// swap whose secret was observed on chain.
	Import(orderID string, secret [32]byte) error

	// RevealSecret returns the held secret. The first successful call is the
	// canonical reveal event; subsequent calls keep returning the secret
	// until Consume invalidates it.
	RevealSecret(orderID string) ([32]byte, error)

	// Revealed reports whether RevealSecret has been called for the order.
	Revealed(orderID string) bool

	// Hashlock returns the commitment for the order's secret.
	Hashlock(orderID string) ([32]byte, error)

	// Consume invalidates the secret so further reveals fail.
	Consume(orderID string) error
}

// Verify reports whether sha256(secret) equals hashlock. Pure, no side
// effects.
func Verify(secret [32]byte, hashlock [32]byte) bool {
	return sha256.Sum256(secret[:]) == hashlock
}

type entry struct {
	secret   [32]byte
	hashlock [32]byte
	revealed bool
	consumed bool
}

type vault struct {
	mu        sync.Mutex
	entries   map[string]*entry
	hashlocks map[[32]byte]string
}

func New() Vault {
	return &vault{
		entries:   map[string]*entry{},
		hashlocks: map[[32]byte]string{},
	}
}

func (v *vault) GenerateSecret(orderID string) ([32]byte, [32]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.entries[orderID]; ok {
		return [32]byte{}, [32]byte{}, ErrSecretExists
	}

	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	hashlock := sha256.Sum256(secret[:])
	if _, ok := v.hashlocks[hashlock]; ok {
		// 256-bit collision from a secure source, treat as reuse.
		return [32]byte{}, [32]byte{}, ErrHashlockReused
	}

	v.entries[orderID] = &entry{secret: secret, hashlock: hashlock}
	v.hashlocks[hashlock] = orderID
	return secret, hashlock, nil
}

func (v *vault) Import(orderID string, secret [32]byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.entries[orderID]; ok {
		return ErrSecretExists
	}
	hashlock := sha256.Sum256(secret[:])
	if owner, ok := v.hashlocks[hashlock]; ok && owner != orderID {
		return ErrHashlockReused
	}

	v.entries[orderID] = &entry{secret: secret, hashlock: hashlock}
	v.hashlocks[hashlock] = orderID
	return nil
}

func (v *vault) RevealSecret(orderID string) ([32]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.entries[orderID]
	if !ok {
		return [32]byte{}, ErrNotFound
	}
	if e.consumed {
		return [32]byte{}, ErrAlreadyConsumed
	}
	e.revealed = true
	return e.secret, nil
}

func (v *vault) Revealed(orderID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.entries[orderID]
	return ok && e.revealed
}

func (v *vault) Hashlock(orderID string) ([32]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.entries[orderID]
	if !ok {
		return [32]byte{}, ErrNotFound
	}
	return e.hashlock, nil
}

func (v *vault) Consume(orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.entries[orderID]
	if !ok {
		return ErrNotFound
	}
	if e.consumed {
		return ErrAlreadyConsumed
	}
	e.consumed = true
	return nil
}
