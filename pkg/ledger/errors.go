package ledger

import (
	"errors"
	"fmt"
)

// Kind classifies an adapter error for the coordinator's retry policy.
type Kind int

const (
	KindUnknown Kind = iota

	// KindValidation means bad input, reject immediately, never retry.
	KindValidation

	// KindTransient means an RPC/network failure, retry with backoff.
	KindTransient

	// KindRejection means the ledger reverted, not retryable with the same
	// parameters, surfaced to the caller.
	KindRejection
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrLedgerRejected    = errors.New("ledger rejected")
	ErrBadSecret         = errors.New("secret does not match hashlock")
	ErrExpired           = errors.New("timelock expired")
	ErrAlreadyClaimed    = errors.New("already claimed")
	ErrNotYetExpired     = errors.New("timelock not yet expired")
	ErrAlreadyRefunded   = errors.New("already refunded")
)

// Error wraps an underlying adapter failure with its classification and the
// operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err. Wrapped *Error values carry their
// own kind, known sentinels are mapped, anything else defaults to transient
// so the coordinator retries rather than drops.
func KindOf(err error) Kind {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Kind
	}
	switch {
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInvalidParameters),
		errors.Is(err, ErrBadSecret),
		errors.Is(err, ErrNotYetExpired):
		return KindValidation
	case errors.Is(err, ErrLedgerRejected),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrAlreadyClaimed),
		errors.Is(err, ErrAlreadyRefunded):
		return KindRejection
	case err != nil:
		return KindTransient
	default:
		return KindUnknown
	}
}

func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
