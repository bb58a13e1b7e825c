package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type Chain string

const (
	Ethereum         Chain = "ethereum"
	EthereumSepolia  Chain = "ethereum_sepolia"
	EthereumLocalnet Chain = "ethereum_localnet"
	Bitcoin          Chain = "bitcoin"
	BitcoinTestnet   Chain = "bitcoin_testnet"
	BitcoinRegtest   Chain = "bitcoin_regtest"
)

func (chain Chain) IsEVM() bool {
	switch chain {
	case Ethereum, EthereumSepolia, EthereumLocalnet:
		return true
	default:
		return false
	}
}

func (chain Chain) IsBTC() bool {
	switch chain {
	case Bitcoin, BitcoinTestnet, BitcoinRegtest:
		return true
	default:
		return false
	}
}

// Params returns the network params of a bitcoin chain. It panics on non-btc
// chains since the caller is expected to check the chain family first.
func (chain Chain) Params() *chaincfg.Params {
	switch chain {
	case Bitcoin:
		return &chaincfg.MainNetParams
	case BitcoinTestnet:
		return &chaincfg.TestNet3Params
	case BitcoinRegtest:
		return &chaincfg.RegressionNetParams
	default:
		panic(fmt.Sprintf("not a bitcoin chain = %v", chain))
	}
}

// ValidateAddress checks that address is well formed for the chain family.
func ValidateAddress(chain Chain, address string) error {
	switch {
	case chain.IsEVM():
		if !common.IsHexAddress(address) {
			return fmt.Errorf("invalid evm (%v) address: %v", chain, address)
		}
		return nil
	case chain.IsBTC():
		_, err := btcutil.DecodeAddress(address, chain.Params())
		return err
	default:
		return fmt.Errorf("unknown chain: %v", chain)
	}
}

type Role string

const (
	RoleSource      Role = "source"
	RoleDestination Role = "destination"
)

type LegStatus string

const (
	LegNone     LegStatus = "none"
	LegLocked   LegStatus = "locked"
	LegClaimed  LegStatus = "claimed"
	LegRefunded LegStatus = "refunded"
)

// Leg is the lock-claim-refund lifecycle of funds on one single chain within
// a two-chain swap. The same Leg value is passed to every adapter call for
// that chain, so adapters can dedupe retried calls by the (SwapID, Role) pair.
type Leg struct {
	SwapID           string
	Chain            Chain
	Role             Role
	Amount           decimal.Decimal
	Beneficiary      string
	Refundee         string
	Hashlock         [32]byte
	TimelockExpiry   time.Time
	// TimelockBlocks is the relative timelock encoding used by utxo chains.
	// It must encode the same deadline as TimelockExpiry.
	TimelockBlocks   uint64
	MinConfirmations uint64
}

// ID uniquely identifies a leg across both chains of a swap.
func (leg Leg) ID() string {
	return fmt.Sprintf("%v-%v", leg.SwapID, leg.Role)
}

type TxRef struct {
	Chain Chain  `json:"chain"`
	TxID  string `json:"txId"`
}

type Confirmation int

const (
	// Pending means the confirmation threshold was not reached before the
	// caller's deadline. It is not an error, the caller decides whether to
	// keep waiting.
	Pending Confirmation = iota
	Confirmed
)

type EventType string

const (
	EventLock           EventType = "lock"
	EventClaim          EventType = "claim"
	EventRefund         EventType = "refund"
	EventSecretRevealed EventType = "secretRevealed"
)

// Event is a normalized ledger event fed to the coordinator. Secret is only
// set for claim/secretRevealed events.
type Event struct {
	Type       EventType
	SwapID     string
	Chain      Chain
	Role       Role
	TxRef      TxRef
	Secret     []byte
	ObservedAt time.Time
}

// Adapter abstracts the HTLC operations of one chain. Implementations map
// each call to an underlying ledger transaction and must make Lock idempotent
// under retries, deduping by the leg id.
type Adapter interface {
	Chain() Chain

	// Lock commits funds under the leg's hashlock and timelock expiry.
	Lock(ctx context.Context, leg Leg) (TxRef, error)

	// Claim sweeps locked funds to the beneficiary by revealing the secret.
	Claim(ctx context.Context, leg Leg, secret []byte) (TxRef, error)

	// Refund returns locked funds to the refundee after the timelock expires.
	Refund(ctx context.Context, leg Leg) (TxRef, error)

	// QueryStatus is best-effort, a recently submitted tx may not be visible.
	QueryStatus(ctx context.Context, leg Leg) (LegStatus, error)

	// WaitForConfirmation blocks until the tx reaches minConf confirmations
	// or ctx expires, in which case it returns Pending, not an error.
	WaitForConfirmation(ctx context.Context, ref TxRef, minConf uint64) (Confirmation, error)

	// Subscribe delivers normalized events for all legs previously passed to
	// Watch. The channel is closed when ctx is cancelled.
	Subscribe(ctx context.Context) (<-chan Event, error)

	// Watch registers a leg for event monitoring.
	Watch(leg Leg)
}
