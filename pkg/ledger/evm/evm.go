// Package evm implements the ledger adapter against the fusion bridge HTLC
// contract deployed on EVM chains.
package evm

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/fusionbridge/fusiond/pkg/ledger"
	"go.uber.org/zap"
)

// bridgeABI is the surface of the FusionBridge HTLC contract. The claimed
// event carries the revealed secret so monitors can extract it from logs.
const bridgeABI = `[
  {"type":"function","name":"lock","stateMutability":"payable","inputs":[
    {"name":"id","type":"bytes32"},
    {"name":"beneficiary","type":"address"},
    {"name":"hashlock","type":"bytes32"},
    {"name":"expiry","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[
    {"name":"id","type":"bytes32"},
    {"name":"secret","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
    {"name":"id","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"locks","stateMutability":"view","inputs":[
    {"name":"id","type":"bytes32"}],"outputs":[
    {"name":"lockedAt","type":"uint256"},
    {"name":"expiry","type":"uint256"},
    {"name":"claimed","type":"bool"},
    {"name":"refunded","type":"bool"}]},
  {"type":"event","name":"Locked","inputs":[
    {"name":"id","type":"bytes32","indexed":true},
    {"name":"hashlock","type":"bytes32","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"Claimed","inputs":[
    {"name":"id","type":"bytes32","indexed":true},
    {"name":"secret","type":"bytes","indexed":false}],"anonymous":false},
  {"type":"event","name":"Refunded","inputs":[
    {"name":"id","type":"bytes32","indexed":true}],"anonymous":false}]`

type Options struct {
	Chain        ledger.Chain
	ChainID      *big.Int
	BridgeAddr   common.Address
	PollInterval time.Duration
}

func NewOptions(chain ledger.Chain, bridgeAddr common.Address) Options {
	var chainID *big.Int
	switch chain {
	case ledger.Ethereum:
		chainID = big.NewInt(1)
	case ledger.EthereumSepolia:
		chainID = big.NewInt(11155111)
	case ledger.EthereumLocalnet:
		chainID = big.NewInt(1337)
	default:
		panic(fmt.Sprintf("unknown evm chain = %v", chain))
	}
	return Options{
		Chain:        chain,
		ChainID:      chainID,
		BridgeAddr:   bridgeAddr,
		PollInterval: 15 * time.Second,
	}
}

type Adapter struct {
	mu      sync.Mutex
	logger  *zap.Logger
	opts    Options
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	abi     abi.ABI
	bridge  *bind.BoundContract
	watched map[[32]byte]ledger.Leg
	locked  map[string]ledger.TxRef
}

func New(logger *zap.Logger, opts Options, client *ethclient.Client, key *ecdsa.PrivateKey) (*Adapter, error) {
	parsed, err := abi.JSON(strings.NewReader(bridgeABI))
	if err != nil {
		return nil, fmt.Errorf("parse bridge abi: %w", err)
	}
	return &Adapter{
		logger:  logger.With(zap.String("chain", string(opts.Chain))),
		opts:    opts,
		client:  client,
		key:     key,
		abi:     parsed,
		bridge:  bind.NewBoundContract(opts.BridgeAddr, parsed, client, client, client),
		watched: map[[32]byte]ledger.Leg{},
		locked:  map[string]ledger.TxRef{},
	}, nil
}

func (a *Adapter) Chain() ledger.Chain {
	return a.opts.Chain
}

// lockID is the contract-side identifier of a leg, derived from the hashlock
// and the swap id the same way the bridge contract derives it.
func lockID(leg ledger.Leg) [32]byte {
	return sha256.Sum256(append(leg.Hashlock[:], []byte(leg.ID())...))
}

func (a *Adapter) Lock(ctx context.Context, leg ledger.Leg) (ledger.TxRef, error) {
	// Dedupe retried locks by the leg id before touching the chain.
	a.mu.Lock()
	if ref, ok := a.locked[leg.ID()]; ok {
		a.mu.Unlock()
		return ref, nil
	}
	a.mu.Unlock()

	id := lockID(leg)
	state, err := a.lockState(ctx, id)
	if err != nil {
		return ledger.TxRef{}, ledger.NewError(ledger.KindTransient, "lock", err)
	}
	if state.LockedAt.Sign() != 0 {
		// Already on chain from a previous run; nothing to resubmit.
		ref := ledger.TxRef{Chain: a.opts.Chain}
		a.remember(leg, ref)
		return ref, nil
	}

	transactor, err := bind.NewKeyedTransactorWithChainID(a.key, a.opts.ChainID)
	if err != nil {
		return ledger.TxRef{}, ledger.NewError(ledger.KindValidation, "lock", err)
	}
	transactor.Context = ctx
	transactor.Value = amountToWei(leg)

	beneficiary := common.HexToAddress(leg.Beneficiary)
	expiry := big.NewInt(leg.TimelockExpiry.Unix())
	tx, err := a.bridge.Transact(transactor, "lock", id, beneficiary, leg.Hashlock, expiry)
	if err != nil {
		return ledger.TxRef{}, classify("lock", err)
	}

	ref := ledger.TxRef{Chain: a.opts.Chain, TxID: tx.Hash().Hex()}
	a.remember(leg, ref)
	a.logger.Info("lock submitted", zap.String("swap", leg.SwapID), zap.String("tx", ref.TxID))
	return ref, nil
}

func (a *Adapter) Claim(ctx context.Context, leg ledger.Leg, secret []byte) (ledger.TxRef, error) {
	if sha256.Sum256(secret) != leg.Hashlock {
		return ledger.TxRef{}, ledger.NewError(ledger.KindValidation, "claim", ledger.ErrBadSecret)
	}
	id := lockID(leg)
	state, err := a.lockState(ctx, id)
	if err != nil {
		return ledger.TxRef{}, ledger.NewError(ledger.KindTransient, "claim", err)
	}
	switch {
	case state.Claimed:
		return ledger.TxRef{}, ledger.NewError(ledger.KindRejection, "claim", ledger.ErrAlreadyClaimed)
	case state.Refunded:
		return ledger.TxRef{}, ledger.NewError(ledger.KindRejection, "claim", ledger.ErrAlreadyRefunded)
	case state.Expiry.Sign() != 0 && time.Now().Unix() > state.Expiry.Int64():
		return ledger.TxRef{}, ledger.NewError(ledger.KindRejection, "claim", ledger.ErrExpired)
	}

	transactor, err := bind.NewKeyedTransactorWithChainID(a.key, a.opts.ChainID)
	if err != nil {
		return ledger.TxRef{}, ledger.NewError(ledger.KindValidation, "claim", err)
	}
	transactor.Context = ctx
	tx, err := a.bridge.Transact(transactor, "claim", id, secret)
	if err != nil {
		return ledger.TxRef{}, classify("claim", err)
	}

	ref := ledger.TxRef{Chain: a.opts.Chain, TxID: tx.Hash().Hex()}
	a.logger.Info("claim submitted", zap.String("swap", leg.SwapID), zap.String("tx", ref.TxID))
	return ref, nil
}

func (a *Adapter) Refund(ctx context.Context, leg ledger.Leg) (ledger.TxRef, error) {
	id := lockID(leg)
	state, err := a.lockState(ctx, id)
	if err != nil {
		return ledger.TxRef{}, ledger.NewError(ledger.KindTransient, "refund", err)
	}
	switch {
	case state.Claimed:
		return ledger.TxRef{}, ledger.NewError(ledger.KindRejection, "refund", ledger.ErrAlreadyClaimed)
	case state.Refunded:
		return ledger.TxRef{}, ledger.NewError(ledger.KindRejection, "refund", ledger.ErrAlreadyRefunded)
	case state.Expiry.Sign() != 0 && time.Now().Unix() <= state.Expiry.Int64():
		return ledger.TxRef{}, ledger.NewError(ledger.KindRejection, "refund", ledger.ErrNotYetExpired)
	}

	transactor, err := bind.NewKeyedTransactorWithChainID(a.key, a.opts.ChainID)
	if err != nil {
		return ledger.TxRef{}, ledger.NewError(ledger.KindValidation, "refund", err)
	}
	transactor.Context = ctx
	tx, err := a.bridge.Transact(transactor, "refund", id)
	if err != nil {
		return ledger.TxRef{}, classify("refund", err)
	}

	ref := ledger.TxRef{Chain: a.opts.Chain, TxID: tx.Hash().Hex()}
	a.logger.Info("refund submitted", zap.String("swap", leg.SwapID), zap.String("tx", ref.TxID))
	return ref, nil
}

func (a *Adapter) QueryStatus(ctx context.Context, leg ledger.Leg) (ledger.LegStatus, error) {
	state, err := a.lockState(ctx, lockID(leg))
	if err != nil {
		return ledger.LegNone, ledger.NewError(ledger.KindTransient, "queryStatus", err)
	}
	switch {
	case state.Claimed:
		return ledger.LegClaimed, nil
	case state.Refunded:
		return ledger.LegRefunded, nil
	case state.LockedAt.Sign() != 0:
		return ledger.LegLocked, nil
	default:
		return ledger.LegNone, nil
	}
}

func (a *Adapter) WaitForConfirmation(ctx context.Context, ref ledger.TxRef, minConf uint64) (ledger.Confirmation, error) {
	if ref.TxID == "" {
		return ledger.Confirmed, nil
	}
	hash := common.HexToHash(ref.TxID)
	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := a.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return ledger.Pending, ledger.NewError(ledger.KindRejection, "waitForConfirmation", ledger.ErrLedgerRejected)
			}
			head, err := a.client.BlockNumber(ctx)
			if err == nil && head-receipt.BlockNumber.Uint64()+1 >= minConf {
				return ledger.Confirmed, nil
			}
		}
		select {
		case <-ctx.Done():
			return ledger.Pending, nil
		case <-ticker.C:
		}
	}
}

func (a *Adapter) Watch(leg ledger.Leg) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.watched[lockID(leg)] = leg
}

// Subscribe polls the bridge contract's logs and delivers normalized events
// for watched legs. The Claimed log carries the revealed secret.
func (a *Adapter) Subscribe(ctx context.Context) (<-chan ledger.Event, error) {
	events := make(chan ledger.Event, 128)
	go func() {
		defer close(events)

		ticker := time.NewTicker(a.opts.PollInterval)
		defer ticker.Stop()

		var lastBlock uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			head, err := a.client.BlockNumber(ctx)
			if err != nil {
				a.logger.Debug("head fetch failed", zap.Error(err))
				continue
			}
			if lastBlock == 0 {
				// First tick, scan a recent window only.
				if head > 1000 {
					lastBlock = head - 1000
				}
			}
			if head <= lastBlock {
				continue
			}

			logs, err := a.client.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(lastBlock + 1),
				ToBlock:   new(big.Int).SetUint64(head),
				Addresses: []common.Address{a.opts.BridgeAddr},
			})
			if err != nil {
				a.logger.Debug("log fetch failed", zap.Error(err))
				continue
			}
			for _, l := range logs {
				if ev, ok := a.parseLog(l); ok {
					events <- ev
				}
			}
			lastBlock = head
		}
	}()
	return events, nil
}

func (a *Adapter) parseLog(l types.Log) (ledger.Event, bool) {
	if len(l.Topics) < 2 {
		return ledger.Event{}, false
	}
	eventABI, err := a.abi.EventByID(l.Topics[0])
	if err != nil {
		return ledger.Event{}, false
	}

	var id [32]byte
	copy(id[:], l.Topics[1].Bytes())
	a.mu.Lock()
	leg, ok := a.watched[id]
	a.mu.Unlock()
	if !ok {
		return ledger.Event{}, false
	}

	ev := ledger.Event{
		SwapID:     leg.SwapID,
		Chain:      a.opts.Chain,
		Role:       leg.Role,
		TxRef:      ledger.TxRef{Chain: a.opts.Chain, TxID: l.TxHash.Hex()},
		ObservedAt: time.Now(),
	}
	switch eventABI.Name {
	case "Locked":
		ev.Type = ledger.EventLock
	case "Claimed":
		ev.Type = ledger.EventClaim
		unpacked, err := a.abi.Unpack("Claimed", l.Data)
		if err != nil || len(unpacked) == 0 {
			a.logger.Error("claimed log missing secret", zap.Error(err), zap.String("tx", l.TxHash.Hex()))
			return ledger.Event{}, false
		}
		secret, ok := unpacked[0].([]byte)
		if !ok {
			a.logger.Error("claimed log secret has wrong type", zap.String("tx", l.TxHash.Hex()))
			return ledger.Event{}, false
		}
		ev.Secret = secret
	case "Refunded":
		ev.Type = ledger.EventRefund
	default:
		return ledger.Event{}, false
	}
	return ev, true
}

type lockView struct {
	LockedAt *big.Int
	Expiry   *big.Int
	Claimed  bool
	Refunded bool
}

func (a *Adapter) lockState(ctx context.Context, id [32]byte) (lockView, error) {
	var out []interface{}
	if err := a.bridge.Call(&bind.CallOpts{Context: ctx}, &out, "locks", id); err != nil {
		return lockView{}, fmt.Errorf("query lock state: %w", err)
	}
	if len(out) != 4 {
		return lockView{}, fmt.Errorf("unexpected lock state shape")
	}
	return lockView{
		LockedAt: out[0].(*big.Int),
		Expiry:   out[1].(*big.Int),
		Claimed:  out[2].(bool),
		Refunded: out[3].(bool),
	}, nil
}

func (a *Adapter) remember(leg ledger.Leg, ref ledger.TxRef) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.locked[leg.ID()] = ref
}

func amountToWei(leg ledger.Leg) *big.Int {
	return leg.Amount.BigInt()
}

// classify maps go-ethereum errors onto the adapter error taxonomy. Reverts
// are rejections; everything else is assumed transient and retried.
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return ledger.NewError(ledger.KindValidation, op, fmt.Errorf("%w: %v", ledger.ErrInsufficientFunds, err))
	case strings.Contains(msg, "execution reverted"):
		return ledger.NewError(ledger.KindRejection, op, fmt.Errorf("%w: %v", ledger.ErrLedgerRejected, err))
	default:
		return ledger.NewError(ledger.KindTransient, op, err)
	}
}

var _ ledger.Adapter = (*Adapter)(nil)
