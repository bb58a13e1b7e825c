// Package btc implements the ledger adapter for bitcoin chains. Funds are
// locked under a P2WSH HTLC script; the secret is extracted from the spender
// witness of the claim transaction.
package btc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/waddrmgr"
	"github.com/catalogfi/blockchain/btc"
	"github.com/fusionbridge/fusiond/pkg/ledger"
	"go.uber.org/zap"
)

// Claim witness layout: [sig, pubkey, secret, 0x1, script]. Refund omits the
// secret and the selector, so the lengths identify the spend path.
const (
	claimWitnessLen  = 5
	refundWitnessLen = 4
)

type Options struct {
	Chain        ledger.Chain
	Network      *chaincfg.Params
	AddressType  waddrmgr.AddressType
	PollInterval time.Duration
}

func NewOptions(chain ledger.Chain) Options {
	return Options{
		Chain:        chain,
		Network:      chain.Params(),
		AddressType:  waddrmgr.WitnessPubKey,
		PollInterval: 30 * time.Second,
	}
}

type htlc struct {
	leg     ledger.Leg
	script  []byte
	address btcutil.Address
}

type Adapter struct {
	mu           sync.Mutex
	logger       *zap.Logger
	opts         Options
	client       btc.IndexerClient
	feeEstimator btc.FeeEstimator
	key          *btcec.PrivateKey
	address      btcutil.Address
	watched      map[string]htlc
	locked       map[string]ledger.TxRef
}

func New(logger *zap.Logger, opts Options, client btc.IndexerClient, key *btcec.PrivateKey, estimator btc.FeeEstimator) (*Adapter, error) {
	addr, err := btc.PublicKeyAddress(opts.Network, opts.AddressType, key.PubKey())
	if err != nil {
		return nil, fmt.Errorf("fail to parse wallet address, %v", err)
	}
	return &Adapter{
		logger:       logger.With(zap.String("chain", string(opts.Chain))),
		opts:         opts,
		client:       client,
		feeEstimator: estimator,
		key:          key,
		address:      addr,
		watched:      map[string]htlc{},
		locked:       map[string]ledger.TxRef{},
	}, nil
}

func (a *Adapter) Chain() ledger.Chain {
	return a.opts.Chain
}

// buildHTLC derives the swap script and P2WSH address from the leg. The
// relative timelock in blocks comes from the leg so retries rebuild the
// identical script.
func (a *Adapter) buildHTLC(leg ledger.Leg) (htlc, error) {
	if leg.TimelockBlocks == 0 {
		return htlc{}, ledger.NewError(ledger.KindValidation, "buildHTLC",
			fmt.Errorf("%w: missing timelock blocks", ledger.ErrInvalidParameters))
	}
	refundee, err := btcutil.DecodeAddress(leg.Refundee, a.opts.Network)
	if err != nil {
		return htlc{}, ledger.NewError(ledger.KindValidation, "buildHTLC",
			fmt.Errorf("%w: refundee address: %v", ledger.ErrInvalidParameters, err))
	}
	beneficiary, err := btcutil.DecodeAddress(leg.Beneficiary, a.opts.Network)
	if err != nil {
		return htlc{}, ledger.NewError(ledger.KindValidation, "buildHTLC",
			fmt.Errorf("%w: beneficiary address: %v", ledger.ErrInvalidParameters, err))
	}

	script, err := btc.HtlcScript(refundee.ScriptAddress(), beneficiary.ScriptAddress(), leg.Hashlock[:], int64(leg.TimelockBlocks))
	if err != nil {
		return htlc{}, err
	}
	addr, err := btc.P2wshAddress(script, a.opts.Network)
	if err != nil {
		return htlc{}, err
	}
	return htlc{leg: leg, script: script, address: addr}, nil
}

func (a *Adapter) Lock(ctx context.Context, leg ledger.Leg) (ledger.TxRef, error) {
	a.mu.Lock()
	if ref, ok := a.locked[leg.ID()]; ok {
		a.mu.Unlock()
		return ref, nil
	}
	a.mu.Unlock()

	h, err := a.buildHTLC(leg)
	if err != nil {
		return ledger.TxRef{}, err
	}

	// If the swap address is already funded a previous submission made it
	// through; do not double lock.
	funded, _, err := a.funded(ctx, h)
	if err != nil {
		return ledger.TxRef{}, ledger.NewError(ledger.KindTransient, "lock", err)
	}
	if funded {
		ref := ledger.TxRef{Chain: a.opts.Chain}
		a.remember(leg, ref)
		return ref, nil
	}

	utxos, err := a.client.GetUTXOs(ctx, a.address)
	if err != nil {
		return ledger.TxRef{}, ledger.NewError(ledger.KindTransient, "lock", err)
	}
	feeRate, err := a.feeRate()
	if err != nil {
		return ledger.TxRef{}, ledger.NewError(ledger.KindTransient, "lock", err)
	}

	amount := leg.Amount.IntPart()
	recipients := []btc.Recipient{
		{
			To:     h.address.EncodeAddress(),
			Amount: amount,
		},
	}
	fromScript, err := txscript.PayToAddrScript(a.address)
	if err != nil {
		return ledger.TxRef{}, ledger.NewError(ledger.KindValidation, "lock", err)
	}
	tx, err := btc.BuildTransaction(a.opts.Network, feeRate, btc.NewRawInputs(), utxos, btc.P2wpkhUpdater, recipients, a.address)
	if err != nil {
		if err == btc.ErrTxInputsMissingOrSpent {
			return ledger.TxRef{}, ledger.NewError(ledger.KindValidation, "lock", ledger.ErrInsufficientFunds)
		}
		return ledger.TxRef{}, ledger.NewError(ledger.KindTransient, "lock", err)
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, utxo := range utxos {
		hash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return ledger.TxRef{}, ledger.NewError(ledger.KindValidation, "lock", err)
		}
		fetcher.AddPrevOut(wire.OutPoint{
			Hash:  *hash,
			Index: utxo.Vout,
		}, wire.NewTxOut(utxo.Amount, fromScript))
	}
	for i := range tx.TxIn {
		sigHashes := txscript.NewTxSigHashes(tx, fetcher)
		txOut := fetcher.FetchPrevOutput(tx.TxIn[i].PreviousOutPoint)
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, txOut.Value, fromScript, txscript.SigHashAll, a.key, true)
		if err != nil {
			return ledger.TxRef{}, ledger.NewError(ledger.KindValidation, "lock", err)
		}
		tx.TxIn[i].Witness = witness
	}

	if err := a.client.SubmitTx(ctx, tx); err != nil {
		return ledger.TxRef{}, ledger.NewError(ledger.KindTransient, "lock", err)
	}
	ref := ledger.TxRef{Chain: a.opts.Chain, TxID: tx.TxHash().String()}
	a.remember(leg, ref)
	a.logger.Info("lock submitted", zap.String("swap", leg.SwapID), zap.String("tx", ref.TxID))
	return ref, nil
}

func (a *Adapter) Claim(ctx context.Context, leg ledger.Leg, secret []byte) (ledger.TxRef, error) {
	if sha256.Sum256(secret) != leg.Hashlock {
		return ledger.TxRef{}, ledger.NewError(ledger.KindValidation, "claim", ledger.ErrBadSecret)
	}
	h, err := a.buildHTLC(leg)
	if err != nil {
		return ledger.TxRef{}, err
	}

	utxos, err := a.client.GetUTXOs(ctx, h.address)
	if err != nil {
		return ledger.TxRef{}, ledger.NewError(ledger.KindTransient, "claim", err)
	}
	if len(utxos) == 0 {
		status, serr := a.spendStatus(ctx, h)
		if serr == nil && status == ledger.LegClaimed {
			return ledger.TxRef{}, ledger.NewError(ledger.KindRejection, "claim", ledger.ErrAlreadyClaimed)
		}
		if serr == nil && status == ledger.LegRefunded {
			return ledger.TxRef{}, ledger.NewError(ledger.KindRejection, "claim", ledger.ErrAlreadyRefunded)
		}
		return ledger.TxRef{}, ledger.NewError(ledger.KindRejection, "claim",
			fmt.Errorf("%w: swap not funded", ledger.ErrLedgerRejected))
	}

	rawInputs := btc.RawInputs{
		VIN:        utxos,
		BaseSize:   0,
		SegwitSize: len(utxos) * btc.RedeemHtlcRedeemSigScriptSize(len(secret)),
	}
	recipients := []btc.Recipient{
		{
			To:     leg.Beneficiary,
			Amount: 0,
		},
	}
	feeRate, err := a.feeRate()
	if err != nil {
		return ledger.TxRef{}, ledger.NewError(ledger.KindTransient, "claim", err)
	}
	tx, err := btc.BuildTransaction(a.opts.Network, feeRate, rawInputs, nil, nil, recipients, nil)
	if err != nil {
		return ledger.TxRef{}, ledger.NewError(ledger.KindTransient, "claim", err)
	}

	if err := a.signHtlcInputs(tx, h, utxos, secret); err != nil {
		return ledger.TxRef{}, err
	}
	if err := a.client.SubmitTx(ctx, tx); err != nil {
		return ledger.TxRef{}, ledger.NewError(ledger.KindTransient, "claim", err)
	}
	ref := ledger.TxRef{Chain: a.opts.Chain, TxID: tx.TxHash().String()}
	a.logger.Info("claim submitted", zap.String("swap", leg.SwapID), zap.String("tx", ref.TxID))
	return ref, nil
}

func (a *Adapter) Refund(ctx context.Context, leg ledger.Leg) (ledger.TxRef, error) {
	h, err := a.buildHTLC(leg)
	if err != nil {
		return ledger.TxRef{}, err
	}

	// The relative timelock needs this many blocks on top of the funding
	// confirmation before the refund path is spendable.
	expired, err := a.expired(ctx, h)
	if err != nil {
		return ledger.TxRef{}, ledger.NewError(ledger.KindTransient, "refund", err)
	}
	if !expired {
		return ledger.TxRef{}, ledger.NewError(ledger.KindRejection, "refund", ledger.ErrNotYetExpired)
	}

	utxos, err := a.client.GetUTXOs(ctx, h.address)
	if err != nil {
		return ledger.TxRef{}, ledger.NewError(ledger.KindTransient, "refund", err)
	}
	if len(utxos) == 0 {
		status, serr := a.spendStatus(ctx, h)
		if serr == nil && status == ledger.LegClaimed {
			return ledger.TxRef{}, ledger.NewError(ledger.KindRejection, "refund", ledger.ErrAlreadyClaimed)
		}
		return ledger.TxRef{}, ledger.NewError(ledger.KindRejection, "refund", ledger.ErrAlreadyRefunded)
	}

	rawInputs := btc.RawInputs{
		VIN:        utxos,
		BaseSize:   0,
		SegwitSize: len(utxos) * btc.RedeemHtlcRefundSigScriptSize,
	}
	recipients := []btc.Recipient{
		{
			To:     leg.Refundee,
			Amount: 0,
		},
	}
	feeRate, err := a.feeRate()
	if err != nil {
		return ledger.TxRef{}, ledger.NewError(ledger.KindTransient, "refund", err)
	}
	tx, err := btc.BuildTransaction(a.opts.Network, feeRate, rawInputs, nil, nil, recipients, nil)
	if err != nil {
		return ledger.TxRef{}, ledger.NewError(ledger.KindTransient, "refund", err)
	}
	for i := range tx.TxIn {
		tx.TxIn[i].Sequence = uint32(leg.TimelockBlocks)
	}

	if err := a.signHtlcInputs(tx, h, utxos, nil); err != nil {
		return ledger.TxRef{}, err
	}
	if err := a.client.SubmitTx(ctx, tx); err != nil {
		return ledger.TxRef{}, ledger.NewError(ledger.KindTransient, "refund", err)
	}
	ref := ledger.TxRef{Chain: a.opts.Chain, TxID: tx.TxHash().String()}
	a.logger.Info("refund submitted", zap.String("swap", leg.SwapID), zap.String("tx", ref.TxID))
	return ref, nil
}

func (a *Adapter) signHtlcInputs(tx *wire.MsgTx, h htlc, utxos []btc.UTXO, secret []byte) error {
	fromScript, err := txscript.PayToAddrScript(h.address)
	if err != nil {
		return ledger.NewError(ledger.KindValidation, "sign", err)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, utxo := range utxos {
		hash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return ledger.NewError(ledger.KindValidation, "sign", err)
		}
		fetcher.AddPrevOut(wire.OutPoint{
			Hash:  *hash,
			Index: utxo.Vout,
		}, wire.NewTxOut(utxo.Amount, fromScript))
	}
	for i := range tx.TxIn {
		txOut := fetcher.FetchPrevOutput(tx.TxIn[i].PreviousOutPoint)
		sig, err := txscript.RawTxInWitnessSignature(tx, txscript.NewTxSigHashes(tx, fetcher), i, txOut.Value, h.script, txscript.SigHashAll, a.key)
		if err != nil {
			return ledger.NewError(ledger.KindValidation, "sign", err)
		}
		tx.TxIn[i].Witness = btc.HtlcWitness(h.script, a.key.PubKey().SerializeCompressed(), sig, secret)
	}
	return nil
}

func (a *Adapter) QueryStatus(ctx context.Context, leg ledger.Leg) (ledger.LegStatus, error) {
	h, err := a.buildHTLC(leg)
	if err != nil {
		return ledger.LegNone, err
	}
	funded, _, err := a.funded(ctx, h)
	if err != nil {
		return ledger.LegNone, ledger.NewError(ledger.KindTransient, "queryStatus", err)
	}
	if funded {
		return ledger.LegLocked, nil
	}
	status, err := a.spendStatus(ctx, h)
	if err != nil {
		return ledger.LegNone, ledger.NewError(ledger.KindTransient, "queryStatus", err)
	}
	return status, nil
}

func (a *Adapter) WaitForConfirmation(ctx context.Context, ref ledger.TxRef, minConf uint64) (ledger.Confirmation, error) {
	if ref.TxID == "" {
		return ledger.Confirmed, nil
	}
	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	for {
		tx, err := a.client.GetTx(ctx, ref.TxID)
		if err == nil && tx.Status.Confirmed && tx.Status.BlockHeight != nil {
			tip, err := a.client.GetTipBlockHeight(ctx)
			if err == nil && tip-*tx.Status.BlockHeight+1 >= minConf {
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
	h, err := a.buildHTLC(leg)
	if err != nil {
		a.logger.Error("watch leg", zap.Error(err), zap.String("swap", leg.SwapID))
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.watched[leg.ID()] = h
}

// Subscribe polls watched swap addresses and emits lock events on confirmed
// funding and claim/refund events on spends. The claim witness reveals the
// secret.
func (a *Adapter) Subscribe(ctx context.Context) (<-chan ledger.Event, error) {
	events := make(chan ledger.Event, 128)
	go func() {
		defer close(events)

		ticker := time.NewTicker(a.opts.PollInterval)
		defer ticker.Stop()

		seen := map[string]ledger.LegStatus{}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			a.mu.Lock()
			watched := make([]htlc, 0, len(a.watched))
			for _, h := range a.watched {
				watched = append(watched, h)
			}
			a.mu.Unlock()

			for _, h := range watched {
				ev, status, ok := a.observe(ctx, h, seen[h.leg.ID()])
				if !ok {
					continue
				}
				seen[h.leg.ID()] = status
				events <- ev
			}
		}
	}()
	return events, nil
}

func (a *Adapter) observe(ctx context.Context, h htlc, last ledger.LegStatus) (ledger.Event, ledger.LegStatus, bool) {
	ev := ledger.Event{
		SwapID:     h.leg.SwapID,
		Chain:      a.opts.Chain,
		Role:       h.leg.Role,
		ObservedAt: time.Now(),
	}

	if secret, txID, claimed := a.claimSecret(ctx, h); claimed {
		if last == ledger.LegClaimed {
			return ledger.Event{}, last, false
		}
		ev.Type = ledger.EventClaim
		ev.Secret = secret
		ev.TxRef = ledger.TxRef{Chain: a.opts.Chain, TxID: txID}
		return ev, ledger.LegClaimed, true
	}

	status, err := a.spendStatus(ctx, h)
	if err != nil {
		a.logger.Debug("spend status", zap.Error(err))
		return ledger.Event{}, last, false
	}
	if status == ledger.LegRefunded && last != ledger.LegRefunded {
		ev.Type = ledger.EventRefund
		return ev, ledger.LegRefunded, true
	}

	funded, _, err := a.funded(ctx, h)
	if err != nil {
		a.logger.Debug("funding check", zap.Error(err))
		return ledger.Event{}, last, false
	}
	if funded && last == ledger.LegNone {
		ev.Type = ledger.EventLock
		return ev, ledger.LegLocked, true
	}
	return ledger.Event{}, last, false
}

// funded reports whether the swap address holds enough confirmed value, and
// the height of the last confirming block.
func (a *Adapter) funded(ctx context.Context, h htlc) (bool, uint64, error) {
	utxos, err := a.client.GetUTXOs(ctx, h.address)
	if err != nil {
		return false, 0, fmt.Errorf("failed to get UTXOs: %w", err)
	}
	total, blockHeight := int64(0), uint64(0)
	for _, utxo := range utxos {
		if utxo.Status != nil && utxo.Status.Confirmed {
			total += utxo.Amount
			if utxo.Status.BlockHeight != nil && *utxo.Status.BlockHeight > blockHeight {
				blockHeight = *utxo.Status.BlockHeight
			}
		}
	}
	return total >= h.leg.Amount.IntPart(), blockHeight, nil
}

// claimSecret scans spends of the swap address for the claim witness and
// extracts the revealed secret.
func (a *Adapter) claimSecret(ctx context.Context, h htlc) ([]byte, string, bool) {
	txs, err := a.client.GetAddressTxs(ctx, h.address, "")
	if err != nil {
		a.logger.Debug("address txs", zap.Error(err))
		return nil, "", false
	}
	for _, tx := range txs {
		for _, vin := range tx.VINs {
			if vin.Prevout.ScriptPubKeyAddress != h.address.EncodeAddress() || vin.Witness == nil {
				continue
			}
			if len(*vin.Witness) == claimWitnessLen {
				secretString := (*vin.Witness)[2]
				secretBytes := make([]byte, hex.DecodedLen(len(secretString)))
				if _, err := hex.Decode(secretBytes, []byte(secretString)); err != nil {
					a.logger.Error("malformed claim witness", zap.Error(err), zap.String("tx", tx.TxID))
					continue
				}
				return secretBytes, tx.TxID, true
			}
		}
	}
	return nil, "", false
}

// spendStatus inspects spends of the swap address and classifies the leg.
func (a *Adapter) spendStatus(ctx context.Context, h htlc) (ledger.LegStatus, error) {
	if _, _, claimed := a.claimSecret(ctx, h); claimed {
		return ledger.LegClaimed, nil
	}
	txs, err := a.client.GetAddressTxs(ctx, h.address, "")
	if err != nil {
		return ledger.LegNone, err
	}
	for _, tx := range txs {
		for _, vin := range tx.VINs {
			if vin.Prevout.ScriptPubKeyAddress == h.address.EncodeAddress() && vin.Witness != nil &&
				len(*vin.Witness) == refundWitnessLen {
				return ledger.LegRefunded, nil
			}
		}
	}
	return ledger.LegNone, nil
}

// expired reports whether enough blocks passed since the funding confirmation
// for the refund path to be spendable.
func (a *Adapter) expired(ctx context.Context, h htlc) (bool, error) {
	funded, fundedBlock, err := a.funded(ctx, h)
	if err != nil {
		return false, err
	}
	if !funded {
		return false, fmt.Errorf("swap not funded")
	}
	current, err := a.client.GetTipBlockHeight(ctx)
	if err != nil {
		return false, err
	}
	return current-fundedBlock+1 >= h.leg.TimelockBlocks, nil
}

func (a *Adapter) feeRate() (int, error) {
	feeSuggestion, err := a.feeEstimator.FeeSuggestion()
	if err != nil {
		return 0, err
	}
	return feeSuggestion.High, nil
}

func (a *Adapter) remember(leg ledger.Leg, ref ledger.TxRef) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.locked[leg.ID()] = ref
}

var _ ledger.Adapter = (*Adapter)(nil)
