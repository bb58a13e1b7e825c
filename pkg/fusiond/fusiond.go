// Package fusiond wires configuration into a running swap coordination
// daemon: chain adapters, durable store, auction engine, coordinator and the
// rpc surface.
package fusiond

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/catalogfi/blockchain/btc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/fusionbridge/fusiond/pkg/auction"
	"github.com/fusionbridge/fusiond/pkg/config"
	"github.com/fusionbridge/fusiond/pkg/coordinator"
	"github.com/fusionbridge/fusiond/pkg/ledger"
	btcledger "github.com/fusionbridge/fusiond/pkg/ledger/btc"
	"github.com/fusionbridge/fusiond/pkg/ledger/evm"
	"github.com/fusionbridge/fusiond/pkg/machine"
	"github.com/fusionbridge/fusiond/pkg/store"
	"github.com/fusionbridge/fusiond/pkg/vault"
	"github.com/fusionbridge/fusiond/rpc"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/sqlite"
)

type Daemon struct {
	logger      *zap.Logger
	coordinator *coordinator.Coordinator
	server      *rpc.Server
}

func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	// Decode keys
	evmKeyBytes, err := hex.DecodeString(cfg.EVM.Key)
	if err != nil {
		return nil, fmt.Errorf("decode evm key: %w", err)
	}
	evmKey, err := crypto.ToECDSA(evmKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse evm key: %w", err)
	}
	btcKeyBytes, err := hex.DecodeString(cfg.BTC.Key)
	if err != nil {
		return nil, fmt.Errorf("decode btc key: %w", err)
	}
	btcKey, _ := btcec.PrivKeyFromBytes(btcKeyBytes)

	// Chain adapters
	ethClient, err := ethclient.Dial(cfg.EVM.URL)
	if err != nil {
		return nil, fmt.Errorf("dial evm node: %w", err)
	}
	evmChain := ledger.Chain(cfg.EVM.Chain)
	evmAdapter, err := evm.New(logger, evm.NewOptions(evmChain, common.HexToAddress(cfg.EVM.BridgeAddr)), ethClient, evmKey)
	if err != nil {
		return nil, fmt.Errorf("evm adapter: %w", err)
	}

	btcChain := ledger.Chain(cfg.BTC.Chain)
	indexer := btc.NewElectrsIndexerClient(logger, cfg.BTC.IndexerURL, btc.DefaultRetryInterval)
	estimator := btc.NewMempoolFeeEstimator(btcChain.Params(), btc.MempoolFeeAPI, btc.DefaultRetryInterval)
	btcAdapter, err := btcledger.New(logger, btcledger.NewOptions(btcChain), indexer, btcKey, estimator)
	if err != nil {
		return nil, fmt.Errorf("btc adapter: %w", err)
	}

	// Durable state
	storage, err := store.New(sqlite.Open(cfg.Store.Path))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// Auction engine with either a redis-backed resolver registry or the
	// static allowlist from config.
	var authorizer auction.Authorizer
	var actions coordinator.ActionStore
	if cfg.Redis.URL != "" {
		authorizer, err = auction.NewRedisAuthorizer(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("resolver registry: %w", err)
		}
		actions, err = coordinator.NewRedisActionStore(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("action store: %w", err)
		}
	} else {
		authorizer = auction.NewStaticAuthorizer(cfg.Auction.Resolvers)
		actions = coordinator.NewInMemActionStore()
	}
	engine := auction.NewEngine(logger, machine.SystemClock{}, authorizer)

	opts := coordinator.NewOptions()
	opts.SourceTimelock = cfg.Swap.SourceTimelock.Duration
	opts.DestTimelock = cfg.Swap.DestTimelock.Duration
	opts.SafetyMargin = cfg.Swap.SafetyMargin.Duration
	opts.AuctionWindow = cfg.Auction.Window.Duration
	opts.InitiateDeadline = cfg.Swap.InitiateDeadline.Duration
	opts.ConfirmationTimeout = cfg.Swap.ConfirmationTimeout.Duration
	opts.SweepInterval = cfg.Swap.SweepInterval.Duration
	opts.RetryInterval = cfg.Swap.RetryInterval.Duration
	opts.RetryLimit = cfg.Swap.RetryLimit
	for chain, conf := range cfg.Swap.MinConfirmations {
		opts.MinConfirmations[ledger.Chain(chain)] = uint64(conf)
	}

	coord, err := coordinator.New(logger, opts, storage, vault.New(), engine, actions, []ledger.Adapter{evmAdapter, btcAdapter})
	if err != nil {
		return nil, err
	}

	daemon := &Daemon{logger: logger, coordinator: coord}
	if cfg.Server.Enabled {
		server, err := rpc.NewServer(logger, rpc.Options{
			Port:        cfg.Server.Port,
			User:        cfg.Server.User,
			Password:    cfg.Server.Password,
			CORSOrigins: cfg.Server.CORSOrigins,
		}, coord, storage)
		if err != nil {
			return nil, err
		}
		daemon.server = server
	}
	return daemon, nil
}

// Run blocks until ctx is cancelled or a component fails.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.logger.Sync() //nolint:errcheck

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.coordinator.Start(ctx)
	})
	if d.server != nil {
		g.Go(func() error {
			return d.server.Run(ctx)
		})
	}
	return g.Wait()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
