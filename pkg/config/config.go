// Package config defines the top-level configuration for the fusiond daemon
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fusionbridge/fusiond/pkg/ledger"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by FUSIOND_* environment
// variables.
type Config struct {
	EVM      EVMConfig     `toml:"evm"`
	BTC      BTCConfig     `toml:"btc"`
	Store    StoreConfig   `toml:"store"`
	Redis    RedisConfig   `toml:"redis"`
	Auction  AuctionConfig `toml:"auction"`
	Swap     SwapConfig    `toml:"swap"`
	Server   ServerConfig  `toml:"server"`
	LogLevel string        `toml:"log_level"`
}

// EVMConfig holds the evm leg's chain endpoint and signing key.
type EVMConfig struct {
	Chain      string `toml:"chain"`
	URL        string `toml:"url"`
	BridgeAddr string `toml:"bridge_addr"`
	Key        string `toml:"key"`
}

// BTCConfig holds the bitcoin leg's indexer endpoint and signing key.
type BTCConfig struct {
	Chain      string `toml:"chain"`
	IndexerURL string `toml:"indexer_url"`
	Key        string `toml:"key"`
}

// StoreConfig holds the sqlite database location.
type StoreConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds the optional redis endpoint backing the action dedupe
// store and the resolver registry. Empty URL keeps both in process memory.
type RedisConfig struct {
	URL string `toml:"url"`
}

// AuctionConfig holds bidding window parameters and the resolver allowlist
// used when no redis registry is configured.
type AuctionConfig struct {
	Window    duration `toml:"window"`
	Resolvers []string `toml:"resolvers"`
}

// SwapConfig holds the timelock layout of created swaps.
type SwapConfig struct {
	SourceTimelock      duration       `toml:"source_timelock"`
	DestTimelock        duration       `toml:"dest_timelock"`
	SafetyMargin        duration       `toml:"safety_margin"`
	InitiateDeadline    duration       `toml:"initiate_deadline"`
	ConfirmationTimeout duration       `toml:"confirmation_timeout"`
	SweepInterval       duration       `toml:"sweep_interval"`
	RetryInterval       duration       `toml:"retry_interval"`
	RetryLimit          int            `toml:"retry_limit"`
	MinConfirmations    map[string]int `toml:"min_confirmations"`
}

// ServerConfig holds the JSON-RPC server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	User        string   `toml:"user"`
	Password    string   `toml:"password"`
	CORSOrigins []string `toml:"cors_origins"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		EVM: EVMConfig{
			Chain: string(ledger.EthereumSepolia),
		},
		BTC: BTCConfig{
			Chain: string(ledger.BitcoinTestnet),
		},
		Store: StoreConfig{
			Path: "fusiond.db",
		},
		Auction: AuctionConfig{
			Window: duration{5 * time.Minute},
		},
		Swap: SwapConfig{
			SourceTimelock:      duration{12 * time.Hour},
			DestTimelock:        duration{6 * time.Hour},
			SafetyMargin:        duration{time.Hour},
			InitiateDeadline:    duration{30 * time.Minute},
			ConfirmationTimeout: duration{15 * time.Minute},
			SweepInterval:       duration{10 * time.Second},
			RetryInterval:       duration{5 * time.Second},
			RetryLimit:          5,
			MinConfirmations:    map[string]int{},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if !ledger.Chain(c.EVM.Chain).IsEVM() {
		errs = append(errs, fmt.Sprintf("evm: chain %q is not an evm chain", c.EVM.Chain))
	}
	if c.EVM.URL == "" {
		errs = append(errs, "evm: url must not be empty")
	}
	if c.EVM.BridgeAddr == "" {
		errs = append(errs, "evm: bridge_addr must not be empty")
	}
	if c.EVM.Key == "" {
		errs = append(errs, "evm: key must not be empty")
	}

	if !ledger.Chain(c.BTC.Chain).IsBTC() {
		errs = append(errs, fmt.Sprintf("btc: chain %q is not a bitcoin chain", c.BTC.Chain))
	}
	if c.BTC.IndexerURL == "" {
		errs = append(errs, "btc: indexer_url must not be empty")
	}
	if c.BTC.Key == "" {
		errs = append(errs, "btc: key must not be empty")
	}

	if c.Store.Path == "" {
		errs = append(errs, "store: path must not be empty")
	}

	if c.Auction.Window.Duration <= 0 {
		errs = append(errs, "auction: window must be positive")
	}
	if c.Redis.URL == "" && len(c.Auction.Resolvers) == 0 {
		errs = append(errs, "auction: resolvers allowlist is required without a redis registry")
	}

	if c.Swap.SafetyMargin.Duration <= 0 {
		errs = append(errs, "swap: safety_margin must be positive")
	}
	if c.Swap.DestTimelock.Duration+c.Swap.SafetyMargin.Duration > c.Swap.SourceTimelock.Duration {
		errs = append(errs, "swap: dest_timelock + safety_margin must not exceed source_timelock")
	}
	if c.Swap.RetryLimit < 1 {
		errs = append(errs, "swap: retry_limit must be >= 1")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.User == "" || c.Server.Password == "" {
			errs = append(errs, "server: user and password are required when the server is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
