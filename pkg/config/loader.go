package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FUSIOND_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FUSIOND_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject keys at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.EVM.Chain, "FUSIOND_EVM_CHAIN")
	setStr(&cfg.EVM.URL, "FUSIOND_EVM_URL")
	setStr(&cfg.EVM.BridgeAddr, "FUSIOND_EVM_BRIDGE_ADDR")
	setStr(&cfg.EVM.Key, "FUSIOND_EVM_KEY")

	setStr(&cfg.BTC.Chain, "FUSIOND_BTC_CHAIN")
	setStr(&cfg.BTC.IndexerURL, "FUSIOND_BTC_INDEXER_URL")
	setStr(&cfg.BTC.Key, "FUSIOND_BTC_KEY")

	setStr(&cfg.Store.Path, "FUSIOND_STORE_PATH")
	setStr(&cfg.Redis.URL, "FUSIOND_REDIS_URL")

	setDuration(&cfg.Auction.Window, "FUSIOND_AUCTION_WINDOW")
	setStringSlice(&cfg.Auction.Resolvers, "FUSIOND_AUCTION_RESOLVERS")

	setDuration(&cfg.Swap.SourceTimelock, "FUSIOND_SWAP_SOURCE_TIMELOCK")
	setDuration(&cfg.Swap.DestTimelock, "FUSIOND_SWAP_DEST_TIMELOCK")
	setDuration(&cfg.Swap.SafetyMargin, "FUSIOND_SWAP_SAFETY_MARGIN")
	setDuration(&cfg.Swap.InitiateDeadline, "FUSIOND_SWAP_INITIATE_DEADLINE")
	setDuration(&cfg.Swap.ConfirmationTimeout, "FUSIOND_SWAP_CONFIRMATION_TIMEOUT")
	setDuration(&cfg.Swap.SweepInterval, "FUSIOND_SWAP_SWEEP_INTERVAL")
	setDuration(&cfg.Swap.RetryInterval, "FUSIOND_SWAP_RETRY_INTERVAL")
	setInt(&cfg.Swap.RetryLimit, "FUSIOND_SWAP_RETRY_LIMIT")

	setBool(&cfg.Server.Enabled, "FUSIOND_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "FUSIOND_SERVER_PORT")
	setStr(&cfg.Server.User, "FUSIOND_SERVER_USER")
	setStr(&cfg.Server.Password, "FUSIOND_SERVER_PASSWORD")
	setStringSlice(&cfg.Server.CORSOrigins, "FUSIOND_SERVER_CORS_ORIGINS")

	setStr(&cfg.LogLevel, "FUSIOND_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
