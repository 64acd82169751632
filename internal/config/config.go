package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/0xmhha/indexer-go/internal/constants"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the indexer
type Config struct {
	Chains   []ChainConfig  `yaml:"chains"`
	Database DatabaseConfig `yaml:"database"`
	Staging  StagingConfig  `yaml:"staging"`
	Log      LogConfig      `yaml:"log"`
	Engine   EngineConfig   `yaml:"engine"`
	API      APIConfig      `yaml:"api"`
}

// ChainConfig defines a single chain's RPC endpoint and sync window
type ChainConfig struct {
	// ID is a human-readable name for this chain instance
	ID string `yaml:"id"`
	// RPCEndpoint is the HTTP(S) JSON-RPC endpoint URL
	RPCEndpoint string `yaml:"rpc_endpoint"`
	// ChainID is the numeric chain ID used to key engine state and storage
	ChainID uint64 `yaml:"chain_id"`
	// StartHeight is the block height to start indexing from
	StartHeight uint64 `yaml:"start_height"`
	// Enabled indicates whether this chain should be listened to
	Enabled bool `yaml:"enabled"`
	// RPCTimeout is the timeout for a single RPC call against this chain
	RPCTimeout time.Duration `yaml:"rpc_timeout,omitempty"`
}

// DatabaseConfig holds the document store configuration
type DatabaseConfig struct {
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"readonly"`
}

// StagingConfig holds the on-disk staging cache configuration
type StagingConfig struct {
	// Root is the directory staged block/receipt files are written under
	Root string `yaml:"root"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig holds dispatcher and migration engine tuning
type EngineConfig struct {
	// Concurrency is stored on engine.State and reported in its status
	// snapshot; the dispatcher processes one block at a time regardless
	Concurrency int `yaml:"concurrency"`
	// BlockTimeout is the per-block processing timeout raced against
	// staged reads (floored at 10s, see queue.Dispatcher)
	BlockTimeout time.Duration `yaml:"block_timeout"`
	// ReadOnly makes the document store skip durable writes; its hot cache
	// still updates
	ReadOnly bool `yaml:"read_only"`
	// NewDB makes the document store skip reads that would fall through to
	// disk (keyed __meta__ reads still read through); nothing is wiped
	NewDB bool `yaml:"new_db"`
	// WarmDB makes the document store serve keyed non-__meta__ reads from
	// its hot cache only
	WarmDB bool `yaml:"warm_db"`
	// Cleanup removes staged files once a block has been processed
	Cleanup bool `yaml:"cleanup"`
	// Silent is copied into engine.Flags; no code reads it there, so it
	// does not suppress any logging
	Silent bool `yaml:"silent"`
	// CollectBlocks is copied into engine.Flags; no code reads it there,
	// and no raw block documents are persisted
	CollectBlocks bool `yaml:"collect_blocks"`
	// CollectTxReceipts is copied into engine.Flags; no code reads it
	// there, and no raw receipt documents are persisted
	CollectTxReceipts bool `yaml:"collect_tx_receipts"`
}

// APIConfig holds the optional status/metrics HTTP server configuration
type APIConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	EnableCORS     bool     `yaml:"enable_cors"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	for i := range c.Chains {
		if c.Chains[i].RPCTimeout == 0 {
			c.Chains[i].RPCTimeout = constants.DefaultQueryTimeout
		}
	}

	if c.Staging.Root == "" {
		c.Staging.Root = "./staging"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Engine.Concurrency == 0 {
		c.Engine.Concurrency = constants.DefaultNumWorkers
	}
	if c.Engine.BlockTimeout == 0 {
		c.Engine.BlockTimeout = 30 * time.Second
	}

	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 9090
	}
	if c.API.AllowedOrigins == nil {
		c.API.AllowedOrigins = []string{"*"}
	}
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over file configuration, and only
// apply to the single-chain case: multi-chain setups belong in the file.
func (c *Config) LoadFromEnv() error {
	if endpoint := os.Getenv("INDEXER_RPC_ENDPOINT"); endpoint != "" {
		if len(c.Chains) == 0 {
			c.Chains = append(c.Chains, ChainConfig{ID: "default", Enabled: true})
		}
		c.Chains[0].RPCEndpoint = endpoint
	}
	if chainID := os.Getenv("INDEXER_CHAIN_ID"); chainID != "" && len(c.Chains) > 0 {
		val, err := strconv.ParseUint(chainID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_CHAIN_ID: %w", err)
		}
		c.Chains[0].ChainID = val
	}
	if startHeight := os.Getenv("INDEXER_START_HEIGHT"); startHeight != "" && len(c.Chains) > 0 {
		val, err := strconv.ParseUint(startHeight, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_START_HEIGHT: %w", err)
		}
		c.Chains[0].StartHeight = val
	}

	if path := os.Getenv("INDEXER_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if readonly := os.Getenv("INDEXER_DB_READONLY"); readonly != "" {
		val, err := strconv.ParseBool(readonly)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_DB_READONLY: %w", err)
		}
		c.Database.ReadOnly = val
	}

	if root := os.Getenv("INDEXER_STAGING_ROOT"); root != "" {
		c.Staging.Root = root
	}

	if level := os.Getenv("INDEXER_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("INDEXER_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	if concurrency := os.Getenv("INDEXER_CONCURRENCY"); concurrency != "" {
		val, err := strconv.Atoi(concurrency)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_CONCURRENCY: %w", err)
		}
		c.Engine.Concurrency = val
	}
	if timeout := os.Getenv("INDEXER_BLOCK_TIMEOUT"); timeout != "" {
		val, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_BLOCK_TIMEOUT: %w", err)
		}
		c.Engine.BlockTimeout = val
	}

	if enabled := os.Getenv("INDEXER_API_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_API_ENABLED: %w", err)
		}
		c.API.Enabled = val
	}
	if host := os.Getenv("INDEXER_API_HOST"); host != "" {
		c.API.Host = host
	}
	if port := os.Getenv("INDEXER_API_PORT"); port != "" {
		val, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_API_PORT: %w", err)
		}
		c.API.Port = val
	}
	if allowedOrigins := os.Getenv("INDEXER_API_CORS_ALLOWED_ORIGINS"); allowedOrigins != "" {
		origins := make([]string, 0)
		for _, origin := range strings.Split(allowedOrigins, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				origins = append(origins, origin)
			}
		}
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		c.API.AllowedOrigins = origins
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	seen := make(map[uint64]bool, len(c.Chains))
	for _, chain := range c.Chains {
		if chain.RPCEndpoint == "" {
			return fmt.Errorf("chain %q: rpc endpoint is required", chain.ID)
		}
		if chain.RPCTimeout <= 0 {
			return fmt.Errorf("chain %q: rpc timeout must be positive", chain.ID)
		}
		if seen[chain.ChainID] {
			return fmt.Errorf("chain id %d configured more than once", chain.ChainID)
		}
		seen[chain.ChainID] = true
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Staging.Root == "" {
		return fmt.Errorf("staging root is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}
	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	if c.Engine.Concurrency <= 0 {
		return fmt.Errorf("engine concurrency must be positive")
	}
	if c.Engine.BlockTimeout <= 0 {
		return fmt.Errorf("engine block timeout must be positive")
	}

	return nil
}

// Load is a convenience method that loads configuration in the following order:
// 1. Set defaults
// 2. Load from file (if provided)
// 3. Load from environment variables (override file)
// 4. Set defaults again for anything still missing
// 5. Validate
func Load(configFile string) (*Config, error) {
	cfg := NewConfig()

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
