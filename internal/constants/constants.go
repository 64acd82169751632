package constants

import "time"

// API Server Constants. The status/metrics HTTP server does not read these:
// its host and port defaults come from config.SetDefaults (127.0.0.1:9090)
// and its timeouts are set in cmd/indexer.
const (
	// DefaultAPIHost is an API host default (unused)
	DefaultAPIHost = "localhost"

	// DefaultAPIPort is an API port default (unused)
	DefaultAPIPort = 8080

	// DefaultReadTimeout is the default HTTP read timeout
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the default HTTP write timeout
	DefaultWriteTimeout = 15 * time.Second

	// DefaultIdleTimeout is the default HTTP idle timeout
	DefaultIdleTimeout = 60 * time.Second

	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 30 * time.Second
)

// Fetcher Constants
const (
	// DefaultNumWorkers is the default number of worker goroutines for concurrent fetching
	DefaultNumWorkers = 100

	// MinWorkers is the minimum number of workers
	MinWorkers = 1

	// MaxWorkers is the maximum number of workers
	MaxWorkers = 1000

	// DefaultBatchSize is the default batch size for fetching blocks
	DefaultBatchSize = 10

	// DefaultMaxRetries is the default maximum number of retries for failed operations
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the default delay between retries
	DefaultRetryDelay = 1 * time.Second

	// DefaultRetryBackoffMultiplier is the default backoff multiplier for exponential backoff
	DefaultRetryBackoffMultiplier = 2
)

// Storage Constants, tuning knobs for the PebbleDB backend
const (
	// DefaultCacheSize is the default cache size in MB for PebbleDB
	DefaultCacheSize = 128 // MB

	// DefaultMaxOpenFiles is the default maximum number of open files for PebbleDB
	DefaultMaxOpenFiles = 1000

	// DefaultWriteBuffer is the default write buffer size in MB for PebbleDB
	DefaultWriteBuffer = 64 // MB

	// DefaultCompactionConcurrency is the default number of concurrent compactions
	DefaultCompactionConcurrency = 4
)

// Query Constants
const (
	// DefaultQueryTimeout is the default timeout for an RPC call or database query
	DefaultQueryTimeout = 30 * time.Second

	// DefaultLongQueryTimeout is the timeout for long-running queries
	DefaultLongQueryTimeout = 60 * time.Second
)

// Blockchain Constants
const (
	// GenesisBlockNumber is the block number of the genesis block
	GenesisBlockNumber = 0

	// DefaultConfirmationBlocks is the default number of confirmations to consider a block final
	DefaultConfirmationBlocks = 12

	// DefaultBlockTime is the typical block time (can vary by chain)
	DefaultBlockTime = 12 * time.Second
)

// Retry and Backoff Constants
const (
	// MaxRetryAttempts is the maximum number of retry attempts
	MaxRetryAttempts = 5

	// InitialRetryDelay is the initial delay for exponential backoff
	InitialRetryDelay = 100 * time.Millisecond

	// MaxRetryDelay is the maximum delay for exponential backoff
	MaxRetryDelay = 30 * time.Second
)

// Monitoring Constants
const (
	// DefaultMetricsInterval is the default interval for metrics collection
	DefaultMetricsInterval = 10 * time.Second

	// DefaultHealthCheckInterval is the default health check interval
	DefaultHealthCheckInterval = 30 * time.Second
)
