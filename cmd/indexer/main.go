package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/0xmhha/indexer-go/client"
	"github.com/0xmhha/indexer-go/engine"
	"github.com/0xmhha/indexer-go/fetch"
	"github.com/0xmhha/indexer-go/internal/config"
	"github.com/0xmhha/indexer-go/internal/logger"
	"github.com/0xmhha/indexer-go/listener"
	"github.com/0xmhha/indexer-go/migrations"
	"github.com/0xmhha/indexer-go/queue"
	"github.com/0xmhha/indexer-go/staging"
	"github.com/0xmhha/indexer-go/storage"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// chainRuntime bundles the per-chain wiring that lives for the process lifetime.
type chainRuntime struct {
	chainID    uint64
	client     *client.Client
	listener   *listener.Listener
	dispatcher *queue.Dispatcher
}

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		rpcEndpoint = flag.String("rpc", "", "Ethereum RPC endpoint URL (single-chain convenience flag)")
		dbPath      = flag.String("db", "", "Database path")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, console)")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("indexer-go version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *rpcEndpoint, *dbPath, *logLevel, *logFormat)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := initLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting indexer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.Int("chains", len(cfg.Chains)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	backend, err := storage.NewPebbleBackend(storage.DefaultBackendConfig(storage.BackendTypePebble, cfg.Database.Path), log)
	if err != nil {
		log.Fatal("failed to open storage backend", zap.Error(err))
	}
	defer backend.Close()

	engineFlags := engine.Flags{
		ReadOnly:          cfg.Engine.ReadOnly,
		NewDB:             cfg.Engine.NewDB,
		WarmDB:            cfg.Engine.WarmDB,
		Cleanup:           cfg.Engine.Cleanup,
		Silent:            cfg.Engine.Silent,
		CollectBlocks:     cfg.Engine.CollectBlocks,
		CollectTxReceipts: cfg.Engine.CollectTxReceipts,
	}

	docStore := storage.NewDocStore(backend, storage.CollectionModes{}, engineFlags.StoreFlags(), log)

	startBlocks := make(map[uint64]uint64, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		if chain.Enabled {
			startBlocks[chain.ChainID] = chain.StartHeight
		}
	}

	state := engine.New(docStore, startBlocks, cfg.Engine.Concurrency, engineFlags, log)

	migrationIndex := migrations.Build(nil)

	runtimes := make([]*chainRuntime, 0, len(cfg.Chains))
	for _, chainCfg := range cfg.Chains {
		if !chainCfg.Enabled {
			continue
		}
		rt, err := startChain(ctx, chainCfg, cfg, state, migrationIndex, log)
		if err != nil {
			log.Fatal("failed to start chain", zap.Uint64("chain_id", chainCfg.ChainID), zap.Error(err))
		}
		runtimes = append(runtimes, rt)
	}

	var statusSrv *http.Server
	if cfg.API.Enabled {
		statusSrv = newStatusServer(cfg, state, log)
		go func() {
			if err := statusSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("status server failed", zap.Error(err))
			}
		}()
		log.Info("status server listening", zap.String("addr", statusSrv.Addr))
	}

	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	log.Info("shutting down gracefully...")
	cancel()

	for _, rt := range runtimes {
		if err := state.Detach(rt.chainID); err != nil {
			log.Warn("failed to detach chain cleanly", zap.Uint64("chain_id", rt.chainID), zap.Error(err))
		}
		rt.client.Close()
	}

	if statusSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := statusSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to stop status server gracefully", zap.Error(err))
		}
	}

	log.Info("indexer stopped")
}

// startChain wires one chain's client, listener and dispatcher, runs the
// catch-up backlog synchronously, then launches the live subscription and
// the dispatcher loop in the background.
func startChain(ctx context.Context, chainCfg config.ChainConfig, cfg *config.Config, state *engine.State, migrationIndex *migrations.Index, log *zap.Logger) (*chainRuntime, error) {
	chainLog := log.With(zap.Uint64("chain_id", chainCfg.ChainID), zap.String("chain", chainCfg.ID))

	ethClient, err := client.NewClient(&client.Config{
		Endpoint: chainCfg.RPCEndpoint,
		Timeout:  chainCfg.RPCTimeout,
		Logger:   chainLog,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", chainCfg.ID, err)
	}

	stagingCache, err := staging.New(cfg.Staging.Root, ethClient, &staging.Flags{Cleanup: cfg.Engine.Cleanup}, chainLog)
	if err != nil {
		ethClient.Close()
		return nil, fmt.Errorf("create staging cache for %s: %w", chainCfg.ID, err)
	}
	stagingCache.WithReceiptFetcher(func(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
		return fetch.GetTransactionReceipt(ctx, ethClient, hash, nil, nil, chainLog)
	})

	blockQueue := queue.NewBlockQueue()
	l := listener.New(chainCfg.ChainID, migrationIndex, blockQueue, stagingCache, state, chainLog)

	if err := state.Acquire(chainCfg.ChainID); err != nil {
		ethClient.Close()
		return nil, fmt.Errorf("acquire chain lock for %s: %w", chainCfg.ID, err)
	}
	state.SetListening(chainCfg.ChainID, true)

	latestHeight, err := ethClient.GetLatestBlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("get latest block number for %s: %w", chainCfg.ID, err)
	}

	ref, hasLatest := state.LatestBlock(chainCfg.ChainID)
	from := chainCfg.StartHeight
	if hasLatest {
		from = ref.Number + 1
	}
	for number := from; number < latestHeight; number++ {
		l.RecordListenerBlock(number)
	}

	headCh := make(chan *types.Header, 16)
	sub, err := ethClient.SubscribeNewHead(ctx, headCh)
	if err != nil {
		return nil, fmt.Errorf("subscribe to new heads for %s: %w", chainCfg.ID, err)
	}
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err == nil {
					continue
				}
				switch listener.ClassifyProviderError(err) {
				case listener.NetworkError, listener.ServerError, listener.UnsupportedOperation:
					chainLog.Error("head subscription failed, detaching chain", zap.Error(err))
					if detachErr := state.Detach(chainCfg.ChainID); detachErr != nil {
						chainLog.Warn("failed to detach chain cleanly", zap.Error(detachErr))
					}
					return
				case listener.Timeout:
					// Transient; the provider's subscription keeps retrying on its own.
				default:
					chainLog.Warn("head subscription error", zap.Error(err))
				}
			case header := <-headCh:
				if header != nil {
					l.OnBlock(header.Number.Uint64())
				}
			}
		}
	}()

	state.SetInSync(chainCfg.ChainID, true)

	dispatcher := queue.NewDispatcher(chainCfg.ChainID, blockQueue, state, l.RecordListenerBlock, l.Restage, l.Cleanup, cfg.Engine.BlockTimeout, chainLog)
	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			chainLog.Error("dispatcher stopped with error", zap.Error(err))
		}
	}()

	chainLog.Info("chain listening", zap.Uint64("from_block", from), zap.Uint64("chain_tip", latestHeight))

	return &chainRuntime{chainID: chainCfg.ChainID, client: ethClient, listener: l, dispatcher: dispatcher}, nil
}

// newStatusServer builds the minimal chi-routed status/metrics surface.
// It exposes engine.State.StatusSnapshot(), not a query API.
func newStatusServer(cfg *config.Config, state *engine.State, log *zap.Logger) *http.Server {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, state.StatusSnapshot())
	})
	r.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     zap.NewStdLog(log),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// loadConfig loads configuration from file and environment variables
func loadConfig(configFile string) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads environment variables from a .env file if it exists.
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// applyFlags applies command-line overrides to the single-chain case.
func applyFlags(cfg *config.Config, rpcEndpoint, dbPath, logLevel, logFormat string) {
	if rpcEndpoint != "" {
		if len(cfg.Chains) == 0 {
			cfg.Chains = append(cfg.Chains, config.ChainConfig{ID: "default", Enabled: true})
		}
		cfg.Chains[0].RPCEndpoint = rpcEndpoint
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
}

// initLogger initializes the logger based on configuration
func initLogger(level, format string) (*zap.Logger, error) {
	if format == "json" || format == "production" {
		return logger.NewProduction()
	}
	cfg := logger.Config{
		Level:       level,
		Encoding:    "console",
		Development: true,
	}
	return logger.NewWithConfig(&cfg)
}
