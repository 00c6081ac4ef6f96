package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/wnt/subledger/internal/accounting"
	"github.com/wnt/subledger/internal/chain"
	"github.com/wnt/subledger/internal/config"
	"github.com/wnt/subledger/internal/database"
	"github.com/wnt/subledger/internal/lending"
	"github.com/wnt/subledger/internal/logger"
	"github.com/wnt/subledger/internal/oracle"
	"github.com/wnt/subledger/internal/position"
	"github.com/wnt/subledger/internal/queue"
	"github.com/wnt/subledger/internal/registry"
	"github.com/wnt/subledger/internal/rpc"
	"github.com/wnt/subledger/internal/store"
	"github.com/wnt/subledger/internal/worker"
)

func main() {
	// Parse command-line arguments
	envFile := flag.String("envFile", ".env", "Path to .env file")
	flag.Parse()

	// Load environment variables from the specified file
	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("No .env file found at %s, using environment variables", *envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger := logger.New(cfg.LogLevel)
	if err := run(cfg, appLogger); err != nil {
		appLogger.Fatal().Err(err).Msg("subledger exited with error")
	}
}

func run(cfg config.Config, appLogger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closer, err := openStore(cfg, appLogger)
	if err != nil {
		return err
	}
	defer closer.Close()

	queueClient, err := queue.NewClient(cfg.RedisURL, appLogger)
	if err != nil {
		return fmt.Errorf("failed to connect to queue: %w", err)
	}
	defer queueClient.Close()

	pool, err := rpc.NewPool(ctx, cfg.RPCEndpoints, cfg.RPCRateLimit, appLogger)
	if err != nil {
		return fmt.Errorf("failed to create RPC pool: %w", err)
	}
	reader := rpc.NewReader(pool, appLogger)

	prices := oracle.NewCache(priceChain(cfg, reader, appLogger), int64(cfg.PriceCacheBlocks), queueClient.Redis(), appLogger)

	reg := registry.New(reader, registry.ProtocolInfo{
		ID:      cfg.ProtocolID,
		Name:    cfg.ProtocolName,
		Slug:    cfg.ProtocolSlug,
		Network: cfg.Network,
	}, appLogger)
	handler := lending.New(
		reg,
		position.New(reg, appLogger),
		accounting.New(reg, reader, prices, appLogger),
		reader,
		cfg.LiquidationProtocolSideRatio,
		appLogger,
	)

	manager := worker.NewManager(cfg, queueClient, st, handler, prices, pool, appLogger)
	if err := manager.Start(); err != nil {
		return fmt.Errorf("failed to start worker manager: %w", err)
	}

	appLogger.Info().
		Str("protocol", cfg.ProtocolID).
		Str("network", cfg.Network).
		Str("store", cfg.StoreBackend).
		Str("stream", cfg.StreamName).
		Msg("subledger started")

	<-ctx.Done()
	appLogger.Info().Msg("Shutdown signal received")
	return manager.Stop()
}

// openStore opens the configured entity store backend
func openStore(cfg config.Config, appLogger zerolog.Logger) (store.Store, io.Closer, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		kv := store.NewMemory()
		return kv, kv, nil
	case config.BackendBadger:
		kv, err := store.Open(cfg.BadgerPath)
		if err != nil {
			return nil, nil, err
		}
		return kv, kv, nil
	case config.BackendPostgres:
		db, err := database.Connect(cfg.PostgresDSN(), appLogger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		pg := database.NewStore(db)
		return pg, pg, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// priceChain orders the configured price sources
func priceChain(cfg config.Config, reader chain.ContractReader, appLogger zerolog.Logger) *oracle.Chain {
	var sources []oracle.Source
	if cfg.OracleUSDToken != "" {
		sources = append(sources, oracle.NewStatic(map[string]decimal.Decimal{
			cfg.OracleUSDToken: decimal.NewFromInt(1),
		}))
	}
	if cfg.OracleFeedRegistry != "" {
		sources = append(sources, oracle.NewFeedRegistry(reader, cfg.OracleFeedRegistry))
	}
	if cfg.OracleCalculator != "" {
		sources = append(sources, oracle.NewCalculator(reader, cfg.OracleCalculator))
	}
	if cfg.OracleAMMFactory != "" && cfg.OracleUSDToken != "" {
		sources = append(sources, oracle.NewAMMQuote(reader, cfg.OracleAMMFactory, cfg.OracleUSDToken))
	}
	if len(sources) == 0 {
		appLogger.Warn().Msg("No price sources configured, every USD amount will be zero")
	}
	return oracle.NewChain(appLogger, sources...)
}
