package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Save original env vars
	keys := []string{
		"NETWORK", "PROTOCOL_ID", "PROTOCOL_NAME", "PROTOCOL_SLUG",
		"STORE_BACKEND", "BADGER_PATH", "DB_NAME",
		"REDIS_URL", "STREAM_NAME", "RPC_ENDPOINTS", "RPC_RATE_LIMIT",
		"PRICE_CACHE_BLOCKS", "LIQUIDATION_PROTOCOL_SIDE_RATIO",
		"LOG_LEVEL", "METRICS_PORT",
	}
	originalVars := make(map[string]string, len(keys))
	for _, key := range keys {
		originalVars[key] = os.Getenv(key)
	}

	// Restore env vars after test
	defer func() {
		for key, value := range originalVars {
			if value == "" {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, value)
			}
		}
	}()

	setRequired := func() {
		for _, key := range keys {
			os.Unsetenv(key)
		}
		os.Setenv("PROTOCOL_ID", "0x3D9819210A31b4961b30EF54bE2aeD79B9c9Cd3B")
		os.Setenv("RPC_ENDPOINTS", "https://eth.llamarpc.com")
	}

	t.Run("successful load with all vars", func(t *testing.T) {
		setRequired()
		os.Setenv("NETWORK", "bsc")
		os.Setenv("PROTOCOL_NAME", "Alpaca Finance")
		os.Setenv("STORE_BACKEND", "postgres")
		os.Setenv("DB_NAME", "subledger")
		os.Setenv("RPC_ENDPOINTS", "https://bsc-dataseed.binance.org, https://rpc.ankr.com/bsc")
		os.Setenv("RPC_RATE_LIMIT", "4")
		os.Setenv("PRICE_CACHE_BLOCKS", "1200")
		os.Setenv("LIQUIDATION_PROTOCOL_SIDE_RATIO", "0.25")
		os.Setenv("LOG_LEVEL", "debug")
		os.Setenv("METRICS_PORT", "9090")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "bsc", cfg.Network)
		assert.Equal(t, "0x3d9819210a31b4961b30ef54be2aed79b9c9cd3b", cfg.ProtocolID)
		assert.Equal(t, "Alpaca Finance", cfg.ProtocolName)
		assert.Equal(t, BackendPostgres, cfg.StoreBackend)
		assert.Equal(t, []string{"https://bsc-dataseed.binance.org", "https://rpc.ankr.com/bsc"}, cfg.RPCEndpoints)
		assert.Equal(t, 4, cfg.RPCRateLimit)
		assert.Equal(t, 1200, cfg.PriceCacheBlocks)
		assert.Equal(t, "0.25", cfg.LiquidationProtocolSideRatio.String())
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "9090", cfg.MetricsPort)
		assert.Contains(t, cfg.PostgresDSN(), "dbname=subledger")
	})

	t.Run("missing RPC endpoints", func(t *testing.T) {
		setRequired()
		os.Unsetenv("RPC_ENDPOINTS")

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "RPC_ENDPOINTS environment variable is required")
	})

	t.Run("missing protocol id", func(t *testing.T) {
		setRequired()
		os.Unsetenv("PROTOCOL_ID")

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "PROTOCOL_ID is required")
	})

	t.Run("postgres backend without database name", func(t *testing.T) {
		setRequired()
		os.Setenv("STORE_BACKEND", "postgres")

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "DB_NAME is required")
	})

	t.Run("unknown store backend", func(t *testing.T) {
		setRequired()
		os.Setenv("STORE_BACKEND", "mongo")

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid STORE_BACKEND")
	})

	t.Run("liquidation ratio out of range", func(t *testing.T) {
		setRequired()
		os.Setenv("LIQUIDATION_PROTOCOL_SIDE_RATIO", "1.5")

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "LIQUIDATION_PROTOCOL_SIDE_RATIO must be between 0 and 1")
	})

	t.Run("non-positive cache window", func(t *testing.T) {
		setRequired()
		os.Setenv("PRICE_CACHE_BLOCKS", "0")

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "PRICE_CACHE_BLOCKS must be at least 1")
	})

	t.Run("invalid log level", func(t *testing.T) {
		setRequired()
		os.Setenv("LOG_LEVEL", "invalid")

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid LOG_LEVEL")
	})

	t.Run("defaults are applied", func(t *testing.T) {
		setRequired()

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "mainnet", cfg.Network)
		assert.Equal(t, BackendBadger, cfg.StoreBackend)
		assert.Equal(t, "./data", cfg.BadgerPath)
		assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
		assert.Equal(t, "events", cfg.StreamName)
		assert.Equal(t, 10, cfg.RPCRateLimit)
		assert.Equal(t, 300, cfg.PriceCacheBlocks)
		assert.Equal(t, "0.1", cfg.LiquidationProtocolSideRatio.String())
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, "9100", cfg.MetricsPort)
	})
}
