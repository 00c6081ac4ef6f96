package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/wnt/subledger/internal/chain"
)

// Store backends
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// Config holds all configuration for subledger
type Config struct {
	// Protocol identity
	Network      string
	ProtocolID   string
	ProtocolName string
	ProtocolSlug string

	// Store configuration
	StoreBackend string
	BadgerPath   string

	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string
	DBSSLMode  string

	// Redis configuration
	RedisURL   string
	StreamName string

	// RPC configuration
	RPCEndpoints []string
	RPCRateLimit int

	// Price oracle configuration
	PriceCacheBlocks   int
	OracleFeedRegistry string
	OracleAMMFactory   string
	OracleUSDToken     string
	OracleCalculator   string

	// Accounting configuration
	LiquidationProtocolSideRatio decimal.Decimal

	// Logging configuration
	LogLevel string

	// Metrics configuration
	MetricsPort string
}

// Load reads configuration from environment variables and validates it
func Load() (Config, error) {
	cfg := Config{
		Network:            getEnv("NETWORK", "mainnet"),
		ProtocolID:         chain.NormalizeAddress(getEnv("PROTOCOL_ID", "")),
		ProtocolName:       getEnv("PROTOCOL_NAME", "unknown"),
		ProtocolSlug:       getEnv("PROTOCOL_SLUG", "unknown"),
		StoreBackend:       strings.ToLower(getEnv("STORE_BACKEND", BackendBadger)),
		BadgerPath:         getEnv("BADGER_PATH", "./data"),
		DBHost:             getEnv("DB_HOST", "localhost"),
		DBUser:             getEnv("DB_USER", ""),
		DBPassword:         getEnv("DB_PASSWORD", ""),
		DBName:             getEnv("DB_NAME", ""),
		DBPort:             getEnv("DB_PORT", "5432"),
		DBSSLMode:          getEnv("DB_SSL_MODE", "disable"),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		StreamName:         getEnv("STREAM_NAME", "events"),
		OracleFeedRegistry: getEnv("ORACLE_FEED_REGISTRY", ""),
		OracleAMMFactory:   getEnv("ORACLE_AMM_FACTORY", ""),
		OracleUSDToken:     getEnv("ORACLE_USD_TOKEN", ""),
		OracleCalculator:   getEnv("ORACLE_CALCULATOR", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		MetricsPort:        getEnv("METRICS_PORT", "9100"),
	}

	// Parse RPC endpoints
	rpcEndpointsStr := getEnv("RPC_ENDPOINTS", "")
	if rpcEndpointsStr == "" {
		return cfg, fmt.Errorf("RPC_ENDPOINTS environment variable is required")
	}
	for _, endpoint := range strings.Split(rpcEndpointsStr, ",") {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			cfg.RPCEndpoints = append(cfg.RPCEndpoints, endpoint)
		}
	}

	var err error
	cfg.RPCRateLimit, err = parseIntEnv("RPC_RATE_LIMIT", 10)
	if err != nil {
		return cfg, fmt.Errorf("invalid RPC_RATE_LIMIT: %w", err)
	}

	cfg.PriceCacheBlocks, err = parseIntEnv("PRICE_CACHE_BLOCKS", 300)
	if err != nil {
		return cfg, fmt.Errorf("invalid PRICE_CACHE_BLOCKS: %w", err)
	}

	cfg.LiquidationProtocolSideRatio, err = decimal.NewFromString(getEnv("LIQUIDATION_PROTOCOL_SIDE_RATIO", "0.1"))
	if err != nil {
		return cfg, fmt.Errorf("invalid LIQUIDATION_PROTOCOL_SIDE_RATIO: %w", err)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks that the configuration is valid
func (c Config) validate() error {
	if c.ProtocolID == "" {
		return fmt.Errorf("PROTOCOL_ID is required")
	}

	switch c.StoreBackend {
	case BackendMemory, BackendBadger:
	case BackendPostgres:
		if c.DBName == "" {
			return fmt.Errorf("DB_NAME is required for the postgres store backend")
		}
	default:
		return fmt.Errorf("invalid STORE_BACKEND: %s (must be one of: memory, badger, postgres)", c.StoreBackend)
	}

	if len(c.RPCEndpoints) == 0 {
		return fmt.Errorf("at least one RPC endpoint is required")
	}

	if c.RPCRateLimit < 1 {
		return fmt.Errorf("RPC_RATE_LIMIT must be at least 1")
	}

	if c.PriceCacheBlocks < 1 {
		return fmt.Errorf("PRICE_CACHE_BLOCKS must be at least 1")
	}

	if c.LiquidationProtocolSideRatio.IsNegative() || c.LiquidationProtocolSideRatio.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("LIQUIDATION_PROTOCOL_SIDE_RATIO must be between 0 and 1")
	}

	validLogLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
		"panic": true,
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be one of: trace, debug, info, warn, error, fatal, panic)", c.LogLevel)
	}

	return nil
}

// PostgresDSN builds the postgres connection string
func (c Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort, c.DBSSLMode,
	)
}

// getEnv retrieves an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv parses an integer environment variable with a default value
func parseIntEnv(key string, defaultValue int) (int, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(str)
}
