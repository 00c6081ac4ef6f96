package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New creates and configures a new zerolog logger
func New(logLevel string) zerolog.Logger {
	// Set global log level
	level, err := zerolog.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure console writer for human-readable output in development
	if os.Getenv("API_ENV") == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	// Create structured logger with common fields
	logger := zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "subledger").
		Logger()

	return logger
}

// WithWorker adds worker ID to logger context
func WithWorker(logger zerolog.Logger, workerID string) zerolog.Logger {
	return logger.With().Str("worker_id", workerID).Logger()
}

// WithStream adds the event stream name to logger context
func WithStream(logger zerolog.Logger, stream string) zerolog.Logger {
	return logger.With().Str("stream", stream).Logger()
}

// WithMarket adds market ID to logger context
func WithMarket(logger zerolog.Logger, marketID string) zerolog.Logger {
	return logger.With().Str("market", marketID).Logger()
}

// WithEvent adds event identity to logger context
func WithEvent(logger zerolog.Logger, eventType, eventID string, block int64) zerolog.Logger {
	return logger.With().
		Str("event_type", eventType).
		Str("event_id", eventID).
		Int64("block", block).
		Logger()
}

// WithRPCEndpoint adds RPC endpoint to logger context
func WithRPCEndpoint(logger zerolog.Logger, endpoint string) zerolog.Logger {
	return logger.With().Str("rpc_endpoint", endpoint).Logger()
}
