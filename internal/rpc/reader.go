package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/wnt/subledger/internal/chain"
	"github.com/wnt/subledger/internal/logger"
	"github.com/wnt/subledger/internal/metrics"
)

const (
	maxRetries       = 5
	baseDelay        = 250 * time.Millisecond
	maxDelay         = 30 * time.Second
	rateLimitBackoff = 5 * time.Minute
)

var errReverted = errors.New("execution reverted")

// Reader implements chain.ContractReader over a Pool
type Reader struct {
	pool    *Pool
	methods methodTable
	retries int
	logger  zerolog.Logger
}

// NewReader creates a contract reader over pool
func NewReader(pool *Pool, logger zerolog.Logger) *Reader {
	return &Reader{
		pool:    pool,
		methods: mustMethodTable(),
		retries: maxRetries,
		logger:  logger.With().Str("component", "contract_reader").Logger(),
	}
}

// Call implements chain.ContractReader. Transport failures are retried with
// exponential backoff. Once retries run out, or ctx is done, the failure is
// reported through chain.ReportReadFailure and the read comes back without a value.
func (r *Reader) Call(ctx context.Context, block int64, contract, method string, args ...any) chain.Result[[]any] {
	m, ok := r.methods.lookup(method, len(args))
	if !ok {
		metrics.RecordContractRead(method, "unknown")
		r.logger.Warn().Str("method", method).Int("args", len(args)).Msg("No ABI for contract method")
		return chain.Revert[[]any]()
	}
	if !common.IsHexAddress(contract) {
		metrics.RecordContractRead(method, "reverted")
		return chain.Revert[[]any]()
	}

	data, err := pack(m, args...)
	if err != nil {
		metrics.RecordContractRead(method, "reverted")
		r.logger.Warn().Err(err).Str("method", method).Msg("Failed to encode contract call")
		return chain.Revert[[]any]()
	}

	to := common.HexToAddress(contract)
	msg := ethereum.CallMsg{To: &to, Data: data}
	var blockNumber *big.Int
	if block > 0 {
		blockNumber = big.NewInt(block)
	}

	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		raw, err := r.callOnce(ctx, msg, blockNumber)
		if err == nil {
			out, err := unpack(m, raw)
			if err != nil {
				metrics.RecordContractRead(method, "reverted")
				r.logger.Debug().Err(err).Str("contract", contract).Str("method", method).Msg("Undecodable contract output")
				return chain.Revert[[]any]()
			}
			metrics.RecordContractRead(method, "ok")
			return chain.Ok(out)
		}
		if errors.Is(err, errReverted) {
			metrics.RecordContractRead(method, "reverted")
			return chain.Revert[[]any]()
		}
		lastErr = err

		r.logger.Warn().
			Err(err).
			Str("contract", contract).
			Str("method", method).
			Int("attempt", attempt+1).
			Int("max_retries", r.retries).
			Msg("Contract read failed")

		if attempt == r.retries {
			break
		}
		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			metrics.RecordContractRead(method, "cancelled")
			chain.ReportReadFailure(ctx, ctx.Err())
			return chain.Revert[[]any]()
		}
	}

	metrics.RecordContractRead(method, "failed")
	r.logger.Error().
		Err(lastErr).
		Str("contract", contract).
		Str("method", method).
		Int64("block", block).
		Msg("Contract read failed after retries")
	chain.ReportReadFailure(ctx, fmt.Errorf("%s.%s at block %d: %w", contract, method, block, lastErr))
	return chain.Revert[[]any]()
}

func (r *Reader) callOnce(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	client, endpoint, err := r.pool.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get RPC client: %w", err)
	}

	out, err := client.CallContract(ctx, msg, block)
	switch {
	case err == nil:
		r.pool.MarkHealthy(endpoint)
		return out, nil
	case isRevert(err):
		r.pool.MarkHealthy(endpoint)
		return nil, fmt.Errorf("%w: %v", errReverted, err)
	case isRateLimit(err):
		logger.WithRPCEndpoint(r.logger, endpoint).Debug().Err(err).Msg("Rate limited")
		r.pool.SetCooldown(endpoint, rateLimitBackoff)
	default:
		logger.WithRPCEndpoint(r.logger, endpoint).Debug().Err(err).Msg("Endpoint call failed")
		r.pool.MarkUnhealthy(endpoint)
	}
	return nil, fmt.Errorf("call via %s: %w", endpoint, err)
}

// backoff is the delay before retry attempt+1
func backoff(attempt int) time.Duration {
	delay := baseDelay * time.Duration(1<<attempt)
	if delay > maxDelay || delay <= 0 {
		return maxDelay
	}
	return delay
}

func isRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") ||
		strings.Contains(msg, "invalid opcode") ||
		strings.Contains(msg, "invalid jump")
}

func isRateLimit(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "rate limit")
}
