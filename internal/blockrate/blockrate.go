// Package blockrate estimates blocks produced per day from a sparse history of
// (timestamp, block) samples, and converts per-block reward rates to per-day figures.
package blockrate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/wnt/subledger/internal/fixedpoint"
	"github.com/wnt/subledger/internal/metrics"
	"github.com/wnt/subledger/internal/models"
	"github.com/wnt/subledger/internal/registry"
	"github.com/wnt/subledger/internal/store"
)

const (
	// StorageIntervalSeconds is the minimum spacing between stored samples
	StorageIntervalSeconds int64 = 600

	// WindowSeconds is the span of the moving average
	WindowSeconds int64 = 86400

	// RateSeconds is the period the estimate is extrapolated to
	RateSeconds int64 = 86400

	// Capacity is the number of samples the buffer holds
	Capacity = 144

	// BufferID is the id of the persisted singleton buffer
	BufferID = "block-rate-buffer"
)

// RateUnit says whether a reward rate is emitted per block or per second
type RateUnit string

const (
	UnitBlock     RateUnit = "BLOCK"
	UnitTimestamp RateUnit = "TIMESTAMP"
)

var (
	windowSecondsDec = decimal.NewFromInt(WindowSeconds)
	rateSecondsDec   = decimal.NewFromInt(RateSeconds)
)

// secondsPerBlock holds rough starting block times per network
var secondsPerBlock = map[string]string{
	"mainnet":      "13.39",
	"arbitrum-one": "15",
	"aurora":       "1.03",
	"bsc":          "5",
	"celo":         "5",
	"fantom":       "1",
	"fuse":         "1",
	"optimism":     "12.5",
	"matic":        "2",
	"xdai":         "5",
	"moonbeam":     "13.39",
	"moonriver":    "13.39",
	"avalanche":    "13.39",
	"cronos":       "5.5",
}

// StartingBlocksPerDay returns the estimate used before two samples exist
func StartingBlocksPerDay(network string) (decimal.Decimal, bool) {
	secs, ok := secondsPerBlock[network]
	if !ok {
		return decimal.Zero, false
	}
	return fixedpoint.SafeDiv(rateSecondsDec, decimal.RequireFromString(secs)), true
}

// Estimator maintains the circular sample buffer and the smoothed blocks-per-day figure
type Estimator struct {
	buf    *models.BlockRateBuffer
	logger zerolog.Logger
}

// New creates an estimator with an empty buffer
func New(network string, logger zerolog.Logger) *Estimator {
	e := &Estimator{logger: logger.With().Str("component", "blockrate").Logger()}
	e.buf = e.newBuffer(BufferID, network)
	return e
}

// Load restores the persisted buffer, creating it when absent
func Load(ctx context.Context, s store.Store, network string, logger zerolog.Logger) (*Estimator, error) {
	e := &Estimator{logger: logger.With().Str("component", "blockrate").Logger()}
	buf, _, err := registry.LoadOrCreate(ctx, s, BufferID, func(id string) *models.BlockRateBuffer {
		return e.newBuffer(id, network)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load block rate buffer: %w", err)
	}
	if len(buf.Samples) != Capacity {
		samples := make([]models.BlockSample, Capacity)
		copy(samples, buf.Samples)
		buf.Samples = samples
	}
	e.buf = buf
	return e, nil
}

func (e *Estimator) newBuffer(id, network string) *models.BlockRateBuffer {
	start, ok := StartingBlocksPerDay(network)
	if !ok {
		e.logger.Warn().Str("network", network).Msg("no starting block rate for network, using zero")
	}
	return &models.BlockRateBuffer{
		ID:           id,
		Network:      network,
		Samples:      make([]models.BlockSample, Capacity),
		BlocksPerDay: start,
	}
}

// Save persists the buffer
func (e *Estimator) Save(ctx context.Context, s store.Store) error {
	if err := s.Save(ctx, e.buf); err != nil {
		return fmt.Errorf("failed to save block rate buffer: %w", err)
	}
	return nil
}

// Len returns the number of samples held
func (e *Estimator) Len() int {
	return e.buf.Size
}

// windowLen counts the samples from the window start to the newest sample
func (e *Estimator) windowLen() int {
	n := (e.buf.Next - e.buf.WindowStart + Capacity) % Capacity
	if n == 0 && e.buf.Size > 0 {
		return Capacity
	}
	return n
}

// RecordSample offers a (timestamp, block) pair to the buffer. It is stored only when it is
// the first sample or lies more than the storage interval after the last stored one.
// It reports whether the sample was stored.
func (e *Estimator) RecordSample(ts, block int64) bool {
	b := e.buf
	if b.Size > 0 {
		last := b.Samples[(b.Next-1+Capacity)%Capacity]
		if ts-last.Timestamp <= StorageIntervalSeconds {
			return false
		}
	}

	if b.Size == Capacity && b.Next == b.WindowStart {
		b.WindowStart = (b.WindowStart + 1) % Capacity
	}
	b.Samples[b.Next] = models.BlockSample{Timestamp: ts, BlockNumber: block}
	b.Next = (b.Next + 1) % Capacity
	if b.Size < Capacity {
		b.Size++
	}
	if b.Size < 2 {
		return true
	}

	windowStart := ts - WindowSeconds
	for n := e.windowLen(); n > 2; n-- {
		if b.Samples[b.WindowStart].Timestamp >= windowStart {
			break
		}
		b.WindowStart = (b.WindowStart + 1) % Capacity
	}

	first := b.Samples[b.WindowStart]
	secs := decimal.NewFromInt(ts - first.Timestamp)
	blocks := decimal.NewFromInt(block - first.BlockNumber)
	speed := fixedpoint.SafeDiv(windowSecondsDec, secs).Mul(blocks)
	b.BlocksPerDay = fixedpoint.SafeDiv(rateSecondsDec, windowSecondsDec).Mul(speed).Round(fixedpoint.DivisionPrecision)

	bpd, _ := b.BlocksPerDay.Float64()
	metrics.BlocksPerDay.Set(bpd)
	return true
}

// BlocksPerDay returns the current estimate
func (e *Estimator) BlocksPerDay() decimal.Decimal {
	return e.buf.BlocksPerDay
}

// ConvertRate converts a per-unit rate to a per-day amount
func (e *Estimator) ConvertRate(rate decimal.Decimal, unit RateUnit) decimal.Decimal {
	if unit == UnitTimestamp {
		return rate.Mul(rateSecondsDec)
	}
	return rate.Mul(e.buf.BlocksPerDay)
}

// RewardsPerDay records the event's sample and converts rate to a per-day amount
func (e *Estimator) RewardsPerDay(ts, block int64, rate decimal.Decimal, unit RateUnit) decimal.Decimal {
	e.RecordSample(ts, block)
	return e.ConvertRate(rate, unit)
}
