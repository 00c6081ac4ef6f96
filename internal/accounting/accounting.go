// Package accounting applies USD volume, revenue and TVL changes consistently to
// markets, the protocol aggregate and their daily and hourly snapshots.
package accounting

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/wnt/subledger/internal/chain"
	"github.com/wnt/subledger/internal/models"
	"github.com/wnt/subledger/internal/registry"
	"github.com/wnt/subledger/internal/store"
)

// ErrNegativeAmount is returned when a USD delta is negative
var ErrNegativeAmount = errors.New("negative accounting amount")

// Accumulator fans USD deltas out to every aggregation level
type Accumulator struct {
	registry *registry.Registry
	reader   chain.ContractReader
	oracle   chain.PriceOracle
	logger   zerolog.Logger
}

// New creates an accumulator
func New(reg *registry.Registry, reader chain.ContractReader, oracle chain.PriceOracle, logger zerolog.Logger) *Accumulator {
	return &Accumulator{
		registry: reg,
		reader:   reader,
		oracle:   oracle,
		logger:   logger.With().Str("component", "accounting").Logger(),
	}
}

// AddRevenue adds a supply-side and protocol-side revenue split to the market, its
// snapshots, the protocol and the protocol's financial snapshot
func (a *Accumulator) AddRevenue(ctx context.Context, s store.Store, ev chain.Event, market *models.Market, supplySideUSD, protocolSideUSD decimal.Decimal) error {
	if supplySideUSD.IsNegative() || protocolSideUSD.IsNegative() {
		return fmt.Errorf("%w: revenue %s/%s on %s", ErrNegativeAmount, supplySideUSD, protocolSideUSD, market.ID)
	}
	if supplySideUSD.IsZero() && protocolSideUSD.IsZero() {
		return nil
	}

	market.Totals.AddRevenue(supplySideUSD, protocolSideUSD)
	if err := s.Save(ctx, market); err != nil {
		return fmt.Errorf("failed to save market: %w", err)
	}

	err := a.touchMarket(ctx, s, ev, market, func(p *models.Period) {
		p.AddRevenue(supplySideUSD, protocolSideUSD)
	})
	if err != nil {
		return err
	}

	return a.touchProtocol(ctx, s, ev, func(p *models.Protocol, daily *models.Period) {
		p.Totals.AddRevenue(supplySideUSD, protocolSideUSD)
		daily.AddRevenue(supplySideUSD, protocolSideUSD)
	})
}

// AddVolume adds a transaction's USD amount to the market, its snapshots, the protocol,
// its financial snapshot and the usage metrics of the acting account
func (a *Accumulator) AddVolume(ctx context.Context, s store.Store, ev chain.Event, market *models.Market, accountID string, amountUSD decimal.Decimal, kind models.EventKind) error {
	if amountUSD.IsNegative() {
		return fmt.Errorf("%w: %s volume %s on %s", ErrNegativeAmount, kind, amountUSD, market.ID)
	}

	market.Totals.AddVolume(kind, amountUSD)
	if err := s.Save(ctx, market); err != nil {
		return fmt.Errorf("failed to save market: %w", err)
	}

	err := a.touchMarket(ctx, s, ev, market, func(p *models.Period) {
		p.AddVolume(kind, amountUSD)
	})
	if err != nil {
		return err
	}

	err = a.touchProtocol(ctx, s, ev, func(p *models.Protocol, daily *models.Period) {
		p.Totals.AddVolume(kind, amountUSD)
		daily.AddVolume(kind, amountUSD)
	})
	if err != nil {
		return err
	}

	return a.recordUsage(ctx, s, ev, accountID, kind, true)
}

// RecordLiquidatee marks the liquidated account active without counting another transaction
func (a *Accumulator) RecordLiquidatee(ctx context.Context, s store.Store, ev chain.Event, accountID string) error {
	return a.recordUsage(ctx, s, ev, accountID, models.EventLiquidated, false)
}

// SnapshotMarket refreshes the market's daily and hourly snapshots without adding activity
func (a *Accumulator) SnapshotMarket(ctx context.Context, s store.Store, ev chain.Event, market *models.Market) error {
	return a.touchMarket(ctx, s, ev, market, nil)
}

// touchMarket mirrors the market into its current snapshots, duplicates its live rates
// under the snapshot buckets, and applies add to both period blocks
func (a *Accumulator) touchMarket(ctx context.Context, s store.Store, ev chain.Event, market *models.Market, add func(*models.Period)) error {
	daily, err := a.registry.MarketDailySnapshot(ctx, s, market, ev)
	if err != nil {
		return err
	}
	hourly, err := a.registry.MarketHourlySnapshot(ctx, s, market, ev)
	if err != nil {
		return err
	}

	if daily.RateIDs, err = a.snapshotRates(ctx, s, market, daily.Day); err != nil {
		return err
	}
	if hourly.RateIDs, err = a.snapshotRates(ctx, s, market, hourly.Hour); err != nil {
		return err
	}

	if add != nil {
		add(&daily.Daily)
		add(&hourly.Hourly)
	}

	if err := s.Save(ctx, daily); err != nil {
		return fmt.Errorf("failed to save market daily snapshot: %w", err)
	}
	if err := s.Save(ctx, hourly); err != nil {
		return fmt.Errorf("failed to save market hourly snapshot: %w", err)
	}
	return nil
}

// snapshotRates copies each live rate of the market under a bucket-suffixed id, so later
// rate changes never alter a past snapshot
func (a *Accumulator) snapshotRates(ctx context.Context, s store.Store, market *models.Market, bucket int64) ([]string, error) {
	ids := make([]string, 0, len(market.RateIDs))
	for _, rateID := range market.RateIDs {
		rate, err := registry.Load[models.InterestRate](ctx, s, rateID)
		if err != nil {
			return nil, fmt.Errorf("failed to load interest rate: %w", err)
		}
		if rate == nil {
			a.logger.Warn().Str("rate", rateID).Str("market", market.ID).Msg("market references missing interest rate")
			continue
		}

		rate.ID = registry.SnapshotID(rateID, bucket)
		if err := s.Save(ctx, rate); err != nil {
			return nil, fmt.Errorf("failed to save interest rate snapshot: %w", err)
		}
		ids = append(ids, rate.ID)
	}
	return ids, nil
}

// touchProtocol applies fn to the protocol and its financial snapshot's period block, then
// mirrors the protocol's totals into the snapshot
func (a *Accumulator) touchProtocol(ctx context.Context, s store.Store, ev chain.Event, fn func(*models.Protocol, *models.Period)) error {
	protocol, err := a.registry.Protocol(ctx, s)
	if err != nil {
		return err
	}
	fin, err := a.registry.FinancialsDailySnapshot(ctx, s, protocol, ev)
	if err != nil {
		return err
	}

	if fn != nil {
		fn(protocol, &fin.Daily)
	}
	fin.Totals = protocol.Totals

	if err := s.Save(ctx, protocol); err != nil {
		return fmt.Errorf("failed to save protocol: %w", err)
	}
	if err := s.Save(ctx, fin); err != nil {
		return fmt.Errorf("failed to save financials snapshot: %w", err)
	}
	return nil
}

// recordUsage updates the daily and hourly usage snapshots for an account acting as kind.
// An account counts as active once per bucket, and once per role per day.
func (a *Accumulator) recordUsage(ctx context.Context, s store.Store, ev chain.Event, accountID string, kind models.EventKind, newTxn bool) error {
	protocol, err := a.registry.Protocol(ctx, s)
	if err != nil {
		return err
	}

	daily, err := a.registry.UsageDailySnapshot(ctx, s, protocol, ev)
	if err != nil {
		return err
	}
	hourly, err := a.registry.UsageHourlySnapshot(ctx, s, protocol, ev)
	if err != nil {
		return err
	}

	if newTxn {
		daily.Daily.Count(kind)
		daily.Daily.TransactionCount++
		hourly.Hourly.Count(kind)
		hourly.Hourly.TransactionCount++
	}

	_, created, err := registry.LoadOrCreate(ctx, s, registry.ActiveAccountID(accountID, daily.Day), func(id string) *models.DailyActiveAccount {
		return &models.DailyActiveAccount{ID: id}
	})
	if err != nil {
		return fmt.Errorf("failed to load daily active account: %w", err)
	}
	if created {
		daily.ActiveUsers++
	}

	_, created, err = registry.LoadOrCreate(ctx, s, registry.ActiveAccountID(accountID, hourly.Hour), func(id string) *models.HourlyActiveAccount {
		return &models.HourlyActiveAccount{ID: id}
	})
	if err != nil {
		return fmt.Errorf("failed to load hourly active account: %w", err)
	}
	if created {
		hourly.ActiveUsers++
	}

	if roleCounter := activeRoleCounter(daily, kind); roleCounter != nil {
		_, created, err = registry.LoadOrCreate(ctx, s, registry.RoleActiveID(accountID, kind, daily.Day), func(id string) *models.DailyActiveAccount {
			return &models.DailyActiveAccount{ID: id}
		})
		if err != nil {
			return fmt.Errorf("failed to load daily role marker: %w", err)
		}
		if created {
			*roleCounter++
		}
	}

	if err := s.Save(ctx, daily); err != nil {
		return fmt.Errorf("failed to save daily usage snapshot: %w", err)
	}
	if err := s.Save(ctx, hourly); err != nil {
		return fmt.Errorf("failed to save hourly usage snapshot: %w", err)
	}
	return nil
}

func activeRoleCounter(snap *models.UsageMetricsDailySnapshot, kind models.EventKind) *int64 {
	switch kind {
	case models.EventDeposit:
		return &snap.ActiveDepositors
	case models.EventBorrow:
		return &snap.ActiveBorrowers
	case models.EventLiquidate:
		return &snap.ActiveLiquidators
	case models.EventLiquidated:
		return &snap.ActiveLiquidatees
	}
	return nil
}
