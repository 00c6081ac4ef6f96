package registry

import (
	"context"
	"fmt"

	"github.com/wnt/subledger/internal/chain"
	"github.com/wnt/subledger/internal/models"
	"github.com/wnt/subledger/internal/store"
)

// StateOf copies a market's current cumulative state for its snapshots
func StateOf(m *models.Market, ev chain.Event) models.MarketState {
	return models.MarketState{
		Totals:              m.Totals,
		InputTokens:         append([]models.TokenBalance(nil), m.InputTokens...),
		OutputTokenSupply:   m.OutputTokenSupply,
		OutputTokenPriceUSD: m.OutputTokenPriceUSD,
		ExchangeRate:        m.ExchangeRate,
		RewardEmissions:     append([]models.RewardEmission(nil), m.RewardEmissions...),
		RateIDs:             append([]string(nil), m.RateIDs...),
		BlockNumber:         ev.BlockNumber,
		Timestamp:           ev.Timestamp,
	}
}

// MarketDailySnapshot loads or creates the market's snapshot for the event's day.
// Its cumulative mirror is overwritten with the market's current state.
func (r *Registry) MarketDailySnapshot(ctx context.Context, s store.Store, m *models.Market, ev chain.Event) (*models.MarketDailySnapshot, error) {
	day := Day(ev.Timestamp)
	snap, _, err := LoadOrCreate(ctx, s, SnapshotID(m.ID, day), func(id string) *models.MarketDailySnapshot {
		return &models.MarketDailySnapshot{ID: id, MarketID: m.ID, ProtocolID: m.ProtocolID, Day: day}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load market daily snapshot: %w", err)
	}
	snap.MarketState = StateOf(m, ev)
	return snap, nil
}

// MarketHourlySnapshot loads or creates the market's snapshot for the event's hour.
// Its cumulative mirror is overwritten with the market's current state.
func (r *Registry) MarketHourlySnapshot(ctx context.Context, s store.Store, m *models.Market, ev chain.Event) (*models.MarketHourlySnapshot, error) {
	hour := Hour(ev.Timestamp)
	snap, _, err := LoadOrCreate(ctx, s, SnapshotID(m.ID, hour), func(id string) *models.MarketHourlySnapshot {
		return &models.MarketHourlySnapshot{ID: id, MarketID: m.ID, ProtocolID: m.ProtocolID, Hour: hour}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load market hourly snapshot: %w", err)
	}
	snap.MarketState = StateOf(m, ev)
	return snap, nil
}

// FinancialsDailySnapshot loads or creates the protocol's financial snapshot for the event's day
func (r *Registry) FinancialsDailySnapshot(ctx context.Context, s store.Store, p *models.Protocol, ev chain.Event) (*models.FinancialsDailySnapshot, error) {
	day := Day(ev.Timestamp)
	snap, _, err := LoadOrCreate(ctx, s, SnapshotID(p.ID, day), func(id string) *models.FinancialsDailySnapshot {
		return &models.FinancialsDailySnapshot{ID: id, ProtocolID: p.ID, Day: day}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load financials snapshot: %w", err)
	}
	snap.Totals = p.Totals
	snap.BlockNumber = ev.BlockNumber
	snap.Timestamp = ev.Timestamp
	return snap, nil
}

// UsageDailySnapshot loads or creates the protocol's daily usage snapshot
func (r *Registry) UsageDailySnapshot(ctx context.Context, s store.Store, p *models.Protocol, ev chain.Event) (*models.UsageMetricsDailySnapshot, error) {
	day := Day(ev.Timestamp)
	snap, _, err := LoadOrCreate(ctx, s, SnapshotID(p.ID, day), func(id string) *models.UsageMetricsDailySnapshot {
		return &models.UsageMetricsDailySnapshot{ID: id, ProtocolID: p.ID, Day: day}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load daily usage snapshot: %w", err)
	}
	snap.UsageCounts = UsageOf(p)
	snap.BlockNumber = ev.BlockNumber
	snap.Timestamp = ev.Timestamp
	return snap, nil
}

// UsageHourlySnapshot loads or creates the protocol's hourly usage snapshot
func (r *Registry) UsageHourlySnapshot(ctx context.Context, s store.Store, p *models.Protocol, ev chain.Event) (*models.UsageMetricsHourlySnapshot, error) {
	hour := Hour(ev.Timestamp)
	snap, _, err := LoadOrCreate(ctx, s, SnapshotID(p.ID, hour), func(id string) *models.UsageMetricsHourlySnapshot {
		return &models.UsageMetricsHourlySnapshot{ID: id, ProtocolID: p.ID, Hour: hour}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load hourly usage snapshot: %w", err)
	}
	snap.CumulativeUniqueUsers = p.CumulativeUniqueUsers
	snap.BlockNumber = ev.BlockNumber
	snap.Timestamp = ev.Timestamp
	return snap, nil
}

// UsageOf copies the protocol's unique actor counters
func UsageOf(p *models.Protocol) models.UsageCounts {
	return models.UsageCounts{
		CumulativeUniqueUsers:       p.CumulativeUniqueUsers,
		CumulativeUniqueDepositors:  p.CumulativeUniqueDepositors,
		CumulativeUniqueBorrowers:   p.CumulativeUniqueBorrowers,
		CumulativeUniqueLiquidators: p.CumulativeUniqueLiquidators,
		CumulativeUniqueLiquidatees: p.CumulativeUniqueLiquidatees,
		TotalPoolCount:              p.TotalPoolCount,
	}
}
