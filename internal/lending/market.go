package lending

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"github.com/wnt/subledger/internal/accounting"
	"github.com/wnt/subledger/internal/blockrate"
	"github.com/wnt/subledger/internal/chain"
	"github.com/wnt/subledger/internal/fixedpoint"
	"github.com/wnt/subledger/internal/logger"
	"github.com/wnt/subledger/internal/models"
	"github.com/wnt/subledger/internal/registry"
	"github.com/wnt/subledger/internal/store"
)

const daysPerYear = 365

// ListMarket creates a market for its input and output tokens. Listing a known market is a no-op.
func (h *Handler) ListMarket(ctx context.Context, s store.Store, ev chain.Event, market, inputToken, outputToken string, kind models.MarketKind) error {
	return h.once(ctx, s, ev, "MarketListed", func() error {
		m, created, err := h.registry.CreateMarket(ctx, s, ev, registry.MarketParams{
			ID:          market,
			Kind:        kind,
			InputTokens: []string{inputToken},
			OutputToken: outputToken,
		})
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
		return h.accounting.SnapshotMarket(ctx, s, ev, m)
	})
}

// AccrueInterest adds interest to a market's borrows and books it as revenue, split by
// the market's reserve factor
func (h *Handler) AccrueInterest(ctx context.Context, s store.Store, ev chain.Event, market string, interest *big.Int) error {
	if fixedpoint.IsNegative(interest) {
		return fmt.Errorf("%w: interest %s", ErrNegativeAmount, interest)
	}
	if interest == nil || interest.Sign() == 0 {
		return nil
	}

	return h.once(ctx, s, ev, "AccrueInterest", func() error {
		m, err := h.registry.Market(ctx, s, market)
		if err != nil {
			return err
		}
		asset := m.PrimaryInput()
		if asset == nil {
			return fmt.Errorf("%w: %s", ErrNoInputToken, m.ID)
		}

		h.accounting.SyncBalances(ctx, ev, m, accounting.BalanceDelta{Borrow: interest})
		if err := h.accounting.RefreshTotalValueLockedUSD(ctx, s, ev, m); err != nil {
			return err
		}

		interestUSD, err := h.accounting.AmountUSD(ctx, s, ev, asset.TokenID, interest)
		if err != nil {
			return err
		}
		protocolSide := interestUSD.Mul(m.ReserveFactor).Truncate(fixedpoint.DivisionPrecision)
		if err := h.accounting.AddRevenue(ctx, s, ev, m, interestUSD.Sub(protocolSide), protocolSide); err != nil {
			return err
		}
		return h.accounting.ReconcileProtocol(ctx, s, ev)
	})
}

// SetReserveFactor stores a market's reserve factor, given as a 1e18 mantissa
func (h *Handler) SetReserveFactor(ctx context.Context, s store.Store, ev chain.Event, market string, mantissa *big.Int) error {
	if fixedpoint.IsNegative(mantissa) {
		return fmt.Errorf("%w: reserve factor %s", ErrNegativeAmount, mantissa)
	}

	return h.once(ctx, s, ev, "NewReserveFactor", func() error {
		m, err := h.registry.Market(ctx, s, market)
		if err != nil {
			return err
		}
		m.ReserveFactor = fixedpoint.FromMantissa(mantissa)
		return h.setFee(ctx, s, m, models.FeeProtocolSide, m.ReserveFactor.Mul(fixedpoint.Hundred))
	})
}

// UpdateRates stores a market's lender and borrower rates, given per block or per second
// as 1e18 mantissas, as yearly percentages. A nil rate leaves that side unchanged.
func (h *Handler) UpdateRates(ctx context.Context, s store.Store, ev chain.Event, market string, supplyRate, borrowRate *big.Int, unit blockrate.RateUnit) error {
	return h.once(ctx, s, ev, "RatesUpdated", func() error {
		m, err := h.registry.Market(ctx, s, market)
		if err != nil {
			return err
		}

		estimator, err := blockrate.Load(ctx, s, h.registry.Network(), h.logger)
		if err != nil {
			return err
		}
		unitsPerDay := estimator.RewardsPerDay(ev.Timestamp, ev.BlockNumber, decimal.NewFromInt(1), unit)
		if err := estimator.Save(ctx, s); err != nil {
			return err
		}
		if !unitsPerDay.IsPositive() {
			logger.WithMarket(h.logger, m.ID).Warn().Str("unit", string(unit)).Msg("no block rate yet, skipping rate update")
			return nil
		}
		unitsPerYear := unitsPerDay.Mul(decimal.NewFromInt(daysPerYear))

		sides := []struct {
			side models.InterestRateSide
			rate *big.Int
		}{
			{models.RateSideLender, supplyRate},
			{models.RateSideBorrower, borrowRate},
		}
		for _, r := range sides {
			if r.rate == nil {
				continue
			}
			if fixedpoint.IsNegative(r.rate) {
				return fmt.Errorf("%w: %s rate %s", ErrNegativeAmount, r.side, r.rate)
			}
			apy := fixedpoint.RatePerUnitToAPY(r.rate, unitsPerYear)
			if err := h.accounting.SetInterestRate(ctx, s, ev, m, r.side, models.RateVariable, apy); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetCollateral enables or disables a market as collateral for account
func (h *Handler) SetCollateral(ctx context.Context, s store.Store, ev chain.Event, account, market string, enabled bool) error {
	return h.once(ctx, s, ev, "SetCollateral", func() error {
		a, err := h.registry.Account(ctx, s, account)
		if err != nil {
			return err
		}
		m, err := h.registry.Market(ctx, s, market)
		if err != nil {
			return err
		}

		if enabled {
			a.EnableCollateral(m.ID)
		} else {
			a.DisableCollateral(m.ID)
		}
		if err := s.Save(ctx, a); err != nil {
			return fmt.Errorf("failed to save account: %w", err)
		}
		return h.positions.SetCollateral(ctx, s, a.ID, m.ID, enabled)
	})
}

// UpdateRewardRate stores a market's new reward emission rate
func (h *Handler) UpdateRewardRate(ctx context.Context, s store.Store, ev chain.Event, market string, u accounting.RewardUpdate) error {
	return h.once(ctx, s, ev, "RewardRateUpdated", func() error {
		m, err := h.registry.Market(ctx, s, market)
		if err != nil {
			return err
		}
		return h.accounting.UpdateRewardEmissions(ctx, s, ev, m, u)
	})
}

// setFee stores a fee percentage and links the fee to the market
func (h *Handler) setFee(ctx context.Context, s store.Store, m *models.Market, feeType models.FeeType, percentage decimal.Decimal) error {
	fee, err := h.registry.Fee(ctx, s, feeType, m.ID, percentage)
	if err != nil {
		return err
	}
	if !fee.FeePercentage.Equal(percentage) {
		fee.FeePercentage = percentage
		if err := s.Save(ctx, fee); err != nil {
			return fmt.Errorf("failed to save fee: %w", err)
		}
	}

	linked := false
	for _, id := range m.FeeIDs {
		if id == fee.ID {
			linked = true
			break
		}
	}
	if !linked {
		m.FeeIDs = append(m.FeeIDs, fee.ID)
	}
	if err := s.Save(ctx, m); err != nil {
		return fmt.Errorf("failed to save market: %w", err)
	}
	return nil
}
