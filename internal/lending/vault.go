package lending

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"github.com/wnt/subledger/internal/accounting"
	"github.com/wnt/subledger/internal/chain"
	"github.com/wnt/subledger/internal/fixedpoint"
	"github.com/wnt/subledger/internal/logger"
	"github.com/wnt/subledger/internal/models"
	"github.com/wnt/subledger/internal/registry"
	"github.com/wnt/subledger/internal/store"
)

// Default vault fees in basis points, used when the vault does not expose them
const (
	DefaultPerformanceFeeBps = 1500
	DefaultWithdrawalFeeBps  = 50
	DefaultManagementFeeBps  = 200
	bpsDenominator           = 10000
)

var bpsDenom = big.NewInt(bpsDenominator)

// AddStrategy links a strategy contract to the vault it earns for
func (h *Handler) AddStrategy(ctx context.Context, s store.Store, ev chain.Event, vault, strategy string) error {
	return h.once(ctx, s, ev, "StrategyAdded", func() error {
		m, err := h.registry.Market(ctx, s, vault)
		if err != nil {
			return err
		}
		mapping := &models.StrategyMapping{
			ID:      chain.NormalizeAddress(strategy),
			VaultID: m.ID,
		}
		if asset := m.PrimaryInput(); asset != nil {
			mapping.InputTokenID = asset.TokenID
		}
		if err := s.Save(ctx, mapping); err != nil {
			return fmt.Errorf("failed to save strategy mapping: %w", err)
		}

		m.StrategyID = mapping.ID
		if err := s.Save(ctx, m); err != nil {
			return fmt.Errorf("failed to save market: %w", err)
		}
		return nil
	})
}

// RevokeStrategy removes a strategy's link to its vault
func (h *Handler) RevokeStrategy(ctx context.Context, s store.Store, ev chain.Event, strategy string) error {
	return h.once(ctx, s, ev, "StrategyRevoked", func() error {
		mapping, err := registry.Load[models.StrategyMapping](ctx, s, chain.NormalizeAddress(strategy))
		if err != nil {
			return fmt.Errorf("failed to load strategy mapping: %w", err)
		}
		if mapping == nil {
			h.logger.Warn().Str("strategy", strategy).Msg("revoking unknown strategy")
			return nil
		}
		if err := s.Remove(ctx, mapping.EntityType(), mapping.ID); err != nil {
			return fmt.Errorf("failed to remove strategy mapping: %w", err)
		}

		m, err := registry.Load[models.Market](ctx, s, mapping.VaultID)
		if err != nil {
			return fmt.Errorf("failed to load market: %w", err)
		}
		if m != nil && m.StrategyID == mapping.ID {
			m.StrategyID = ""
			if err := s.Save(ctx, m); err != nil {
				return fmt.Errorf("failed to save market: %w", err)
			}
		}
		return nil
	})
}

// Harvest books a strategy's profit as vault revenue, the vault's performance fee going
// to the protocol. The vault's management fee is refreshed alongside.
func (h *Handler) Harvest(ctx context.Context, s store.Store, ev chain.Event, strategy string, profit *big.Int) error {
	if fixedpoint.IsNegative(profit) {
		return fmt.Errorf("%w: harvest profit %s", ErrNegativeAmount, profit)
	}
	if profit == nil || profit.Sign() == 0 {
		return nil
	}

	return h.once(ctx, s, ev, "Harvested", func() error {
		mapping, err := registry.Load[models.StrategyMapping](ctx, s, chain.NormalizeAddress(strategy))
		if err != nil {
			return fmt.Errorf("failed to load strategy mapping: %w", err)
		}
		if mapping == nil {
			h.logger.Warn().Str("strategy", strategy).Msg("harvest from unknown strategy, skipping")
			return nil
		}

		m, err := h.registry.Market(ctx, s, mapping.VaultID)
		if err != nil {
			return err
		}
		asset := m.PrimaryInput()
		if asset == nil {
			return fmt.Errorf("%w: %s", ErrNoInputToken, m.ID)
		}

		bps := h.feeBps(ctx, ev, m.ID, chain.MethodPerformance, DefaultPerformanceFeeBps)
		if err := h.setFee(ctx, s, m, models.FeePerformance, fixedpoint.ToDecimal(bps, 2)); err != nil {
			return err
		}
		// accrues on assets over time, recorded for reference only
		management := h.feeBps(ctx, ev, m.ID, chain.MethodManagementFee, DefaultManagementFeeBps)
		if err := h.setFee(ctx, s, m, models.FeeManagement, fixedpoint.ToDecimal(management, 2)); err != nil {
			return err
		}

		h.accounting.SyncBalances(ctx, ev, m, accounting.BalanceDelta{Input: profit})
		if err := h.accounting.RefreshTotalValueLockedUSD(ctx, s, ev, m); err != nil {
			return err
		}

		profitUSD, err := h.accounting.AmountUSD(ctx, s, ev, asset.TokenID, profit)
		if err != nil {
			return err
		}
		protocolSide := fixedpoint.PercentOf(profitUSD, bps, bpsDenom)
		return h.accounting.AddRevenue(ctx, s, ev, m, profitUSD.Sub(protocolSide), protocolSide)
	})
}

// VaultWithdrawFee books the withdrawal fee charged on amount as protocol-side revenue
func (h *Handler) VaultWithdrawFee(ctx context.Context, s store.Store, ev chain.Event, vault, account string, amount *big.Int) error {
	if fixedpoint.IsNegative(amount) {
		return fmt.Errorf("%w: withdrawal %s", ErrNegativeAmount, amount)
	}
	if amount == nil || amount.Sign() == 0 {
		return nil
	}

	return h.once(ctx, s, ev, "WithdrawalFee", func() error {
		m, err := h.registry.Market(ctx, s, vault)
		if err != nil {
			return err
		}
		asset := m.PrimaryInput()
		if asset == nil {
			return fmt.Errorf("%w: %s", ErrNoInputToken, m.ID)
		}

		bps := h.feeBps(ctx, ev, m.ID, chain.MethodWithdrawalFee, DefaultWithdrawalFeeBps)
		if err := h.setFee(ctx, s, m, models.FeeWithdrawal, fixedpoint.ToDecimal(bps, 2)); err != nil {
			return err
		}

		amountUSD, err := h.accounting.AmountUSD(ctx, s, ev, asset.TokenID, amount)
		if err != nil {
			return err
		}
		feeUSD := fixedpoint.PercentOf(amountUSD, bps, bpsDenom)
		h.logger.Debug().
			Str("vault", m.ID).
			Str("account", chain.NormalizeAddress(account)).
			Str("fee_usd", feeUSD.String()).
			Msg("withdrawal fee")
		return h.accounting.AddRevenue(ctx, s, ev, m, decimal.Zero, feeUSD)
	})
}

// feeBps reads a fee in basis points from the vault, falling back to def
func (h *Handler) feeBps(ctx context.Context, ev chain.Event, vault, method string, def int64) *big.Int {
	bps := chain.CallBigInt(ctx, h.reader, ev.BlockNumber, vault, method)
	if bps.Reverted() {
		logger.WithMarket(h.logger, vault).Debug().Str("method", method).Int64("default_bps", def).Msg("fee read reverted, using default")
	}
	return bps.ValueOr(big.NewInt(def))
}
