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
	"github.com/wnt/subledger/internal/position"
	"github.com/wnt/subledger/internal/store"
)

// LiquidateParams describes one liquidation
type LiquidateParams struct {
	Event chain.Event

	// Market is the market the liquidated debt was borrowed from
	Market     string
	Liquidator string
	Borrower   string

	// RepayAmount is the debt repaid by the liquidator, in the market's input token
	RepayAmount *big.Int

	// CollateralMarket is the market collateral was seized from. Empty means Market.
	CollateralMarket string
	// SeizedAmount is the collateral taken, in the collateral market's input token
	SeizedAmount *big.Int

	// ProfitAmount is the liquidation profit, in the collateral market's input token
	ProfitAmount *big.Int
	// ProtocolSideProfit is the protocol's part of ProfitAmount. Nil when the event does not carry it.
	ProtocolSideProfit *big.Int
}

// Liquidate applies a liquidation: both affected positions, the liquidate volume and the
// profit split into supply-side and protocol-side revenue
func (h *Handler) Liquidate(ctx context.Context, s store.Store, p LiquidateParams) error {
	for _, v := range []*big.Int{p.RepayAmount, p.SeizedAmount, p.ProfitAmount, p.ProtocolSideProfit} {
		if fixedpoint.IsNegative(v) {
			return fmt.Errorf("%w: liquidation amount %s", ErrNegativeAmount, v)
		}
	}
	ev := p.Event

	return h.once(ctx, s, ev, string(models.EventLiquidate), func() error {
		liquidator, err := h.registry.Account(ctx, s, p.Liquidator)
		if err != nil {
			return err
		}
		borrower := liquidator
		if chain.NormalizeAddress(p.Borrower) != liquidator.ID {
			if borrower, err = h.registry.Account(ctx, s, p.Borrower); err != nil {
				return err
			}
		}

		debt, err := h.registry.Market(ctx, s, p.Market)
		if err != nil {
			return err
		}
		collateral := debt
		if p.CollateralMarket != "" && chain.NormalizeAddress(p.CollateralMarket) != debt.ID {
			if collateral, err = h.registry.Market(ctx, s, p.CollateralMarket); err != nil {
				return err
			}
		}
		debtAsset, collateralAsset := debt.PrimaryInput(), collateral.PrimaryInput()
		if debtAsset == nil {
			return fmt.Errorf("%w: %s", ErrNoInputToken, debt.ID)
		}
		if collateralAsset == nil {
			return fmt.Errorf("%w: %s", ErrNoInputToken, collateral.ID)
		}

		if collateral == debt {
			input := new(big.Int)
			if p.RepayAmount != nil {
				input.Add(input, p.RepayAmount)
			}
			if p.SeizedAmount != nil {
				input.Sub(input, p.SeizedAmount)
			}
			h.accounting.SyncBalances(ctx, ev, debt, accounting.BalanceDelta{Input: input, Borrow: neg(p.RepayAmount)})
		} else {
			h.accounting.SyncBalances(ctx, ev, debt, accounting.BalanceDelta{Input: p.RepayAmount, Borrow: neg(p.RepayAmount)})
			h.accounting.SyncBalances(ctx, ev, collateral, accounting.BalanceDelta{Input: neg(p.SeizedAmount)})
			if err := h.accounting.RefreshTotalValueLockedUSD(ctx, s, ev, collateral); err != nil {
				return err
			}
		}
		if err := h.accounting.RefreshTotalValueLockedUSD(ctx, s, ev, debt); err != nil {
			return err
		}

		liquidator.CountEvent(models.EventLiquidate)
		borrower.CountEvent(models.EventLiquidated)

		debtPosition, err := h.positions.Apply(ctx, s, position.Change{
			Event:   ev,
			Account: borrower,
			Market:  debt,
			Side:    models.SideBorrower,
			Kind:    models.EventLiquidated,
			Amount:  p.RepayAmount,
			Balance: h.positionBalance(ctx, ev, debt, borrower.ID, models.SideBorrower),
		})
		if err != nil {
			return err
		}
		if p.SeizedAmount != nil && p.SeizedAmount.Sign() > 0 {
			_, err := h.positions.Apply(ctx, s, position.Change{
				Event:   ev,
				Account: borrower,
				Market:  collateral,
				Side:    models.SideLender,
				Kind:    models.EventLiquidated,
				Amount:  p.SeizedAmount,
				Balance: h.positionBalance(ctx, ev, collateral, borrower.ID, models.SideLender),
			})
			if err != nil {
				return err
			}
		}

		if _, err := h.positions.MarkActor(ctx, s, models.EventLiquidate, liquidator.ID); err != nil {
			return err
		}
		if _, err := h.positions.MarkActor(ctx, s, models.EventLiquidated, borrower.ID); err != nil {
			return err
		}

		asset, amount := collateralAsset.TokenID, p.SeizedAmount
		if amount == nil || amount.Sign() == 0 {
			asset, amount = debtAsset.TokenID, p.RepayAmount
		}
		amountUSD, err := h.accounting.AmountUSD(ctx, s, ev, asset, amount)
		if err != nil {
			return err
		}
		if err := h.accounting.AddVolume(ctx, s, ev, collateral, liquidator.ID, amountUSD, models.EventLiquidate); err != nil {
			return err
		}
		if err := h.accounting.RecordLiquidatee(ctx, s, ev, borrower.ID); err != nil {
			return err
		}

		profitUSD, err := h.accounting.AmountUSD(ctx, s, ev, collateralAsset.TokenID, p.ProfitAmount)
		if err != nil {
			return err
		}
		protocolUSD, err := h.protocolSideProfit(ctx, s, ev, collateral, collateralAsset.TokenID, profitUSD, p.ProtocolSideProfit)
		if err != nil {
			return err
		}
		if err := h.accounting.AddRevenue(ctx, s, ev, collateral, profitUSD.Sub(protocolUSD), protocolUSD); err != nil {
			return err
		}

		for _, a := range []*models.Account{liquidator, borrower} {
			if err := s.Save(ctx, a); err != nil {
				return fmt.Errorf("failed to save account: %w", err)
			}
		}

		positionID := debtPosition.PositionID
		if positionID == "" {
			if positionID, err = h.positions.Lookup(ctx, s, borrower.ID, debt.ID, models.SideBorrower); err != nil {
				return err
			}
		}
		rec := &models.Liquidate{
			EventRecord:  h.record(ev, liquidator.ID, collateral.ID, positionID, asset, amount, amountUSD),
			LiquidatorID: liquidator.ID,
			LiquidateeID: borrower.ID,
			ProfitUSD:    profitUSD,
		}
		if err := s.Save(ctx, rec); err != nil {
			return fmt.Errorf("failed to save liquidate record: %w", err)
		}
		return nil
	})
}

// protocolSideProfit returns the protocol's part of a liquidation profit. An amount
// carried by the event wins, then the market configuration's kill fee split, then
// the configured fallback ratio.
func (h *Handler) protocolSideProfit(ctx context.Context, s store.Store, ev chain.Event, market *models.Market, tokenID string, profitUSD decimal.Decimal, explicit *big.Int) (decimal.Decimal, error) {
	var share decimal.Decimal
	if explicit != nil {
		usd, err := h.accounting.AmountUSD(ctx, s, ev, tokenID, explicit)
		if err != nil {
			return decimal.Zero, err
		}
		share = usd
	} else {
		share = profitUSD.Mul(h.liquidationShare(ctx, ev, market)).Truncate(fixedpoint.DivisionPrecision)
	}

	if share.GreaterThan(profitUSD) {
		logger.WithMarket(h.logger, market.ID).Warn().
			Str("protocol_side", share.String()).
			Str("profit", profitUSD.String()).
			Msg("protocol side exceeds liquidation profit, capping")
		share = profitUSD
	}
	return share, nil
}

// liquidationShare reads treasuryBps/(killBps+treasuryBps) from the market's config contract
func (h *Handler) liquidationShare(ctx context.Context, ev chain.Event, market *models.Market) decimal.Decimal {
	config := chain.CallAddress(ctx, h.reader, ev.BlockNumber, market.ID, chain.MethodConfig).ValueOr(chain.ZeroAddress)
	if config != chain.ZeroAddress {
		kill, killOK := chain.CallBigInt(ctx, h.reader, ev.BlockNumber, config, chain.MethodKillBps).Value()
		treasury, treasuryOK := chain.CallBigInt(ctx, h.reader, ev.BlockNumber, config, chain.MethodKillTreasury).Value()
		if killOK && treasuryOK {
			total := new(big.Int).Add(kill, treasury)
			if total.Sign() > 0 {
				return fixedpoint.SafeDiv(fixedpoint.Raw(treasury), fixedpoint.Raw(total))
			}
		}
	}

	logger.WithMarket(h.logger, market.ID).Warn().
		Str("ratio", h.fallbackRatio.String()).
		Msg("liquidation fee split unreadable, using configured ratio")
	return h.fallbackRatio
}
