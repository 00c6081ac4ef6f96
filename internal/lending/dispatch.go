package lending

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/wnt/subledger/internal/accounting"
	"github.com/wnt/subledger/internal/blockrate"
	"github.com/wnt/subledger/internal/chain"
	"github.com/wnt/subledger/internal/logger"
	"github.com/wnt/subledger/internal/models"
	"github.com/wnt/subledger/internal/store"
)

// ErrUnknownEvent is returned by Dispatch for event types it has no handler for
var ErrUnknownEvent = errors.New("unknown event type")

// Event types accepted by Dispatch. Unless noted, the emitting contract is the market.
const (
	// MarketListed(market, inputToken, outputToken, kind), emitted by the protocol
	EventMarketListed = "MarketListed"
	// Deposit(account, amount)
	EventDeposit = "Deposit"
	// Withdraw(account, amount)
	EventWithdraw = "Withdraw"
	// Borrow(account, amount)
	EventBorrow = "Borrow"
	// Repay(account, amount)
	EventRepay = "Repay"
	// Liquidate(liquidator, borrower, repayAmount, collateralMarket, seizedAmount, profitAmount[, protocolSideProfit])
	EventLiquidate = "Liquidate"
	// AccrueInterest(interest)
	EventAccrueInterest = "AccrueInterest"
	// NewReserveFactor(mantissa)
	EventNewReserveFactor = "NewReserveFactor"
	// RatesUpdated(supplyRate, borrowRate[, unit])
	EventRatesUpdated = "RatesUpdated"
	// CollateralEnabled(account, market), emitted by the protocol
	EventCollateralEnabled = "CollateralEnabled"
	// CollateralDisabled(account, market), emitted by the protocol
	EventCollateralDisabled = "CollateralDisabled"
	// RewardRateUpdated(rewardType, token, rate, unit[, distributionEnd])
	EventRewardRateUpdated = "RewardRateUpdated"
	// StrategyAdded(strategy), emitted by the vault
	EventStrategyAdded = "StrategyAdded"
	// StrategyRevoked(strategy), emitted by the vault
	EventStrategyRevoked = "StrategyRevoked"
	// Harvested(profit), emitted by the strategy
	EventHarvested = "Harvested"
	// WithdrawalFee(account, amount), emitted by the vault
	EventWithdrawalFee = "WithdrawalFee"
)

// Dispatch decodes ev's ordered parameters and applies it with the matching handler.
// A contract read that failed in transport fails the whole event with chain.ErrReadFailed,
// even when the handler fell back to a default, so the caller discards its writes.
func (h *Handler) Dispatch(ctx context.Context, s store.Store, ev chain.Event) error {
	ctx, readErr := chain.TrackReadFailures(ctx)
	if err := h.dispatch(ctx, s, ev); err != nil {
		return err
	}
	return readErr()
}

func (h *Handler) dispatch(ctx context.Context, s store.Store, ev chain.Event) error {
	log := logger.WithEvent(h.logger, ev.Type, ev.ID(), ev.BlockNumber)
	log.Debug().Str("contract", ev.Contract).Msg("dispatching event")

	switch ev.Type {
	case EventMarketListed:
		market, err := ev.Address(0)
		if err != nil {
			return err
		}
		input, err := ev.Address(1)
		if err != nil {
			return err
		}
		output, err := optionalAddress(ev, 2)
		if err != nil {
			return err
		}
		kind := models.MarketLending
		if ev.HasParam(3) {
			p, _ := ev.Param(3)
			kind = models.MarketKind(strings.ToUpper(p))
		}
		return h.ListMarket(ctx, s, ev, market, input, output, kind)

	case EventDeposit, EventWithdraw, EventBorrow, EventRepay:
		account, err := ev.Address(0)
		if err != nil {
			return err
		}
		amount, err := ev.BigInt(1)
		if err != nil {
			return err
		}
		switch ev.Type {
		case EventDeposit:
			return h.Deposit(ctx, s, ev, ev.Contract, account, amount)
		case EventWithdraw:
			return h.Withdraw(ctx, s, ev, ev.Contract, account, amount)
		case EventBorrow:
			return h.Borrow(ctx, s, ev, ev.Contract, account, amount)
		default:
			return h.Repay(ctx, s, ev, ev.Contract, account, amount)
		}

	case EventLiquidate:
		p, err := liquidateParams(ev)
		if err != nil {
			return err
		}
		return h.Liquidate(ctx, s, p)

	case EventAccrueInterest:
		interest, err := ev.BigInt(0)
		if err != nil {
			return err
		}
		return h.AccrueInterest(ctx, s, ev, ev.Contract, interest)

	case EventNewReserveFactor:
		mantissa, err := ev.BigInt(0)
		if err != nil {
			return err
		}
		return h.SetReserveFactor(ctx, s, ev, ev.Contract, mantissa)

	case EventRatesUpdated:
		supply, err := optionalBigInt(ev, 0)
		if err != nil {
			return err
		}
		borrow, err := optionalBigInt(ev, 1)
		if err != nil {
			return err
		}
		unit, err := rateUnit(ev, 2)
		if err != nil {
			return err
		}
		return h.UpdateRates(ctx, s, ev, ev.Contract, supply, borrow, unit)

	case EventCollateralEnabled, EventCollateralDisabled:
		account, err := ev.Address(0)
		if err != nil {
			return err
		}
		market, err := ev.Address(1)
		if err != nil {
			return err
		}
		return h.SetCollateral(ctx, s, ev, account, market, ev.Type == EventCollateralEnabled)

	case EventRewardRateUpdated:
		u, err := rewardUpdate(ev)
		if err != nil {
			return err
		}
		return h.UpdateRewardRate(ctx, s, ev, ev.Contract, u)

	case EventStrategyAdded, EventStrategyRevoked:
		strategy, err := ev.Address(0)
		if err != nil {
			return err
		}
		if ev.Type == EventStrategyAdded {
			return h.AddStrategy(ctx, s, ev, ev.Contract, strategy)
		}
		return h.RevokeStrategy(ctx, s, ev, strategy)

	case EventHarvested:
		profit, err := ev.BigInt(0)
		if err != nil {
			return err
		}
		return h.Harvest(ctx, s, ev, ev.Contract, profit)

	case EventWithdrawalFee:
		account, err := ev.Address(0)
		if err != nil {
			return err
		}
		amount, err := ev.BigInt(1)
		if err != nil {
			return err
		}
		return h.VaultWithdrawFee(ctx, s, ev, ev.Contract, account, amount)
	}

	return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
}

func liquidateParams(ev chain.Event) (LiquidateParams, error) {
	p := LiquidateParams{Event: ev, Market: ev.Contract}
	var err error
	if p.Liquidator, err = ev.Address(0); err != nil {
		return p, err
	}
	if p.Borrower, err = ev.Address(1); err != nil {
		return p, err
	}
	if p.RepayAmount, err = ev.BigInt(2); err != nil {
		return p, err
	}
	if p.CollateralMarket, err = optionalAddress(ev, 3); err != nil {
		return p, err
	}
	if p.SeizedAmount, err = optionalBigInt(ev, 4); err != nil {
		return p, err
	}
	if p.ProfitAmount, err = optionalBigInt(ev, 5); err != nil {
		return p, err
	}
	if p.ProtocolSideProfit, err = optionalBigInt(ev, 6); err != nil {
		return p, err
	}
	return p, nil
}

func rewardUpdate(ev chain.Event) (accounting.RewardUpdate, error) {
	var u accounting.RewardUpdate
	p, err := ev.Param(0)
	if err != nil {
		return u, err
	}
	u.Type = models.RewardTokenType(strings.ToUpper(p))
	if u.Type != models.RewardDeposit && u.Type != models.RewardBorrow {
		return u, fmt.Errorf("%w: reward type %q", chain.ErrBadParam, p)
	}
	if u.Token, err = ev.Address(1); err != nil {
		return u, err
	}
	if u.RatePerUnit, err = ev.BigInt(2); err != nil {
		return u, err
	}
	if u.Unit, err = rateUnit(ev, 3); err != nil {
		return u, err
	}
	if ev.HasParam(4) {
		if u.DistributionEnd, err = ev.Int64(4); err != nil {
			return u, err
		}
	}
	return u, nil
}

func rateUnit(ev chain.Event, i int) (blockrate.RateUnit, error) {
	if !ev.HasParam(i) {
		return blockrate.UnitBlock, nil
	}
	p, _ := ev.Param(i)
	switch unit := blockrate.RateUnit(strings.ToUpper(p)); unit {
	case blockrate.UnitBlock, blockrate.UnitTimestamp:
		return unit, nil
	}
	return "", fmt.Errorf("%w: rate unit %q", chain.ErrBadParam, p)
}

func optionalAddress(ev chain.Event, i int) (string, error) {
	if !ev.HasParam(i) {
		return "", nil
	}
	return ev.Address(i)
}

func optionalBigInt(ev chain.Event, i int) (*big.Int, error) {
	if !ev.HasParam(i) {
		return nil, nil
	}
	return ev.BigInt(i)
}
