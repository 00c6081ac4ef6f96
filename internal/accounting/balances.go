package accounting

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"github.com/wnt/subledger/internal/chain"
	"github.com/wnt/subledger/internal/fixedpoint"
	"github.com/wnt/subledger/internal/models"
	"github.com/wnt/subledger/internal/registry"
	"github.com/wnt/subledger/internal/store"
)

// prefetcher is implemented by oracles that can quote several tokens at once
type prefetcher interface {
	Prefetch(ctx context.Context, tokens []string, block int64) error
}

// BalanceDelta is the locally tracked change used when a balance read reverts
type BalanceDelta struct {
	// Input is the change of the primary input token held by the market
	Input *big.Int
	// Supply is the change of the output token supply
	Supply *big.Int
	// Borrow is the change of the total borrowed amount
	Borrow *big.Int
}

func add(base decimal.Decimal, delta *big.Int) *big.Int {
	out := fixedpoint.BigInt(base)
	if delta != nil {
		out.Add(out, delta)
	}
	return out
}

// SyncBalances re-reads the market's input balances, output supply and borrow total at
// the event block, falling back to the stored value plus delta when a read reverts
func (a *Accumulator) SyncBalances(ctx context.Context, ev chain.Event, market *models.Market, delta BalanceDelta) {
	for i := range market.InputTokens {
		tb := &market.InputTokens[i]
		var d *big.Int
		if i == 0 {
			d = delta.Input
		}
		fallback := add(tb.Balance, d)
		read := chain.CallBigInt(ctx, a.reader, ev.BlockNumber, tb.TokenID, chain.MethodBalanceOf, market.ID)
		if read.Reverted() {
			a.logger.Debug().Str("market", market.ID).Str("token", tb.TokenID).Msg("balanceOf reverted, using tracked balance")
		}
		balance := fixedpoint.Raw(read.ValueOr(fallback))
		if balance.IsNegative() {
			a.logger.Warn().Str("market", market.ID).Str("token", tb.TokenID).Str("balance", balance.String()).Msg("negative input balance, clamping to zero")
			balance = decimal.Zero
		}
		tb.Balance = balance
	}

	if market.OutputTokenID != "" {
		supply := chain.CallBigInt(ctx, a.reader, ev.BlockNumber, market.OutputTokenID, chain.MethodTotalSupply).
			ValueOr(add(market.OutputTokenSupply, delta.Supply))
		market.OutputTokenSupply = fixedpoint.ClampZero(fixedpoint.Raw(supply))
	}

	if market.Kind == models.MarketLending {
		borrows := chain.CallBigInt(ctx, a.reader, ev.BlockNumber, market.ID, chain.MethodTotalBorrows)
		if v, ok := borrows.Value(); ok {
			market.TotalBorrowBalance = decimal.Zero
			a.ChangeBorrowBalance(market, fixedpoint.Raw(v))
		} else {
			a.ChangeBorrowBalance(market, fixedpoint.Raw(delta.Borrow))
		}
	}
}

// ChangeBorrowBalance adds a raw delta to the market's borrow total, clamping at zero
func (a *Accumulator) ChangeBorrowBalance(market *models.Market, delta decimal.Decimal) {
	next := market.TotalBorrowBalance.Add(delta)
	if next.IsNegative() {
		a.logger.Warn().Str("market", market.ID).Str("borrow_balance", next.String()).Msg("negative borrow balance, clamping to zero")
		next = decimal.Zero
	}
	market.TotalBorrowBalance = next
}

// TokenPrice quotes a token at the event block and records it as the token's last price
func (a *Accumulator) TokenPrice(ctx context.Context, s store.Store, ev chain.Event, tokenID string) (decimal.Decimal, error) {
	token, err := a.registry.Token(ctx, s, ev.BlockNumber, tokenID)
	if err != nil {
		return decimal.Zero, err
	}
	if token.LastPriceBlockNumber == ev.BlockNumber && ev.BlockNumber > 0 {
		return token.LastPriceUSD, nil
	}

	price := a.oracle.PriceUSD(ctx, token.ID, ev.BlockNumber)
	if price.IsZero() {
		a.logger.Warn().Str("token", token.ID).Int64("block", ev.BlockNumber).Msg("no USD price for token")
	}
	token.LastPriceUSD = price
	token.LastPriceBlockNumber = ev.BlockNumber
	if err := s.Save(ctx, token); err != nil {
		return decimal.Zero, fmt.Errorf("failed to save token: %w", err)
	}
	return price, nil
}

// AmountUSD converts a raw token amount to USD at the event block
func (a *Accumulator) AmountUSD(ctx context.Context, s store.Store, ev chain.Event, tokenID string, raw *big.Int) (decimal.Decimal, error) {
	token, err := a.registry.Token(ctx, s, ev.BlockNumber, tokenID)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := a.TokenPrice(ctx, s, ev, token.ID)
	if err != nil {
		return decimal.Zero, err
	}
	return fixedpoint.ToDecimal(raw, token.Decimals).Mul(price), nil
}

// RefreshTotalValueLockedUSD re-prices every input token and recomputes the market's TVL,
// deposit and borrow balances from scratch. The changes are carried to the protocol as
// corrections rather than as volume.
func (a *Accumulator) RefreshTotalValueLockedUSD(ctx context.Context, s store.Store, ev chain.Event, market *models.Market) error {
	oldTVL := market.TotalValueLockedUSD
	oldDeposit := market.TotalDepositBalanceUSD
	oldBorrow := market.TotalBorrowBalanceUSD

	if pf, ok := a.oracle.(prefetcher); ok && len(market.InputTokens) > 1 {
		tokens := make([]string, len(market.InputTokens))
		for i, tb := range market.InputTokens {
			tokens[i] = tb.TokenID
		}
		if err := pf.Prefetch(ctx, tokens, ev.BlockNumber); err != nil {
			a.logger.Warn().Err(err).Str("market", market.ID).Msg("price prefetch failed")
		}
	}

	tvl := decimal.Zero
	for i := range market.InputTokens {
		tb := &market.InputTokens[i]
		price, err := a.TokenPrice(ctx, s, ev, tb.TokenID)
		if err != nil {
			return err
		}
		tb.PriceUSD = price
		tvl = tvl.Add(fixedpoint.FromRaw(tb.Balance, tb.Decimals).Mul(price))
	}

	borrowUSD := decimal.Zero
	borrowed := decimal.Zero
	held := decimal.Zero
	if primary := market.PrimaryInput(); primary != nil {
		borrowed = fixedpoint.FromRaw(market.TotalBorrowBalance, primary.Decimals)
		held = fixedpoint.FromRaw(primary.Balance, primary.Decimals)
		borrowUSD = borrowed.Mul(primary.PriceUSD)
	}

	market.TotalValueLockedUSD = tvl
	market.TotalBorrowBalanceUSD = borrowUSD
	market.TotalDepositBalanceUSD = tvl.Add(borrowUSD)

	if market.OutputTokenID != "" {
		supply := fixedpoint.FromRaw(market.OutputTokenSupply, market.OutputTokenDecimals)
		market.OutputTokenPriceUSD = fixedpoint.SafeDiv(market.TotalDepositBalanceUSD, supply)
		market.ExchangeRate = fixedpoint.SafeDiv(held.Add(borrowed), supply)
	}

	if err := s.Save(ctx, market); err != nil {
		return fmt.Errorf("failed to save market: %w", err)
	}
	if err := a.SnapshotMarket(ctx, s, ev, market); err != nil {
		return err
	}

	return a.touchProtocol(ctx, s, ev, func(p *models.Protocol, _ *models.Period) {
		p.TotalValueLockedUSD = p.TotalValueLockedUSD.Add(tvl.Sub(oldTVL))
		p.TotalDepositBalanceUSD = p.TotalDepositBalanceUSD.Add(market.TotalDepositBalanceUSD.Sub(oldDeposit))
		p.TotalBorrowBalanceUSD = p.TotalBorrowBalanceUSD.Add(borrowUSD.Sub(oldBorrow))
	})
}

// ReconcileProtocol recomputes the protocol's TVL, deposit and borrow balances from the
// markets it lists
func (a *Accumulator) ReconcileProtocol(ctx context.Context, s store.Store, ev chain.Event) error {
	protocol, err := a.registry.Protocol(ctx, s)
	if err != nil {
		return err
	}

	tvl, deposit, borrow := decimal.Zero, decimal.Zero, decimal.Zero
	for _, id := range protocol.MarketIDs {
		market, err := registry.Load[models.Market](ctx, s, id)
		if err != nil {
			return fmt.Errorf("failed to load market: %w", err)
		}
		if market == nil {
			a.logger.Warn().Str("market", id).Msg("protocol lists missing market")
			continue
		}
		tvl = tvl.Add(market.TotalValueLockedUSD)
		deposit = deposit.Add(market.TotalDepositBalanceUSD)
		borrow = borrow.Add(market.TotalBorrowBalanceUSD)
	}

	return a.touchProtocol(ctx, s, ev, func(p *models.Protocol, _ *models.Period) {
		p.TotalValueLockedUSD = tvl
		p.TotalDepositBalanceUSD = deposit
		p.TotalBorrowBalanceUSD = borrow
	})
}

// SetInterestRate stores a market's live rate and snapshots the market so the current
// buckets carry it
func (a *Accumulator) SetInterestRate(ctx context.Context, s store.Store, ev chain.Event, market *models.Market, side models.InterestRateSide, rateType models.InterestRateType, apy decimal.Decimal) error {
	rate, err := a.registry.InterestRate(ctx, s, market.ID, side, rateType)
	if err != nil {
		return err
	}
	rate.Rate = apy
	if err := s.Save(ctx, rate); err != nil {
		return fmt.Errorf("failed to save interest rate: %w", err)
	}

	known := false
	for _, id := range market.RateIDs {
		if id == rate.ID {
			known = true
			break
		}
	}
	if !known {
		market.RateIDs = append(market.RateIDs, rate.ID)
		if err := s.Save(ctx, market); err != nil {
			return fmt.Errorf("failed to save market: %w", err)
		}
	}

	return a.SnapshotMarket(ctx, s, ev, market)
}
