package accounting

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"github.com/wnt/subledger/internal/blockrate"
	"github.com/wnt/subledger/internal/chain"
	"github.com/wnt/subledger/internal/fixedpoint"
	"github.com/wnt/subledger/internal/models"
	"github.com/wnt/subledger/internal/store"
)

// RewardUpdate is a change of a market's reward emission rate
type RewardUpdate struct {
	Type  models.RewardTokenType
	Token string
	// RatePerUnit is the raw reward amount emitted per block or per second
	RatePerUnit *big.Int
	Unit        blockrate.RateUnit
	// DistributionEnd is the timestamp emissions stop at; zero means open-ended
	DistributionEnd int64
}

// UpdateRewardEmissions converts a reward rate to a daily amount and USD value and stores
// it on the market
func (a *Accumulator) UpdateRewardEmissions(ctx context.Context, s store.Store, ev chain.Event, market *models.Market, u RewardUpdate) error {
	if fixedpoint.IsNegative(u.RatePerUnit) {
		return fmt.Errorf("%w: reward rate %s on %s", ErrNegativeAmount, u.RatePerUnit, market.ID)
	}

	rewardToken, err := a.registry.RewardToken(ctx, s, ev.BlockNumber, u.Type, u.Token)
	if err != nil {
		return err
	}
	token, err := a.registry.Token(ctx, s, ev.BlockNumber, rewardToken.TokenID)
	if err != nil {
		return err
	}

	estimator, err := blockrate.Load(ctx, s, a.registry.Network(), a.logger)
	if err != nil {
		return err
	}
	perDay := estimator.RewardsPerDay(ev.Timestamp, ev.BlockNumber, fixedpoint.Raw(u.RatePerUnit), u.Unit).Truncate(0)
	if err := estimator.Save(ctx, s); err != nil {
		return err
	}

	if u.DistributionEnd > 0 && ev.Timestamp > u.DistributionEnd {
		perDay = decimal.Zero
	}

	price, err := a.TokenPrice(ctx, s, ev, token.ID)
	if err != nil {
		return err
	}

	market.SetRewardEmission(models.RewardEmission{
		TokenID:      rewardToken.ID,
		AmountPerDay: perDay,
		USDPerDay:    fixedpoint.FromRaw(perDay, token.Decimals).Mul(price),
	})
	if err := s.Save(ctx, market); err != nil {
		return fmt.Errorf("failed to save market: %w", err)
	}
	return a.SnapshotMarket(ctx, s, ev, market)
}
