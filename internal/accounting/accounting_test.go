package accounting

import (
	"context"
	"math/big"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/subledger/internal/blockrate"
	"github.com/wnt/subledger/internal/chain"
	"github.com/wnt/subledger/internal/chain/chaintest"
	"github.com/wnt/subledger/internal/models"
	"github.com/wnt/subledger/internal/registry"
	"github.com/wnt/subledger/internal/store"
)

const (
	protocolID = "0x00000000000000000000000000000000000000ff"
	accountID  = "0x00000000000000000000000000000000000000aa"
	marketID   = "0x00000000000000000000000000000000000000bb"
	tokenID    = "0x00000000000000000000000000000000000000cc"
	rewardID   = "0x00000000000000000000000000000000000000dd"
	dayStart   = int64(19_700) * 86400
)

type fixture struct {
	ctx    context.Context
	store  *store.KV
	reader *chaintest.Reader
	oracle *chaintest.Oracle
	reg    *registry.Registry
	acc    *Accumulator
	market *models.Market
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:    context.Background(),
		store:  store.NewMemory(),
		reader: chaintest.NewReader().Set(tokenID, chain.MethodDecimals, uint8(18)).Set(rewardID, chain.MethodDecimals, uint8(18)),
		oracle: chaintest.NewOracle().SetPrice(tokenID, decimal.NewFromInt(2)).SetPrice(rewardID, decimal.RequireFromString("0.5")),
	}
	f.reg = registry.New(f.reader, registry.ProtocolInfo{ID: protocolID, Network: "bsc"}, zerolog.Nop())
	f.acc = New(f.reg, f.reader, f.oracle, zerolog.Nop())

	var err error
	f.market, _, err = f.reg.CreateMarket(f.ctx, f.store, event(dayStart), registry.MarketParams{
		ID:          marketID,
		InputTokens: []string{tokenID},
	})
	require.NoError(t, err)
	return f
}

func event(ts int64) chain.Event {
	return chain.Event{TxHash: "0xabc", LogIndex: 1, BlockNumber: ts / 3, Timestamp: ts}
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func (f *fixture) protocol(t *testing.T) *models.Protocol {
	t.Helper()
	p, err := f.reg.Protocol(f.ctx, f.store)
	require.NoError(t, err)
	return p
}

func assertRevenueSplit(t *testing.T, totals models.Totals) {
	t.Helper()
	sum := totals.CumulativeSupplySideRevenueUSD.Add(totals.CumulativeProtocolSideRevenueUSD)
	assert.True(t, totals.CumulativeTotalRevenueUSD.Equal(sum), "total %s != %s", totals.CumulativeTotalRevenueUSD, sum)
}

func assertPeriodSplit(t *testing.T, p models.Period) {
	t.Helper()
	sum := p.SupplySideRevenueUSD.Add(p.ProtocolSideRevenueUSD)
	assert.True(t, p.TotalRevenueUSD.Equal(sum), "period total %s != %s", p.TotalRevenueUSD, sum)
}

func TestTVLMatchesBalancesAfterEveryChange(t *testing.T) {
	f := newFixture(t)

	steps := []int64{5, 3, -2, 10, -16, 7, -1}
	held := big.NewInt(0)
	for i, step := range steps {
		ev := event(dayStart + int64(i)*60)
		held.Add(held, ether(step))

		f.acc.SyncBalances(f.ctx, ev, f.market, BalanceDelta{Input: ether(step)})
		require.NoError(t, f.acc.RefreshTotalValueLockedUSD(f.ctx, f.store, ev, f.market))

		want := decimal.NewFromBigInt(held, -18).Mul(decimal.NewFromInt(2))
		assert.True(t, f.market.TotalValueLockedUSD.Equal(want), "step %d: tvl %s want %s", i, f.market.TotalValueLockedUSD, want)
		assert.True(t, f.protocol(t).TotalValueLockedUSD.Equal(want), "step %d: protocol tvl", i)
	}
	assert.Equal(t, "6000000000000000000", f.market.PrimaryInput().Balance.String())
}

func TestSyncBalancesPrefersChainReads(t *testing.T) {
	f := newFixture(t)
	f.reader.Set(tokenID, chain.MethodBalanceOf, ether(40), marketID)
	f.reader.Set(marketID, chain.MethodTotalBorrows, ether(15))
	ev := event(dayStart)

	f.acc.SyncBalances(f.ctx, ev, f.market, BalanceDelta{Input: ether(1), Borrow: ether(1)})
	require.NoError(t, f.acc.RefreshTotalValueLockedUSD(f.ctx, f.store, ev, f.market))

	assert.Equal(t, ether(40).String(), f.market.PrimaryInput().Balance.String())
	assert.Equal(t, ether(15).String(), f.market.TotalBorrowBalance.String())
	assert.True(t, f.market.TotalValueLockedUSD.Equal(decimal.NewFromInt(80)))
	assert.True(t, f.market.TotalBorrowBalanceUSD.Equal(decimal.NewFromInt(30)))
	assert.True(t, f.market.TotalDepositBalanceUSD.Equal(decimal.NewFromInt(110)))
}

func TestChangeBorrowBalanceClampsAtZero(t *testing.T) {
	f := newFixture(t)
	f.acc.ChangeBorrowBalance(f.market, decimal.NewFromInt(10))
	f.acc.ChangeBorrowBalance(f.market, decimal.NewFromInt(-25))
	assert.True(t, f.market.TotalBorrowBalance.IsZero())
}

func TestRevenueSplitHoldsAtEveryLevel(t *testing.T) {
	f := newFixture(t)

	splits := []struct{ supply, protocol string }{
		{"70", "30"},
		{"0.000000000000000001", "0"},
		{"0", "12.5"},
		{"3.333333333333333333", "1.111111111111111111"},
	}
	for i, split := range splits {
		ev := event(dayStart + int64(i)*1800)
		err := f.acc.AddRevenue(f.ctx, f.store, ev, f.market, decimal.RequireFromString(split.supply), decimal.RequireFromString(split.protocol))
		require.NoError(t, err)

		assertRevenueSplit(t, f.market.Totals)
		assertRevenueSplit(t, f.protocol(t).Totals)

		daily, err := registry.Load[models.MarketDailySnapshot](f.ctx, f.store, registry.SnapshotID(marketID, registry.Day(ev.Timestamp)))
		require.NoError(t, err)
		assertRevenueSplit(t, daily.Totals)
		assertPeriodSplit(t, daily.Daily)

		hourly, err := registry.Load[models.MarketHourlySnapshot](f.ctx, f.store, registry.SnapshotID(marketID, registry.Hour(ev.Timestamp)))
		require.NoError(t, err)
		assertRevenueSplit(t, hourly.Totals)
		assertPeriodSplit(t, hourly.Hourly)

		fin, err := registry.Load[models.FinancialsDailySnapshot](f.ctx, f.store, registry.SnapshotID(protocolID, registry.Day(ev.Timestamp)))
		require.NoError(t, err)
		assertRevenueSplit(t, fin.Totals)
		assertPeriodSplit(t, fin.Daily)
	}

	assert.Equal(t, "116.944444444444444445", f.market.CumulativeTotalRevenueUSD.String())
}

func TestAddRevenueGuards(t *testing.T) {
	f := newFixture(t)
	ev := event(dayStart)

	err := f.acc.AddRevenue(f.ctx, f.store, ev, f.market, decimal.NewFromInt(-1), decimal.Zero)
	assert.ErrorIs(t, err, ErrNegativeAmount)

	require.NoError(t, f.acc.AddRevenue(f.ctx, f.store, ev, f.market, decimal.Zero, decimal.Zero))
	daily, err := registry.Load[models.MarketDailySnapshot](f.ctx, f.store, registry.SnapshotID(marketID, registry.Day(ev.Timestamp)))
	require.NoError(t, err)
	assert.Nil(t, daily)
}

func TestSnapshotsStartFromCurrentCumulativeState(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.acc.AddVolume(f.ctx, f.store, event(dayStart), f.market, accountID, decimal.NewFromInt(100), models.EventDeposit))
	require.NoError(t, f.acc.AddVolume(f.ctx, f.store, event(dayStart+86400), f.market, accountID, decimal.NewFromInt(40), models.EventDeposit))

	next, err := registry.Load[models.MarketDailySnapshot](f.ctx, f.store, registry.SnapshotID(marketID, registry.Day(dayStart)+1))
	require.NoError(t, err)
	assert.True(t, next.CumulativeDepositUSD.Equal(decimal.NewFromInt(140)))
	assert.True(t, next.Daily.DepositUSD.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, int64(1), next.Daily.DepositCount)

	prev, err := registry.Load[models.MarketDailySnapshot](f.ctx, f.store, registry.SnapshotID(marketID, registry.Day(dayStart)))
	require.NoError(t, err)
	assert.True(t, prev.CumulativeDepositUSD.Equal(decimal.NewFromInt(100)))
}

func TestWithdrawIsPeriodOnly(t *testing.T) {
	f := newFixture(t)
	ev := event(dayStart)

	require.NoError(t, f.acc.AddVolume(f.ctx, f.store, ev, f.market, accountID, decimal.NewFromInt(9), models.EventWithdraw))
	assert.True(t, f.market.CumulativeDepositUSD.IsZero())

	hourly, err := registry.Load[models.MarketHourlySnapshot](f.ctx, f.store, registry.SnapshotID(marketID, registry.Hour(ev.Timestamp)))
	require.NoError(t, err)
	assert.True(t, hourly.Hourly.WithdrawUSD.Equal(decimal.NewFromInt(9)))
	assert.Equal(t, int64(1), hourly.Hourly.WithdrawCount)
	assert.Equal(t, int64(1), hourly.Hourly.TransactionCount)
}

func TestUsageCountsActiveAccountsOncePerBucket(t *testing.T) {
	f := newFixture(t)
	other := "0x00000000000000000000000000000000000000ee"

	require.NoError(t, f.acc.AddVolume(f.ctx, f.store, event(dayStart), f.market, accountID, decimal.NewFromInt(1), models.EventDeposit))
	require.NoError(t, f.acc.AddVolume(f.ctx, f.store, event(dayStart+60), f.market, accountID, decimal.NewFromInt(1), models.EventDeposit))
	require.NoError(t, f.acc.AddVolume(f.ctx, f.store, event(dayStart+120), f.market, accountID, decimal.NewFromInt(1), models.EventBorrow))
	require.NoError(t, f.acc.AddVolume(f.ctx, f.store, event(dayStart+7200), f.market, other, decimal.NewFromInt(1), models.EventLiquidate))
	require.NoError(t, f.acc.RecordLiquidatee(f.ctx, f.store, event(dayStart+7200), accountID))

	daily, err := registry.Load[models.UsageMetricsDailySnapshot](f.ctx, f.store, registry.SnapshotID(protocolID, registry.Day(dayStart)))
	require.NoError(t, err)
	assert.Equal(t, int64(2), daily.ActiveUsers)
	assert.Equal(t, int64(1), daily.ActiveDepositors)
	assert.Equal(t, int64(1), daily.ActiveBorrowers)
	assert.Equal(t, int64(1), daily.ActiveLiquidators)
	assert.Equal(t, int64(1), daily.ActiveLiquidatees)
	assert.Equal(t, int64(4), daily.Daily.TransactionCount)
	assert.Equal(t, int64(2), daily.Daily.DepositCount)

	firstHour, err := registry.Load[models.UsageMetricsHourlySnapshot](f.ctx, f.store, registry.SnapshotID(protocolID, registry.Hour(dayStart)))
	require.NoError(t, err)
	assert.Equal(t, int64(1), firstHour.ActiveUsers)
	assert.Equal(t, int64(3), firstHour.Hourly.TransactionCount)

	laterHour, err := registry.Load[models.UsageMetricsHourlySnapshot](f.ctx, f.store, registry.SnapshotID(protocolID, registry.Hour(dayStart+7200)))
	require.NoError(t, err)
	assert.Equal(t, int64(2), laterHour.ActiveUsers)
	assert.Equal(t, int64(1), laterHour.Hourly.TransactionCount)
}

func TestPastSnapshotRatesAreNotRewritten(t *testing.T) {
	f := newFixture(t)
	dayD := event(dayStart + 100)

	require.NoError(t, f.acc.SetInterestRate(f.ctx, f.store, dayD, f.market, models.RateSideLender, models.RateVariable, decimal.RequireFromString("3.5")))

	snapD, err := registry.Load[models.MarketDailySnapshot](f.ctx, f.store, registry.SnapshotID(marketID, registry.Day(dayD.Timestamp)))
	require.NoError(t, err)
	lenderRateID := registry.InterestRateID(models.RateSideLender, models.RateVariable, marketID)
	frozenID := registry.SnapshotID(lenderRateID, registry.Day(dayD.Timestamp))
	assert.Contains(t, snapD.RateIDs, frozenID)

	next := event(dayStart + 86400 + 100)
	require.NoError(t, f.acc.SetInterestRate(f.ctx, f.store, next, f.market, models.RateSideLender, models.RateVariable, decimal.RequireFromString("9.75")))

	frozen, err := registry.Load[models.InterestRate](f.ctx, f.store, frozenID)
	require.NoError(t, err)
	require.NotNil(t, frozen)
	assert.True(t, frozen.Rate.Equal(decimal.RequireFromString("3.5")))

	live, err := registry.Load[models.InterestRate](f.ctx, f.store, lenderRateID)
	require.NoError(t, err)
	assert.True(t, live.Rate.Equal(decimal.RequireFromString("9.75")))

	snapD, err = registry.Load[models.MarketDailySnapshot](f.ctx, f.store, registry.SnapshotID(marketID, registry.Day(dayD.Timestamp)))
	require.NoError(t, err)
	assert.Contains(t, snapD.RateIDs, frozenID)
}

func TestRewardEmissions(t *testing.T) {
	f := newFixture(t)
	ev := event(dayStart)

	err := f.acc.UpdateRewardEmissions(f.ctx, f.store, ev, f.market, RewardUpdate{
		Type:        models.RewardDeposit,
		Token:       rewardID,
		RatePerUnit: big.NewInt(1_000_000_000_000_000),
		Unit:        blockrate.UnitTimestamp,
	})
	require.NoError(t, err)

	emission, ok := f.market.RewardEmission(registry.RewardTokenID(models.RewardDeposit, rewardID))
	require.True(t, ok)
	assert.Equal(t, "86400000000000000000", emission.AmountPerDay.String())
	assert.True(t, emission.USDPerDay.Equal(decimal.RequireFromString("43.2")))

	err = f.acc.UpdateRewardEmissions(f.ctx, f.store, ev, f.market, RewardUpdate{
		Type:        models.RewardBorrow,
		Token:       rewardID,
		RatePerUnit: big.NewInt(10),
		Unit:        blockrate.UnitBlock,
	})
	require.NoError(t, err)
	borrowSide, ok := f.market.RewardEmission(registry.RewardTokenID(models.RewardBorrow, rewardID))
	require.True(t, ok)
	// bsc starts at 17280 blocks per day
	assert.Equal(t, "172800", borrowSide.AmountPerDay.String())

	// Emissions stay ordered by reward token id
	require.Len(t, f.market.RewardEmissions, 2)
	assert.Equal(t, registry.RewardTokenID(models.RewardBorrow, rewardID), f.market.RewardEmissions[0].TokenID)

	err = f.acc.UpdateRewardEmissions(f.ctx, f.store, ev, f.market, RewardUpdate{
		Type:            models.RewardDeposit,
		Token:           rewardID,
		RatePerUnit:     big.NewInt(5),
		Unit:            blockrate.UnitTimestamp,
		DistributionEnd: ev.Timestamp - 1,
	})
	require.NoError(t, err)
	ended, _ := f.market.RewardEmission(registry.RewardTokenID(models.RewardDeposit, rewardID))
	assert.True(t, ended.AmountPerDay.IsZero())
	assert.True(t, ended.USDPerDay.IsZero())
}

func TestReconcileProtocol(t *testing.T) {
	f := newFixture(t)
	ev := event(dayStart)

	f.acc.SyncBalances(f.ctx, ev, f.market, BalanceDelta{Input: ether(3)})
	require.NoError(t, f.acc.RefreshTotalValueLockedUSD(f.ctx, f.store, ev, f.market))

	// Drift the aggregate, then rebuild it from the market list
	p := f.protocol(t)
	p.TotalValueLockedUSD = decimal.NewFromInt(999)
	require.NoError(t, f.store.Save(f.ctx, p))

	require.NoError(t, f.acc.ReconcileProtocol(f.ctx, f.store, ev))
	assert.True(t, f.protocol(t).TotalValueLockedUSD.Equal(decimal.NewFromInt(6)))
}

type prefetchingOracle struct {
	*chaintest.Oracle
	batches [][]string
}

func (o *prefetchingOracle) Prefetch(_ context.Context, tokens []string, _ int64) error {
	o.batches = append(o.batches, tokens)
	return nil
}

func TestRefreshPrefetchesMultiTokenMarkets(t *testing.T) {
	f := newFixture(t)
	other := "0x00000000000000000000000000000000000000ee"
	f.reader.Set(other, chain.MethodDecimals, uint8(18))
	oracle := &prefetchingOracle{Oracle: f.oracle.SetPrice(other, decimal.NewFromInt(1))}
	acc := New(f.reg, f.reader, oracle, zerolog.Nop())

	pool, _, err := f.reg.CreateMarket(f.ctx, f.store, event(dayStart), registry.MarketParams{
		ID:          "0x00000000000000000000000000000000000000b2",
		InputTokens: []string{tokenID, other},
		Kind:        models.MarketPool,
	})
	require.NoError(t, err)

	require.NoError(t, acc.RefreshTotalValueLockedUSD(f.ctx, f.store, event(dayStart+10), pool))
	require.Len(t, oracle.batches, 1)
	assert.ElementsMatch(t, []string{tokenID, other}, oracle.batches[0])

	require.NoError(t, acc.RefreshTotalValueLockedUSD(f.ctx, f.store, event(dayStart+20), f.market))
	assert.Len(t, oracle.batches, 1, "single-token markets are priced directly")
}
