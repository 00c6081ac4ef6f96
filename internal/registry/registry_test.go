package registry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/subledger/internal/chain"
	"github.com/wnt/subledger/internal/chain/chaintest"
	"github.com/wnt/subledger/internal/models"
	"github.com/wnt/subledger/internal/store"
)

const (
	protocolID = "0x00000000000000000000000000000000000000ff"
	usdc       = "0x00000000000000000000000000000000000000c1"
	cUSDC      = "0x00000000000000000000000000000000000000c2"
)

func newTestRegistry(reader chain.ContractReader) *Registry {
	return New(reader, ProtocolInfo{ID: protocolID, Name: "Test", Slug: "test", Network: "mainnet"}, zerolog.Nop())
}

func TestIDs(t *testing.T) {
	counter := PositionCounterID("0xaa", "0xmm", models.SideLender)
	assert.Equal(t, "0xaa-0xmm-LENDER", counter)
	assert.Equal(t, "0xaa-0xmm-LENDER-1", PositionID(counter, 1))
	assert.Equal(t, "0xaa-0xmm-LENDER-1-0xhash-7", PositionSnapshotID(PositionID(counter, 1), "0xhash", 7))
	assert.Equal(t, "0xmm-19000", SnapshotID("0xmm", 19000))
	assert.Equal(t, "DEPOSIT-0xtoken", RewardTokenID(models.RewardDeposit, "0xtoken"))
	assert.Equal(t, "LENDER-VARIABLE-0xmm", InterestRateID(models.RateSideLender, models.RateVariable, "0xmm"))
	assert.Equal(t, "WITHDRAWAL_FEE-0xmm", FeeID(models.FeeWithdrawal, "0xmm"))
	assert.Equal(t, "BORROW-0xaa", ActorID(models.EventBorrow, "0xaa"))
	assert.Equal(t, "0xaa-DEPOSIT-19000", RoleActiveID("0xaa", models.EventDeposit, 19000))

	assert.Equal(t, int64(1), Day(86400))
	assert.Equal(t, int64(0), Day(86399))
	assert.Equal(t, int64(24), Hour(86400))
}

func TestLoadOrCreate(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	calls := 0
	create := func(id string) *models.PositionCounter {
		calls++
		return &models.PositionCounter{ID: id, NextCount: 1}
	}

	c, created, err := LoadOrCreate(ctx, s, "k", create)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), c.NextCount)

	c.NextCount = 5
	require.NoError(t, s.Save(ctx, c))

	c, created, err = LoadOrCreate(ctx, s, "k", create)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(5), c.NextCount)
	assert.Equal(t, 1, calls)

	missing, err := Load[models.PositionCounter](ctx, s, "other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTokenDefaultsOnRevert(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	reader := chaintest.NewReader().
		Set(usdc, chain.MethodName, "USD Coin").
		Set(usdc, chain.MethodSymbol, "USDC").
		Set(usdc, chain.MethodDecimals, uint8(6))
	r := newTestRegistry(reader)

	token, err := r.Token(ctx, s, 1, usdc)
	require.NoError(t, err)
	assert.Equal(t, "USDC", token.Symbol)
	assert.Equal(t, uint8(6), token.Decimals)

	unknown, err := r.Token(ctx, s, 1, cUSDC)
	require.NoError(t, err)
	assert.Equal(t, UnknownName, unknown.Name)
	assert.Equal(t, UnknownSymbol, unknown.Symbol)
	assert.Equal(t, DefaultDecimals, unknown.Decimals)

	// Metadata is read once, then served from the store
	_, err = r.Token(ctx, s, 2, usdc)
	require.NoError(t, err)
	assert.Equal(t, 1, reader.Calls(usdc, chain.MethodDecimals))
}

func TestAccountCountsUniqueUsers(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r := newTestRegistry(chaintest.NewReader())

	_, err := r.Account(ctx, s, "0x00000000000000000000000000000000000000AA")
	require.NoError(t, err)
	a, err := r.Account(ctx, s, "0x00000000000000000000000000000000000000aa")
	require.NoError(t, err)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", a.ID)

	p, err := r.Protocol(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.CumulativeUniqueUsers)
}

func TestCreateMarket(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	reader := chaintest.NewReader().
		Set(usdc, chain.MethodName, "USD Coin").
		Set(usdc, chain.MethodDecimals, uint8(6)).
		Set(cUSDC, chain.MethodName, "Compound USDC").
		Set(cUSDC, chain.MethodDecimals, uint8(8))
	r := newTestRegistry(reader)
	ev := chain.Event{BlockNumber: 100, Timestamp: 1_700_000_000}

	market, created, err := r.CreateMarket(ctx, s, ev, MarketParams{
		ID:          cUSDC,
		InputTokens: []string{usdc},
		OutputToken: cUSDC,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "USD Coin", market.Name)
	assert.Equal(t, models.MarketLending, market.Kind)
	assert.Equal(t, uint8(6), market.PrimaryInput().Decimals)
	assert.Equal(t, uint8(8), market.OutputTokenDecimals)
	assert.Equal(t, []string{
		InterestRateID(models.RateSideLender, models.RateVariable, cUSDC),
		InterestRateID(models.RateSideBorrower, models.RateVariable, cUSDC),
	}, market.RateIDs)

	_, created, err = r.CreateMarket(ctx, s, ev, MarketParams{ID: cUSDC, InputTokens: []string{usdc}})
	require.NoError(t, err)
	assert.False(t, created)

	p, err := r.Protocol(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, []string{cUSDC}, p.MarketIDs)
	assert.Equal(t, int64(1), p.TotalPoolCount)

	_, err = r.Market(ctx, s, usdc)
	assert.ErrorIs(t, err, ErrUnknownMarket)
}

func TestMarketSnapshotsMirrorCumulativeState(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r := newTestRegistry(chaintest.NewReader())
	market := &models.Market{ID: cUSDC, ProtocolID: protocolID}
	market.CumulativeDepositUSD = decimal.NewFromInt(10)
	ev := chain.Event{BlockNumber: 10, Timestamp: 3 * SecondsPerDay}

	daily, err := r.MarketDailySnapshot(ctx, s, market, ev)
	require.NoError(t, err)
	assert.Equal(t, SnapshotID(cUSDC, 3), daily.ID)
	assert.True(t, daily.CumulativeDepositUSD.Equal(decimal.NewFromInt(10)))
	daily.Daily.AddVolume(models.EventDeposit, decimal.NewFromInt(10))
	require.NoError(t, s.Save(ctx, daily))

	market.CumulativeDepositUSD = decimal.NewFromInt(25)
	again, err := r.MarketDailySnapshot(ctx, s, market, chain.Event{BlockNumber: 11, Timestamp: 3*SecondsPerDay + 60})
	require.NoError(t, err)
	assert.True(t, again.CumulativeDepositUSD.Equal(decimal.NewFromInt(25)))
	assert.True(t, again.Daily.DepositUSD.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, int64(11), again.BlockNumber)

	hourly, err := r.MarketHourlySnapshot(ctx, s, market, ev)
	require.NoError(t, err)
	assert.Equal(t, SnapshotID(cUSDC, 72), hourly.ID)
	assert.True(t, hourly.Hourly.DepositUSD.IsZero())
}
