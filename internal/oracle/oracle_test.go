package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/subledger/internal/chain"
	"github.com/wnt/subledger/internal/chain/chaintest"
)

const (
	weth     = "0x00000000000000000000000000000000000000e1"
	usdc     = "0x00000000000000000000000000000000000000e2"
	pair     = "0x00000000000000000000000000000000000000e3"
	factory  = "0x00000000000000000000000000000000000000e4"
	feeds    = "0x00000000000000000000000000000000000000e5"
	calc     = "0x00000000000000000000000000000000000000e6"
	unlisted = "0x00000000000000000000000000000000000000e7"
)

type failingSource struct{}

func (failingSource) Name() string { return "failing" }
func (failingSource) Quote(context.Context, string, int64) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("boom")
}

func TestChainReturnsFirstNonZeroQuote(t *testing.T) {
	ctx := context.Background()
	first := NewStatic(map[string]decimal.Decimal{usdc: decimal.NewFromInt(1)})
	second := NewStatic(map[string]decimal.Decimal{weth: decimal.NewFromInt(2000), usdc: decimal.NewFromInt(5)})
	c := NewChain(zerolog.Nop(), failingSource{}, first, second)

	assert.True(t, c.PriceUSD(ctx, usdc, 1).Equal(decimal.NewFromInt(1)))
	assert.True(t, c.PriceUSD(ctx, weth, 1).Equal(decimal.NewFromInt(2000)))
	assert.True(t, c.PriceUSD(ctx, unlisted, 1).IsZero())
}

func TestFeedRegistry(t *testing.T) {
	ctx := context.Background()
	reader := chaintest.NewReader().
		SetOutputs(feeds, MethodLatestRoundData, []any{big.NewInt(1), big.NewInt(250_012_345_678), big.NewInt(0), big.NewInt(0), big.NewInt(1)}, weth, FeedRegistryUSD).
		Set(feeds, MethodFeedDecimals, uint8(8), weth, FeedRegistryUSD)
	src := NewFeedRegistry(reader, feeds)

	price, err := src.Quote(ctx, weth, 10)
	require.NoError(t, err)
	assert.Equal(t, "2500.12345678", price.String())

	price, err = src.Quote(ctx, usdc, 10)
	require.NoError(t, err)
	assert.True(t, price.IsZero())
}

func TestAMMQuote(t *testing.T) {
	ctx := context.Background()
	reader := chaintest.NewReader().
		Set(factory, MethodGetPair, pair, weth, usdc).
		SetOutputs(pair, MethodGetReserves, []any{
			big.NewInt(0).Mul(big.NewInt(10), big.NewInt(1_000_000_000_000_000_000)), // 10 WETH
			big.NewInt(30_000_000_000), // 30,000 USDC
			uint32(0),
		}).
		Set(pair, MethodToken0, weth).
		Set(weth, chain.MethodDecimals, uint8(18)).
		Set(usdc, chain.MethodDecimals, uint8(6))
	src := NewAMMQuote(reader, factory, usdc)

	price, err := src.Quote(ctx, weth, 1)
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(3000)), "got %s", price)

	one, err := src.Quote(ctx, usdc, 1)
	require.NoError(t, err)
	assert.True(t, one.Equal(decimal.NewFromInt(1)))

	none, err := src.Quote(ctx, unlisted, 1)
	require.NoError(t, err)
	assert.True(t, none.IsZero())
}

func TestCalculator(t *testing.T) {
	ctx := context.Background()
	reader := chaintest.NewReader().Set(calc, MethodRecommendedPrice, big.NewInt(1_234_567), weth)
	src := NewCalculator(reader, calc)

	price, err := src.Quote(ctx, weth, 1)
	require.NoError(t, err)
	assert.Equal(t, "1.234567", price.String())
}

func TestCacheReusesPriceWithinWindow(t *testing.T) {
	ctx := context.Background()
	backing := chaintest.NewOracle().SetPrice(weth, decimal.NewFromInt(2000))
	cache := NewCache(backing, 300, nil, zerolog.Nop())

	assert.True(t, cache.PriceUSD(ctx, weth, 1000).Equal(decimal.NewFromInt(2000)))
	backing.SetPrice(weth, decimal.NewFromInt(2100))

	assert.True(t, cache.PriceUSD(ctx, weth, 1299).Equal(decimal.NewFromInt(2000)))
	assert.Equal(t, 1, backing.Calls())

	assert.True(t, cache.PriceUSD(ctx, weth, 1300).Equal(decimal.NewFromInt(2100)))
	assert.Equal(t, 2, backing.Calls())

	// A replayed earlier block is not served a later price
	cache.PriceUSD(ctx, weth, 900)
	assert.Equal(t, 3, backing.Calls())
}

func TestCachePrefetchAndPrune(t *testing.T) {
	ctx := context.Background()
	backing := chaintest.NewOracle().
		SetPrice(weth, decimal.NewFromInt(2000)).
		SetPrice(usdc, decimal.NewFromInt(1))
	cache := NewCache(backing, 10, nil, zerolog.Nop())

	require.NoError(t, cache.Prefetch(ctx, []string{weth, usdc, unlisted}, 100))
	assert.Equal(t, 2, cache.Len(), "unpriced tokens are not cached")
	assert.Equal(t, 3, backing.Calls())

	cache.PriceUSD(ctx, usdc, 105)
	assert.Equal(t, 3, backing.Calls())

	assert.Equal(t, 2, cache.Prune(110))
	assert.Equal(t, 0, cache.Len())
}

func TestCacheRetriesMissingPrice(t *testing.T) {
	ctx := context.Background()
	backing := chaintest.NewOracle()
	cache := NewCache(backing, 300, nil, zerolog.Nop())

	assert.True(t, cache.PriceUSD(ctx, weth, 1000).IsZero())
	assert.Equal(t, 0, cache.Len())

	backing.SetPrice(weth, decimal.NewFromInt(2000))
	assert.True(t, cache.PriceUSD(ctx, weth, 1001).Equal(decimal.NewFromInt(2000)))
	assert.Equal(t, 2, backing.Calls())

	assert.True(t, cache.PriceUSD(ctx, weth, 1002).Equal(decimal.NewFromInt(2000)))
	assert.Equal(t, 2, backing.Calls())
}
