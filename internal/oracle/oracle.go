// Package oracle quotes USD token prices from a prioritized chain of on-chain sources.
package oracle

import (
	"context"
	"math/big"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/wnt/subledger/internal/chain"
	"github.com/wnt/subledger/internal/fixedpoint"
	"github.com/wnt/subledger/internal/metrics"
)

// Methods read by the price sources
const (
	MethodLatestRoundData  = "latestRoundData"
	MethodFeedDecimals     = "decimals"
	MethodGetPair          = "getPair"
	MethodGetReserves      = "getReserves"
	MethodToken0           = "token0"
	MethodRecommendedPrice = "getPriceUsdcRecommended"
)

// FeedRegistryUSD is the denomination address the feed registry uses for USD
const FeedRegistryUSD = "0x0000000000000000000000000000000000000348"

// Source is one way of quoting a token in USD. A zero quote means the source does not know the token.
type Source interface {
	Name() string
	Quote(ctx context.Context, token string, block int64) (decimal.Decimal, error)
}

// Chain tries its sources in order and returns the first non-zero quote
type Chain struct {
	sources []Source
	logger  zerolog.Logger
}

// NewChain creates an oracle over sources, tried in the given order
func NewChain(logger zerolog.Logger, sources ...Source) *Chain {
	return &Chain{
		sources: sources,
		logger:  logger.With().Str("component", "oracle").Logger(),
	}
}

// PriceUSD implements chain.PriceOracle
func (c *Chain) PriceUSD(ctx context.Context, token string, block int64) decimal.Decimal {
	token = chain.NormalizeAddress(token)
	for _, src := range c.sources {
		price, err := src.Quote(ctx, token, block)
		if err != nil {
			metrics.RecordPriceLookup(src.Name(), "error")
			c.logger.Debug().Err(err).Str("source", src.Name()).Str("token", token).Msg("price source failed")
			continue
		}
		if price.IsPositive() {
			metrics.RecordPriceLookup(src.Name(), "hit")
			return price
		}
		metrics.RecordPriceLookup(src.Name(), "miss")
	}

	c.logger.Warn().Str("token", token).Int64("block", block).Msg("no price source could quote token")
	return decimal.Zero
}

// Static quotes fixed prices, typically for stablecoins
type Static struct {
	prices map[string]decimal.Decimal
}

// NewStatic creates a static source from token to price
func NewStatic(prices map[string]decimal.Decimal) *Static {
	s := &Static{prices: make(map[string]decimal.Decimal, len(prices))}
	for token, price := range prices {
		s.prices[chain.NormalizeAddress(token)] = price
	}
	return s
}

func (s *Static) Name() string { return "static" }

// Quote implements Source
func (s *Static) Quote(_ context.Context, token string, _ int64) (decimal.Decimal, error) {
	return s.prices[chain.NormalizeAddress(token)], nil
}

// FeedRegistry quotes through a Chainlink-style feed registry
type FeedRegistry struct {
	reader   chain.ContractReader
	registry string
}

// NewFeedRegistry creates a feed registry source
func NewFeedRegistry(reader chain.ContractReader, registry string) *FeedRegistry {
	return &FeedRegistry{reader: reader, registry: chain.NormalizeAddress(registry)}
}

func (f *FeedRegistry) Name() string { return "feed_registry" }

// Quote implements Source
func (f *FeedRegistry) Quote(ctx context.Context, token string, block int64) (decimal.Decimal, error) {
	round := f.reader.Call(ctx, block, f.registry, MethodLatestRoundData, token, FeedRegistryUSD)
	answer := output(round, 1).ValueOr(nil)
	if answer == nil || answer.Sign() <= 0 {
		return decimal.Zero, nil
	}
	decimals := chain.CallUint8(ctx, f.reader, block, f.registry, MethodFeedDecimals, token, FeedRegistryUSD).ValueOr(8)
	return decimal.NewFromBigInt(answer, -int32(decimals)), nil
}

// AMMQuote prices a token from the reserves of its pair with a USD stablecoin
type AMMQuote struct {
	reader  chain.ContractReader
	factory string
	usd     string
}

// NewAMMQuote creates a constant-product pair source
func NewAMMQuote(reader chain.ContractReader, factory, usdToken string) *AMMQuote {
	return &AMMQuote{
		reader:  reader,
		factory: chain.NormalizeAddress(factory),
		usd:     chain.NormalizeAddress(usdToken),
	}
}

func (a *AMMQuote) Name() string { return "amm" }

// Quote implements Source
func (a *AMMQuote) Quote(ctx context.Context, token string, block int64) (decimal.Decimal, error) {
	if token == a.usd {
		return decimal.NewFromInt(1), nil
	}

	pair := chain.CallAddress(ctx, a.reader, block, a.factory, MethodGetPair, token, a.usd).ValueOr(chain.ZeroAddress)
	if pair == chain.ZeroAddress {
		return decimal.Zero, nil
	}

	reserves := a.reader.Call(ctx, block, pair, MethodGetReserves)
	reserve0 := output(reserves, 0).ValueOr(nil)
	reserve1 := output(reserves, 1).ValueOr(nil)
	if reserve0 == nil || reserve1 == nil || reserve0.Sign() == 0 || reserve1.Sign() == 0 {
		return decimal.Zero, nil
	}

	token0 := chain.CallAddress(ctx, a.reader, block, pair, MethodToken0).ValueOr("")
	tokenReserve, usdReserve := reserve0, reserve1
	if token0 != token {
		tokenReserve, usdReserve = reserve1, reserve0
	}

	tokenDecimals := chain.CallUint8(ctx, a.reader, block, token, chain.MethodDecimals).ValueOr(18)
	usdDecimals := chain.CallUint8(ctx, a.reader, block, a.usd, chain.MethodDecimals).ValueOr(18)

	return fixedpoint.SafeDiv(
		decimal.NewFromBigInt(usdReserve, -int32(usdDecimals)),
		decimal.NewFromBigInt(tokenReserve, -int32(tokenDecimals)),
	), nil
}

// Calculator quotes through a calculation contract reporting prices with 6 decimals
type Calculator struct {
	reader     chain.ContractReader
	calculator string
}

// NewCalculator creates a calculation-contract source
func NewCalculator(reader chain.ContractReader, calculator string) *Calculator {
	return &Calculator{reader: reader, calculator: chain.NormalizeAddress(calculator)}
}

func (c *Calculator) Name() string { return "calculator" }

// Quote implements Source
func (c *Calculator) Quote(ctx context.Context, token string, block int64) (decimal.Decimal, error) {
	price := chain.CallBigInt(ctx, c.reader, block, c.calculator, MethodRecommendedPrice, token).ValueOr(nil)
	if price == nil || price.Sign() <= 0 {
		return decimal.Zero, nil
	}
	return decimal.NewFromBigInt(price, -6), nil
}

// output picks the integer at index i of a multi-value read
func output(r chain.Result[[]any], i int) chain.Result[*big.Int] {
	return chain.Map(r, func(out []any) (*big.Int, bool) {
		if i >= len(out) {
			return nil, false
		}
		v, ok := out[i].(*big.Int)
		return v, ok && v != nil
	})
}
