package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/wnt/subledger/internal/chain"
	"github.com/wnt/subledger/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	redisKeyPrefix = "subledger:price:"
	redisTTL       = 2 * time.Hour
	prefetchLimit  = 8
)

type cachedPrice struct {
	Price decimal.Decimal `json:"price"`
	Block int64           `json:"block"`
}

func (c cachedPrice) fresh(block, window int64) bool {
	return block >= c.Block && block-c.Block < window
}

// Cache reuses a token's price for a bounded number of blocks. Prices live in process
// memory and, when a redis client is given, in redis shared across processes.
type Cache struct {
	next   chain.PriceOracle
	window int64
	local  *xsync.Map[string, cachedPrice]
	redis  *redis.Client
	logger zerolog.Logger
}

// NewCache wraps next with a price cache valid for window blocks. rdb may be nil.
func NewCache(next chain.PriceOracle, window int64, rdb *redis.Client, logger zerolog.Logger) *Cache {
	if window < 1 {
		window = 1
	}
	return &Cache{
		next:   next,
		window: window,
		local:  xsync.NewMap[string, cachedPrice](),
		redis:  rdb,
		logger: logger.With().Str("component", "price_cache").Logger(),
	}
}

// PriceUSD implements chain.PriceOracle
func (c *Cache) PriceUSD(ctx context.Context, token string, block int64) decimal.Decimal {
	token = chain.NormalizeAddress(token)

	if cached, ok := c.local.Load(token); ok && cached.fresh(block, c.window) {
		metrics.RecordPriceCache("memory", true)
		return cached.Price
	}
	metrics.RecordPriceCache("memory", false)

	if c.redis != nil {
		cached, err := c.loadShared(ctx, token)
		if err != nil {
			c.logger.Debug().Err(err).Str("token", token).Msg("shared price cache read failed")
		}
		if err == nil && cached != nil && cached.fresh(block, c.window) {
			metrics.RecordPriceCache("redis", true)
			c.local.Store(token, *cached)
			return cached.Price
		}
		metrics.RecordPriceCache("redis", false)
	}

	price := c.next.PriceUSD(ctx, token, block)
	if price.IsZero() {
		// a miss is retried on the next lookup
		return price
	}
	entry := cachedPrice{Price: price, Block: block}
	c.local.Store(token, entry)
	if c.redis != nil {
		if err := c.storeShared(ctx, token, entry); err != nil {
			c.logger.Debug().Err(err).Str("token", token).Msg("shared price cache write failed")
		}
	}
	return price
}

func (c *Cache) loadShared(ctx context.Context, token string) (*cachedPrice, error) {
	raw, err := c.redis.Get(ctx, redisKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached price: %w", err)
	}
	var cached cachedPrice
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, fmt.Errorf("failed to decode cached price: %w", err)
	}
	return &cached, nil
}

func (c *Cache) storeShared(ctx context.Context, token string, entry cachedPrice) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cached price: %w", err)
	}
	if err := c.redis.Set(ctx, redisKeyPrefix+token, raw, redisTTL).Err(); err != nil {
		return fmt.Errorf("failed to set cached price: %w", err)
	}
	return nil
}

// Prefetch warms the cache for tokens at block, quoting them concurrently
func (c *Cache) Prefetch(ctx context.Context, tokens []string, block int64) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchLimit)
	for _, token := range tokens {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c.PriceUSD(ctx, token, block)
			return nil
		})
	}
	return g.Wait()
}

// Prune drops in-process entries that can no longer be served at block
func (c *Cache) Prune(block int64) int {
	removed := 0
	c.local.Range(func(token string, cached cachedPrice) bool {
		if block-cached.Block >= c.window {
			c.local.Delete(token)
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of in-process entries
func (c *Cache) Len() int {
	return c.local.Size()
}
