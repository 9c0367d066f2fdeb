package price

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/canopyx-points/pkg/db"
	"github.com/canopy-network/canopyx-points/pkg/db/models/points"
	"github.com/canopy-network/canopyx-points/pkg/utils"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultMemoEntries = 100_000

// Cache is a shared string cache, satisfied by *redis.Client.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Cached memoizes successful lookups of an inner provider. Historical prices never change, so
// entries live until the in-process memo is reset on overflow. Failures are never cached.
//
// Lookups go memo, persisted block prices, shared cache, then the inner provider.
type Cached struct {
	inner      Provider
	memo       *xsync.Map[string, decimal.Decimal]
	store      db.BlockPrices
	shared     Cache
	ttl        time.Duration
	maxEntries int
	logger     *zap.Logger
}

// CachedOption customizes a Cached provider.
type CachedOption func(*Cached)

// WithBlockPrices persists every price fetched from the inner provider and serves later
// lookups from the store.
func WithBlockPrices(store db.BlockPrices) CachedOption {
	return func(c *Cached) {
		c.store = store
	}
}

// NewCached wraps inner. shared may be nil to keep the cache in-process only.
func NewCached(inner Provider, shared Cache, ttl time.Duration, logger *zap.Logger, opts ...CachedOption) *Cached {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cached{
		inner:      inner,
		memo:       xsync.NewMap[string, decimal.Decimal](),
		shared:     shared,
		ttl:        ttl,
		maxEntries: defaultMemoEntries,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cacheKey(token string, block uint64) string {
	return fmt.Sprintf("price:%s:%d", token, block)
}

func (c *Cached) Price(ctx context.Context, token string, block uint64) (decimal.Decimal, error) {
	token = utils.NormalizeAddress(token)
	key := cacheKey(token, block)
	if p, ok := c.memo.Load(key); ok {
		return p, nil
	}

	if c.store != nil {
		p, ok, err := c.store.BlockPrice(ctx, token, block)
		if err != nil {
			c.logger.Debug("block price read failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			c.remember(key, p)
			return p, nil
		}
	}

	if c.shared != nil {
		raw, ok, err := c.shared.Get(ctx, key)
		if err != nil {
			c.logger.Debug("shared price cache read failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			if p, parseErr := decimal.NewFromString(raw); parseErr == nil {
				c.remember(key, p)
				return p, nil
			}
			c.logger.Warn("dropping malformed cached price", zap.String("key", key), zap.String("value", raw))
		}
	}

	p, err := c.inner.Price(ctx, token, block)
	if err != nil {
		return decimal.Zero, err
	}

	c.remember(key, p)
	if c.store != nil {
		if err := c.store.RecordBlockPrice(ctx, &points.BlockTokenPrice{TokenAddress: token, BlockNumber: block, USDPrice: p}); err != nil {
			c.logger.Warn("block price write failed", zap.String("key", key), zap.Error(err))
		}
	}
	if c.shared != nil {
		if err := c.shared.Set(ctx, key, p.String(), c.ttl); err != nil {
			c.logger.Debug("shared price cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return p, nil
}

func (c *Cached) remember(key string, p decimal.Decimal) {
	if c.memo.Size() >= c.maxEntries {
		c.memo.Clear()
	}
	c.memo.Store(key, p)
}
