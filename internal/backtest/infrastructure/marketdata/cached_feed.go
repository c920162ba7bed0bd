package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/wyfcoding/quantlab/internal/backtest/domain"
	"github.com/wyfcoding/quantlab/pkg/cache"
	"github.com/wyfcoding/quantlab/pkg/logger"
)

const tickKeyPrefix = "quantlab:tick:"

// CachedFeed 行情数据源的 Redis 缓存装饰器。
// 只缓存实时价格，历史 K 线直接透传；缓存故障降级为直连。
type CachedFeed struct {
	inner domain.MarketDataFeed
	cache *cache.RedisCache
	ttl   time.Duration
}

// NewCachedFeed 创建缓存装饰器
func NewCachedFeed(inner domain.MarketDataFeed, c *cache.RedisCache, ttl time.Duration) *CachedFeed {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &CachedFeed{inner: inner, cache: c, ttl: ttl}
}

// GetBars 透传历史 K 线查询
func (f *CachedFeed) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	return f.inner.GetBars(ctx, symbol, start, end)
}

// GetTick 先查缓存，未命中时回源并写回
func (f *CachedFeed) GetTick(ctx context.Context, symbol string) (float64, error) {
	key := tickKeyPrefix + symbol

	if val, err := f.cache.Get(ctx, key); err != nil {
		logger.Warn(ctx, "tick cache read failed", "symbol", symbol, "error", err)
	} else if val != "" {
		price, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return price, nil
		}
		logger.Warn(ctx, "corrupt tick cache entry", "symbol", symbol, "value", val)
	}

	price, err := f.inner.GetTick(ctx, symbol)
	if err != nil {
		return 0, err
	}

	if err := f.cache.Set(ctx, key, fmt.Sprintf("%g", price), f.ttl); err != nil {
		logger.Warn(ctx, "tick cache write failed", "symbol", symbol, "error", err)
	}
	return price, nil
}
