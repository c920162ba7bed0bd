// Package marketdata 提供行情数据源实现：Alpaca 历史 K 线与最新成交价，
// 以及基于 Redis 的实时价格缓存装饰器。
package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/wyfcoding/quantlab/internal/backtest/domain"
)

// AlpacaFeed 通过 Alpaca 行情 API 提供历史 K 线与最新成交价
type AlpacaFeed struct {
	client *marketdata.Client
}

// NewAlpacaFeed 创建 Alpaca 行情数据源
func NewAlpacaFeed(apiKey, apiSecret, baseURL string) *AlpacaFeed {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if baseURL != "" {
		opts.BaseURL = baseURL
	}
	return &AlpacaFeed{client: marketdata.NewClient(opts)}
}

// GetBars 拉取日线 K 线
func (f *AlpacaFeed) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	alpacaBars, err := f.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     start,
		End:       end,
	})
	if err != nil {
		return nil, fmt.Errorf("get bars for %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(alpacaBars))
	for _, ab := range alpacaBars {
		bars = append(bars, domain.Bar{
			Symbol:    symbol,
			Timestamp: ab.Timestamp,
			Open:      decimal.NewFromFloat(ab.Open),
			High:      decimal.NewFromFloat(ab.High),
			Low:       decimal.NewFromFloat(ab.Low),
			Close:     decimal.NewFromFloat(ab.Close),
			Volume:    decimal.NewFromInt(int64(ab.Volume)),
		})
	}
	return bars, nil
}

// GetTick 返回最新成交价
func (f *AlpacaFeed) GetTick(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	trade, err := f.client.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return 0, fmt.Errorf("get latest trade for %s: %w", symbol, err)
	}
	return trade.Price, nil
}
