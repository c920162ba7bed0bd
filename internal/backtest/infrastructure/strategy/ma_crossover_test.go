package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/quantlab/internal/backtest/domain"
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeFeed 返回预置的日线序列
type fakeFeed struct {
	bars []domain.Bar
}

func (f *fakeFeed) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	return f.bars, nil
}

func (f *fakeFeed) GetTick(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}

func barsFromCloses(closes []float64) []domain.Bar {
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{
			Symbol:    "BTCUSDT",
			Timestamp: testStart.Add(time.Duration(i) * 24 * time.Hour),
			Open:      decimal.NewFromFloat(c),
			High:      decimal.NewFromFloat(c * 1.01),
			Low:       decimal.NewFromFloat(c * 0.99),
			Close:     decimal.NewFromFloat(c),
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return bars
}

func crossoverCloses() []float64 {
	closes := make([]float64, 0, 30)
	for i := 0; i < 10; i++ {
		closes = append(closes, 100)
	}
	for i := 0; i < 10; i++ {
		closes = append(closes, 110)
	}
	for i := 0; i < 10; i++ {
		closes = append(closes, 90)
	}
	return closes
}

func evalParams() map[string]float64 {
	return map[string]float64{"fast_period": 3, "slow_period": 5}
}

func TestEvaluateGoldenCrossRoundTrip(t *testing.T) {
	feed := &fakeFeed{bars: barsFromCloses(crossoverCloses())}
	eval := NewMACrossEvaluator(feed, 0, 0)

	trades, err := eval.Evaluate(context.Background(), "ma_crossover", evalParams(),
		testStart, testStart.Add(30*24*time.Hour), []string{"BTCUSDT"})
	require.NoError(t, err)
	require.Len(t, trades, 1)

	trade := trades[0]
	assert.Equal(t, domain.SideLong, trade.Side)
	assert.Equal(t, domain.CloseReasonSignal, trade.Reason)
	assert.True(t, trade.ExitTime.After(trade.EntryTime))
	// 上穿发生在涨到 110 之后，下穿发生在跌到 90 之后
	assert.InDelta(t, 110, trade.EntryPrice, 1e-9)
	assert.InDelta(t, 90, trade.ExitPrice, 1e-9)
	assert.InDelta(t, 10000.0/110, trade.Quantity, 1e-9)
	assert.True(t, trade.NetPnl < 0)
	// 持仓期最高价高于入场价
	assert.True(t, trade.MaxRunup > 0)
}

func TestEvaluateForcedCloseAtWindowEnd(t *testing.T) {
	// 持续上涨，到窗口结束仍持仓
	closes := make([]float64, 0, 30)
	price := 100.0
	for i := 0; i < 30; i++ {
		closes = append(closes, price)
		if i >= 10 {
			price += 2
		}
	}

	feed := &fakeFeed{bars: barsFromCloses(closes)}
	eval := NewMACrossEvaluator(feed, 0, 0)

	trades, err := eval.Evaluate(context.Background(), "ma_crossover", evalParams(),
		testStart, testStart.Add(30*24*time.Hour), []string{"BTCUSDT"})
	require.NoError(t, err)
	require.Len(t, trades, 1)

	assert.Equal(t, domain.CloseReasonTimeout, trades[0].Reason)
	assert.True(t, trades[0].NetPnl > 0)
}

func TestEvaluateTradingCosts(t *testing.T) {
	feed := &fakeFeed{bars: barsFromCloses(crossoverCloses())}
	eval := NewMACrossEvaluator(feed, 0.001, 0.0005)

	trades, err := eval.Evaluate(context.Background(), "ma_crossover", evalParams(),
		testStart, testStart.Add(30*24*time.Hour), []string{"BTCUSDT"})
	require.NoError(t, err)
	require.Len(t, trades, 1)

	trade := trades[0]
	turnover := (trade.EntryPrice + trade.ExitPrice) * trade.Quantity
	assert.InDelta(t, turnover*0.001, trade.Commission, 1e-9)
	assert.InDelta(t, turnover*0.0005, trade.Slippage, 1e-9)
	assert.InDelta(t, trade.GrossPnl-trade.Commission-trade.Slippage, trade.NetPnl, 1e-9)
}

func TestEvaluateInsufficientBars(t *testing.T) {
	feed := &fakeFeed{bars: barsFromCloses([]float64{100, 101, 102})}
	eval := NewMACrossEvaluator(feed, 0, 0)

	trades, err := eval.Evaluate(context.Background(), "ma_crossover", evalParams(),
		testStart, testStart.Add(3*24*time.Hour), []string{"BTCUSDT"})
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestEvaluateInvalidPeriods(t *testing.T) {
	feed := &fakeFeed{bars: barsFromCloses(crossoverCloses())}
	eval := NewMACrossEvaluator(feed, 0, 0)

	_, err := eval.Evaluate(context.Background(), "ma_crossover",
		map[string]float64{"fast_period": 10, "slow_period": 5},
		testStart, testStart.Add(30*24*time.Hour), []string{"BTCUSDT"})
	require.Error(t, err)
}

func TestEvaluateSMAVariant(t *testing.T) {
	feed := &fakeFeed{bars: barsFromCloses(crossoverCloses())}
	eval := NewMACrossEvaluator(feed, 0, 0)

	trades, err := eval.Evaluate(context.Background(), "sma_crossover", evalParams(),
		testStart, testStart.Add(30*24*time.Hour), []string{"BTCUSDT"})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.SideLong, trades[0].Side)
}
