package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func makeTrade(netPnl float64, exitOffsetDays int) Trade {
	return Trade{
		ID:        "t",
		Symbol:    "BTCUSDT",
		Side:      SideLong,
		EntryTime: testStart.Add(time.Duration(exitOffsetDays-1) * 24 * time.Hour),
		ExitTime:  testStart.Add(time.Duration(exitOffsetDays) * 24 * time.Hour),
		NetPnl:    netPnl,
	}
}

func TestCalculateSingleWinningTrade(t *testing.T) {
	calc := MetricsCalculator{}

	trade := Trade{
		Symbol:     "BTCUSDT",
		Side:       SideLong,
		EntryTime:  testStart,
		ExitTime:   testStart.Add(24 * time.Hour),
		EntryPrice: 50000,
		ExitPrice:  52000,
		Quantity:   0.1,
		GrossPnl:   200,
		NetPnl:     200,
	}
	curve, final := BuildEquityCurve([]Trade{trade}, 10000, testStart)
	require.InDelta(t, 10200, final, 1e-9)

	m := calc.Calculate([]Trade{trade}, curve, 10000)

	assert.InDelta(t, 200, m.TotalReturn, 1e-9)
	assert.InDelta(t, 2.0, m.TotalReturnPercent, 1e-9)
	assert.Equal(t, 1, m.TotalTrades)
	assert.Equal(t, 1, m.WinningTrades)
	assert.Equal(t, 0, m.LosingTrades)
	assert.InDelta(t, 1.0, m.WinRate, 1e-9)
	assert.InDelta(t, ProfitFactorCap, m.ProfitFactor, 1e-9)
	assert.InDelta(t, 200, m.BestTrade, 1e-9)
	assert.InDelta(t, 200, m.WorstTrade, 1e-9)
	assert.InDelta(t, 24, m.AvgHoldingPeriod, 1e-9)
	// 单边上涨的曲线没有回撤
	assert.Zero(t, m.MaxDrawdown)
}

func TestCalculateNoTrades(t *testing.T) {
	calc := MetricsCalculator{}
	m := calc.Calculate(nil, nil, 10000)

	assert.Zero(t, m.TotalTrades)
	assert.Zero(t, m.WinRate)
	assert.Zero(t, m.ProfitFactor)
	assert.Zero(t, m.SharpeRatio)
	assert.Zero(t, m.TotalReturn)
}

func TestCalculateWinRateAndCounts(t *testing.T) {
	calc := MetricsCalculator{}
	trades := []Trade{
		makeTrade(100, 1),
		makeTrade(-50, 2),
		makeTrade(200, 3),
		makeTrade(-25, 4),
		makeTrade(80, 5),
	}
	curve, _ := BuildEquityCurve(trades, 10000, testStart)
	m := calc.Calculate(trades, curve, 10000)

	assert.Equal(t, 5, m.TotalTrades)
	assert.Equal(t, 3, m.WinningTrades)
	assert.Equal(t, 2, m.LosingTrades)
	assert.Equal(t, m.TotalTrades, m.WinningTrades+m.LosingTrades)
	assert.InDelta(t, 0.6, m.WinRate, 1e-9)

	// 盈亏比 = 总盈利 / 总亏损
	assert.InDelta(t, 380.0/75.0, m.ProfitFactor, 1e-9)
	assert.InDelta(t, 380.0/3, m.AvgWin, 1e-9)
	assert.InDelta(t, -75.0/2, m.AvgLoss, 1e-9)

	// 期望值 = winRate*avgWin + (1-winRate)*avgLoss
	expectancy := 0.6*(380.0/3) + 0.4*(-75.0/2)
	assert.InDelta(t, expectancy, m.Expectancy, 1e-9)
}

func TestCalculateZeroPnlTradeCountsAsLoss(t *testing.T) {
	calc := MetricsCalculator{}
	trades := []Trade{makeTrade(0, 1)}
	curve, _ := BuildEquityCurve(trades, 10000, testStart)
	m := calc.Calculate(trades, curve, 10000)

	assert.Equal(t, 0, m.WinningTrades)
	assert.Equal(t, 1, m.LosingTrades)
	// 既无盈利也无亏损金额，盈亏比为 0 而不是哨兵值
	assert.Zero(t, m.ProfitFactor)
}

func TestCalculateConsecutiveStreaks(t *testing.T) {
	calc := MetricsCalculator{}
	// 按平仓时间排列：W W L W W W L L
	pnls := []float64{10, 20, -5, 10, 10, 10, -5, -5}
	trades := make([]Trade, len(pnls))
	for i, pnl := range pnls {
		trades[i] = makeTrade(pnl, i+1)
	}
	curve, _ := BuildEquityCurve(trades, 10000, testStart)
	m := calc.Calculate(trades, curve, 10000)

	assert.Equal(t, 3, m.MaxConsecutiveWins)
	assert.Equal(t, 2, m.MaxConsecutiveLosses)
}

func TestCalculateAllLosingTrades(t *testing.T) {
	calc := MetricsCalculator{}
	trades := []Trade{makeTrade(-100, 1), makeTrade(-200, 2)}
	curve, _ := BuildEquityCurve(trades, 10000, testStart)
	m := calc.Calculate(trades, curve, 10000)

	assert.Zero(t, m.WinRate)
	assert.Zero(t, m.ProfitFactor)
	assert.InDelta(t, -300, m.TotalReturn, 1e-9)
	assert.True(t, m.MaxDrawdown > 0)
	assert.InDelta(t, 300, m.MaxDrawdown, 1e-9)
	assert.InDelta(t, 3.0, m.MaxDrawdownPercent, 1e-9)
}

func TestCalculateDrawdownRecovery(t *testing.T) {
	calc := MetricsCalculator{}
	// 先涨到 11000，跌到 9900，再收复
	trades := []Trade{
		makeTrade(1000, 1),
		makeTrade(-1100, 2),
		makeTrade(1300, 3),
	}
	curve, final := BuildEquityCurve(trades, 10000, testStart)
	require.InDelta(t, 11200, final, 1e-9)

	m := calc.Calculate(trades, curve, 10000)
	assert.InDelta(t, 1100, m.MaxDrawdown, 1e-9)
	assert.InDelta(t, 1100.0/11000*100, m.MaxDrawdownPercent, 1e-9)
	assert.True(t, m.RecoveryFactor > 0)
	assert.InDelta(t, 1200.0/1100, m.RecoveryFactor, 1e-9)
}
