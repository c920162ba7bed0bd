// Package strategy 提供内置策略评估器。
// 均线交叉：快线上穿慢线开多，下穿平仓，窗口结束强制平仓。
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wyfcoding/quantlab/internal/backtest/domain"
	"github.com/wyfcoding/quantlab/pkg/logger"
)

// 可调参数及默认值
const (
	defaultFastPeriod = 10
	defaultSlowPeriod = 30
	// 每笔交易的目标名义金额
	defaultAllocation = 10000
)

// MACrossEvaluator 均线交叉策略评估器。
// strategy_id 为 sma_crossover 时使用简单均线，其余使用指数均线。
type MACrossEvaluator struct {
	feed domain.MarketDataFeed
	// 单边费率与滑点率，按成交名义金额计
	CommissionRate float64
	SlippageRate   float64
}

// NewMACrossEvaluator 创建均线交叉评估器
func NewMACrossEvaluator(feed domain.MarketDataFeed, commissionRate, slippageRate float64) *MACrossEvaluator {
	return &MACrossEvaluator{feed: feed, CommissionRate: commissionRate, SlippageRate: slippageRate}
}

// Evaluate 逐标的回放 K 线并产出交易序列
func (e *MACrossEvaluator) Evaluate(ctx context.Context, strategyID string, params map[string]float64, start, end time.Time, symbols []string) ([]domain.Trade, error) {
	fast := intParam(params, "fast_period", defaultFastPeriod)
	slow := intParam(params, "slow_period", defaultSlowPeriod)
	allocation := floatParam(params, "allocation", defaultAllocation)
	if fast <= 0 || slow <= 0 {
		return nil, fmt.Errorf("invalid periods fast=%d slow=%d", fast, slow)
	}
	if fast >= slow {
		return nil, fmt.Errorf("fast period %d must be below slow period %d", fast, slow)
	}

	var trades []domain.Trade
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bars, err := e.feed.GetBars(ctx, symbol, start, end)
		if err != nil {
			return nil, fmt.Errorf("load bars for %s: %w", symbol, err)
		}
		if len(bars) <= slow {
			logger.Warn(ctx, "insufficient bars for crossover", "symbol", symbol, "bars", len(bars), "slow_period", slow)
			continue
		}
		trades = append(trades, e.replay(strategyID, symbol, bars, fast, slow, allocation)...)
	}
	return trades, nil
}

// replay 在单个标的的 K 线序列上回放交叉信号
func (e *MACrossEvaluator) replay(strategyID, symbol string, bars []domain.Bar, fast, slow int, allocation float64) []domain.Trade {
	closes := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	var fastLine, slowLine []decimal.Decimal
	if strategyID == "sma_crossover" {
		fastLine = domain.CalculateSMASeries(closes, fast)
		slowLine = domain.CalculateSMASeries(closes, slow)
	} else {
		fastLine = domain.CalculateEMASeries(closes, fast)
		slowLine = domain.CalculateEMASeries(closes, slow)
	}

	var trades []domain.Trade
	var open *tracker

	// 慢线完整之前不产生信号
	for i := slow; i < len(bars); i++ {
		wasAbove := fastLine[i-1].GreaterThan(slowLine[i-1])
		isAbove := fastLine[i].GreaterThan(slowLine[i])

		if open != nil {
			open.observe(bars[i])
			if wasAbove && !isAbove {
				trades = append(trades, e.close(open, bars[i], domain.CloseReasonSignal, allocation))
				open = nil
			}
			continue
		}

		if !wasAbove && isAbove {
			open = newTracker(symbol, bars[i])
		}
	}

	// 窗口结束仍持仓，按最后一根 K 线强制平仓
	if open != nil {
		trades = append(trades, e.close(open, bars[len(bars)-1], domain.CloseReasonTimeout, allocation))
	}
	return trades
}

func (e *MACrossEvaluator) close(t *tracker, bar domain.Bar, reason domain.CloseReason, allocation float64) domain.Trade {
	entry := t.entryPrice.InexactFloat64()
	exit := bar.Close.InexactFloat64()
	qty := 0.0
	if entry > 0 {
		qty = allocation / entry
	}

	gross := (exit - entry) * qty
	commission := (entry + exit) * qty * e.CommissionRate
	slippage := (entry + exit) * qty * e.SlippageRate

	return domain.Trade{
		ID:         uuid.New().String(),
		Symbol:     t.symbol,
		Side:       domain.SideLong,
		EntryTime:  t.entryTime,
		ExitTime:   bar.Timestamp,
		EntryPrice: entry,
		ExitPrice:  exit,
		Quantity:   qty,
		GrossPnl:   gross,
		Commission: commission,
		Slippage:   slippage,
		NetPnl:     gross - commission - slippage,
		MaxRunup:   (t.maxHigh.InexactFloat64() - entry) * qty,
		MaxAdverse: (t.minLow.InexactFloat64() - entry) * qty,
		Reason:     reason,
	}
}

// tracker 跟踪一笔在场头寸的入场信息与持仓期极值
type tracker struct {
	symbol     string
	entryTime  time.Time
	entryPrice decimal.Decimal
	maxHigh    decimal.Decimal
	minLow     decimal.Decimal
}

func newTracker(symbol string, bar domain.Bar) *tracker {
	return &tracker{
		symbol:     symbol,
		entryTime:  bar.Timestamp,
		entryPrice: bar.Close,
		maxHigh:    bar.High,
		minLow:     bar.Low,
	}
}

func (t *tracker) observe(bar domain.Bar) {
	if bar.High.GreaterThan(t.maxHigh) {
		t.maxHigh = bar.High
	}
	if bar.Low.LessThan(t.minLow) {
		t.minLow = bar.Low
	}
}

func intParam(params map[string]float64, name string, def int) int {
	if v, ok := params[name]; ok {
		return int(v)
	}
	return def
}

func floatParam(params map[string]float64, name string, def float64) float64 {
	if v, ok := params[name]; ok {
		return v
	}
	return def
}
