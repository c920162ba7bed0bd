package domain

import (
	"context"
	"sort"
	"time"
)

// BacktestOutcome 回测执行结果
type BacktestOutcome struct {
	Trades       []Trade
	EquityCurve  []EquityPoint
	Metrics      Metrics
	FinalCapital float64
}

// BacktestEngine 回测引擎：调用策略评估协作方取得交易序列，
// 回放交易构建权益曲线，再交给指标计算器。
type BacktestEngine struct {
	evaluator  StrategyEvaluator
	calculator MetricsCalculator
}

// NewBacktestEngine 创建回测引擎
func NewBacktestEngine(evaluator StrategyEvaluator, calculator MetricsCalculator) *BacktestEngine {
	return &BacktestEngine{evaluator: evaluator, calculator: calculator}
}

// Run 执行一次回测。请求需已通过 Validate。
// 评估调用的超时由 ctx 承担；评估失败包装为 CollaboratorError。
func (e *BacktestEngine) Run(ctx context.Context, req BacktestRequest) (*BacktestOutcome, error) {
	trades, err := e.evaluator.Evaluate(ctx, req.StrategyID, req.Parameters, req.StartDate, req.EndDate, req.Symbols)
	if err != nil {
		return nil, &CollaboratorError{Op: "strategy evaluation", Err: err}
	}

	// 取消点：评估已完成但指标尚未计算
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	curve, finalCapital := BuildEquityCurve(trades, req.InitialCapital, req.StartDate)
	metrics := e.calculator.Calculate(trades, curve, req.InitialCapital)

	return &BacktestOutcome{
		Trades:       trades,
		EquityCurve:  curve,
		Metrics:      metrics,
		FinalCapital: finalCapital,
	}, nil
}

// BuildEquityCurve 按平仓时间回放交易，累计净盈亏构建权益曲线，
// 同时维护历史峰值与回撤百分比。返回曲线与最终资金：
// finalCapital = initialCapital + Σ netPnl，逐笔相加保证恒等。
func BuildEquityCurve(trades []Trade, initialCapital float64, start time.Time) ([]EquityPoint, float64) {
	ordered := make([]Trade, len(trades))
	copy(ordered, trades)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ExitTime.Before(ordered[j].ExitTime) })

	curve := make([]EquityPoint, 0, len(ordered)+1)
	curve = append(curve, EquityPoint{Date: start, Value: initialCapital})

	value := initialCapital
	peak := initialCapital
	for _, t := range ordered {
		value += t.NetPnl
		if value > peak {
			peak = value
		}
		var dd float64
		if peak > 0 {
			dd = (peak - value) / peak * 100
		}
		curve = append(curve, EquityPoint{Date: t.ExitTime, Value: value, Drawdown: dd})
	}
	return curve, value
}
