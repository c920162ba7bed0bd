// Package domain 提供回测、参数寻优与绩效指标计算的核心模型
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal 是否处于终态
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobKind 任务类型
type JobKind string

const (
	JobKindBacktest     JobKind = "backtest"
	JobKindOptimization JobKind = "optimization"
)

// Side 交易方向
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// CloseReason 平仓原因
type CloseReason string

const (
	CloseReasonTakeProfit CloseReason = "take_profit"
	CloseReasonStopLoss   CloseReason = "stop_loss"
	CloseReasonSignal     CloseReason = "signal"
	CloseReasonTimeout    CloseReason = "timeout"
	CloseReasonManual     CloseReason = "manual"
)

// Bar 表示一个 K 线数据点
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// BacktestRequest 回测请求，提交后不再修改
type BacktestRequest struct {
	StrategyID     string             `json:"strategy_id"`
	StartDate      time.Time          `json:"start_date"`
	EndDate        time.Time          `json:"end_date"`
	Symbols        []string           `json:"symbols"`
	InitialCapital float64            `json:"initial_capital"`
	Commission     float64            `json:"commission"`
	Slippage       float64            `json:"slippage"`
	MaxPositions   int                `json:"max_positions"`
	Parameters     map[string]float64 `json:"parameters,omitempty"`
}

// Normalize 填充默认值
func (r *BacktestRequest) Normalize() {
	if r.InitialCapital == 0 {
		r.InitialCapital = 10000
	}
	if r.MaxPositions == 0 {
		r.MaxPositions = 5
	}
}

// Validate 校验请求；校验失败不产生任务记录
func (r *BacktestRequest) Validate() error {
	if r.StrategyID == "" {
		return &ValidationError{Field: "strategy_id", Reason: "is required"}
	}
	if len(r.Symbols) == 0 {
		return &ValidationError{Field: "symbols", Reason: "must not be empty"}
	}
	if !r.EndDate.After(r.StartDate) {
		return &ValidationError{Field: "end_date", Reason: "must be after start_date"}
	}
	if r.InitialCapital < 0 {
		return &ValidationError{Field: "initial_capital", Reason: "must not be negative"}
	}
	return nil
}

// Trade 一笔已完成的交易，记录后不可变
type Trade struct {
	ID         string      `json:"id"`
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	EntryTime  time.Time   `json:"entry_time"`
	ExitTime   time.Time   `json:"exit_time"`
	EntryPrice float64     `json:"entry_price"`
	ExitPrice  float64     `json:"exit_price"`
	Quantity   float64     `json:"quantity"`
	GrossPnl   float64     `json:"gross_pnl"`
	Commission float64     `json:"commission"`
	Slippage   float64     `json:"slippage"`
	NetPnl     float64     `json:"net_pnl"`
	// 持仓期间的最大浮盈（MFE）
	MaxRunup float64 `json:"max_runup"`
	// 持仓期间的最大浮亏（MAE）
	MaxAdverse float64     `json:"max_adverse"`
	Reason     CloseReason `json:"reason"`
}

// HoldingPeriod 持仓时长
func (t Trade) HoldingPeriod() time.Duration {
	return t.ExitTime.Sub(t.EntryTime)
}

// EquityPoint 权益曲线上的一个点
type EquityPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
	// 距历史峰值的回撤百分比
	Drawdown float64 `json:"drawdown"`
}

// Metrics 回测绩效指标
type Metrics struct {
	// 收益
	TotalReturn        float64 `json:"total_return"`
	TotalReturnPercent float64 `json:"total_return_percent"`
	AnnualizedReturn   float64 `json:"annualized_return"`
	CAGR               float64 `json:"cagr"`

	// 风险
	Volatility          float64 `json:"volatility"`
	SharpeRatio         float64 `json:"sharpe_ratio"`
	SortinoRatio        float64 `json:"sortino_ratio"`
	CalmarRatio         float64 `json:"calmar_ratio"`
	MaxDrawdown         float64 `json:"max_drawdown"`
	MaxDrawdownPercent  float64 `json:"max_drawdown_percent"`
	MaxDrawdownDuration float64 `json:"max_drawdown_duration"` // days

	// 交易统计
	TotalTrades   int `json:"total_trades"`
	WinningTrades int `json:"winning_trades"`
	LosingTrades  int `json:"losing_trades"`
	// 胜率，0~1；无交易时为 0
	WinRate float64 `json:"win_rate"`
	// 盈亏比；无亏损交易时取哨兵值 9999（不向下游传播 Inf）
	ProfitFactor float64 `json:"profit_factor"`
	PayoffRatio  float64 `json:"payoff_ratio"`
	Expectancy   float64 `json:"expectancy"`

	// 盈亏分析
	AvgWin               float64 `json:"avg_win"`
	AvgLoss              float64 `json:"avg_loss"`
	BestTrade            float64 `json:"best_trade"`
	WorstTrade           float64 `json:"worst_trade"`
	MaxConsecutiveWins   int     `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`

	// 时间分析
	AvgHoldingPeriod float64 `json:"avg_holding_period"` // hours
	TradingDays      int     `json:"trading_days"`

	// 风险分析
	RecoveryFactor float64 `json:"recovery_factor"`
	UlcerIndex     float64 `json:"ulcer_index"`
	ValueAtRisk    float64 `json:"value_at_risk"`    // 5% 历史 VaR，百分比
	ConditionalVaR float64 `json:"conditional_var"`  // 尾部期望损失，百分比

	// 成本
	Commission float64 `json:"commission"`
	Slippage   float64 `json:"slippage"`
}

// BacktestJob 一次回测任务及其结果
type BacktestJob struct {
	ID           string          `json:"id"`
	Request      BacktestRequest `json:"request"`
	Status       JobStatus       `json:"status"`
	Trades       []Trade         `json:"trades,omitempty"`
	EquityCurve  []EquityPoint   `json:"equity_curve,omitempty"`
	Metrics      *Metrics        `json:"metrics,omitempty"`
	FinalCapital float64         `json:"final_capital"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// OptimizeMetric 参数寻优的目标指标
type OptimizeMetric string

const (
	OptimizeSharpe       OptimizeMetric = "sharpe_ratio"
	OptimizeTotalReturn  OptimizeMetric = "total_return"
	OptimizeProfitFactor OptimizeMetric = "profit_factor"
	OptimizeCalmar       OptimizeMetric = "calmar_ratio"
)

// Value 从指标集合中取出目标指标的值
func (m OptimizeMetric) Value(metrics Metrics) float64 {
	switch m {
	case OptimizeTotalReturn:
		return metrics.TotalReturnPercent
	case OptimizeProfitFactor:
		return metrics.ProfitFactor
	case OptimizeCalmar:
		return metrics.CalmarRatio
	default:
		return metrics.SharpeRatio
	}
}

// ParameterRange 单个参数的离散取值范围
type ParameterRange struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Step float64 `json:"step"`
}

// Steps 离散取值个数：floor((max-min)/step)+1。
// 截断前加 epsilon，避免二进制小数噪声把边界值挤出网格。
func (r ParameterRange) Steps() int {
	if r.Step <= 0 || r.Max < r.Min {
		return 1
	}
	return int((r.Max-r.Min)/r.Step+1e-9) + 1
}

// OptimizationRequest 参数寻优请求
type OptimizationRequest struct {
	StrategyID      string                    `json:"strategy_id"`
	StartDate       time.Time                 `json:"start_date"`
	EndDate         time.Time                 `json:"end_date"`
	Symbols         []string                  `json:"symbols"`
	InitialCapital  float64                   `json:"initial_capital"`
	ParameterRanges map[string]ParameterRange `json:"parameter_ranges"`
	Metric          OptimizeMetric            `json:"metric"`
	MaxIterations   int                       `json:"max_iterations"`
}

// Normalize 填充默认值
func (r *OptimizationRequest) Normalize() {
	if r.InitialCapital == 0 {
		r.InitialCapital = 10000
	}
	if r.Metric == "" {
		r.Metric = OptimizeSharpe
	}
}

// Validate 校验请求
func (r *OptimizationRequest) Validate() error {
	if r.StrategyID == "" {
		return &ValidationError{Field: "strategy_id", Reason: "is required"}
	}
	if len(r.Symbols) == 0 {
		return &ValidationError{Field: "symbols", Reason: "must not be empty"}
	}
	if !r.EndDate.After(r.StartDate) {
		return &ValidationError{Field: "end_date", Reason: "must be after start_date"}
	}
	if len(r.ParameterRanges) == 0 {
		return &ValidationError{Field: "parameter_ranges", Reason: "must not be empty"}
	}
	for name, pr := range r.ParameterRanges {
		if pr.Step <= 0 {
			return &ValidationError{Field: "parameter_ranges." + name, Reason: "step must be positive"}
		}
		if pr.Max < pr.Min {
			return &ValidationError{Field: "parameter_ranges." + name, Reason: "max must not be below min"}
		}
	}
	switch r.Metric {
	case OptimizeSharpe, OptimizeTotalReturn, OptimizeProfitFactor, OptimizeCalmar:
	default:
		return &ValidationError{Field: "metric", Reason: "unknown optimization metric"}
	}
	return nil
}

// TotalIterations 计划迭代数：各参数取值个数之积，受 cap 限制
func (r OptimizationRequest) TotalIterations(cap int) int {
	total := 1
	for _, pr := range r.ParameterRanges {
		total *= pr.Steps()
		if cap > 0 && total >= cap {
			total = cap
			break
		}
	}
	if r.MaxIterations > 0 && total > r.MaxIterations {
		total = r.MaxIterations
	}
	return total
}

// OptimizationIteration 一次寻优迭代的结果
type OptimizationIteration struct {
	Parameters map[string]float64 `json:"parameters"`
	Metrics    Metrics            `json:"metrics"`
	Score      float64            `json:"score"`
}

// OptimizationJob 一次参数寻优任务及其进度
type OptimizationJob struct {
	ID                  string                  `json:"id"`
	Request             OptimizationRequest     `json:"request"`
	Status              JobStatus               `json:"status"`
	BestParameters      map[string]float64      `json:"best_parameters,omitempty"`
	BestMetric          float64                 `json:"best_metric"`
	Iterations          []OptimizationIteration `json:"iterations,omitempty"`
	TotalIterations     int                     `json:"total_iterations"`
	CompletedIterations int                     `json:"completed_iterations"`
	Error               string                  `json:"error,omitempty"`
	CreatedAt           time.Time               `json:"created_at"`
	CompletedAt         *time.Time              `json:"completed_at,omitempty"`
}
