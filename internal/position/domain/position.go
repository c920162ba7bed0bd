// Package domain 提供持仓台账与风险模型的核心类型和纯计算函数
package domain

import (
	"time"
)

// Side 持仓方向
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid 是否为合法方向
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Status 持仓状态
type Status string

const (
	StatusOpen    Status = "open"
	StatusClosing Status = "closing"
	StatusClosed  Status = "closed"
)

// RiskLevel 风险等级
type RiskLevel string

const (
	RiskLevelLow    RiskLevel = "low"
	RiskLevelMedium RiskLevel = "medium"
	RiskLevelHigh   RiskLevel = "high"
)

// CloseReason 平仓原因
type CloseReason string

const (
	CloseReasonManual     CloseReason = "manual"
	CloseReasonStopLoss   CloseReason = "stop_loss"
	CloseReasonTakeProfit CloseReason = "take_profit"
	CloseReasonLiquidate  CloseReason = "liquidate"
)

// Position 一笔持仓。字段由服务层在锁内维护，对外只暴露快照。
type Position struct {
	ID         string `json:"id"`
	Exchange   string `json:"exchange"`
	Symbol     string `json:"symbol"`
	Side       Side   `json:"side"`
	StrategyID string `json:"strategy_id,omitempty"`

	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	PositionValue float64 `json:"position_value"`
	Leverage      float64 `json:"leverage"`
	MarginUsed    float64 `json:"margin_used"`

	UnrealizedPnl float64 `json:"unrealized_pnl"`
	RealizedPnl   float64 `json:"realized_pnl"`
	Fees          float64 `json:"fees"`

	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`

	Status      Status      `json:"status"`
	RiskLevel   RiskLevel   `json:"risk_level"`
	CloseReason CloseReason `json:"close_reason,omitempty"`

	OpenedAt  time.Time  `json:"opened_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// Notional 当前名义价值
func (p *Position) Notional() float64 {
	return p.CurrentPrice * p.Quantity
}

// RiskParameters 风险参数，运行时可调
type RiskParameters struct {
	// 单仓名义价值上限
	MaxPositionSize float64 `json:"max_position_size"`
	// 组合风险分上限（0~100）
	MaxPortfolioRisk float64 `json:"max_portfolio_risk"`
	// 杠杆上限
	MaxLeverage float64 `json:"max_leverage"`
	// 单标的集中度上限，百分比
	MaxConcentration float64 `json:"max_concentration"`
	// 默认止损阈值，百分比
	StopLossThreshold float64 `json:"stop_loss_threshold"`
	// 保证金追缴阈值，百分比
	MarginCallThreshold float64 `json:"margin_call_threshold"`
	// 账户总资金，用于保证金与集中度计算
	TotalCapital float64 `json:"total_capital"`
}

// DefaultRiskParameters 默认风险参数
func DefaultRiskParameters() RiskParameters {
	return RiskParameters{
		MaxPositionSize:     50000,
		MaxPortfolioRisk:    5,
		MaxLeverage:         10,
		MaxConcentration:    20,
		StopLossThreshold:   10,
		MarginCallThreshold: 80,
		TotalCapital:        100000,
	}
}

// CalculateUnrealizedPnl 浮动盈亏：方向性价差乘数量，扣除已计费用
func CalculateUnrealizedPnl(side Side, entryPrice, currentPrice, quantity, fees float64) float64 {
	var diff float64
	if side == SideLong {
		diff = currentPrice - entryPrice
	} else {
		diff = entryPrice - currentPrice
	}
	return diff*quantity - fees
}

// CalculateRiskLevel 按杠杆与名义价值分级
func CalculateRiskLevel(leverage, notional float64) RiskLevel {
	if leverage > 8 || notional > 30000 {
		return RiskLevelHigh
	}
	if leverage > 3 || notional > 10000 {
		return RiskLevelMedium
	}
	return RiskLevelLow
}

// riskLevelWeight 风险等级的组合权重
func riskLevelWeight(level RiskLevel) float64 {
	switch level {
	case RiskLevelHigh:
		return 0.3
	case RiskLevelMedium:
		return 0.2
	default:
		return 0.1
	}
}

// PortfolioRiskScore 组合风险分：按持仓价值加权的杠杆与等级权重，0~100
func PortfolioRiskScore(positions []*Position) float64 {
	var totalValue, weighted float64
	for _, p := range positions {
		v := p.PositionValue
		if v <= 0 {
			continue
		}
		totalValue += v
		weighted += (p.Leverage*0.1 + riskLevelWeight(p.RiskLevel)) * v
	}
	if totalValue == 0 {
		return 0
	}
	return clamp(weighted/totalValue*100, 0, 100)
}

// PositionRisk 单仓风险评估结果
type PositionRisk struct {
	PositionID string `json:"position_id"`
	Symbol     string `json:"symbol"`
	// 风险分 0~100
	RiskScore float64 `json:"risk_score"`
	// 预估最大亏损（止损距离，无止损时按名义价值 10% 估算）
	MaxLoss float64 `json:"max_loss"`
	// 亏损概率估计 0.1~0.9
	LossProbability float64 `json:"loss_probability"`
	// 杠杆风险分
	LeverageRisk float64   `json:"leverage_risk"`
	RiskLevel    RiskLevel `json:"risk_level"`
	// 该标的总敞口占组合总价值的百分比
	Concentration   float64  `json:"concentration"`
	Recommendations []string `json:"recommendations"`
}

// AssessPositionRisk 单仓风险评估。
// 启发式打分：杠杆、仓位规模与止损保护三因素线性叠加。
// symbolExposure 为该标的全部在场敞口，portfolioValue 为组合总价值。
func AssessPositionRisk(p *Position, symbolExposure, portfolioValue float64) PositionRisk {
	hasStopLoss := p.StopLoss != nil

	var maxLoss float64
	if hasStopLoss {
		if p.Side == SideLong {
			maxLoss = (p.EntryPrice - *p.StopLoss) * p.Quantity
		} else {
			maxLoss = (*p.StopLoss - p.EntryPrice) * p.Quantity
		}
	} else {
		maxLoss = p.Notional() * 0.1
	}

	lossProb := 0.4 + (p.Leverage-1)*0.05
	if hasStopLoss {
		lossProb -= 0.1
	} else {
		lossProb += 0.1
	}
	lossProb = clamp(lossProb, 0.1, 0.9)

	var leverageRisk float64
	if p.Leverage > 5 {
		leverageRisk = p.Leverage * 10
	} else {
		leverageRisk = p.Leverage * 5
	}

	score := (p.Leverage-1)*10 + p.PositionValue/1000*2
	if hasStopLoss {
		score -= 10
	} else {
		score += 20
	}
	score = clamp(score, 0, 100)

	var concentration float64
	if portfolioValue > 0 {
		concentration = symbolExposure / portfolioValue * 100
	}

	var recommendations []string
	if !hasStopLoss {
		recommendations = append(recommendations, "Consider setting a stop loss to limit potential losses")
	}
	if p.Leverage > 5 {
		recommendations = append(recommendations, "High leverage detected - consider reducing position size")
	}
	if p.RiskLevel == RiskLevelHigh {
		recommendations = append(recommendations, "Position classified as high risk - monitor closely")
	}
	if concentration > 25 {
		recommendations = append(recommendations, "High concentration in this symbol - consider diversification")
	}

	return PositionRisk{
		PositionID:      p.ID,
		Symbol:          p.Symbol,
		RiskScore:       score,
		MaxLoss:         maxLoss,
		LossProbability: lossProb,
		LeverageRisk:    leverageRisk,
		RiskLevel:       p.RiskLevel,
		Concentration:   concentration,
		Recommendations: recommendations,
	}
}

// ValidStopLoss 止损价必须在亏损侧
func ValidStopLoss(side Side, entryPrice, stopLoss float64) bool {
	if side == SideLong {
		return stopLoss < entryPrice
	}
	return stopLoss > entryPrice
}

// ValidTakeProfit 止盈价必须在盈利侧
func ValidTakeProfit(side Side, entryPrice, takeProfit float64) bool {
	if side == SideLong {
		return takeProfit > entryPrice
	}
	return takeProfit < entryPrice
}

// StopLossTriggered 止损触发判定
func StopLossTriggered(side Side, price, stopLoss float64) bool {
	if side == SideLong {
		return price <= stopLoss
	}
	return price >= stopLoss
}

// TakeProfitTriggered 止盈触发判定
func TakeProfitTriggered(side Side, price, takeProfit float64) bool {
	if side == SideLong {
		return price >= takeProfit
	}
	return price <= takeProfit
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
