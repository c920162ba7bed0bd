package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateUnrealizedPnl(t *testing.T) {
	// 多头：价差 * 数量 - 费用
	assert.InDelta(t, 95, CalculateUnrealizedPnl(SideLong, 100, 110, 10, 5), 1e-9)
	// 空头方向相反
	assert.InDelta(t, -105, CalculateUnrealizedPnl(SideShort, 100, 110, 10, 5), 1e-9)
	assert.InDelta(t, 100, CalculateUnrealizedPnl(SideShort, 110, 100, 10, 0), 1e-9)
}

func TestCalculateRiskLevel(t *testing.T) {
	tests := []struct {
		name     string
		leverage float64
		notional float64
		want     RiskLevel
	}{
		{"low small", 1, 5000, RiskLevelLow},
		{"medium leverage", 4, 5000, RiskLevelMedium},
		{"medium notional", 1, 15000, RiskLevelMedium},
		{"high leverage", 9, 5000, RiskLevelHigh},
		{"high notional", 1, 35000, RiskLevelHigh},
		{"boundary leverage 3", 3, 5000, RiskLevelLow},
		{"boundary leverage 8", 8, 5000, RiskLevelMedium},
		{"boundary notional 10000", 1, 10000, RiskLevelLow},
		{"boundary notional 30000", 1, 30000, RiskLevelMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CalculateRiskLevel(tt.leverage, tt.notional))
		})
	}
}

func TestAssessPositionRiskWithStopLoss(t *testing.T) {
	sl := 95.0
	p := &Position{
		ID:            "1",
		Symbol:        "BTCUSDT",
		Side:          SideLong,
		Quantity:      10,
		EntryPrice:    100,
		CurrentPrice:  100,
		PositionValue: 1000,
		Leverage:      2,
		StopLoss:      &sl,
		RiskLevel:     RiskLevelLow,
	}

	risk := AssessPositionRisk(p, 1000, 10000)

	// 最大亏损 = 止损距离 * 数量
	assert.InDelta(t, 50, risk.MaxLoss, 1e-9)
	// 0.4 + (2-1)*0.05 - 0.1
	assert.InDelta(t, 0.35, risk.LossProbability, 1e-9)
	// 杠杆 <= 5 时 leverage*5
	assert.InDelta(t, 10, risk.LeverageRisk, 1e-9)
	// (2-1)*10 + 1000/1000*2 - 10
	assert.InDelta(t, 2, risk.RiskScore, 1e-9)
	assert.InDelta(t, 10, risk.Concentration, 1e-9)
	// 有止损、低杠杆、低集中度：无建议
	assert.Empty(t, risk.Recommendations)
}

func TestAssessPositionRiskWithoutStopLoss(t *testing.T) {
	p := &Position{
		ID:            "2",
		Symbol:        "ETHUSDT",
		Side:          SideShort,
		Quantity:      2,
		EntryPrice:    2000,
		CurrentPrice:  2000,
		PositionValue: 4000,
		Leverage:      6,
	}

	risk := AssessPositionRisk(p, 4000, 4000)

	// 无止损时按名义价值 10% 估算
	assert.InDelta(t, 400, risk.MaxLoss, 1e-9)
	// 0.4 + (6-1)*0.05 + 0.1
	assert.InDelta(t, 0.75, risk.LossProbability, 1e-9)
	// 杠杆 > 5 时 leverage*10
	assert.InDelta(t, 60, risk.LeverageRisk, 1e-9)
	// (6-1)*10 + 4000/1000*2 + 20
	assert.InDelta(t, 78, risk.RiskScore, 1e-9)
	assert.InDelta(t, 100, risk.Concentration, 1e-9)
	// 无止损、高杠杆、高集中度都应给出建议
	assert.Len(t, risk.Recommendations, 3)
}

func TestAssessPositionRiskScoreClamped(t *testing.T) {
	p := &Position{
		Side:          SideLong,
		Quantity:      1,
		EntryPrice:    50000,
		PositionValue: 50000,
		Leverage:      10,
	}
	risk := AssessPositionRisk(p, 50000, 50000)
	assert.InDelta(t, 100, risk.RiskScore, 1e-9)

	low := &Position{Side: SideLong, Quantity: 1, EntryPrice: 10, PositionValue: 10, Leverage: 1}
	sl := 9.0
	low.StopLoss = &sl
	assert.Zero(t, AssessPositionRisk(low, 10, 10).RiskScore)
}

func TestPortfolioRiskScore(t *testing.T) {
	assert.Zero(t, PortfolioRiskScore(nil))

	positions := []*Position{
		{PositionValue: 10000, Leverage: 2, RiskLevel: RiskLevelLow},
		{PositionValue: 30000, Leverage: 5, RiskLevel: RiskLevelMedium},
	}
	// (2*0.1+0.1)*10000 + (5*0.1+0.2)*30000 加权平均 * 100
	want := (0.3*10000 + 0.7*30000) / 40000 * 100
	assert.InDelta(t, want, PortfolioRiskScore(positions), 1e-9)
}

func TestStopAndTargetValidity(t *testing.T) {
	assert.True(t, ValidStopLoss(SideLong, 100, 95))
	assert.False(t, ValidStopLoss(SideLong, 100, 105))
	assert.True(t, ValidStopLoss(SideShort, 100, 105))
	assert.False(t, ValidStopLoss(SideShort, 100, 95))

	assert.True(t, ValidTakeProfit(SideLong, 100, 110))
	assert.False(t, ValidTakeProfit(SideLong, 100, 90))
	assert.True(t, ValidTakeProfit(SideShort, 100, 90))
	assert.False(t, ValidTakeProfit(SideShort, 100, 110))
}

func TestTriggerConditions(t *testing.T) {
	assert.True(t, StopLossTriggered(SideLong, 94, 95))
	assert.True(t, StopLossTriggered(SideLong, 95, 95))
	assert.False(t, StopLossTriggered(SideLong, 96, 95))
	assert.True(t, StopLossTriggered(SideShort, 106, 105))
	assert.False(t, StopLossTriggered(SideShort, 104, 105))

	assert.True(t, TakeProfitTriggered(SideLong, 111, 110))
	assert.False(t, TakeProfitTriggered(SideLong, 109, 110))
	assert.True(t, TakeProfitTriggered(SideShort, 89, 90))
	assert.False(t, TakeProfitTriggered(SideShort, 91, 90))
}
