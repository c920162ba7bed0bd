package domain

import (
	"math"
	"sort"
	"time"
)

// ProfitFactorCap 无亏损交易时盈亏比的哨兵值。
// 约定：有盈利无亏损 => 9999；既无盈利也无亏损 => 0。
const ProfitFactorCap = 9999.0

const hoursPerYear = 365.25 * 24

// MetricsCalculator 绩效指标计算器，纯函数，无状态
type MetricsCalculator struct {
	// 年化无风险利率，默认 0
	RiskFreeRate float64
}

// Calculate 由交易序列与权益曲线计算全套绩效指标。
// 所有比率都对零分母做保护，返回 0 而不是 NaN/Inf。
func (c MetricsCalculator) Calculate(trades []Trade, curve []EquityPoint, initialCapital float64) Metrics {
	var m Metrics

	finalCapital := initialCapital
	for _, t := range trades {
		finalCapital += t.NetPnl
	}
	m.TotalReturn = finalCapital - initialCapital
	if initialCapital > 0 {
		m.TotalReturnPercent = m.TotalReturn / initialCapital * 100
	}

	c.tradeStats(&m, trades)
	c.curveStats(&m, curve, initialCapital)

	// Calmar 依赖年化收益与最大回撤，放在两者之后
	if m.MaxDrawdownPercent > 0 {
		m.CalmarRatio = m.AnnualizedReturn / m.MaxDrawdownPercent
	}
	if m.MaxDrawdown > 0 {
		m.RecoveryFactor = m.TotalReturn / m.MaxDrawdown
	}

	return m
}

func (c MetricsCalculator) tradeStats(m *Metrics, trades []Trade) {
	m.TotalTrades = len(trades)
	if len(trades) == 0 {
		return
	}

	// 按平仓时间排序后做单次线性扫描（连胜/连亏）
	ordered := make([]Trade, len(trades))
	copy(ordered, trades)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ExitTime.Before(ordered[j].ExitTime) })

	var (
		grossProfit, grossLoss   float64
		sumWin, sumLoss          float64
		curWins, curLosses       int
		totalHolding             time.Duration
	)
	m.BestTrade = math.Inf(-1)
	m.WorstTrade = math.Inf(1)

	for _, t := range ordered {
		m.Commission += t.Commission
		m.Slippage += t.Slippage
		totalHolding += t.HoldingPeriod()
		m.BestTrade = math.Max(m.BestTrade, t.NetPnl)
		m.WorstTrade = math.Min(m.WorstTrade, t.NetPnl)

		if t.NetPnl > 0 {
			m.WinningTrades++
			grossProfit += t.NetPnl
			sumWin += t.NetPnl
			curWins++
			curLosses = 0
		} else {
			m.LosingTrades++
			grossLoss += -t.NetPnl
			sumLoss += t.NetPnl
			curLosses++
			curWins = 0
		}
		if curWins > m.MaxConsecutiveWins {
			m.MaxConsecutiveWins = curWins
		}
		if curLosses > m.MaxConsecutiveLosses {
			m.MaxConsecutiveLosses = curLosses
		}
	}

	m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)

	if grossLoss > 0 {
		m.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		m.ProfitFactor = ProfitFactorCap
	}

	if m.WinningTrades > 0 {
		m.AvgWin = sumWin / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = sumLoss / float64(m.LosingTrades)
	}
	if m.AvgLoss < 0 {
		m.PayoffRatio = m.AvgWin / -m.AvgLoss
	}
	m.Expectancy = m.WinRate*m.AvgWin + (1-m.WinRate)*m.AvgLoss
	m.AvgHoldingPeriod = totalHolding.Hours() / float64(m.TotalTrades)
}

func (c MetricsCalculator) curveStats(m *Metrics, curve []EquityPoint, initialCapital float64) {
	if len(curve) < 2 {
		return
	}

	span := curve[len(curve)-1].Date.Sub(curve[0].Date)
	m.TradingDays = int(span.Hours()/24) + 1

	// 采样周期取曲线平均间隔，由此推得年化因子
	interval := span / time.Duration(len(curve)-1)
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	periodsPerYear := hoursPerYear / interval.Hours()

	// 周期收益率序列
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Value
		if prev <= 0 {
			continue
		}
		returns = append(returns, (curve[i].Value-prev)/prev)
	}
	if len(returns) == 0 {
		return
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance, downVariance float64
	downCount := 0
	for _, r := range returns {
		d := r - mean
		variance += d * d
		if r < 0 {
			downVariance += r * r
			downCount++
		}
	}
	variance /= float64(len(returns))
	std := math.Sqrt(variance)

	m.AnnualizedReturn = mean * periodsPerYear * 100
	m.Volatility = std * math.Sqrt(periodsPerYear) * 100

	years := span.Hours() / hoursPerYear
	first, last := curve[0].Value, curve[len(curve)-1].Value
	if years > 0 && first > 0 && last > 0 {
		m.CAGR = (math.Pow(last/first, 1/years) - 1) * 100
	}

	rfPerPeriod := c.RiskFreeRate / periodsPerYear
	if std > 0 {
		m.SharpeRatio = (mean - rfPerPeriod) / std * math.Sqrt(periodsPerYear)
	}
	if downCount > 0 {
		downStd := math.Sqrt(downVariance / float64(len(returns)))
		if downStd > 0 {
			m.SortinoRatio = (mean - rfPerPeriod) / downStd * math.Sqrt(periodsPerYear)
		}
	}

	c.drawdownStats(m, curve)
	c.tailRisk(m, returns)
}

func (c MetricsCalculator) drawdownStats(m *Metrics, curve []EquityPoint) {
	peak := curve[0].Value
	peakAt := curve[0].Date
	var (
		maxDD, maxDDPct float64
		maxUnderwater   time.Duration
		sumSqDDPct      float64
	)

	for _, p := range curve {
		if p.Value >= peak {
			peak = p.Value
			peakAt = p.Date
			continue
		}
		dd := peak - p.Value
		if dd > maxDD {
			maxDD = dd
		}
		if peak > 0 {
			ddPct := dd / peak * 100
			if ddPct > maxDDPct {
				maxDDPct = ddPct
			}
			sumSqDDPct += ddPct * ddPct
		}
		if under := p.Date.Sub(peakAt); under > maxUnderwater {
			maxUnderwater = under
		}
	}

	m.MaxDrawdown = maxDD
	m.MaxDrawdownPercent = maxDDPct
	m.MaxDrawdownDuration = maxUnderwater.Hours() / 24
	m.UlcerIndex = math.Sqrt(sumSqDDPct / float64(len(curve)))
}

// tailRisk 历史法 5% VaR 与条件 VaR（尾部均值），以百分比表示
func (c MetricsCalculator) tailRisk(m *Metrics, returns []float64) {
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx := int(math.Floor(float64(len(sorted)) * 0.05))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	m.ValueAtRisk = sorted[idx] * 100

	var tailSum float64
	for i := 0; i <= idx; i++ {
		tailSum += sorted[i]
	}
	m.ConditionalVaR = tailSum / float64(idx+1) * 100
}
