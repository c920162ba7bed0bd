package domain

import "github.com/shopspring/decimal"

// CalculateSMASeries 计算简单移动平均序列。
// 前 period-1 个点数据不足，取已有数据的均值。
func CalculateSMASeries(prices []decimal.Decimal, period int) []decimal.Decimal {
	if len(prices) == 0 || period <= 0 {
		return nil
	}

	series := make([]decimal.Decimal, len(prices))
	sum := decimal.Zero
	for i, p := range prices {
		sum = sum.Add(p)
		if i >= period {
			sum = sum.Sub(prices[i-period])
			series[i] = sum.Div(decimal.NewFromInt(int64(period)))
		} else {
			series[i] = sum.Div(decimal.NewFromInt(int64(i + 1)))
		}
	}
	return series
}

// CalculateEMASeries 计算指数移动平均序列
func CalculateEMASeries(prices []decimal.Decimal, period int) []decimal.Decimal {
	if len(prices) == 0 || period <= 0 {
		return nil
	}

	series := make([]decimal.Decimal, len(prices))
	k := decimal.NewFromFloat(2.0 / float64(period+1))
	one := decimal.NewFromInt(1)

	// 第一个价格作为初始 EMA
	series[0] = prices[0]
	for i := 1; i < len(prices); i++ {
		// EMA = Price(t) * k + EMA(t-1) * (1 - k)
		series[i] = prices[i].Mul(k).Add(series[i-1].Mul(one.Sub(k)))
	}
	return series
}
