package domain

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// paramEvaluator 产出净盈亏与参数 x 成正比的单笔交易
type paramEvaluator struct{}

func (paramEvaluator) Evaluate(ctx context.Context, strategyID string, params map[string]float64, start, end time.Time, symbols []string) ([]Trade, error) {
	t := makeTrade(params["x"]*10, 1)
	return []Trade{t}, nil
}

func testOptimizationRequest() OptimizationRequest {
	req := OptimizationRequest{
		StrategyID: "ma_crossover",
		StartDate:  testStart,
		EndDate:    testStart.Add(30 * 24 * time.Hour),
		Symbols:    []string{"BTCUSDT"},
		ParameterRanges: map[string]ParameterRange{
			"x": {Min: 1, Max: 5, Step: 1},
			"y": {Min: 0, Max: 4, Step: 1},
		},
		Metric: OptimizeTotalReturn,
	}
	req.Normalize()
	return req
}

func newTestOptimizer() *Optimizer {
	engine := NewBacktestEngine(paramEvaluator{}, MetricsCalculator{})
	return NewOptimizer(engine, rand.New(rand.NewPCG(42, 0)))
}

func TestParameterRangeSteps(t *testing.T) {
	assert.Equal(t, 5, ParameterRange{Min: 1, Max: 5, Step: 1}.Steps())
	assert.Equal(t, 3, ParameterRange{Min: 0, Max: 1, Step: 0.5}.Steps())
	assert.Equal(t, 1, ParameterRange{Min: 2, Max: 2, Step: 1}.Steps())
	assert.Equal(t, 1, ParameterRange{Min: 0, Max: 10, Step: 0}.Steps())

	// 二进制小数噪声不能把边界值挤出网格
	assert.Equal(t, 4, ParameterRange{Min: 0, Max: 0.3, Step: 0.1}.Steps())
	assert.Equal(t, 4, ParameterRange{Min: 0.1, Max: 0.7, Step: 0.2}.Steps())
	assert.Equal(t, 8, ParameterRange{Min: 0, Max: 0.7, Step: 0.1}.Steps())
}

func TestTotalIterationsCapped(t *testing.T) {
	req := testOptimizationRequest()
	// 5 * 5 = 25 组合
	assert.Equal(t, 25, req.TotalIterations(1000))
	assert.Equal(t, 10, req.TotalIterations(10))

	req.MaxIterations = 7
	assert.Equal(t, 7, req.TotalIterations(1000))
}

func TestOptimizerRunCompletes(t *testing.T) {
	opt := newTestOptimizer()
	req := testOptimizationRequest()

	var scores []float64
	progress := func(iter OptimizationIteration, completed, total int) {
		assert.Equal(t, 25, total)
		assert.Equal(t, len(scores)+1, completed)
		scores = append(scores, iter.Score)
	}

	outcome, err := opt.Run(context.Background(), req, nil, progress)
	require.NoError(t, err)

	assert.Equal(t, 25, outcome.CompletedIterations)
	require.Len(t, scores, 25)

	// 最优值等于所有迭代分数的最大值
	best := scores[0]
	for _, s := range scores[1:] {
		if s > best {
			best = s
		}
	}
	assert.InDelta(t, best, outcome.BestMetric, 1e-9)

	// 最优参数重放应得到最优分数：score = x*10/10000*100
	require.NotNil(t, outcome.BestParameters)
	assert.InDelta(t, outcome.BestParameters["x"]*10/10000*100, outcome.BestMetric, 1e-9)

	// 抽样的参数值必须落在离散网格上
	for _, p := range outcome.BestParameters {
		assert.Equal(t, p, float64(int(p)))
	}
}

func TestOptimizerReproducibleWithSeed(t *testing.T) {
	req := testOptimizationRequest()

	run := func() *OptimizationOutcome {
		engine := NewBacktestEngine(paramEvaluator{}, MetricsCalculator{})
		opt := NewOptimizer(engine, rand.New(rand.NewPCG(7, 7)))
		outcome, err := opt.Run(context.Background(), req, nil, nil)
		require.NoError(t, err)
		return outcome
	}

	first := run()
	second := run()
	assert.Equal(t, first.BestParameters, second.BestParameters)
	assert.InDelta(t, first.BestMetric, second.BestMetric, 1e-9)
}

func TestOptimizerCancellation(t *testing.T) {
	opt := newTestOptimizer()
	req := testOptimizationRequest()

	completed := 0
	cancelled := func() bool { return completed >= 5 }
	progress := func(iter OptimizationIteration, c, total int) { completed = c }

	outcome, err := opt.Run(context.Background(), req, cancelled, progress)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 5, outcome.CompletedIterations)
}

func TestOptimizerContextCancelled(t *testing.T) {
	opt := newTestOptimizer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := opt.Run(ctx, testOptimizationRequest(), nil, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, outcome.CompletedIterations)
}

func TestOptimizationRequestValidate(t *testing.T) {
	req := testOptimizationRequest()
	require.NoError(t, req.Validate())

	bad := testOptimizationRequest()
	bad.ParameterRanges = nil
	require.Error(t, bad.Validate())

	bad = testOptimizationRequest()
	bad.ParameterRanges["x"] = ParameterRange{Min: 1, Max: 5, Step: 0}
	require.Error(t, bad.Validate())

	bad = testOptimizationRequest()
	bad.Metric = "unknown"
	require.Error(t, bad.Validate())
}
