package domain

import (
	"context"
	"math/rand/v2"
	"sort"
)

// OptimizerProgress 每完成一次迭代回调一次。
// 回调方负责把迭代结果并入任务记录（并发保护由回调方承担）。
type OptimizerProgress func(iter OptimizationIteration, completed, total int)

// Optimizer 参数寻优器。
// 采样策略：每次迭代对每个参数在其离散网格上独立均匀抽样，
// 与参考实现一致；注入 rng 可获得可复现结果。
type Optimizer struct {
	engine *BacktestEngine
	rng    *rand.Rand
	// 迭代数硬上限（默认 1000）
	IterationCap int
}

// NewOptimizer 创建参数寻优器
func NewOptimizer(engine *BacktestEngine, rng *rand.Rand) *Optimizer {
	return &Optimizer{engine: engine, rng: rng, IterationCap: 1000}
}

// OptimizationOutcome 寻优结果汇总
type OptimizationOutcome struct {
	BestParameters      map[string]float64
	BestMetric          float64
	CompletedIterations int
}

// Run 执行参数寻优。每次迭代前检查 cancelled；
// 最优解按严格大于更新，先到者在分数相同时胜出。
func (o *Optimizer) Run(ctx context.Context, req OptimizationRequest, cancelled func() bool, progress OptimizerProgress) (*OptimizationOutcome, error) {
	total := req.TotalIterations(o.IterationCap)

	// 参数名固定顺序，保证同一 rng 种子下抽样序列可复现
	names := make([]string, 0, len(req.ParameterRanges))
	for name := range req.ParameterRanges {
		names = append(names, name)
	}
	sort.Strings(names)

	outcome := &OptimizationOutcome{}
	best := false

	for i := 0; i < total; i++ {
		if cancelled != nil && cancelled() {
			return outcome, context.Canceled
		}
		if err := ctx.Err(); err != nil {
			return outcome, err
		}

		params := make(map[string]float64, len(names))
		for _, name := range names {
			pr := req.ParameterRanges[name]
			step := o.rng.IntN(pr.Steps())
			params[name] = pr.Min + float64(step)*pr.Step
		}

		run, err := o.engine.Run(ctx, BacktestRequest{
			StrategyID:     req.StrategyID,
			StartDate:      req.StartDate,
			EndDate:        req.EndDate,
			Symbols:        req.Symbols,
			InitialCapital: req.InitialCapital,
			MaxPositions:   5,
			Parameters:     params,
		})
		if err != nil {
			return outcome, err
		}

		score := req.Metric.Value(run.Metrics)
		iter := OptimizationIteration{
			Parameters: params,
			Metrics:    run.Metrics,
			Score:      score,
		}

		if !best || score > outcome.BestMetric {
			best = true
			outcome.BestMetric = score
			outcome.BestParameters = params
		}

		outcome.CompletedIterations = i + 1
		if progress != nil {
			progress(iter, outcome.CompletedIterations, total)
		}
	}

	return outcome, nil
}
