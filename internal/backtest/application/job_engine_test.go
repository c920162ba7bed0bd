package application

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/quantlab/internal/backtest/domain"
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// gatedEvaluator 在 gate 关闭前阻塞，模拟慢速策略评估
type gatedEvaluator struct {
	gate   chan struct{}
	trades []domain.Trade
}

func (g *gatedEvaluator) Evaluate(ctx context.Context, strategyID string, params map[string]float64, start, end time.Time, symbols []string) ([]domain.Trade, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.trades, nil
}

// recordingPublisher 记录收到的事件类型
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingPublisher) Publish(ctx context.Context, event domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingPublisher) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func sampleTrade(netPnl float64) domain.Trade {
	return domain.Trade{
		Symbol:    "BTCUSDT",
		Side:      domain.SideLong,
		EntryTime: testStart,
		ExitTime:  testStart.Add(24 * time.Hour),
		NetPnl:    netPnl,
	}
}

func backtestRequest() domain.BacktestRequest {
	return domain.BacktestRequest{
		StrategyID: "ma_crossover",
		StartDate:  testStart,
		EndDate:    testStart.Add(30 * 24 * time.Hour),
		Symbols:    []string{"BTCUSDT"},
	}
}

func testRand() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func newEngine(t *testing.T, cfg Config, evaluator domain.StrategyEvaluator, publisher domain.EventPublisher) *JobEngine {
	t.Helper()
	bt := domain.NewBacktestEngine(evaluator, domain.MetricsCalculator{})
	opt := domain.NewOptimizer(bt, testRand())
	return NewJobEngine(cfg, bt, opt, publisher, nil, nil, slog.New(slog.DiscardHandler))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func TestSubmitBacktestCompletes(t *testing.T) {
	ctx := context.Background()
	publisher := &recordingPublisher{}
	engine := newEngine(t, Config{}, &gatedEvaluator{trades: []domain.Trade{sampleTrade(200)}}, publisher)

	id, err := engine.SubmitBacktest(ctx, backtestRequest())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	waitFor(t, func() bool {
		info, err := engine.GetStatus(ctx, id)
		return err == nil && info.Status == domain.JobStatusCompleted
	}, "backtest should complete")

	job, err := engine.GetBacktest(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job.Metrics)
	assert.InDelta(t, 10200, job.FinalCapital, 1e-9)
	assert.InDelta(t, 2.0, job.Metrics.TotalReturnPercent, 1e-9)
	assert.NotNil(t, job.CompletedAt)

	types := publisher.types()
	require.Len(t, types, 2)
	assert.Equal(t, domain.EventJobStarted, types[0])
	assert.Equal(t, domain.EventJobCompleted, types[1])
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	engine := newEngine(t, Config{}, &gatedEvaluator{}, nil)

	req := backtestRequest()
	req.StrategyID = ""
	_, err := engine.SubmitBacktest(context.Background(), req)
	require.Error(t, err)

	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Empty(t, engine.List(context.Background()))
}

func TestConcurrencyCap(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	eval := &gatedEvaluator{gate: gate, trades: []domain.Trade{sampleTrade(10)}}
	engine := newEngine(t, Config{MaxConcurrentJobs: 2}, eval, nil)

	id1, err := engine.SubmitBacktest(ctx, backtestRequest())
	require.NoError(t, err)
	id2, err := engine.SubmitBacktest(ctx, backtestRequest())
	require.NoError(t, err)

	// 第三个提交必须被原子地拒绝
	_, err = engine.SubmitBacktest(ctx, backtestRequest())
	require.ErrorIs(t, err, domain.ErrCapacityExceeded)

	stats := engine.GetStats(ctx)
	assert.Equal(t, 2, stats.ActiveJobs)
	assert.Equal(t, 2, stats.MaxConcurrentJobs)

	// 任务完成后额度释放
	close(gate)
	waitFor(t, func() bool { return engine.GetStats(ctx).ActiveJobs == 0 }, "slots should free up")

	_, err = engine.SubmitBacktest(ctx, backtestRequest())
	require.NoError(t, err)

	for _, id := range []string{id1, id2} {
		info, err := engine.GetStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, info.Status)
	}
}

func TestConcurrentSubmittersNeverExceedCap(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	eval := &gatedEvaluator{gate: gate, trades: []domain.Trade{sampleTrade(10)}}
	engine := newEngine(t, Config{MaxConcurrentJobs: 3}, eval, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, rejected := 0, 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.SubmitBacktest(ctx, backtestRequest())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
			} else {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, accepted)
	assert.Equal(t, 7, rejected)
	assert.Equal(t, 3, engine.GetStats(ctx).ActiveJobs)
	close(gate)
}

func TestCancelJob(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	publisher := &recordingPublisher{}
	eval := &gatedEvaluator{gate: gate, trades: []domain.Trade{sampleTrade(10)}}
	engine := newEngine(t, Config{}, eval, publisher)

	id, err := engine.SubmitBacktest(ctx, backtestRequest())
	require.NoError(t, err)

	waitFor(t, func() bool {
		info, err := engine.GetStatus(ctx, id)
		return err == nil && info.Status == domain.JobStatusRunning
	}, "job should start running")

	require.NoError(t, engine.Cancel(ctx, id))

	info, err := engine.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, info.Status)
	assert.Equal(t, "cancelled by user", info.Error)

	// 取消是终态，要带终态时间戳
	job, err := engine.GetBacktest(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, job.CompletedAt)

	// 取消后立即从活跃列表移除并释放额度
	assert.Empty(t, engine.List(ctx))
	assert.Zero(t, engine.GetStats(ctx).ActiveJobs)

	// worker 退出后状态保持不变
	close(gate)
	time.Sleep(50 * time.Millisecond)
	info, err = engine.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, info.Status)
	assert.Equal(t, "cancelled by user", info.Error)

	// 重复取消与取消未知任务都返回未找到
	assert.ErrorIs(t, engine.Cancel(ctx, id), domain.ErrNotFound)
	assert.ErrorIs(t, engine.Cancel(ctx, "missing"), domain.ErrNotFound)
}

func TestSubmitOptimizationCompletes(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t, Config{}, &gatedEvaluator{trades: []domain.Trade{sampleTrade(50)}}, nil)

	req := domain.OptimizationRequest{
		StrategyID: "ma_crossover",
		StartDate:  testStart,
		EndDate:    testStart.Add(30 * 24 * time.Hour),
		Symbols:    []string{"BTCUSDT"},
		ParameterRanges: map[string]domain.ParameterRange{
			"fast_period": {Min: 5, Max: 9, Step: 1},
		},
		Metric: domain.OptimizeTotalReturn,
	}

	id, err := engine.SubmitOptimization(ctx, req)
	require.NoError(t, err)

	waitFor(t, func() bool {
		info, err := engine.GetStatus(ctx, id)
		return err == nil && info.Status == domain.JobStatusCompleted
	}, "optimization should complete")

	job, err := engine.GetOptimization(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5, job.TotalIterations)
	assert.Equal(t, 5, job.CompletedIterations)
	assert.NotEmpty(t, job.BestParameters)
	assert.Len(t, job.Iterations, 5)

	info, err := engine.GetStatus(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, info.Progress)
	assert.Equal(t, 100, *info.Progress)
}

func TestListBacktestsOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t, Config{MaxConcurrentJobs: 10}, &gatedEvaluator{trades: []domain.Trade{sampleTrade(1)}}, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := engine.SubmitBacktest(ctx, backtestRequest())
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(5 * time.Millisecond)
	}
	waitFor(t, func() bool { return engine.GetStats(ctx).ActiveJobs == 0 }, "all jobs should finish")

	jobs := engine.ListBacktests(ctx, 0)
	require.Len(t, jobs, 3)
	// 创建时间倒序
	assert.Equal(t, ids[2], jobs[0].ID)
	assert.Equal(t, ids[0], jobs[2].ID)

	limited := engine.ListBacktests(ctx, 2)
	assert.Len(t, limited, 2)
}

func TestDeleteBacktest(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t, Config{}, &gatedEvaluator{trades: []domain.Trade{sampleTrade(1)}}, nil)

	id, err := engine.SubmitBacktest(ctx, backtestRequest())
	require.NoError(t, err)
	waitFor(t, func() bool { return engine.GetStats(ctx).ActiveJobs == 0 }, "job should finish")

	require.NoError(t, engine.DeleteBacktest(ctx, id))
	_, err = engine.GetBacktest(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, engine.DeleteBacktest(ctx, id), domain.ErrNotFound)
}

func TestGetStatusUnknownJob(t *testing.T) {
	engine := newEngine(t, Config{}, &gatedEvaluator{}, nil)
	_, err := engine.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t, Config{}, &gatedEvaluator{trades: []domain.Trade{sampleTrade(100)}}, nil)

	id, err := engine.SubmitBacktest(ctx, backtestRequest())
	require.NoError(t, err)
	waitFor(t, func() bool {
		info, err := engine.GetStatus(ctx, id)
		return err == nil && info.Status == domain.JobStatusCompleted
	}, "backtest should complete")

	job, err := engine.GetBacktest(ctx, id)
	require.NoError(t, err)

	// 修改快照不影响引擎内部状态
	job.Trades[0].NetPnl = -999
	job.Metrics.TotalReturn = -999

	again, err := engine.GetBacktest(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 100, again.Trades[0].NetPnl, 1e-9)
	assert.InDelta(t, 100, again.Metrics.TotalReturn, 1e-9)
}

// flakyJobRepo 前 failures 次写入失败，之后成功
type flakyJobRepo struct {
	mu       sync.Mutex
	failures int
	saves    int
}

func (f *flakyJobRepo) SaveBacktest(ctx context.Context, job *domain.BacktestJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saves <= f.failures {
		return errors.New("connection reset")
	}
	return nil
}

func (f *flakyJobRepo) SaveOptimization(ctx context.Context, job *domain.OptimizationJob) error {
	return nil
}

func (f *flakyJobRepo) LoadBacktests(ctx context.Context) ([]*domain.BacktestJob, error) {
	return nil, nil
}

func (f *flakyJobRepo) LoadOptimizations(ctx context.Context) ([]*domain.OptimizationJob, error) {
	return nil, nil
}

func (f *flakyJobRepo) DeleteBacktest(ctx context.Context, id string) error { return nil }

func (f *flakyJobRepo) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func TestPersistBacktestRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	repo := &flakyJobRepo{failures: 1}
	bt := domain.NewBacktestEngine(&gatedEvaluator{trades: []domain.Trade{sampleTrade(10)}}, domain.MetricsCalculator{})
	opt := domain.NewOptimizer(bt, testRand())
	engine := NewJobEngine(Config{}, bt, opt, nil, repo, nil, slog.New(slog.DiscardHandler))

	id, err := engine.SubmitBacktest(ctx, backtestRequest())
	require.NoError(t, err)

	waitFor(t, func() bool {
		info, err := engine.GetStatus(ctx, id)
		return err == nil && info.Status == domain.JobStatusCompleted
	}, "backtest should complete")

	// 首次落库失败后应重试直至成功
	waitFor(t, func() bool { return repo.saveCount() == 2 }, "save should be retried once")

	// 落库失败不影响任务状态
	info, err := engine.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, info.Status)
}
