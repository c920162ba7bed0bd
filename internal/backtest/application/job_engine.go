// Package application 提供任务引擎：接收回测/参数寻优请求，
// 控制全局并发上限，异步执行并对外暴露状态查询与取消。
package application

import (
	"context"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wyfcoding/quantlab/internal/backtest/domain"
	"github.com/wyfcoding/quantlab/pkg/metrics"
	"github.com/wyfcoding/quantlab/pkg/utils"
)

// Config 任务引擎配置
type Config struct {
	// 同时处于 pending/running 的任务上限（两类任务合并计算）
	MaxConcurrentJobs int
	// 策略评估调用超时
	EvaluatorTimeout time.Duration
	// 参数寻优迭代上限
	IterationCap int
}

func (c *Config) normalize() {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 3
	}
	if c.EvaluatorTimeout <= 0 {
		c.EvaluatorTimeout = 2 * time.Minute
	}
	if c.IterationCap <= 0 {
		c.IterationCap = 1000
	}
}

// JobStatusInfo 任务状态查询结果
type JobStatusInfo struct {
	Status domain.JobStatus `json:"status"`
	// 进度 0-100；回测不跟踪细粒度进度，为 nil
	Progress *int   `json:"progress,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ActiveJob 活跃任务列表条目
type ActiveJob struct {
	ID        string           `json:"id"`
	Kind      domain.JobKind   `json:"kind"`
	Status    domain.JobStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

// Stats 引擎运行统计
type Stats struct {
	TotalBacktests         int `json:"total_backtests"`
	TotalOptimizations     int `json:"total_optimizations"`
	ActiveJobs             int `json:"active_jobs"`
	MaxConcurrentJobs      int `json:"max_concurrent_jobs"`
	CompletedBacktests     int `json:"completed_backtests"`
	FailedBacktests        int `json:"failed_backtests"`
	CompletedOptimizations int `json:"completed_optimizations"`
	FailedOptimizations    int `json:"failed_optimizations"`
}

const cancelledByUser = "cancelled by user"

// 落库重试参数，整体仍受 persist 的 10s 上下文约束
const (
	persistAttempts = 3
	persistBackoff  = 200 * time.Millisecond
)

// JobEngine 任务引擎。
// 活跃任务集合是唯一的共享可变资源：容量检查与占位在同一把锁内完成，
// 并发提交下不会超过上限。
type JobEngine struct {
	cfg       Config
	engine    *domain.BacktestEngine
	optimizer *domain.Optimizer
	publisher domain.EventPublisher // 可为 nil
	repo      domain.JobRepository  // 可为 nil
	metrics   *metrics.Metrics      // 可为 nil
	logger    *slog.Logger

	mu            sync.Mutex
	backtests     map[string]*domain.BacktestJob
	optimizations map[string]*domain.OptimizationJob
	active        map[string]struct{}
	cancels       map[string]context.CancelFunc
}

// NewJobEngine 创建任务引擎
func NewJobEngine(cfg Config, engine *domain.BacktestEngine, optimizer *domain.Optimizer, publisher domain.EventPublisher, repo domain.JobRepository, m *metrics.Metrics, logger *slog.Logger) *JobEngine {
	cfg.normalize()
	if optimizer != nil {
		optimizer.IterationCap = cfg.IterationCap
	}
	return &JobEngine{
		cfg:           cfg,
		engine:        engine,
		optimizer:     optimizer,
		publisher:     publisher,
		repo:          repo,
		metrics:       m,
		logger:        logger,
		backtests:     make(map[string]*domain.BacktestJob),
		optimizations: make(map[string]*domain.OptimizationJob),
		active:        make(map[string]struct{}),
		cancels:       make(map[string]context.CancelFunc),
	}
}

// Restore 从仓储回放历史任务记录（启动时调用一次）。
// 上次进程退出时仍未完成的任务标记为失败。
func (e *JobEngine) Restore(ctx context.Context) error {
	if e.repo == nil {
		return nil
	}
	bts, err := e.repo.LoadBacktests(ctx)
	if err != nil {
		return err
	}
	opts, err := e.repo.LoadOptimizations(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, job := range bts {
		if !job.Status.Terminal() {
			job.Status = domain.JobStatusFailed
			job.Error = "interrupted by restart"
		}
		e.backtests[job.ID] = job
	}
	for _, job := range opts {
		if !job.Status.Terminal() {
			job.Status = domain.JobStatusFailed
			job.Error = "interrupted by restart"
		}
		e.optimizations[job.ID] = job
	}
	return nil
}

// SubmitBacktest 提交回测任务。
// 校验失败与容量不足同步返回错误，不产生任务记录。
func (e *JobEngine) SubmitBacktest(ctx context.Context, req domain.BacktestRequest) (string, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return "", err
	}

	job := &domain.BacktestJob{
		ID:        uuid.New().String(),
		Request:   req,
		Status:    domain.JobStatusPending,
		CreatedAt: time.Now(),
	}

	workerCtx, cancel, err := e.admit(job.ID, func() {
		e.backtests[job.ID] = job
	})
	if err != nil {
		return "", err
	}

	go e.runBacktest(workerCtx, cancel, job.ID)

	e.logger.Info("backtest submitted", "job_id", job.ID, "strategy", req.StrategyID, "symbols", req.Symbols)
	return job.ID, nil
}

// SubmitOptimization 提交参数寻优任务
func (e *JobEngine) SubmitOptimization(ctx context.Context, req domain.OptimizationRequest) (string, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return "", err
	}

	job := &domain.OptimizationJob{
		ID:              uuid.New().String(),
		Request:         req,
		Status:          domain.JobStatusPending,
		TotalIterations: req.TotalIterations(e.cfg.IterationCap),
		CreatedAt:       time.Now(),
	}

	workerCtx, cancel, err := e.admit(job.ID, func() {
		e.optimizations[job.ID] = job
	})
	if err != nil {
		return "", err
	}

	go e.runOptimization(workerCtx, cancel, job.ID)

	e.logger.Info("optimization submitted", "job_id", job.ID, "strategy", req.StrategyID, "total_iterations", job.TotalIterations)
	return job.ID, nil
}

// admit 容量检查与占位的原子操作
func (e *JobEngine) admit(id string, store func()) (context.Context, context.CancelFunc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.active) >= e.cfg.MaxConcurrentJobs {
		if e.metrics != nil {
			e.metrics.JobsRejected.Inc()
		}
		return nil, nil, domain.ErrCapacityExceeded
	}

	ctx, cancel := context.WithCancel(context.Background())
	store()
	e.active[id] = struct{}{}
	e.cancels[id] = cancel
	e.updateActiveGauge()
	return ctx, cancel, nil
}

func (e *JobEngine) runBacktest(ctx context.Context, cancel context.CancelFunc, id string) {
	defer e.release(id, cancel)

	if !e.markBacktestRunning(id) {
		return
	}
	e.publish(domain.Event{Type: domain.EventJobStarted, JobID: id, Kind: domain.JobKindBacktest})
	if e.metrics != nil {
		e.metrics.JobsSubmitted.WithLabelValues(string(domain.JobKindBacktest)).Inc()
	}

	e.mu.Lock()
	req := e.backtests[id].Request
	e.mu.Unlock()

	evalCtx, evalCancel := context.WithTimeout(ctx, e.cfg.EvaluatorTimeout)
	defer evalCancel()

	outcome, err := e.engine.Run(evalCtx, req)
	if err != nil {
		// 已被取消的任务保持取消时写入的状态
		if e.failBacktest(id, err.Error()) {
			e.logger.Error("backtest failed", "job_id", id, "error", err)
			e.publish(domain.Event{Type: domain.EventJobFailed, JobID: id, Kind: domain.JobKindBacktest, Error: err.Error()})
			if e.metrics != nil {
				e.metrics.JobsFailed.WithLabelValues(string(domain.JobKindBacktest)).Inc()
			}
			e.persistBacktest(id)
		}
		return
	}

	now := time.Now()
	completed := false
	e.mu.Lock()
	job := e.backtests[id]
	if job != nil && job.Status == domain.JobStatusRunning {
		job.Trades = outcome.Trades
		job.EquityCurve = outcome.EquityCurve
		m := outcome.Metrics
		job.Metrics = &m
		job.FinalCapital = outcome.FinalCapital
		job.Status = domain.JobStatusCompleted
		job.CompletedAt = &now
		completed = true
	}
	e.mu.Unlock()

	if completed {
		e.logger.Info("backtest completed", "job_id", id,
			"return_percent", outcome.Metrics.TotalReturnPercent, "trades", len(outcome.Trades))
		e.publish(domain.Event{Type: domain.EventJobCompleted, JobID: id, Kind: domain.JobKindBacktest, Progress: 100})
		if e.metrics != nil {
			e.metrics.JobsCompleted.WithLabelValues(string(domain.JobKindBacktest)).Inc()
		}
		e.persistBacktest(id)
	}
}

func (e *JobEngine) runOptimization(ctx context.Context, cancel context.CancelFunc, id string) {
	defer e.release(id, cancel)

	if !e.markOptimizationRunning(id) {
		return
	}
	e.publish(domain.Event{Type: domain.EventJobStarted, JobID: id, Kind: domain.JobKindOptimization})
	if e.metrics != nil {
		e.metrics.JobsSubmitted.WithLabelValues(string(domain.JobKindOptimization)).Inc()
	}

	e.mu.Lock()
	req := e.optimizations[id].Request
	e.mu.Unlock()

	cancelled := func() bool { return ctx.Err() != nil }
	progress := func(iter domain.OptimizationIteration, completed, total int) {
		e.mu.Lock()
		job := e.optimizations[id]
		if job != nil && job.Status == domain.JobStatusRunning {
			job.Iterations = append(job.Iterations, iter)
			job.CompletedIterations = completed
			if len(job.BestParameters) == 0 || iter.Score > job.BestMetric {
				job.BestParameters = iter.Parameters
				job.BestMetric = iter.Score
			}
		}
		e.mu.Unlock()

		// 每 10 次迭代发布一次进度事件
		if completed%10 == 0 {
			e.publish(domain.Event{
				Type:     domain.EventJobProgressed,
				JobID:    id,
				Kind:     domain.JobKindOptimization,
				Progress: progressPercent(completed, total),
			})
		}
	}

	_, err := e.optimizer.Run(ctx, req, cancelled, progress)
	if err != nil {
		if e.failOptimization(id, err.Error()) {
			e.logger.Error("optimization failed", "job_id", id, "error", err)
			e.publish(domain.Event{Type: domain.EventJobFailed, JobID: id, Kind: domain.JobKindOptimization, Error: err.Error()})
			if e.metrics != nil {
				e.metrics.JobsFailed.WithLabelValues(string(domain.JobKindOptimization)).Inc()
			}
			e.persistOptimization(id)
		}
		return
	}

	now := time.Now()
	completed := false
	var bestMetric float64
	var iterations int
	e.mu.Lock()
	job := e.optimizations[id]
	if job != nil && job.Status == domain.JobStatusRunning {
		job.Status = domain.JobStatusCompleted
		job.CompletedAt = &now
		bestMetric = job.BestMetric
		iterations = job.CompletedIterations
		completed = true
	}
	e.mu.Unlock()

	if completed {
		e.logger.Info("optimization completed", "job_id", id, "best_metric", bestMetric, "iterations", iterations)
		e.publish(domain.Event{Type: domain.EventJobCompleted, JobID: id, Kind: domain.JobKindOptimization, Progress: 100})
		if e.metrics != nil {
			e.metrics.JobsCompleted.WithLabelValues(string(domain.JobKindOptimization)).Inc()
		}
		e.persistOptimization(id)
	}
}

// Cancel 取消任务。协作式：仅对活跃任务生效，
// 标记失败并释放并发额度；执行中的 worker 在迭代边界察觉后退出。
func (e *JobEngine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	_, isActive := e.active[id]
	if !isActive {
		e.mu.Unlock()
		return domain.ErrNotFound
	}

	now := time.Now()
	var kind domain.JobKind
	if job, ok := e.backtests[id]; ok {
		job.Status = domain.JobStatusFailed
		job.Error = cancelledByUser
		job.CompletedAt = &now
		kind = domain.JobKindBacktest
	}
	if job, ok := e.optimizations[id]; ok {
		job.Status = domain.JobStatusFailed
		job.Error = cancelledByUser
		job.CompletedAt = &now
		kind = domain.JobKindOptimization
	}

	delete(e.active, id)
	cancel := e.cancels[id]
	delete(e.cancels, id)
	e.updateActiveGauge()
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	e.logger.Info("job cancelled", "job_id", id, "kind", kind)
	e.publish(domain.Event{Type: domain.EventJobCancelled, JobID: id, Kind: kind, Error: cancelledByUser})
	if e.metrics != nil {
		e.metrics.JobsFailed.WithLabelValues(string(kind)).Inc()
	}
	return nil
}

// GetStatus 查询任务状态。
// 寻优任务附带进度 = completed/total*100 四舍五入；回测不跟踪进度。
func (e *JobEngine) GetStatus(ctx context.Context, id string) (*JobStatusInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if job, ok := e.backtests[id]; ok {
		return &JobStatusInfo{Status: job.Status, Error: job.Error}, nil
	}
	if job, ok := e.optimizations[id]; ok {
		p := progressPercent(job.CompletedIterations, job.TotalIterations)
		return &JobStatusInfo{Status: job.Status, Progress: &p, Error: job.Error}, nil
	}
	return nil, domain.ErrNotFound
}

// List 返回当前活跃任务，按创建时间倒序
func (e *JobEngine) List(ctx context.Context) []ActiveJob {
	e.mu.Lock()
	defer e.mu.Unlock()

	jobs := make([]ActiveJob, 0, len(e.active))
	for id := range e.active {
		if job, ok := e.backtests[id]; ok {
			jobs = append(jobs, ActiveJob{ID: id, Kind: domain.JobKindBacktest, Status: job.Status, CreatedAt: job.CreatedAt})
		}
		if job, ok := e.optimizations[id]; ok {
			jobs = append(jobs, ActiveJob{ID: id, Kind: domain.JobKindOptimization, Status: job.Status, CreatedAt: job.CreatedAt})
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs
}

// GetBacktest 返回回测任务快照
func (e *JobEngine) GetBacktest(ctx context.Context, id string) (*domain.BacktestJob, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.backtests[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyBacktest(job), nil
}

// ListBacktests 返回回测任务快照，按创建时间倒序，最多 limit 条
func (e *JobEngine) ListBacktests(ctx context.Context, limit int) []*domain.BacktestJob {
	e.mu.Lock()
	defer e.mu.Unlock()

	jobs := make([]*domain.BacktestJob, 0, len(e.backtests))
	for _, job := range e.backtests {
		jobs = append(jobs, copyBacktest(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

// DeleteBacktest 删除历史回测记录；活跃任务不可删除
func (e *JobEngine) DeleteBacktest(ctx context.Context, id string) error {
	e.mu.Lock()
	if _, isActive := e.active[id]; isActive {
		e.mu.Unlock()
		return &domain.ValidationError{Field: "id", Reason: "job is still active, cancel it first"}
	}
	_, ok := e.backtests[id]
	delete(e.backtests, id)
	e.mu.Unlock()

	if !ok {
		return domain.ErrNotFound
	}
	if e.repo != nil {
		if err := e.repo.DeleteBacktest(ctx, id); err != nil {
			e.logger.Warn("failed to delete persisted backtest", "job_id", id, "error", err)
		}
	}
	return nil
}

// GetOptimization 返回寻优任务快照。
// 运行中读取会看到部分填充的迭代列表，这是预期行为。
func (e *JobEngine) GetOptimization(ctx context.Context, id string) (*domain.OptimizationJob, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.optimizations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyOptimization(job), nil
}

// ListOptimizations 返回寻优任务快照，按创建时间倒序
func (e *JobEngine) ListOptimizations(ctx context.Context) []*domain.OptimizationJob {
	e.mu.Lock()
	defer e.mu.Unlock()

	jobs := make([]*domain.OptimizationJob, 0, len(e.optimizations))
	for _, job := range e.optimizations {
		jobs = append(jobs, copyOptimization(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs
}

// GetStats 返回引擎运行统计
func (e *JobEngine) GetStats(ctx context.Context) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		TotalBacktests:     len(e.backtests),
		TotalOptimizations: len(e.optimizations),
		ActiveJobs:         len(e.active),
		MaxConcurrentJobs:  e.cfg.MaxConcurrentJobs,
	}
	for _, job := range e.backtests {
		switch job.Status {
		case domain.JobStatusCompleted:
			s.CompletedBacktests++
		case domain.JobStatusFailed:
			s.FailedBacktests++
		}
	}
	for _, job := range e.optimizations {
		switch job.Status {
		case domain.JobStatusCompleted:
			s.CompletedOptimizations++
		case domain.JobStatusFailed:
			s.FailedOptimizations++
		}
	}
	return s
}

func (e *JobEngine) markBacktestRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.backtests[id]
	if !ok || job.Status != domain.JobStatusPending {
		return false
	}
	job.Status = domain.JobStatusRunning
	return true
}

func (e *JobEngine) markOptimizationRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.optimizations[id]
	if !ok || job.Status != domain.JobStatusPending {
		return false
	}
	job.Status = domain.JobStatusRunning
	return true
}

// failBacktest 将运行中的任务置为失败；任务已处于终态时返回 false
func (e *JobEngine) failBacktest(id, msg string) bool {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.backtests[id]
	if !ok || job.Status.Terminal() {
		return false
	}
	job.Status = domain.JobStatusFailed
	job.Error = msg
	job.CompletedAt = &now
	return true
}

func (e *JobEngine) failOptimization(id, msg string) bool {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.optimizations[id]
	if !ok || job.Status.Terminal() {
		return false
	}
	job.Status = domain.JobStatusFailed
	job.Error = msg
	job.CompletedAt = &now
	return true
}

func (e *JobEngine) release(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	delete(e.active, id)
	delete(e.cancels, id)
	e.updateActiveGauge()
	e.mu.Unlock()
	cancel()
}

func (e *JobEngine) updateActiveGauge() {
	if e.metrics != nil {
		e.metrics.JobsActive.Set(float64(len(e.active)))
	}
}

// publish 发布生命周期事件；失败只记日志，不影响任务状态
func (e *JobEngine) publish(event domain.Event) {
	if e.publisher == nil {
		return
	}
	event.OccurredAt = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("failed to publish job event", "job_id", event.JobID, "type", event.Type, "error", err)
	}
}

// persistBacktest 终态落库，write-behind，失败不影响内存状态
func (e *JobEngine) persistBacktest(id string) {
	if e.repo == nil {
		return
	}
	e.mu.Lock()
	job, ok := e.backtests[id]
	var snapshot *domain.BacktestJob
	if ok {
		snapshot = copyBacktest(job)
	}
	e.mu.Unlock()
	if snapshot == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := utils.Retry(ctx, persistAttempts, persistBackoff, func() error {
		return e.repo.SaveBacktest(ctx, snapshot)
	})
	if err != nil {
		e.logger.Warn("failed to persist backtest", "job_id", id, "error", err)
	}
}

func (e *JobEngine) persistOptimization(id string) {
	if e.repo == nil {
		return
	}
	e.mu.Lock()
	job, ok := e.optimizations[id]
	var snapshot *domain.OptimizationJob
	if ok {
		snapshot = copyOptimization(job)
	}
	e.mu.Unlock()
	if snapshot == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := utils.Retry(ctx, persistAttempts, persistBackoff, func() error {
		return e.repo.SaveOptimization(ctx, snapshot)
	})
	if err != nil {
		e.logger.Warn("failed to persist optimization", "job_id", id, "error", err)
	}
}

func progressPercent(completed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}

func copyBacktest(job *domain.BacktestJob) *domain.BacktestJob {
	cp := *job
	cp.Trades = slices.Clone(job.Trades)
	cp.EquityCurve = slices.Clone(job.EquityCurve)
	if job.Metrics != nil {
		m := *job.Metrics
		cp.Metrics = &m
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func copyOptimization(job *domain.OptimizationJob) *domain.OptimizationJob {
	cp := *job
	cp.BestParameters = maps.Clone(job.BestParameters)
	// 迭代条目追加后不再修改，浅拷贝切片即可
	cp.Iterations = slices.Clone(job.Iterations)
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
