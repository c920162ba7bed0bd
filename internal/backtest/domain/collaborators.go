package domain

import (
	"context"
	"time"
)

// StrategyEvaluator 策略评估协作方：对给定窗口与参数产出交易序列。
// 实现可能很慢，调用方应通过 ctx 限定超时。
type StrategyEvaluator interface {
	Evaluate(ctx context.Context, strategyID string, params map[string]float64, start, end time.Time, symbols []string) ([]Trade, error)
}

// MarketDataFeed 行情数据源：历史 K 线与实时价格
type MarketDataFeed interface {
	GetBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error)
	GetTick(ctx context.Context, symbol string) (float64, error)
}

// EventType 任务生命周期事件类型
type EventType string

const (
	EventJobStarted    EventType = "job_started"
	EventJobCompleted  EventType = "job_completed"
	EventJobFailed     EventType = "job_failed"
	EventJobCancelled  EventType = "job_cancelled"
	EventJobProgressed EventType = "job_progressed"
)

// Event 任务生命周期事件
type Event struct {
	Type       EventType `json:"type"`
	JobID      string    `json:"job_id"`
	Kind       JobKind   `json:"kind"`
	Progress   int       `json:"progress,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventPublisher 生命周期事件发布。发布失败不得影响任务状态。
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// JobRepository 任务落库接口。内存状态是运行时权威，
// 落库是 write-behind，启动时可回放。
type JobRepository interface {
	SaveBacktest(ctx context.Context, job *BacktestJob) error
	SaveOptimization(ctx context.Context, job *OptimizationJob) error
	LoadBacktests(ctx context.Context) ([]*BacktestJob, error)
	LoadOptimizations(ctx context.Context) ([]*OptimizationJob, error)
	DeleteBacktest(ctx context.Context, id string) error
}
