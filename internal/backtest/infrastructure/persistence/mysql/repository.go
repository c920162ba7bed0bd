// Package mysql 提供任务记录的 MySQL 仓储，基于 GORM。
// 结果体积大且结构演进频繁，整体以 JSON 载荷列存储，
// 只把查询需要的字段提升为独立列。
package mysql

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/quantlab/internal/backtest/domain"
)

// BacktestRecord 回测任务表
type BacktestRecord struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	JobID      string    `gorm:"uniqueIndex;size:64;not null"`
	StrategyID string    `gorm:"index;size:64;not null"`
	Status     string    `gorm:"size:16;not null"`
	Payload    []byte    `gorm:"type:json;not null"`
	CreatedAt  time.Time `gorm:"index"`
	UpdatedAt  time.Time
}

// TableName 指定表名
func (BacktestRecord) TableName() string {
	return "backtest_jobs"
}

// OptimizationRecord 参数寻优任务表
type OptimizationRecord struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	JobID      string    `gorm:"uniqueIndex;size:64;not null"`
	StrategyID string    `gorm:"index;size:64;not null"`
	Status     string    `gorm:"size:16;not null"`
	Payload    []byte    `gorm:"type:json;not null"`
	CreatedAt  time.Time `gorm:"index"`
	UpdatedAt  time.Time
}

// TableName 指定表名
func (OptimizationRecord) TableName() string {
	return "optimization_jobs"
}

type jobRepository struct {
	db *gorm.DB
}

// NewJobRepository 创建任务仓储并迁移表结构
func NewJobRepository(db *gorm.DB) (domain.JobRepository, error) {
	if err := db.AutoMigrate(&BacktestRecord{}, &OptimizationRecord{}); err != nil {
		return nil, fmt.Errorf("migrate job tables: %w", err)
	}
	return &jobRepository{db: db}, nil
}

func (r *jobRepository) SaveBacktest(ctx context.Context, job *domain.BacktestJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal backtest job %s: %w", job.ID, err)
	}
	record := BacktestRecord{
		JobID:      job.ID,
		StrategyID: job.Request.StrategyID,
		Status:     string(job.Status),
		Payload:    payload,
		CreatedAt:  job.CreatedAt,
	}
	return r.db.WithContext(ctx).
		Where("job_id = ?", job.ID).
		Assign(map[string]any{"status": record.Status, "payload": record.Payload}).
		FirstOrCreate(&record).Error
}

func (r *jobRepository) SaveOptimization(ctx context.Context, job *domain.OptimizationJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal optimization job %s: %w", job.ID, err)
	}
	record := OptimizationRecord{
		JobID:      job.ID,
		StrategyID: job.Request.StrategyID,
		Status:     string(job.Status),
		Payload:    payload,
		CreatedAt:  job.CreatedAt,
	}
	return r.db.WithContext(ctx).
		Where("job_id = ?", job.ID).
		Assign(map[string]any{"status": record.Status, "payload": record.Payload}).
		FirstOrCreate(&record).Error
}

func (r *jobRepository) LoadBacktests(ctx context.Context) ([]*domain.BacktestJob, error) {
	var records []BacktestRecord
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&records).Error; err != nil {
		return nil, err
	}
	jobs := make([]*domain.BacktestJob, 0, len(records))
	for _, record := range records {
		var job domain.BacktestJob
		if err := json.Unmarshal(record.Payload, &job); err != nil {
			return nil, fmt.Errorf("unmarshal backtest job %s: %w", record.JobID, err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (r *jobRepository) LoadOptimizations(ctx context.Context) ([]*domain.OptimizationJob, error) {
	var records []OptimizationRecord
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&records).Error; err != nil {
		return nil, err
	}
	jobs := make([]*domain.OptimizationJob, 0, len(records))
	for _, record := range records {
		var job domain.OptimizationJob
		if err := json.Unmarshal(record.Payload, &job); err != nil {
			return nil, fmt.Errorf("unmarshal optimization job %s: %w", record.JobID, err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (r *jobRepository) DeleteBacktest(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("job_id = ?", id).Delete(&BacktestRecord{}).Error
}
