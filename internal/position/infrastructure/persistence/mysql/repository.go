// Package mysql 提供持仓的 MySQL 仓储，基于 GORM
package mysql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/quantlab/internal/position/domain"
)

// PositionRecord 持仓表
type PositionRecord struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	PositionID   string    `gorm:"uniqueIndex;size:32;not null"`
	Exchange     string    `gorm:"size:32"`
	Symbol       string    `gorm:"index;size:32;not null"`
	Side         string    `gorm:"size:8;not null"`
	StrategyID   string    `gorm:"index;size:64"`
	Quantity     float64   `gorm:"type:decimal(20,8)"`
	EntryPrice   float64   `gorm:"type:decimal(20,8)"`
	CurrentPrice float64   `gorm:"type:decimal(20,8)"`
	Value        float64   `gorm:"column:position_value;type:decimal(20,8)"`
	Leverage     float64   `gorm:"type:decimal(10,2)"`
	MarginUsed   float64   `gorm:"type:decimal(20,8)"`
	Unrealized   float64   `gorm:"column:unrealized_pnl;type:decimal(20,8)"`
	Realized     float64   `gorm:"column:realized_pnl;type:decimal(20,8)"`
	Fees         float64   `gorm:"type:decimal(20,8)"`
	StopLoss     *float64  `gorm:"type:decimal(20,8)"`
	TakeProfit   *float64  `gorm:"type:decimal(20,8)"`
	Status       string    `gorm:"index;size:16;not null"`
	RiskLevel    string    `gorm:"size:8"`
	CloseReason  string    `gorm:"size:16"`
	OpenedAt     time.Time `gorm:"index"`
	ClosedAt     *time.Time
	UpdatedAt    time.Time
}

// TableName 指定表名
func (PositionRecord) TableName() string {
	return "positions"
}

type positionRepository struct {
	db *gorm.DB
}

// NewPositionRepository 创建持仓仓储并迁移表结构
func NewPositionRepository(db *gorm.DB) (domain.PositionRepository, error) {
	if err := db.AutoMigrate(&PositionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate position table: %w", err)
	}
	return &positionRepository{db: db}, nil
}

func (r *positionRepository) Save(ctx context.Context, p *domain.Position) error {
	record := toRecord(p)
	return r.db.WithContext(ctx).
		Where("position_id = ?", p.ID).
		Assign(record).
		FirstOrCreate(&PositionRecord{}).Error
}

func (r *positionRepository) Load(ctx context.Context) ([]*domain.Position, error) {
	var records []PositionRecord
	if err := r.db.WithContext(ctx).Order("opened_at DESC").Find(&records).Error; err != nil {
		return nil, err
	}
	positions := make([]*domain.Position, 0, len(records))
	for i := range records {
		positions = append(positions, toDomain(&records[i]))
	}
	return positions, nil
}

func toRecord(p *domain.Position) PositionRecord {
	return PositionRecord{
		PositionID:   p.ID,
		Exchange:     p.Exchange,
		Symbol:       p.Symbol,
		Side:         string(p.Side),
		StrategyID:   p.StrategyID,
		Quantity:     p.Quantity,
		EntryPrice:   p.EntryPrice,
		CurrentPrice: p.CurrentPrice,
		Value:        p.PositionValue,
		Leverage:     p.Leverage,
		MarginUsed:   p.MarginUsed,
		Unrealized:   p.UnrealizedPnl,
		Realized:     p.RealizedPnl,
		Fees:         p.Fees,
		StopLoss:     p.StopLoss,
		TakeProfit:   p.TakeProfit,
		Status:       string(p.Status),
		RiskLevel:    string(p.RiskLevel),
		CloseReason:  string(p.CloseReason),
		OpenedAt:     p.OpenedAt,
		ClosedAt:     p.ClosedAt,
	}
}

func toDomain(r *PositionRecord) *domain.Position {
	return &domain.Position{
		ID:            r.PositionID,
		Exchange:      r.Exchange,
		Symbol:        r.Symbol,
		Side:          domain.Side(r.Side),
		StrategyID:    r.StrategyID,
		Quantity:      r.Quantity,
		EntryPrice:    r.EntryPrice,
		CurrentPrice:  r.CurrentPrice,
		PositionValue: r.Value,
		Leverage:      r.Leverage,
		MarginUsed:    r.MarginUsed,
		UnrealizedPnl: r.Unrealized,
		RealizedPnl:   r.Realized,
		Fees:          r.Fees,
		StopLoss:      r.StopLoss,
		TakeProfit:    r.TakeProfit,
		Status:        domain.Status(r.Status),
		RiskLevel:     domain.RiskLevel(r.RiskLevel),
		CloseReason:   domain.CloseReason(r.CloseReason),
		OpenedAt:      r.OpenedAt,
		ClosedAt:      r.ClosedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}
