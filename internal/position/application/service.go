// Package application 提供持仓台账服务：开平仓、价格驱动的止损止盈、
// 组合汇总与风险评估。台账常驻内存，读写由单把读写锁保护。
package application

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/wyfcoding/quantlab/internal/position/domain"
	"github.com/wyfcoding/quantlab/pkg/metrics"
	"github.com/wyfcoding/quantlab/pkg/utils"
)

// OpenRequest 开仓请求
type OpenRequest struct {
	Exchange   string      `json:"exchange"`
	Symbol     string      `json:"symbol"`
	Side       domain.Side `json:"side"`
	Quantity   float64     `json:"quantity"`
	EntryPrice float64     `json:"entry_price"`
	Leverage   float64     `json:"leverage"`
	Fees       float64     `json:"fees"`
	StopLoss   *float64    `json:"stop_loss,omitempty"`
	TakeProfit *float64    `json:"take_profit,omitempty"`
	StrategyID string      `json:"strategy_id,omitempty"`
}

// PortfolioSummary 组合汇总
type PortfolioSummary struct {
	OpenPositions      int                `json:"open_positions"`
	TotalPositions     int                `json:"total_positions"`
	TotalValue         float64            `json:"total_value"`
	TotalUnrealizedPnl float64            `json:"total_unrealized_pnl"`
	TotalRealizedPnl   float64            `json:"total_realized_pnl"`
	TotalMarginUsed    float64            `json:"total_margin_used"`
	FreeMargin         float64            `json:"free_margin"`
	MarginUtilization  float64            `json:"margin_utilization"`
	RiskScore          float64            `json:"risk_score"`
	HighRiskPositions  int                `json:"high_risk_positions"`
	ExposureBySymbol   map[string]float64 `json:"exposure_by_symbol"`
	ExposureByExchange map[string]float64 `json:"exposure_by_exchange"`
}

// PositionService 持仓台账服务
type PositionService struct {
	repo    domain.PositionRepository // 可为 nil
	metrics *metrics.Metrics          // 可为 nil
	logger  *slog.Logger
	idGen   *utils.SnowflakeID

	mu        sync.RWMutex
	positions map[string]*domain.Position
	params    domain.RiskParameters
}

// NewPositionService 创建持仓服务
func NewPositionService(params domain.RiskParameters, repo domain.PositionRepository, m *metrics.Metrics, logger *slog.Logger) *PositionService {
	if params == (domain.RiskParameters{}) {
		params = domain.DefaultRiskParameters()
	}
	return &PositionService{
		repo:      repo,
		metrics:   m,
		logger:    logger,
		idGen:     utils.NewSnowflakeID(1),
		positions: make(map[string]*domain.Position),
		params:    params,
	}
}

// Restore 从仓储回放存量持仓（启动时调用一次）
func (s *PositionService) Restore(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	positions, err := s.repo.Load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, p := range positions {
		s.positions[p.ID] = p
	}
	s.updateOpenGauge()
	s.mu.Unlock()
	return nil
}

// Open 开仓。风控闸门按固定顺序执行，第一个失败者决定拒绝原因：
// 字段校验、单仓规模、杠杆、集中度、可用保证金。
func (s *PositionService) Open(ctx context.Context, req OpenRequest) (*domain.Position, error) {
	if err := validateOpen(&req); err != nil {
		return nil, err
	}

	notional := req.EntryPrice * req.Quantity

	s.mu.Lock()
	defer s.mu.Unlock()

	if notional > s.params.MaxPositionSize {
		return nil, &domain.RiskRejectedError{
			Reason: fmt.Sprintf("position size %.2f exceeds limit %.2f", notional, s.params.MaxPositionSize),
		}
	}
	if req.Leverage > s.params.MaxLeverage {
		return nil, &domain.RiskRejectedError{
			Reason: fmt.Sprintf("leverage %.1f exceeds limit %.1f", req.Leverage, s.params.MaxLeverage),
		}
	}

	var marginUsed float64
	symbolValue := notional
	for _, p := range s.positions {
		if p.Status == domain.StatusOpen {
			marginUsed += p.MarginUsed
			if p.Symbol == req.Symbol {
				symbolValue += p.PositionValue
			}
		}
	}
	// 集中度闸门：单标的总敞口（含本次新仓）/ 账户总资金。
	// 分母取 TotalCapital 而非组合市值，空仓时组合市值为零不可作分母。
	if s.params.TotalCapital > 0 {
		concentration := symbolValue / s.params.TotalCapital * 100
		if concentration > s.params.MaxConcentration {
			return nil, &domain.RiskRejectedError{
				Reason: fmt.Sprintf("concentration %.1f%% exceeds limit %.1f%%", concentration, s.params.MaxConcentration),
			}
		}
	}

	margin := notional / req.Leverage
	freeMargin := s.params.TotalCapital - marginUsed
	if margin > freeMargin {
		return nil, &domain.RiskRejectedError{
			Reason: fmt.Sprintf("required margin %.2f exceeds free margin %.2f", margin, freeMargin),
		}
	}

	now := time.Now()
	p := &domain.Position{
		ID:            strconv.FormatInt(s.idGen.Generate(), 10),
		Exchange:      req.Exchange,
		Symbol:        req.Symbol,
		Side:          req.Side,
		StrategyID:    req.StrategyID,
		Quantity:      req.Quantity,
		EntryPrice:    req.EntryPrice,
		CurrentPrice:  req.EntryPrice,
		PositionValue: notional,
		Leverage:      req.Leverage,
		MarginUsed:    margin,
		Fees:          req.Fees,
		UnrealizedPnl: -req.Fees,
		StopLoss:      req.StopLoss,
		TakeProfit:    req.TakeProfit,
		Status:        domain.StatusOpen,
		RiskLevel:     domain.CalculateRiskLevel(req.Leverage, notional),
		OpenedAt:      now,
		UpdatedAt:     now,
	}
	s.positions[p.ID] = p
	s.updateOpenGauge()

	s.logger.Info("position opened", "position_id", p.ID, "symbol", p.Symbol,
		"side", p.Side, "quantity", p.Quantity, "entry_price", p.EntryPrice, "leverage", p.Leverage)
	s.persist(p)

	return snapshot(p), nil
}

// Close 按当前价平仓
func (s *PositionService) Close(ctx context.Context, id string, reason domain.CloseReason) (*domain.Position, error) {
	if reason == "" {
		reason = domain.CloseReasonManual
	}

	s.mu.Lock()
	p, ok := s.positions[id]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	if p.Status != domain.StatusOpen {
		s.mu.Unlock()
		return nil, domain.ErrNotOpen
	}
	s.closeLocked(p, p.CurrentPrice, reason)
	cp := snapshot(p)
	s.mu.Unlock()

	s.logger.Info("position closed", "position_id", id, "reason", reason, "realized_pnl", cp.RealizedPnl)
	s.persist(cp)
	return cp, nil
}

// CloseAll 平掉全部在场持仓，返回平仓数量
func (s *PositionService) CloseAll(ctx context.Context, reason domain.CloseReason) int {
	if reason == "" {
		reason = domain.CloseReasonManual
	}

	s.mu.Lock()
	var closed []*domain.Position
	for _, p := range s.positions {
		if p.Status == domain.StatusOpen {
			s.closeLocked(p, p.CurrentPrice, reason)
			closed = append(closed, snapshot(p))
		}
	}
	s.mu.Unlock()

	for _, p := range closed {
		s.persist(p)
	}
	s.logger.Info("all positions closed", "count", len(closed), "reason", reason)
	return len(closed)
}

// UpdatePrices 批量更新行情并处理止损止盈触发。
// 整批在写锁内完成，读方看不到半更新的台账。
func (s *PositionService) UpdatePrices(ctx context.Context, prices map[string]float64) []*domain.Position {
	now := time.Now()

	s.mu.Lock()
	var triggered []*domain.Position
	for _, p := range s.positions {
		if p.Status != domain.StatusOpen {
			continue
		}
		price, ok := prices[p.Symbol]
		if !ok || price <= 0 {
			continue
		}

		p.CurrentPrice = price
		p.PositionValue = price * p.Quantity
		p.UnrealizedPnl = domain.CalculateUnrealizedPnl(p.Side, p.EntryPrice, price, p.Quantity, p.Fees)
		p.RiskLevel = domain.CalculateRiskLevel(p.Leverage, p.PositionValue)
		p.UpdatedAt = now

		// 触发平仓按触发价成交，不按穿越后的行情价
		if p.StopLoss != nil && domain.StopLossTriggered(p.Side, price, *p.StopLoss) {
			s.closeLocked(p, *p.StopLoss, domain.CloseReasonStopLoss)
			triggered = append(triggered, snapshot(p))
			continue
		}
		if p.TakeProfit != nil && domain.TakeProfitTriggered(p.Side, price, *p.TakeProfit) {
			s.closeLocked(p, *p.TakeProfit, domain.CloseReasonTakeProfit)
			triggered = append(triggered, snapshot(p))
		}
	}
	s.mu.Unlock()

	for _, p := range triggered {
		s.logger.Info("stop triggered", "position_id", p.ID, "symbol", p.Symbol,
			"reason", p.CloseReason, "price", p.CurrentPrice, "realized_pnl", p.RealizedPnl)
		if s.metrics != nil {
			s.metrics.StopTriggersTotal.WithLabelValues(string(p.CloseReason)).Inc()
		}
		s.persist(p)
	}
	return triggered
}

// UpdateStopLossTakeProfit 调整在场持仓的止损止盈价。
// nil 表示保持不变；校验价格落在方向正确的一侧。
func (s *PositionService) UpdateStopLossTakeProfit(ctx context.Context, id string, stopLoss, takeProfit *float64) (*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if p.Status != domain.StatusOpen {
		return nil, domain.ErrNotOpen
	}

	if stopLoss != nil && !domain.ValidStopLoss(p.Side, p.CurrentPrice, *stopLoss) {
		return nil, &domain.ValidationError{Field: "stop_loss", Reason: "must be on the losing side of current price"}
	}
	if takeProfit != nil && !domain.ValidTakeProfit(p.Side, p.CurrentPrice, *takeProfit) {
		return nil, &domain.ValidationError{Field: "take_profit", Reason: "must be on the winning side of current price"}
	}

	if stopLoss != nil {
		v := *stopLoss
		p.StopLoss = &v
	}
	if takeProfit != nil {
		v := *takeProfit
		p.TakeProfit = &v
	}
	p.UpdatedAt = time.Now()
	return snapshot(p), nil
}

// Get 返回持仓快照
func (s *PositionService) Get(ctx context.Context, id string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return snapshot(p), nil
}

// GetAll 返回持仓快照列表；status 为空时返回全部，按开仓时间倒序
func (s *PositionService) GetAll(ctx context.Context, status domain.Status) []*domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		if status != "" && p.Status != status {
			continue
		}
		result = append(result, snapshot(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OpenedAt.After(result[j].OpenedAt) })
	return result
}

// GetByStrategy 返回某策略名下的持仓快照
func (s *PositionService) GetByStrategy(ctx context.Context, strategyID string) []*domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Position
	for _, p := range s.positions {
		if p.StrategyID == strategyID {
			result = append(result, snapshot(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OpenedAt.After(result[j].OpenedAt) })
	return result
}

// Summary 组合汇总
func (s *PositionService) Summary(ctx context.Context) PortfolioSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := PortfolioSummary{
		TotalPositions:     len(s.positions),
		ExposureBySymbol:   make(map[string]float64),
		ExposureByExchange: make(map[string]float64),
	}
	var open []*domain.Position
	for _, p := range s.positions {
		summary.TotalRealizedPnl += p.RealizedPnl
		if p.Status != domain.StatusOpen {
			continue
		}
		open = append(open, p)
		summary.OpenPositions++
		summary.TotalValue += p.PositionValue
		summary.TotalUnrealizedPnl += p.UnrealizedPnl
		summary.TotalMarginUsed += p.MarginUsed
		summary.ExposureBySymbol[p.Symbol] += p.PositionValue
		summary.ExposureByExchange[p.Exchange] += p.PositionValue
		if p.RiskLevel == domain.RiskLevelHigh {
			summary.HighRiskPositions++
		}
	}
	summary.FreeMargin = s.params.TotalCapital - summary.TotalMarginUsed
	if s.params.TotalCapital > 0 {
		summary.MarginUtilization = summary.TotalMarginUsed / s.params.TotalCapital * 100
	}
	summary.RiskScore = domain.PortfolioRiskScore(open)
	return summary
}

// RiskAnalysis 单仓风险评估
func (s *PositionService) RiskAnalysis(ctx context.Context, id string) (*domain.PositionRisk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	var portfolioValue, symbolExposure float64
	for _, q := range s.positions {
		if q.Status == domain.StatusOpen {
			portfolioValue += q.PositionValue
			if q.Symbol == p.Symbol {
				symbolExposure += q.PositionValue
			}
		}
	}
	risk := domain.AssessPositionRisk(p, symbolExposure, portfolioValue)
	return &risk, nil
}

// GetRiskParameters 返回当前风险参数
func (s *PositionService) GetRiskParameters(ctx context.Context) domain.RiskParameters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// UpdateRiskParameters 更新风险参数；零值字段保持不变
func (s *PositionService) UpdateRiskParameters(ctx context.Context, params domain.RiskParameters) domain.RiskParameters {
	s.mu.Lock()
	defer s.mu.Unlock()

	if params.MaxPositionSize > 0 {
		s.params.MaxPositionSize = params.MaxPositionSize
	}
	if params.MaxPortfolioRisk > 0 {
		s.params.MaxPortfolioRisk = params.MaxPortfolioRisk
	}
	if params.MaxLeverage > 0 {
		s.params.MaxLeverage = params.MaxLeverage
	}
	if params.MaxConcentration > 0 {
		s.params.MaxConcentration = params.MaxConcentration
	}
	if params.StopLossThreshold > 0 {
		s.params.StopLossThreshold = params.StopLossThreshold
	}
	if params.MarginCallThreshold > 0 {
		s.params.MarginCallThreshold = params.MarginCallThreshold
	}
	if params.TotalCapital > 0 {
		s.params.TotalCapital = params.TotalCapital
	}
	s.logger.Info("risk parameters updated", "params", s.params)
	return s.params
}

// closeLocked 在写锁内完成平仓状态迁移
func (s *PositionService) closeLocked(p *domain.Position, price float64, reason domain.CloseReason) {
	now := time.Now()
	p.CurrentPrice = price
	p.PositionValue = price * p.Quantity
	p.RealizedPnl = domain.CalculateUnrealizedPnl(p.Side, p.EntryPrice, price, p.Quantity, p.Fees)
	p.UnrealizedPnl = 0
	p.MarginUsed = 0
	p.Status = domain.StatusClosed
	p.CloseReason = reason
	p.ClosedAt = &now
	p.UpdatedAt = now
	s.updateOpenGauge()
}

func (s *PositionService) updateOpenGauge() {
	if s.metrics == nil {
		return
	}
	open := 0
	for _, p := range s.positions {
		if p.Status == domain.StatusOpen {
			open++
		}
	}
	s.metrics.PositionsOpen.Set(float64(open))
}

// persist write-behind 落库，带退避重试，最终失败只记日志
func (s *PositionService) persist(p *domain.Position) {
	if s.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := utils.Retry(ctx, 3, 200*time.Millisecond, func() error {
		return s.repo.Save(ctx, p)
	})
	if err != nil {
		s.logger.Warn("failed to persist position", "position_id", p.ID, "error", err)
	}
}

func validateOpen(req *OpenRequest) error {
	if req.Symbol == "" {
		return &domain.ValidationError{Field: "symbol", Reason: "is required"}
	}
	if !req.Side.Valid() {
		return &domain.ValidationError{Field: "side", Reason: "must be long or short"}
	}
	if req.Quantity <= 0 {
		return &domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if req.EntryPrice <= 0 {
		return &domain.ValidationError{Field: "entry_price", Reason: "must be positive"}
	}
	if req.Leverage == 0 {
		req.Leverage = 1
	}
	if req.Leverage < 1 {
		return &domain.ValidationError{Field: "leverage", Reason: "must be at least 1"}
	}
	if req.StopLoss != nil && !domain.ValidStopLoss(req.Side, req.EntryPrice, *req.StopLoss) {
		return &domain.ValidationError{Field: "stop_loss", Reason: "must be on the losing side of entry price"}
	}
	if req.TakeProfit != nil && !domain.ValidTakeProfit(req.Side, req.EntryPrice, *req.TakeProfit) {
		return &domain.ValidationError{Field: "take_profit", Reason: "must be on the winning side of entry price"}
	}
	return nil
}

func snapshot(p *domain.Position) *domain.Position {
	cp := *p
	if p.StopLoss != nil {
		v := *p.StopLoss
		cp.StopLoss = &v
	}
	if p.TakeProfit != nil {
		v := *p.TakeProfit
		cp.TakeProfit = &v
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}
