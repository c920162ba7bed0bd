// Package http 提供持仓台账与风险模型的 HTTP 接口
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/quantlab/internal/position/application"
	"github.com/wyfcoding/quantlab/internal/position/domain"
	"github.com/wyfcoding/quantlab/pkg/logger"
	"github.com/wyfcoding/quantlab/pkg/response"
)

// PositionHandler 负责处理持仓相关的 HTTP 请求
type PositionHandler struct {
	service *application.PositionService
}

// NewPositionHandler 创建 HTTP 处理器
func NewPositionHandler(service *application.PositionService) *PositionHandler {
	return &PositionHandler{service: service}
}

// RegisterRoutes 注册路由
func (h *PositionHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/api/v1")
	{
		api.POST("/positions", h.OpenPosition)
		api.GET("/positions", h.ListPositions)
		api.GET("/positions/:id", h.GetPosition)
		api.DELETE("/positions/:id", h.ClosePosition)
		api.POST("/positions/close-all", h.CloseAll)
		api.PUT("/positions/:id/stops", h.UpdateStops)
		api.POST("/positions/prices", h.UpdatePrices)
		api.GET("/positions/:id/risk", h.GetPositionRisk)

		api.GET("/portfolio/summary", h.GetPortfolioSummary)
		api.GET("/risk/parameters", h.GetRiskParameters)
		api.PUT("/risk/parameters", h.UpdateRiskParameters)
	}
}

// OpenPosition 开仓
func (h *PositionHandler) OpenPosition(c *gin.Context) {
	var req application.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error())
		return
	}

	position, err := h.service.Open(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "Failed to open position", err)
		return
	}
	response.Success(c, position)
}

// ListPositions 查询持仓列表，可按 status 或 strategy_id 过滤
func (h *PositionHandler) ListPositions(c *gin.Context) {
	if strategyID := c.Query("strategy_id"); strategyID != "" {
		response.Success(c, h.service.GetByStrategy(c.Request.Context(), strategyID))
		return
	}

	status := domain.Status(c.Query("status"))
	switch status {
	case "", domain.StatusOpen, domain.StatusClosing, domain.StatusClosed:
	default:
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid status")
		return
	}
	response.Success(c, h.service.GetAll(c.Request.Context(), status))
}

// GetPosition 查询单个持仓
func (h *PositionHandler) GetPosition(c *gin.Context) {
	position, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to get position", err)
		return
	}
	response.Success(c, position)
}

// ClosePosition 平仓
func (h *PositionHandler) ClosePosition(c *gin.Context) {
	reason := domain.CloseReason(c.DefaultQuery("reason", string(domain.CloseReasonManual)))

	position, err := h.service.Close(c.Request.Context(), c.Param("id"), reason)
	if err != nil {
		h.writeError(c, "Failed to close position", err)
		return
	}
	response.Success(c, position)
}

// CloseAll 平掉全部在场持仓
func (h *PositionHandler) CloseAll(c *gin.Context) {
	count := h.service.CloseAll(c.Request.Context(), domain.CloseReasonManual)
	response.Success(c, gin.H{"closed": count})
}

// UpdateStops 调整止损止盈
func (h *PositionHandler) UpdateStops(c *gin.Context) {
	var req struct {
		StopLoss   *float64 `json:"stop_loss"`
		TakeProfit *float64 `json:"take_profit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error())
		return
	}

	position, err := h.service.UpdateStopLossTakeProfit(c.Request.Context(), c.Param("id"), req.StopLoss, req.TakeProfit)
	if err != nil {
		h.writeError(c, "Failed to update stops", err)
		return
	}
	response.Success(c, position)
}

// UpdatePrices 批量更新行情，返回被止损止盈触发平仓的持仓
func (h *PositionHandler) UpdatePrices(c *gin.Context) {
	var req struct {
		Prices map[string]float64 `json:"prices"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Prices) == 0 {
		response.ErrorWithStatus(c, http.StatusBadRequest, "prices must not be empty")
		return
	}

	triggered := h.service.UpdatePrices(c.Request.Context(), req.Prices)
	response.Success(c, gin.H{"triggered": triggered})
}

// GetPositionRisk 单仓风险评估
func (h *PositionHandler) GetPositionRisk(c *gin.Context) {
	risk, err := h.service.RiskAnalysis(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to analyze position risk", err)
		return
	}
	response.Success(c, risk)
}

// GetPortfolioSummary 组合汇总
func (h *PositionHandler) GetPortfolioSummary(c *gin.Context) {
	response.Success(c, h.service.Summary(c.Request.Context()))
}

// GetRiskParameters 查询风险参数
func (h *PositionHandler) GetRiskParameters(c *gin.Context) {
	response.Success(c, h.service.GetRiskParameters(c.Request.Context()))
}

// UpdateRiskParameters 更新风险参数
func (h *PositionHandler) UpdateRiskParameters(c *gin.Context) {
	var params domain.RiskParameters
	if err := c.ShouldBindJSON(&params); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error())
		return
	}
	response.Success(c, h.service.UpdateRiskParameters(c.Request.Context(), params))
}

// writeError 按错误类型映射 HTTP 状态码
func (h *PositionHandler) writeError(c *gin.Context, msg string, err error) {
	var ve *domain.ValidationError
	var re *domain.RiskRejectedError
	switch {
	case errors.As(err, &ve):
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error())
	case errors.As(err, &re):
		response.ErrorWithStatus(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		response.ErrorWithStatus(c, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrNotOpen):
		response.ErrorWithStatus(c, http.StatusConflict, err.Error())
	default:
		logger.Error(c.Request.Context(), msg, "error", err)
		response.ErrorWithStatus(c, http.StatusInternalServerError, err.Error())
	}
}
