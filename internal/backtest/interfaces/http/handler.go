// Package http 提供回测与参数寻优的 HTTP 接口
package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/quantlab/internal/backtest/application"
	"github.com/wyfcoding/quantlab/internal/backtest/domain"
	"github.com/wyfcoding/quantlab/pkg/logger"
	"github.com/wyfcoding/quantlab/pkg/response"
)

// BacktestHandler 负责处理回测与寻优相关的 HTTP 请求
type BacktestHandler struct {
	engine *application.JobEngine
}

// NewBacktestHandler 创建 HTTP 处理器
func NewBacktestHandler(engine *application.JobEngine) *BacktestHandler {
	return &BacktestHandler{engine: engine}
}

// RegisterRoutes 注册路由
func (h *BacktestHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/api/v1")
	{
		api.POST("/backtests", h.SubmitBacktest)
		api.GET("/backtests", h.ListBacktests)
		api.GET("/backtests/:id", h.GetBacktest)
		api.DELETE("/backtests/:id", h.DeleteBacktest)

		api.POST("/optimizations", h.SubmitOptimization)
		api.GET("/optimizations", h.ListOptimizations)
		api.GET("/optimizations/:id", h.GetOptimization)

		api.GET("/jobs", h.ListActiveJobs)
		api.GET("/jobs/stats", h.GetStats)
		api.GET("/jobs/:id/status", h.GetJobStatus)
		api.DELETE("/jobs/:id", h.CancelJob)
	}
}

// SubmitBacktest 提交回测任务
func (h *BacktestHandler) SubmitBacktest(c *gin.Context) {
	var req domain.BacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.engine.SubmitBacktest(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "Failed to submit backtest", err)
		return
	}
	response.Success(c, gin.H{"job_id": id})
}

// ListBacktests 查询回测任务列表
func (h *BacktestHandler) ListBacktests(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid limit")
		return
	}
	response.Success(c, h.engine.ListBacktests(c.Request.Context(), limit))
}

// GetBacktest 查询单个回测任务
func (h *BacktestHandler) GetBacktest(c *gin.Context) {
	job, err := h.engine.GetBacktest(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to get backtest", err)
		return
	}
	response.Success(c, job)
}

// DeleteBacktest 删除历史回测记录
func (h *BacktestHandler) DeleteBacktest(c *gin.Context) {
	if err := h.engine.DeleteBacktest(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, "Failed to delete backtest", err)
		return
	}
	response.Success(c, gin.H{"deleted": true})
}

// SubmitOptimization 提交参数寻优任务
func (h *BacktestHandler) SubmitOptimization(c *gin.Context) {
	var req domain.OptimizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.engine.SubmitOptimization(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "Failed to submit optimization", err)
		return
	}
	response.Success(c, gin.H{"job_id": id})
}

// ListOptimizations 查询寻优任务列表
func (h *BacktestHandler) ListOptimizations(c *gin.Context) {
	response.Success(c, h.engine.ListOptimizations(c.Request.Context()))
}

// GetOptimization 查询单个寻优任务
func (h *BacktestHandler) GetOptimization(c *gin.Context) {
	job, err := h.engine.GetOptimization(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to get optimization", err)
		return
	}
	response.Success(c, job)
}

// ListActiveJobs 查询当前活跃任务
func (h *BacktestHandler) ListActiveJobs(c *gin.Context) {
	response.Success(c, h.engine.List(c.Request.Context()))
}

// GetStats 查询引擎运行统计
func (h *BacktestHandler) GetStats(c *gin.Context) {
	response.Success(c, h.engine.GetStats(c.Request.Context()))
}

// GetJobStatus 查询任务状态
func (h *BacktestHandler) GetJobStatus(c *gin.Context) {
	info, err := h.engine.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to get job status", err)
		return
	}
	response.Success(c, info)
}

// CancelJob 取消任务
func (h *BacktestHandler) CancelJob(c *gin.Context) {
	if err := h.engine.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, "Failed to cancel job", err)
		return
	}
	response.Success(c, gin.H{"cancelled": true})
}

// writeError 按错误类型映射 HTTP 状态码
func (h *BacktestHandler) writeError(c *gin.Context, msg string, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		response.ErrorWithStatus(c, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrCapacityExceeded):
		response.ErrorWithStatus(c, http.StatusTooManyRequests, err.Error())
	default:
		logger.Error(c.Request.Context(), msg, "error", err)
		response.ErrorWithStatus(c, http.StatusInternalServerError, err.Error())
	}
}
