// Package middleware 提供 Gin 通用中间件（日志、panic recover、限流、指标）
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/wyfcoding/quantlab/pkg/logger"
	"github.com/wyfcoding/quantlab/pkg/metrics"
	"github.com/wyfcoding/quantlab/pkg/ratelimit"
	"github.com/wyfcoding/quantlab/pkg/response"
)

// RequestIDKey gin context 中 request ID 的键
const RequestIDKey = "request_id"

// Logging 请求日志中间件
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(RequestIDKey, requestID)

		ctx := logger.ContextWithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		logger.Info(ctx, "HTTP request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status_code", c.Writer.Status(),
			"client_ip", c.ClientIP(),
			"duration", time.Since(start),
		)
	}
}

// Recovery panic 恢复中间件
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				requestID, _ := c.Get(RequestIDKey)
				logger.Error(c.Request.Context(), "HTTP request panicked",
					"request_id", requestID,
					"panic", err,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, response.Body{
					Success: false,
					Error:   "internal server error",
				})
			}
		}()
		c.Next()
	}
}

// Metrics HTTP 指标中间件
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.Observe(time.Since(start).Seconds())
	}
}

// RateLimit 按客户端 IP 限流；limiter 为 nil 或 rate<=0 时直通
func RateLimit(limiter ratelimit.RateLimiter, rate int) gin.HandlerFunc {
	if limiter == nil || rate <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	limit := ratelimit.Limit{Rate: rate, Period: time.Second, Burst: rate}
	return func(c *gin.Context) {
		res, err := limiter.Allow(c.Request.Context(), "http:"+c.ClientIP(), limit)
		if err != nil {
			// 限流器故障时放行，不因 Redis 抖动拒绝业务请求
			logger.Warn(c.Request.Context(), "rate limiter unavailable", "error", err)
			c.Next()
			return
		}
		if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, response.Body{
				Success: false,
				Error:   "too many requests",
			})
			return
		}
		c.Next()
	}
}
