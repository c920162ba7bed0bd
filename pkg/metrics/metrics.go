// Package metrics 提供 Prometheus helper，覆盖 HTTP 与任务引擎的核心指标
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wyfcoding/quantlab/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// HTTP 请求计数
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTP 请求耗时
	HTTPRequestDuration prometheus.Histogram

	// 提交的任务计数（按类型）
	JobsSubmitted *prometheus.CounterVec
	// 完成的任务计数（按类型）
	JobsCompleted *prometheus.CounterVec
	// 失败的任务计数（含取消）
	JobsFailed *prometheus.CounterVec
	// 因并发上限被拒绝的提交
	JobsRejected prometheus.Counter
	// 当前活跃任务数
	JobsActive prometheus.Gauge

	// 当前打开的持仓数
	PositionsOpen prometheus.Gauge
	// 止损/止盈触发计数
	StopTriggersTotal *prometheus.CounterVec
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "status"}),
		HTTPRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "jobs_submitted_total",
			Help:      "Total jobs admitted by the engine",
		}, []string{"kind"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "jobs_completed_total",
			Help:      "Total jobs completed successfully",
		}, []string{"kind"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "jobs_failed_total",
			Help:      "Total jobs that failed or were cancelled",
		}, []string{"kind"}),
		JobsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "jobs_rejected_total",
			Help:      "Submissions rejected by the concurrency cap",
		}),
		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "jobs_active",
			Help:      "Number of pending or running jobs",
		}),
		PositionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "positions_open",
			Help:      "Number of open positions",
		}),
		StopTriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "stop_triggers_total",
			Help:      "Stop-loss / take-profit automatic closes",
		}, []string{"reason"}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.JobsSubmitted,
		m.JobsCompleted,
		m.JobsFailed,
		m.JobsRejected,
		m.JobsActive,
		m.PositionsOpen,
		m.StopTriggersTotal,
	}

	for _, c := range collectors {
		if err := prometheus.DefaultRegisterer.Register(c); err != nil {
			logger.Error(context.Background(), "Failed to register metric", "error", err)
			return err
		}
	}
	return nil
}
