// Package metrics 提供 Prometheus 指标采集与上报的统一封装。
// 该包集中定义协调器关键指标（运行、日志分发、账本等），便于在各模块复用并保持标签一致。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 封装协调器运行时指标集合。
// 所有字段均为 Prometheus 指标类型，通过辅助方法更新指标值。
// 辅助方法在 nil 接收者上是空操作，未启用指标时可以直接传 nil。
//
// 指标分类:
//   - 运行指标: 跟踪运行的启动、结束与耗时
//   - 日志指标: 监控日志行数与订阅者
//   - 账本指标: 统计条目数、揭盲状态与揭盲尝试
type Metrics struct {
	// ========== 运行相关指标 ==========

	// RunsLaunched 运行启动次数计数器
	// 标签: type
	RunsLaunched *prometheus.CounterVec

	// RunsFinished 运行结束次数计数器
	// 标签: type, status
	RunsFinished *prometheus.CounterVec

	// RunDuration 运行耗时直方图（单位：秒）
	// 标签: type
	RunDuration *prometheus.HistogramVec

	// RunsActive 正在执行的运行数
	RunsActive prometheus.Gauge

	// ========== 日志相关指标 ==========

	// LogLines 已分发的日志行总数
	LogLines prometheus.Counter

	// LogSubscribers 当前日志订阅者数量
	LogSubscribers prometheus.Gauge

	// LogSubscribersDropped 因消费过慢被断开的订阅者数量
	LogSubscribersDropped prometheus.Counter

	// ========== 账本相关指标 ==========

	// LedgerEntries 账本条目数
	LedgerEntries prometheus.Gauge

	// LedgerRevealed 账本是否已揭盲（0 或 1）
	LedgerRevealed prometheus.Gauge

	// UnblindAttempts 揭盲请求计数器
	// 标签: result (unblinded, already, forbidden, rate_limited)
	UnblindAttempts *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics 创建并注册协调器指标。
// 参数：
//   - namespace: 指标命名空间
//   - reg: 注册器，为 nil 时使用默认注册器
//
// 返回值：
//   - *Metrics: 指标集合
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsLaunched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_launched_total",
				Help:      "Total number of launched runs",
			},
			[]string{"type"},
		),
		RunsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Total number of finished runs by final status",
			},
			[]string{"type", "status"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Run duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"type"},
		),
		RunsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_active",
				Help:      "Number of runs currently executing",
			},
		),
		LogLines: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_lines_total",
				Help:      "Total number of log lines published",
			},
		),
		LogSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "log_subscribers",
				Help:      "Number of attached log subscribers",
			},
		),
		LogSubscribersDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_subscribers_dropped_total",
				Help:      "Total number of subscribers detached for falling behind",
			},
		),
		LedgerEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ledger_entries",
				Help:      "Number of ledger entries",
			},
		),
		LedgerRevealed: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ledger_revealed",
				Help:      "Whether verdicts have been unblinded (1) or not (0)",
			},
		),
		UnblindAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unblind_attempts_total",
				Help:      "Total number of unblind requests by result",
			},
			[]string{"result"},
		),
		gatherer: gatherer,
	}
}

// Handler 返回暴露本指标集合的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordRunLaunched 记录一次运行启动。
func (m *Metrics) RecordRunLaunched(runType string) {
	if m == nil {
		return
	}
	m.RunsLaunched.WithLabelValues(runType).Inc()
}

// RecordRunStarted 在子进程开始执行时调用。
func (m *Metrics) RecordRunStarted() {
	if m == nil {
		return
	}
	m.RunsActive.Inc()
}

// RecordRunFinished 记录一次运行结束。
// started 为 false 表示运行在启动前就失败了（不计入活跃数与耗时）。
func (m *Metrics) RecordRunFinished(runType, status string, duration time.Duration, started bool) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(runType, status).Inc()
	if started {
		m.RunsActive.Dec()
		m.RunDuration.WithLabelValues(runType).Observe(duration.Seconds())
	}
}

// RecordLogLine 实现 loghub.Recorder。
func (m *Metrics) RecordLogLine() {
	if m == nil {
		return
	}
	m.LogLines.Inc()
}

// RecordSubscribers 实现 loghub.Recorder。
func (m *Metrics) RecordSubscribers(delta int) {
	if m == nil {
		return
	}
	m.LogSubscribers.Add(float64(delta))
}

// RecordSubscriberDropped 实现 loghub.Recorder。
func (m *Metrics) RecordSubscriberDropped() {
	if m == nil {
		return
	}
	m.LogSubscribersDropped.Inc()
}

// UpdateLedger 更新账本条目数与揭盲状态。
func (m *Metrics) UpdateLedger(entries int, revealed bool) {
	if m == nil {
		return
	}
	m.LedgerEntries.Set(float64(entries))
	if revealed {
		m.LedgerRevealed.Set(1)
	} else {
		m.LedgerRevealed.Set(0)
	}
}

// RecordUnblind 记录一次揭盲请求的结果。
func (m *Metrics) RecordUnblind(result string) {
	if m == nil {
		return
	}
	m.UnblindAttempts.WithLabelValues(result).Inc()
}
