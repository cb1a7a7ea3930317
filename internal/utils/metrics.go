package utils

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 采集过程的Prometheus指标,nil接收者上的方法均为空操作
type Metrics struct {
	Registry           *prometheus.Registry
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    prometheus.Histogram
	CommentsCollected  *prometheus.CounterVec
	RetriesTotal       *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	RateLimitEvents    *prometheus.CounterVec
	BatchItemsTotal    *prometheus.CounterVec
	SessionActiveGauge prometheus.Gauge
}

// NewMetrics 在独立registry上创建并注册所有指标
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commentharvest_api_requests_total",
			Help: "Total comment API requests issued.",
		},
		[]string{"endpoint"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "commentharvest_api_request_duration_seconds",
			Help:    "Comment API request latency.",
			Buckets: prometheus.DefBuckets,
		},
	)
	comments := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commentharvest_comments_collected_total",
			Help: "Comments handed to the store, by extraction source.",
		},
		[]string{"source"},
	)
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commentharvest_retries_total",
			Help: "Retry attempts scheduled, by reason.",
		},
		[]string{"reason"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commentharvest_errors_total",
			Help: "Collection errors by type.",
		},
		[]string{"error_type"},
	)
	rateLimit := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commentharvest_rate_limit_events_total",
			Help: "Observed error responses on comment endpoints, by status.",
		},
		[]string{"status"},
	)
	batchItems := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commentharvest_batch_items_total",
			Help: "Batch items processed, by final status.",
		},
		[]string{"status"},
	)
	active := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "commentharvest_session_active",
			Help: "1 while a collection run is active.",
		},
	)

	registry.MustRegister(requests, requestDuration, comments, retries, errorsTotal, rateLimit, batchItems, active)

	return &Metrics{
		Registry:           registry,
		RequestsTotal:      requests,
		RequestDuration:    requestDuration,
		CommentsCollected:  comments,
		RetriesTotal:       retries,
		ErrorsTotal:        errorsTotal,
		RateLimitEvents:    rateLimit,
		BatchItemsTotal:    batchItems,
		SessionActiveGauge: active,
	}
}

// IncRequest 接口请求计数
func (m *Metrics) IncRequest(endpoint string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint).Inc()
}

// ObserveDuration 记录请求耗时
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// AddComments 评论采集计数
func (m *Metrics) AddComments(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CommentsCollected.WithLabelValues(source).Add(float64(n))
}

// IncRetries 重试计数
func (m *Metrics) IncRetries(reason string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(reason).Inc()
}

// IncError 错误计数
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncRateLimit 限流/服务端错误事件计数
func (m *Metrics) IncRateLimit(status string) {
	if m == nil {
		return
	}
	m.RateLimitEvents.WithLabelValues(status).Inc()
}

// IncBatchItem 批量视频结果计数
func (m *Metrics) IncBatchItem(status string) {
	if m == nil {
		return
	}
	m.BatchItemsTotal.WithLabelValues(status).Inc()
}

// SetSessionActive 设置会话活跃状态
func (m *Metrics) SetSessionActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.SessionActiveGauge.Set(1)
		return
	}
	m.SessionActiveGauge.Set(0)
}
