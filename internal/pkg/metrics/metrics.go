package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal 按路由与状态码统计请求数。
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskhub",
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration 请求耗时分布。
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskhub",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// RegistrationsTotal 注册流程各阶段计数: submitted / confirmed / rejected / resent。
	RegistrationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskhub",
		Name:      "registrations_total",
		Help:      "Registration state machine transitions.",
	}, []string{"stage"})

	// EmailJobsTotal 邮件任务结果: enqueued / enqueue_failed / sent / retry / dlq / duplicate。
	EmailJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskhub",
		Name:      "email_jobs_total",
		Help:      "Email job outcomes.",
	}, []string{"result"})

	// EmailJobAutoClaimTotal 被重新认领的 Pending 消息数。
	EmailJobAutoClaimTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskhub",
		Name:      "email_job_autoclaim_total",
		Help:      "Pending email jobs reclaimed from idle consumers.",
	})

	// RateLimitRejectedTotal 因发码频控被拒绝的请求数。
	RateLimitRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskhub",
		Name:      "ratelimit_rejected_total",
		Help:      "Requests rejected by the per-email code rate limit.",
	})

	// RateLimitWaitDuration SMTP 发送限速的等待时长。
	RateLimitWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskhub",
		Name:      "ratelimit_wait_seconds",
		Help:      "Time spent waiting for the SMTP send rate limiter.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	// RateLimitTimeoutTotal 等待限速令牌超时的次数。
	RateLimitTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskhub",
		Name:      "ratelimit_timeout_total",
		Help:      "Rate limiter waits cancelled before a token was available.",
	})

	// WorkerPoolSize 邮件 Worker 池大小。
	WorkerPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskhub",
		Name:      "email_worker_pool_size",
		Help:      "Configured email worker pool size.",
	})

	// WorkerQueueDepth Worker 内存队列中待处理的任务数。
	WorkerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskhub",
		Name:      "email_worker_queue_depth",
		Help:      "Email jobs buffered in the worker pool.",
	})
)

var (
	registerOnce       sync.Once
	registerWorkerOnce sync.Once
)

// InitMetrics 向默认 Registry 注册 API 与 Worker 共用的指标，可重复调用。
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			RegistrationsTotal,
			EmailJobsTotal,
			EmailJobAutoClaimTotal,
			RateLimitRejectedTotal,
			RateLimitWaitDuration,
			RateLimitTimeoutTotal,
		)
	})
}

// InitWorkerMetrics 注册 Worker 池相关指标并记录池大小，只在 Worker 进程中调用。
func InitWorkerMetrics(workers int) {
	InitMetrics()
	registerWorkerOnce.Do(func() {
		prometheus.MustRegister(WorkerPoolSize, WorkerQueueDepth)
	})
	WorkerPoolSize.Set(float64(workers))
}
