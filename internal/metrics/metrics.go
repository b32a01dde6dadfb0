// Package metrics 票据注册表、清理任务、分布式锁、一次性令牌仓库及运维接口的 Prometheus 指标
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cas_ticket"

var (
	RegistryOperationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_operation_total",
			Help:      "Total number of ticket registry operations",
		},
		[]string{"operation", "result"},
	)

	RegistryOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "registry_operation_duration_seconds",
			Help:      "Time taken for ticket registry operations",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	TicketsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_created_total",
			Help:      "Total number of tickets added to the registry",
		},
		[]string{"type"},
	)

	CASConflictTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cas_conflict_total",
			Help:      "Total number of optimistic update conflicts retried by the registry",
		},
	)

	CleanerRunTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleaner_run_total",
			Help:      "Total number of cleaner runs",
		},
		[]string{"result"},
	)

	CleanerRemovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleaner_removed_total",
			Help:      "Total number of expired tickets removed by the cleaner",
		},
	)

	CleanerRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cleaner_run_duration_seconds",
			Help:      "Time taken for a cleaner run",
			Buckets:   prometheus.DefBuckets,
		},
	)

	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquire_total",
			Help:      "Total number of distributed lock acquisition attempts",
		},
		[]string{"app_id", "result"},
	)

	OTPOperationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otp_operation_total",
			Help:      "Total number of one-time token repository operations",
		},
		[]string{"operation", "result"},
	)

	OTPCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "otp_cache_users",
			Help:      "Number of users currently held by the in-memory token cache",
		},
	)

	OTPCacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otp_cache_evictions_total",
			Help:      "Total number of token cache evictions",
		},
		[]string{"reason"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests to the ops endpoints",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency of the ops endpoints",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// RecordRegistryOperation 记录注册表操作结果与耗时
func RecordRegistryOperation(operation, result string, start time.Time) {
	RegistryOperationTotal.WithLabelValues(operation, result).Inc()
	RegistryOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RecordCleanerRun 记录一次清理结果
func RecordCleanerRun(result string, removed int64, start time.Time) {
	CleanerRunTotal.WithLabelValues(result).Inc()
	if removed > 0 {
		CleanerRemovedTotal.Add(float64(removed))
	}
	CleanerRunDuration.Observe(time.Since(start).Seconds())
}

// RecordLockAcquire 记录加锁尝试
func RecordLockAcquire(appID, result string) {
	LockAcquireTotal.WithLabelValues(appID, result).Inc()
}

// RecordRequest 记录一次 HTTP 请求
func RecordRequest(method, path string, status int, start time.Time) {
	HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
}

// RecordOTPOperation 记录一次性令牌仓库操作
func RecordOTPOperation(operation, result string) {
	OTPOperationTotal.WithLabelValues(operation, result).Inc()
}
