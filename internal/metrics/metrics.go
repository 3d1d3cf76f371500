// ============================================================================
// PulmoScan Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露推論編排引擎的運行指標
//
// 指標分類:
//
//   1. 任務與 item 計數器 (Counter)：
//      - pulmoscan_jobs_submitted_total
//      - pulmoscan_jobs_terminal_total{status}
//      - pulmoscan_items_resolved_total{status,source}   source = cache|compute|shared
//
//   2. 快取：
//      - pulmoscan_cache_lookups_total{result}           result = hit|miss|bypass
//      - pulmoscan_cache_evictions_total
//      - pulmoscan_cache_inflight_reservations (Gauge)
//
//   3. 批次與推論：
//      - pulmoscan_batches_total{reason}                 reason = size|timeout|drain
//      - pulmoscan_batch_size (Histogram)
//      - pulmoscan_executor_latency_seconds (Histogram)
//      - pulmoscan_executor_errors_total{kind}
//      - pulmoscan_batch_retries_total
//
//   4. 狀態 (Gauge)：
//      - pulmoscan_jobs_active
//      - pulmoscan_scheduler_pending
//      - pulmoscan_workers_busy
//
//   5. 異常：
//      - pulmoscan_anomalies_total{kind}  late_result | reservation_conflict | divergent_result
//
// Prometheus 查詢示例:
//
//   # 快取命中率
//   rate(pulmoscan_cache_lookups_total{result="hit"}[5m])
//     / rate(pulmoscan_cache_lookups_total[5m])
//
//   # 平均批次大小
//   rate(pulmoscan_batch_size_sum[5m]) / rate(pulmoscan_batch_size_count[5m])
//
// 所有 Record 方法對 nil *Collector 都是 no-op，
// 方便單元測試不接 metrics。
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pulmoscan"

// Collector Prometheus 指標收集器
type Collector struct {
	gatherer prometheus.Gatherer

	// 任務相關指標
	jobsSubmitted prometheus.Counter
	jobsTerminal  *prometheus.CounterVec
	itemsResolved *prometheus.CounterVec

	// 快取
	cacheLookups   *prometheus.CounterVec
	cacheEvictions prometheus.Counter
	cacheInFlight  prometheus.Gauge

	// 批次與推論
	batches          *prometheus.CounterVec
	batchSize        prometheus.Histogram
	executorLatency  prometheus.Histogram
	executorErrors   *prometheus.CounterVec
	batchRetries     prometheus.Counter
	anomalies        *prometheus.CounterVec
	jobsActive       prometheus.Gauge
	schedulerPending prometheus.Gauge
	workersBusy      prometheus.Gauge
}

// NewCollector 創建並註冊指標收集器。reg 為 nil 時使用 prometheus.DefaultRegisterer。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs submitted",
		}),
		jobsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_terminal_total",
			Help:      "Jobs that reached a terminal status",
		}, []string{"status"}),
		itemsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_resolved_total",
			Help:      "Work items resolved, by final status and where the result came from",
		}, []string{"status", "source"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Fingerprint cache lookups by result",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Entries evicted from the in-memory cache by capacity",
		}),
		cacheInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_inflight_reservations",
			Help:      "Fingerprints currently being computed",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches flushed by the scheduler, by flush reason",
		}, []string{"reason"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of items per flushed batch",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}),
		executorLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "executor_latency_seconds",
			Help:      "Latency of one executor batch call",
			Buckets:   prometheus.DefBuckets,
		}),
		executorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_errors_total",
			Help:      "Executor failures by error kind",
		}, []string{"kind"}),
		batchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_retries_total",
			Help:      "Batch re-executions after a batch level failure",
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Logged and discarded anomalies",
		}, []string{"kind"}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Jobs not yet in a terminal status",
		}),
		schedulerPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_pending",
			Help:      "Work items waiting in the scheduler pending pool",
		}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Workers currently executing a batch",
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted, c.jobsTerminal, c.itemsResolved,
		c.cacheLookups, c.cacheEvictions, c.cacheInFlight,
		c.batches, c.batchSize, c.executorLatency, c.executorErrors, c.batchRetries,
		c.anomalies, c.jobsActive, c.schedulerPending, c.workersBusy,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// RecordSubmitted 記錄任務提交
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordJobTerminal 記錄任務進入終止狀態
func (c *Collector) RecordJobTerminal(status string) {
	if c == nil {
		return
	}
	c.jobsTerminal.WithLabelValues(status).Inc()
}

// RecordItemResolved 記錄 item 解決
func (c *Collector) RecordItemResolved(status, source string) {
	if c == nil {
		return
	}
	c.itemsResolved.WithLabelValues(status, source).Inc()
}

// RecordCacheLookup 記錄快取查詢結果
func (c *Collector) RecordCacheLookup(result string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheEviction 記錄容量驅逐
func (c *Collector) RecordCacheEviction() {
	if c == nil {
		return
	}
	c.cacheEvictions.Inc()
}

// RecordBatch 記錄一個被 flush 的批次
func (c *Collector) RecordBatch(reason string, size int) {
	if c == nil {
		return
	}
	c.batches.WithLabelValues(reason).Inc()
	c.batchSize.Observe(float64(size))
}

// RecordExecutor 記錄一次 executor 呼叫；kind 為空代表成功
func (c *Collector) RecordExecutor(seconds float64, kind string) {
	if c == nil {
		return
	}
	c.executorLatency.Observe(seconds)
	if kind != "" {
		c.executorErrors.WithLabelValues(kind).Inc()
	}
}

// RecordBatchRetry 記錄批次重試
func (c *Collector) RecordBatchRetry() {
	if c == nil {
		return
	}
	c.batchRetries.Inc()
}

// RecordAnomaly 記錄被丟棄的異常事件
func (c *Collector) RecordAnomaly(kind string) {
	if c == nil {
		return
	}
	c.anomalies.WithLabelValues(kind).Inc()
}

// UpdateEngineStats 更新瞬時狀態
func (c *Collector) UpdateEngineStats(activeJobs, pending, inFlight, busyWorkers int) {
	if c == nil {
		return
	}
	c.jobsActive.Set(float64(activeJobs))
	c.schedulerPending.Set(float64(pending))
	c.cacheInFlight.Set(float64(inFlight))
	c.workersBusy.Set(float64(busyWorkers))
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
