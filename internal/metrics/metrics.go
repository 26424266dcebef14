// ============================================================================
// Tierpool Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 把生命週期事件轉為 Prometheus 指標
//
// 監控理念:
//   基於 RED 方法（Rate, Errors, Duration）和 USE 方法（Utilization, Saturation, Errors）
//
// 指標分類:
//
//   1. 任務計數器 (Counter, label: kind)：
//      - tierpool_jobs_scheduled_total
//      - tierpool_jobs_started_total
//      - tierpool_jobs_completed_total
//      - tierpool_jobs_failed_total (另有 label: reason = execution|timeout|crash|shutdown)
//      - tierpool_jobs_cancelled_total
//
//   2. 性能指標 (Histogram, label: kind)：
//      - tierpool_job_wait_seconds: 排隊等待時間 (startedAt - createdAt)
//      - tierpool_job_run_seconds: 執行時間 (completedAt - startedAt)
//
//   3. 狀態指標 (GaugeFunc)，抓取時從 Stats 函數讀取：
//      - tierpool_jobs_queued / tierpool_jobs_running
//      - tierpool_slots / tierpool_slots_busy / tierpool_slots_max
//      - tierpool_events_dropped
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   rate(tierpool_jobs_completed_total[1m])
//
//   # 95 分位等待時間（依 tier 排隊延遲）
//   histogram_quantile(0.95, sum by (le) (rate(tierpool_job_wait_seconds_bucket[5m])))
//
//   # 逾時比例
//   rate(tierpool_jobs_failed_total{reason="timeout"}[5m]) / rate(tierpool_jobs_started_total[5m])
//
//   # 執行槽飽和度
//   tierpool_slots_busy / tierpool_slots_max
//
// 使用方式:
//   Collector 實作 event.Sink，透過 pool.AddSink 掛上即可；
//   /metrics 端點由 Handler() 提供。
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/tierpool/pkg/types"
)

const namespace = "tierpool"

// StatsFunc 回傳 pool 的即時統計
type StatsFunc func() types.Stats

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsScheduled *prometheus.CounterVec
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobsCancelled *prometheus.CounterVec

	// 效能指標
	waitSeconds *prometheus.HistogramVec
	runSeconds  *prometheus.HistogramVec
}

// NewCollector 創建新的指標收集器並註冊到 reg
//
// 參數：
//   - reg: 註冊目標，nil 時使用 prometheus.DefaultRegisterer
//   - stats: 狀態指標來源，nil 時不註冊 GaugeFunc
func NewCollector(reg prometheus.Registerer, stats StatsFunc) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_scheduled_total",
			Help:      "Total number of jobs accepted by Schedule",
		}, []string{"kind"}),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Total number of jobs bound to a worker slot",
		}, []string{"kind"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs completed successfully",
		}, []string{"kind"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of failed jobs by failure reason",
		}, []string{"kind", "reason"}),
		jobsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancelled_total",
			Help:      "Total number of jobs cancelled while queued",
		}, []string{"kind"}),
		waitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_wait_seconds",
			Help:      "Time jobs spent queued before dispatch",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"kind"}),
		runSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_run_seconds",
			Help:      "Time jobs spent running until a terminal state",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"kind"}),
	}

	// 註冊所有指標
	reg.MustRegister(c.jobsScheduled)
	reg.MustRegister(c.jobsStarted)
	reg.MustRegister(c.jobsCompleted)
	reg.MustRegister(c.jobsFailed)
	reg.MustRegister(c.jobsCancelled)
	reg.MustRegister(c.waitSeconds)
	reg.MustRegister(c.runSeconds)

	if stats != nil {
		registerGauges(reg, stats)
	}
	return c
}

// registerGauges 註冊抓取時才計算的狀態指標
func registerGauges(reg prometheus.Registerer, stats StatsFunc) {
	gauge := func(name, help string, fn func(types.Stats) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(stats()) })
	}

	reg.MustRegister(
		gauge("jobs_queued", "Current number of queued jobs",
			func(s types.Stats) float64 { return float64(s.Queued) }),
		gauge("jobs_running", "Current number of running jobs",
			func(s types.Stats) float64 { return float64(s.Running) }),
		gauge("slots", "Current number of worker slots",
			func(s types.Stats) float64 { return float64(s.Slots) }),
		gauge("slots_busy", "Current number of busy worker slots",
			func(s types.Stats) float64 { return float64(s.BusySlots) }),
		gauge("slots_max", "Configured worker slot limit",
			func(s types.Stats) float64 { return float64(s.MaxWorkers) }),
		gauge("events_published", "Events published to subscribers and sinks",
			func(s types.Stats) float64 { return float64(s.PublishedEvents) }),
		gauge("events_dropped", "Events discarded because a subscriber buffer was full",
			func(s types.Stats) float64 { return float64(s.DroppedEvents) }),
	)
}

// HandleEvent 實作 event.Sink
func (c *Collector) HandleEvent(evt types.Event) {
	job := evt.Job
	kind := string(job.Kind)

	switch evt.Type {
	case types.EventQueued:
		c.jobsScheduled.WithLabelValues(kind).Inc()

	case types.EventStarted:
		c.jobsStarted.WithLabelValues(kind).Inc()
		if job.StartedAt != nil {
			c.waitSeconds.WithLabelValues(kind).Observe(job.StartedAt.Sub(job.CreatedAt).Seconds())
		}

	case types.EventCompleted:
		c.jobsCompleted.WithLabelValues(kind).Inc()
		c.observeRun(kind, job)

	case types.EventFailed:
		reason := "unknown"
		if job.Error != nil {
			reason = string(job.Error.Kind)
		}
		c.jobsFailed.WithLabelValues(kind, reason).Inc()
		c.observeRun(kind, job)

	case types.EventCancelled:
		c.jobsCancelled.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) observeRun(kind string, job types.Job) {
	if job.StartedAt == nil || job.CompletedAt == nil {
		return
	}
	c.runSeconds.WithLabelValues(kind).Observe(job.CompletedAt.Sub(*job.StartedAt).Seconds())
}

// Handler 回傳 /metrics 的 HTTP handler
//
// 參數：
//   - g: 指標來源，nil 時使用 prometheus.DefaultGatherer
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
