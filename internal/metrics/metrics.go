package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics 采集管线运行指标
// 每个进程创建一次，注入到各组件；独立 Registry 便于测试
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived *prometheus.CounterVec // 按主题前缀
	MessagesRejected *prometheus.CounterVec // 按主题前缀 + 原因

	BatchFlushes    *prometheus.CounterVec // 按记录类型
	BatchFlushRows  *prometheus.CounterVec // 按记录类型
	BatchFlushErrs  *prometheus.CounterVec // 按记录类型
	Notifications   *prometheus.CounterVec // 按渠道 + 结果
	NotifyLatency   *prometheus.HistogramVec
	ClustersCreated prometheus.Counter
	ClusterJoins    prometheus.Counter
	AlertsSupprsd   prometheus.Counter
	TaskRetries     prometheus.Counter
	TaskFailures    *prometheus.CounterVec // 按任务类型
	SystemHealth    *prometheus.GaugeVec   // 按组件

	mu     sync.Mutex // 保护 server/closed：Serve 在 goroutine 中赋值，Close 并发读取
	server *http.Server
	closed bool
	logger *zap.Logger
}

// New 创建并注册全部指标
func New(logger *zap.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_messages_received_total",
			Help: "Messages received from the bus, by topic prefix",
		}, []string{"prefix"}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_messages_rejected_total",
			Help: "Messages rejected at the gateway, by topic prefix and reason",
		}, []string{"prefix", "reason"}),
		BatchFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batch_flushes_total",
			Help: "Successful batch flushes, by record type",
		}, []string{"record_type"}),
		BatchFlushRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batch_flush_rows_total",
			Help: "Rows persisted by batch flushes, by record type",
		}, []string{"record_type"}),
		BatchFlushErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batch_flush_errors_total",
			Help: "Failed batch flushes, by record type",
		}, []string{"record_type"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notification attempts, by channel and outcome",
		}, []string{"channel", "outcome"}),
		NotifyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notification_latency_seconds",
			Help:    "Notification provider call latency, by channel",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		ClustersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alert_clusters_created_total",
			Help: "New alert clusters created",
		}),
		ClusterJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alert_cluster_joins_total",
			Help: "Alerts absorbed into an existing cluster",
		}),
		AlertsSupprsd: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alerts_suppressed_total",
			Help: "Alerts auto-suppressed by clustering",
		}),
		TaskRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worker_task_retries_total",
			Help: "Worker task retry attempts",
		}),
		TaskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_task_failures_total",
			Help: "Worker tasks failed after all retries, by task type",
		}, []string{"task_type"}),
		SystemHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "system_component_healthy",
			Help: "Last reported health of system components (1 healthy, 0 not)",
		}, []string{"component"}),
		logger: logger,
	}

	registry.MustRegister(
		m.MessagesReceived, m.MessagesRejected,
		m.BatchFlushes, m.BatchFlushRows, m.BatchFlushErrs,
		m.Notifications, m.NotifyLatency,
		m.ClustersCreated, m.ClusterJoins, m.AlertsSupprsd,
		m.TaskRetries, m.TaskFailures, m.SystemHealth,
	)

	return m
}

// Serve 启动 /metrics 监听（阻塞直到 Close）
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	m.mu.Lock()
	if m.closed {
		// Close 先于 Serve：不再启动监听
		m.mu.Unlock()
		return nil
	}
	m.server = srv
	m.mu.Unlock()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close 关闭 /metrics 监听；早于 Serve 调用时阻止其启动
func (m *Metrics) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	srv := m.server
	m.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
