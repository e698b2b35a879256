package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 对账操作计数（按意图类型与结果分类）
	ReconcileOpsCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_reconcile_ops_total",
			Help: "Total reconciler operations by intent kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: confirmed, noop, denied, rejected, pending, conflict, error
	)

	// 链上交易确认延迟（秒）
	ChainConfirmLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "escrow_chain_confirm_latency_seconds",
			Help:    "Latency from submission to confirmation for chain transactions",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~256s
		},
		[]string{"method"},
	)

	// Sync Poller 修正的本地/链上分歧计数
	DriftCorrectionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_drift_corrections_total",
			Help: "Ledger records corrected from canonical chain state",
		},
		[]string{"entity"}, // entity: project, milestone
	)

	// 链上金额与本地账本不一致（需要人工处理，不会自动修正）
	StaleScheduleAlerts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_stale_schedule_alerts_total",
			Help: "Milestone amounts diverging between ledger and chain",
		},
	)

	// 管理员密钥故障（创建/退款流程被熔断）
	AdminHaltCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_admin_halt_total",
			Help: "Automated admin flows halted due to signing key failures",
		},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Total number of slow queries",
		},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

// RecordReconcileOp 记录一次对账操作
func RecordReconcileOp(kind, outcome string) {
	ReconcileOpsCount.WithLabelValues(kind, outcome).Inc()
}

// RecordChainConfirmLatency 记录链上确认延迟
func RecordChainConfirmLatency(method string, duration time.Duration) {
	ChainConfirmLatency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordDriftCorrection 记录一次分歧修正
func RecordDriftCorrection(entity string) {
	DriftCorrectionCount.WithLabelValues(entity).Inc()
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// IncrementSlowQuery 增加慢查询计数
func IncrementSlowQuery(sql string, duration time.Duration) {
	SlowQueryCount.Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
