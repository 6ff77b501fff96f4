package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 账本操作计数
	LedgerOperationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operation_count",
			Help: "Total number of escrow ledger operations by result",
		},
		[]string{"operation", "result"}, // result: ok 或错误类型
	)

	// 账本操作延迟（秒）
	LedgerOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Escrow ledger operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"operation"},
	)

	// 已释放资金总额
	FundsReleasedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_funds_released_total",
			Help: "Total amount of escrowed funds released to contractors",
		},
	)

	// 里程碑核验结果
	MilestoneVerdictCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "milestone_verdict_count",
			Help: "Total number of milestone verification verdicts",
		},
		[]string{"verdict"}, // approved / rejected
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

	// Outbox 发布计数
	OutboxPublishCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publish_count",
			Help: "Total number of outbox events published",
		},
		[]string{"status"}, // success, failed
	)

	// 数据库慢查询计数
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_count",
			Help: "Total number of slow database queries",
		},
		[]string{"sql"},
	)

	// 数据库慢查询耗时（秒）
	SlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of slow database queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 100ms to ~12.8s
		},
	)

	// 存储网关请求计数
	GatewayFetchCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_gateway_fetch_count",
			Help: "Total number of content fetches per storage gateway",
		},
		[]string{"gateway", "status"},
	)

	// 命令处理计数
	CommandProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "command_processed_count",
			Help: "Total number of ledger commands processed",
		},
		[]string{"type", "status"}, // status: success, rejected, retry, dead_letter, duplicate
	)
)

// RecordLedgerOperation 记录账本操作结果与耗时
func RecordLedgerOperation(operation, result string, duration time.Duration) {
	LedgerOperationCount.WithLabelValues(operation, result).Inc()
	LedgerOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// AddFundsReleased 累加已释放资金
func AddFundsReleased(amount int64) {
	if amount > 0 {
		FundsReleasedTotal.Add(float64(amount))
	}
}

// IncrementMilestoneVerdict 增加里程碑核验计数
func IncrementMilestoneVerdict(verdict string) {
	MilestoneVerdictCount.WithLabelValues(verdict).Inc()
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// IncrementOutboxPublish 增加 outbox 发布计数
func IncrementOutboxPublish(status string) {
	OutboxPublishCount.WithLabelValues(status).Inc()
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(sql string, duration time.Duration) {
	SlowQueryCount.WithLabelValues(sql).Inc()
	SlowQueryDuration.Observe(duration.Seconds())
}

// IncrementGatewayFetch 增加存储网关请求计数
func IncrementGatewayFetch(gateway, status string) {
	GatewayFetchCount.WithLabelValues(gateway, status).Inc()
}

// IncrementCommandProcessed 增加命令处理计数
func IncrementCommandProcessed(commandType, status string) {
	CommandProcessedCount.WithLabelValues(commandType, status).Inc()
}
