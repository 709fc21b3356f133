package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"routing_key", "queue"},
	)

	// 支付处理方调用延迟（毫秒）
	ProcessorCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_processor_call_latency_ms",
			Help:    "Payment processor call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(25, 2, 10),
		},
		[]string{"operation", "status"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Total number of queries slower than the configured threshold",
		},
		[]string{"statement"},
	)

	// 入组请求结果，path: coupon / charge / invoice / bypass / member
	EnrollmentRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrollment_requests_total",
			Help: "Enrollment requests by resolution path and outcome",
		},
		[]string{"path", "outcome"},
	)

	// 支付完成信号，trigger: confirm / webhook / invoice；result: applied / duplicate / failed
	EnrollmentCompletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrollment_completions_total",
			Help: "Payment completion signals by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	// 分组结果，kind: existing / created
	TeamAssignments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "team_assignments_total",
			Help: "Team assignments by whether a team was reused or created",
		},
		[]string{"kind"},
	)

	// 支付 webhook 事件
	PaymentWebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhook_events_total",
			Help: "Payment webhook events by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	// 里程碑评审结果
	ReviewDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "milestone_review_decisions_total",
			Help: "Milestone report review decisions",
		},
		[]string{"decision"},
	)

	// Outbox 发布结果
	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Outbox events handled by the dispatcher",
		},
		[]string{"routing_key", "status"},
	)

	// 通知投递结果
	NotificationDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_deliveries_total",
			Help: "Notification deliveries by outcome",
		},
		[]string{"outcome"},
	)

	// 熔断器状态变化
	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "to"},
	)
)

func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

func RecordProcessorCallLatency(operation, status string, duration time.Duration) {
	ProcessorCallLatency.WithLabelValues(operation, status).Observe(float64(duration.Milliseconds()))
}

func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementSlowQuery 语句已在调用方截断
func IncrementSlowQuery(statement string) {
	SlowQueryCount.WithLabelValues(statement).Inc()
}

func IncrementEnrollmentRequest(path, outcome string) {
	EnrollmentRequests.WithLabelValues(path, outcome).Inc()
}

func IncrementEnrollmentCompletion(trigger, result string) {
	EnrollmentCompletions.WithLabelValues(trigger, result).Inc()
}

func IncrementTeamAssignment(kind string) {
	TeamAssignments.WithLabelValues(kind).Inc()
}

func IncrementPaymentWebhook(eventType, outcome string) {
	PaymentWebhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func IncrementReviewDecision(decision string) {
	ReviewDecisions.WithLabelValues(decision).Inc()
}

func IncrementOutboxPublished(routingKey, status string) {
	OutboxPublished.WithLabelValues(routingKey, status).Inc()
}

func IncrementNotificationDelivery(outcome string) {
	NotificationDeliveries.WithLabelValues(outcome).Inc()
}

func IncrementCircuitBreakerTransition(name, to string) {
	CircuitBreakerTransitions.WithLabelValues(name, to).Inc()
}
