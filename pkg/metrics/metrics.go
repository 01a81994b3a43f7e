package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_processed_total",
			Help: "Total number of messages handled by processors, by outcome (count)",
		},
		[]string{"processor", "queue", "outcome"},
	)

	MessageProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_message_processing_duration_ms",
			Help:    "Duration of a single message transaction in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"processor", "outcome"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_batch_size",
			Help:    "Number of messages pulled per batch (count)",
			Buckets: []float64{0, 1, 5, 10, 20, 50, 100, 250},
		},
		[]string{"processor"},
	)

	MessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_sent_total",
			Help: "Total number of messages enqueued after routing (count)",
		},
		[]string{"queue"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Un-acknowledged messages per queue (count)",
		},
		[]string{"queue"},
	)

	RedeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_redeliveries_total",
			Help: "Total number of messages returned to their queue after a transient failure (count)",
		},
		[]string{"processor", "queue"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages discarded or moved to a dead letter queue (count)",
		},
		[]string{"processor", "queue", "reason"},
	)

	LeasesReleasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_leases_released_total",
			Help: "Total number of expired leases released by maintenance (count)",
		},
	)

	BrokerConnectionAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_connection_attempts_total",
			Help: "Total number of broker connection attempts (count)",
		},
	)

	MessageGroupsOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_groups_opened_total",
			Help: "Total number of message groups opened (count)",
		},
		[]string{"action"},
	)

	MessageGroupsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_groups_completed_total",
			Help: "Total number of message groups whose last message was acknowledged (count)",
		},
		[]string{"action"},
	)

	ChangesGeneratedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "history_changes_generated_total",
			Help: "Total number of change rows generated from events (count)",
		},
		[]string{"entity_type"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Total number of notification deliveries by sink and status (count)",
		},
		[]string{"sink", "status"},
	)

	SinkWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_sink_write_duration_ms",
			Help:    "Duration of notification sink writes in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"sink"},
	)

	ChartCacheDaysComputed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chart_cache_days_computed_total",
			Help: "Total number of chart cache days computed (count)",
		},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	FallbackUsageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallback_usage_total",
			Help: "Total number of times fallback strategies were used (count)",
		},
		[]string{"service", "strategy", "reason"},
	)

	AdminJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admin_jobs_total",
			Help: "Total number of job submissions through the admin API (count)",
		},
		[]string{"action", "status"},
	)
)

var (
	processorOnce      sync.Once
	circuitBreakerOnce sync.Once
	adminOnce          sync.Once
	fallbackOnce       sync.Once
)

// RegisterProcessorMetrics registers everything the worker exports.
// Safe to call more than once.
func RegisterProcessorMetrics() {
	processorOnce.Do(func() {
		prometheus.MustRegister(MessagesProcessedTotal)
		prometheus.MustRegister(MessageProcessingDuration)
		prometheus.MustRegister(BatchSize)
		prometheus.MustRegister(MessagesSentTotal)
		prometheus.MustRegister(QueueDepth)
		prometheus.MustRegister(RedeliveriesTotal)
		prometheus.MustRegister(DLQMessagesTotal)
		prometheus.MustRegister(LeasesReleasedTotal)
		prometheus.MustRegister(BrokerConnectionAttempts)
		prometheus.MustRegister(MessageGroupsOpenedTotal)
		prometheus.MustRegister(MessageGroupsCompletedTotal)
		prometheus.MustRegister(ChangesGeneratedTotal)
		prometheus.MustRegister(NotificationsTotal)
		prometheus.MustRegister(SinkWriteDuration)
		prometheus.MustRegister(ChartCacheDaysComputed)
	})
	registerFallbackUsageTotalOnce()
}

func RegisterCircuitBreakerMetrics() {
	circuitBreakerOnce.Do(func() {
		prometheus.MustRegister(CircuitBreakerState)
		prometheus.MustRegister(CircuitBreakerRequests)
		prometheus.MustRegister(CircuitBreakerFailures)
	})
}

func RegisterAdminMetrics() {
	adminOnce.Do(func() {
		prometheus.MustRegister(RateLimitRequestsTotal)
		prometheus.MustRegister(AdminJobsTotal)
	})
}

func registerFallbackUsageTotalOnce() {
	fallbackOnce.Do(func() {
		prometheus.MustRegister(FallbackUsageTotal)
	})
}

func IncMessagesProcessed(processor, queue, outcome string) {
	MessagesProcessedTotal.WithLabelValues(processor, queue, outcome).Inc()
}

func ObserveMessageProcessing(processor, outcome string, duration time.Duration) {
	MessageProcessingDuration.WithLabelValues(processor, outcome).Observe(float64(duration.Milliseconds()))
}

func ObserveBatchSize(processor string, size int) {
	BatchSize.WithLabelValues(processor).Observe(float64(size))
}

func AddMessagesSent(queue string, n int) {
	MessagesSentTotal.WithLabelValues(queue).Add(float64(n))
}

func SetQueueDepth(queue string, size int) {
	QueueDepth.WithLabelValues(queue).Set(float64(size))
}

func IncRedelivery(processor, queue string) {
	RedeliveriesTotal.WithLabelValues(processor, queue).Inc()
}

func IncDLQ(processor, queue, reason string) {
	DLQMessagesTotal.WithLabelValues(processor, queue, reason).Inc()
}

func IncNotification(sink, status string) {
	NotificationsTotal.WithLabelValues(sink, status).Inc()
}

func ObserveSinkWrite(sink string, duration time.Duration) {
	SinkWriteDuration.WithLabelValues(sink).Observe(float64(duration.Milliseconds()))
}
