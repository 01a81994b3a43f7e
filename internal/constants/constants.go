package constants

import "time"

// Queue names. Segments are dot separated and lower case.
const (
	QueueHistoryChangesCards = "mingle.history_changes_generation.cards"
	QueueHistoryChangesPages = "mingle.history_changes_generation.pages"
	QueueIndexingCards       = "mingle.indexing.cards"
	QueueComputeAggregates   = "mingle.compute_aggregates.cards"
	QueueChartCache          = "mingle.chart_cache.populate"
	QueueNotifications       = "mingle.notifications.deliver"

	DeadLetterSuffix = ".dead_letter"
)

// Processor names used by the registry and in processors config.
const (
	ProcessorHistoryChanges = "history_changes"
	ProcessorReindex        = "reindex"
	ProcessorAggregates     = "aggregates"
	ProcessorChartCache     = "chart_cache"
	ProcessorNotifications  = "notifications"
)

// Process roles, reported on every exported span.
const (
	RoleWorker = "worker"
	RoleAdmin  = "admin"
)

const (
	BrokerTypePostgres = "postgres"
	BrokerTypeMemory   = "memory"
)

const (
	SinkLog     = "log"
	SinkKafka   = "kafka"
	SinkNATS    = "nats"
	SinkWebhook = "webhook"
)

const (
	ArchiveNone   = "none"
	ArchiveMongo  = "mongodb"
	ArchiveMemory = "memory"
)

const (
	DefaultBatchSize       = 20
	DefaultInstances       = 1
	DefaultPollInterval    = time.Second
	DefaultMaxDeliveries   = 5
	DefaultMaxRedelivery   = 5 * time.Minute
	DefaultLeaseDuration   = 5 * time.Minute
	DefaultChartChunkDays  = 30
	DefaultNotificationTTL = 24 * time.Hour
)

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second

	DefaultWebhookTimeout = 10 * time.Second
)

const (
	CacheKeyPrefixNotification = "notify:"
)

const (
	DefaultMongoDBName = "mingle"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

const (
	FallbackAllow = "allow"
	FallbackDeny  = "deny"
)

const (
	DateLayout = "2006-01-02"
)
