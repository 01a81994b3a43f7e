package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"

	"mingle/internal/constants"
	"mingle/pkg/models"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	validators := []func(*Config) error{
		func(c *Config) error { return validateServer(c.Server) },
		func(c *Config) error { return validateBroker(c.Broker, c.Database) },
		func(c *Config) error { return validateDatabase(c.Database) },
		func(c *Config) error { return validateRouting(c.Routing) },
		func(c *Config) error { return validateProcessors(c.Processors) },
		func(c *Config) error { return validateNotifications(c.Notifications) },
		func(c *Config) error { return validateDeadLetter(c.DeadLetter, c.Database) },
		func(c *Config) error { return validateChartCache(c.ChartCache) },
		func(c *Config) error { return validateScheduler(c.Scheduler) },
	}

	for _, validate := range validators {
		if err := validate(cfg); err != nil {
			errors = append(errors, err)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateBroker(cfg BrokerConfig, db DatabaseConfig) error {
	switch cfg.Type {
	case constants.BrokerTypeMemory:
		return nil
	case constants.BrokerTypePostgres:
		if db.Postgres.Host == "" {
			return &ValidationError{
				Field:   "database.postgres.host",
				Message: "the postgres broker requires database.postgres to be configured",
			}
		}
		if cfg.Postgres.LeaseDuration <= 0 {
			return &ValidationError{
				Field:   "broker.postgres.lease_duration",
				Message: "lease duration must be positive",
			}
		}
		return validateRetry("broker.postgres.reconnect", cfg.Postgres.Reconnect)
	case "":
		return &ValidationError{
			Field:   "broker.type",
			Message: "broker type is required",
		}
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: postgres, memory)", cfg.Type),
		}
	}
}

func validateRetry(field string, cfg RetryConfig) error {
	if cfg.MaxAttempts < 0 {
		return &ValidationError{
			Field:   field + ".max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.InitialInterval < 0 {
		return &ValidationError{
			Field:   field + ".initial_interval",
			Message: "initial_interval must be non-negative",
		}
	}

	if cfg.MaxInterval < 0 {
		return &ValidationError{
			Field:   field + ".max_interval",
			Message: "max_interval must be non-negative",
		}
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   field + ".max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Multiplier < 0 {
		return &ValidationError{
			Field:   field + ".multiplier",
			Message: "multiplier must be non-negative",
		}
	}

	return nil
}

func validateRouting(cfg RoutingConfig) error {
	check := func(kind string, routes []RouteConfig) error {
		for i, route := range routes {
			field := fmt.Sprintf("routing.%s[%d]", kind, i)
			if err := models.ValidateQueueName(route.From); err != nil {
				return &ValidationError{Field: field + ".from", Message: err.Error()}
			}
			if err := models.ValidateQueueName(route.To); err != nil {
				return &ValidationError{Field: field + ".to", Message: err.Error()}
			}
			if route.From == route.To {
				return &ValidationError{Field: field, Message: "a queue cannot route to itself"}
			}
		}
		return nil
	}

	if err := check("redirects", cfg.Redirects); err != nil {
		return err
	}
	return check("wiretaps", cfg.Wiretaps)
}

func validateProcessors(processors []ProcessorConfig) error {
	seen := make(map[string]bool, len(processors))
	for i, p := range processors {
		field := fmt.Sprintf("processors[%d]", i)
		if p.Name == "" {
			return &ValidationError{Field: field + ".name", Message: "processor name is required"}
		}
		if seen[p.Name] {
			return &ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate processor %q", p.Name)}
		}
		seen[p.Name] = true

		if p.BatchSize < 0 || p.Instances < 0 || p.MaxDeliveries < 0 {
			return &ValidationError{Field: field, Message: "batch_size, instances and max_deliveries must be non-negative"}
		}
		if p.DeadLetterQueue != "" {
			if err := models.ValidateQueueName(p.DeadLetterQueue); err != nil {
				return &ValidationError{Field: field + ".dead_letter_queue", Message: err.Error()}
			}
		}
		if err := validateRetry(field+".redelivery", p.Redelivery); err != nil {
			return err
		}
	}
	return nil
}

func validateNotifications(cfg NotificationsConfig) error {
	switch cfg.Sink {
	case constants.SinkLog, "":
	case constants.SinkKafka:
		if len(cfg.Kafka.Brokers) == 0 {
			return &ValidationError{
				Field:   "notifications.kafka.brokers",
				Message: "at least one Kafka broker is required",
			}
		}
		for i, broker := range cfg.Kafka.Brokers {
			if broker == "" {
				return &ValidationError{
					Field:   fmt.Sprintf("notifications.kafka.brokers[%d]", i),
					Message: "broker address cannot be empty",
				}
			}
		}
		if cfg.Kafka.Topic == "" {
			return &ValidationError{Field: "notifications.kafka.topic", Message: "Kafka topic is required"}
		}
	case constants.SinkNATS:
		if cfg.NATS.URL == "" {
			return &ValidationError{Field: "notifications.nats.url", Message: "NATS URL is required"}
		}
		if cfg.NATS.Subject == "" {
			return &ValidationError{Field: "notifications.nats.subject", Message: "NATS subject is required"}
		}
	case constants.SinkWebhook:
		u, err := url.Parse(cfg.Webhook.URL)
		if cfg.Webhook.URL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return &ValidationError{Field: "notifications.webhook.url", Message: "an http(s) webhook URL is required"}
		}
	default:
		return &ValidationError{
			Field:   "notifications.sink",
			Message: fmt.Sprintf("unknown sink: %s (supported: log, kafka, nats, webhook)", cfg.Sink),
		}
	}

	if cfg.OnRedisError != "" && cfg.OnRedisError != constants.FallbackAllow && cfg.OnRedisError != constants.FallbackDeny {
		return &ValidationError{
			Field:   "notifications.on_redis_error",
			Message: fmt.Sprintf("invalid on_redis_error value: %s (valid: allow, deny)", cfg.OnRedisError),
		}
	}

	if cfg.DedupTTL < 0 {
		return &ValidationError{Field: "notifications.dedup_ttl", Message: "TTL must be non-negative"}
	}

	return nil
}

func validateDeadLetter(cfg DeadLetterConfig, db DatabaseConfig) error {
	switch cfg.Archive {
	case constants.ArchiveNone, constants.ArchiveMemory, "":
		return nil
	case constants.ArchiveMongo:
		if db.MongoDB.URI == "" {
			return &ValidationError{
				Field:   "database.mongodb.uri",
				Message: "the mongodb dead letter archive requires database.mongodb to be configured",
			}
		}
		return nil
	default:
		return &ValidationError{
			Field:   "dead_letter.archive",
			Message: fmt.Sprintf("unknown archive: %s (supported: none, memory, mongodb)", cfg.Archive),
		}
	}
}

func validateChartCache(cfg ChartCacheConfig) error {
	if cfg.ChunkDays < 0 {
		return &ValidationError{Field: "chart_cache.chunk_days", Message: "chunk_days must be non-negative"}
	}
	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host != "" || cfg.Postgres.Port > 0 {
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	}

	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	if cfg.MongoDB.URI != "" {
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	}

	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.postgres.host",
			Message: "PostgreSQL host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.User == "" {
		return &ValidationError{
			Field:   "database.postgres.user",
			Message: "PostgreSQL user is required",
		}
	}

	if cfg.DBName == "" {
		return &ValidationError{
			Field:   "database.postgres.dbname",
			Message: "PostgreSQL database name is required",
		}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.redis.host",
			Message: "Redis host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if cfg.URI == "" {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI is required",
		}
	}

	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{
			Field:   "database.mongodb.database",
			Message: "MongoDB database name is required",
		}
	}

	return nil
}


// validateScheduler accepts empty specs, which disable the job.
func validateScheduler(cfg SchedulerConfig) error {
	specs := map[string]string{
		"scheduler.lease_recovery_spec": cfg.LeaseRecoverySpec,
		"scheduler.queue_metrics_spec":  cfg.QueueMetricsSpec,
	}
	for field, spec := range specs {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return &ValidationError{Field: field, Message: err.Error()}
		}
	}
	return nil
}
