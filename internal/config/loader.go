package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"mingle/internal/constants"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout_seconds", 10*time.Second)
	viper.SetDefault("server.write_timeout_seconds", 10*time.Second)

	viper.SetDefault("database.postgres.sslmode", "disable")
	viper.SetDefault("database.postgres.max_open_conns", 20)
	viper.SetDefault("database.postgres.max_idle_conns", 5)

	viper.SetDefault("broker.type", constants.BrokerTypePostgres)
	viper.SetDefault("broker.postgres.lease_duration", 5*time.Minute)
	viper.SetDefault("broker.postgres.reconnect.max_attempts", 5)
	viper.SetDefault("broker.postgres.reconnect.initial_interval", time.Second)
	viper.SetDefault("broker.postgres.reconnect.max_interval", 30*time.Second)
	viper.SetDefault("broker.postgres.reconnect.multiplier", 2.0)

	viper.SetDefault("routing.redirects", []map[string]interface{}{
		{"from": constants.QueueHistoryChangesPages, "to": constants.QueueHistoryChangesCards},
	})

	viper.SetDefault("scheduler.lease_recovery_spec", "@every 1m")
	viper.SetDefault("scheduler.queue_metrics_spec", "@every 30s")
	viper.SetDefault("scheduler.shutdown_timeout", 30*time.Second)

	viper.SetDefault("history.cascade.reindex", true)
	viper.SetDefault("history.cascade.aggregates", true)
	viper.SetDefault("history.cascade.notifications", true)

	viper.SetDefault("chart_cache.chunk_days", 30)

	viper.SetDefault("notifications.sink", constants.SinkLog)
	viper.SetDefault("notifications.dedup_ttl", 24*time.Hour)
	viper.SetDefault("notifications.on_redis_error", "allow")

	viper.SetDefault("dead_letter.archive", constants.ArchiveNone)
	viper.SetDefault("dead_letter.collection", "dead_letters")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

func bindEnvVariables() {
	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")
	viper.BindEnv("database.run_migrations", "DATABASE_RUN_MIGRATIONS")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("broker.type", "BROKER_TYPE")
	viper.BindEnv("broker.postgres.lease_duration", "BROKER_POSTGRES_LEASE_DURATION")

	viper.BindEnv("notifications.sink", "NOTIFICATIONS_SINK")
	viper.BindEnv("notifications.kafka.topic", "NOTIFICATIONS_KAFKA_TOPIC")
	viper.BindEnv("notifications.nats.url", "NOTIFICATIONS_NATS_URL")
	viper.BindEnv("notifications.nats.subject", "NOTIFICATIONS_NATS_SUBJECT")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")
	viper.BindEnv("logging.file.path", "LOGGING_FILE_PATH")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("NOTIFICATIONS_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Notifications.Kafka.Brokers = brokers
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}
