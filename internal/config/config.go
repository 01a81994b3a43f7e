package config

import (
	"fmt"
	"time"

	"mingle/pkg/retry"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Broker         BrokerConfig
	Routing        RoutingConfig
	Processors     []ProcessorConfig `mapstructure:"processors"`
	Scheduler      SchedulerConfig
	History        HistoryConfig
	ChartCache     ChartCacheConfig `mapstructure:"chart_cache"`
	Notifications  NotificationsConfig
	DeadLetter     DeadLetterConfig `mapstructure:"dead_letter"`
	Admin          AdminConfig
	Logging        LoggingConfig
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig
	Redis         RedisConfig
	MongoDB       MongoDBConfig
	RunMigrations bool `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// DSN renders the lib/pq connection URL.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// BrokerConfig selects the queue store. "postgres" keeps queues in the same
// database as derived state so sends and acks join domain transactions.
type BrokerConfig struct {
	Type     string               `mapstructure:"type"`
	Postgres PostgresBrokerConfig `mapstructure:"postgres"`
}

type PostgresBrokerConfig struct {
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	Reconnect     RetryConfig   `mapstructure:"reconnect"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
		Multiplier:      r.Multiplier,
		MaxElapsedTime:  r.MaxElapsedTime,
	}
}

type RoutingConfig struct {
	Redirects []RouteConfig `mapstructure:"redirects"`
	Wiretaps  []RouteConfig `mapstructure:"wiretaps"`
}

type RouteConfig struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

// ProcessorConfig tunes one registered processor. Name must match a
// processor registered by the worker.
type ProcessorConfig struct {
	Name            string        `mapstructure:"name"`
	Enabled         *bool         `mapstructure:"enabled"`
	BatchSize       int           `mapstructure:"batch_size"`
	Instances       int           `mapstructure:"instances"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"`
	MaxDeliveries   int           `mapstructure:"max_deliveries"`
	DeadLetterQueue string        `mapstructure:"dead_letter_queue"`
	Redelivery      RetryConfig   `mapstructure:"redelivery"`
}

func (p ProcessorConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

type SchedulerConfig struct {
	LeaseRecoverySpec string        `mapstructure:"lease_recovery_spec"`
	QueueMetricsSpec  string        `mapstructure:"queue_metrics_spec"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type HistoryConfig struct {
	IgnoredFields []string      `mapstructure:"ignored_fields"`
	Cascade       CascadeConfig `mapstructure:"cascade"`
}

type CascadeConfig struct {
	Reindex       bool `mapstructure:"reindex"`
	Aggregates    bool `mapstructure:"aggregates"`
	Notifications bool `mapstructure:"notifications"`
}

type ChartCacheConfig struct {
	ChunkDays int `mapstructure:"chunk_days"`
}

type NotificationsConfig struct {
	Sink         string        `mapstructure:"sink"`
	Kafka        KafkaConfig   `mapstructure:"kafka"`
	NATS         NATSConfig    `mapstructure:"nats"`
	Webhook      WebhookConfig `mapstructure:"webhook"`
	DedupTTL     time.Duration `mapstructure:"dedup_ttl"`
	OnRedisError string        `mapstructure:"on_redis_error"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

type DeadLetterConfig struct {
	Archive    string `mapstructure:"archive"`
	Collection string `mapstructure:"collection"`
}

type AdminConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type LoggingConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"`
	File   LogFileConfig `mapstructure:"file"`
}

// LogFileConfig enables a rotated log file next to stdout.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

// Processor returns the settings for a processor by name.
func (c *Config) Processor(name string) (ProcessorConfig, bool) {
	for _, p := range c.Processors {
		if p.Name == name {
			return p, true
		}
	}
	return ProcessorConfig{}, false
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
