package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  port: 8081
database:
  postgres:
    host: localhost
    port: 5432
    user: mingle
    password: secret
    dbname: mingle
routing:
  redirects:
    - from: mingle.history_changes_generation.pages
      to: mingle.history_changes_generation.cards
  wiretaps:
    - from: mingle.indexing.cards
      to: mingle.audit.indexing
processors:
  - name: history_changes
    batch_size: 50
    instances: 2
    max_deliveries: 3
    redelivery:
      initial_interval: 2s
      max_interval: 1m
      multiplier: 2
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Broker.Type)
	assert.Equal(t, 5*time.Minute, cfg.Broker.Postgres.LeaseDuration)
	assert.Equal(t, 5, cfg.Broker.Postgres.Reconnect.MaxAttempts)

	require.Len(t, cfg.Routing.Redirects, 1)
	assert.Equal(t, "mingle.history_changes_generation.cards", cfg.Routing.Redirects[0].To)
	require.Len(t, cfg.Routing.Wiretaps, 1)

	p, ok := cfg.Processor("history_changes")
	require.True(t, ok)
	assert.Equal(t, 50, p.BatchSize)
	assert.Equal(t, 2, p.Instances)
	assert.Equal(t, 3, p.MaxDeliveries)
	assert.Equal(t, 2*time.Second, p.Redelivery.InitialInterval)
	assert.True(t, p.IsEnabled())

	_, ok = cfg.Processor("missing")
	assert.False(t, ok)

	assert.True(t, cfg.History.Cascade.Reindex)
	assert.Equal(t, 30, cfg.ChartCache.ChunkDays)
	assert.Equal(t, "log", cfg.Notifications.Sink)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("DATABASE_POSTGRES_HOST", "db.internal")
	t.Setenv("BROKER_TYPE", "memory")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Postgres.Host)
	assert.Equal(t, "memory", cfg.Broker.Type)
}

func TestLoadConfig_DefaultRouting(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "broker:\n  type: memory\n"))
	require.NoError(t, err)

	require.Len(t, cfg.Routing.Redirects, 1)
	assert.Equal(t, "mingle.history_changes_generation.pages", cfg.Routing.Redirects[0].From)
	assert.Equal(t, "mingle.history_changes_generation.cards", cfg.Routing.Redirects[0].To)
	assert.Empty(t, cfg.Routing.Wiretaps)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateStatic(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server: ServerConfig{Port: 8080, ReadTimeoutSeconds: time.Second, WriteTimeoutSeconds: time.Second},
			Broker: BrokerConfig{Type: "memory"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "unknown broker",
			mutate:  func(c *Config) { c.Broker.Type = "rabbitmq" },
			wantErr: "broker.type",
		},
		{
			name:    "postgres broker without database",
			mutate:  func(c *Config) { c.Broker.Type = "postgres"; c.Broker.Postgres.LeaseDuration = time.Minute },
			wantErr: "database.postgres.host",
		},
		{
			name: "self route",
			mutate: func(c *Config) {
				c.Routing.Redirects = []RouteConfig{{From: "a.b", To: "a.b"}}
			},
			wantErr: "routing.redirects[0]",
		},
		{
			name: "invalid queue name",
			mutate: func(c *Config) {
				c.Routing.Wiretaps = []RouteConfig{{From: "Bad Queue", To: "a.b"}}
			},
			wantErr: "routing.wiretaps[0].from",
		},
		{
			name: "duplicate processor",
			mutate: func(c *Config) {
				c.Processors = []ProcessorConfig{{Name: "reindex"}, {Name: "reindex"}}
			},
			wantErr: "duplicate processor",
		},
		{
			name:    "kafka sink without brokers",
			mutate:  func(c *Config) { c.Notifications.Sink = "kafka" },
			wantErr: "notifications.kafka.brokers",
		},
		{
			name:    "mongo archive without database",
			mutate:  func(c *Config) { c.DeadLetter.Archive = "mongodb" },
			wantErr: "database.mongodb.uri",
		},
		{
			name:    "bad cron spec",
			mutate:  func(c *Config) { c.Scheduler.LeaseRecoverySpec = "every minute" },
			wantErr: "scheduler.lease_recovery_spec",
		},
		{
			name:    "webhook sink without url",
			mutate:  func(c *Config) { c.Notifications.Sink = "webhook" },
			wantErr: "notifications.webhook.url",
		},
		{
			name: "webhook sink with ftp url",
			mutate: func(c *Config) {
				c.Notifications.Sink = "webhook"
				c.Notifications.Webhook.URL = "ftp://example.com/hook"
			},
			wantErr: "notifications.webhook.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := ValidateStatic(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
