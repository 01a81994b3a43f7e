package broker

import (
	"context"
	"fmt"

	"mingle/internal/config"
	"mingle/internal/constants"
	"mingle/internal/logger"
)

// NewGateway builds the gateway selected by cfg.Broker.Type.
func NewGateway(ctx context.Context, cfg *config.Config, log logger.Logger) (Gateway, error) {
	switch cfg.Broker.Type {
	case constants.BrokerTypeMemory:
		log.Warn("Using in-memory broker, messages are lost on restart")
		return NewMemoryGateway(WithMemoryLeaseDuration(cfg.Broker.Postgres.LeaseDuration)), nil
	case constants.BrokerTypePostgres, "":
		pg := cfg.Database.Postgres
		opener := PostgresOpener(pg.DSN(), pg.MaxOpenConns, pg.MaxIdleConns)
		return NewPostgresGateway(ctx, opener, PostgresGatewayConfig{
			LeaseDuration: cfg.Broker.Postgres.LeaseDuration,
			Reconnect:     cfg.Broker.Postgres.Reconnect.Policy(),
		}, log)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Broker.Type)
	}
}
