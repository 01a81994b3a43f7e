package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"mingle/internal/broker"
	"mingle/internal/config"
	"mingle/internal/constants"
	"mingle/internal/deadletter"
	"mingle/internal/logger"
	"mingle/internal/router"
	"mingle/pkg/health"
	"mingle/pkg/migrations"
	"mingle/pkg/tracing"
)

// Base holds the infrastructure shared by the worker and admin services:
// the routed broker gateway, optional Redis and MongoDB connections, the
// dead-letter archive and tracing.
type Base struct {
	Config  *config.Config
	Logger  logger.Logger
	DB      *DatabaseConnector
	Router  *router.Router
	Gateway broker.Gateway
	Archive deadletter.Archive
	Redis   *redis.Client
	Mongo   *mongo.Client

	tracerProvider *tracing.TracerProvider
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config:  cfg,
		Logger:  log,
		DB:      NewDatabaseConnector(cfg, log),
		Archive: deadletter.NopArchive{},
	}
}

func (b *Base) InitTracing(serviceName, role string) error {
	tp, err := tracing.Init(b.Config.Tracing, tracing.Service{
		Name:   serviceName,
		Role:   role,
		Broker: b.Config.Broker.Type,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	b.tracerProvider = tp
	return nil
}

// InitGateway connects the broker, applies migrations when configured and
// wraps the gateway with the routing rules from config.
func (b *Base) InitGateway(ctx context.Context) error {
	rt, err := router.FromConfig(b.Config.Routing)
	if err != nil {
		return fmt.Errorf("invalid routing rules: %w", err)
	}

	gw, err := broker.NewGateway(ctx, b.Config, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create broker gateway: %w", err)
	}

	if src, ok := broker.AsSQLSource(gw); ok && b.Config.Database.RunMigrations {
		if err := migrations.RunPostgres(src.DB()); err != nil {
			gw.Close()
			return err
		}
		b.Logger.Info("Database migrations applied")
	}

	b.Router = rt
	b.Gateway = router.NewGateway(gw, rt)
	return nil
}

func (b *Base) InitRedis(ctx context.Context) error {
	client, err := b.DB.InitRedis(ctx)
	if err != nil {
		return err
	}
	b.Redis = client
	return nil
}

// InitArchive connects MongoDB when the dead-letter archive needs it.
func (b *Base) InitArchive(ctx context.Context) error {
	var db *mongo.Database
	if b.Config.DeadLetter.Archive == constants.ArchiveMongo {
		client, err := b.DB.InitMongoDB(ctx)
		if err != nil {
			return err
		}
		if client == nil {
			return fmt.Errorf("dead-letter archive %q needs database.mongodb.uri", constants.ArchiveMongo)
		}
		b.Mongo = client

		dbName := b.Config.Database.MongoDB.Database
		if dbName == "" {
			dbName = constants.DefaultMongoDBName
		}
		db = client.Database(dbName)
		if err := migrations.EnsureDeadLetterCollection(ctx, db, b.Config.DeadLetter.Collection); err != nil {
			return err
		}
	}

	archive, err := deadletter.New(b.Config.DeadLetter, db)
	if err != nil {
		return err
	}
	b.Archive = archive
	return nil
}

// HealthRegistry registers a check for every connection Base holds.
func (b *Base) HealthRegistry() *health.CheckerRegistry {
	registry := health.NewCheckerRegistry()
	if b.Gateway != nil {
		registry.Register(health.NewBrokerChecker(b.Gateway))
		if src, ok := broker.AsSQLSource(b.Gateway); ok {
			registry.Register(health.NewPostgreSQLChecker(src.DB()))
		}
	}
	if b.Redis != nil {
		registry.Register(health.NewRedisChecker(b.Redis))
	}
	if b.Mongo != nil {
		registry.Register(health.NewMongoDBChecker(b.Mongo))
	}
	return registry
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.InfowCtx(ctx, "Shutting down application...")

	var errs []error

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	if b.Gateway != nil {
		if err := b.Gateway.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker close error: %w", err))
		}
	}

	errs = append(errs, b.DB.ShutdownDatabases(ctx, b.Redis, nil, b.Mongo)...)

	if b.tracerProvider != nil {
		if err := b.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.InfowCtx(ctx, "Application exited successfully")
	return nil
}
