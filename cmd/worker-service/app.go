package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"mingle/internal/chartcache"
	"mingle/internal/config"
	"mingle/internal/constants"
	"mingle/internal/derived"
	"mingle/internal/history"
	"mingle/internal/logger"
	"mingle/internal/msggroup"
	"mingle/internal/notification"
	"mingle/internal/processor"
	"mingle/internal/scheduler"
	"mingle/pkg/bootstrap"
	"mingle/pkg/health"
	"mingle/pkg/metrics"
	"mingle/pkg/middleware"
)

type App struct {
	*bootstrap.Base
	scheduler *scheduler.Scheduler
	sink      notification.Sink
	checks    *health.CheckerRegistry
	server    *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base: bootstrap.NewBase(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.InitTracing(serviceName, constants.RoleWorker); err != nil {
		return err
	}

	if err := a.InitGateway(ctx); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.InitRedis(ctx); err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}

	if err := a.InitArchive(ctx); err != nil {
		return fmt.Errorf("failed to initialize dead-letter archive: %w", err)
	}

	metrics.RegisterProcessorMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	if err := a.initProcessors(ctx); err != nil {
		return fmt.Errorf("failed to initialize processors: %w", err)
	}

	a.initHTTPServer()
	return nil
}

func (a *App) initProcessors(ctx context.Context) error {
	gw := a.Gateway
	historyRepo := history.NewRepository(gw)
	tracker := msggroup.NewTracker(msggroup.NewRepository(gw), gw, a.Logger)

	sink, err := notification.NewSink(a.Config.Notifications, a.Logger)
	if err != nil {
		return err
	}
	a.sink = notification.WithBreaker(sink, a.Config.CircuitBreaker)

	a.checks = a.HealthRegistry()
	if ns, ok := sink.(*notification.NATSSink); ok {
		a.checks.Register(health.NewNATSChecker(ns.Conn()))
	}

	var guard notification.Guard
	if a.Redis != nil {
		guard = notification.NewRedisGuard(a.Redis, a.Config.CircuitBreaker, a.Config.Notifications.OnRedisError, a.Logger)
	} else {
		a.Logger.WarnwCtx(ctx, "Redis is not configured, notification duplicates are only suppressed within this process")
		guard = notification.NewMemoryGuard()
	}

	ttl := a.Config.Notifications.DedupTTL
	if ttl <= 0 {
		ttl = constants.DefaultNotificationTTL
	}

	charts := map[string]chartcache.SeriesSource{
		chartcache.ChartEventsPerDay: chartcache.NewEventSeries(gw, historyRepo),
	}

	registry := processor.NewRegistry()
	registrations := []processor.Registration{
		{Name: constants.ProcessorHistoryChanges, Queue: constants.QueueHistoryChangesCards,
			Handler: history.NewGenerator(historyRepo, a.Config.History, a.Logger)},
		{Name: constants.ProcessorReindex, Queue: constants.QueueIndexingCards,
			Handler: derived.NewReindexHandler(derived.NewIndexer(gw, historyRepo), a.Logger)},
		{Name: constants.ProcessorAggregates, Queue: constants.QueueComputeAggregates,
			Handler: derived.NewAggregateHandler(derived.NewAggregator(gw, historyRepo), a.Logger)},
		{Name: constants.ProcessorChartCache, Queue: constants.QueueChartCache,
			Handler: chartcache.NewHandler(chartcache.NewStore(gw), charts, a.Config.ChartCache.ChunkDays, a.Logger)},
		{Name: constants.ProcessorNotifications, Queue: constants.QueueNotifications,
			Handler: notification.NewHandler(historyRepo, guard, a.sink, ttl, a.Logger)},
	}
	for _, r := range registrations {
		if err := registry.Register(r.Name, r.Queue, r.Handler); err != nil {
			return err
		}
	}

	bindings, err := registry.Build(a.Config, gw, a.Logger,
		processor.WithAcknowledger(tracker),
		processor.WithArchive(a.Archive),
	)
	if err != nil {
		return err
	}

	a.scheduler = scheduler.New(bindings, gw, a.Config.Scheduler, a.Logger)
	a.Logger.InfowCtx(ctx, "Processors initialized", "registered", len(registry.Names()), "running", len(bindings))
	return nil
}

func (a *App) initHTTPServer() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(a.Logger))

	router.GET("/health", a.checks.Handler())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds,
	}
}

// Run blocks until ctx is cancelled or a processor stops on an
// unrecoverable broker error.
func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		defer a.stopServer()
		return a.scheduler.Run(gCtx)
	})

	runErr := g.Wait()
	if err := a.Shutdown(context.Background()); err != nil {
		if runErr == nil {
			return err
		}
		a.Logger.ErrorwCtx(ctx, "Shutdown error", "error", err)
	}
	return runErr
}

func (a *App) stopServer() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.Logger.ErrorwCtx(shutdownCtx, "HTTP server shutdown error", "error", err)
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	additionalShutdown := func(ctx context.Context) []error {
		var errs []error
		if a.sink != nil {
			if err := a.sink.Close(); err != nil {
				errs = append(errs, fmt.Errorf("notification sink close error: %w", err))
			}
		}
		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
