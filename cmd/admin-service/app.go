package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"mingle/internal/admin"
	"mingle/internal/chartcache"
	"mingle/internal/config"
	"mingle/internal/constants"
	"mingle/internal/derived"
	"mingle/internal/history"
	"mingle/internal/logger"
	"mingle/internal/msggroup"
	"mingle/pkg/bootstrap"
	"mingle/pkg/metrics"
	"mingle/pkg/middleware"
	"mingle/pkg/ratelimit"
	"mingle/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	server *http.Server
	router *gin.Engine
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base: bootstrap.NewBase(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.InitTracing(serviceName, constants.RoleAdmin); err != nil {
		return err
	}

	if err := a.InitGateway(ctx); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.InitArchive(ctx); err != nil {
		return fmt.Errorf("failed to initialize dead-letter archive: %w", err)
	}

	metrics.RegisterAdminMetrics()

	a.initRouter(ctx)
	a.initServer()
	return nil
}

func (a *App) initRouter(ctx context.Context) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(serviceName))
	}

	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(a.Logger))

	if a.Config.Admin.RateLimit.Enabled {
		rateLimitConfig := ratelimit.FromConfig(a.Config.Admin.RateLimit)
		router.Use(ratelimit.RateLimitMiddleware(ctx, rateLimitConfig))
		a.Logger.InfowCtx(ctx, "Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	gw := a.Gateway
	historyRepo := history.NewRepository(gw)
	tracker := msggroup.NewTracker(msggroup.NewRepository(gw), gw, a.Logger)
	charts := map[string]chartcache.SeriesSource{
		chartcache.ChartEventsPerDay: chartcache.NewEventSeries(gw, historyRepo),
	}

	svc := admin.NewService(admin.Components{
		Gateway:     gw,
		Tracker:     tracker,
		Recorder:    history.NewRecorder(historyRepo, a.Logger),
		Regenerator: history.NewRegenerator(historyRepo, tracker),
		Reindexer:   derived.NewProjectReindexer(historyRepo, tracker),
		Charts:      chartcache.NewService(chartcache.NewStore(gw), tracker, charts),
		Archive:     a.Archive,
	}, a.Logger)
	admin.NewHandler(svc, a.Logger).RegisterRoutes(router)

	router.GET("/health", a.HealthRegistry().Handler())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	a.router = router
}

func (a *App) initServer() {
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds,
	}
}

func (a *App) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		a.Logger.InfowCtx(ctx, "Server listening", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return a.Shutdown(context.Background())
	case err := <-errChan:
		if shutdownErr := a.Shutdown(context.Background()); shutdownErr != nil {
			a.Logger.ErrorwCtx(ctx, "Shutdown error", "error", shutdownErr)
		}
		return err
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	additionalShutdown := func(ctx context.Context) []error {
		if a.server == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return []error{fmt.Errorf("server shutdown error: %w", err)}
		}
		return nil
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
