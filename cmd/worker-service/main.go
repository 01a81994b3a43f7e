package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mingle/internal/config"
	"mingle/internal/logger"
	"mingle/pkg/bootstrap"
	"mingle/pkg/logging"
	"mingle/pkg/migrations"
)

const serviceName = "worker-service"

var (
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Mingle background worker",
		Long:  "Worker runs the queue processors that derive history, search, aggregates, chart caches and notifications",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(earlyLog *logging.EarlyLog) (*config.Config, logger.Logger, error) {
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
		if configFile == "" {
			earlyLog.Warn("Config file is required. Use --config flag or CONFIG_FILE environment variable")
			return nil, nil, fmt.Errorf("config file is required")
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		earlyLog.Warn("Failed to load config: %v", err)
		return nil, nil, err
	}

	log, err := bootstrap.NewLogger(cfg.Logging, serviceName)
	if err != nil {
		earlyLog.Warn("Failed to init logger: %v", err)
		return nil, nil, err
	}
	return cfg, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(logging.NewEarlyLog(serviceName))
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			ctx = logging.WithServiceName(ctx, serviceName)

			log.InfowCtx(ctx, "Starting Worker Service")

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
				if shutdownErr := app.Shutdown(context.Background()); shutdownErr != nil {
					log.ErrorwCtx(ctx, "Shutdown after failed start", "error", shutdownErr)
				}
				return err
			}

			if err := app.Run(ctx); err != nil {
				log.ErrorwCtx(ctx, "Application error", "error", err)
				return err
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(logging.NewEarlyLog(serviceName))
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := logging.WithServiceName(cmd.Context(), serviceName)
			connector := bootstrap.NewDatabaseConnector(cfg, log)
			db, err := connector.InitPostgreSQL(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := migrations.RunPostgres(db); err != nil {
				log.ErrorwCtx(ctx, "Migration failed", "error", err)
				return err
			}

			version, dirty, err := migrations.PostgresVersion(db)
			if err != nil {
				return err
			}
			log.InfowCtx(ctx, "Migrations applied", "version", version, "dirty", dirty)
			return nil
		},
	}
}
