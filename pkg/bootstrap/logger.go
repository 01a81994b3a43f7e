package bootstrap

import (
	"mingle/internal/config"
	"mingle/internal/logger"
)

// NewLogger builds the service logger from the logging section.
func NewLogger(cfg config.LoggingConfig, serviceName string) (logger.Logger, error) {
	opts := logger.Options{
		Level:       cfg.Level,
		Format:      cfg.Format,
		ServiceName: serviceName,
	}
	if cfg.File.Path != "" {
		opts.File = &logger.FileOptions{
			Path:       cfg.File.Path,
			MaxSizeMB:  cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAgeDays: cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
	}
	return logger.NewWithOptions(opts)
}
