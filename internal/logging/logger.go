package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/aggregator/internal/config"
)

// NewLogger creates a structured zerolog.Logger writing JSON to stdout with
// the service and instance context fields from the config.
func NewLogger(cfg *config.Config) zerolog.Logger {
	return New(os.Stdout, cfg)
}

// New is NewLogger with an explicit destination.
func New(w io.Writer, cfg *config.Config) zerolog.Logger {
	ctx := zerolog.New(w).With().Timestamp()

	if cfg.ServiceName != "" {
		ctx = ctx.Str("service", cfg.ServiceName)
	}
	if cfg.InstanceID != "" {
		ctx = ctx.Str("instance_id", cfg.InstanceID)
	}
	if cfg.StoreDriver != "" {
		ctx = ctx.Str("store", cfg.StoreDriver)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
