package util

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var current atomic.Pointer[zap.Logger]

// LogConfig selects the encoder and level of the process logger
type LogConfig struct {
	Env     string
	Level   string
	Service string
}

// InitLogger initializes the global logger. Production gets JSON output,
// everything else the colored console encoder.
func InitLogger(cfg LogConfig) error {
	var config zap.Config

	if cfg.Env == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		config.Level = zap.NewAtomicLevelAt(level)
	}

	var opts []zap.Option
	if cfg.Service != "" {
		opts = append(opts, zap.Fields(zap.String("service", cfg.Service)))
	}

	logger, err := config.Build(opts...)
	if err != nil {
		return err
	}

	current.Store(logger)
	zap.ReplaceGlobals(logger)
	return nil
}

// SetLogger replaces the global logger, tests use zap.NewNop
func SetLogger(l *zap.Logger) {
	current.Store(l)
}

// GetLogger returns the global logger, zap's no-op logger before init
func GetLogger() *zap.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	return zap.L()
}

// WithTrace returns the global logger tagged with the trace id of ctx
func WithTrace(ctx context.Context) *zap.Logger {
	if id := TraceID(ctx); id != "" {
		return GetLogger().With(zap.String("trace_id", id))
	}
	return GetLogger()
}

// SyncLogger flushes any buffered log entries
func SyncLogger() {
	if l := current.Load(); l != nil {
		_ = l.Sync()
	}
}
