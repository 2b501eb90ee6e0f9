package util

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// InitLogger builds the global logger. Production gets JSON output at info,
// anything else a colored console at debug; level overrides either when set.
// Every entry carries the service name.
func InitLogger(env, level string) error {
	config := loggerConfig(env)

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	built, err := config.Build(zap.Fields(zap.String("service", ServiceName)))
	if err != nil {
		return err
	}

	logger = built
	zap.ReplaceGlobals(logger)
	return nil
}

func loggerConfig(env string) zap.Config {
	if env == "production" {
		return zap.NewProductionConfig()
	}
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return config
}

// GetLogger returns the global logger, falling back to a development
// logger when InitLogger was never called (tests, tools)
func GetLogger() *zap.Logger {
	if logger == nil {
		dev, _ := zap.NewDevelopment()
		logger = dev.With(zap.String("service", ServiceName))
	}
	return logger
}

// SyncLogger flushes any buffered log entries
func SyncLogger() {
	if logger != nil {
		_ = logger.Sync()
	}
}
