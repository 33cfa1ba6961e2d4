package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global logger instance
	Logger *zap.SugaredLogger
	// Flag to track if JSON output is enabled
	JSONOutput bool
)

func init() {
	// Initialize with a safe no-op logger at package load time
	// This prevents nil pointer panics if logger is used before Initialize() is called
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger based on the JSON output preference
func Initialize(jsonOutput bool) error {
	JSONOutput = jsonOutput

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		// JSON structured output for machine consumption
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(levelFromEnv())
		zapLogger, err = config.Build()
	} else {
		// Human-readable console output
		config := zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(levelFromEnv())
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		config.DisableStacktrace = true
		zapLogger, err = config.Build()
	}

	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// Named returns a child of the global logger with the given name attached.
// Safe to call before Initialize; the no-op logger just ignores everything.
func Named(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// Package-level helpers so callers can log without holding a logger.

func Debugw(msg string, keysAndValues ...interface{}) { Logger.Debugw(msg, keysAndValues...) }
func Infow(msg string, keysAndValues ...interface{})  { Logger.Infow(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...interface{})  { Logger.Warnw(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...interface{}) { Logger.Errorw(msg, keysAndValues...) }

// levelFromEnv reads GRIDWMS_LOG_LEVEL, defaulting to info
func levelFromEnv() zapcore.Level {
	switch strings.ToLower(os.Getenv("GRIDWMS_LOG_LEVEL")) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
