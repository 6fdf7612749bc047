// logging.go — structured logging shared by RF, EG, TSC and CHL.
//
// Grounded on the pack's QNTX repo, which builds a single zap.Logger at
// startup and threads it through every subsystem rather than reaching for
// package-level globals.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a startup-only log level (spec §6.5: no hot reload).
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// New builds a zap.Logger for component, writing JSON lines to stderr.
func New(component string, level Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.OutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		// Build only fails on encoder/sink misconfiguration, which cfg above
		// cannot produce; fall back to a no-op logger rather than panic.
		logger = zap.NewNop()
	}
	return logger.Named(component)
}

func parseLevel(l Level) zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// LevelFromEnv reads GASOLINE_LOG_LEVEL, defaulting to info.
func LevelFromEnv() Level {
	switch os.Getenv("GASOLINE_LOG_LEVEL") {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}
