package logger

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.RWMutex
	sugar = zap.NewNop().Sugar()
)

// Init installs the global logger at the given level ("debug", "info", "warn", "error").
// Timestamps use a readable date-time layout with milliseconds.
func Init(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q:\n%w", level, err)
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(lvl)
	config.Encoding = "console"
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	config.DisableStacktrace = true

	l, err := config.Build()
	if err != nil {
		return fmt.Errorf("build logger:\n%w", err)
	}

	Set(l)

	return nil
}

// Set replaces the global logger.
func Set(l *zap.Logger) {
	mu.Lock()
	sugar = l.Sugar()
	mu.Unlock()
}

// Sync flushes buffered entries.
func Sync() {
	_ = current().Sync()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()

	return sugar
}

// Info logs at INFO level with alternating key/value pairs.
func Info(msg string, args ...any) {
	current().Infow(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	current().Debugw(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	current().Warnw(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	current().Errorw(msg, args...)
}

// With returns a logger carrying the given key/value pairs.
func With(args ...any) *zap.SugaredLogger {
	return current().With(args...)
}

// Timed returns the elapsed time since start as a log field.
func Timed(start time.Time) zap.Field {
	return zap.Duration("elapsed", time.Since(start))
}
