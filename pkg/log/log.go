// Package log builds the process-wide zap logger. Components receive a
// *zap.Logger scoped with Named and never construct their own.
package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger for the given level ("debug", "info", "warn",
// "error") and format ("text" or "json").
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log: invalid level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "", "text":
		cfg = zap.NewDevelopmentConfig()
	case "json":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("log: invalid format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// NewNop returns a logger that discards everything. Used in tests.
func NewNop() *zap.Logger { return zap.NewNop() }

// RedirectStdLog routes stdlib log output (pebble uses it) through the
// given logger at info level. The returned func restores the default.
func RedirectStdLog(l *zap.Logger) func() {
	return zap.RedirectStdLog(l)
}
