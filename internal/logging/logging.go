// Package logging constructs the process-wide zap logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger from the configured level and encoding.
// Level is one of debug|info|warn|error; encoding is console or json.
func New(level, encoding string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(strings.ToLower(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	enc := strings.TrimSpace(strings.ToLower(encoding))
	if enc == "" {
		enc = "console"
	}
	switch enc {
	case "console", "json":
	default:
		return nil, fmt.Errorf("invalid log encoding %q (want console|json)", encoding)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = enc
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if enc == "console" {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// Nop returns a logger that discards everything. Used by tests and as the
// default when a component is constructed without a logger.
func Nop() *zap.Logger {
	return zap.NewNop()
}
