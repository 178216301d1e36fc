// Package observability owns logger construction for the CLI and the daemon.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by CLI command paths. It defaults to a no-op
// logger so command helpers are safe to call before Init runs.
var CLILogger = zap.NewNop()

// Init builds the process logger. format is "console" (CLI) or "json"
// (daemon / structured). The returned logger is also installed as CLILogger
// and as zap's global.
func Init(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "", "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
	case "json":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q (expected console or json)", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	CLILogger = logger
	zap.ReplaceGlobals(logger)
	return logger, nil
}
