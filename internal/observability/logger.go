// Package observability owns logger construction for the CLI and the
// gateway service.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	// ProfileStructured emits one JSON object per line.
	ProfileStructured = "STRUCTURED"

	// ProfileConsole emits human-readable lines.
	ProfileConsole = "CONSOLE"
)

// CLILogger is the process-wide logger used by commands. It is a no-op
// logger until InitCLILogger runs.
var CLILogger = zap.NewNop()

// InitCLILogger configures CLILogger for a command-line invocation.
// Verbose enables debug output.
func InitCLILogger(name string, verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := NewLogger(level, ProfileConsole)
	if err != nil {
		logger = zap.NewNop()
	}
	CLILogger = logger.Named(name)
}

// NewLogger builds a logger for the given level name and profile.
// Unknown profiles fall back to STRUCTURED.
func NewLogger(level, profile string) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch strings.ToUpper(strings.TrimSpace(profile)) {
	case ProfileConsole:
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(lvl))
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// ParseLevel maps a level name (debug, info, warn, error) to a zap level.
// An empty name is info.
func ParseLevel(level string) (zapcore.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	if level == "warning" {
		level = "warn"
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", level)
	}
	return lvl, nil
}
