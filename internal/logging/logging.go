// Package logging builds the structured logger used throughout the
// runtime. Grounded on the zap logger helpers from the pack's crawler
// repo (internal/logging/logger.go), extended with go-isatty terminal
// detection so color output is only enabled when stdout is actually a
// terminal, never when logs are piped or redirected to a file.
package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured-logging surface every component depends on.
// Components declare their own narrower Logger interfaces (Warnw/Infow,
// etc.) rather than importing this package directly, which keeps them
// independently testable with a stub; *Logger satisfies them through the
// embedded zap.SugaredLogger.
type Logger struct {
	*zap.SugaredLogger
	raw *zap.Logger
}

// New builds a Logger. development selects human-readable, colorized
// console output (when stdout is a terminal); otherwise it builds the
// JSON production encoder. level is a zap level string ("debug", "info",
// "warn", "error"); an unrecognized value falls back to "info".
func New(development bool, level string) (*Logger, error) {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err == nil {
		// lvl now holds the parsed value.
	}

	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		if isatty.IsTerminal(os.Stdout.Fd()) {
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		}
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	raw, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return &Logger{SugaredLogger: raw.Sugar(), raw: raw}, nil
}

// Named returns a child logger tagged with the given component name, used
// so health output and log lines can be attributed to a task (EmailSource,
// Coordinator, worker id, etc).
func (l *Logger) Named(name string) *Logger {
	s := l.SugaredLogger.Named(name)
	return &Logger{SugaredLogger: s, raw: l.raw}
}

// Sync flushes buffered log entries; best-effort, errors are expected and
// ignored when stdout is a non-syncable terminal.
func (l *Logger) Sync() {
	_ = l.raw.Sync()
}

// NewNop returns a logger that discards everything, for use in tests that
// need a Logger-shaped dependency but don't assert on output.
func NewNop() *Logger {
	raw := zap.NewNop()
	return &Logger{SugaredLogger: raw.Sugar(), raw: raw}
}
