// Package logging builds the zap logger shared by the CLI, the daemon and
// the pipeline runner.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger writing to stderr. format is "console" or "json".
func New(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if level == "" {
		level = "info"
	}
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("failed to parse log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "", "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	case "json":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.Development = false

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// Printf adapts a logger to printf-style hooks such as chromedp.WithLogf.
func Printf(l *zap.Logger) func(string, ...any) {
	sugar := l.WithOptions(zap.AddCallerSkip(1)).Sugar()
	return func(format string, args ...any) {
		sugar.Debugf(format, args...)
	}
}

// Warnf is Printf at warn level, for hooks such as chromedp.WithErrorf.
func Warnf(l *zap.Logger) func(string, ...any) {
	sugar := l.WithOptions(zap.AddCallerSkip(1)).Sugar()
	return func(format string, args ...any) {
		sugar.Warnf(format, args...)
	}
}

// Tee adds a JSON file sink at path to l, at l's level. The returned close
// function flushes and closes the file.
func Tee(l *zap.Logger, path string) (*zap.Logger, func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "time"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(f), zapcore.LevelOf(l.Core()))

	teed := l.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	}))
	closeFn := func() error {
		_ = teed.Sync()
		return f.Close()
	}
	return teed, closeFn, nil
}
