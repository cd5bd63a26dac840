// Package logging builds the process logger from the logging config section.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ned1313/pub-registry/internal/config"
)

// New builds a zap logger. The returned logger is passed explicitly to the
// components that need it; it is never installed as a global.
func New(cfg *config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encoding := "json"
	if strings.EqualFold(cfg.Format, "text") {
		encoding = "console"
	}

	outputs, err := outputPaths(cfg)
	if err != nil {
		return nil, err
	}

	return zap.Config{
		Encoding:         encoding,
		Level:            zap.NewAtomicLevelAt(level),
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
	}.Build()
}

func outputPaths(cfg *config.LoggingConfig) ([]string, error) {
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		return []string{"stdout"}, nil
	case "stderr":
		return []string{"stderr"}, nil
	case "file":
		return []string{cfg.FilePath}, nil
	case "both":
		return []string{"stdout", cfg.FilePath}, nil
	default:
		return nil, fmt.Errorf("unsupported log output: %s", cfg.Output)
	}
}
