// Package logging builds the structured zap loggers shared by quantflow services.
package logging

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures logger construction.
type Options struct {
	// Environment selects the encoder: dev gets a console encoder, everything else JSON.
	Environment string
	// Level is a zap level name (debug, info, warn, error). Empty means info.
	Level   string
	Service string
}

// New builds a root logger for the given options.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if raw := strings.TrimSpace(opts.Level); raw != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(raw))); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", raw, err)
		}
	}

	var cfg zap.Config
	if strings.EqualFold(strings.TrimSpace(opts.Environment), "dev") {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	service := strings.TrimSpace(opts.Service)
	if service == "" {
		service = "quantflow"
	}
	return logger.With(zap.String("service", service)), nil
}

// OrNop returns logger, or a no-op logger when nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// AggregateErrors joins errs, logs them as one entry and returns the aggregate, or nil when all are nil.
func AggregateErrors(logger *zap.Logger, operation string, errs []error, fields ...zap.Field) error {
	filtered := make([]error, 0, len(errs))
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		filtered = append(filtered, err)
		messages = append(messages, err.Error())
	}
	if len(filtered) == 0 {
		return nil
	}
	fields = append(fields,
		zap.String("operation", operation),
		zap.Int("error_count", len(filtered)),
		zap.Strings("errors", messages),
	)
	OrNop(logger).Error("operation errors", fields...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(filtered...))
}
