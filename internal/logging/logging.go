// Package logging builds the process logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production JSON logger at level. An unparseable level falls
// back to info, and the fallback is logged once.
func New(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	zapLevel := zapcore.InfoLevel
	levelErr := zapLevel.UnmarshalText([]byte(level))
	if levelErr != nil {
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := config.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if levelErr != nil {
		logger.Warn("invalid log level, defaulting to info", zap.String("level", level), zap.Error(levelErr))
	}

	return logger, nil
}
