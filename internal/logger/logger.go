package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Log lines go to stderr so the report
// table on stdout stays clean. An empty verbosity means info.
func New(verbosity string) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, fmt.Errorf("invalid log verbosity %q: %w", verbosity, err)
	}

	config := zap.NewProductionConfig()
	config.Level = level
	config.Encoding = "console"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	config.DisableStacktrace = true
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	return config.Build()
}
