package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func New(verbosity string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	return config.Build()
}

// NewCallLogger builds the logger for per-call enter/exit lines. They are
// console encoded and go to path, or to stderr when path is empty.
func NewCallLogger(path string) (*zap.Logger, error) {
	if path == "" {
		path = "stderr"
	}
	encoder := zap.NewDevelopmentEncoderConfig()
	encoder.CallerKey = zapcore.OmitKey
	encoder.StacktraceKey = zapcore.OmitKey
	encoder.LevelKey = zapcore.OmitKey
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding:         "console",
		EncoderConfig:    encoder,
		OutputPaths:      []string{path},
		ErrorOutputPaths: []string{"stderr"},
	}
	return config.Build()
}
