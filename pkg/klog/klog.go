// Package klog builds the kernel's structured logger.
package klog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kernsim/pkg/config"
)

// New returns a zap logger configured from cfg.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if len(cfg.Outputs) > 0 {
		zc.OutputPaths = cfg.Outputs
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Named("kernel"), nil
}

// Pid is the field used for process identifiers in every kernel log line.
func Pid(pid int32) zap.Field {
	return zap.Int32("pid", pid)
}
