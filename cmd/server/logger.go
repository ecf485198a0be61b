package main

import (
	"go.uber.org/zap"

	"github.com/septivank/lifeline-telemetry/internal/config"
	"github.com/septivank/lifeline-telemetry/internal/logging"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
}
