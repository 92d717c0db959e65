//go:build no_metrics

package main

import (
	"log/slog"

	"envmon/internal/config"
	"envmon/internal/telemetry"
	"envmon/internal/web"
)

func initMetrics(_ *telemetry.EventBus, _ *config.Config, _ *slog.Logger) []web.ServerOption {
	return nil
}
