//go:build !no_metrics

package main

import (
	"log/slog"

	"envmon/internal/config"
	"envmon/internal/metrics"
	"envmon/internal/telemetry"
	"envmon/internal/web"
)

func initMetrics(events *telemetry.EventBus, cfg *config.Config, logger *slog.Logger) []web.ServerOption {
	if !cfg.Metrics.Enabled {
		return nil
	}
	m := metrics.New()
	m.Subscribe(events)
	logger.Info("prometheus metrics enabled", "path", "/metrics")
	return []web.ServerOption{web.WithMetrics(m)}
}
