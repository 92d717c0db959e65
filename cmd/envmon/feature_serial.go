//go:build !no_serial

package main

import (
	"context"
	"errors"
	"log/slog"

	"envmon/internal/config"
	"envmon/internal/serialsrc"
	"envmon/internal/telemetry"
)

// initSerial feeds a locally attached sensor into core alongside the
// broker. It stops when ctx is cancelled.
func initSerial(ctx context.Context, core *telemetry.Core, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Serial.Enabled {
		return
	}
	src := serialsrc.New(serialsrc.Config{
		Port:  cfg.Serial.Port,
		Baud:  cfg.Serial.Baud,
		Topic: core.DataTopic(),
	}, core, logger)
	go func() {
		if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("serial source", "err", err)
		}
	}()
}
