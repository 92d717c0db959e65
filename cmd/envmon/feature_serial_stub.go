//go:build no_serial

package main

import (
	"context"
	"log/slog"

	"envmon/internal/config"
	"envmon/internal/telemetry"
)

func initSerial(_ context.Context, _ *telemetry.Core, _ *config.Config, _ *slog.Logger) {}
