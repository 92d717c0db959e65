// Command envmon-sim publishes synthetic temperature and humidity readings
// for running the dashboard and gateway without hardware.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"envmon/internal/config"
	"envmon/internal/mqtt"
)

func main() {
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := config.Default()
	if len(os.Args) > 1 {
		var err error
		if cfg, err = config.Load(os.Args[1]); err != nil {
			bootLogger.Error("load config", "err", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg, os.Stdout)
	slog.SetDefault(logger)

	sim := mqtt.NewSimulator(mqtt.Config{
		Broker:   cfg.MQTT.Broker,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		ClientID: cfg.MQTT.ClientID + "-sim",
	}, mqtt.SimulatorConfig{
		DataTopic:   cfg.MQTT.DataTopic,
		StatusTopic: cfg.MQTT.StatusTopic,
		Interval:    config.Duration(logger, "simulator.interval", cfg.Simulator.Interval, 0),
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("simulator starting", "broker", cfg.MQTT.Broker, "topic", cfg.MQTT.DataTopic)
	if err := sim.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("simulator", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}
