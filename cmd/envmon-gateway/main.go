// Command envmon-gateway applies alert configs received over MQTT and
// sends Telegram notifications when readings cross the thresholds.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"envmon/internal/config"
	"envmon/internal/gateway"
	"envmon/internal/mqtt"
	"envmon/internal/store"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("envmon-gateway starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	var rule gateway.Checker
	if cfg.Gateway.RuleScript != "" {
		r, err := gateway.LoadRule(cfg.Gateway.RuleScript, logger)
		if err != nil {
			logger.Error("load rule script", "path", cfg.Gateway.RuleScript, "err", err)
			os.Exit(1)
		}
		defer r.Close()
		rule = r
		logger.Info("alert rule loaded", "path", cfg.Gateway.RuleScript)
	}

	gw, err := gateway.New(db, gateway.NewTelegram(cfg.Telegram.APIURL, logger), rule, gateway.Config{
		DataTopic:   cfg.MQTT.DataTopic,
		ConfigTopic: cfg.MQTT.ConfigTopic,
		Cooldown:    config.Duration(logger, "gateway.cooldown", cfg.Gateway.Cooldown, gateway.DefaultCooldown),
		LogCapacity: cfg.Gateway.LogCapacity,
		BotToken:    cfg.Telegram.BotToken,
		QueueSize:   cfg.MQTT.QueueSize,
	}, logger)
	if err != nil {
		logger.Error("start gateway", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := gw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("gateway", "err", err)
		}
	}()

	listener := mqtt.NewListener(mqtt.Config{
		Broker:         cfg.MQTT.Broker,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ClientID:       cfg.MQTT.ClientID + "-gateway",
		Subscriptions:  gw.Subscriptions(),
		ConnectTimeout: config.Duration(logger, "mqtt.connect_timeout", cfg.MQTT.ConnectTimeout, 10*time.Second),
	}, gw, logger)
	if err := listener.Start(ctx); err != nil {
		logger.Error("mqtt listener", "err", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	listener.Stop()
	cancel()
	<-done
	logger.Info("goodbye")
}
