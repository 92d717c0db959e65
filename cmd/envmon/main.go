package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"envmon/internal/alerts"
	"envmon/internal/config"
	"envmon/internal/mqtt"
	"envmon/internal/store"
	"envmon/internal/telemetry"
	"envmon/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
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
	logger.Info("envmon starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	events := telemetry.NewEventBus(logger)
	core, err := telemetry.New(db, events, telemetry.Config{
		DataTopic:       cfg.MQTT.DataTopic,
		StatusTopic:     cfg.MQTT.StatusTopic,
		HistoryCapacity: cfg.History.Capacity,
		QueueSize:       cfg.MQTT.QueueSize,
	}, logger)
	if err != nil {
		logger.Error("load history", "err", err)
		os.Exit(1)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	coreDone := make(chan struct{})
	go func() {
		defer close(coreDone)
		core.Run(runCtx)
	}()

	brokerCfg := mqtt.Config{
		Broker:         cfg.MQTT.Broker,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ClientID:       cfg.MQTT.ClientID,
		ConnectTimeout: config.Duration(logger, "mqtt.connect_timeout", cfg.MQTT.ConnectTimeout, 10*time.Second),
		PublishTimeout: config.Duration(logger, "mqtt.publish_timeout", cfg.MQTT.PublishTimeout, 5*time.Second),
	}

	alertSvc := alerts.NewService(db, mqtt.NewOneShotPublisher(brokerCfg, logger), cfg.MQTT.ConfigTopic, events, logger)

	// Optional subsystems (no-ops when built without them).
	webOpts := initMetrics(events, cfg, logger)
	initSerial(runCtx, core, cfg, logger)

	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webServer := web.NewServer(core, alertSvc, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	listenerCfg := brokerCfg
	listenerCfg.Subscriptions = map[string]byte{
		cfg.MQTT.DataTopic:   0,
		cfg.MQTT.StatusTopic: 0,
	}
	listener := mqtt.NewListener(listenerCfg, core, logger)
	if err := listener.Start(runCtx); err != nil {
		// The listener keeps retrying; the dashboard shows the error status.
		logger.Error("mqtt listener", "err", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	listener.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	cancelRun()
	<-coreDone

	logger.Info("goodbye")
}
