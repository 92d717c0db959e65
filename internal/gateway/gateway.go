// Package gateway is the broker-side alert service. It keeps a rotating log
// of readings, applies remote alert configuration and sends threshold
// notifications.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"envmon/internal/alerts"
	"envmon/internal/store"
	"envmon/internal/telemetry"
)

const (
	DefaultCooldown    = 10 * time.Second
	DefaultLogCapacity = 2000

	alertPrefix   = "[SYSTEM ALERT]\n\n"
	configUpdated = "System configuration updated successfully."
)

// Notifier delivers alert text to a chat.
type Notifier interface {
	Send(ctx context.Context, token, chatID, text string) error
}

// Checker is an extra alert rule evaluated after the thresholds.
type Checker interface {
	Check(ctx context.Context, r store.Reading, cfg store.AlertConfig) (string, error)
}

// Config configures the gateway.
type Config struct {
	DataTopic   string
	ConfigTopic string
	Cooldown    time.Duration
	LogCapacity int
	// BotToken is used when the received alert config carries none.
	BotToken  string
	QueueSize int
}

// Gateway consumes sensor data and config updates from the broker.
type Gateway struct {
	cfg      Config
	st       store.GatewayStore
	notifier Notifier
	rule     Checker
	logger   *slog.Logger
	queue    chan telemetry.Message
	now      func() time.Time

	mu        sync.Mutex
	alert     store.AlertConfig
	lastAlert time.Time
}

// New creates a gateway and loads the last persisted alert config. rule may
// be nil.
func New(st store.GatewayStore, notifier Notifier, rule Checker, cfg Config, logger *slog.Logger) (*Gateway, error) {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = DefaultLogCapacity
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	g := &Gateway{
		cfg:      cfg,
		st:       st,
		notifier: notifier,
		rule:     rule,
		logger:   logger.With("component", "gateway"),
		queue:    make(chan telemetry.Message, cfg.QueueSize),
		now:      time.Now,
		alert:    store.DefaultAlertConfig(),
	}

	saved, err := st.GetGatewayConfig()
	switch {
	case err == nil:
		g.alert = *saved
		g.logger.Info("alert config loaded", "config", g.alert.Redacted())
	case errors.Is(err, store.ErrNotFound):
		g.logger.Info("no saved alert config, using defaults")
	default:
		return nil, fmt.Errorf("load gateway config: %w", err)
	}
	return g, nil
}

// Subscriptions returns the topics and QoS levels the gateway listens on.
func (g *Gateway) Subscriptions() map[string]byte {
	return map[string]byte{
		g.cfg.DataTopic:   0,
		g.cfg.ConfigTopic: 1,
	}
}

// Deliver enqueues a message without blocking.
func (g *Gateway) Deliver(msg telemetry.Message) bool {
	select {
	case g.queue <- msg:
		return true
	default:
		g.logger.Warn("gateway queue full, dropping message", "topic", msg.Topic)
		return false
	}
}

// Connected logs a new broker session.
func (g *Gateway) Connected(time.Time) {
	g.logger.Info("gateway subscribed", "data", g.cfg.DataTopic, "config", g.cfg.ConfigTopic)
}

// ConnectionLost is a no-op; the listener logs and reconnects.
func (g *Gateway) ConnectionLost(error) {}

// Run processes queued messages until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-g.queue:
			if err := g.HandleMessage(ctx, msg); err != nil {
				g.logger.Warn("message not processed", "topic", msg.Topic, "err", err)
			}
		}
	}
}

// HandleMessage routes one message by topic.
func (g *Gateway) HandleMessage(ctx context.Context, msg telemetry.Message) error {
	switch msg.Topic {
	case g.cfg.DataTopic:
		return g.HandleReading(ctx, msg.Payload, msg.ArrivedAt)
	case g.cfg.ConfigTopic:
		return g.HandleConfig(ctx, msg.Payload)
	default:
		return nil
	}
}

// HandleConfig merges a partial config update onto the current one,
// persists it and confirms over Telegram when a chat id is set.
func (g *Gateway) HandleConfig(ctx context.Context, payload []byte) error {
	g.mu.Lock()
	next := g.alert
	g.mu.Unlock()

	// Fields absent from payload keep their current values.
	if err := json.Unmarshal(payload, &next); err != nil {
		return fmt.Errorf("%w: config: %v", telemetry.ErrMalformed, err)
	}
	if err := alerts.Validate(next); err != nil {
		return err
	}
	if err := g.st.SaveGatewayConfig(&next); err != nil {
		g.logger.Error("save gateway config", "err", err)
	}

	g.mu.Lock()
	g.alert = next
	g.mu.Unlock()
	g.logger.Info("remote alert config applied", "config", next.Redacted())

	if next.ChatID != "" {
		g.notify(ctx, next, configUpdated)
	}
	return nil
}

// HandleReading logs a data payload and evaluates the thresholds.
func (g *Gateway) HandleReading(ctx context.Context, payload []byte, arrivedAt time.Time) error {
	r, _, err := telemetry.ParseReading(payload, arrivedAt)
	if err != nil {
		return err
	}
	if err := g.st.AppendLog(r, g.cfg.LogCapacity); err != nil {
		g.logger.Error("append reading log", "err", err)
	}
	g.logger.Debug("reading", "temp", r.Temperature, "hum", r.Humidity)

	msg, fire := g.Evaluate(ctx, r)
	if !fire {
		return nil
	}
	g.mu.Lock()
	cfg := g.alert
	g.mu.Unlock()
	g.logger.Info("alert threshold reached", "temp", r.Temperature, "hum", r.Humidity)
	g.notify(ctx, cfg, msg)
	return nil
}

// Evaluate builds the alert text for r and reports whether it should be
// sent. A positive result starts the cooldown.
func (g *Gateway) Evaluate(ctx context.Context, r store.Reading) (string, bool) {
	g.mu.Lock()
	cfg := g.alert
	now := g.now()
	cooling := !g.lastAlert.IsZero() && now.Sub(g.lastAlert) <= g.cfg.Cooldown
	g.mu.Unlock()

	if !cfg.IsActive || cooling {
		return "", false
	}

	var b strings.Builder
	if r.Temperature > cfg.TempMax {
		fmt.Fprintf(&b, "High Temperature detected: %gC (Limit: %gC)\n", r.Temperature, cfg.TempMax)
	}
	if r.Humidity < cfg.HumMin {
		fmt.Fprintf(&b, "Low Humidity detected: %g%% (Limit: %g%%)\n", r.Humidity, cfg.HumMin)
	}
	if g.rule != nil {
		extra, err := g.rule.Check(ctx, r, cfg)
		if err != nil {
			g.logger.Warn("rule failed", "err", err)
		} else if extra != "" {
			b.WriteString(extra)
			b.WriteString("\n")
		}
	}
	if b.Len() == 0 {
		return "", false
	}

	g.mu.Lock()
	g.lastAlert = now
	g.mu.Unlock()
	return b.String(), true
}

// AlertConfig returns the active configuration.
func (g *Gateway) AlertConfig() store.AlertConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.alert
}

func (g *Gateway) notify(ctx context.Context, cfg store.AlertConfig, text string) {
	if cfg.ChatID == "" {
		g.logger.Warn("alert triggered but chat id is missing")
		return
	}
	token := cfg.TelegramToken
	if token == "" {
		token = g.cfg.BotToken
	}
	if err := g.notifier.Send(ctx, token, cfg.ChatID, alertPrefix+text); err != nil {
		g.logger.Error("telegram notification", "err", err)
	}
}
