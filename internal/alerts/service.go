// Package alerts stores the dashboard's alert thresholds and pushes them to
// the gateway over MQTT.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"envmon/internal/store"
	"envmon/internal/telemetry"
)

// ErrInvalidConfig is returned for thresholds that cannot be applied.
var ErrInvalidConfig = errors.New("invalid alert config")

// Publisher sends one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// ConfigStore persists the alert configuration.
type ConfigStore interface {
	SaveAlertConfig(cfg *store.AlertConfig) error
	GetAlertConfig() (*store.AlertConfig, error)
	DeleteAlertConfig() error
}

// SaveResult reports the two halves of a save separately: the local write
// and the sync to the gateway.
type SaveResult struct {
	Saved        bool   `json:"saved"`
	Synced       bool   `json:"synced"`
	PublishError string `json:"publish_error,omitempty"`
	PublishErr   error  `json:"-"`
}

// Service saves alert configs locally and forwards them to the gateway.
type Service struct {
	st     ConfigStore
	pub    Publisher
	topic  string
	events *telemetry.EventBus
	logger *slog.Logger
}

// NewService creates an alert service publishing on topic. events may be nil.
func NewService(st ConfigStore, pub Publisher, topic string, events *telemetry.EventBus, logger *slog.Logger) *Service {
	return &Service{
		st:     st,
		pub:    pub,
		topic:  topic,
		events: events,
		logger: logger.With("component", "alerts"),
	}
}

// Validate checks that the thresholds are usable.
func Validate(cfg store.AlertConfig) error {
	for name, v := range map[string]float64{"tempMax": cfg.TempMax, "humMin": cfg.HumMin} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not a finite number", ErrInvalidConfig, name)
		}
	}
	if cfg.HumMin < 0 || cfg.HumMin > 100 {
		return fmt.Errorf("%w: humMin must be between 0 and 100", ErrInvalidConfig)
	}
	return nil
}

// Save persists cfg and then publishes it. A storage failure is returned
// and nothing is published. A publish failure is not an error: the config
// stays saved and the result carries PublishErr.
func (s *Service) Save(ctx context.Context, cfg store.AlertConfig) (*SaveResult, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if cfg.TelegramToken == store.RedactedToken {
		// The client echoed back the masked token; keep the real one.
		prev, err := s.st.GetAlertConfig()
		switch {
		case err == nil:
			cfg.TelegramToken = prev.TelegramToken
		case errors.Is(err, store.ErrNotFound):
			cfg.TelegramToken = ""
		default:
			return nil, err
		}
	}

	if err := s.st.SaveAlertConfig(&cfg); err != nil {
		s.logger.Error("save alert config", "err", err)
		return nil, err
	}
	res := &SaveResult{Saved: true}

	payload, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode alert config: %w", err)
	}
	if err := s.pub.Publish(ctx, s.topic, payload); err != nil {
		s.logger.Warn("alert config saved but not synced", "topic", s.topic, "err", err)
		res.PublishErr = err
		res.PublishError = err.Error()
	} else {
		res.Synced = true
		s.logger.Info("alert config synced", "topic", s.topic)
	}

	s.emit("save", cfg, res)
	return res, nil
}

// Get returns the saved config, or store.ErrNotFound.
func (s *Service) Get() (*store.AlertConfig, error) {
	return s.st.GetAlertConfig()
}

// Delete removes the saved config. The gateway keeps whatever it last
// received.
func (s *Service) Delete() error {
	if err := s.st.DeleteAlertConfig(); err != nil {
		return err
	}
	s.logger.Info("alert config deleted")
	s.emit("delete", store.AlertConfig{}, nil)
	return nil
}

func (s *Service) emit(action string, cfg store.AlertConfig, res *SaveResult) {
	if s.events == nil {
		return
	}
	data := map[string]interface{}{"action": action}
	if res != nil {
		data["config"] = cfg.Redacted()
		data["result"] = res
	}
	s.events.Emit(telemetry.Event{Type: telemetry.EventAlertConfig, Data: data})
}
