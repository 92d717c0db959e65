package mqtt

import (
	"context"
	"fmt"
	"log/slog"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// OneShotPublisher opens a dedicated connection per publish. It shares no
// state with the Listener, so a slow broker never stalls ingestion.
type OneShotPublisher struct {
	cfg    Config
	logger *slog.Logger
}

// NewOneShotPublisher returns a publisher for the given broker.
func NewOneShotPublisher(cfg Config, logger *slog.Logger) *OneShotPublisher {
	return &OneShotPublisher{cfg: cfg, logger: logger.With("component", "mqtt-publish")}
}

// Publish connects, sends payload at QoS 1 (not retained), waits for the
// broker acknowledgment and disconnects. Failures wrap ErrPublish.
func (p *OneShotPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.publishTimeout())
	defer cancel()

	opts := newClientOptions(p.cfg).
		SetAutoReconnect(false).
		SetConnectRetry(false)
	client := pahomqtt.NewClient(opts)
	defer client.Disconnect(250)

	if err := waitToken(ctx, client.Connect()); err != nil {
		return fmt.Errorf("%w: connect %s: %v", ErrPublish, p.cfg.Broker, err)
	}
	if err := waitToken(ctx, client.Publish(topic, 1, false, payload)); err != nil {
		return fmt.Errorf("%w: topic %s: %v", ErrPublish, topic, err)
	}
	p.logger.Info("published", "topic", topic, "bytes", len(payload))
	return nil
}
