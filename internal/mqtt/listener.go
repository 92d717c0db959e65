package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"envmon/internal/telemetry"
)

var (
	// ErrTransport is returned when the broker cannot be reached or rejects
	// the session.
	ErrTransport = errors.New("mqtt transport")
	// ErrPublish is returned when a one-shot publish does not complete.
	ErrPublish = errors.New("mqtt publish")
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultRetryInterval  = 5 * time.Second
)

// Config holds broker connection settings shared by the listener and the
// one-shot publisher.
type Config struct {
	Broker   string
	Username string
	Password string
	// ClientID is used as a prefix; a random suffix keeps concurrent
	// processes from kicking each other off the broker.
	ClientID string
	// Subscriptions maps topic filters to their QoS.
	Subscriptions  map[string]byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	// RetryInterval spaces connect attempts until the first session is up.
	RetryInterval time.Duration
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return defaultConnectTimeout
}

func (c Config) retryInterval() time.Duration {
	if c.RetryInterval > 0 {
		return c.RetryInterval
	}
	return defaultRetryInterval
}

func (c Config) publishTimeout() time.Duration {
	if c.PublishTimeout > 0 {
		return c.PublishTimeout
	}
	return defaultPublishTimeout
}

// Sink receives transport events. Deliver must not block.
type Sink interface {
	Deliver(msg telemetry.Message) bool
	Connected(at time.Time)
	ConnectionLost(err error)
}

// statusSetter is implemented by sinks that display intermediate states.
type statusSetter interface {
	SetConnectionStatus(status string)
}

// Listener keeps a long-lived subscription and forwards every message to a
// Sink stamped with its arrival time. Until the first session is up the
// listener retries on its own so every failed attempt reaches the sink;
// after that paho's auto-reconnect takes over.
type Listener struct {
	client pahomqtt.Client
	cfg    Config
	sink   Sink
	logger *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewListener builds a listener. It does not connect until Start.
func NewListener(cfg Config, sink Sink, logger *slog.Logger) *Listener {
	l := &Listener{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With("component", "mqtt"),
		stop:   make(chan struct{}),
	}

	opts := newClientOptions(cfg).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetOnConnectHandler(l.onConnect).
		SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
			l.logger.Info("MQTT reconnecting", "broker", cfg.Broker)
			l.setStatus(telemetry.ConnConnecting)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			l.logger.Warn("MQTT connection lost", "err", err)
			l.sink.ConnectionLost(err)
		})

	l.client = pahomqtt.NewClient(opts)
	return l
}

// Start connects to the broker. A failed first attempt sets the status to
// "error: <reason>" and returns ErrTransport; the listener keeps retrying
// in the background every RetryInterval until it connects or Stop is
// called, reporting each failure the same way.
func (l *Listener) Start(ctx context.Context) error {
	l.setStatus(telemetry.ConnConnecting)
	l.logger.Info("MQTT connecting", "broker", l.cfg.Broker)

	err := l.connect(ctx)
	if err == nil {
		return nil
	}
	l.connectFailed(err)

	l.wg.Add(1)
	go l.retry()
	return err
}

// connect makes one attempt. paho bounds it with the connect timeout.
func (l *Listener) connect(ctx context.Context) error {
	if err := waitToken(ctx, l.client.Connect()); err != nil {
		return fmt.Errorf("%w: connect %s: %v", ErrTransport, l.cfg.Broker, err)
	}
	return nil
}

func (l *Listener) connectFailed(err error) {
	l.logger.Warn("MQTT connect failed", "broker", l.cfg.Broker, "err", err,
		"retry_in", l.cfg.retryInterval())
	l.setStatus("error: " + err.Error())
}

func (l *Listener) retry() {
	defer l.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-l.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	timer := time.NewTimer(l.cfg.retryInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		l.setStatus(telemetry.ConnConnecting)
		err := l.connect(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		l.connectFailed(err)
		timer.Reset(l.cfg.retryInterval())
	}
}

// Stop ends any pending connect retries, disconnects and waits briefly for
// in-flight work.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()
	l.client.Disconnect(250)
	l.setStatus(telemetry.ConnDisconnected)
	l.logger.Info("MQTT listener stopped")
}

// IsConnected reports whether the client currently holds a session.
func (l *Listener) IsConnected() bool {
	return l.client.IsConnectionOpen()
}

func (l *Listener) onConnect(c pahomqtt.Client) {
	l.logger.Info("MQTT connected", "broker", l.cfg.Broker)
	if len(l.cfg.Subscriptions) > 0 {
		token := c.SubscribeMultiple(l.cfg.Subscriptions, l.onMessage)
		if !token.WaitTimeout(l.cfg.connectTimeout()) {
			l.logger.Warn("MQTT subscribe timeout")
		} else if err := token.Error(); err != nil {
			l.logger.Error("MQTT subscribe", "err", err)
		}
	}
	l.sink.Connected(time.Now())
}

func (l *Listener) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	l.sink.Deliver(telemetry.Message{
		Topic:     msg.Topic(),
		Payload:   msg.Payload(),
		ArrivedAt: time.Now(),
	})
}

func (l *Listener) setStatus(status string) {
	if s, ok := l.sink.(statusSetter); ok {
		s.SetConnectionStatus(status)
	}
}

func newClientOptions(cfg Config) *pahomqtt.ClientOptions {
	prefix := cfg.ClientID
	if prefix == "" {
		prefix = "envmon"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(prefix + "-" + uuid.NewString()).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetConnectTimeout(cfg.connectTimeout())
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	return opts
}

// waitToken blocks until the token completes or ctx is done.
func waitToken(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
