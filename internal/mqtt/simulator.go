package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const defaultSimInterval = 2 * time.Second

// SimulatorConfig configures a synthetic sensor.
type SimulatorConfig struct {
	DataTopic   string
	StatusTopic string
	Interval    time.Duration
}

// SimulatedReading is the payload a sensor publishes on the data topic.
type SimulatedReading struct {
	Temperature float64 `json:"temperatura"`
	Humidity    float64 `json:"umidade"`
	Timestamp   string  `json:"timestamp"`
	SentAt      float64 `json:"sent_at"`
}

// Simulator publishes random readings like a field sensor: a retained
// "online" status on connect, an "offline" last will and one reading per
// interval.
type Simulator struct {
	cfg    SimulatorConfig
	client pahomqtt.Client
	rng    *rand.Rand
	logger *slog.Logger
}

// NewSimulator builds a simulator on the given broker settings.
func NewSimulator(broker Config, cfg SimulatorConfig, logger *slog.Logger) *Simulator {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSimInterval
	}
	s := &Simulator{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger.With("component", "simulator"),
	}
	opts := newClientOptions(broker).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(broker.retryInterval()).
		SetWill(cfg.StatusTopic, "offline", 1, true).
		SetOnConnectHandler(s.announce)
	s.client = pahomqtt.NewClient(opts)
	return s
}

func (s *Simulator) announce(c pahomqtt.Client) {
	c.Publish(s.cfg.StatusTopic, 1, true, "online")
	s.logger.Info("sensor online", "status_topic", s.cfg.StatusTopic)
}

// Run connects and publishes until ctx is cancelled. On a clean stop the
// status is set to "offline" explicitly since the will only fires on an
// abnormal disconnect.
func (s *Simulator) Run(ctx context.Context) error {
	// Disconnect also ends paho's connect-retry loop when the first
	// connect never completes.
	defer s.client.Disconnect(250)
	if err := waitToken(ctx, s.client.Connect()); err != nil {
		return fmt.Errorf("%w: connect: %v", ErrTransport, err)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.client.Publish(s.cfg.StatusTopic, 1, true, "offline").WaitTimeout(time.Second)
			return ctx.Err()
		case t := <-ticker.C:
			payload, err := json.Marshal(s.Next(t))
			if err != nil {
				return err
			}
			s.client.Publish(s.cfg.DataTopic, 0, false, payload)
			s.logger.Debug("published reading", "bytes", len(payload))
		}
	}
}

// Next draws a reading stamped with t: temperature in [25, 35) rounded to
// two decimals and humidity in [30, 60) rounded to one.
func (s *Simulator) Next(t time.Time) SimulatedReading {
	return SimulatedReading{
		Temperature: roundTo(25+s.rng.Float64()*10, 2),
		Humidity:    roundTo(30+s.rng.Float64()*30, 1),
		Timestamp:   t.Format("15:04:05"),
		SentAt:      float64(t.UnixMilli()),
	}
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
