// Package config loads the YAML configuration shared by the envmon binaries.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default topics used by the deployed sensor firmware.
const (
	DefaultDataTopic   = "projeto_redes/sensor/dados"
	DefaultStatusTopic = "projeto_redes/sensor/status"
	DefaultConfigTopic = "projeto_redes/config/alertas"
)

type Config struct {
	MQTT struct {
		Broker         string `yaml:"broker"`
		Username       string `yaml:"username"`
		Password       string `yaml:"password"`
		ClientID       string `yaml:"client_id"`
		DataTopic      string `yaml:"data_topic"`
		StatusTopic    string `yaml:"status_topic"`
		ConfigTopic    string `yaml:"config_topic"`
		ConnectTimeout string `yaml:"connect_timeout"`
		PublishTimeout string `yaml:"publish_timeout"`
		QueueSize      int    `yaml:"queue_size"`
	} `yaml:"mqtt"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	History struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"history"`
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
	Serial struct {
		Enabled bool   `yaml:"enabled"`
		Port    string `yaml:"port"`
		Baud    int    `yaml:"baud"`
	} `yaml:"serial"`
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		APIURL   string `yaml:"api_url"`
	} `yaml:"telegram"`
	Gateway struct {
		Cooldown    string `yaml:"cooldown"`
		LogCapacity int    `yaml:"log_capacity"`
		RuleScript  string `yaml:"rule_script"`
	} `yaml:"gateway"`
	Simulator struct {
		Interval string `yaml:"interval"`
	} `yaml:"simulator"`
}

// Load reads path and fills in defaults. A missing file is an error; use
// Default for a zero-config start.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and fills in defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "envmon"
	}
	if c.MQTT.DataTopic == "" {
		c.MQTT.DataTopic = DefaultDataTopic
	}
	if c.MQTT.StatusTopic == "" {
		c.MQTT.StatusTopic = DefaultStatusTopic
	}
	if c.MQTT.ConfigTopic == "" {
		c.MQTT.ConfigTopic = DefaultConfigTopic
	}
	if c.MQTT.QueueSize == 0 {
		c.MQTT.QueueSize = 256
	}
	if c.Store.Path == "" {
		c.Store.Path = "envmon.db"
	}
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.History.Capacity == 0 {
		c.History.Capacity = 50
	}
	if c.Serial.Baud == 0 {
		c.Serial.Baud = 115200
	}
	if c.Gateway.LogCapacity == 0 {
		c.Gateway.LogCapacity = 2000
	}
}

// Validate reports settings that would prevent startup.
func (c *Config) Validate() error {
	u, err := url.Parse(c.MQTT.Broker)
	if err != nil || u.Host == "" {
		return fmt.Errorf("mqtt.broker must be a URL like tcp://host:1883, got %q", c.MQTT.Broker)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
	default:
		return fmt.Errorf("mqtt.broker: unsupported scheme %q", u.Scheme)
	}
	topics := map[string]string{
		"mqtt.data_topic":   c.MQTT.DataTopic,
		"mqtt.status_topic": c.MQTT.StatusTopic,
		"mqtt.config_topic": c.MQTT.ConfigTopic,
	}
	for name, topic := range topics {
		if strings.ContainsAny(topic, "+#") {
			return fmt.Errorf("%s must not contain wildcards, got %q", name, topic)
		}
	}
	if c.MQTT.DataTopic == c.MQTT.StatusTopic {
		return fmt.Errorf("mqtt.data_topic and mqtt.status_topic must differ")
	}
	if c.History.Capacity < 1 {
		return fmt.Errorf("history.capacity must be positive, got %d", c.History.Capacity)
	}
	if c.MQTT.QueueSize < 1 {
		return fmt.Errorf("mqtt.queue_size must be positive, got %d", c.MQTT.QueueSize)
	}
	if c.Gateway.LogCapacity < 1 {
		return fmt.Errorf("gateway.log_capacity must be positive, got %d", c.Gateway.LogCapacity)
	}
	if c.Serial.Enabled && c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required when serial is enabled")
	}
	return nil
}

// Duration parses a duration setting, falling back to def with a warning
// when the value is empty or invalid.
func Duration(logger *slog.Logger, name, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		logger.Warn("invalid "+name+", using default", "value", value, "default", def)
		return def
	}
	return d
}

// NewLogger builds the process logger from the log section.
func NewLogger(c *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(c.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
