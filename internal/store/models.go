package store

// Reading is a normalized sensor sample.
// JSON field names follow the sensor wire format so a persisted history
// round-trips through the same shape the sensor publishes.
type Reading struct {
	Temperature float64  `json:"temperatura"`
	Humidity    float64  `json:"umidade"`
	Timestamp   string   `json:"timestamp"`
	SentAt      *float64 `json:"sent_at,omitempty"` // sender epoch millis
	LatencyMs   float64  `json:"latency"`
}

// AlertConfig holds the alert thresholds edited on the dashboard and
// synchronized to the gateway.
// TelegramToken is kept on disk but hidden from API responses via Redacted.
type AlertConfig struct {
	TelegramToken string  `json:"telegramToken"`
	ChatID        string  `json:"chatId"`
	TempMax       float64 `json:"tempMax"`
	HumMin        float64 `json:"humMin"`
	IsActive      bool    `json:"isActive"`
}

// DefaultAlertConfig matches the thresholds the gateway starts with when no
// configuration has been received yet.
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		TempMax:  30,
		HumMin:   40,
		IsActive: true,
	}
}

// RedactedToken replaces the bot token in API responses.
const RedactedToken = "********"

// Redacted returns a copy safe to hand out over the API.
func (c AlertConfig) Redacted() AlertConfig {
	if c.TelegramToken != "" {
		c.TelegramToken = RedactedToken
	}
	return c
}
