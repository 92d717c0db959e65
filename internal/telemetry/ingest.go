package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"envmon/internal/store"
)

// ErrMalformed is returned for data payloads that cannot be parsed into a
// reading. Such messages are dropped; ingestion continues.
var ErrMalformed = errors.New("malformed payload")

// Message is one transport delivery, stamped on arrival.
type Message struct {
	Topic     string
	Payload   []byte
	ArrivedAt time.Time
}

// wirePayload is the data-channel JSON object.
type wirePayload struct {
	Temperature float64  `json:"temperatura"`
	Humidity    float64  `json:"umidade"`
	Timestamp   string   `json:"timestamp"`
	SentAt      *float64 `json:"sent_at"`
}

// ParseReading decodes a data-channel payload and computes its latency
// against arrival. It returns the reading and the packet size in bytes.
func ParseReading(raw []byte, arrival time.Time) (store.Reading, int, error) {
	size := len(raw)
	if !utf8.Valid(raw) {
		return store.Reading{}, size, fmt.Errorf("%w: invalid utf-8", ErrMalformed)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return store.Reading{}, size, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	var p wirePayload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return store.Reading{}, size, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	r := store.Reading{
		Temperature: p.Temperature,
		Humidity:    p.Humidity,
		Timestamp:   p.Timestamp,
	}
	// A zero sent_at is treated the same as an absent one.
	if p.SentAt != nil && *p.SentAt != 0 {
		sent := *p.SentAt
		r.SentAt = &sent
		r.LatencyMs = Latency(sent, arrival)
	}
	return r, size, nil
}

// Latency returns arrival minus sentAt in milliseconds, clamped at zero.
// Sender clocks running ahead of ours would otherwise produce negative values.
func Latency(sentAtMillis float64, arrival time.Time) float64 {
	lat := float64(arrival.UnixMilli()) - sentAtMillis
	if lat < 0 {
		return 0
	}
	return lat
}
