package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// ErrNotifyConfig is returned when a message cannot be sent because no
// token or chat id is configured.
var ErrNotifyConfig = errors.New("notifier not configured")

// Telegram sends messages through the Bot API.
type Telegram struct {
	apiURL string
	client *http.Client
	logger *slog.Logger
}

// NewTelegram creates a notifier. An empty apiURL selects the public API.
func NewTelegram(apiURL string, logger *slog.Logger) *Telegram {
	if apiURL == "" {
		apiURL = DefaultTelegramAPI
	}
	return &Telegram{
		apiURL: strings.TrimRight(apiURL, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With("component", "telegram"),
	}
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// Send posts text to chatID using the given bot token.
func (t *Telegram) Send(ctx context.Context, token, chatID, text string) error {
	if token == "" || chatID == "" {
		return ErrNotifyConfig
	}

	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL carries the token; keep it out of logs.
		return fmt.Errorf("telegram send: %w", errors.Unwrap(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram send: status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	t.logger.Debug("telegram message sent", "chat_id", chatID)
	return nil
}
