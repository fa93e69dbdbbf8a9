package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// TelegramChannel delivers alerts through the Telegram bot API.
type TelegramChannel struct {
	chatID string
	client *resty.Client
}

// NewTelegramChannel creates a channel for the given bot token and chat.
// An empty token or chat id makes Send a silent no-op, so a dry-run config
// can leave Telegram unconfigured.
func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	c := &TelegramChannel{chatID: chatID}
	if botToken != "" {
		c.client = resty.New().
			SetBaseURL("https://api.telegram.org/bot" + botToken).
			SetTimeout(5 * time.Second)
	}
	return c
}

// Name implements Channel.
func (t *TelegramChannel) Name() string { return "telegram" }

// Send implements Channel.
func (t *TelegramChannel) Send(ctx context.Context, alert Payload) error {
	if t.client == nil || t.chatID == "" {
		return nil
	}

	icon := "ℹ️"
	switch alert.Level {
	case Warning:
		icon = "⚠️"
	case Error:
		icon = "❌"
	case Critical:
		icon = "🚨"
	}
	text := fmt.Sprintf("%s *[%s] %s*\n\n%s", icon, alert.Level, alert.Title, alert.Message)
	for k, v := range alert.Fields {
		text += fmt.Sprintf("\n- *%s*: %s", k, v)
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"chat_id":    t.chatID,
			"text":       text,
			"parse_mode": "Markdown",
		}).
		Post("/sendMessage")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("telegram api failed with status: %d", resp.StatusCode())
	}
	return nil
}
