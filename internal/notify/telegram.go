package notify

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender delivers notifications through the Telegram Bot API.
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for a bot token and chat id.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		baseURL: telegramAPI,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// WithBaseURL points the sender at another Bot API host.
func (t *TelegramSender) WithBaseURL(u string) *TelegramSender {
	t.baseURL = strings.TrimRight(u, "/")
	return t
}

// Send posts title and message as plain text to the chat.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, t.client, t.baseURL+"/bot"+t.token+"/sendMessage", "telegram", map[string]any{
		"chat_id":                  t.chatID,
		"text":                     title + "\n" + message,
		"disable_web_page_preview": true,
	})
}

// Name returns "telegram".
func (t *TelegramSender) Name() string { return "telegram" }
