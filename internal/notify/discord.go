package notify

import (
	"context"
	"net/http"
	"time"
)

// DiscordSender delivers notifications to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the message with a bold title. Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, d.client, d.webhookURL, "discord", map[string]string{
		"content": "**" + title + "**\n" + message,
	})
}

// Name returns "discord".
func (d *DiscordSender) Name() string { return "discord" }
