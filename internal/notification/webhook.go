// Package notification posts optional run reports to a webhook. When no
// webhook URL is configured both functions are no-ops.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/terensis/basetiffs/internal/properties"
)

type WebhookMessage struct {
	Embeds []WebhookEmbed `json:"embeds"`
}

type WebhookEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

func SendErrorNotification(errorMessage string) error {
	return send(WebhookEmbed{
		Title:       "🚨 basetiffs run failed",
		Description: errorMessage,
		Color:       16711680, // Red color
	})
}

func SendSuccessNotification(successMessage string) error {
	return send(WebhookEmbed{
		Title:       "✅ basetiffs run complete",
		Description: successMessage,
		Color:       65280, // Green color
	})
}

func send(embed WebhookEmbed) error {
	url := properties.WebhookNotificationURL()
	if url == "" {
		return nil
	}

	payload, err := json.Marshal(WebhookMessage{Embeds: []WebhookEmbed{embed}})
	if err != nil {
		return err
	}

	resp, err := http.Post(url, "application/json", bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to send webhook notification, status code: %d", resp.StatusCode)
	}

	return nil
}
