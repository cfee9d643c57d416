// Package discord posts scheduler alerts to a Discord webhook as embeds.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Strob0t/Conclave/internal/port/notifier"
)

const providerName = "discord"

// Discord rejects embed descriptions longer than this.
const maxDescription = 4096

// Notifier sends alerts to Discord via webhook.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
}

// NewNotifier creates a Discord notifier. A nil client means http.DefaultClient.
func NewNotifier(webhookURL string, client *http.Client) *Notifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &Notifier{webhookURL: webhookURL, httpClient: client}
}

func (n *Notifier) Name() string { return providerName }

type webhook struct {
	Embeds []embed `json:"embeds"`
}

type embed struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Color       int     `json:"color"`
	Footer      *footer `json:"footer,omitempty"`
}

type footer struct {
	Text string `json:"text"`
}

func buildWebhook(a notifier.Notification) webhook {
	desc := a.Message
	// The limit counts characters, not bytes.
	if r := []rune(desc); len(r) > maxDescription {
		desc = string(r[:maxDescription-3]) + "..."
	}
	e := embed{Title: a.Title, Description: desc, Color: levelColor(a.Level)}
	if a.Source != "" {
		e.Footer = &footer{Text: "event: " + a.Source}
	}
	return webhook{Embeds: []embed{e}}
}

func (n *Notifier) Send(ctx context.Context, a notifier.Notification) error {
	if n.webhookURL == "" {
		return notifier.ErrNotConfigured
	}

	body, err := json.Marshal(buildWebhook(a))
	if err != nil {
		return fmt.Errorf("discord marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req) //nolint:gosec // webhook URL from trusted config
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// 204 on success
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord webhook %d: %s", resp.StatusCode, strings.ToValidUTF8(string(respBody), ""))
	}
	return nil
}

func levelColor(level string) int {
	switch level {
	case notifier.LevelError:
		return 0xE74C3C // red
	case notifier.LevelWarning:
		return 0xF39C12 // orange
	default:
		return 0x3498DB // blue
	}
}

func init() {
	notifier.Register(providerName, func(webhookURL string, client *http.Client) notifier.Notifier {
		return NewNotifier(webhookURL, client)
	})
}
