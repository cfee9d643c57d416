// Package slack posts scheduler alerts to a Slack incoming webhook.
package slack

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

const providerName = "slack"

// Notifier sends alerts to Slack via incoming webhook.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
}

// NewNotifier creates a Slack notifier. A nil client means http.DefaultClient.
func NewNotifier(webhookURL string, client *http.Client) *Notifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &Notifier{webhookURL: webhookURL, httpClient: client}
}

func (n *Notifier) Name() string { return providerName }

// message is the Block Kit payload.
type message struct {
	Text   string  `json:"text"` // fallback for push notifications
	Blocks []block `json:"blocks"`
}

type block struct {
	Type string `json:"type"`
	Text *text  `json:"text,omitempty"`
}

type text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func buildMessage(a notifier.Notification) message {
	header := levelTag(a.Level) + " " + a.Title
	msg := message{
		Text: header,
		Blocks: []block{
			{Type: "header", Text: &text{Type: "plain_text", Text: header}},
			{Type: "section", Text: &text{Type: "mrkdwn", Text: a.Message}},
		},
	}
	if a.Source != "" {
		msg.Blocks = append(msg.Blocks, block{
			Type: "section",
			Text: &text{Type: "mrkdwn", Text: fmt.Sprintf("_event: %s_", a.Source)},
		})
	}
	return msg
}

func (n *Notifier) Send(ctx context.Context, a notifier.Notification) error {
	if n.webhookURL == "" {
		return notifier.ErrNotConfigured
	}

	body, err := json.Marshal(buildMessage(a))
	if err != nil {
		return fmt.Errorf("slack marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req) //nolint:gosec // webhook URL from trusted config
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("slack webhook %d: %s", resp.StatusCode, strings.ToValidUTF8(string(respBody), ""))
	}
	return nil
}

func levelTag(level string) string {
	switch level {
	case notifier.LevelError:
		return "[ERROR]"
	case notifier.LevelWarning:
		return "[WARN]"
	default:
		return "[INFO]"
	}
}
