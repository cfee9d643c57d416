// Package ollama implements the provider port for a local Ollama service,
// typically the terminal backend of a fallback chain.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/Conclave/internal/adapter/llmjson"
	"github.com/Strob0t/Conclave/internal/domain"
	"github.com/Strob0t/Conclave/internal/domain/decision"
	domprov "github.com/Strob0t/Conclave/internal/domain/provider"
	"github.com/Strob0t/Conclave/internal/port/provider"
)

const maxResponseBody = 1 << 20

// Client calls /api/chat on an Ollama server.
type Client struct {
	cfg        domprov.Config
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a client for the given provider config. hc may be nil.
func NewClient(cfg domprov.Config, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	cfg = cfg.WithDefaults()
	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: hc,
		now:        time.Now,
	}
}

var _ provider.Client = (*Client)(nil)

func (c *Client) systemPrompt() string {
	if c.cfg.SystemPrompt != "" {
		return c.cfg.SystemPrompt
	}
	return llmjson.SystemPrompt
}

// ID returns the provider ID.
func (c *Client) ID() string { return c.cfg.ID }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error"`
}

// Invoke asks the local model for a decision.
func (c *Client) Invoke(ctx context.Context, payload string) (decision.Response, error) {
	start := c.now()
	resp := decision.Response{ProviderID: c.cfg.ID}
	fail := func(err error) (decision.Response, error) {
		resp.Latency = c.now().Sub(start)
		resp.Err = err
		return resp, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.BaseTimeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []message{
			{Role: "system", Content: c.systemPrompt()},
			{Role: "user", Content: payload},
		},
		Format:  "json",
		Options: map[string]any{"temperature": 0.2},
	})
	if err != nil {
		return fail(provider.Malformed(c.cfg.ID, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fail(provider.NewError(c.cfg.ID, domain.ErrUnavailable, err))
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(provider.FromTransport(c.cfg.ID, fmt.Errorf("ollama request: %w", err)))
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return fail(provider.FromTransport(c.cfg.ID, fmt.Errorf("read response: %w", err)))
	}
	if httpResp.StatusCode >= 400 {
		return fail(provider.FromStatus(c.cfg.ID, httpResp.StatusCode, httpResp.Header, string(data)))
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return fail(provider.Malformed(c.cfg.ID, fmt.Errorf("decode chat response: %w", err)))
	}
	if cr.Error != "" {
		return fail(provider.NewError(c.cfg.ID, domain.ErrUnavailable, errors.New(cr.Error)))
	}
	ans, err := llmjson.Parse(cr.Message.Content)
	if err != nil {
		return fail(provider.Malformed(c.cfg.ID, err))
	}

	resp.Payload = ans.Decision
	resp.Confidence = ans.Confidence
	resp.Latency = c.now().Sub(start)
	return resp, nil
}
