// Package litellm implements the provider port over the OpenAI-compatible
// chat completions API exposed by LiteLLM Proxy and most cloud accounts.
package litellm

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

// Client talks to one chat completions endpoint on behalf of one provider.
type Client struct {
	cfg        domprov.Config
	baseURL    string
	apiKey     func() string
	httpClient *http.Client
	prompt     string
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client, e.g. with an instrumented transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithKeySource resolves the API key on every call, so rotated secrets apply
// without a restart.
func WithKeySource(fn func() string) Option {
	return func(c *Client) { c.apiKey = fn }
}

// WithSystemPrompt overrides the default system prompt.
func WithSystemPrompt(p string) Option {
	return func(c *Client) { c.prompt = p }
}

// NewClient creates a client for the given provider config.
func NewClient(cfg domprov.Config, opts ...Option) *Client {
	cfg = cfg.WithDefaults()
	key := cfg.APIKey
	c := &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     func() string { return key },
		httpClient: &http.Client{},
		prompt:     llmjson.SystemPrompt,
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ provider.Client = (*Client)(nil)

// ID returns the provider ID.
func (c *Client) ID() string { return c.cfg.ID }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Invoke asks the model for a decision. The call is bounded by the provider's
// base timeout and by ctx.
func (c *Client) Invoke(ctx context.Context, payload string) (decision.Response, error) {
	start := c.now()
	resp := decision.Response{ProviderID: c.cfg.ID}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.BaseTimeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: c.prompt},
			{Role: "user", Content: payload},
		},
		Temperature:    0.2,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return c.fail(resp, start, provider.Malformed(c.cfg.ID, fmt.Errorf("marshal request: %w", err)))
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/v1/chat/completions", body)
	if err != nil {
		return c.fail(resp, start, err)
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return c.fail(resp, start, provider.Malformed(c.cfg.ID, fmt.Errorf("decode completion: %w", err)))
	}
	if len(cr.Choices) == 0 {
		return c.fail(resp, start, provider.Malformed(c.cfg.ID, errors.New("completion has no choices")))
	}
	ans, err := llmjson.Parse(cr.Choices[0].Message.Content)
	if err != nil {
		return c.fail(resp, start, provider.Malformed(c.cfg.ID, err))
	}

	resp.Payload = ans.Decision
	resp.Confidence = ans.Confidence
	resp.Latency = c.now().Sub(start)
	return resp, nil
}

func (c *Client) fail(resp decision.Response, start time.Time, err error) (decision.Response, error) {
	resp.Latency = c.now().Sub(start)
	resp.Err = err
	return resp, err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, provider.NewError(c.cfg.ID, domain.ErrUnavailable, fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	if key := c.apiKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, provider.FromTransport(c.cfg.ID, fmt.Errorf("http request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, provider.FromTransport(c.cfg.ID, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		return nil, provider.FromStatus(c.cfg.ID, resp.StatusCode, resp.Header, string(data))
	}
	return data, nil
}
