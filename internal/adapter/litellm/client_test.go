package litellm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Strob0t/Conclave/internal/adapter/litellm"
	"github.com/Strob0t/Conclave/internal/domain"
	domprov "github.com/Strob0t/Conclave/internal/domain/provider"
	"github.com/Strob0t/Conclave/internal/port/provider"
)

func completion(content string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	}
}

func newClient(url string) *litellm.Client {
	return litellm.NewClient(domprov.Config{
		ID:          "openai-a",
		Kind:        domprov.KindLiteLLM,
		URL:         url,
		Model:       "gpt-4o-mini",
		APIKey:      "test-key",
		MaxRPM:      60,
		BaseTimeout: 2 * time.Second,
	})
}

func TestInvoke_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth: %q", got)
		}
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.Model != "gpt-4o-mini" || len(body.Messages) != 2 || body.Messages[1].Content != "enemy ahead" {
			t.Errorf("unexpected request body %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion(`{"decision":"retreat","confidence":0.8}`))
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	if c.ID() != "openai-a" {
		t.Fatalf("ID = %q", c.ID())
	}
	resp, err := c.Invoke(context.Background(), "enemy ahead")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Payload != "retreat" || resp.Confidence != 0.8 || resp.ProviderID != "openai-a" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if !resp.OK() {
		t.Fatal("expected OK response")
	}
}

func TestInvoke_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		header map[string]string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, map[string]string{"Retry-After": "3"}, domain.ErrRateLimited},
		{"gateway timeout", http.StatusGatewayTimeout, ``, nil, domain.ErrTimeout},
		{"server error", http.StatusInternalServerError, `boom`, nil, domain.ErrUnavailable},
		{"auth", http.StatusUnauthorized, `nope`, nil, domain.ErrUnavailable},
		{"malformed content", http.StatusOK, `{"choices":[{"message":{"content":"I think explore"}}]}`, nil, domain.ErrMalformed},
		{"no choices", http.StatusOK, `{"choices":[]}`, nil, domain.ErrMalformed},
		{"not json", http.StatusOK, `<html>`, nil, domain.ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			resp, err := newClient(srv.URL).Invoke(context.Background(), "x")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if resp.Err == nil || resp.OK() {
				t.Fatal("expected errored response")
			}
			if tt.want == domain.ErrRateLimited && provider.RetryAfterOf(err) != 3*time.Second {
				t.Fatalf("retry after = %v", provider.RetryAfterOf(err))
			}
		})
	}
}

func TestInvoke_BaseTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c := litellm.NewClient(domprov.Config{ID: "slow", URL: srv.URL, MaxRPM: 1, BaseTimeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := c.Invoke(context.Background(), "x")
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("call was not aborted promptly: %v", time.Since(start))
	}
}

func TestInvoke_CallerCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := newClient(srv.URL).Invoke(ctx, "x")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled in chain", err)
	}
}

func TestInvoke_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClient(url).Invoke(context.Background(), "x")
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("err = %v, want unavailable", err)
	}
}

func TestInvoke_KeySource(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(completion(`{"decision":"hold","confidence":0.5}`))
	}))
	defer srv.Close()

	c := litellm.NewClient(domprov.Config{ID: "p", URL: srv.URL, MaxRPM: 1},
		litellm.WithKeySource(func() string { return "rotated" }))
	if _, err := c.Invoke(context.Background(), "x"); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "Bearer rotated" {
		t.Fatalf("auth = %q", got)
	}
}

func TestInvoke_SystemPrompt(t *testing.T) {
	var got struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(completion(`{"decision":"hold","confidence":0.5}`))
	}))
	defer srv.Close()

	c := litellm.NewClient(domprov.Config{ID: "p", URL: srv.URL, MaxRPM: 1},
		litellm.WithSystemPrompt("answer as a referee"))
	if _, err := c.Invoke(context.Background(), "x"); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(got.Messages) == 0 || got.Messages[0].Role != "system" || got.Messages[0].Content != "answer as a referee" {
		t.Fatalf("messages = %+v", got.Messages)
	}
}
