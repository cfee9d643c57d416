package discord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/Strob0t/Conclave/internal/port/notifier"
)

var _ notifier.Notifier = (*Notifier)(nil)

func TestNotifierName(t *testing.T) {
	if got := NewNotifier("", nil).Name(); got != "discord" {
		t.Fatalf("expected 'discord', got %q", got)
	}
}

func TestSendNotConfigured(t *testing.T) {
	err := NewNotifier("", nil).Send(context.Background(), notifier.Notification{Title: "test"})
	if !errors.Is(err, notifier.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendSuccess(t *testing.T) {
	var got webhook
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewNotifier(srv.URL, srv.Client()).Send(context.Background(), notifier.Notification{
		Title:   "Breaker open",
		Message: "provider gpt opened after 3 failures",
		Level:   notifier.LevelError,
		Source:  "provider.breaker",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Embeds) != 1 {
		t.Fatalf("expected 1 embed, got %d", len(got.Embeds))
	}
	e := got.Embeds[0]
	if e.Color != 0xE74C3C {
		t.Errorf("color = %#x, want red", e.Color)
	}
	if e.Footer == nil || e.Footer.Text != "event: provider.breaker" {
		t.Errorf("footer = %+v", e.Footer)
	}
}

func TestDescriptionTruncated(t *testing.T) {
	w := buildWebhook(notifier.Notification{Title: "t", Message: strings.Repeat("x", maxDescription+10)})
	if n := len(w.Embeds[0].Description); n != maxDescription {
		t.Fatalf("description length = %d, want %d", n, maxDescription)
	}
}

func TestDescriptionTruncatedOnRuneBoundary(t *testing.T) {
	w := buildWebhook(notifier.Notification{Title: "t", Message: strings.Repeat("ü", maxDescription+10)})
	desc := w.Embeds[0].Description
	if !utf8.ValidString(desc) {
		t.Fatal("description is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(desc); n != maxDescription {
		t.Fatalf("description runes = %d, want %d", n, maxDescription)
	}
}

func TestSendWebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"bad"}`))
	}))
	defer srv.Close()

	err := NewNotifier(srv.URL, nil).Send(context.Background(), notifier.Notification{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected 400 error, got %v", err)
	}
}
