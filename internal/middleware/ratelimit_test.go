package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, remote, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/schedule", http.NoBody)
	req.RemoteAddr = remote
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestClientLimiterAllowsBurst(t *testing.T) {
	h := NewClientLimiter(10, 10).Handler(okHandler())
	for i := range 10 {
		if rec := serve(h, "192.168.1.1:1000", ""); rec.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
}

func TestClientLimiterRejectsOverLimit(t *testing.T) {
	h := NewClientLimiter(10, 5).Handler(okHandler())
	for range 5 {
		serve(h, "192.168.1.1:1000", "")
	}
	rec := serve(h, "192.168.1.1:1000", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestClientLimiterRefills(t *testing.T) {
	cl := NewClientLimiter(2, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cl.now = func() time.Time { return now }

	if _, _, ok := cl.allow("ip:a"); !ok {
		t.Fatal("first call must pass")
	}
	_, wait, ok := cl.allow("ip:a")
	if ok || wait != 500*time.Millisecond {
		t.Fatalf("ok=%v wait=%v, want rejection with 500ms wait", ok, wait)
	}
	now = now.Add(500 * time.Millisecond)
	if _, _, ok := cl.allow("ip:a"); !ok {
		t.Fatal("expected token after refill")
	}
}

func TestClientLimiterKeysByAPIKey(t *testing.T) {
	h := NewClientLimiter(10, 1).Handler(okHandler())
	if rec := serve(h, "10.0.0.1:1", "k1"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	// Same IP, different key: separate bucket.
	if rec := serve(h, "10.0.0.1:1", "k2"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for second key, got %d", rec.Code)
	}
	// Same key from another IP shares the bucket.
	if rec := serve(h, "10.0.0.9:1", "k1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestClientLimiterCleanup(t *testing.T) {
	cl := NewClientLimiter(1, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cl.now = func() time.Time { return now }
	cl.allow("ip:a")
	cl.allow("ip:b")
	now = now.Add(time.Hour)
	cl.cleanup(10 * time.Minute)
	if cl.Len() != 0 {
		t.Fatalf("expected all buckets evicted, got %d", cl.Len())
	}
}
