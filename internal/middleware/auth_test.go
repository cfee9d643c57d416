package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAPIKey(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := APIKey("s3cret")(ok)

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"missing", "/api/v1/providers", nil, http.StatusUnauthorized},
		{"wrong bearer", "/api/v1/providers", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", "/api/v1/providers", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"header", "/api/v1/schedule", map[string]string{"X-API-Key": "s3cret"}, http.StatusOK},
		{"health is public", "/health", nil, http.StatusOK},
		{"ws token", "/ws?token=s3cret", nil, http.StatusOK},
		{"token ignored outside ws", "/api/v1/providers?token=s3cret", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAPIKeyDisabled(t *testing.T) {
	called := false
	handler := APIKey("")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/providers", http.NoBody))
	if !called {
		t.Fatal("expected pass-through with empty key")
	}
}

func TestBcryptKey(t *testing.T) {
	hash, err := HashKey("s3cret")
	if err != nil {
		t.Fatalf("HashKey: %v", err)
	}
	verify, err := BcryptKey(hash)
	if err != nil {
		t.Fatalf("BcryptKey: %v", err)
	}

	if verify("nope") {
		t.Fatal("wrong key accepted")
	}
	if !verify("s3cret") {
		t.Fatal("right key rejected")
	}
	// Second call takes the remembered-digest path.
	if !verify("s3cret") {
		t.Fatal("right key rejected on repeat")
	}
	if verify("nope") {
		t.Fatal("wrong key accepted after a hit")
	}

	handler := RequireKey(verify)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/providers", http.NoBody)
	req.Header.Set("X-API-Key", "s3cret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestBcryptKeyRejectsMalformedHash(t *testing.T) {
	if _, err := BcryptKey("not-a-hash"); err == nil {
		t.Fatal("expected error for malformed hash")
	}
}
