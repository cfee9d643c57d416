package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// publicPaths are exempt from authentication.
var publicPaths = map[string]bool{
	"/health":       true,
	"/health/ready": true,
}

// Verifier reports whether a presented key is valid.
type Verifier func(key string) bool

// PlainKey verifies against a key held in configuration.
func PlainKey(key string) Verifier {
	want := []byte(key)
	return func(got string) bool {
		return subtle.ConstantTimeCompare([]byte(got), want) == 1
	}
}

// BcryptKey verifies against a bcrypt hash of the key. The digest of the
// last accepted key is remembered so steady traffic skips the bcrypt cost.
func BcryptKey(hash string) (Verifier, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("api key hash: %w", err)
	}
	var (
		mu       sync.Mutex
		accepted [sha256.Size]byte
		ok       bool
	)
	return func(got string) bool {
		sum := sha256.Sum256([]byte(got))
		mu.Lock()
		hit := ok && subtle.ConstantTimeCompare(sum[:], accepted[:]) == 1
		mu.Unlock()
		if hit {
			return true
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(got)) != nil {
			return false
		}
		mu.Lock()
		accepted, ok = sum, true
		mu.Unlock()
		return true
	}, nil
}

// HashKey returns the bcrypt hash to place in server.api_key_hash.
func HashKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(h), nil
}

// APIKey returns middleware that requires the configured key either as a
// Bearer token or in X-API-Key. WebSocket clients may pass ?token=.
// An empty key disables the check.
func APIKey(key string) func(http.Handler) http.Handler {
	if key == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	return RequireKey(PlainKey(key))
}

// RequireKey is APIKey with a custom Verifier.
func RequireKey(verify Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			got := presentedKey(r)
			if got == "" {
				writeAuthError(w, "authorization required")
				return
			}
			if !verify(got) {
				writeAuthError(w, "invalid credentials")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if r.URL.Path == "/ws" {
		return r.URL.Query().Get("token")
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
