package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Strob0t/Conclave/internal/port/cache"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxIdempotencyBody   = 1 << 20
	maxIdempotencyKeyLen = 256
	idempotencyPrefix    = "idem:"
)

// perRequestHeaders belong to the request being answered, not the stored one.
// Keys are in canonical form.
var perRequestHeaders = map[string]bool{"X-Request-Id": true, "Date": true}

// idempotencyEntry is a stored 2xx response plus the fingerprint of the
// request body that produced it.
type idempotencyEntry struct {
	Fingerprint string              `json:"fingerprint"`
	StatusCode  int                 `json:"status_code"`
	Headers     map[string][]string `json:"headers"`
	Body        []byte              `json:"body"`
}

// Idempotency replays the stored response for a repeated POST carrying the
// same Idempotency-Key, so a retried Schedule call yields the decision already
// produced instead of a second one. Reusing a key with a different body is
// answered with 422. Only 2xx responses are stored.
func Idempotency(c cache.Cache, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(headerIdempotencyKey)
			if r.Method != http.MethodPost || key == "" || len(key) > maxIdempotencyKeyLen {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotencyBody+1))
			if err != nil {
				http.Error(w, `{"error":"read request body"}`, http.StatusBadRequest)
				return
			}
			if len(body) > maxIdempotencyBody {
				// Too large to fingerprint; let the handler enforce its own limit.
				r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
				next.ServeHTTP(w, r)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			fingerprint := hex.EncodeToString(sum[:])
			cacheKey := idempotencyPrefix + key

			if data, ok, err := c.Get(r.Context(), cacheKey); err == nil && ok {
				var cached idempotencyEntry
				if err := json.Unmarshal(data, &cached); err == nil {
					if cached.Fingerprint != fingerprint {
						w.Header().Set("Content-Type", "application/json")
						w.WriteHeader(http.StatusUnprocessableEntity)
						_, _ = w.Write([]byte(`{"error":"idempotency key reused with a different request body"}`))
						return
					}
					replay(w, &cached)
					return
				}
				slog.WarnContext(r.Context(), "idempotency: corrupt cache entry", "key", key)
			}

			rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.statusCode < 200 || rec.statusCode > 299 || rec.body.Len() > maxIdempotencyBody {
				return
			}
			data, err := json.Marshal(idempotencyEntry{
				Fingerprint: fingerprint,
				StatusCode:  rec.statusCode,
				Headers:     storedHeaders(w.Header()),
				Body:        rec.body.Bytes(),
			})
			if err != nil {
				return
			}
			if err := c.Set(r.Context(), cacheKey, data, ttl); err != nil {
				slog.WarnContext(r.Context(), "idempotency: failed to store response", "key", key, "error", err)
			}
		})
	}
}

func replay(w http.ResponseWriter, e *idempotencyEntry) {
	for k, vals := range e.Headers {
		w.Header()[k] = vals
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(e.StatusCode)
	_, _ = w.Write(e.Body)
}

func storedHeaders(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		if !perRequestHeaders[k] {
			out[k] = append([]string(nil), v...)
		}
	}
	return out
}

// responseRecorder tees the response body while passing it through.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
