package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// ClientLimiter is a per-client token bucket guarding the inbound API, so a
// single caller cannot flood the scheduler with Schedule calls. Clients are
// keyed by API key when one is presented, otherwise by remote IP.
type ClientLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	rate       float64 // tokens per second
	burst      int     // max tokens
	maxBuckets int     // max tracked clients
	now        func() time.Time
}

type bucket struct {
	tokens    float64
	updatedAt time.Time
}

// NewClientLimiter creates a limiter with the given sustained rate
// (requests per second) and burst size.
func NewClientLimiter(rate float64, burst int) *ClientLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &ClientLimiter{
		buckets:    make(map[string]*bucket),
		rate:       rate,
		burst:      burst,
		maxBuckets: 100000,
		now:        time.Now,
	}
}

// Handler returns HTTP middleware that enforces per-client rate limiting.
func (cl *ClientLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, retryAfter, allowed := cl.allow(clientKey(r))

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cl.burst))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allow takes a token for key. Returns remaining tokens, time until the next
// token and whether the request is allowed.
func (cl *ClientLimiter) allow(key string) (int, time.Duration, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()
	b, ok := cl.buckets[key]
	if !ok {
		if len(cl.buckets) >= cl.maxBuckets {
			return 0, cl.tokenInterval(1), false
		}
		b = &bucket{tokens: float64(cl.burst), updatedAt: now}
		cl.buckets[key] = b
	}

	b.tokens = math.Min(float64(cl.burst), b.tokens+now.Sub(b.updatedAt).Seconds()*cl.rate)
	b.updatedAt = now

	if b.tokens < 1 {
		return 0, cl.tokenInterval(1 - b.tokens), false
	}
	b.tokens--
	return int(b.tokens), 0, true
}

func (cl *ClientLimiter) tokenInterval(tokens float64) time.Duration {
	return time.Duration(tokens / cl.rate * float64(time.Second))
}

// StartCleanup removes buckets idle for longer than maxIdle every interval
// until ctx is cancelled.
func (cl *ClientLimiter) StartCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cl.cleanup(maxIdle)
			}
		}
	}()
}

func (cl *ClientLimiter) cleanup(maxIdle time.Duration) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cutoff := cl.now().Add(-maxIdle)
	for k, b := range cl.buckets {
		if b.updatedAt.Before(cutoff) {
			delete(cl.buckets, k)
		}
	}
}

// Len returns the number of tracked client buckets.
func (cl *ClientLimiter) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.buckets)
}

// clientKey identifies the caller. Presented keys are hashed so they never
// sit in memory as map keys.
func clientKey(r *http.Request) string {
	if k := presentedKey(r); k != "" {
		sum := sha256.Sum256([]byte(k))
		return "key:" + hex.EncodeToString(sum[:8])
	}
	return "ip:" + realIP(r)
}

// realIP extracts the client IP from RemoteAddr.
// Proxy headers (X-Forwarded-For, X-Real-Ip) are NOT trusted because
// they can be spoofed by attackers to bypass rate limiting.
func realIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
