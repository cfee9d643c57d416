package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Strob0t/Conclave/internal/domain/decision"
	"github.com/Strob0t/Conclave/internal/port/cache"
)

// ResponseCache remembers successful expert responses per provider and
// normalized request payload. A nil *ResponseCache is a permanent miss.
type ResponseCache struct {
	store cache.Cache
	ttl   time.Duration
}

type cachedResponse struct {
	Payload    string  `json:"payload"`
	Confidence float64 `json:"confidence"`
}

// NewResponseCache wraps store. Returns nil when store is nil.
func NewResponseCache(store cache.Cache, ttl time.Duration) *ResponseCache {
	if store == nil {
		return nil
	}
	return &ResponseCache{store: store, ttl: ttl}
}

func responseKey(providerID, payload string) string {
	sum := sha256.Sum256([]byte(decision.Normalize(payload)))
	return "resp:" + providerID + ":" + hex.EncodeToString(sum[:])
}

// Get returns the cached response of providerID for payload.
func (c *ResponseCache) Get(ctx context.Context, providerID, payload string) (decision.Response, bool) {
	if c == nil {
		return decision.Response{}, false
	}
	data, ok, err := c.store.Get(ctx, responseKey(providerID, payload))
	if err != nil || !ok {
		return decision.Response{}, false
	}
	var cr cachedResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		slog.WarnContext(ctx, "discarding corrupt cached response", "provider", providerID, "error", err)
		_ = c.store.Delete(ctx, responseKey(providerID, payload))
		return decision.Response{}, false
	}
	return decision.Response{
		ProviderID: providerID,
		Payload:    cr.Payload,
		Confidence: cr.Confidence,
		Cached:     true,
	}, true
}

// Put stores a well-formed response for payload.
func (c *ResponseCache) Put(ctx context.Context, payload string, r decision.Response) {
	if c == nil || !r.OK() || r.Cached {
		return
	}
	data, err := json.Marshal(cachedResponse{Payload: r.Payload, Confidence: r.Confidence})
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, responseKey(r.ProviderID, payload), data, c.ttl); err != nil {
		slog.WarnContext(ctx, "cache response", "provider", r.ProviderID, "error", err)
	}
}
