package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/Conclave/internal/domain/decision"
)

func TestResponseCache_RoundTripByNormalizedPayload(t *testing.T) {
	c := NewResponseCache(&memCache{}, time.Minute)
	ctx := context.Background()

	c.Put(ctx, "  Enemy   Ahead ", decision.Response{ProviderID: "a", Payload: "dodge", Confidence: 0.7})

	got, ok := c.Get(ctx, "a", "enemy ahead")
	if !ok {
		t.Fatal("expected hit for the normalized payload")
	}
	if got.Payload != "dodge" || got.Confidence != 0.7 || !got.Cached || got.ProviderID != "a" {
		t.Fatalf("got %+v", got)
	}
	if _, ok := c.Get(ctx, "b", "enemy ahead"); ok {
		t.Fatal("entries are per provider")
	}
}

func TestResponseCache_SkipsFailedResponses(t *testing.T) {
	store := &memCache{}
	c := NewResponseCache(store, time.Minute)
	c.Put(context.Background(), "p", decision.Response{ProviderID: "a", Payload: "x", Err: errors.New("boom")})
	c.Put(context.Background(), "p", decision.Response{ProviderID: "a", Payload: "  "})
	if len(store.data) != 0 {
		t.Fatalf("stored %d entries, want 0", len(store.data))
	}
}

func TestResponseCache_CorruptEntryIsDropped(t *testing.T) {
	store := &memCache{}
	c := NewResponseCache(store, time.Minute)
	_ = store.Set(context.Background(), responseKey("a", "p"), []byte("{"), time.Minute)

	if _, ok := c.Get(context.Background(), "a", "p"); ok {
		t.Fatal("corrupt entry served")
	}
	if len(store.data) != 0 {
		t.Fatal("corrupt entry not deleted")
	}
}

func TestResponseCache_NilIsMiss(t *testing.T) {
	var c *ResponseCache
	if NewResponseCache(nil, time.Minute) != nil {
		t.Fatal("nil store should yield nil cache")
	}
	c.Put(context.Background(), "p", decision.Response{ProviderID: "a", Payload: "x"})
	if _, ok := c.Get(context.Background(), "a", "p"); ok {
		t.Fatal("nil cache hit")
	}
}
