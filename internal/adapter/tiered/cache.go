// Package tiered implements a two-level (L1 + L2) cache adapter.
package tiered

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Strob0t/Conclave/internal/port/cache"
	"github.com/Strob0t/Conclave/internal/resilience"
)

// Cache combines an L1 (in-process) and L2 (remote) cache.
// Get checks L1 first, then L2 (backfilling L1 on L2 hit).
// Set and Delete operate on both levels. L2 failures never surface to the
// caller: they degrade to a miss and trip a breaker so a dead L2 is skipped.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration
	breaker  *resilience.Breaker
}

// New creates a tiered cache with the given L1 and L2 backends.
// l1Expire controls how long L2 backfill entries live in L1.
func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{
		l1:       l1,
		l2:       l2,
		l1Expire: l1Expire,
		breaker:  resilience.NewBreaker(3, 30*time.Second),
	}
}

// WithBreaker replaces the breaker guarding L2.
func (c *Cache) WithBreaker(b *resilience.Breaker) *Cache {
	c.breaker = b
	return c
}

// Get checks L1, then L2. On L2 hit, backfills L1.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		return val, true, nil
	}

	err = c.breaker.Execute(func() error {
		var l2err error
		val, found, l2err = c.l2.Get(ctx, key)
		return l2err
	})
	if err != nil {
		c.degrade(ctx, "get", key, err)
		return nil, false, nil
	}
	if found {
		_ = c.l1.Set(ctx, key, val, c.l1Expire)
		return val, true, nil
	}
	return nil, false, nil
}

// Set writes to both L1 and L2.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if err := c.breaker.Execute(func() error { return c.l2.Set(ctx, key, value, ttl) }); err != nil {
		c.degrade(ctx, "set", key, err)
	}
	return nil
}

// Delete removes from both L1 and L2.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	if err := c.breaker.Execute(func() error { return c.l2.Delete(ctx, key) }); err != nil {
		c.degrade(ctx, "delete", key, err)
	}
	return nil
}

func (c *Cache) degrade(ctx context.Context, op, key string, err error) {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return
	}
	slog.WarnContext(ctx, "l2 cache degraded", "op", op, "key", key, "error", err)
}
