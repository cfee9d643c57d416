// Package pool bounds the number of provider calls in flight across all requests.
package pool

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultLimit is the default global in-flight call cap.
const DefaultLimit = 6

// Pool limits concurrent provider calls using a weighted semaphore.
// Every dispatcher shares one Pool so the cap holds independently of
// per-provider rate limits.
type Pool struct {
	sem      *semaphore.Weighted
	limit    int
	inFlight atomic.Int64
}

// New creates a Pool that allows at most limit concurrent calls.
func New(limit int) *Pool {
	if limit < 1 {
		limit = DefaultLimit
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit)), limit: limit}
}

// Run acquires a slot, runs fn, and releases the slot.
// Blocks if all slots are busy. Returns ctx.Err() if the context
// is cancelled while waiting for a slot.
// If the pool is nil, fn is executed directly without concurrency control.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.inFlight.Add(1)
	defer func() {
		p.inFlight.Add(-1)
		p.sem.Release(1)
	}()
	return fn()
}

// InFlight returns the number of calls currently holding a slot.
func (p *Pool) InFlight() int {
	if p == nil {
		return 0
	}
	return int(p.inFlight.Load())
}

// Limit returns the configured cap.
func (p *Pool) Limit() int {
	if p == nil {
		return 0
	}
	return p.limit
}
