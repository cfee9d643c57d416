package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Strob0t/Conclave/internal/domain"
	"github.com/Strob0t/Conclave/internal/port/provider"
	"github.com/Strob0t/Conclave/internal/ratelimit"
)

// DefaultRetryInterval is how often queued requests re-attempt admission.
const DefaultRetryInterval = 500 * time.Millisecond

var errQueueExpired = errors.New("queued request exceeded its retry deadline")

// Admitter is the part of the rate limiter the queue needs.
type Admitter interface {
	TryAdmit(id string) (ratelimit.Admission, error)
}

// ticket is one QueuedRequest: a call waiting for a provider slot.
type ticket struct {
	providerID string
	enqueued   time.Time
	deadline   time.Time
	result     chan error // buffered; receives exactly one value
}

// RequestQueue parks rate-limited calls in per-provider FIFO order and
// re-attempts admission on a fixed interval. Expired tickets resolve to a
// RateLimited error; no ticket is ever dropped without a result.
type RequestQueue struct {
	mu       sync.Mutex
	limiter  Admitter
	queues   map[string][]*ticket
	interval time.Duration
	maxWait  time.Duration
	now      func() time.Time
}

// NewRequestQueue creates a queue. maxWait > 0 caps every ticket's retry
// deadline; otherwise the caller's deadline alone applies.
func NewRequestQueue(limiter Admitter, interval, maxWait time.Duration) *RequestQueue {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	return &RequestQueue{
		limiter:  limiter,
		queues:   make(map[string][]*ticket),
		interval: interval,
		maxWait:  maxWait,
		now:      time.Now,
	}
}

// Wait parks a call for providerID until a slot is granted (nil), the
// retry deadline passes (RateLimited), or ctx ends (ctx.Err()).
func (q *RequestQueue) Wait(ctx context.Context, providerID string) error {
	now := q.now()
	deadline := time.Time{}
	if q.maxWait > 0 {
		deadline = now.Add(q.maxWait)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}

	t := &ticket{providerID: providerID, enqueued: now, deadline: deadline, result: make(chan error, 1)}
	q.mu.Lock()
	q.queues[providerID] = append(q.queues[providerID], t)
	q.mu.Unlock()

	select {
	case err := <-t.result:
		return err
	case <-ctx.Done():
		if q.remove(t) {
			return ctx.Err()
		}
		// Resolved concurrently; honour the result so a granted slot is not lost.
		return <-t.result
	}
}

// Start runs the retry loop until ctx is cancelled.
func (q *RequestQueue) Start(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			q.flush(ctx.Err())
			return
		case <-ticker.C:
			q.retry()
		}
	}
}

// Len returns the number of tickets waiting for providerID.
func (q *RequestQueue) Len(providerID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[providerID])
}

// retry makes one admission pass over every provider queue.
func (q *RequestQueue) retry() {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.queues))
	for id := range q.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		pending := q.queues[id][:0]
		blocked := false
		for _, t := range q.queues[id] {
			if !t.deadline.IsZero() && !now.Before(t.deadline) {
				slog.Debug("queued request expired", "provider", id, "waited", now.Sub(t.enqueued))
				t.result <- provider.NewError(id, domain.ErrRateLimited, errQueueExpired)
				continue
			}
			if blocked {
				pending = append(pending, t)
				continue
			}
			adm, err := q.limiter.TryAdmit(id)
			switch {
			case err != nil:
				t.result <- err
			case adm.Verdict == ratelimit.Admitted:
				t.result <- nil
			default:
				// FIFO: nobody behind a blocked ticket may overtake it.
				blocked = true
				pending = append(pending, t)
			}
		}
		if len(pending) == 0 {
			delete(q.queues, id)
		} else {
			q.queues[id] = pending
		}
	}
}

func (q *RequestQueue) remove(t *ticket) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.queues[t.providerID]
	for i, other := range list {
		if other == t {
			q.queues[t.providerID] = append(list[:i], list[i+1:]...)
			if len(q.queues[t.providerID]) == 0 {
				delete(q.queues, t.providerID)
			}
			return true
		}
	}
	return false
}

// flush resolves every waiting ticket with err.
func (q *RequestQueue) flush(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, list := range q.queues {
		for _, t := range list {
			t.result <- err
		}
		delete(q.queues, id)
	}
}
