package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolLimitsConcurrency(t *testing.T) {
	const limit = 3
	const workers = 10
	p := New(limit)

	var running atomic.Int32
	var maxSeen atomic.Int32

	ctx := context.Background()
	done := make(chan struct{}, workers)

	for range workers {
		go func() {
			defer func() { done <- struct{}{} }()
			err := p.Run(ctx, func() error {
				cur := running.Add(1)
				for {
					old := maxSeen.Load()
					if cur <= old || maxSeen.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	for range workers {
		<-done
	}

	if m := maxSeen.Load(); m > limit {
		t.Errorf("max concurrent = %d, want <= %d", m, limit)
	}
	if p.InFlight() != 0 {
		t.Errorf("in flight = %d after all workers finished", p.InFlight())
	}
}

func TestPoolContextCancellation(t *testing.T) {
	p := New(1)
	ctx := context.Background()

	occupied := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = p.Run(ctx, func() error {
			close(occupied)
			<-release
			return nil
		})
	}()
	<-occupied

	if p.InFlight() != 1 {
		t.Errorf("in flight = %d, want 1", p.InFlight())
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()

	err := p.Run(cancelCtx, func() error {
		t.Error("fn should not have been called")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	close(release)
}

func TestPoolPropagatesError(t *testing.T) {
	want := errors.New("boom")
	if err := New(2).Run(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
}

func TestPoolDefaultLimit(t *testing.T) {
	if got := New(0).Limit(); got != DefaultLimit {
		t.Fatalf("limit = %d, want %d", got, DefaultLimit)
	}
}

func TestNilPoolRunsDirectly(t *testing.T) {
	var p *Pool
	called := false
	if err := p.Run(context.Background(), func() error { called = true; return nil }); err != nil || !called {
		t.Fatalf("called=%v err=%v", called, err)
	}
}
