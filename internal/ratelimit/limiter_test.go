package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/Conclave/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, rpm map[string]int) (*Limiter, *fakeClock) {
	t.Helper()
	l, err := New(rpm, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clk := newFakeClock()
	l.SetClock(clk.Now)
	return l, clk
}

func TestTryAdmit_RespectsCapacity(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]int{"p": 3})
	for i := 0; i < 3; i++ {
		adm, err := l.TryAdmit("p")
		if err != nil || adm.Verdict != Admitted {
			t.Fatalf("call %d: verdict=%v err=%v", i, adm.Verdict, err)
		}
	}
	adm, err := l.TryAdmit("p")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adm.Verdict == Admitted {
		t.Fatal("fourth call must not be admitted")
	}
	snap, _ := l.Snapshot("p")
	if snap.InWindow != 3 {
		t.Fatalf("in window = %d, want 3", snap.InWindow)
	}
}

func TestTryAdmit_Tiers(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		want    Verdict
	}{
		{"slot frees in 3s", 57 * time.Second, Wait},
		{"slot frees in 8s", 52 * time.Second, Queue},
		{"slot frees in 10s", 50 * time.Second, Queue},
		{"slot frees in 30s", 30 * time.Second, Reject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, clk := newTestLimiter(t, map[string]int{"p": 1})
			if adm, _ := l.TryAdmit("p"); adm.Verdict != Admitted {
				t.Fatalf("first call verdict = %v", adm.Verdict)
			}
			clk.Advance(tt.advance)
			adm, err := l.TryAdmit("p")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if adm.Verdict != tt.want {
				t.Fatalf("verdict = %v (retry %v), want %v", adm.Verdict, adm.RetryAfter, tt.want)
			}
			if want := time.Minute - tt.advance; adm.RetryAfter != want {
				t.Fatalf("retry after = %v, want %v", adm.RetryAfter, want)
			}
		})
	}
}

func TestTryAdmit_WindowSlides(t *testing.T) {
	l, clk := newTestLimiter(t, map[string]int{"p": 2})
	l.TryAdmit("p")
	clk.Advance(30 * time.Second)
	l.TryAdmit("p")
	clk.Advance(31 * time.Second)
	adm, _ := l.TryAdmit("p")
	if adm.Verdict != Admitted {
		t.Fatalf("verdict = %v, want admitted after oldest call expired", adm.Verdict)
	}
}

func TestTryAdmit_UnknownProvider(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]int{"p": 1})
	_, err := l.TryAdmit("nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNew_RejectsZeroRPM(t *testing.T) {
	if _, err := New(map[string]int{"p": 0}, Options{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRescale_ShrinksOnSlowLatency(t *testing.T) {
	l, clk := newTestLimiter(t, map[string]int{"p": 10})
	l.RecordCompletion("p", 8*time.Second, true)
	clk.Advance(time.Minute)
	snap, _ := l.Snapshot("p")
	if snap.Capacity != 8 {
		t.Fatalf("capacity = %d, want 8", snap.Capacity)
	}
	for i := 0; i < 10; i++ {
		clk.Advance(time.Minute)
		l.Snapshot("p")
	}
	snap, _ = l.Snapshot("p")
	if snap.Capacity != 2 {
		t.Fatalf("capacity = %d, want floor 2", snap.Capacity)
	}
}

func TestRescale_GrowsBackBoundedByMax(t *testing.T) {
	l, clk := newTestLimiter(t, map[string]int{"p": 10})
	l.RecordCompletion("p", 8*time.Second, true)
	clk.Advance(time.Minute)
	l.Snapshot("p") // 10 -> 8

	// Drive the average below the fast threshold.
	for i := 0; i < 30; i++ {
		l.RecordCompletion("p", 500*time.Millisecond, true)
	}
	clk.Advance(time.Minute)
	snap, _ := l.Snapshot("p")
	if snap.Capacity != 9 {
		t.Fatalf("capacity = %d, want 9", snap.Capacity)
	}
	for i := 0; i < 5; i++ {
		clk.Advance(time.Minute)
		snap, _ = l.Snapshot("p")
	}
	if snap.Capacity != 10 {
		t.Fatalf("capacity = %d, want max 10", snap.Capacity)
	}
}

func TestRescale_NoSamplesKeepsCapacity(t *testing.T) {
	l, clk := newTestLimiter(t, map[string]int{"p": 10})
	clk.Advance(5 * time.Minute)
	snap, _ := l.Snapshot("p")
	if snap.Capacity != 10 {
		t.Fatalf("capacity = %d, want 10", snap.Capacity)
	}
}

func TestRecordCompletion_IgnoresFailures(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]int{"p": 10})
	l.RecordCompletion("p", 9*time.Second, false)
	snap, _ := l.Snapshot("p")
	if snap.LatencyEMA != 0 {
		t.Fatalf("ema = %v, want 0", snap.LatencyEMA)
	}
	l.RecordCompletion("p", time.Second, true)
	l.RecordCompletion("p", 2*time.Second, true)
	snap, _ = l.Snapshot("p")
	if want := 1200 * time.Millisecond; snap.LatencyEMA != want {
		t.Fatalf("ema = %v, want %v", snap.LatencyEMA, want)
	}
}

func TestRecordTimeout_ShrinksCapacity(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
	}{
		{name: "long timeout", elapsed: 30 * time.Second},
		{name: "timeout below the slow bound", elapsed: 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, clk := newTestLimiter(t, map[string]int{"p": 100})
			for range 50 {
				l.RecordTimeout("p", tt.elapsed)
			}
			clk.Advance(2 * time.Minute)
			snap, _ := l.Snapshot("p")
			if snap.LatencyEMA <= DefaultSlowLatency {
				t.Fatalf("ema = %v, want above %v", snap.LatencyEMA, DefaultSlowLatency)
			}
			if snap.Capacity != 80 {
				t.Fatalf("capacity = %d, want 80", snap.Capacity)
			}
		})
	}
}

func TestRecordTimeout_PullsFastAverageUp(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]int{"p": 10})
	l.RecordCompletion("p", time.Second, true)
	l.RecordTimeout("p", 20*time.Second)
	snap, _ := l.Snapshot("p")
	if want := 4800 * time.Millisecond; snap.LatencyEMA != want {
		t.Fatalf("ema = %v, want %v", snap.LatencyEMA, want)
	}
}

func TestRecordThrottle_BlocksAdmission(t *testing.T) {
	l, clk := newTestLimiter(t, map[string]int{"p": 10})
	l.RecordThrottle("p", 20*time.Second)
	adm, _ := l.TryAdmit("p")
	if adm.Verdict != Reject || adm.RetryAfter != 20*time.Second {
		t.Fatalf("got %+v, want reject after 20s", adm)
	}
	clk.Advance(17 * time.Second)
	adm, _ = l.TryAdmit("p")
	if adm.Verdict != Wait {
		t.Fatalf("verdict = %v, want wait", adm.Verdict)
	}
	clk.Advance(3 * time.Second)
	adm, _ = l.TryAdmit("p")
	if adm.Verdict != Admitted {
		t.Fatalf("verdict = %v, want admitted", adm.Verdict)
	}
}

func TestAdmit_ContextCancelled(t *testing.T) {
	l, clk := newTestLimiter(t, map[string]int{"p": 1})
	l.TryAdmit("p")
	clk.Advance(58 * time.Second) // next slot in 2s, Wait tier

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Admit(ctx, "p")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAdmit_ReturnsQueueVerdictWithoutSleeping(t *testing.T) {
	l, clk := newTestLimiter(t, map[string]int{"p": 1})
	l.TryAdmit("p")
	clk.Advance(52 * time.Second)
	adm, err := l.Admit(context.Background(), "p")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adm.Verdict != Queue {
		t.Fatalf("verdict = %v, want queue", adm.Verdict)
	}
}

func TestTryAdmit_ConcurrentNeverExceedsCapacity(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]int{"p": 25})
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, _ := l.TryAdmit("p")
			if adm.Verdict == Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 25 {
		t.Fatalf("admitted = %d, want 25", admitted)
	}
}
