package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/Strob0t/Conclave/internal/domain"
	"github.com/Strob0t/Conclave/internal/domain/decision"
	"github.com/Strob0t/Conclave/internal/port/broadcast"
	"github.com/Strob0t/Conclave/internal/port/provider"
	"github.com/Strob0t/Conclave/internal/ratelimit"
)

func TestSchedule_WeightedGroupWins(t *testing.T) {
	h := newHarness(t, []*fakeClient{
		answering("a", "explore", 0.6),
		answering("b", "Explore", 0.5),
		answering("c", "combat", 0.9),
	})

	c := mustSchedule(t, h.sched, "state-1", "normal")
	if decision.Normalize(c.Payload) != "explore" {
		t.Fatalf("payload = %q, want explore", c.Payload)
	}
	if c.IsFallback || c.OverrideLevel != decision.OverrideNone {
		t.Fatalf("fallback=%v override=%d, want normal consensus", c.IsFallback, c.OverrideLevel)
	}
	if !slices.Equal(c.Contributors, []string{"a", "b"}) {
		t.Fatalf("contributors = %v", c.Contributors)
	}
	if c.CorrelationID == "" || c.Class != decision.ClassNormal {
		t.Fatalf("correlation=%q class=%q", c.CorrelationID, c.Class)
	}
}

func TestSchedule_AllTimeOutReturnsDefault(t *testing.T) {
	h := newHarness(t, []*fakeClient{hanging("a"), hanging("b"), hanging("c")})

	start := time.Now()
	c, err := h.sched.Schedule(context.Background(), "state", "urgent", "cyc-1")
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if c.Payload != "default-urgent" || c.OverrideLevel != decision.OverrideForce || !c.IsFallback {
		t.Fatalf("decision = %+v, want forced urgent default", c)
	}
	if c.CorrelationID != "cyc-1" {
		t.Fatalf("correlation = %q", c.CorrelationID)
	}
	// urgent deadline is 150ms in the harness
	if elapsed > 150*time.Millisecond+300*time.Millisecond {
		t.Fatalf("Schedule took %v, deadline not honoured", elapsed)
	}
	for _, id := range []string{"a", "b", "c"} {
		b, _ := h.guard.Breaker(id)
		if b.Failures() != 1 {
			t.Errorf("%s failures = %d, want 1 (timeouts count)", id, b.Failures())
		}
		snap, _ := h.limiter.Snapshot(id)
		if snap.LatencyEMA <= ratelimit.DefaultSlowLatency {
			t.Errorf("%s latency ema = %v, timeout not fed to the limiter", id, snap.LatencyEMA)
		}
	}
}

func TestSchedule_WarmupStretchesDeadline(t *testing.T) {
	slow := &fakeClient{id: "a", fn: func(ctx context.Context, _ int, _ string) (decision.Response, error) {
		select {
		case <-time.After(300 * time.Millisecond):
			return decision.Response{Payload: "late", Confidence: 0.9, Latency: 300 * time.Millisecond}, nil
		case <-ctx.Done():
			return decision.Response{}, provider.FromTransport("a", ctx.Err())
		}
	}}
	h := newHarness(t, []*fakeClient{slow}, func(hc *harnessConfig) { hc.quorum = 1 })

	// urgent is 150ms in the harness; warm-up multiplies it by 4.
	if c := mustSchedule(t, h.sched, "s1", "urgent"); c.Payload != "default-urgent" {
		t.Fatalf("without warm-up: payload = %q, want default", c.Payload)
	}
	h.sched.SetWarmup(true)
	if !h.sched.Warmup() {
		t.Fatal("warm-up not reported after SetWarmup(true)")
	}
	if c := mustSchedule(t, h.sched, "s2", "urgent"); c.Payload != "late" {
		t.Fatalf("with warm-up: payload = %q, want the slow answer", c.Payload)
	}
	h.sched.SetWarmup(false)
	if h.sched.Warmup() {
		t.Fatal("warm-up still on after SetWarmup(false)")
	}
}

func TestSchedule_OpenCircuitExcludesProvider(t *testing.T) {
	a := failing("a", domain.ErrUnavailable)
	h := newHarness(t, []*fakeClient{a, echoing("b"), echoing("c")})

	for i := 1; i <= 5; i++ {
		c := mustSchedule(t, h.sched, fmt.Sprintf("state-%d", i), "normal")
		if c.IsFallback {
			t.Fatalf("cycle %d unexpectedly fell back", i)
		}
	}
	if !h.guard.IsOpen("a") {
		t.Fatal("a should be circuit-open after 5 failures")
	}

	mustSchedule(t, h.sched, "state-6", "normal")
	if got := a.calls.Load(); got != 5 {
		t.Fatalf("a called %d times, want 5 (excluded on 6th request)", got)
	}
}

func TestSchedule_StuckLoopEscalates(t *testing.T) {
	h := newHarness(t, []*fakeClient{
		answering("a", "move_forward", 0.9),
		answering("b", "move_forward", 0.8),
	})

	want := []decision.OverrideLevel{
		decision.OverrideNone, decision.OverrideNone, decision.OverrideNone,
		decision.OverrideExplore, decision.OverrideExplore,
	}
	for i, lvl := range want {
		c := mustSchedule(t, h.sched, fmt.Sprintf("cycle-%d", i+10), "normal")
		if c.Payload != "move_forward" || c.OverrideLevel != lvl {
			t.Fatalf("cycle %d: payload=%q override=%d, want move_forward/%d", i+10, c.Payload, c.OverrideLevel, lvl)
		}
	}

	c := mustSchedule(t, h.sched, "cycle-15", "normal")
	if c.OverrideLevel != decision.OverrideForce || c.Payload != "default-normal" {
		t.Fatalf("cycle 15 = %+v, want forced default", c)
	}
	if h.guard.StuckCount() != 0 {
		t.Fatalf("stuck count = %d after forced override, want reset", h.guard.StuckCount())
	}

	c = mustSchedule(t, h.sched, "cycle-16", "normal")
	if c.OverrideLevel != decision.OverrideNone {
		t.Fatalf("cycle 16 override = %d, want normal operation again", c.OverrideLevel)
	}
}

func TestSchedule_NoConsensusReturnsBestSingle(t *testing.T) {
	h := newHarness(t, []*fakeClient{
		answering("a", "left", 0.2),
		answering("b", "right", 0.3),
	})
	c := mustSchedule(t, h.sched, "state", "normal")
	if !c.IsFallback || c.Payload != "right" {
		t.Fatalf("decision = %+v, want fallback to right", c)
	}
	if c.OverrideLevel != decision.OverrideNone {
		t.Fatalf("override = %d", c.OverrideLevel)
	}
}

func TestSchedule_AllCircuitsOpenForcesDefaultAndResets(t *testing.T) {
	h := newHarness(t, []*fakeClient{echoing("a")})
	b, _ := h.guard.Breaker("a")
	for range 5 {
		b.Allow()
		b.Record(false)
	}

	c := mustSchedule(t, h.sched, "state", "deliberative")
	if c.OverrideLevel != decision.OverrideForce || c.Payload != "default-deliberative" {
		t.Fatalf("decision = %+v", c)
	}
	if h.guard.IsOpen("a") {
		t.Fatal("forced override should reset breakers")
	}
}

func TestSchedule_Validation(t *testing.T) {
	h := newHarness(t, []*fakeClient{echoing("a")})
	tests := []struct {
		name, payload, class string
	}{
		{"unknown class", "x", "panic"},
		{"empty payload", "  ", "normal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.sched.Schedule(context.Background(), tt.payload, tt.class, "")
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestSchedule_CallerCancelled(t *testing.T) {
	h := newHarness(t, []*fakeClient{hanging("a")})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := h.sched.Schedule(ctx, "state", "normal", "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSchedule_KeepsAcceptingAfterExhaustion(t *testing.T) {
	h := newHarness(t, []*fakeClient{failing("a", domain.ErrUnavailable)})
	for i := range 3 {
		c := mustSchedule(t, h.sched, fmt.Sprintf("s%d", i), "normal")
		if c.OverrideLevel != decision.OverrideForce {
			t.Fatalf("cycle %d override = %d", i, c.OverrideLevel)
		}
	}
}

func TestSchedule_EmitsAuditAndEvents(t *testing.T) {
	h := newHarness(t, []*fakeClient{answering("a", "explore", 0.9), failing("b", domain.ErrTimeout)})
	store, hub := &memStore{}, &memHub{}
	h.sched.SetStore(store)
	h.sched.SetBroadcaster(hub)

	c := mustSchedule(t, h.sched, "state", "normal")
	h.sched.Wait()

	recs, err := h.sched.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 || recs[0].Decision.Payload != c.Payload || recs[0].Responses != 2 {
		t.Fatalf("records = %+v", recs)
	}
	if len(recs[0].Errors) != 1 {
		t.Fatalf("errors = %v, want the timeout of b", recs[0].Errors)
	}
	if len(hub.events) == 0 || hub.events[0].kind != broadcast.EventDecision {
		t.Fatalf("events = %+v", hub.events)
	}
}

func TestSchedule_BreakerChangeIsBroadcast(t *testing.T) {
	h := newHarness(t, []*fakeClient{failing("a", domain.ErrUnavailable), echoing("b")})
	hub := &memHub{}
	h.sched.SetBroadcaster(hub)

	for i := range 5 {
		mustSchedule(t, h.sched, fmt.Sprintf("s%d", i), "normal")
	}
	h.sched.Wait()

	found := false
	for _, e := range hub.events {
		if e.kind == broadcast.EventBreakerChange {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a provider.breaker event when a opened")
	}
}

func TestRecent_WithoutStore(t *testing.T) {
	h := newHarness(t, []*fakeClient{echoing("a")})
	if _, err := h.sched.Recent(context.Background(), 5); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t, []*fakeClient{echoing("a"), failing("b", domain.ErrUnavailable)})
	mustSchedule(t, h.sched, "state", "normal")

	st := h.sched.Status()
	if len(st) != 2 || st[0].ProviderID != "a" || st[1].ProviderID != "b" {
		t.Fatalf("status = %+v", st)
	}
	if st[0].InWindow != 1 || st[0].MaxRPM != 100 || st[0].State != "closed" {
		t.Fatalf("a = %+v", st[0])
	}
	if st[1].Failures != 1 {
		t.Fatalf("b failures = %d", st[1].Failures)
	}
}
