package resilience

import (
	"fmt"
	"sort"
	"time"

	"github.com/Strob0t/Conclave/internal/domain"
	"github.com/Strob0t/Conclave/internal/domain/decision"
)

// DefaultMaxFailures is the consecutive failure count that opens a provider circuit.
const DefaultMaxFailures = 5

// BreakerStatus is a read-only view of one provider breaker.
type BreakerStatus struct {
	ProviderID string `json:"provider_id"`
	State      string `json:"state"`
	Failures   int    `json:"consecutive_failures"`
}

// Guard combines per-provider circuit breakers with the global stuck-loop
// detector. The provider set is fixed at construction.
type Guard struct {
	breakers map[string]*Breaker
	ids      []string
	stuck    *StuckDetector
}

// NewGuard creates breakers for every provider ID in cooldowns.
func NewGuard(maxFailures int, cooldowns map[string]time.Duration, stuck *StuckDetector) *Guard {
	if maxFailures < 1 {
		maxFailures = DefaultMaxFailures
	}
	if stuck == nil {
		stuck = NewStuckDetector(0, 0, 0)
	}
	g := &Guard{
		breakers: make(map[string]*Breaker, len(cooldowns)),
		stuck:    stuck,
	}
	for id, cd := range cooldowns {
		g.breakers[id] = NewBreaker(maxFailures, cd)
		g.ids = append(g.ids, id)
	}
	sort.Strings(g.ids)
	return g
}

// SetClock replaces the time source of every breaker. Intended for tests.
func (g *Guard) SetClock(now func() time.Time) {
	for _, b := range g.breakers {
		b.mu.Lock()
		b.now = now
		b.mu.Unlock()
	}
}

// Breaker returns the breaker for provider id.
func (g *Guard) Breaker(id string) (*Breaker, error) {
	b, ok := g.breakers[id]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q", domain.ErrNotFound, id)
	}
	return b, nil
}

// Allow reports whether provider id may be called. Unknown providers are refused.
func (g *Guard) Allow(id string) bool {
	b, ok := g.breakers[id]
	return ok && b.Allow()
}

// Release returns an unused permit obtained from Allow.
func (g *Guard) Release(id string) {
	if b, ok := g.breakers[id]; ok {
		b.Release()
	}
}

// IsOpen reports whether provider id's circuit currently rejects calls.
func (g *Guard) IsOpen(id string) bool {
	b, ok := g.breakers[id]
	return !ok || b.IsOpen()
}

// Observe records the outcome of a call to provider id.
func (g *Guard) Observe(id string, success bool) {
	if b, ok := g.breakers[id]; ok {
		b.Record(success)
	}
}

// ObserveDecision feeds a chosen decision into the stuck-loop detector.
func (g *Guard) ObserveDecision(payload string) {
	g.stuck.Observe(decision.Normalize(payload))
}

// ShouldOverride combines the stuck-loop level with the all-open condition.
func (g *Guard) ShouldOverride() (bool, decision.OverrideLevel) {
	if g.AllOpen() {
		return true, decision.OverrideForce
	}
	return g.stuck.ShouldOverride()
}

// AllOpen reports whether every provider circuit is open.
func (g *Guard) AllOpen() bool {
	if len(g.breakers) == 0 {
		return false
	}
	for _, b := range g.breakers {
		if !b.IsOpen() {
			return false
		}
	}
	return true
}

// ResetAll closes every breaker and clears the stuck-loop history.
func (g *Guard) ResetAll() {
	for _, b := range g.breakers {
		b.Reset()
	}
	g.stuck.Reset()
}

// StuckCount exposes the detector's repeat counter.
func (g *Guard) StuckCount() int {
	return g.stuck.StuckCount()
}

// States returns breaker statuses ordered by provider ID.
func (g *Guard) States() []BreakerStatus {
	out := make([]BreakerStatus, 0, len(g.ids))
	for _, id := range g.ids {
		b := g.breakers[id]
		out = append(out, BreakerStatus{ProviderID: id, State: b.State().String(), Failures: b.Failures()})
	}
	return out
}
