package decision

import (
	"sync"
	"time"
)

// Default per-class deadlines.
const (
	DefaultUrgentDeadline       = 15 * time.Second
	DefaultNormalDeadline       = 30 * time.Second
	DefaultDeliberativeDeadline = 45 * time.Second
	DefaultWarmupMultiplier     = 4.0
)

// TimeoutPolicy maps context classes to deadlines. While warm-up mode is on,
// every deadline is multiplied by the warm-up factor.
type TimeoutPolicy struct {
	mu              sync.Mutex
	deadlines       map[ContextClass]time.Duration
	multiplier      float64
	warmup          bool
	warmupRemaining int
}

// NewTimeoutPolicy builds a policy. Missing classes fall back to the defaults.
// warmupCycles > 0 enables warm-up for that many cycles.
func NewTimeoutPolicy(deadlines map[ContextClass]time.Duration, multiplier float64, warmupCycles int) *TimeoutPolicy {
	d := map[ContextClass]time.Duration{
		ClassUrgent:       DefaultUrgentDeadline,
		ClassNormal:       DefaultNormalDeadline,
		ClassDeliberative: DefaultDeliberativeDeadline,
	}
	for c, v := range deadlines {
		if c.Valid() && v > 0 {
			d[c] = v
		}
	}
	if multiplier < 1 {
		multiplier = DefaultWarmupMultiplier
	}
	return &TimeoutPolicy{
		deadlines:       d,
		multiplier:      multiplier,
		warmup:          warmupCycles > 0,
		warmupRemaining: warmupCycles,
	}
}

// Deadline returns the deadline for class. Unknown classes get the normal deadline.
func (p *TimeoutPolicy) Deadline(class ContextClass) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.deadlines[class]
	if !ok {
		d = p.deadlines[ClassNormal]
	}
	if p.warmup {
		d = time.Duration(float64(d) * p.multiplier)
	}
	return d
}

// SetWarmup turns warm-up mode on or off explicitly. Turning it off also
// discards any remaining warm-up cycles.
func (p *TimeoutPolicy) SetWarmup(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.warmup = on
	if !on {
		p.warmupRemaining = 0
	}
}

// Warmup reports whether warm-up mode is active.
func (p *TimeoutPolicy) Warmup() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.warmup
}

// BeginCycle returns the deadline for class and counts the cycle against the
// remaining warm-up budget. Warm-up switches off after the last counted cycle.
func (p *TimeoutPolicy) BeginCycle(class ContextClass) time.Duration {
	d := p.Deadline(class)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.warmupRemaining > 0 {
		p.warmupRemaining--
		if p.warmupRemaining == 0 {
			p.warmup = false
		}
	}
	return d
}
