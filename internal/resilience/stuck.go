package resilience

import (
	"hash/fnv"
	"sync"

	"github.com/Strob0t/Conclave/internal/domain/decision"
)

// Default stuck-loop thresholds, expressed as run lengths of identical decisions.
const (
	DefaultModerateThreshold = 3
	DefaultForceThreshold    = 5
	DefaultHistorySize       = 8
)

// StuckDetector watches the global sequence of chosen decisions and reports
// how long the current run of identical decisions is.
type StuckDetector struct {
	mu       sync.Mutex
	moderate int
	force    int
	recent   []uint64
	count    int
	run      int
}

// NewStuckDetector creates a detector. moderate and force are run lengths at
// which levels 2 and 3 trigger; historySize bounds the retained ring buffer.
func NewStuckDetector(moderate, force, historySize int) *StuckDetector {
	if moderate <= 1 {
		moderate = DefaultModerateThreshold
	}
	if force <= moderate {
		force = moderate + 2
	}
	if historySize < force {
		historySize = force
	}
	return &StuckDetector{
		moderate: moderate,
		force:    force,
		recent:   make([]uint64, historySize),
	}
}

// Observe records a normalized decision chosen for a completed cycle.
func (s *StuckDetector) Observe(normalized string) {
	h := hashDecision(normalized)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count > 0 && s.last() == h {
		s.run++
	} else {
		s.run = 1
	}
	s.recent[s.count%len(s.recent)] = h
	s.count++
}

// Level returns the escalation level for the current run.
func (s *StuckDetector) Level() decision.OverrideLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levelLocked()
}

// ShouldOverride reports whether the next cycle must be overridden and how.
// Level 1 is observational only and reported as (false, 0).
func (s *StuckDetector) ShouldOverride() (bool, decision.OverrideLevel) {
	lvl := s.Level()
	if lvl >= decision.OverrideExplore {
		return true, lvl
	}
	return false, decision.OverrideNone
}

// StuckCount is the number of consecutive repeats of the latest decision.
func (s *StuckDetector) StuckCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == 0 {
		return 0
	}
	return s.run - 1
}

// Reset clears the history.
func (s *StuckDetector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.recent {
		s.recent[i] = 0
	}
	s.count = 0
	s.run = 0
}

func (s *StuckDetector) levelLocked() decision.OverrideLevel {
	switch {
	case s.run == 0:
		return decision.OverrideNone
	case s.run >= s.force:
		return decision.OverrideForce
	case s.run >= s.moderate:
		return decision.OverrideExplore
	default:
		return decision.OverrideVariance
	}
}

func (s *StuckDetector) last() uint64 {
	return s.recent[(s.count-1)%len(s.recent)]
}

func hashDecision(normalized string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalized))
	return h.Sum64()
}
