// Package decision defines the request/response model of the scheduler.
package decision

import (
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/Conclave/internal/domain"
)

// ContextClass selects the latency budget and candidate chain for a request.
type ContextClass string

const (
	ClassUrgent       ContextClass = "urgent"
	ClassNormal       ContextClass = "normal"
	ClassDeliberative ContextClass = "deliberative"
)

// Classes lists every valid context class in a stable order.
var Classes = []ContextClass{ClassUrgent, ClassNormal, ClassDeliberative}

// ParseClass normalizes s and validates it against the closed set of classes.
func ParseClass(s string) (ContextClass, error) {
	c := ContextClass(strings.ToLower(strings.TrimSpace(s)))
	if c == "" {
		return ClassNormal, nil
	}
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown context class %q", domain.ErrValidation, s)
	}
	return c, nil
}

// Valid reports whether c is one of the known classes.
func (c ContextClass) Valid() bool {
	switch c {
	case ClassUrgent, ClassNormal, ClassDeliberative:
		return true
	}
	return false
}

// OverrideLevel is the escalation level applied by the stuck-loop detector.
type OverrideLevel int

const (
	// OverrideNone means no repetition has been observed.
	OverrideNone OverrideLevel = 0
	// OverrideVariance covers 1-2 identical decisions; it is never acted on.
	OverrideVariance OverrideLevel = 1
	// OverrideExplore makes the next cycle prefer a disjoint candidate set.
	OverrideExplore OverrideLevel = 2
	// OverrideForce bypasses consensus and substitutes the default decision.
	OverrideForce OverrideLevel = 3
)

// Request is one logical "ask the experts" call.
type Request struct {
	Payload       string        `json:"payload"`
	Class         ContextClass  `json:"context_class"`
	CorrelationID string        `json:"correlation_id"`
	Deadline      time.Duration `json:"deadline"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Response is the result of one provider call for one request.
type Response struct {
	ProviderID string        `json:"provider_id"`
	Payload    string        `json:"payload"`
	Confidence float64       `json:"confidence"`
	Latency    time.Duration `json:"latency"`
	Cached     bool          `json:"cached,omitempty"`
	Err        error         `json:"-"`
}

// OK reports whether r is a well-formed answer eligible for consensus.
func (r *Response) OK() bool {
	return r.Err == nil && Normalize(r.Payload) != ""
}

// Consensus is the aggregated output produced once per request.
type Consensus struct {
	Payload       string        `json:"payload"`
	Confidence    float64       `json:"confidence"`
	Contributors  []string      `json:"contributing_provider_ids"`
	IsFallback    bool          `json:"is_fallback"`
	OverrideLevel OverrideLevel `json:"override_level"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Class         ContextClass  `json:"context_class,omitempty"`
	DecidedAt     time.Time     `json:"decided_at"`
}

// Normalize reduces a decision payload to the form used for grouping and
// repetition detection: trimmed, lower-cased, inner whitespace collapsed.
func Normalize(payload string) string {
	return strings.Join(strings.Fields(strings.ToLower(payload)), " ")
}
