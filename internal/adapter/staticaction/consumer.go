// Package staticaction implements the action port with configured default
// decisions. Applied decisions are only logged.
package staticaction

import (
	"context"
	"log/slog"

	"github.com/Strob0t/Conclave/internal/domain/decision"
	"github.com/Strob0t/Conclave/internal/port/action"
)

// Fallback is returned for classes without a configured default.
const Fallback = "wait"

// Consumer serves per-class default decisions from memory.
type Consumer struct {
	defaults map[decision.ContextClass]string
}

var _ action.Consumer = (*Consumer)(nil)

// New builds a consumer from a class -> payload map. Unknown classes are ignored.
func New(defaults map[string]string) *Consumer {
	d := make(map[decision.ContextClass]string, len(defaults))
	for k, v := range defaults {
		if c, err := decision.ParseClass(k); err == nil && v != "" {
			d[c] = v
		}
	}
	return &Consumer{defaults: d}
}

// DefaultDecision returns the configured default for class without blocking.
func (c *Consumer) DefaultDecision(class decision.ContextClass) string {
	if v, ok := c.defaults[class]; ok {
		return v
	}
	return Fallback
}

// Apply logs the decision.
func (c *Consumer) Apply(ctx context.Context, d decision.Consensus) error {
	slog.InfoContext(ctx, "decision applied",
		"decision", d.Payload,
		"context_class", d.Class,
		"override_level", int(d.OverrideLevel),
	)
	return nil
}
