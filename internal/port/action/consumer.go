// Package action defines the port for the collaborator that acts on decisions.
package action

import (
	"context"

	"github.com/Strob0t/Conclave/internal/domain/decision"
)

// Consumer receives scheduler output.
type Consumer interface {
	// DefaultDecision returns the escape decision for class. It must not block.
	DefaultDecision(class decision.ContextClass) string

	// Apply acts on a produced decision.
	Apply(ctx context.Context, d decision.Consensus) error
}
