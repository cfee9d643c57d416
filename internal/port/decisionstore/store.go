// Package decisionstore defines the audit log port for produced decisions.
package decisionstore

import (
	"context"
	"time"

	"github.com/Strob0t/Conclave/internal/domain/decision"
)

// Record is one persisted scheduling outcome.
type Record struct {
	ID        string             `json:"id"`
	Decision  decision.Consensus `json:"decision"`
	Payload   string             `json:"request_payload"`
	Elapsed   time.Duration      `json:"elapsed"`
	Responses int                `json:"responses"`
	Errors    []string           `json:"errors,omitempty"`
}

// Store persists decision records.
type Store interface {
	Append(ctx context.Context, r Record) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	// Get returns the latest record for a correlation ID or domain.ErrNotFound.
	Get(ctx context.Context, correlationID string) (Record, error)
}
