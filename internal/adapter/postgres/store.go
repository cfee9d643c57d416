package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/Conclave/internal/domain"
	"github.com/Strob0t/Conclave/internal/domain/decision"
	"github.com/Strob0t/Conclave/internal/port/decisionstore"
)

// DefaultRecentLimit caps Recent when the caller passes a non-positive limit.
const DefaultRecentLimit = 50

const decisionColumns = `id, correlation_id, context_class, request_payload, decision, confidence,
	contributors, is_fallback, override_level, responses, errors, elapsed_ms, decided_at`

// DecisionStore implements decisionstore.Store using PostgreSQL.
type DecisionStore struct {
	pool *pgxpool.Pool
}

var _ decisionstore.Store = (*DecisionStore)(nil)

// NewDecisionStore creates a DecisionStore backed by the given connection pool.
func NewDecisionStore(pool *pgxpool.Pool) *DecisionStore {
	return &DecisionStore{pool: pool}
}

// Append inserts one decision record. Records are immutable once written.
func (s *DecisionStore) Append(ctx context.Context, r decisionstore.Record) error {
	errs, err := json.Marshal(orEmpty(r.Errors))
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	c := r.Decision
	decidedAt := c.DecidedAt
	if decidedAt.IsZero() {
		decidedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO decisions (`+decisionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, c.CorrelationID, string(c.Class), r.Payload, c.Payload, c.Confidence,
		orEmpty(c.Contributors), c.IsFallback, int(c.OverrideLevel), r.Responses, errs,
		r.Elapsed.Milliseconds(), decidedAt)
	if err != nil {
		return fmt.Errorf("insert decision %s: %w", r.ID, err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *DecisionStore) Recent(ctx context.Context, limit int) ([]decisionstore.Record, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM decisions ORDER BY decided_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []decisionstore.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	return orEmpty(out), nil
}

// Get returns the latest record for correlationID.
func (s *DecisionStore) Get(ctx context.Context, correlationID string) (decisionstore.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE correlation_id = $1
		 ORDER BY decided_at DESC LIMIT 1`, correlationID)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return decisionstore.Record{}, fmt.Errorf("decision %s: %w", correlationID, domain.ErrNotFound)
	}
	if err != nil {
		return decisionstore.Record{}, fmt.Errorf("get decision %s: %w", correlationID, err)
	}
	return r, nil
}

// orEmpty keeps nil slices out of SQL arrays and JSON results.
func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func scanRecord(row pgx.Row) (decisionstore.Record, error) {
	var (
		r         decisionstore.Record
		class     string
		level     int16
		errs      []byte
		elapsedMS int64
	)
	err := row.Scan(&r.ID, &r.Decision.CorrelationID, &class, &r.Payload, &r.Decision.Payload,
		&r.Decision.Confidence, &r.Decision.Contributors, &r.Decision.IsFallback, &level,
		&r.Responses, &errs, &elapsedMS, &r.Decision.DecidedAt)
	if err != nil {
		return decisionstore.Record{}, err
	}
	r.Decision.Class = decision.ContextClass(class)
	r.Decision.OverrideLevel = decision.OverrideLevel(level)
	r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &r.Errors); err != nil {
			return decisionstore.Record{}, fmt.Errorf("unmarshal errors: %w", err)
		}
	}
	if len(r.Errors) == 0 {
		r.Errors = nil
	}
	return r, nil
}
