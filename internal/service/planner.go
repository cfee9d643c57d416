package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Strob0t/Conclave/internal/domain/decision"
	"github.com/Strob0t/Conclave/internal/port/action"
	"github.com/Strob0t/Conclave/internal/port/perception"
)

// ErrPlannerDone is returned by a producer that has no more contexts.
var ErrPlannerDone = errors.New("planner: no more contexts")

// Decider is the scheduling entry point the planner drives.
type Decider interface {
	Schedule(ctx context.Context, payload, class, correlationID string) (decision.Consensus, error)
}

// Planner runs planning cycles sequentially: build context, schedule, apply.
type Planner struct {
	decider  Decider
	producer perception.Producer
	consumer action.Consumer
	cycle    atomic.Int64
}

// NewPlanner creates a planner loop.
func NewPlanner(d Decider, p perception.Producer, c action.Consumer) *Planner {
	return &Planner{decider: d, producer: p, consumer: c}
}

// Cycles returns the number of cycles started so far.
func (p *Planner) Cycles() int64 { return p.cycle.Load() }

// RunCycle executes one planning cycle.
func (p *Planner) RunCycle(ctx context.Context) (decision.Consensus, error) {
	payload, class, err := p.producer.BuildContext(ctx)
	if err != nil {
		return decision.Consensus{}, fmt.Errorf("build context: %w", err)
	}
	n := p.cycle.Add(1)

	d, err := p.decider.Schedule(ctx, payload, class, fmt.Sprintf("cycle-%d", n))
	if err != nil {
		return decision.Consensus{}, fmt.Errorf("cycle %d: %w", n, err)
	}
	if err := p.consumer.Apply(ctx, d); err != nil {
		return d, fmt.Errorf("cycle %d: apply: %w", n, err)
	}
	return d, nil
}

// Run executes cycles every interval until ctx ends or the producer reports
// ErrPlannerDone. Cycle errors are logged and do not stop the loop.
func (p *Planner) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunCycle(ctx); err != nil {
			switch {
			case errors.Is(err, ErrPlannerDone):
				slog.Info("planner finished", "cycles", p.cycle.Load())
				return nil
			case ctx.Err() != nil:
				return nil
			default:
				slog.ErrorContext(ctx, "planning cycle failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
