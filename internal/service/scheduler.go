// Package service holds the scheduling application services: dispatch,
// consensus rounds, request queueing, and decision fan-out.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	cotel "github.com/Strob0t/Conclave/internal/adapter/otel"
	"github.com/Strob0t/Conclave/internal/domain"
	"github.com/Strob0t/Conclave/internal/domain/decision"
	"github.com/Strob0t/Conclave/internal/logger"
	"github.com/Strob0t/Conclave/internal/port/action"
	"github.com/Strob0t/Conclave/internal/port/broadcast"
	"github.com/Strob0t/Conclave/internal/port/decisionstore"
	"github.com/Strob0t/Conclave/internal/port/messagequeue"
	"github.com/Strob0t/Conclave/internal/resilience"
)

// emitTimeout bounds the off-path audit work for one decision.
const emitTimeout = 5 * time.Second

// Scheduler is the entry point of the planner loop: one Schedule call per
// planning cycle, one decision per call.
type Scheduler struct {
	dispatcher *Dispatcher
	guard      *resilience.Guard
	timeouts   *decision.TimeoutPolicy
	actions    action.Consumer

	store   decisionstore.Store
	hub     broadcast.Broadcaster
	queue   messagequeue.Queue
	metrics *cotel.Metrics

	now   func() time.Time
	emits sync.WaitGroup
}

// NewScheduler creates a scheduler. actions supplies default decisions.
func NewScheduler(d *Dispatcher, g *resilience.Guard, tp *decision.TimeoutPolicy, actions action.Consumer) *Scheduler {
	return &Scheduler{
		dispatcher: d,
		guard:      g,
		timeouts:   tp,
		actions:    actions,
		now:        time.Now,
	}
}

// SetStore enables the decision audit log.
func (s *Scheduler) SetStore(st decisionstore.Store) { s.store = st }

// SetBroadcaster enables live decision events.
func (s *Scheduler) SetBroadcaster(b broadcast.Broadcaster) { s.hub = b }

// SetQueue enables publishing decisions to the message queue.
func (s *Scheduler) SetQueue(q messagequeue.Queue) { s.queue = q }

// SetMetrics enables metric recording.
func (s *Scheduler) SetMetrics(m *cotel.Metrics) { s.metrics = m }

// Warmup reports whether deadlines are currently stretched for warm-up.
func (s *Scheduler) Warmup() bool { return s.timeouts.Warmup() }

// SetWarmup switches warm-up mode on or off for the following cycles.
func (s *Scheduler) SetWarmup(on bool) {
	s.timeouts.SetWarmup(on)
	slog.Info("warm-up mode changed", "warmup", on)
}

// Schedule produces exactly one decision for payload.
//
// Provider failures never surface: they end in a fallback or a default
// decision with override level 3. Only invalid input and a cancelled ctx
// return an error.
func (s *Scheduler) Schedule(ctx context.Context, payload, class, correlationID string) (decision.Consensus, error) {
	cls, err := decision.ParseClass(class)
	if err != nil {
		return decision.Consensus{}, err
	}
	if strings.TrimSpace(payload) == "" {
		return decision.Consensus{}, fmt.Errorf("%w: payload is empty", domain.ErrValidation)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx = logger.WithCorrelationID(ctx, correlationID)
	ctx, span := cotel.StartScheduleSpan(ctx, correlationID, string(cls))
	defer span.End()

	start := s.now()
	req := decision.Request{
		Payload:       payload,
		Class:         cls,
		CorrelationID: correlationID,
		Deadline:      s.timeouts.BeginCycle(cls),
		CreatedAt:     start,
	}
	before := s.guard.States()

	var (
		rd  round
		c   decision.Consensus
		why string
	)
	override, level := s.guard.ShouldOverride()
	if override && level >= decision.OverrideForce {
		why = "stuck loop"
		if s.guard.AllOpen() {
			why = "all providers circuit-open"
		}
		c = s.fallbackDefault(req)
		s.guard.ResetAll()
	} else {
		exploratory := override && level == decision.OverrideExplore
		dctx, cancel := context.WithTimeout(ctx, req.Deadline)
		rd, err = s.dispatcher.dispatch(dctx, req, exploratory)
		cancel()

		switch {
		case err == nil || errors.Is(err, domain.ErrNoConsensus):
			if err != nil {
				slog.InfoContext(ctx, "no consensus, using best single response", "provider_ids", rd.decision.Contributors)
			}
			c = rd.decision
			if exploratory {
				c.OverrideLevel = decision.OverrideExplore
			}
			s.guard.ObserveDecision(c.Payload)
		case ctx.Err() != nil:
			span.SetStatus(codes.Error, "caller cancelled")
			return decision.Consensus{}, fmt.Errorf("schedule %s: %w", correlationID, ctx.Err())
		default:
			why = "providers exhausted"
			slog.WarnContext(ctx, "all providers exhausted", "context_class", cls, "error", err)
			c = s.fallbackDefault(req)
		}
	}

	c.DecidedAt = s.now()
	elapsed := c.DecidedAt.Sub(start)
	if why != "" {
		slog.WarnContext(ctx, "default decision forced", "reason", why, "context_class", cls, "decision", c.Payload)
	}
	slog.InfoContext(ctx, "decision made",
		"context_class", cls,
		"decision", c.Payload,
		"confidence", c.Confidence,
		"contributors", c.Contributors,
		"is_fallback", c.IsFallback,
		"override_level", int(c.OverrideLevel),
		"elapsed", elapsed,
	)
	span.SetAttributes(
		attribute.String("decision.payload", c.Payload),
		attribute.Int("decision.override_level", int(c.OverrideLevel)),
		attribute.Bool("decision.is_fallback", c.IsFallback),
	)

	s.record(ctx, c, elapsed)
	s.emit(ctx, req, rd, c, elapsed, before)
	return c, nil
}

// fallbackDefault bypasses consensus with the action consumer's default.
func (s *Scheduler) fallbackDefault(req decision.Request) decision.Consensus {
	return decision.Consensus{
		Payload:       s.actions.DefaultDecision(req.Class),
		IsFallback:    true,
		OverrideLevel: decision.OverrideForce,
		CorrelationID: req.CorrelationID,
		Class:         req.Class,
	}
}

func (s *Scheduler) record(ctx context.Context, c decision.Consensus, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("context_class", string(c.Class)),
		attribute.Bool("is_fallback", c.IsFallback),
		attribute.Int("override_level", int(c.OverrideLevel)),
	)
	s.metrics.Decisions.Add(ctx, 1, attrs)
	s.metrics.DecisionLatency.Record(ctx, elapsed.Seconds(), attrs)
	if c.OverrideLevel > decision.OverrideNone {
		s.metrics.Overrides.Add(ctx, 1, attrs)
	}
}

// emit persists and fans out a decision off the caller's path.
func (s *Scheduler) emit(ctx context.Context, req decision.Request, rd round, c decision.Consensus, elapsed time.Duration, before []resilience.BreakerStatus) {
	if s.store == nil && s.hub == nil && s.queue == nil {
		return
	}
	after := s.guard.States()

	s.emits.Add(1)
	go func() {
		defer s.emits.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
		defer cancel()

		if s.store != nil {
			rec := decisionstore.Record{
				ID:        uuid.NewString(),
				Decision:  c,
				Payload:   req.Payload,
				Elapsed:   elapsed,
				Responses: len(rd.responses),
			}
			for _, e := range rd.errs {
				rec.Errors = append(rec.Errors, e.Error())
			}
			if err := s.store.Append(ctx, rec); err != nil {
				slog.ErrorContext(ctx, "append decision record", "error", err)
			}
		}

		if s.hub != nil {
			event := broadcast.EventDecision
			if c.OverrideLevel > decision.OverrideNone {
				event = broadcast.EventOverride
			}
			s.hub.BroadcastEvent(ctx, event, c)
			for _, st := range breakerChanges(before, after) {
				s.hub.BroadcastEvent(ctx, broadcast.EventBreakerChange, st)
			}
		}

		if s.queue != nil {
			data, err := json.Marshal(DecisionMadePayload(c))
			if err == nil {
				err = s.queue.Publish(ctx, messagequeue.SubjectDecisionMade, data)
			}
			if err != nil {
				slog.ErrorContext(ctx, "publish decision", "error", err)
			}
		}
	}()
}

// Wait blocks until every pending decision emission has finished.
func (s *Scheduler) Wait() { s.emits.Wait() }

// DecisionMadePayload converts a decision to its wire form.
func DecisionMadePayload(c decision.Consensus) messagequeue.DecisionMadePayload {
	return messagequeue.DecisionMadePayload{
		CorrelationID: c.CorrelationID,
		ContextClass:  string(c.Class),
		Decision:      c.Payload,
		Confidence:    c.Confidence,
		Contributors:  c.Contributors,
		IsFallback:    c.IsFallback,
		OverrideLevel: int(c.OverrideLevel),
		DecidedAt:     c.DecidedAt.UTC().Format(time.RFC3339Nano),
	}
}

func breakerChanges(before, after []resilience.BreakerStatus) []resilience.BreakerStatus {
	prev := make(map[string]string, len(before))
	for _, st := range before {
		prev[st.ProviderID] = st.State
	}
	var changed []resilience.BreakerStatus
	for _, st := range after {
		if prev[st.ProviderID] != st.State {
			changed = append(changed, st)
		}
	}
	return changed
}

// ProviderStatus is the observable state of one provider.
type ProviderStatus struct {
	ProviderID   string        `json:"provider_id"`
	State        string        `json:"state"`
	Failures     int           `json:"consecutive_failures"`
	Capacity     int           `json:"current_rpm_cap"`
	MaxRPM       int           `json:"max_rpm"`
	InWindow     int           `json:"in_window"`
	LatencyEMA   time.Duration `json:"latency_ema"`
	BackoffUntil *time.Time    `json:"backoff_until,omitempty"`
	Queued       int           `json:"queued"`
}

// Status returns per-provider breaker and rate-limit state ordered by ID.
func (s *Scheduler) Status() []ProviderStatus {
	states := s.guard.States()
	out := make([]ProviderStatus, 0, len(states))
	for _, st := range states {
		ps := ProviderStatus{
			ProviderID: st.ProviderID,
			State:      st.State,
			Failures:   st.Failures,
			Queued:     s.dispatcher.QueueLen(st.ProviderID),
		}
		if snap, err := s.dispatcher.limiter.Snapshot(st.ProviderID); err == nil {
			ps.Capacity = snap.Capacity
			ps.MaxRPM = snap.MaxRPM
			ps.InWindow = snap.InWindow
			ps.LatencyEMA = snap.LatencyEMA
			if !snap.BackoffUntil.IsZero() {
				until := snap.BackoffUntil
				ps.BackoffUntil = &until
			}
		}
		out = append(out, ps)
	}
	return out
}

// StuckCount returns the current run of identical decisions beyond the first.
func (s *Scheduler) StuckCount() int { return s.guard.StuckCount() }

// Recent returns the latest audited decisions, newest first.
func (s *Scheduler) Recent(ctx context.Context, limit int) ([]decisionstore.Record, error) {
	if s.store == nil {
		return nil, fmt.Errorf("%w: decision audit log is disabled", domain.ErrNotFound)
	}
	return s.store.Recent(ctx, limit)
}

// Decision returns the audited decision for correlationID.
func (s *Scheduler) Decision(ctx context.Context, correlationID string) (decisionstore.Record, error) {
	if s.store == nil {
		return decisionstore.Record{}, fmt.Errorf("%w: decision audit log is disabled", domain.ErrNotFound)
	}
	return s.store.Get(ctx, correlationID)
}
