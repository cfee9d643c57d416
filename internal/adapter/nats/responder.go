package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Strob0t/Conclave/internal/domain/decision"
	"github.com/Strob0t/Conclave/internal/port/messagequeue"
)

// Scheduler is the entry point answered on conclave.schedule.
type Scheduler interface {
	Schedule(ctx context.Context, payload, class, correlationID string) (decision.Consensus, error)
}

// ScheduleResponder turns conclave.schedule requests into Schedule calls.
// Failures are answered with an error field rather than left unanswered.
func ScheduleResponder(s Scheduler) messagequeue.Responder {
	return func(ctx context.Context, subject string, data []byte) ([]byte, error) {
		var reply messagequeue.ScheduleReplyPayload
		if err := messagequeue.Validate(subject, data); err != nil {
			reply.Error = err.Error()
			return json.Marshal(reply)
		}
		var req messagequeue.ScheduleRequestPayload
		_ = json.Unmarshal(data, &req) // validated above

		d, err := s.Schedule(ctx, req.Payload, req.ContextClass, req.CorrelationID)
		if err != nil {
			slog.WarnContext(ctx, "remote schedule failed", "error", err)
			reply.Error = err.Error()
			return json.Marshal(reply)
		}
		reply.DecisionMadePayload = messagequeue.DecisionMadePayload{
			CorrelationID: d.CorrelationID,
			ContextClass:  string(d.Class),
			Decision:      d.Payload,
			Confidence:    d.Confidence,
			Contributors:  d.Contributors,
			IsFallback:    d.IsFallback,
			OverrideLevel: int(d.OverrideLevel),
			DecidedAt:     d.DecidedAt.UTC().Format(time.RFC3339Nano),
		}
		return json.Marshal(reply)
	}
}
