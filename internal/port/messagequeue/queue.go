// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Responder answers a request/reply message. The returned bytes are sent
// back to the requester.
type Responder func(ctx context.Context, subject string, data []byte) ([]byte, error)

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Request sends data to subject and waits for a single reply or ctx expiry.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)

	// Serve answers request/reply traffic on subject within a queue group.
	Serve(ctx context.Context, subject, group string, responder Responder) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for NATS subjects used by Conclave.
const (
	SubjectDecisionMade = "decisions.made"    // JetStream: every produced decision
	SubjectSchedule     = "conclave.schedule" // request/reply: remote Schedule calls
	SubjectExpertPrefix = "conclave.expert"   // request/reply: conclave.expert.{worker}
	ScheduleQueueGroup  = "conclave-schedulers"
)

// ExpertSubject returns the request subject for a named expert worker.
func ExpertSubject(worker string) string {
	return SubjectExpertPrefix + "." + worker
}
