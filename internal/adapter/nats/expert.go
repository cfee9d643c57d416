package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Strob0t/Conclave/internal/domain"
	"github.com/Strob0t/Conclave/internal/domain/decision"
	domprov "github.com/Strob0t/Conclave/internal/domain/provider"
	"github.com/Strob0t/Conclave/internal/logger"
	"github.com/Strob0t/Conclave/internal/port/messagequeue"
	"github.com/Strob0t/Conclave/internal/port/provider"
)

// Requester is the request/reply half of messagequeue.Queue.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// ExpertClient is a provider backed by an expert worker listening on a NATS subject.
type ExpertClient struct {
	cfg domprov.Config
	req Requester
	now func() time.Time
}

var _ provider.Client = (*ExpertClient)(nil)

// NewExpertClient creates a provider for cfg, which must be of kind nats.
func NewExpertClient(cfg domprov.Config, req Requester) *ExpertClient {
	return &ExpertClient{cfg: cfg.WithDefaults(), req: req, now: time.Now}
}

// ID returns the provider ID.
func (c *ExpertClient) ID() string { return c.cfg.ID }

// Invoke sends the payload to the worker and waits for its decision.
func (c *ExpertClient) Invoke(ctx context.Context, payload string) (decision.Response, error) {
	start := c.now()
	resp := decision.Response{ProviderID: c.cfg.ID}
	fail := func(err error) (decision.Response, error) {
		resp.Latency = c.now().Sub(start)
		resp.Err = err
		return resp, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.BaseTimeout)
	defer cancel()

	req := messagequeue.ExpertRequestPayload{
		Payload:       payload,
		CorrelationID: logger.CorrelationID(ctx),
	}
	if dl, ok := ctx.Deadline(); ok {
		req.DeadlineMS = dl.Sub(start).Milliseconds()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fail(provider.Malformed(c.cfg.ID, fmt.Errorf("marshal request: %w", err)))
	}

	raw, err := c.req.Request(ctx, c.cfg.Subject, data)
	if err != nil {
		return fail(classifyRequest(c.cfg.ID, err))
	}
	if err := messagequeue.ValidateExpertReply(raw); err != nil {
		return fail(provider.Malformed(c.cfg.ID, err))
	}
	var reply messagequeue.ExpertReplyPayload
	_ = json.Unmarshal(raw, &reply) // validated above
	if reply.Error != "" {
		return fail(provider.NewError(c.cfg.ID, domain.ErrUnavailable, errors.New(reply.Error)))
	}

	resp.Payload = reply.Decision
	resp.Confidence = reply.Confidence
	resp.Latency = c.now().Sub(start)
	return resp, nil
}

func classifyRequest(id string, err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return provider.NewError(id, domain.ErrUnavailable, err)
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return provider.NewError(id, domain.ErrTimeout, err)
	}
	return provider.FromTransport(id, err)
}
