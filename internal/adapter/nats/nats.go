// Package nats implements the message queue port using NATS core and JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/Conclave/internal/logger"
	"github.com/Strob0t/Conclave/internal/port/messagequeue"
)

const (
	streamName = "CONCLAVE"

	headerRequestID     = "X-Request-ID"
	headerCorrelationID = "X-Correlation-ID"
	headerRetryCount    = "Retry-Count"
	headerDLQReason     = "DLQ-Reason"

	maxRetries = 3
	retryDelay = 2 * time.Second
)

// Queue implements messagequeue.Queue using NATS. Durable events go through
// JetStream; request/reply uses core NATS.
type Queue struct {
	nc *nats.Conn
	js jetstream.JetStream
}

var _ messagequeue.Queue = (*Queue)(nil)

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, url string) (*Queue, error) {
	nc, err := nats.Connect(url,
		nats.Name("conclave"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"decisions.>"},
		MaxAge:   24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Queue{nc: nc, js: js}, nil
}

// JetStream exposes the JetStream context, e.g. for KV buckets.
func (q *Queue) JetStream() jetstream.JetStream { return q.js }

// KeyValue creates or updates a KV bucket with the given TTL.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket, TTL: ttl})
	if err != nil {
		return nil, fmt.Errorf("nats kv %s: %w", bucket, err)
	}
	return kv, nil
}

// Publish sends a message to the given subject.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: headersFrom(ctx)}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject. Messages
// failing schema validation go straight to the dead letter subject; handler
// failures are redelivered up to maxRetries times first.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		MaxDeliver:    maxRetries + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		mctx := contextFrom(context.Background(), msg.Headers())
		if err := messagequeue.Validate(msg.Subject(), msg.Data()); err != nil {
			slog.WarnContext(mctx, "invalid message", "subject", msg.Subject(), "error", err)
			q.moveToDLQ(mctx, msg, err)
			return
		}
		if err := handler(mctx, msg.Subject(), msg.Data()); err != nil {
			if retryCount(msg) >= maxRetries {
				q.moveToDLQ(mctx, msg, err)
				return
			}
			slog.ErrorContext(mctx, "message handler failed", "subject", msg.Subject(), "error", err)
			if nakErr := msg.NakWithDelay(retryDelay); nakErr != nil {
				slog.Error("nats nak failed", "error", nakErr)
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}
	return cons.Stop, nil
}

func (q *Queue) moveToDLQ(ctx context.Context, msg jetstream.Msg, reason error) {
	dlq := &nats.Msg{Subject: msg.Subject() + ".dlq", Data: msg.Data(), Header: nats.Header{}}
	for k, v := range msg.Headers() {
		dlq.Header[k] = v
	}
	dlq.Header.Set(headerDLQReason, reason.Error())
	if _, err := q.js.PublishMsg(ctx, dlq); err != nil {
		slog.ErrorContext(ctx, "dlq publish failed", "subject", dlq.Subject, "error", err)
		_ = msg.Nak()
		return
	}
	slog.WarnContext(ctx, "message moved to dlq", "subject", msg.Subject(), "reason", reason)
	_ = msg.Ack()
}

// retryCount is the larger of the explicit header and the redelivery count.
func retryCount(msg jetstream.Msg) int {
	n, _ := strconv.Atoi(msg.Headers().Get(headerRetryCount))
	if md, err := msg.Metadata(); err == nil && int(md.NumDelivered)-1 > n {
		n = int(md.NumDelivered) - 1
	}
	return n
}

// Request sends data to subject and waits for a single reply.
func (q *Queue) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg := &nats.Msg{Subject: subject, Data: data, Header: headersFrom(ctx)}
	reply, err := q.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
	return reply.Data, nil
}

// Serve answers requests on subject. Members of the same group share the load.
func (q *Queue) Serve(ctx context.Context, subject, group string, responder messagequeue.Responder) (func(), error) {
	sub, err := q.nc.QueueSubscribe(subject, group, func(msg *nats.Msg) {
		mctx := contextFrom(ctx, msg.Header)
		data, err := responder(mctx, msg.Subject, msg.Data)
		if err != nil {
			slog.ErrorContext(mctx, "responder failed", "subject", msg.Subject, "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.ErrorContext(mctx, "nats respond failed", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats serve %s: %w", subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Drain gracefully drains all subscriptions and closes the connection.
func (q *Queue) Drain() error {
	if err := q.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the NATS connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}

func headersFrom(ctx context.Context) nats.Header {
	h := nats.Header{}
	if id := logger.RequestID(ctx); id != "" {
		h.Set(headerRequestID, id)
	}
	if id := logger.CorrelationID(ctx); id != "" {
		h.Set(headerCorrelationID, id)
	}
	return h
}

func contextFrom(ctx context.Context, h nats.Header) context.Context {
	if h == nil {
		return ctx
	}
	if id := h.Get(headerRequestID); id != "" {
		ctx = logger.WithRequestID(ctx, id)
	}
	if id := h.Get(headerCorrelationID); id != "" {
		ctx = logger.WithCorrelationID(ctx, id)
	}
	return ctx
}
