package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	cotel "github.com/Strob0t/Conclave/internal/adapter/otel"
	"github.com/Strob0t/Conclave/internal/domain"
	"github.com/Strob0t/Conclave/internal/domain/consensus"
	"github.com/Strob0t/Conclave/internal/domain/decision"
	domprov "github.com/Strob0t/Conclave/internal/domain/provider"
	"github.com/Strob0t/Conclave/internal/pool"
	"github.com/Strob0t/Conclave/internal/port/provider"
	"github.com/Strob0t/Conclave/internal/ratelimit"
	"github.com/Strob0t/Conclave/internal/resilience"
)

// errQuorumReached is the cancellation cause for calls still running after
// enough answers arrived.
var errQuorumReached = errors.New("quorum reached")

// Dispatcher defaults.
const (
	DefaultMaxCandidates = 3
	DefaultQuorumMin     = 2
)

// DispatcherConfig holds the fan-out knobs.
type DispatcherConfig struct {
	MaxCandidates int
	QuorumMin     int
}

// Dispatcher fans one request out to an expert pool and reduces the answers.
type Dispatcher struct {
	clients map[string]provider.Client
	chains  *domprov.ChainSet
	limiter *ratelimit.Limiter
	guard   *resilience.Guard
	queue   *RequestQueue
	pool    *pool.Pool
	agg     *consensus.Aggregator
	cfg     DispatcherConfig

	cache   *ResponseCache
	metrics *cotel.Metrics

	mu   sync.Mutex
	last map[string]bool // contributors of the previous consensus
}

// NewDispatcher creates a dispatcher over clients. queue may be nil, in
// which case Queue verdicts are treated as rejections.
func NewDispatcher(
	clients []provider.Client,
	chains *domprov.ChainSet,
	limiter *ratelimit.Limiter,
	guard *resilience.Guard,
	queue *RequestQueue,
	p *pool.Pool,
	agg *consensus.Aggregator,
	cfg DispatcherConfig,
) *Dispatcher {
	if cfg.MaxCandidates < 1 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}
	if cfg.QuorumMin < 1 {
		cfg.QuorumMin = DefaultQuorumMin
	}
	byID := make(map[string]provider.Client, len(clients))
	for _, c := range clients {
		byID[c.ID()] = c
	}
	return &Dispatcher{
		clients: byID,
		chains:  chains,
		limiter: limiter,
		guard:   guard,
		queue:   queue,
		pool:    p,
		agg:     agg,
		cfg:     cfg,
	}
}

// SetCache enables the expert response cache.
func (d *Dispatcher) SetCache(c *ResponseCache) { d.cache = c }

// SetMetrics enables metric recording.
func (d *Dispatcher) SetMetrics(m *cotel.Metrics) { d.metrics = m }

// round is everything one dispatch produced.
type round struct {
	decision  decision.Consensus
	responses []decision.Response
	errs      []error
}

// outcome is the result of one candidate.
type outcome struct {
	resp    decision.Response
	err     error
	skipped bool // never reached the provider; a spare may take its place
	dropped bool // cancelled after quorum
}

// Dispatch sends req to the candidates of its class and aggregates the answers.
//
// With exploratory set, the response cache is bypassed and the previous
// consensus contributors are left out, or tried last when the remaining
// providers cannot reach quorum without them.
//
// Errors: ErrNoConsensus comes with a usable fallback decision;
// ErrAllProvidersExhausted means nothing answered, the terminal backend included.
func (d *Dispatcher) Dispatch(ctx context.Context, req decision.Request, exploratory bool) (decision.Consensus, error) {
	rd, err := d.dispatch(ctx, req, exploratory)
	return rd.decision, err
}

func (d *Dispatcher) dispatch(ctx context.Context, req decision.Request, exploratory bool) (round, error) {
	chain := d.chains.For(req.Class)
	cands := d.candidates(chain, exploratory)

	var rd round
	if len(cands) > 0 {
		rd.responses, rd.errs = d.fanOut(ctx, req, cands, !exploratory)
	}

	if countOK(rd.responses) == 0 && chain.Terminal != "" && ctx.Err() == nil {
		slog.InfoContext(ctx, "falling back to terminal provider", "provider", chain.Terminal, "candidates", len(cands))
		if _, ok := d.clients[chain.Terminal]; ok {
			o := d.call(ctx, req, chain.Terminal, !exploratory)
			if o.err != nil {
				rd.errs = append(rd.errs, o.err)
			}
			if !o.skipped && !o.dropped {
				rd.responses = append(rd.responses, o.resp)
			}
		}
	}

	c, err := d.agg.Aggregate(rd.responses)
	c.Class = req.Class
	c.CorrelationID = req.CorrelationID
	rd.decision = c
	switch {
	case err == nil:
		d.remember(c.Contributors)
		return rd, nil
	case errors.Is(err, domain.ErrNoResponses):
		if len(rd.errs) == 0 {
			return rd, fmt.Errorf("%w: no eligible provider for class %s", domain.ErrAllProvidersExhausted, req.Class)
		}
		return rd, fmt.Errorf("%w: %w", domain.ErrAllProvidersExhausted, errors.Join(rd.errs...))
	default:
		return rd, err
	}
}

// candidates returns the eligible providers of chain in preference order.
func (d *Dispatcher) candidates(chain domprov.Chain, exploratory bool) []string {
	seen := make(map[string]bool, len(chain.Providers))
	ids := make([]string, 0, len(chain.Providers))
	for _, id := range chain.Providers {
		if seen[id] || id == chain.Terminal {
			continue
		}
		seen[id] = true
		if _, ok := d.clients[id]; !ok || d.guard.IsOpen(id) {
			continue
		}
		ids = append(ids, id)
	}
	if !exploratory {
		return ids
	}
	d.mu.Lock()
	last := d.last
	d.mu.Unlock()

	// Leave out the previous contributors when the rest can still reach
	// quorum on their own; otherwise only try the others first.
	fresh := make([]string, 0, len(ids))
	for _, id := range ids {
		if !last[id] {
			fresh = append(fresh, id)
		}
	}
	if len(fresh) >= d.cfg.QuorumMin {
		return fresh
	}
	sort.SliceStable(ids, func(i, j int) bool { return !last[ids[i]] && last[ids[j]] })
	return ids
}

func (d *Dispatcher) remember(contributors []string) {
	last := make(map[string]bool, len(contributors))
	for _, id := range contributors {
		last[id] = true
	}
	d.mu.Lock()
	d.last = last
	d.mu.Unlock()
}

// fanOut runs up to MaxCandidates calls concurrently. A candidate that never
// reaches its provider is replaced by the next one in chain order. Once
// QuorumMin well-formed answers are in, the remaining calls are cancelled.
func (d *Dispatcher) fanOut(ctx context.Context, req decision.Request, cands []string, useCache bool) ([]decision.Response, []error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	results := make(chan outcome, len(cands))
	next, running := 0, 0
	launch := func() {
		id := cands[next]
		next++
		running++
		go func() { results <- d.call(ctx, req, id, useCache) }()
	}
	for next < len(cands) && running < d.cfg.MaxCandidates {
		launch()
	}

	var (
		responses []decision.Response
		errs      []error
		valid     int
	)
	for running > 0 {
		o := <-results
		running--
		switch {
		case o.dropped:
			continue
		case o.skipped:
			errs = append(errs, o.err)
			if next < len(cands) && ctx.Err() == nil {
				launch()
			}
			continue
		}
		responses = append(responses, o.resp)
		if o.err != nil {
			errs = append(errs, o.err)
			continue
		}
		valid++
		if valid >= d.cfg.QuorumMin && running > 0 {
			cancel(errQuorumReached)
		}
	}
	return responses, errs
}

// call runs one candidate: cache, breaker, admission, global slot, Invoke.
// Provider-side throttling feeds the limiter and re-enters admission.
func (d *Dispatcher) call(ctx context.Context, req decision.Request, id string, useCache bool) outcome {
	if useCache {
		if r, ok := d.cache.Get(ctx, id, req.Payload); ok {
			if d.metrics != nil {
				d.metrics.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", id)))
			}
			return outcome{resp: r}
		}
	}
	client := d.clients[id]

	for {
		if !d.guard.Allow(id) {
			return outcome{skipped: true, err: fmt.Errorf("provider %s: %w", id, resilience.ErrCircuitOpen)}
		}
		if err := d.admit(ctx, id); err != nil {
			d.guard.Release(id)
			if errors.Is(ctx.Err(), context.Canceled) {
				return outcome{dropped: true}
			}
			return outcome{skipped: true, err: err}
		}

		var (
			resp decision.Response
			err  error
		)
		start := time.Now()
		perr := d.pool.Run(ctx, func() error {
			ictx, span := cotel.StartInvokeSpan(ctx, id)
			defer span.End()
			resp, err = client.Invoke(ictx, req.Payload)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return nil
		})
		// Cancelled calls (quorum reached, caller gone) prove nothing either way.
		if errors.Is(ctx.Err(), context.Canceled) {
			d.guard.Release(id)
			return outcome{dropped: true}
		}
		if perr != nil {
			d.guard.Release(id)
			return outcome{skipped: true, err: provider.FromTransport(id, perr)}
		}

		resp.ProviderID = id
		if resp.Latency <= 0 {
			resp.Latency = time.Since(start)
		}
		if errors.Is(err, domain.ErrRateLimited) {
			d.guard.Release(id)
			d.limiter.RecordThrottle(id, provider.RetryAfterOf(err))
			d.recordCall(ctx, id, "rate_limited", resp.Latency)
			slog.DebugContext(ctx, "provider throttled, re-admitting", "provider", id, "retry_after", provider.RetryAfterOf(err))
			continue
		}

		// A malformed answer still proves the provider is up.
		d.guard.Observe(id, err == nil || errors.Is(err, domain.ErrMalformed))
		if errors.Is(err, domain.ErrTimeout) {
			d.limiter.RecordTimeout(id, resp.Latency)
		} else {
			d.limiter.RecordCompletion(id, resp.Latency, err == nil)
		}

		if err != nil {
			d.recordCall(ctx, id, callResult(err), resp.Latency)
			slog.WarnContext(ctx, "provider call failed", "provider", id, "error", err)
			resp.Err = err
			resp.Confidence = 0
			return outcome{resp: resp, err: err}
		}
		d.recordCall(ctx, id, "ok", resp.Latency)
		d.cache.Put(ctx, req.Payload, resp)
		return outcome{resp: resp}
	}
}

// admit obtains a rate-limit slot, sleeping on the Wait tier and parking in
// the RequestQueue on the Queue tier.
func (d *Dispatcher) admit(ctx context.Context, id string) error {
	adm, err := d.limiter.Admit(ctx, id)
	if err != nil {
		return provider.FromTransport(id, err)
	}
	if d.metrics != nil {
		d.metrics.Admissions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", id),
			attribute.String("verdict", adm.Verdict.String()),
		))
	}

	switch adm.Verdict {
	case ratelimit.Admitted:
		return nil
	case ratelimit.Queue:
		if d.queue == nil {
			break
		}
		if err := d.queue.Wait(ctx, id); err != nil {
			if ctx.Err() != nil {
				return provider.FromTransport(id, err)
			}
			return err
		}
		return nil
	}
	return &provider.Error{
		Provider:   id,
		Kind:       domain.ErrRateLimited,
		RetryAfter: adm.RetryAfter,
		Err:        fmt.Errorf("no budget for %s", adm.RetryAfter.Round(time.Millisecond)),
	}
}

// QueueLen returns the number of calls parked for provider id.
func (d *Dispatcher) QueueLen(id string) int {
	if d.queue == nil {
		return 0
	}
	return d.queue.Len(id)
}

func callResult(err error) string {
	switch provider.Classify(err) {
	case domain.ErrTimeout:
		return "timeout"
	case domain.ErrUnavailable:
		return "unavailable"
	case domain.ErrMalformed:
		return "malformed"
	case domain.ErrRateLimited:
		return "rate_limited"
	}
	return "error"
}

func countOK(rs []decision.Response) int {
	n := 0
	for i := range rs {
		if rs[i].OK() {
			n++
		}
	}
	return n
}

func (d *Dispatcher) recordCall(ctx context.Context, id, result string, latency time.Duration) {
	if d.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("provider", id), attribute.String("result", result))
	d.metrics.ProviderCalls.Add(ctx, 1, attrs)
	d.metrics.ProviderLatency.Record(ctx, latency.Seconds(), attrs)
}
