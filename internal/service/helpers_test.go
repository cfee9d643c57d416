package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/Conclave/internal/domain"
	"github.com/Strob0t/Conclave/internal/domain/consensus"
	"github.com/Strob0t/Conclave/internal/domain/decision"
	domprov "github.com/Strob0t/Conclave/internal/domain/provider"
	"github.com/Strob0t/Conclave/internal/pool"
	"github.com/Strob0t/Conclave/internal/port/decisionstore"
	"github.com/Strob0t/Conclave/internal/port/provider"
	"github.com/Strob0t/Conclave/internal/ratelimit"
	"github.com/Strob0t/Conclave/internal/resilience"
)

// fakeClient is a scripted provider.
type fakeClient struct {
	id    string
	fn    func(ctx context.Context, n int, payload string) (decision.Response, error)
	calls atomic.Int32
}

func (f *fakeClient) ID() string { return f.id }

func (f *fakeClient) Invoke(ctx context.Context, payload string) (decision.Response, error) {
	n := int(f.calls.Add(1))
	resp, err := f.fn(ctx, n, payload)
	resp.ProviderID = f.id
	resp.Err = err
	return resp, err
}

func answering(id, payload string, conf float64) *fakeClient {
	return &fakeClient{id: id, fn: func(context.Context, int, string) (decision.Response, error) {
		return decision.Response{Payload: payload, Confidence: conf, Latency: time.Millisecond}, nil
	}}
}

// echoing answers with the request payload, so every cycle decides differently.
func echoing(id string) *fakeClient {
	return &fakeClient{id: id, fn: func(_ context.Context, _ int, payload string) (decision.Response, error) {
		return decision.Response{Payload: payload, Confidence: 0.8, Latency: time.Millisecond}, nil
	}}
}

func failing(id string, kind error) *fakeClient {
	return &fakeClient{id: id, fn: func(context.Context, int, string) (decision.Response, error) {
		return decision.Response{}, provider.NewError(id, kind, errors.New("scripted failure"))
	}}
}

// hanging blocks until ctx ends, like a backend that never answers.
func hanging(id string) *fakeClient {
	return &fakeClient{id: id, fn: func(ctx context.Context, _ int, _ string) (decision.Response, error) {
		<-ctx.Done()
		return decision.Response{}, provider.FromTransport(id, ctx.Err())
	}}
}

// defaults is an action consumer with fixed per-class defaults.
type defaults struct {
	mu      sync.Mutex
	applied []decision.Consensus
	err     error
}

func (d *defaults) DefaultDecision(class decision.ContextClass) string {
	return "default-" + string(class)
}

func (d *defaults) Apply(_ context.Context, c decision.Consensus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applied = append(d.applied, c)
	return d.err
}

type memStore struct {
	mu      sync.Mutex
	records []decisionstore.Record
}

func (m *memStore) Append(_ context.Context, r decisionstore.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *memStore) Recent(_ context.Context, limit int) ([]decisionstore.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []decisionstore.Record
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

func (m *memStore) Get(_ context.Context, correlationID string) (decisionstore.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].Decision.CorrelationID == correlationID {
			return m.records[i], nil
		}
	}
	return decisionstore.Record{}, domain.ErrNotFound
}

type recordedEvent struct {
	kind    string
	payload any
}

type memHub struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (h *memHub) BroadcastEvent(_ context.Context, kind string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, recordedEvent{kind: kind, payload: payload})
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = value
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type harnessConfig struct {
	terminal   *fakeClient
	candidates int
	quorum     int
	rpm        int
	rate       ratelimit.Options
	deadlines  map[decision.ContextClass]time.Duration
	lowLatency map[string]bool
}

type harness struct {
	sched   *Scheduler
	disp    *Dispatcher
	guard   *resilience.Guard
	limiter *ratelimit.Limiter
	queue   *RequestQueue
	actions *defaults
}

// newHarness wires a scheduler over clients, ordered by priority tier.
func newHarness(t *testing.T, clients []*fakeClient, opts ...func(*harnessConfig)) *harness {
	t.Helper()
	hc := harnessConfig{
		candidates: 3,
		quorum:     3,
		rpm:        100,
		deadlines: map[decision.ContextClass]time.Duration{
			decision.ClassUrgent:       150 * time.Millisecond,
			decision.ClassNormal:       2 * time.Second,
			decision.ClassDeliberative: 3 * time.Second,
		},
	}
	for _, o := range opts {
		o(&hc)
	}

	all := clients
	if hc.terminal != nil {
		all = append(append([]*fakeClient(nil), clients...), hc.terminal)
	}
	var cfgs []domprov.Config
	var pcs []provider.Client
	rpm := map[string]int{}
	cooldowns := map[string]time.Duration{}
	tiers := map[string]int{}
	for i, c := range all {
		cfgs = append(cfgs, domprov.Config{
			ID: c.id, Kind: domprov.KindLiteLLM, URL: "http://unused", MaxRPM: hc.rpm,
			PriorityTier: i + 1, LowLatency: hc.lowLatency[c.id],
		}.WithDefaults())
		pcs = append(pcs, c)
		rpm[c.id] = hc.rpm
		cooldowns[c.id] = 30 * time.Second
		tiers[c.id] = i + 1
	}
	terminal := ""
	if hc.terminal != nil {
		terminal = hc.terminal.id
	}
	chains, err := domprov.NewChainSet(cfgs, nil, terminal)
	if err != nil {
		t.Fatalf("NewChainSet: %v", err)
	}
	limiter, err := ratelimit.New(rpm, hc.rate)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	guard := resilience.NewGuard(5, cooldowns, resilience.NewStuckDetector(3, 5, 8))
	queue := NewRequestQueue(limiter, 10*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go queue.Start(ctx)

	disp := NewDispatcher(pcs, chains, limiter, guard, queue, pool.New(6),
		consensus.NewAggregator(0.5, tiers), DispatcherConfig{MaxCandidates: hc.candidates, QuorumMin: hc.quorum})
	actions := &defaults{}
	sched := NewScheduler(disp, guard, decision.NewTimeoutPolicy(hc.deadlines, 4, 0), actions)
	return &harness{sched: sched, disp: disp, guard: guard, limiter: limiter, queue: queue, actions: actions}
}

func mustSchedule(t *testing.T, s *Scheduler, payload, class string) decision.Consensus {
	t.Helper()
	c, err := s.Schedule(context.Background(), payload, class, "")
	if err != nil {
		t.Fatalf("Schedule(%q): %v", payload, err)
	}
	return c
}
