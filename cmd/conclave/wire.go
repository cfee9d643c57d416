package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	_ "github.com/Strob0t/Conclave/internal/adapter/discord" // register notifier
	"github.com/Strob0t/Conclave/internal/adapter/litellm"
	cvnats "github.com/Strob0t/Conclave/internal/adapter/nats"
	"github.com/Strob0t/Conclave/internal/adapter/natskv"
	"github.com/Strob0t/Conclave/internal/adapter/ollama"
	cotel "github.com/Strob0t/Conclave/internal/adapter/otel"
	"github.com/Strob0t/Conclave/internal/adapter/postgres"
	"github.com/Strob0t/Conclave/internal/adapter/ristretto"
	_ "github.com/Strob0t/Conclave/internal/adapter/slack" // register notifier
	"github.com/Strob0t/Conclave/internal/adapter/tiered"
	"github.com/Strob0t/Conclave/internal/adapter/ws"
	"github.com/Strob0t/Conclave/internal/config"
	"github.com/Strob0t/Conclave/internal/domain/consensus"
	"github.com/Strob0t/Conclave/internal/domain/decision"
	domprov "github.com/Strob0t/Conclave/internal/domain/provider"
	"github.com/Strob0t/Conclave/internal/pool"
	"github.com/Strob0t/Conclave/internal/port/action"
	"github.com/Strob0t/Conclave/internal/port/broadcast"
	"github.com/Strob0t/Conclave/internal/port/cache"
	"github.com/Strob0t/Conclave/internal/port/notifier"
	"github.com/Strob0t/Conclave/internal/port/provider"
	"github.com/Strob0t/Conclave/internal/ratelimit"
	"github.com/Strob0t/Conclave/internal/resilience"
	"github.com/Strob0t/Conclave/internal/secrets"
	"github.com/Strob0t/Conclave/internal/service"
)

// app is the fully wired scheduler plus the infrastructure it owns.
type app struct {
	cfg       *config.Config
	scheduler *service.Scheduler
	queue     *service.RequestQueue
	vault     *secrets.Vault
	hub       *ws.Hub
	nats      *cvnats.Queue // nil without nats.url
	pg        *pgxpool.Pool // nil without postgres.dsn
	cache     cache.Cache   // nil with cache disabled
	cleanups  []func()
}

// close waits for pending audit emissions, then releases infrastructure.
func (a *app) close() {
	a.scheduler.Wait()
	a.closeInfra()
}

// buildApp wires every component from cfg. actions supplies the per-class
// default decisions; serve uses the static table, plan the line consumer.
func buildApp(ctx context.Context, cfg *config.Config, actions action.Consumer) (_ *app, err error) {
	a := &app{cfg: cfg, hub: ws.NewHub()}
	defer func() {
		if err != nil {
			a.closeInfra()
		}
	}()

	// --- Secrets ---
	var fileLoader secrets.Loader
	if cfg.Secrets.File != "" {
		fileLoader = secrets.FileLoader(cfg.Secrets.File)
	}
	a.vault, err = secrets.NewVault(secrets.ProviderLoader(cfg.Providers, fileLoader))
	if err != nil {
		return nil, err
	}

	// --- Infrastructure ---
	if cfg.NATS.URL != "" {
		a.nats, err = cvnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		a.cleanups = append(a.cleanups, func() { _ = a.nats.Drain() })
		slog.Info("nats connected", "url", cfg.NATS.URL)
	}

	if cfg.Postgres.DSN != "" {
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		a.pg, err = postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.cleanups = append(a.cleanups, a.pg.Close)
		slog.Info("postgres connected, migrations applied")
	}

	if cfg.Cache.Enabled {
		if err := a.buildCache(ctx); err != nil {
			return nil, err
		}
	}

	// --- Providers ---
	clients, err := a.buildClients()
	if err != nil {
		return nil, err
	}
	chains, err := domprov.NewChainSet(cfg.Providers, cfg.ClassChains(), cfg.Terminal)
	if err != nil {
		return nil, fmt.Errorf("chains: %w", err)
	}

	maxRPM := make(map[string]int, len(cfg.Providers))
	cooldowns := make(map[string]time.Duration, len(cfg.Providers))
	for i := range cfg.Providers {
		maxRPM[cfg.Providers[i].ID] = cfg.Providers[i].MaxRPM
		cooldowns[cfg.Providers[i].ID] = cfg.Providers[i].Cooldown
	}
	limiter, err := ratelimit.New(maxRPM, ratelimit.Options{
		Window:         cfg.Rate.Window,
		WaitThreshold:  cfg.Rate.WaitThreshold,
		QueueThreshold: cfg.Rate.QueueThreshold,
		RescaleEvery:   cfg.Rate.RescaleEvery,
		FastLatency:    cfg.Rate.FastLatency,
		SlowLatency:    cfg.Rate.SlowLatency,
		GrowFactor:     cfg.Rate.GrowFactor,
		ShrinkFactor:   cfg.Rate.ShrinkFactor,
		FloorRatio:     cfg.Rate.FloorRatio,
		EMAAlpha:       cfg.Rate.EMAAlpha,
	})
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	stuck := resilience.NewStuckDetector(cfg.Scheduler.StuckModerate, cfg.Scheduler.StuckForce, cfg.Scheduler.StuckHistory)
	guard := resilience.NewGuard(cfg.Breaker.MaxFailures, cooldowns, stuck)
	a.queue = service.NewRequestQueue(limiter, cfg.Queue.RetryInterval, cfg.Queue.RetryDeadline)

	// --- Services ---
	metrics, err := cotel.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	agg := consensus.NewAggregator(cfg.Scheduler.ConsensusThreshold, domprov.Tiers(cfg.Providers))
	dispatcher := service.NewDispatcher(clients, chains, limiter, guard, a.queue,
		pool.New(cfg.Scheduler.MaxInFlight), agg, service.DispatcherConfig{
			MaxCandidates: cfg.Scheduler.MaxCandidates,
			QuorumMin:     cfg.Scheduler.QuorumMin,
		})
	dispatcher.SetMetrics(metrics)
	if a.cache != nil {
		dispatcher.SetCache(service.NewResponseCache(a.cache, cfg.Cache.TTL))
	}

	timeouts := decision.NewTimeoutPolicy(cfg.ClassDeadlines(), cfg.Timeouts.WarmupMultiplier, cfg.Timeouts.WarmupCycles)
	if cfg.Timeouts.Warmup {
		timeouts.SetWarmup(true)
	}
	a.scheduler = service.NewScheduler(dispatcher, guard, timeouts, actions)
	a.scheduler.SetMetrics(metrics)
	a.scheduler.SetBroadcaster(a.broadcaster())
	if a.pg != nil {
		a.scheduler.SetStore(postgres.NewDecisionStore(a.pg))
	}
	if a.nats != nil && cfg.NATS.PublishDecisions {
		a.scheduler.SetQueue(a.nats)
	}

	slog.Info("scheduler ready",
		"providers", len(clients),
		"terminal", cfg.Terminal,
		"max_in_flight", cfg.Scheduler.MaxInFlight,
		"quorum_min", cfg.Scheduler.QuorumMin,
		"warmup_cycles", cfg.Timeouts.WarmupCycles,
		"warmup", timeouts.Warmup(),
	)
	return a, nil
}

// closeInfra releases infrastructure in reverse order of acquisition.
func (a *app) closeInfra() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}

// buildCache wires ristretto as L1 and, with NATS, JetStream KV as L2.
func (a *app) buildCache(ctx context.Context) error {
	l1, err := ristretto.New(a.cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	a.cleanups = append(a.cleanups, l1.Close)
	a.cache = l1

	if a.nats == nil || a.cfg.Cache.L2Bucket == "" {
		return nil
	}
	l2, err := natskv.Open(ctx, a.nats.JetStream(), a.cfg.Cache.L2Bucket, a.cfg.Cache.TTL)
	if err != nil {
		return fmt.Errorf("l2 cache: %w", err)
	}
	a.cache = tiered.New(l1, l2, a.cfg.Cache.TTL).
		WithBreaker(resilience.NewBreaker(a.cfg.Breaker.MaxFailures, a.cfg.Breaker.Cooldown))
	slog.Info("response cache enabled", "l2_bucket", a.cfg.Cache.L2Bucket, "ttl", a.cfg.Cache.TTL)
	return nil
}

// buildClients creates one provider client per configured backend.
func (a *app) buildClients() ([]provider.Client, error) {
	hc := &http.Client{Transport: cotel.HTTPTransport(nil)}

	clients := make([]provider.Client, 0, len(a.cfg.Providers))
	for i := range a.cfg.Providers {
		pc := a.cfg.Providers[i]
		switch pc.Kind {
		case domprov.KindLiteLLM:
			opts := []litellm.Option{
				litellm.WithHTTPClient(hc),
				litellm.WithKeySource(a.vault.Source(pc.ID)),
			}
			if pc.SystemPrompt != "" {
				opts = append(opts, litellm.WithSystemPrompt(pc.SystemPrompt))
			}
			clients = append(clients, litellm.NewClient(pc, opts...))
		case domprov.KindOllama:
			clients = append(clients, ollama.NewClient(pc, hc))
		case domprov.KindNATS:
			if a.nats == nil {
				return nil, fmt.Errorf("provider %s: kind nats requires nats.url", pc.ID)
			}
			clients = append(clients, cvnats.NewExpertClient(pc, a.nats))
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", pc.ID, pc.Kind)
		}
		slog.Info("provider configured",
			"provider", pc.ID,
			"kind", pc.Kind,
			"max_rpm", pc.MaxRPM,
			"priority_tier", pc.PriorityTier,
			"api_key", a.vault.Redacted(pc.ID),
		)
	}
	return clients, nil
}

// broadcaster returns the websocket hub, fanned out to chat alerts when any
// webhook is configured.
func (a *app) broadcaster() broadcast.Broadcaster {
	hooks := map[string]string{
		"slack":   a.cfg.Notify.SlackWebhook,
		"discord": a.cfg.Notify.DiscordWebhook,
	}
	hc := &http.Client{Transport: cotel.HTTPTransport(nil), Timeout: 10 * time.Second}

	var notifiers []notifier.Notifier
	for _, name := range notifier.Available() {
		url := hooks[name]
		if url == "" {
			continue
		}
		n, err := notifier.New(name, url, hc)
		if err != nil {
			slog.Warn("notifier unavailable", "notifier", name, "error", err)
			continue
		}
		notifiers = append(notifiers, n)
	}
	if len(notifiers) == 0 {
		return a.hub
	}
	svc := service.NewNotificationService(notifiers, a.cfg.Notify.Events)
	slog.Info("alert notifications enabled", "notifiers", svc.NotifierCount(), "events", a.cfg.Notify.Events)
	return broadcast.Fanout{a.hub, svc}
}
