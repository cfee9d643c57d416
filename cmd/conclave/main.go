// Command conclave runs the adaptive multi-provider decision scheduler.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	cvhttp "github.com/Strob0t/Conclave/internal/adapter/http"
	"github.com/Strob0t/Conclave/internal/adapter/lineio"
	cvmcp "github.com/Strob0t/Conclave/internal/adapter/mcp"
	cvnats "github.com/Strob0t/Conclave/internal/adapter/nats"
	cotel "github.com/Strob0t/Conclave/internal/adapter/otel"
	"github.com/Strob0t/Conclave/internal/adapter/postgres"
	"github.com/Strob0t/Conclave/internal/adapter/staticaction"
	"github.com/Strob0t/Conclave/internal/config"
	"github.com/Strob0t/Conclave/internal/logger"
	"github.com/Strob0t/Conclave/internal/middleware"
	"github.com/Strob0t/Conclave/internal/port/messagequeue"
	"github.com/Strob0t/Conclave/internal/secrets"
	"github.com/Strob0t/Conclave/internal/service"
)

const version = "0.1.0"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe()
	case "plan":
		err = runPlan(args)
	case "migrate":
		err = runMigrate(args)
	case "ask":
		err = runAsk(args)
	case "status":
		err = runStatus(args)
	case "hash-key":
		err = runHashKey()
	case "version":
		fmt.Println(version)
	case "help", "--help", "-h":
		printHelp()
	default:
		printHelp()
		err = fmt.Errorf("unknown command: %s", cmd)
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `Usage: conclave <command> [options]

Commands:
  serve     Run the HTTP API, WebSocket stream, MCP endpoint and NATS responder (default)
  plan      Run the planning loop over stdin/stdout (one request per line)
  migrate   Apply or roll back decision store migrations (up, down, version)
  ask       Send one decision request to a running server
  status    Show provider breaker and rate limit state of a running server
  hash-key  Print a bcrypt hash of an API key for server.api_key_hash
  version   Print the version

Configuration is read from conclave.yaml (or $CONCLAVE_CONFIG) and CONCLAVE_* variables.
`)
}

// setup loads config and installs the structured logger.
func setup() (*config.Config, logger.Closer, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)
	return cfg, closer, nil
}

func runServe() error {
	cfg, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"providers", len(cfg.Providers),
		"nats", cfg.NATS.URL != "",
		"postgres", cfg.Postgres.DSN != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := cotel.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	a, err := buildApp(ctx, cfg, staticaction.New(cfg.Defaults))
	if err != nil {
		return err
	}
	defer a.close()
	defer a.hub.Close()

	// --- HTTP ---
	limiter := middleware.NewClientLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	deps := cvhttp.RouterDeps{
		WS:          a.hub.HandleWS,
		Limiter:     limiter,
		Idempotency: a.cache,
	}
	if cfg.Server.APIKeyHash != "" {
		verify, err := middleware.BcryptKey(cfg.Server.APIKeyHash)
		if err != nil {
			return err
		}
		deps.Auth = verify
	}
	if cfg.MCP.Enabled {
		mcpSrv := cvmcp.NewServer(cvmcp.ServerConfig{Name: "conclave", Version: version},
			cvmcp.ServerDeps{Scheduler: a.scheduler})
		deps.MCP = mcpSrv.Handler()
		slog.Info("mcp endpoint enabled", "path", cvmcp.Endpoint)
	}
	handlers := &cvhttp.Handlers{Scheduler: a.scheduler, Checks: a.readinessChecks()}

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           cvhttp.NewRouter(cfg, handlers, deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.queue.Start(gctx)
		return nil
	})
	limiter.StartCleanup(gctx, cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)

	if a.nats != nil && cfg.NATS.Responder {
		cancelServe, err := a.nats.Serve(gctx, messagequeue.SubjectSchedule, messagequeue.ScheduleQueueGroup,
			cvnats.ScheduleResponder(a.scheduler))
		if err != nil {
			return fmt.Errorf("schedule responder: %w", err)
		}
		defer cancelServe()
		slog.Info("nats responder started", "subject", messagequeue.SubjectSchedule)
	}

	g.Go(func() error {
		reloadOnHangup(gctx, a.vault)
		return nil
	})

	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

// readinessChecks reports the optional dependencies the server was started with.
func (a *app) readinessChecks() map[string]cvhttp.ReadinessCheck {
	checks := make(map[string]cvhttp.ReadinessCheck)
	if a.nats != nil {
		checks["nats"] = func(context.Context) error {
			if !a.nats.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		}
	}
	if a.pg != nil {
		checks["postgres"] = a.pg.Ping
	}
	return checks
}

// reloadOnHangup reloads provider API keys on SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, v *secrets.Vault) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := v.Reload(); err != nil {
				slog.Error("secret reload failed, keeping previous values", "error", err)
				continue
			}
			slog.Info("provider secrets reloaded", "providers", len(v.Keys()))
		}
	}
}

func runPlan(args []string) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	interval := fs.Duration("interval", 0, "pause between cycles (default planner.interval)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()
	if *interval <= 0 {
		*interval = cfg.Planner.Interval
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumer := lineio.NewConsumer(os.Stdout, cfg.Defaults)
	a, err := buildApp(ctx, cfg, consumer)
	if err != nil {
		return err
	}
	defer a.close()

	go a.queue.Start(ctx)

	planner := service.NewPlanner(a.scheduler, lineio.NewProducer(os.Stdin), consumer)
	return planner.Run(ctx, *interval)
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "number of migrations to roll back (down only)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	direction := "up"
	if fs.NArg() > 0 {
		direction = fs.Arg(0)
	}

	cfg, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is not configured")
	}

	ctx := context.Background()
	switch direction {
	case "up":
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return err
		}
	case "down":
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *steps); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown migrate direction: %s", direction)
	}

	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Printf("migration version: %d\n", v)
	return nil
}
