package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	cotel "github.com/Strob0t/Conclave/internal/adapter/otel"
	"github.com/Strob0t/Conclave/internal/config"
	"github.com/Strob0t/Conclave/internal/middleware"
	"github.com/Strob0t/Conclave/internal/port/cache"
)

// RouterDeps are the optional collaborators mounted next to the API.
type RouterDeps struct {
	// WS serves the live event stream at /ws.
	WS http.HandlerFunc
	// MCP serves the Model Context Protocol endpoint at /mcp.
	MCP http.Handler
	// Limiter throttles inbound clients; nil disables it.
	Limiter *middleware.ClientLimiter
	// Idempotency stores replayable POST responses; nil disables it.
	Idempotency cache.Cache
	Auth        middleware.Verifier // overrides server.api_key when set
}

// idempotencyTTL is how long a Schedule response can be replayed.
const idempotencyTTL = 10 * time.Minute

// NewRouter builds the chi router with the middleware stack and all routes.
// Request handling time is bounded by the longest class deadline plus slack,
// never by the Schedule call itself.
func NewRouter(cfg *config.Config, h *Handlers, deps RouterDeps) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(CORS(cfg.Server.CORSOrigin))
	r.Use(SecurityHeaders)
	r.Use(Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cotel.HTTPMiddleware(cfg.Telemetry.ServiceName))
	if deps.Auth != nil {
		r.Use(middleware.RequireKey(deps.Auth))
	} else {
		r.Use(middleware.APIKey(cfg.Server.APIKey))
	}
	if deps.Limiter != nil {
		r.Use(deps.Limiter.Handler)
	}

	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)

	if deps.WS != nil {
		r.Get("/ws", deps.WS)
	}
	if deps.MCP != nil {
		r.Handle("/mcp", deps.MCP)
		r.Handle("/mcp/*", deps.MCP)
	}

	MountRoutes(r, h, deps.Idempotency, requestTimeout(cfg))
	return r
}

// MountRoutes registers the /api/v1 routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, idem cache.Cache, timeout time.Duration) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.Timeout(timeout))

		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Scheduling
		if idem != nil {
			r.With(middleware.Idempotency(idem, idempotencyTTL)).Post("/schedule", h.Schedule)
		} else {
			r.Post("/schedule", h.Schedule)
		}

		// Status and audit
		r.Get("/providers", h.ListProviders)
		r.Get("/decisions", h.ListDecisions)
		r.Get("/decisions/{correlationID}", h.GetDecision)

		// Timeouts
		r.Get("/warmup", h.GetWarmup)
		r.Put("/warmup", h.SetWarmup)
	})
}

func requestTimeout(cfg *config.Config) time.Duration {
	longest := cfg.Timeouts.Urgent
	for _, d := range []time.Duration{cfg.Timeouts.Normal, cfg.Timeouts.Deliberative} {
		if d > longest {
			longest = d
		}
	}
	// Warm-up can be switched on at runtime, so always leave room for it.
	if mult := cfg.Timeouts.WarmupMultiplier; mult > 1 {
		longest = time.Duration(float64(longest) * mult)
	}
	return longest + 5*time.Second
}
