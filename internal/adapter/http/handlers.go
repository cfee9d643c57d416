package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/Conclave/internal/domain/decision"
	"github.com/Strob0t/Conclave/internal/logger"
	"github.com/Strob0t/Conclave/internal/port/decisionstore"
	"github.com/Strob0t/Conclave/internal/service"
)

const (
	defaultBodyLimit     = 64 << 10
	defaultDecisionLimit = 50
	maxDecisionLimit     = 500
)

// Scheduler is the subset of service.Scheduler the API needs.
type Scheduler interface {
	Schedule(ctx context.Context, payload, class, correlationID string) (decision.Consensus, error)
	Status() []service.ProviderStatus
	StuckCount() int
	Recent(ctx context.Context, limit int) ([]decisionstore.Record, error)
	Decision(ctx context.Context, correlationID string) (decisionstore.Record, error)
	Warmup() bool
	SetWarmup(on bool)
}

// ReadinessCheck reports whether one dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Scheduler Scheduler
	// Checks are run by /health/ready, keyed by dependency name.
	Checks    map[string]ReadinessCheck
	BodyLimit int64
}

// ScheduleRequest is the body of POST /api/v1/schedule.
type ScheduleRequest struct {
	Payload       string `json:"payload"`
	ContextClass  string `json:"context_class"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Schedule handles POST /api/v1/schedule. Provider failures never surface
// here: the response is always a decision, possibly a forced default.
func (h *Handlers) Schedule(w http.ResponseWriter, r *http.Request) {
	limit := h.BodyLimit
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	req, ok := readJSON[ScheduleRequest](w, r, limit)
	if !ok {
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = logger.CorrelationID(r.Context())
	}

	c, err := h.Scheduler.Schedule(r.Context(), req.Payload, req.ContextClass, req.CorrelationID)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			// Client went away; nobody reads the response.
			return
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "request deadline exceeded")
		default:
			writeDomainError(w, err, "decision not found")
		}
		return
	}
	w.Header().Set("X-Correlation-ID", c.CorrelationID)
	writeJSON(w, http.StatusOK, c)
}

type providersResponse struct {
	Providers  []service.ProviderStatus `json:"providers"`
	StuckCount int                      `json:"stuck_count"`
}

// ListProviders handles GET /api/v1/providers.
func (h *Handlers) ListProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, providersResponse{
		Providers:  h.Scheduler.Status(),
		StuckCount: h.Scheduler.StuckCount(),
	})
}

// ListDecisions handles GET /api/v1/decisions?limit=N.
func (h *Handlers) ListDecisions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", defaultDecisionLimit, maxDecisionLimit)
	if !ok {
		return
	}
	records, err := h.Scheduler.Recent(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err, "decision audit log is disabled")
		return
	}
	if records == nil {
		records = []decisionstore.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetDecision handles GET /api/v1/decisions/{correlationID}.
func (h *Handlers) GetDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "correlationID")
	rec, err := h.Scheduler.Decision(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "decision not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type warmupState struct {
	Enabled *bool `json:"enabled"`
}

// GetWarmup handles GET /api/v1/warmup.
func (h *Handlers) GetWarmup(w http.ResponseWriter, _ *http.Request) {
	on := h.Scheduler.Warmup()
	writeJSON(w, http.StatusOK, warmupState{Enabled: &on})
}

// SetWarmup handles PUT /api/v1/warmup. Turning warm-up off also drops
// any warm-up cycles left over from startup.
func (h *Handlers) SetWarmup(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[warmupState](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	h.Scheduler.SetWarmup(*req.Enabled)
	h.GetWarmup(w, r)
}

// Health handles GET /health (liveness).
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Ready handles GET /health/ready. Every configured dependency must answer
// within two seconds.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := readinessResponse{Status: "ok", Checks: make(map[string]string, len(h.Checks))}
	status := http.StatusOK
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}
