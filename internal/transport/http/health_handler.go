package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"fathomos/pkg/contracts/domain"
)

// Pinger is the liveness probe the health handler runs against the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ChainReporter exposes the active audit chain for health reporting.
type ChainReporter interface {
	ChainID() string
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	license LicenseManager
	auditor ChainReporter
	store   Pinger
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(license LicenseManager, auditor ChainReporter, store Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		license: license,
		auditor: auditor,
		store:   store,
		started: time.Now(),
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// HealthResponse is the detailed readiness report.
type HealthResponse struct {
	Status        string              `json:"status"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	License       domain.LicenseState `json:"license_state"`
	LicenseUsable bool                `json:"license_usable"`
	AuditChain    string              `json:"audit_chain"`
	Store         string              `json:"store"`
	CheckedAt     time.Time           `json:"checked_at"`
}

// Routes returns a chi router for health endpoints.
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.Live)
	r.Get("/ready", h.Ready)

	return r
}

// Live handles GET /api/health. It only proves the process is serving.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// Ready handles GET /api/health/ready. It reports license state, the active
// audit chain and store reachability. A degraded store flips the overall
// status and the response code; an unusable license does not, the service
// still serves its unprivileged surface.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		AuditChain:    h.auditor.ChainID(),
		Store:         "ok",
		CheckedAt:     time.Now().UTC(),
	}

	status := h.license.Status(ctx)
	resp.License = status.State
	resp.LicenseUsable = status.State.Usable()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.ErrorContext(ctx, "store ping failed", slog.String("error", err.Error()))
		resp.Status = "degraded"
		resp.Store = "unreachable"
	}

	if resp.Status != "ok" {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, resp)
}
