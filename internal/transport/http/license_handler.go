package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apierrors "fathomos/internal/errors"
	"fathomos/internal/validation"
	"fathomos/pkg/contracts/domain"
)

// LicenseManager is the part of the license manager the handler needs.
type LicenseManager interface {
	Status(ctx context.Context) domain.LicenseStatus
	Revalidate(ctx context.Context) domain.LicenseStatus
	Activate(ctx context.Context, payload []byte) (domain.LicenseStatus, error)
	InvalidateCache()
}

// LicenseHandler serves license status, activation and revalidation.
type LicenseHandler struct {
	manager LicenseManager
	logger  *slog.Logger
}

// NewLicenseHandler creates a license handler.
func NewLicenseHandler(manager LicenseManager, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		manager: manager,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// ActivateRequest carries a signed license in either its JSON form or the
// base64 encoding of that JSON, exactly as shipped to customers.
type ActivateRequest struct {
	License string `json:"license" validate:"required"`
}

// ActivateResponse reports the outcome of an activation attempt.
type ActivateResponse struct {
	Success bool                 `json:"success"`
	Status  domain.LicenseStatus `json:"status"`
}

// Routes returns a chi router for license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", h.GetStatus)
	r.Post("/activate", h.Activate)
	r.Post("/revalidate", h.Revalidate)
	r.Post("/invalidate-cache", h.InvalidateCache)

	return r
}

// GetStatus handles GET /api/license/status. The status is served from the
// manager's cache when fresh; it never fails, a broken license is reported
// as a status, not an error.
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := h.manager.Status(r.Context())
	render.JSON(w, r, status)
}

// Activate handles POST /api/license/activate. The license is validated
// before it is installed; an unusable license is rejected and the previous
// one, if any, stays in place.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ActivateRequest
	if apiErr := validation.DecodeAndValidate(r, &req); apiErr != nil {
		renderError(w, r, apiErr)
		return
	}

	status, err := h.manager.Activate(ctx, []byte(req.License))
	if err != nil {
		h.logger.WarnContext(ctx, "license activation rejected",
			slog.String("state", string(status.State)),
			slog.String("reason", status.Reason))
		apiErr := licenseStateError(status)
		renderError(w, r, apiErr)
		return
	}

	h.logger.InfoContext(ctx, "license activated",
		slog.String("state", string(status.State)),
		slog.Int("days_remaining", status.DaysRemaining))
	render.JSON(w, r, ActivateResponse{Success: true, Status: status})
}

// Revalidate handles POST /api/license/revalidate. It bypasses the status
// cache and re-reads the license file from disk.
func (h *LicenseHandler) Revalidate(w http.ResponseWriter, r *http.Request) {
	status := h.manager.Revalidate(r.Context())
	render.JSON(w, r, status)
}

// InvalidateCache handles POST /api/license/invalidate-cache.
func (h *LicenseHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	h.manager.InvalidateCache()
	render.JSON(w, r, map[string]bool{"invalidated": true})
}

// licenseStateError maps an unusable license status onto the error
// taxonomy, carrying the validator's message as the hint.
func licenseStateError(status domain.LicenseStatus) *apierrors.APIError {
	var base *apierrors.APIError
	switch status.State {
	case domain.StateInvalidSignature:
		base = apierrors.ErrInvalidSignature
	case domain.StateHardwareMismatch:
		base = apierrors.ErrHardwareMismatch
	case domain.StateExpired:
		base = apierrors.ErrLicenseExpired
	default:
		base = apierrors.ErrLicenseCorrupted
	}
	return base.WithHint(status.Message)
}
