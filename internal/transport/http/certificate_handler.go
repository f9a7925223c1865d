package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"fathomos/internal/certificate"
	apierrors "fathomos/internal/errors"
	"fathomos/internal/validation"
	"fathomos/pkg/contracts/domain"
)

// CertificateIssuer is the part of the issuer the handler needs.
type CertificateIssuer interface {
	Issue(ctx context.Context, req certificate.IssueRequest) (*domain.Certificate, error)
}

// CertificateHandler serves certificate issuance and listing for the
// licensed installation. Issuance sits behind the license guard: only a
// usable license may certify work.
type CertificateHandler struct {
	issuer CertificateIssuer
	store  certificate.Store
	logger *slog.Logger
}

// NewCertificateHandler creates a certificate handler.
func NewCertificateHandler(issuer CertificateIssuer, store certificate.Store, logger *slog.Logger) *CertificateHandler {
	return &CertificateHandler{
		issuer: issuer,
		store:  store,
		logger: logger.With(slog.String("handler", "certificate")),
	}
}

// Routes returns a chi router for certificate endpoints.
func (h *CertificateHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/", h.Issue)
	r.Get("/", h.List)
	r.Get("/{id}", h.GetByID)

	return r
}

// Issue handles POST /api/certificates. Duplicate work units are refused
// with a 409; the original certificate is untouched.
func (h *CertificateHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req certificate.IssueRequest
	if apiErr := validation.DecodeAndValidate(r, &req); apiErr != nil {
		renderError(w, r, apiErr)
		return
	}

	cert, err := h.issuer.Issue(ctx, req)
	if err != nil {
		if errors.Is(err, certificate.ErrDuplicateWork) {
			apiErr := apierrors.ErrConflict.WithHint("A certificate for this work unit already exists.")
			renderError(w, r, apiErr)
			return
		}
		h.logger.ErrorContext(ctx, "certificate issuance failed",
			slog.String("scope", req.Scope),
			slog.String("error", err.Error()))
		apiErr := apierrors.StorageError("certificate issuance", err)
		renderError(w, r, apiErr)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, cert)
}

// List handles GET /api/certificates, optionally filtered by ?scope=.
func (h *CertificateHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	certs, err := h.store.ListCertificates(ctx, r.URL.Query().Get("scope"))
	if err != nil {
		apiErr := apierrors.StorageError("certificate list", err)
		renderError(w, r, apiErr)
		return
	}
	if certs == nil {
		certs = []domain.Certificate{}
	}
	render.JSON(w, r, certs)
}

// GetByID handles GET /api/certificates/{id}.
func (h *CertificateHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	cert, err := h.store.CertificateByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, certificate.ErrNotFound) {
			apiErr := apierrors.NotFoundError("certificate")
			renderError(w, r, apiErr)
			return
		}
		apiErr := apierrors.StorageError("certificate lookup", err)
		renderError(w, r, apiErr)
		return
	}
	render.JSON(w, r, cert)
}
