package http

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"fathomos/internal/audit"
	"fathomos/internal/certificate"
	apierrors "fathomos/internal/errors"
	"fathomos/pkg/contracts/domain"
)

// AuditReader is the part of the audit logger the analytics surface needs.
type AuditReader interface {
	ChainID() string
	Verify(ctx context.Context, chainID string) (audit.VerifyResult, error)
}

// BackupReader is the part of the backup service the analytics surface
// reads from.
type BackupReader interface {
	List(ctx context.Context) ([]domain.BackupRecord, error)
}

// AnalyticsHandler serves read-only summary statistics over the trust
// state: certificate throughput per scope, sync backlog, audit chain
// integrity, backup posture.
type AnalyticsHandler struct {
	license LicenseManager
	certs   certificate.Store
	auditor AuditReader
	backups BackupReader
	logger  *slog.Logger
}

// NewAnalyticsHandler creates an analytics handler.
func NewAnalyticsHandler(license LicenseManager, certs certificate.Store, auditor AuditReader, backups BackupReader, logger *slog.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{
		license: license,
		certs:   certs,
		auditor: auditor,
		backups: backups,
		logger:  logger.With(slog.String("handler", "analytics")),
	}
}

// ScopeActivity aggregates certificate issuance inside one scope.
type ScopeActivity struct {
	Scope        string    `json:"scope"`
	Issued       int       `json:"issued"`
	Synced       int       `json:"synced"`
	Verified     int       `json:"verified"`
	HighestSeq   int64     `json:"highest_sequence"`
	LastIssuedAt time.Time `json:"last_issued_at"`
}

// TrustSummary is the full analytics report.
type TrustSummary struct {
	LicenseState       domain.LicenseState `json:"license_state"`
	LicenseUsable      bool                `json:"license_usable"`
	DaysRemaining      int                 `json:"days_remaining"`
	CertificatesTotal  int                 `json:"certificates_total"`
	CertificatesQueued int                 `json:"certificates_queued"`
	Scopes             []ScopeActivity     `json:"scopes"`
	AuditChain         string              `json:"audit_chain"`
	AuditEntries       int                 `json:"audit_entries"`
	AuditIntact        bool                `json:"audit_intact"`
	Backups            int                 `json:"backups"`
	LastBackupAt       *time.Time          `json:"last_backup_at,omitempty"`
	GeneratedAt        time.Time           `json:"generated_at"`
}

// Routes returns a chi router for analytics endpoints.
func (h *AnalyticsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/summary", h.Summary)
	r.Get("/certificates", h.Certificates)

	return r
}

// Summary handles GET /api/analytics/summary.
func (h *AnalyticsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	certs, err := h.certs.ListCertificates(ctx, "")
	if err != nil {
		renderError(w, r, apierrors.StorageError("analytics summary", err))
		return
	}

	status := h.license.Status(ctx)
	summary := TrustSummary{
		LicenseState:      status.State,
		LicenseUsable:     status.State.Usable(),
		DaysRemaining:     status.DaysRemaining,
		CertificatesTotal: len(certs),
		Scopes:            scopeActivity(certs),
		AuditChain:        h.auditor.ChainID(),
		GeneratedAt:       time.Now().UTC(),
	}
	for _, c := range certs {
		if !c.IsSynced {
			summary.CertificatesQueued++
		}
	}

	verify, err := h.auditor.Verify(ctx, h.auditor.ChainID())
	if err != nil {
		renderError(w, r, apierrors.StorageError("analytics summary", err))
		return
	}
	summary.AuditEntries = verify.Checked
	summary.AuditIntact = verify.Intact

	backups, err := h.backups.List(ctx)
	if err != nil {
		renderError(w, r, apierrors.StorageError("analytics summary", err))
		return
	}
	summary.Backups = len(backups)
	for i := range backups {
		created := backups[i].CreatedAt
		if summary.LastBackupAt == nil || created.After(*summary.LastBackupAt) {
			summary.LastBackupAt = &created
		}
	}

	render.JSON(w, r, summary)
}

// Certificates handles GET /api/analytics/certificates: per-scope issuance
// activity, sorted by scope.
func (h *AnalyticsHandler) Certificates(w http.ResponseWriter, r *http.Request) {
	certs, err := h.certs.ListCertificates(r.Context(), "")
	if err != nil {
		renderError(w, r, apierrors.StorageError("certificate analytics", err))
		return
	}
	render.JSON(w, r, scopeActivity(certs))
}

func scopeActivity(certs []domain.Certificate) []ScopeActivity {
	byScope := make(map[string]*ScopeActivity)
	for _, c := range certs {
		act, ok := byScope[c.Scope]
		if !ok {
			act = &ScopeActivity{Scope: c.Scope}
			byScope[c.Scope] = act
		}
		act.Issued++
		if c.IsSynced {
			act.Synced++
		}
		if c.IsVerified {
			act.Verified++
		}
		if c.Sequence > act.HighestSeq {
			act.HighestSeq = c.Sequence
		}
		if c.IssuedAt.After(act.LastIssuedAt) {
			act.LastIssuedAt = c.IssuedAt
		}
	}

	out := make([]ScopeActivity, 0, len(byScope))
	for _, act := range byScope {
		out = append(out, *act)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}
