package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"fathomos/internal/audit"
	"fathomos/internal/backup"
	apierrors "fathomos/internal/errors"
	"fathomos/internal/middleware"
	"fathomos/internal/validation"
	"fathomos/pkg/contracts/domain"
)

// KeyRotator is the part of the API key service the admin surface needs.
type KeyRotator interface {
	Generate(ctx context.Context, label, actor string) (string, *domain.APIKeyRecord, error)
}

// AuditAdmin is the part of the audit logger the admin surface needs.
type AuditAdmin interface {
	ChainID() string
	Verify(ctx context.Context, chainID string) (audit.VerifyResult, error)
	Rotate(ctx context.Context, actor string) (string, error)
}

// BackupAdmin is the part of the backup service the admin surface needs.
type BackupAdmin interface {
	List(ctx context.Context) ([]domain.BackupRecord, error)
	Create(ctx context.Context, encrypt bool, actor string) (*backup.CreateResult, error)
	Verify(ctx context.Context, id string) (*domain.BackupRecord, error)
	Restore(ctx context.Context, id, passphrase, actor string) error
	Prune(ctx context.Context, keep int, actor string) (int, error)
}

// CertificateReceiver is the server side of certificate sync.
type CertificateReceiver interface {
	Receive(ctx context.Context, req domain.CertificateSyncRequest) (*domain.CertificateSyncResponse, error)
}

// AdminHandler serves the key-gated admin surface: key rotation, audit
// verification and rotation, backups, and the server side of certificate
// sync.
type AdminHandler struct {
	keys     KeyRotator
	auditor  AuditAdmin
	backups  BackupAdmin
	receiver CertificateReceiver
	logger   *slog.Logger
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(keys KeyRotator, auditor AuditAdmin, backups BackupAdmin, receiver CertificateReceiver, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		keys:     keys,
		auditor:  auditor,
		backups:  backups,
		receiver: receiver,
		logger:   logger.With(slog.String("handler", "admin")),
	}
}

// RotateKeyRequest labels the new key, e.g. "quarterly rotation".
type RotateKeyRequest struct {
	Label string `json:"label" validate:"required,min=3,max=200"`
}

// RotateKeyResponse returns the new key's plaintext exactly once.
type RotateKeyResponse struct {
	APIKey  string `json:"api_key"`
	KeyID   string `json:"key_id"`
	KeyHint string `json:"key_hint"`
	Label   string `json:"label"`
}

// CreateBackupRequest selects whether the artifact is encrypted.
type CreateBackupRequest struct {
	Encrypt bool `json:"encrypt"`
}

// RestoreBackupRequest carries the passphrase for encrypted artifacts.
type RestoreBackupRequest struct {
	Passphrase string `json:"passphrase,omitempty"`
}

// PruneBackupsRequest sets how many of the newest backups survive.
type PruneBackupsRequest struct {
	Keep int `json:"keep" validate:"min=1"`
}

// Routes returns a chi router for admin endpoints.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Timeout(60 * time.Second))

	r.Post("/apikey/rotate", h.RotateKey)

	r.Get("/audit/verify", h.VerifyAudit)
	r.Post("/audit/rotate", h.RotateAudit)

	r.Get("/backups", h.ListBackups)
	r.Post("/backups", h.CreateBackup)
	r.Post("/backups/prune", h.PruneBackups)
	r.Post("/backups/{id}/verify", h.VerifyBackup)
	r.Post("/backups/{id}/restore", h.RestoreBackup)

	r.Post("/certificates/sync", h.ReceiveCertificate)

	return r
}

// RotateKey handles POST /api/admin/apikey/rotate. The previous key stops
// working the moment this returns; the response is the only place the new
// plaintext ever appears.
func (h *AdminHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RotateKeyRequest
	if apiErr := validation.DecodeAndValidate(r, &req); apiErr != nil {
		renderError(w, r, apiErr)
		return
	}

	plaintext, record, err := h.keys.Generate(ctx, req.Label, middleware.Actor(r))
	if err != nil {
		h.logger.ErrorContext(ctx, "api key rotation failed", slog.String("error", err.Error()))
		renderError(w, r, apierrors.StorageError("api key rotation", err))
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, RotateKeyResponse{
		APIKey:  plaintext,
		KeyID:   record.ID,
		KeyHint: record.Hint,
		Label:   record.Label,
	})
}

// VerifyAudit handles GET /api/admin/audit/verify. An optional ?chain=
// selects a sealed generation; the default is the active chain.
func (h *AdminHandler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	chainID := r.URL.Query().Get("chain")
	if chainID == "" {
		chainID = h.auditor.ChainID()
	}

	result, err := h.auditor.Verify(ctx, chainID)
	if err != nil {
		renderError(w, r, apierrors.StorageError("audit verification", err))
		return
	}
	if !result.Intact {
		h.logger.ErrorContext(ctx, "audit chain integrity failure",
			slog.String("chain_id", chainID),
			slog.Int64("first_broken", result.FirstBroken))
	}
	render.JSON(w, r, result)
}

// RotateAudit handles POST /api/admin/audit/rotate. It seals the active
// chain and opens a new generation; both ends of the rotation are
// themselves audited.
func (h *AdminHandler) RotateAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	newChain, err := h.auditor.Rotate(ctx, middleware.Actor(r))
	if err != nil {
		renderError(w, r, apierrors.StorageError("audit rotation", err))
		return
	}
	render.JSON(w, r, map[string]string{"chain_id": newChain})
}

// ListBackups handles GET /api/admin/backups.
func (h *AdminHandler) ListBackups(w http.ResponseWriter, r *http.Request) {
	records, err := h.backups.List(r.Context())
	if err != nil {
		renderError(w, r, apierrors.StorageError("backup list", err))
		return
	}
	if records == nil {
		records = []domain.BackupRecord{}
	}
	render.JSON(w, r, records)
}

// CreateBackup handles POST /api/admin/backups. For encrypted backups the
// response carries the one-time passphrase; it is never stored and cannot
// be recovered later.
func (h *AdminHandler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateBackupRequest
	if apiErr := validation.DecodeAndValidate(r, &req); apiErr != nil {
		renderError(w, r, apiErr)
		return
	}

	result, err := h.backups.Create(ctx, req.Encrypt, middleware.Actor(r))
	if err != nil {
		h.logger.ErrorContext(ctx, "backup creation failed", slog.String("error", err.Error()))
		renderError(w, r, apierrors.StorageError("backup creation", err))
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, result)
}

// VerifyBackup handles POST /api/admin/backups/{id}/verify. It recomputes
// the artifact checksum against the record.
func (h *AdminHandler) VerifyBackup(w http.ResponseWriter, r *http.Request) {
	record, err := h.backups.Verify(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, backupError("backup verification", err))
		return
	}
	render.JSON(w, r, record)
}

// RestoreBackup handles POST /api/admin/backups/{id}/restore. A corrupted
// artifact is refused before anything is touched; a successful restore is
// preceded by an automatic pre-restore backup.
func (h *AdminHandler) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req RestoreBackupRequest
	if apiErr := validation.DecodeAndValidate(r, &req); apiErr != nil {
		renderError(w, r, apiErr)
		return
	}

	if err := h.backups.Restore(ctx, id, req.Passphrase, middleware.Actor(r)); err != nil {
		h.logger.ErrorContext(ctx, "backup restore failed",
			slog.String("backup_id", id),
			slog.String("error", err.Error()))
		renderError(w, r, backupError("backup restore", err))
		return
	}

	render.JSON(w, r, map[string]string{"restored": id})
}

// PruneBackups handles POST /api/admin/backups/prune.
func (h *AdminHandler) PruneBackups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req PruneBackupsRequest
	if apiErr := validation.DecodeAndValidate(r, &req); apiErr != nil {
		renderError(w, r, apiErr)
		return
	}

	deleted, err := h.backups.Prune(ctx, req.Keep, middleware.Actor(r))
	if err != nil {
		renderError(w, r, apierrors.StorageError("backup prune", err))
		return
	}
	render.JSON(w, r, map[string]int{"deleted": deleted, "kept": req.Keep})
}

// ReceiveCertificate handles POST /api/admin/certificates/sync, the server
// side of the background sync. Uploads are idempotent; a resent certificate
// is acknowledged without a second insert.
func (h *AdminHandler) ReceiveCertificate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.CertificateSyncRequest
	if apiErr := validation.DecodeAndValidate(r, &req); apiErr != nil {
		renderError(w, r, apiErr)
		return
	}

	resp, err := h.receiver.Receive(ctx, req)
	if err != nil {
		renderError(w, r, apierrors.StorageError("certificate sync", err))
		return
	}
	if !resp.Accepted {
		render.Status(r, http.StatusUnprocessableEntity)
	}
	render.JSON(w, r, resp)
}

// backupError maps backup service failures onto the error taxonomy.
func backupError(operation string, err error) *apierrors.APIError {
	switch {
	case errors.Is(err, backup.ErrNotFound):
		return apierrors.NotFoundError("backup")
	case errors.Is(err, backup.ErrChecksumMismatch):
		return apierrors.New(http.StatusConflict, "CHECKSUM_MISMATCH",
			"Backup artifact does not match its recorded checksum").
			WithHint("The artifact is corrupted; restore refused.")
	case errors.Is(err, backup.ErrPassphraseRequired):
		return apierrors.ErrValidation("passphrase", "this backup is encrypted and requires its passphrase")
	default:
		return apierrors.StorageError(operation, err)
	}
}
