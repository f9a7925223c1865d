package domain

import (
	"time"
)

// Certificate is a signed attestation that a specific unit of work was
// completed on a licensed installation. It is immutable after signing; its
// lifecycle ends once it has been synced to the server and verified there.
type Certificate struct {
	ID         string    `json:"id" validate:"required"`
	Scope      string    `json:"scope" validate:"required"`
	Sequence   int64     `json:"sequence" validate:"min=1"`
	Subject    string    `json:"subject" validate:"required"`
	WorkUnit   string    `json:"work_unit" validate:"required"`
	Metadata   string    `json:"metadata,omitempty"`
	Signatory  string    `json:"signatory" validate:"required"`
	IssuedAt   time.Time `json:"issued_at"`
	Signature  string    `json:"signature"`
	IsSynced   bool      `json:"is_synced_to_server"`
	IsVerified bool      `json:"is_verified_by_server"`
}

// CertificateSyncRequest is the upload payload the background sync worker
// posts to the server. Uploads are idempotent: the server deduplicates by
// certificate id, so resending an already-synced certificate is safe.
type CertificateSyncRequest struct {
	Certificate Certificate `json:"certificate"`
}

// CertificateSyncResponse acknowledges a certificate upload.
type CertificateSyncResponse struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Verified bool   `json:"verified"`
	Message  string `json:"message,omitempty"`
}
