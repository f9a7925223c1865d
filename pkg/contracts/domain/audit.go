package domain

import "time"

// AuditEntry is one link in the tamper-evident audit chain. The persisted
// form is append-only and stable so the chain can be replayed forensically;
// entries are never mutated or deleted outside an explicit rotation.
type AuditEntry struct {
	ID        string            `json:"id"`
	ChainID   string            `json:"chain_id"`
	Seq       int64             `json:"seq"`
	Timestamp time.Time         `json:"timestamp"`
	Action    string            `json:"action"`
	Entity    string            `json:"entity"`
	Actor     string            `json:"actor"`
	Success   bool              `json:"success"`
	Details   map[string]string `json:"details,omitempty"`

	// PrevHash links this entry to its predecessor, EntryHMAC authenticates
	// the entry content together with that link.
	PrevHash  string `json:"previous_entry_hash"`
	EntryHMAC string `json:"entry_hmac"`
}

// AuditChain identifies one generation of the audit log. Rotation seals the
// current chain and opens a new one.
type AuditChain struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	SealedAt  *time.Time `json:"sealed_at,omitempty"`
	HeadHash  string     `json:"head_hash,omitempty"`
}

// Sealed reports whether the chain has been closed by rotation.
func (c *AuditChain) Sealed() bool { return c.SealedAt != nil }

// Well-known audit actions.
const (
	AuditActionAuthFailure    = "auth.failure"
	AuditActionAuthSuccess    = "auth.success"
	AuditActionKeyGenerated   = "apikey.generated"
	AuditActionKeyRevoked     = "apikey.revoked"
	AuditActionSetupCompleted = "setup.completed"
	AuditActionLicenseChecked = "license.checked"
	AuditActionCertIssued     = "certificate.issued"
	AuditActionCertSynced     = "certificate.synced"
	AuditActionBackupCreated  = "backup.created"
	AuditActionBackupRestored = "backup.restored"
	AuditActionBackupPruned   = "backup.pruned"
	AuditActionChainRotated   = "audit.rotated"
)
