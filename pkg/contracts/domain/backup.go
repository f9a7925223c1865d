package domain

import "time"

// BackupRecord describes one backup artifact on disk. The checksum covers
// the final artifact bytes, after compression and encryption.
type BackupRecord struct {
	ID         string     `json:"id"`
	FileName   string     `json:"file_name"`
	Checksum   string     `json:"checksum"`
	SizeBytes  int64      `json:"size_bytes"`
	Encrypted  bool       `json:"encrypted"`
	KeyHint    string     `json:"key_hint,omitempty"`
	Verified   bool       `json:"verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	CreatedBy  string     `json:"created_by"`
}

// Snapshot is the serialized state a backup captures and a restore applies.
// Rate-limit counters are deliberately absent: they are ephemeral and
// rebuild from zero.
type Snapshot struct {
	TakenAt      time.Time        `json:"taken_at"`
	APIKeys      []APIKeyRecord   `json:"api_keys"`
	Admins       []Admin          `json:"admins"`
	AuditChains  []AuditChain     `json:"audit_chains"`
	AuditEntries []AuditEntry     `json:"audit_entries"`
	Certificates []Certificate    `json:"certificates"`
	Sequences    map[string]int64 `json:"sequences"`
	Backups      []BackupRecord   `json:"backups"`
}
