package domain

import "time"

// APIKeyRecord is the persisted form of an admin credential. Only the
// bcrypt hash and a 4-character hint are ever stored; the plaintext key is
// surfaced exactly once at generation time.
type APIKeyRecord struct {
	ID     string `json:"id"`
	Label  string `json:"label,omitempty"`
	// Hash is the bcrypt digest; serialized for backup snapshots only,
	// never exposed through the HTTP surface.
	Hash       string     `json:"key_hash,omitempty"`
	Hint       string     `json:"hint"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Admin is a first-class operator account created through setup bootstrap.
type Admin struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Identity names the principal behind an authenticated request.
type Identity struct {
	// Source is "env" for the ADMIN_API_KEY override, "key" for a stored
	// credential.
	Source string `json:"source"`
	KeyID  string `json:"key_id,omitempty"`
	Hint   string `json:"hint,omitempty"`
}
