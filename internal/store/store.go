// Package store is the sqlite persistence layer behind the trust services.
// One Store satisfies the narrow interfaces declared by the audit, apikey,
// certificate, and backup packages.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"fathomos/internal/apikey"
	"fathomos/internal/audit"
	"fathomos/internal/backup"
	"fathomos/internal/certificate"
	"fathomos/pkg/contracts/domain"
)

// Store wraps the sqlite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ audit.Store       = (*Store)(nil)
	_ apikey.Store      = (*Store)(nil)
	_ certificate.Store = (*Store)(nil)
	_ backup.Store      = (*Store)(nil)
)

// Open creates or opens the database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows one writer; serializing through a single connection
	// avoids SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With(slog.String("component", "store"))}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports store reachability for health checks.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) init() error {
	stmts := []string{
		`PRAGMA foreign_keys = ON`,
		`PRAGMA journal_mode = WAL`,
		`CREATE TABLE IF NOT EXISTS audit_chains (
			id         TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			sealed_at  TEXT,
			head_hash  TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id                  TEXT PRIMARY KEY,
			chain_id            TEXT NOT NULL REFERENCES audit_chains(id),
			seq                 INTEGER NOT NULL,
			timestamp           TEXT NOT NULL,
			action              TEXT NOT NULL,
			entity              TEXT NOT NULL,
			actor               TEXT NOT NULL,
			success             INTEGER NOT NULL,
			details             TEXT,
			previous_entry_hash TEXT NOT NULL,
			entry_hmac          TEXT NOT NULL,
			UNIQUE(chain_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id           TEXT PRIMARY KEY,
			label        TEXT,
			key_hash     TEXT NOT NULL,
			hint         TEXT NOT NULL,
			active       INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			last_used_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS admins (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			email         TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS setup_tokens (
			jti         TEXT PRIMARY KEY,
			expires_at  TEXT NOT NULL,
			consumed_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS certificates (
			id          TEXT PRIMARY KEY,
			scope       TEXT NOT NULL,
			sequence    INTEGER NOT NULL,
			subject     TEXT NOT NULL,
			work_unit   TEXT NOT NULL,
			metadata    TEXT,
			signatory   TEXT NOT NULL,
			issued_at   TEXT NOT NULL,
			signature   TEXT NOT NULL,
			is_synced   INTEGER NOT NULL DEFAULT 0,
			is_verified INTEGER NOT NULL DEFAULT 0,
			UNIQUE(subject, work_unit)
		)`,
		`CREATE TABLE IF NOT EXISTS sequences (
			scope TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS backups (
			id          TEXT PRIMARY KEY,
			file_name   TEXT NOT NULL,
			checksum    TEXT NOT NULL,
			size_bytes  INTEGER NOT NULL,
			encrypted   INTEGER NOT NULL DEFAULT 0,
			key_hint    TEXT,
			verified    INTEGER NOT NULL DEFAULT 0,
			verified_at TEXT,
			created_at  TEXT NOT NULL,
			created_by  TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// --- audit.Store ---

// ActiveAuditChain returns the newest unsealed chain.
func (s *Store) ActiveAuditChain(ctx context.Context) (*domain.AuditChain, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, sealed_at, head_hash FROM audit_chains
		 WHERE sealed_at IS NULL ORDER BY created_at DESC LIMIT 1`)
	chain, err := scanChain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, audit.ErrChainNotFound
	}
	return chain, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChain(row rowScanner) (*domain.AuditChain, error) {
	var chain domain.AuditChain
	var createdAt string
	var sealedAt, headHash sql.NullString
	if err := row.Scan(&chain.ID, &createdAt, &sealedAt, &headHash); err != nil {
		return nil, err
	}
	var err error
	if chain.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if chain.SealedAt, err = parseNullTime(sealedAt); err != nil {
		return nil, err
	}
	chain.HeadHash = headHash.String
	return &chain, nil
}

func (s *Store) CreateAuditChain(ctx context.Context, chain *domain.AuditChain) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_chains (id, created_at) VALUES (?, ?)`,
		chain.ID, formatTime(chain.CreatedAt))
	return err
}

func (s *Store) SealAuditChain(ctx context.Context, chainID, headHash string, sealedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE audit_chains SET sealed_at = ?, head_hash = ? WHERE id = ? AND sealed_at IS NULL`,
		formatTime(sealedAt), headHash, chainID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return audit.ErrChainNotFound
	}
	return nil
}

func (s *Store) AuditHead(ctx context.Context, chainID string) (*domain.AuditEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chain_id, seq, timestamp, action, entity, actor, success, details,
		        previous_entry_hash, entry_hmac
		 FROM audit_log WHERE chain_id = ? ORDER BY seq DESC LIMIT 1`, chainID)
	entry, err := scanAuditEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

func scanAuditEntry(row rowScanner) (*domain.AuditEntry, error) {
	var entry domain.AuditEntry
	var timestamp string
	var success int
	var details sql.NullString
	if err := row.Scan(&entry.ID, &entry.ChainID, &entry.Seq, &timestamp, &entry.Action,
		&entry.Entity, &entry.Actor, &success, &details, &entry.PrevHash, &entry.EntryHMAC); err != nil {
		return nil, err
	}
	var err error
	if entry.Timestamp, err = parseTime(timestamp); err != nil {
		return nil, err
	}
	entry.Success = success == 1
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
	}
	return &entry, nil
}

func (s *Store) AppendAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	var details any
	if len(entry.Details) > 0 {
		encoded, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
		details = string(encoded)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, chain_id, seq, timestamp, action, entity, actor,
		                        success, details, previous_entry_hash, entry_hmac)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ChainID, entry.Seq, formatTime(entry.Timestamp), entry.Action,
		entry.Entity, entry.Actor, boolToInt(entry.Success), details, entry.PrevHash, entry.EntryHMAC)
	return err
}

func (s *Store) AuditEntries(ctx context.Context, chainID string) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chain_id, seq, timestamp, action, entity, actor, success, details,
		        previous_entry_hash, entry_hmac
		 FROM audit_log WHERE chain_id = ? ORDER BY seq ASC`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- apikey.Store ---

// RotateAPIKey deactivates every active key and inserts the replacement in
// one transaction, preserving the single-active-key invariant.
func (s *Store) RotateAPIKey(ctx context.Context, record *domain.APIKeyRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE api_keys SET active = 0 WHERE active = 1`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO api_keys (id, label, key_hash, hint, active, created_at)
		 VALUES (?, ?, ?, ?, 1, ?)`,
		record.ID, record.Label, record.Hash, record.Hint, formatTime(record.CreatedAt)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ActiveAPIKeys(ctx context.Context) ([]domain.APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, key_hash, hint, active, created_at, last_used_at
		 FROM api_keys WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []domain.APIKeyRecord
	for rows.Next() {
		var record domain.APIKeyRecord
		var label, lastUsed sql.NullString
		var active int
		var createdAt string
		if err := rows.Scan(&record.ID, &label, &record.Hash, &record.Hint,
			&active, &createdAt, &lastUsed); err != nil {
			return nil, err
		}
		record.Label = label.String
		record.Active = active == 1
		if record.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if record.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
			return nil, err
		}
		keys = append(keys, record)
	}
	return keys, rows.Err()
}

func (s *Store) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, formatTime(usedAt), id)
	return err
}

func (s *Store) CreateSetupToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO setup_tokens (jti, expires_at) VALUES (?, ?)`,
		jti, formatTime(expiresAt))
	return err
}

// ConsumeSetupToken marks the token used. The single UPDATE's WHERE clause
// makes consumption atomic: a replayed token matches zero rows.
func (s *Store) ConsumeSetupToken(ctx context.Context, jti string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE setup_tokens SET consumed_at = ?
		 WHERE jti = ? AND consumed_at IS NULL AND expires_at > ?`,
		formatTime(now), jti, formatTime(now))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("store: setup token not usable")
	}
	return nil
}

func (s *Store) CreateAdmin(ctx context.Context, admin *domain.Admin) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admins (id, username, email, password_hash, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		admin.ID, admin.Username, admin.Email, admin.PasswordHash, formatTime(admin.CreatedAt))
	return err
}

func (s *Store) CountAdmins(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admins`).Scan(&count)
	return count, err
}

// --- certificate.Store ---

// NextCertificateSequence allocates the next value for the scope in a
// single upsert, so concurrent issuers never observe the same value.
func (s *Store) NextCertificateSequence(ctx context.Context, scope string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sequences (scope, value) VALUES (?, 1)
		 ON CONFLICT(scope) DO UPDATE SET value = value + 1
		 RETURNING value`, scope).Scan(&value)
	return value, err
}

func (s *Store) InsertCertificate(ctx context.Context, cert *domain.Certificate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO certificates (id, scope, sequence, subject, work_unit, metadata,
		                           signatory, issued_at, signature, is_synced, is_verified)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cert.ID, cert.Scope, cert.Sequence, cert.Subject, cert.WorkUnit, cert.Metadata,
		cert.Signatory, formatTime(cert.IssuedAt), cert.Signature,
		boolToInt(cert.IsSynced), boolToInt(cert.IsVerified))
	if isUniqueViolation(err) {
		return certificate.ErrDuplicateWork
	}
	return err
}

func (s *Store) CertificateByID(ctx context.Context, id string) (*domain.Certificate, error) {
	row := s.db.QueryRowContext(ctx, certSelect+` WHERE id = ?`, id)
	cert, err := scanCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, certificate.ErrNotFound
	}
	return cert, err
}

const certSelect = `SELECT id, scope, sequence, subject, work_unit, metadata, signatory,
       issued_at, signature, is_synced, is_verified FROM certificates`

func scanCertificate(row rowScanner) (*domain.Certificate, error) {
	var cert domain.Certificate
	var metadata sql.NullString
	var issuedAt string
	var synced, verified int
	if err := row.Scan(&cert.ID, &cert.Scope, &cert.Sequence, &cert.Subject, &cert.WorkUnit,
		&metadata, &cert.Signatory, &issuedAt, &cert.Signature, &synced, &verified); err != nil {
		return nil, err
	}
	cert.Metadata = metadata.String
	var err error
	if cert.IssuedAt, err = parseTime(issuedAt); err != nil {
		return nil, err
	}
	cert.IsSynced = synced == 1
	cert.IsVerified = verified == 1
	return &cert, nil
}

func (s *Store) UnsyncedCertificates(ctx context.Context, limit int) ([]domain.Certificate, error) {
	rows, err := s.db.QueryContext(ctx,
		certSelect+` WHERE is_synced = 0 ORDER BY issued_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCertificates(rows)
}

func (s *Store) ListCertificates(ctx context.Context, scope string) ([]domain.Certificate, error) {
	var rows *sql.Rows
	var err error
	if scope == "" {
		rows, err = s.db.QueryContext(ctx, certSelect+` ORDER BY scope, sequence`)
	} else {
		rows, err = s.db.QueryContext(ctx, certSelect+` WHERE scope = ? ORDER BY sequence`, scope)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCertificates(rows)
}

func collectCertificates(rows *sql.Rows) ([]domain.Certificate, error) {
	var certs []domain.Certificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		certs = append(certs, *cert)
	}
	return certs, rows.Err()
}

func (s *Store) MarkCertificateSynced(ctx context.Context, id string) error {
	return s.markCertificate(ctx, `UPDATE certificates SET is_synced = 1 WHERE id = ?`, id)
}

func (s *Store) MarkCertificateVerified(ctx context.Context, id string) error {
	return s.markCertificate(ctx, `UPDATE certificates SET is_verified = 1 WHERE id = ?`, id)
}

func (s *Store) markCertificate(ctx context.Context, query, id string) error {
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return certificate.ErrNotFound
	}
	return nil
}

// --- backup.Store ---

// Snapshot reads every backed-up table inside one transaction for a
// consistent view.
func (s *Store) Snapshot(ctx context.Context) (*domain.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	snap := &domain.Snapshot{
		TakenAt:   time.Now().UTC(),
		Sequences: map[string]int64{},
	}

	if snap.APIKeys, err = snapshotAPIKeys(ctx, tx); err != nil {
		return nil, err
	}
	if snap.Admins, err = snapshotAdmins(ctx, tx); err != nil {
		return nil, err
	}
	if snap.AuditChains, err = snapshotChains(ctx, tx); err != nil {
		return nil, err
	}
	if snap.AuditEntries, err = snapshotAuditEntries(ctx, tx); err != nil {
		return nil, err
	}
	if snap.Certificates, err = snapshotCertificates(ctx, tx); err != nil {
		return nil, err
	}
	if err = snapshotSequences(ctx, tx, snap.Sequences); err != nil {
		return nil, err
	}
	if snap.Backups, err = snapshotBackups(ctx, tx); err != nil {
		return nil, err
	}
	return snap, tx.Commit()
}

func snapshotAPIKeys(ctx context.Context, tx *sql.Tx) ([]domain.APIKeyRecord, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, label, key_hash, hint, active, created_at, last_used_at FROM api_keys`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []domain.APIKeyRecord
	for rows.Next() {
		var record domain.APIKeyRecord
		var label, lastUsed sql.NullString
		var active int
		var createdAt string
		if err := rows.Scan(&record.ID, &label, &record.Hash, &record.Hint,
			&active, &createdAt, &lastUsed); err != nil {
			return nil, err
		}
		record.Label = label.String
		record.Active = active == 1
		if record.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if record.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
			return nil, err
		}
		keys = append(keys, record)
	}
	return keys, rows.Err()
}

func snapshotAdmins(ctx context.Context, tx *sql.Tx) ([]domain.Admin, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, username, email, password_hash, created_at FROM admins`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var admins []domain.Admin
	for rows.Next() {
		var admin domain.Admin
		var createdAt string
		if err := rows.Scan(&admin.ID, &admin.Username, &admin.Email,
			&admin.PasswordHash, &createdAt); err != nil {
			return nil, err
		}
		if admin.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		admins = append(admins, admin)
	}
	return admins, rows.Err()
}

func snapshotChains(ctx context.Context, tx *sql.Tx) ([]domain.AuditChain, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, created_at, sealed_at, head_hash FROM audit_chains ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chains []domain.AuditChain
	for rows.Next() {
		chain, err := scanChain(rows)
		if err != nil {
			return nil, err
		}
		chains = append(chains, *chain)
	}
	return chains, rows.Err()
}

func snapshotAuditEntries(ctx context.Context, tx *sql.Tx) ([]domain.AuditEntry, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, chain_id, seq, timestamp, action, entity, actor, success, details,
		        previous_entry_hash, entry_hmac
		 FROM audit_log ORDER BY chain_id, seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func snapshotCertificates(ctx context.Context, tx *sql.Tx) ([]domain.Certificate, error) {
	rows, err := tx.QueryContext(ctx, certSelect+` ORDER BY scope, sequence`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCertificates(rows)
}

func snapshotSequences(ctx context.Context, tx *sql.Tx, out map[string]int64) error {
	rows, err := tx.QueryContext(ctx, `SELECT scope, value FROM sequences`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var scope string
		var value int64
		if err := rows.Scan(&scope, &value); err != nil {
			return err
		}
		out[scope] = value
	}
	return rows.Err()
}

func snapshotBackups(ctx context.Context, tx *sql.Tx) ([]domain.BackupRecord, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, file_name, checksum, size_bytes, encrypted, key_hint, verified,
		        verified_at, created_at, created_by FROM backups`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.BackupRecord
	for rows.Next() {
		record, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// RestoreSnapshot replaces the backed-up tables in one all-or-nothing
// transaction. Backup records are deliberately left alone so the history
// of artifacts, including the pre-restore backup, survives the restore.
func (s *Store) RestoreSnapshot(ctx context.Context, snap *domain.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"audit_log", "audit_chains", "api_keys", "admins", "certificates", "sequences"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for i := range snap.AuditChains {
		chain := &snap.AuditChains[i]
		var sealedAt, headHash any
		if chain.SealedAt != nil {
			sealedAt = formatTime(*chain.SealedAt)
		}
		if chain.HeadHash != "" {
			headHash = chain.HeadHash
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_chains (id, created_at, sealed_at, head_hash) VALUES (?, ?, ?, ?)`,
			chain.ID, formatTime(chain.CreatedAt), sealedAt, headHash); err != nil {
			return fmt.Errorf("restore chain %s: %w", chain.ID, err)
		}
	}
	for i := range snap.AuditEntries {
		entry := &snap.AuditEntries[i]
		var details any
		if len(entry.Details) > 0 {
			encoded, err := json.Marshal(entry.Details)
			if err != nil {
				return err
			}
			details = string(encoded)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_log (id, chain_id, seq, timestamp, action, entity, actor,
			                        success, details, previous_entry_hash, entry_hmac)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.ChainID, entry.Seq, formatTime(entry.Timestamp), entry.Action,
			entry.Entity, entry.Actor, boolToInt(entry.Success), details,
			entry.PrevHash, entry.EntryHMAC); err != nil {
			return fmt.Errorf("restore audit entry %s: %w", entry.ID, err)
		}
	}
	for i := range snap.APIKeys {
		record := &snap.APIKeys[i]
		var lastUsed any
		if record.LastUsedAt != nil {
			lastUsed = formatTime(*record.LastUsedAt)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO api_keys (id, label, key_hash, hint, active, created_at, last_used_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			record.ID, record.Label, record.Hash, record.Hint, boolToInt(record.Active),
			formatTime(record.CreatedAt), lastUsed); err != nil {
			return fmt.Errorf("restore api key %s: %w", record.ID, err)
		}
	}
	for i := range snap.Admins {
		admin := &snap.Admins[i]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO admins (id, username, email, password_hash, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			admin.ID, admin.Username, admin.Email, admin.PasswordHash,
			formatTime(admin.CreatedAt)); err != nil {
			return fmt.Errorf("restore admin %s: %w", admin.ID, err)
		}
	}
	for i := range snap.Certificates {
		cert := &snap.Certificates[i]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO certificates (id, scope, sequence, subject, work_unit, metadata,
			                           signatory, issued_at, signature, is_synced, is_verified)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cert.ID, cert.Scope, cert.Sequence, cert.Subject, cert.WorkUnit, cert.Metadata,
			cert.Signatory, formatTime(cert.IssuedAt), cert.Signature,
			boolToInt(cert.IsSynced), boolToInt(cert.IsVerified)); err != nil {
			return fmt.Errorf("restore certificate %s: %w", cert.ID, err)
		}
	}
	for scope, value := range snap.Sequences {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sequences (scope, value) VALUES (?, ?)`, scope, value); err != nil {
			return fmt.Errorf("restore sequence %s: %w", scope, err)
		}
	}

	return tx.Commit()
}

func (s *Store) InsertBackupRecord(ctx context.Context, record *domain.BackupRecord) error {
	var verifiedAt any
	if record.VerifiedAt != nil {
		verifiedAt = formatTime(*record.VerifiedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backups (id, file_name, checksum, size_bytes, encrypted, key_hint,
		                      verified, verified_at, created_at, created_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.FileName, record.Checksum, record.SizeBytes,
		boolToInt(record.Encrypted), record.KeyHint, boolToInt(record.Verified),
		verifiedAt, formatTime(record.CreatedAt), record.CreatedBy)
	return err
}

func (s *Store) BackupRecordByID(ctx context.Context, id string) (*domain.BackupRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, file_name, checksum, size_bytes, encrypted, key_hint, verified,
		        verified_at, created_at, created_by FROM backups WHERE id = ?`, id)
	record, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backup.ErrNotFound
	}
	return record, err
}

func scanBackup(row rowScanner) (*domain.BackupRecord, error) {
	var record domain.BackupRecord
	var keyHint, verifiedAt sql.NullString
	var encrypted, verified int
	var createdAt string
	if err := row.Scan(&record.ID, &record.FileName, &record.Checksum, &record.SizeBytes,
		&encrypted, &keyHint, &verified, &verifiedAt, &createdAt, &record.CreatedBy); err != nil {
		return nil, err
	}
	record.Encrypted = encrypted == 1
	record.KeyHint = keyHint.String
	record.Verified = verified == 1
	var err error
	if record.VerifiedAt, err = parseNullTime(verifiedAt); err != nil {
		return nil, err
	}
	if record.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Store) ListBackupRecords(ctx context.Context) ([]domain.BackupRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file_name, checksum, size_bytes, encrypted, key_hint, verified,
		        verified_at, created_at, created_by FROM backups ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.BackupRecord
	for rows.Next() {
		record, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

func (s *Store) MarkBackupVerified(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE backups SET verified = 1, verified_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return backup.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteBackupRecord(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return backup.ErrNotFound
	}
	return nil
}
