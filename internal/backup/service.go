// Package backup snapshots the trust store into compressed, optionally
// encrypted artifacts and restores them transactionally. Encryption keys
// are generated fresh per backup and surfaced to the operator exactly once;
// only a short hint is recorded.
package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/scrypt"

	"fathomos/internal/audit"
	"fathomos/internal/infrastructure"
	"fathomos/pkg/contracts/domain"
)

var (
	// ErrChecksumMismatch means the artifact on disk no longer matches its
	// recorded checksum. Restore refuses such artifacts outright.
	ErrChecksumMismatch = errors.New("backup: artifact checksum mismatch")
	// ErrPassphraseRequired is returned when restoring an encrypted
	// artifact without its passphrase.
	ErrPassphraseRequired = errors.New("backup: passphrase required")
	// ErrNotFound is returned for unknown backup ids.
	ErrNotFound = errors.New("backup: not found")
)

// artifact layout constants. An encrypted artifact is
// salt ‖ nonce ‖ AES-256-GCM(ciphertext) over the gzipped snapshot.
const (
	saltSize  = 16
	nonceSize = 12
)

// scrypt parameters for key derivation from the passphrase.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// Store provides the snapshot/restore transaction and backup records.
type Store interface {
	// Snapshot reads all backed-up tables consistently.
	Snapshot(ctx context.Context) (*domain.Snapshot, error)
	// RestoreSnapshot replaces the backed-up tables inside one
	// all-or-nothing transaction, honoring ctx cancellation.
	RestoreSnapshot(ctx context.Context, snap *domain.Snapshot) error

	InsertBackupRecord(ctx context.Context, record *domain.BackupRecord) error
	BackupRecordByID(ctx context.Context, id string) (*domain.BackupRecord, error)
	ListBackupRecords(ctx context.Context) ([]domain.BackupRecord, error)
	MarkBackupVerified(ctx context.Context, id string, at time.Time) error
	DeleteBackupRecord(ctx context.Context, id string) error
}

// Service creates, verifies, restores, and prunes backups.
type Service struct {
	store   Store
	auditor *audit.Logger
	logger  *slog.Logger
	metrics *infrastructure.TrustMetrics
	dir     string
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics attaches the trust-core metric instruments.
func WithMetrics(m *infrastructure.TrustMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates the backup service writing artifacts under dir.
func NewService(store Store, auditor *audit.Logger, dir string, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		auditor: auditor,
		logger:  logger.With(slog.String("component", "backup")),
		dir:     dir,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateResult carries the new record plus, for encrypted backups, the
// one-time passphrase. The passphrase is never persisted; losing it makes
// the artifact unrecoverable.
type CreateResult struct {
	Record     *domain.BackupRecord `json:"record"`
	Passphrase string               `json:"passphrase,omitempty"`
}

// Create snapshots the store into a new artifact.
func (s *Service) Create(ctx context.Context, encrypt bool, actor string) (*CreateResult, error) {
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return s.writeArtifact(ctx, snap, encrypt, actor)
}

func (s *Service) writeArtifact(ctx context.Context, snap *domain.Snapshot, encrypt bool, actor string) (*CreateResult, error) {
	plain, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("serialize snapshot: %w", err)
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(plain); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}

	artifact := compressed.Bytes()
	result := &CreateResult{}
	var keyHint string
	if encrypt {
		passphrase, sealed, err := seal(artifact)
		if err != nil {
			return nil, err
		}
		artifact = sealed
		result.Passphrase = passphrase
		// Last four only, same convention as API key hints; a prefix
		// would leak part of the passphrase's entropy.
		keyHint = passphrase[len(passphrase)-4:]
	}

	sum := sha256.Sum256(artifact)
	now := s.now().UTC()
	record := &domain.BackupRecord{
		ID:        uuid.NewString(),
		FileName:  fmt.Sprintf("fathomos-backup-%s-%s.bin", now.Format("20060102T150405Z"), uuid.NewString()[:8]),
		Checksum:  hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(artifact)),
		Encrypted: encrypt,
		KeyHint:   keyHint,
		CreatedAt: now,
		CreatedBy: actor,
	}

	if err := s.writeFile(record.FileName, artifact); err != nil {
		return nil, err
	}
	if err := s.store.InsertBackupRecord(ctx, record); err != nil {
		// Keep the orphaned artifact; the operator can still recover it.
		return nil, fmt.Errorf("persist backup record: %w", err)
	}

	if s.metrics != nil {
		s.metrics.BackupsCreatedTotal.Add(ctx, 1)
	}
	s.auditor.Record(ctx, audit.Event{
		Action:  domain.AuditActionBackupCreated,
		Entity:  "backup:" + record.ID,
		Actor:   actor,
		Success: true,
		Details: map[string]string{"file": record.FileName, "encrypted": fmt.Sprintf("%t", encrypt)},
	})
	s.logger.InfoContext(ctx, "backup created",
		slog.String("backup_id", record.ID),
		slog.String("file", record.FileName),
		slog.Int64("size_bytes", record.SizeBytes),
		slog.Bool("encrypted", encrypt))

	result.Record = record
	return result, nil
}

// writeFile lands the artifact atomically: temp file in the same directory,
// then rename.
func (s *Service) writeFile(name string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".backup-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("install artifact: %w", err)
	}
	return nil
}

// seal generates a fresh passphrase, derives an AES-256 key with scrypt,
// and encrypts the artifact with AES-GCM.
func seal(plain []byte) (string, []byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("generate passphrase: %w", err)
	}
	passphrase := base64.RawURLEncoding.EncodeToString(secret)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", nil, fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+nonceSize+len(plain)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plain, nil)
	return passphrase, out, nil
}

func open(artifact []byte, passphrase string) ([]byte, error) {
	if len(artifact) < saltSize+nonceSize {
		return nil, errors.New("backup: artifact too short")
	}
	salt := artifact[:saltSize]
	nonce := artifact[saltSize : saltSize+nonceSize]

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, artifact[saltSize+nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt artifact: %w", err)
	}
	return plain, nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Verify recomputes the artifact checksum against the record and flags the
// result.
func (s *Service) Verify(ctx context.Context, id string) (*domain.BackupRecord, error) {
	record, err := s.store.BackupRecordByID(ctx, id)
	if err != nil {
		return nil, err
	}

	artifact, err := os.ReadFile(filepath.Join(s.dir, record.FileName))
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	sum := sha256.Sum256(artifact)
	if hex.EncodeToString(sum[:]) != record.Checksum {
		s.logger.ErrorContext(ctx, "backup checksum drift detected",
			slog.String("backup_id", record.ID),
			slog.String("file", record.FileName))
		return record, ErrChecksumMismatch
	}

	now := s.now().UTC()
	if err := s.store.MarkBackupVerified(ctx, record.ID, now); err != nil {
		return nil, fmt.Errorf("mark verified: %w", err)
	}
	record.Verified = true
	record.VerifiedAt = &now
	return record, nil
}

// Restore applies the named backup inside a single transaction, after
// first taking an automatic pre-restore backup so the restore itself is
// recoverable. A checksum mismatch refuses the restore outright.
func (s *Service) Restore(ctx context.Context, id, passphrase, actor string) error {
	record, err := s.store.BackupRecordByID(ctx, id)
	if err != nil {
		return err
	}
	if record.Encrypted && passphrase == "" {
		return ErrPassphraseRequired
	}

	artifact, err := os.ReadFile(filepath.Join(s.dir, record.FileName))
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	sum := sha256.Sum256(artifact)
	if hex.EncodeToString(sum[:]) != record.Checksum {
		return ErrChecksumMismatch
	}

	if record.Encrypted {
		if artifact, err = open(artifact, passphrase); err != nil {
			return err
		}
	}

	gz, err := gzip.NewReader(bytes.NewReader(artifact))
	if err != nil {
		return fmt.Errorf("decompress artifact: %w", err)
	}
	plain, err := io.ReadAll(gz)
	if err != nil {
		return fmt.Errorf("decompress artifact: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("decompress artifact: %w", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		return fmt.Errorf("deserialize snapshot: %w", err)
	}

	// The restore must be recoverable: snapshot current state first.
	if _, err := s.Create(ctx, false, "pre-restore"); err != nil {
		return fmt.Errorf("pre-restore backup: %w", err)
	}

	if err := s.store.RestoreSnapshot(ctx, &snap); err != nil {
		s.auditor.Record(ctx, audit.Event{
			Action:  domain.AuditActionBackupRestored,
			Entity:  "backup:" + record.ID,
			Actor:   actor,
			Details: map[string]string{"error": err.Error()},
		})
		return fmt.Errorf("apply snapshot: %w", err)
	}

	// The restore replaced the audit chain; re-sync the writer before
	// recording on it.
	if err := s.auditor.Reload(ctx); err != nil {
		s.logger.ErrorContext(ctx, "audit reload after restore failed",
			slog.String("error", err.Error()))
	}
	if _, err := s.auditor.RecordMandatory(ctx, audit.Event{
		Action:  domain.AuditActionBackupRestored,
		Entity:  "backup:" + record.ID,
		Actor:   actor,
		Success: true,
		Details: map[string]string{"file": record.FileName},
	}); err != nil {
		s.logger.ErrorContext(ctx, "restore completed but audit append failed",
			slog.String("backup_id", record.ID),
			slog.String("error", err.Error()))
	}
	s.logger.InfoContext(ctx, "backup restored",
		slog.String("backup_id", record.ID),
		slog.String("actor", actor))
	return nil
}

// Prune removes the oldest backups beyond keep, deleting artifact and
// record together. Pinned pre-restore artifacts are treated like any other
// backup.
func (s *Service) Prune(ctx context.Context, keep int, actor string) (int, error) {
	records, err := s.store.ListBackupRecords(ctx)
	if err != nil {
		return 0, err
	}
	if len(records) <= keep {
		return 0, nil
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	removed := 0
	for _, record := range records[keep:] {
		if err := os.Remove(filepath.Join(s.dir, record.FileName)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove artifact %s: %w", record.FileName, err)
		}
		if err := s.store.DeleteBackupRecord(ctx, record.ID); err != nil {
			return removed, fmt.Errorf("delete record %s: %w", record.ID, err)
		}
		removed++
	}

	if removed > 0 {
		s.auditor.Record(ctx, audit.Event{
			Action:  domain.AuditActionBackupPruned,
			Entity:  "backups",
			Actor:   actor,
			Success: true,
			Details: map[string]string{"removed": fmt.Sprintf("%d", removed)},
		})
		s.logger.InfoContext(ctx, "pruned old backups",
			slog.Int("removed", removed),
			slog.Int("kept", keep))
	}
	return removed, nil
}

// List returns all backup records, newest first.
func (s *Service) List(ctx context.Context) ([]domain.BackupRecord, error) {
	records, err := s.store.ListBackupRecords(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// ArtifactPath resolves the on-disk location of a backup's artifact.
func (s *Service) ArtifactPath(record *domain.BackupRecord) string {
	return filepath.Join(s.dir, record.FileName)
}
