package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fathomos/internal/audit"
	"fathomos/internal/backup"
	"fathomos/internal/certificate"
	"fathomos/pkg/contracts/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "trust.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.db")
	s, err := Open(path, slog.Default())
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())

	// Reopening the same file is idempotent.
	second, err := Open(path, slog.Default())
	require.NoError(t, err)
	second.Close()
}

func TestAuditChainLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ActiveAuditChain(ctx)
	assert.ErrorIs(t, err, audit.ErrChainNotFound)

	chain := &domain.AuditChain{ID: uuid.NewString(), CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateAuditChain(ctx, chain))

	active, err := s.ActiveAuditChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, chain.ID, active.ID)
	assert.False(t, active.Sealed())

	head, err := s.AuditHead(ctx, chain.ID)
	require.NoError(t, err)
	assert.Nil(t, head, "empty chain has no head")

	entry := &domain.AuditEntry{
		ID:        uuid.NewString(),
		ChainID:   chain.ID,
		Seq:       0,
		Timestamp: time.Now().UTC(),
		Action:    domain.AuditActionAuthSuccess,
		Entity:    "admin_surface",
		Actor:     "admin",
		Success:   true,
		Details:   map[string]string{"source": "env"},
		PrevHash:  audit.GenesisHash(chain.ID),
		EntryHMAC: "mac-0",
	}
	require.NoError(t, s.AppendAuditEntry(ctx, entry))

	head, err = s.AuditHead(ctx, chain.ID)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, entry.ID, head.ID)
	assert.Equal(t, entry.Details, head.Details)
	assert.True(t, head.Timestamp.Equal(entry.Timestamp))

	// Duplicate (chain, seq) is rejected.
	dup := *entry
	dup.ID = uuid.NewString()
	assert.Error(t, s.AppendAuditEntry(ctx, &dup))

	require.NoError(t, s.SealAuditChain(ctx, chain.ID, "mac-0", time.Now().UTC()))
	_, err = s.ActiveAuditChain(ctx)
	assert.ErrorIs(t, err, audit.ErrChainNotFound)

	entries, err := s.AuditEntries(ctx, chain.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAuditLoggerOnSqlite(t *testing.T) {
	s := newTestStore(t)
	logger, err := audit.NewLogger(context.Background(), s, []byte("secret"), slog.Default())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := logger.RecordMandatory(context.Background(), audit.Event{
			Action:  domain.AuditActionLicenseChecked,
			Entity:  "license",
			Actor:   "system",
			Success: true,
		})
		require.NoError(t, err)
	}

	result, err := logger.Verify(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, result.Intact)
	assert.Equal(t, 5, result.Checked)
}

func TestRotateAPIKeyKeepsSingleActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &domain.APIKeyRecord{
		ID: uuid.NewString(), Hash: "hash-1", Hint: "ab12", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.RotateAPIKey(ctx, first))

	second := &domain.APIKeyRecord{
		ID: uuid.NewString(), Label: "rotated", Hash: "hash-2", Hint: "cd34", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.RotateAPIKey(ctx, second))

	active, err := s.ActiveAPIKeys(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)
	assert.Equal(t, "rotated", active[0].Label)
	assert.Nil(t, active[0].LastUsedAt)

	usedAt := time.Now().UTC()
	require.NoError(t, s.TouchAPIKey(ctx, second.ID, usedAt))
	active, err = s.ActiveAPIKeys(ctx)
	require.NoError(t, err)
	require.NotNil(t, active[0].LastUsedAt)
	assert.True(t, active[0].LastUsedAt.Equal(usedAt))
}

func TestSetupTokenSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	jti := uuid.NewString()
	require.NoError(t, s.CreateSetupToken(ctx, jti, now.Add(time.Hour)))
	require.NoError(t, s.ConsumeSetupToken(ctx, jti, now))
	assert.Error(t, s.ConsumeSetupToken(ctx, jti, now), "second consumption fails")

	expired := uuid.NewString()
	require.NoError(t, s.CreateSetupToken(ctx, expired, now.Add(-time.Minute)))
	assert.Error(t, s.ConsumeSetupToken(ctx, expired, now))

	assert.Error(t, s.ConsumeSetupToken(ctx, "never-issued", now))
}

func TestAdmins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	count, err := s.CountAdmins(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	admin := &domain.Admin{
		ID: uuid.NewString(), Username: "root", Email: "root@example.com",
		PasswordHash: "bcrypt-hash", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateAdmin(ctx, admin))

	dup := *admin
	dup.ID = uuid.NewString()
	assert.Error(t, s.CreateAdmin(ctx, &dup), "username is unique")

	count, err = s.CountAdmins(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCertificateSequenceAllocation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := s.NextCertificateSequence(ctx, "survey")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, err := s.NextCertificateSequence(ctx, "equipment")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got, "scopes are independent")
}

func TestConcurrentSequenceAllocationIsUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	values := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			v, err := s.NextCertificateSequence(ctx, "survey")
			if err == nil {
				values[slot] = v
			}
		}(i)
	}
	wg.Wait()

	seen := map[int64]bool{}
	for _, v := range values {
		require.NotZero(t, v)
		require.False(t, seen[v], "sequence %d allocated twice", v)
		seen[v] = true
	}
}

func testCertificate(seq int64, workUnit string) *domain.Certificate {
	return &domain.Certificate{
		ID:        uuid.NewString(),
		Scope:     "survey",
		Sequence:  seq,
		Subject:   "vessel",
		WorkUnit:  workUnit,
		Metadata:  `{"k":"v"}`,
		Signatory: "inspector",
		IssuedAt:  time.Now().UTC(),
		Signature: "sig",
	}
}

func TestCertificatePersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cert := testCertificate(1, "wu-1")
	require.NoError(t, s.InsertCertificate(ctx, cert))

	dup := testCertificate(2, "wu-1")
	assert.ErrorIs(t, s.InsertCertificate(ctx, dup), certificate.ErrDuplicateWork)

	loaded, err := s.CertificateByID(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, cert.WorkUnit, loaded.WorkUnit)
	assert.False(t, loaded.IsSynced)

	_, err = s.CertificateByID(ctx, "missing")
	assert.ErrorIs(t, err, certificate.ErrNotFound)

	pending, err := s.UnsyncedCertificates(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, s.MarkCertificateSynced(ctx, cert.ID))
	require.NoError(t, s.MarkCertificateVerified(ctx, cert.ID))

	pending, err = s.UnsyncedCertificates(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	loaded, err = s.CertificateByID(ctx, cert.ID)
	require.NoError(t, err)
	assert.True(t, loaded.IsSynced)
	assert.True(t, loaded.IsVerified)

	assert.ErrorIs(t, s.MarkCertificateSynced(ctx, "missing"), certificate.ErrNotFound)
}

func TestBackupRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record := &domain.BackupRecord{
		ID:        uuid.NewString(),
		FileName:  "backup-1.bin",
		Checksum:  "abc",
		SizeBytes: 42,
		Encrypted: true,
		KeyHint:   "k1h2",
		CreatedAt: time.Now().UTC(),
		CreatedBy: "admin",
	}
	require.NoError(t, s.InsertBackupRecord(ctx, record))

	loaded, err := s.BackupRecordByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.Checksum, loaded.Checksum)
	assert.True(t, loaded.Encrypted)
	assert.False(t, loaded.Verified)

	require.NoError(t, s.MarkBackupVerified(ctx, record.ID, time.Now().UTC()))
	loaded, err = s.BackupRecordByID(ctx, record.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Verified)
	assert.NotNil(t, loaded.VerifiedAt)

	require.NoError(t, s.DeleteBackupRecord(ctx, record.ID))
	_, err = s.BackupRecordByID(ctx, record.ID)
	assert.ErrorIs(t, err, backup.ErrNotFound)
	assert.ErrorIs(t, s.DeleteBackupRecord(ctx, record.ID), backup.ErrNotFound)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chain := &domain.AuditChain{ID: uuid.NewString(), CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateAuditChain(ctx, chain))
	require.NoError(t, s.AppendAuditEntry(ctx, &domain.AuditEntry{
		ID: uuid.NewString(), ChainID: chain.ID, Seq: 0, Timestamp: time.Now().UTC(),
		Action: domain.AuditActionAuthSuccess, Entity: "e", Actor: "a", Success: true,
		PrevHash: audit.GenesisHash(chain.ID), EntryHMAC: "mac",
	}))
	require.NoError(t, s.RotateAPIKey(ctx, &domain.APIKeyRecord{
		ID: uuid.NewString(), Hash: "h", Hint: "hhhh", CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.CreateAdmin(ctx, &domain.Admin{
		ID: uuid.NewString(), Username: "root", Email: "r@e.com",
		PasswordHash: "p", CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.InsertCertificate(ctx, testCertificate(1, "wu-1")))
	_, err := s.NextCertificateSequence(ctx, "survey")
	require.NoError(t, err)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.AuditChains, 1)
	assert.Len(t, snap.AuditEntries, 1)
	assert.Len(t, snap.APIKeys, 1)
	assert.NotEmpty(t, snap.APIKeys[0].Hash, "snapshot keeps the key hash")
	assert.Len(t, snap.Admins, 1)
	assert.Len(t, snap.Certificates, 1)
	assert.Equal(t, int64(1), snap.Sequences["survey"])

	// Mutate state, then restore to the snapshot.
	require.NoError(t, s.RotateAPIKey(ctx, &domain.APIKeyRecord{
		ID: uuid.NewString(), Hash: "h2", Hint: "zzzz", CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.InsertCertificate(ctx, testCertificate(2, "wu-2")))

	require.NoError(t, s.RestoreSnapshot(ctx, snap))

	keys, err := s.ActiveAPIKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "h", keys[0].Hash)

	certs, err := s.ListCertificates(ctx, "survey")
	require.NoError(t, err)
	assert.Len(t, certs, 1)

	seq, err := s.NextCertificateSequence(ctx, "survey")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq, "sequence continues from the restored value")
}

func TestRestoreSnapshotHonorsCancellation(t *testing.T) {
	s := newTestStore(t)

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, s.RestoreSnapshot(ctx, snap))
}
