package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fathomos/internal/audit"
	"fathomos/internal/backup"
	"fathomos/pkg/contracts/domain"
)

type stubKeys struct {
	lastLabel string
	lastActor string
}

func (s *stubKeys) Generate(ctx context.Context, label, actor string) (string, *domain.APIKeyRecord, error) {
	s.lastLabel = label
	s.lastActor = actor
	return "fok_new_plaintext_wxyz", &domain.APIKeyRecord{
		ID:        uuid.NewString(),
		Label:     label,
		Hint:      "wxyz",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}, nil
}

type stubAudit struct {
	chainID string
	result  audit.VerifyResult
	rotated string
}

func (s *stubAudit) ChainID() string { return s.chainID }

func (s *stubAudit) Verify(ctx context.Context, chainID string) (audit.VerifyResult, error) {
	res := s.result
	res.ChainID = chainID
	return res, nil
}

func (s *stubAudit) Rotate(ctx context.Context, actor string) (string, error) {
	s.rotated = actor
	return "chain-2", nil
}

type stubBackups struct {
	records    []domain.BackupRecord
	verifyErr  error
	restoreErr error
	restored   string
	passphrase string
	pruned     int
}

func (s *stubBackups) List(ctx context.Context) ([]domain.BackupRecord, error) {
	return s.records, nil
}

func (s *stubBackups) Create(ctx context.Context, encrypt bool, actor string) (*backup.CreateResult, error) {
	record := &domain.BackupRecord{ID: uuid.NewString(), Encrypted: encrypt, CreatedAt: time.Now().UTC(), CreatedBy: actor}
	result := &backup.CreateResult{Record: record}
	if encrypt {
		result.Passphrase = "one-time-passphrase"
	}
	return result, nil
}

func (s *stubBackups) Verify(ctx context.Context, id string) (*domain.BackupRecord, error) {
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	now := time.Now().UTC()
	return &domain.BackupRecord{ID: id, Verified: true, VerifiedAt: &now}, nil
}

func (s *stubBackups) Restore(ctx context.Context, id, passphrase, actor string) error {
	if s.restoreErr != nil {
		return s.restoreErr
	}
	s.restored = id
	s.passphrase = passphrase
	return nil
}

func (s *stubBackups) Prune(ctx context.Context, keep int, actor string) (int, error) {
	s.pruned = keep
	return 3, nil
}

type stubReceiver struct {
	resp *domain.CertificateSyncResponse
}

func (s *stubReceiver) Receive(ctx context.Context, req domain.CertificateSyncRequest) (*domain.CertificateSyncResponse, error) {
	if s.resp != nil {
		return s.resp, nil
	}
	return &domain.CertificateSyncResponse{ID: req.Certificate.ID, Accepted: true, Verified: true}, nil
}

type adminFixture struct {
	keys     *stubKeys
	auditor  *stubAudit
	backups  *stubBackups
	receiver *stubReceiver
	handler  *AdminHandler
}

func newAdminFixture() *adminFixture {
	f := &adminFixture{
		keys:     &stubKeys{},
		auditor:  &stubAudit{chainID: "chain-1", result: audit.VerifyResult{Intact: true, Checked: 4, FirstBroken: -1}},
		backups:  &stubBackups{},
		receiver: &stubReceiver{},
	}
	f.handler = NewAdminHandler(f.keys, f.auditor, f.backups, f.receiver, slog.Default())
	return f
}

func (f *adminFixture) serve(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, req)
	return rec
}

func TestRotateKeyReturnsPlaintextOnce(t *testing.T) {
	f := newAdminFixture()

	rec := f.serve(http.MethodPost, "/apikey/rotate", `{"label":"quarterly rotation"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp RotateKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "fok_new_plaintext_wxyz", resp.APIKey)
	assert.Equal(t, "wxyz", resp.KeyHint)
	assert.Equal(t, "quarterly rotation", resp.Label)
	assert.Equal(t, "quarterly rotation", f.keys.lastLabel)
	assert.NotEmpty(t, f.keys.lastActor)
}

func TestRotateKeyRequiresLabel(t *testing.T) {
	f := newAdminFixture()

	rec := f.serve(http.MethodPost, "/apikey/rotate", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyAuditDefaultsToActiveChain(t *testing.T) {
	f := newAdminFixture()

	rec := f.serve(http.MethodGet, "/audit/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var result audit.VerifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "chain-1", result.ChainID)
	assert.True(t, result.Intact)
	assert.EqualValues(t, -1, result.FirstBroken)
}

func TestVerifyAuditReportsBrokenChain(t *testing.T) {
	f := newAdminFixture()
	f.auditor.result = audit.VerifyResult{Intact: false, Checked: 7, FirstBroken: 5}

	rec := f.serve(http.MethodGet, "/audit/verify?chain=chain-0", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var result audit.VerifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "chain-0", result.ChainID)
	assert.False(t, result.Intact)
	assert.EqualValues(t, 5, result.FirstBroken)
}

func TestRotateAuditChain(t *testing.T) {
	f := newAdminFixture()

	rec := f.serve(http.MethodPost, "/audit/rotate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chain-2")
	assert.NotEmpty(t, f.auditor.rotated)
}

func TestCreateBackupReturnsPassphraseForEncrypted(t *testing.T) {
	f := newAdminFixture()

	rec := f.serve(http.MethodPost, "/backups", `{"encrypt":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var result backup.CreateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Record.Encrypted)
	assert.Equal(t, "one-time-passphrase", result.Passphrase)
}

func TestCreateBackupPlain(t *testing.T) {
	f := newAdminFixture()

	rec := f.serve(http.MethodPost, "/backups", `{"encrypt":false}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var result backup.CreateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Record.Encrypted)
	assert.Empty(t, result.Passphrase)
}

func TestListBackupsEmptyIsArray(t *testing.T) {
	f := newAdminFixture()

	rec := f.serve(http.MethodGet, "/backups", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestRestoreCorruptedArtifactRefused(t *testing.T) {
	f := newAdminFixture()
	f.backups.restoreErr = backup.ErrChecksumMismatch

	rec := f.serve(http.MethodPost, "/backups/bk-1/restore", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "CHECKSUM_MISMATCH", body["error"])
	assert.Empty(t, f.backups.restored)
}

func TestRestoreEncryptedNeedsPassphrase(t *testing.T) {
	f := newAdminFixture()
	f.backups.restoreErr = backup.ErrPassphraseRequired

	rec := f.serve(http.MethodPost, "/backups/bk-1/restore", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_FAILED")
}

func TestRestorePassesPassphraseThrough(t *testing.T) {
	f := newAdminFixture()

	rec := f.serve(http.MethodPost, "/backups/bk-7/restore", `{"passphrase":"one-time-passphrase"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bk-7", f.backups.restored)
	assert.Equal(t, "one-time-passphrase", f.backups.passphrase)
}

func TestVerifyBackupNotFound(t *testing.T) {
	f := newAdminFixture()
	f.backups.verifyErr = backup.ErrNotFound

	rec := f.serve(http.MethodPost, "/backups/missing/verify", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPruneBackups(t *testing.T) {
	f := newAdminFixture()

	rec := f.serve(http.MethodPost, "/backups/prune", `{"keep":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, f.backups.pruned)
	assert.Contains(t, rec.Body.String(), `"deleted":3`)
}

func TestPruneRejectsZeroKeep(t *testing.T) {
	f := newAdminFixture()

	rec := f.serve(http.MethodPost, "/backups/prune", `{"keep":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReceiveCertificateAck(t *testing.T) {
	f := newAdminFixture()

	body := `{"certificate":{"id":"batch-000001","scope":"batch","sequence":1,"subject":"job-1","work_unit":"unit-1","signatory":"station-a","signature":"sig"}}`
	rec := f.serve(http.MethodPost, "/certificates/sync", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.CertificateSyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)
	assert.Equal(t, "batch-000001", resp.ID)
}

func TestReceiveCertificateRejection(t *testing.T) {
	f := newAdminFixture()
	f.receiver.resp = &domain.CertificateSyncResponse{ID: "batch-000001", Accepted: false, Message: "signature verification failed"}

	body := `{"certificate":{"id":"batch-000001","scope":"batch","sequence":1,"subject":"job-1","work_unit":"unit-1","signatory":"station-a","signature":"bad"}}`
	rec := f.serve(http.MethodPost, "/certificates/sync", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "signature verification failed")
}
