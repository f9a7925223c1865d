package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fathomos/pkg/contracts/domain"
)

type stubPinger struct {
	err error
}

func (s *stubPinger) Ping(ctx context.Context) error { return s.err }

func serveHealth(license LicenseManager, auditor ChainReporter, store Pinger, path string) *httptest.ResponseRecorder {
	handler := NewHealthHandler(license, auditor, store, slog.Default())
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestLiveness(t *testing.T) {
	rec := serveHealth(&stubManager{}, &stubAudit{chainID: "chain-1"}, &stubPinger{}, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestReadinessHealthy(t *testing.T) {
	m := &stubManager{status: domain.LicenseStatus{State: domain.StateGracePeriod}}

	rec := serveHealth(m, &stubAudit{chainID: "chain-1"}, &stubPinger{}, "/ready")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, domain.StateGracePeriod, resp.License)
	assert.True(t, resp.LicenseUsable)
	assert.Equal(t, "chain-1", resp.AuditChain)
	assert.Equal(t, "ok", resp.Store)
}

// An unusable license is reported but does not fail readiness: the
// unprivileged surface still serves.
func TestReadinessWithExpiredLicense(t *testing.T) {
	m := &stubManager{status: domain.LicenseStatus{State: domain.StateExpired}}

	rec := serveHealth(m, &stubAudit{chainID: "chain-1"}, &stubPinger{}, "/ready")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.False(t, resp.LicenseUsable)
}

func TestReadinessDegradedStore(t *testing.T) {
	m := &stubManager{status: domain.LicenseStatus{State: domain.StateValid}}
	store := &stubPinger{err: errors.New("database is locked")}

	rec := serveHealth(m, &stubAudit{chainID: "chain-1"}, store, "/ready")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "unreachable", resp.Store)
}
