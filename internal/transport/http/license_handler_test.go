package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fathomos/pkg/contracts/domain"
)

// stubManager drives the handler without a real license file.
type stubManager struct {
	status      domain.LicenseStatus
	activateErr error
	revalidated bool
	invalidated bool
}

func (s *stubManager) Status(ctx context.Context) domain.LicenseStatus { return s.status }

func (s *stubManager) Revalidate(ctx context.Context) domain.LicenseStatus {
	s.revalidated = true
	return s.status
}

func (s *stubManager) Activate(ctx context.Context, payload []byte) (domain.LicenseStatus, error) {
	return s.status, s.activateErr
}

func (s *stubManager) InvalidateCache() { s.invalidated = true }

func serveLicense(m LicenseManager, method, path, body string) *httptest.ResponseRecorder {
	handler := NewLicenseHandler(m, slog.Default())
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)
	return rec
}

func TestGetStatusReportsState(t *testing.T) {
	m := &stubManager{status: domain.LicenseStatus{
		State:         domain.StateValid,
		Message:       "license valid, 30 days remaining",
		DaysRemaining: 30,
		CheckedAt:     time.Now().UTC(),
	}}

	rec := serveLicense(m, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status domain.LicenseStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, domain.StateValid, status.State)
	assert.Equal(t, 30, status.DaysRemaining)
}

func TestActivateSuccess(t *testing.T) {
	m := &stubManager{status: domain.LicenseStatus{State: domain.StateValid, DaysRemaining: 365}}

	rec := serveLicense(m, http.MethodPost, "/activate", `{"license":"{\"License\":{},\"Signature\":\"x\"}"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ActivateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, domain.StateValid, resp.Status.State)
}

func TestActivateRejectsUnusableLicense(t *testing.T) {
	cases := []struct {
		name     string
		state    domain.LicenseState
		wantCode string
	}{
		{"expired", domain.StateExpired, "EXPIRED"},
		{"bad signature", domain.StateInvalidSignature, "INVALID_SIGNATURE"},
		{"wrong machine", domain.StateHardwareMismatch, "HARDWARE_MISMATCH"},
		{"garbage", domain.StateCorrupted, "CORRUPTED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &stubManager{
				status:      domain.LicenseStatus{State: tc.state, Message: "refused"},
				activateErr: errors.New("license not usable"),
			}

			rec := serveLicense(m, http.MethodPost, "/activate", `{"license":"whatever"}`)
			assert.Equal(t, http.StatusForbidden, rec.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.wantCode, body["error"])
			assert.Equal(t, "refused", body["hint"])
		})
	}
}

func TestActivateRejectsMalformedBody(t *testing.T) {
	m := &stubManager{status: domain.LicenseStatus{State: domain.StateValid}}

	for name, body := range map[string]string{
		"empty":         "",
		"not json":      "{{{",
		"missing field": `{"other":"x"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := serveLicense(m, http.MethodPost, "/activate", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestRevalidateBypassesCache(t *testing.T) {
	m := &stubManager{status: domain.LicenseStatus{State: domain.StateGracePeriod, GraceDaysRemaining: 9}}

	rec := serveLicense(m, http.MethodPost, "/revalidate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, m.revalidated)

	var status domain.LicenseStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 9, status.GraceDaysRemaining)
}

func TestInvalidateCacheEndpoint(t *testing.T) {
	m := &stubManager{}

	rec := serveLicense(m, http.MethodPost, "/invalidate-cache", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, m.invalidated)
}
