package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fathomos/internal/apikey"
	"fathomos/internal/middleware"
	"fathomos/pkg/contracts/domain"
)

// stubSetup redeems each issued token exactly once, mirroring the real
// service's single-use guarantee.
type stubSetup struct {
	complete bool
	issued   map[string]bool
	counter  int
}

func newStubSetup() *stubSetup {
	return &stubSetup{issued: make(map[string]bool)}
}

func (s *stubSetup) IssueSetupToken(ctx context.Context) (string, error) {
	if s.complete {
		return "", apikey.ErrSetupComplete
	}
	s.counter++
	token := "setup-token-" + strings.Repeat("x", s.counter)
	s.issued[token] = false
	return token, nil
}

func (s *stubSetup) CompleteSetup(ctx context.Context, token, username, email, password string) (string, *domain.Admin, error) {
	if s.complete {
		return "", nil, apikey.ErrSetupComplete
	}
	used, ok := s.issued[token]
	if !ok || used {
		return "", nil, apikey.ErrTokenInvalid
	}
	s.issued[token] = true
	s.complete = true
	return "fok_first_key_zzzz", &domain.Admin{Username: username, Email: email}, nil
}

func serveSetup(s SetupService, path, body, remoteAddr string) *httptest.ResponseRecorder {
	handler := NewSetupHandler(s, slog.Default())
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)
	return rec
}

const setupBody = `{"username":"operator","email":"ops@example.com","password":"a-long-password-1"}`

func TestLocalhostSetupWithoutToken(t *testing.T) {
	s := newStubSetup()

	rec := serveSetup(s, "/", setupBody, "127.0.0.1:53000")
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp SetupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "fok_first_key_zzzz", resp.APIKey)
	assert.Equal(t, "zzzz", resp.KeyHint)
	assert.Equal(t, "operator", resp.Username)
}

func TestRemoteSetupRequiresToken(t *testing.T) {
	s := newStubSetup()

	rec := serveSetup(s, "/", setupBody, "203.0.113.5:40000")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, s.complete)
}

func TestRemoteSetupWithIssuedToken(t *testing.T) {
	s := newStubSetup()

	rec := serveSetup(s, "/token", "", "127.0.0.1:53000")
	require.Equal(t, http.StatusOK, rec.Code)

	var tokenResp SetupTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokenResp))
	require.NotEmpty(t, tokenResp.Token)

	body := `{"token":"` + tokenResp.Token + `","username":"operator","email":"ops@example.com","password":"a-long-password-1"}`
	rec = serveSetup(s, "/", body, "203.0.113.5:40000")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestTokenIssuanceBlockedRemotely(t *testing.T) {
	s := newStubSetup()

	rec := serveSetup(s, "/token", "", "203.0.113.5:40000")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, s.issued)
}

func TestSetupTokenSingleUse(t *testing.T) {
	s := newStubSetup()

	rec := serveSetup(s, "/token", "", "[::1]:53000")
	require.Equal(t, http.StatusOK, rec.Code)

	var tokenResp SetupTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokenResp))

	body := `{"token":"` + tokenResp.Token + `","username":"operator","email":"ops@example.com","password":"a-long-password-1"}`
	rec = serveSetup(s, "/", body, "203.0.113.5:40000")
	require.Equal(t, http.StatusCreated, rec.Code)

	// Redeeming the same token again: setup is complete, so the conflict
	// answer wins over the token check.
	rec = serveSetup(s, "/", body, "203.0.113.5:40000")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSetupAfterCompletionConflicts(t *testing.T) {
	s := newStubSetup()
	s.complete = true

	rec := serveSetup(s, "/", setupBody, "127.0.0.1:53000")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serveSetup(s, "/token", "", "127.0.0.1:53000")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSetupValidatesCredentials(t *testing.T) {
	s := newStubSetup()

	for name, body := range map[string]string{
		"short password": `{"username":"operator","email":"ops@example.com","password":"short"}`,
		"bad email":      `{"username":"operator","email":"nope","password":"a-long-password-1"}`,
		"no username":    `{"email":"ops@example.com","password":"a-long-password-1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := serveSetup(s, "/", body, "127.0.0.1:53000")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.False(t, s.complete)
		})
	}
}

func TestSetupLoopbackGateIgnoresProxyHeaders(t *testing.T) {
	s := newStubSetup()
	handler := NewSetupHandler(s, slog.Default())

	// Worst-case chain: proxy headers trusted, so RemoteAddr gets
	// rewritten. The loopback decision must still follow the socket peer.
	router := chi.NewRouter()
	router.Use(middleware.CapturePeerAddr)
	router.Use(middleware.RealIP)
	router.Mount("/", handler.Routes())

	for _, header := range []string{"X-Real-IP", "X-Forwarded-For", "True-Client-IP"} {
		req := httptest.NewRequest(http.MethodPost, "/token", nil)
		req.RemoteAddr = "203.0.113.9:44444"
		req.Header.Set(header, "127.0.0.1")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(setupBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Real-IP", "127.0.0.1")
	req.RemoteAddr = "203.0.113.9:44444"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code,
		"token-free setup must not open up to spoofed loopback addresses")
}

func TestGenuineLoopbackPeerStillPassesThroughProxyChain(t *testing.T) {
	s := newStubSetup()
	handler := NewSetupHandler(s, slog.Default())

	router := chi.NewRouter()
	router.Use(middleware.CapturePeerAddr)
	router.Use(middleware.RealIP)
	router.Mount("/", handler.Routes())

	req := httptest.NewRequest(http.MethodPost, "/token", nil)
	req.RemoteAddr = "127.0.0.1:53000"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
