package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fathomos/internal/ratelimit"
	"fathomos/pkg/contracts/domain"
)

// stubValidator accepts exactly one key, mimicking the single-active-key
// invariant of the real service.
type stubValidator struct {
	accepted string
}

func (s *stubValidator) Validate(ctx context.Context, presented string) (domain.Identity, error) {
	if presented != "" && presented == s.accepted {
		return domain.Identity{Source: "key", KeyID: "key-1", Hint: presented[len(presented)-4:]}, nil
	}
	return domain.Identity{}, errors.New("invalid key")
}

func newTestLimiter(t *testing.T, perMinute, perHour int) *ratelimit.Limiter {
	t.Helper()
	return ratelimit.NewLimiter(
		ratelimit.Limits{PerMinute: perMinute, PerHour: perHour},
		2*time.Hour, slog.Default(),
	)
}

func authedRouter(validator KeyValidator, limiter *ratelimit.Limiter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/admin/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(Actor(r)))
	})
	return APIKeyAuth(validator, limiter, slog.Default())(mux)
}

func adminRequest(key string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/admin/ping", nil)
	req.RemoteAddr = "203.0.113.10:52100"
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	return req
}

func TestValidKeyPasses(t *testing.T) {
	handler := authedRouter(&stubValidator{accepted: "fok_valid_key_abcd"}, newTestLimiter(t, 100, 1000))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, adminRequest("fok_valid_key_abcd"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "key:abcd", rec.Body.String())
}

func TestMissingKeyRejected(t *testing.T) {
	handler := authedRouter(&stubValidator{accepted: "fok_valid_key_abcd"}, newTestLimiter(t, 100, 1000))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, adminRequest(""))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "UNAUTHORIZED", body["error"])
	assert.NotEmpty(t, body["message"])
	assert.NotEmpty(t, body["hint"])
}

// Rotation at the HTTP level: the moment the validator only accepts the new
// key, the old one gets a clean 401, not an error page.
func TestRotatedKeyRejected(t *testing.T) {
	validator := &stubValidator{accepted: "fok_old_key_aaaa"}
	handler := authedRouter(validator, newTestLimiter(t, 100, 1000))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, adminRequest("fok_old_key_aaaa"))
	require.Equal(t, http.StatusOK, rec.Code)

	validator.accepted = "fok_new_key_bbbb"

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, adminRequest("fok_old_key_aaaa"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, adminRequest("fok_new_key_bbbb"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitedBeforeValidation(t *testing.T) {
	validator := &stubValidator{accepted: "fok_valid_key_abcd"}
	handler := authedRouter(validator, newTestLimiter(t, 3, 1000))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, adminRequest("fok_valid_key_abcd"))
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, adminRequest("fok_valid_key_abcd"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))

	var body rateLimitBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body.Error)
	assert.Equal(t, 3, body.Limits.PerMinute)
	assert.Equal(t, 1000, body.Limits.PerHour)
	assert.Zero(t, body.Limits.MinuteRemaining)
	assert.NotEmpty(t, body.Limits.MinuteReset)
	assert.NotEmpty(t, body.Limits.HourReset)
}

// A flood of bad keys must not consume the budget of an unrelated client
// address.
func TestRateLimitKeyedByAddress(t *testing.T) {
	validator := &stubValidator{accepted: "fok_valid_key_abcd"}
	handler := authedRouter(validator, newTestLimiter(t, 2, 1000))

	for i := 0; i < 3; i++ {
		req := adminRequest("fok_wrong")
		req.RemoteAddr = "198.51.100.7:41000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, adminRequest("fok_valid_key_abcd"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestActorFallsBackToAddress(t *testing.T) {
	req := adminRequest("")
	assert.Equal(t, "addr:203.0.113.10", Actor(req))
}

func TestActorEnvAdmin(t *testing.T) {
	req := adminRequest("")
	ctx := context.WithValue(req.Context(), identityKey{}, domain.Identity{Source: "env"})
	assert.Equal(t, "env-admin", Actor(req.WithContext(ctx)))
}
