package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/render"

	"fathomos/internal/apikey"
	apierrors "fathomos/internal/errors"
	"fathomos/internal/ratelimit"
	"fathomos/pkg/contracts/domain"
)

type identityKey struct{}

// IdentityFromContext returns the authenticated principal set by APIKeyAuth.
func IdentityFromContext(ctx context.Context) (domain.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(domain.Identity)
	return identity, ok
}

// Actor names the authenticated principal for audit entries, falling back
// to the client address for unauthenticated requests.
func Actor(r *http.Request) string {
	if identity, ok := IdentityFromContext(r.Context()); ok {
		if identity.Source == "env" {
			return "env-admin"
		}
		return "key:" + identity.Hint
	}
	return "addr:" + clientIP(r)
}

// KeyValidator is the part of the apikey service the middleware needs.
type KeyValidator interface {
	Validate(ctx context.Context, presented string) (domain.Identity, error)
}

// APIKeyAuth gates a route group behind the X-API-Key header and the
// dual-window admin limiter. Limits apply per credential and per source IP;
// either window rejecting yields 429 with Retry-After, before key
// validation so an attacker cannot burn bcrypt cycles past the limit.
func APIKeyAuth(validator KeyValidator, limiter *ratelimit.Limiter, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			presented := r.Header.Get("X-API-Key")

			ipDecision := limiter.TryConsume(ctx, ratelimit.IPKey(clientIP(r)))
			if !ipDecision.Allowed {
				writeRateLimited(w, r, ipDecision)
				return
			}
			if presented != "" {
				credDecision := limiter.TryConsume(ctx, ratelimit.CredentialKey(credentialFingerprint(presented)))
				if !credDecision.Allowed {
					writeRateLimited(w, r, credDecision)
					return
				}
			}

			identity, err := validator.Validate(ctx, presented)
			if err != nil {
				logger.WarnContext(ctx, "rejected admin request",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				apierrors.WriteError(w, apierrors.ErrUnauthorized.WithHint(
					"Provide a valid key in the X-API-Key header."))
				return
			}

			ctx = context.WithValue(ctx, identityKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPRateLimit throttles an unauthenticated route group per source address.
// The setup surface sits behind it so token guessing runs into the same
// dual-window limits as credential guessing.
func IPRateLimit(limiter *ratelimit.Limiter, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := limiter.TryConsume(r.Context(), ratelimit.IPKey(clientIP(r)))
			if !decision.Allowed {
				writeRateLimited(w, r, decision)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// credentialFingerprint keys the limiter without holding raw key material.
func credentialFingerprint(presented string) string {
	sum := sha256.Sum256([]byte(presented))
	return hex.EncodeToString(sum[:8])
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimitBody describes both windows in a 429 response.
type rateLimitBody struct {
	Error   string           `json:"error"`
	Message string           `json:"message"`
	Limits  rateLimitWindows `json:"limits"`
}

type rateLimitWindows struct {
	PerMinute       int    `json:"per_minute"`
	MinuteRemaining int    `json:"minute_remaining"`
	MinuteReset     string `json:"minute_reset"`
	PerHour         int    `json:"per_hour"`
	HourRemaining   int    `json:"hour_remaining"`
	HourReset       string `json:"hour_reset"`
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, d ratelimit.Decision) {
	retryAfter := d.RetryAfterSeconds()
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))

	render.Status(r, http.StatusTooManyRequests)
	render.JSON(w, r, rateLimitBody{
		Error:   "RATE_LIMIT_EXCEEDED",
		Message: fmt.Sprintf("Too many requests. Retry after %d seconds.", retryAfter),
		Limits: rateLimitWindows{
			PerMinute:       d.MinuteLimit,
			MinuteRemaining: d.MinuteRemaining,
			MinuteReset:     d.MinuteReset.UTC().Format(time.RFC3339),
			PerHour:         d.HourLimit,
			HourRemaining:   d.HourRemaining,
			HourReset:       d.HourReset.UTC().Format(time.RFC3339),
		},
	})
}

var _ KeyValidator = (*apikey.Service)(nil)
