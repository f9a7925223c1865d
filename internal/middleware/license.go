package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	apierrors "fathomos/internal/errors"
	"fathomos/pkg/contracts/domain"
)

// LicenseChecker is the part of the license manager the guard needs.
type LicenseChecker interface {
	Status(ctx context.Context) domain.LicenseStatus
}

// LicenseGuard blocks privileged routes when the installed license is not
// usable. A license in its grace period still passes; the status is
// surfaced in a header so clients can warn without a second request.
type LicenseGuard struct {
	checker         LicenseChecker
	logger          *slog.Logger
	excludePaths    map[string]struct{}
	excludePrefixes []string
}

// NewLicenseGuard creates the guard. Excluded paths (health, metrics,
// activation itself) bypass the check.
func NewLicenseGuard(checker LicenseChecker, logger *slog.Logger, excludePaths []string, excludePrefixes []string) *LicenseGuard {
	exact := make(map[string]struct{}, len(excludePaths))
	for _, p := range excludePaths {
		exact[p] = struct{}{}
	}
	return &LicenseGuard{
		checker:         checker,
		logger:          logger.With(slog.String("component", "license_guard")),
		excludePaths:    exact,
		excludePrefixes: excludePrefixes,
	}
}

func (g *LicenseGuard) excluded(path string) bool {
	if _, ok := g.excludePaths[path]; ok {
		return true
	}
	for _, prefix := range g.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Handler implements the middleware.
func (g *LicenseGuard) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		status := g.checker.Status(ctx)
		w.Header().Set("X-License-State", string(status.State))

		if status.State == domain.StateGracePeriod {
			w.Header().Set("X-License-Warning", status.Message)
		}
		if status.State.Usable() {
			next.ServeHTTP(w, r)
			return
		}

		g.logger.WarnContext(ctx, "blocked request on unusable license",
			slog.String("path", r.URL.Path),
			slog.String("state", string(status.State)),
			slog.String("reason", status.Reason))
		apierrors.WriteError(w, licenseError(status))
	})
}

// licenseError maps a blocking license state to its distinct, actionable
// API error.
func licenseError(status domain.LicenseStatus) *apierrors.APIError {
	var base *apierrors.APIError
	switch status.State {
	case domain.StateInvalidSignature:
		base = apierrors.ErrInvalidSignature
	case domain.StateHardwareMismatch:
		base = apierrors.ErrHardwareMismatch
	case domain.StateExpired:
		base = apierrors.ErrLicenseExpired
	default:
		base = apierrors.ErrLicenseCorrupted
	}
	if status.Message != "" {
		return base.WithHint(status.Message)
	}
	return base
}
