package license

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"fathomos/internal/infrastructure"
	"fathomos/pkg/contracts/domain"
)

// FingerprintMatcher is the slice of the hardware fingerprint collector the
// validator needs. It reports how many accepted fingerprints are present on
// this machine and whether the minimum threshold is met.
type FingerprintMatcher interface {
	Matches(ctx context.Context, accepted []string, minMatch int) (int, bool, error)
}

// Validator evaluates signed licenses against the host. It holds no mutable
// state beyond its configuration, so a single instance is safe for
// concurrent use and repeated validation of the same input is idempotent.
type Validator struct {
	product   string
	publicKey ed25519.PublicKey
	graceDays int
	minMatch  int
	matcher   FingerprintMatcher
	logger    *slog.Logger
	metrics   *infrastructure.TrustMetrics

	// now is swappable for temporal-window tests.
	now func() time.Time
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithClock overrides the validator's time source.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// WithMetrics attaches the trust-core metric instruments.
func WithMetrics(m *infrastructure.TrustMetrics) ValidatorOption {
	return func(v *Validator) { v.metrics = m }
}

// NewValidator creates a validator for the given product identity.
func NewValidator(product string, publicKey ed25519.PublicKey, graceDays, minMatch int, matcher FingerprintMatcher, logger *slog.Logger, opts ...ValidatorOption) *Validator {
	v := &Validator{
		product:   product,
		publicKey: publicKey,
		graceDays: graceDays,
		minMatch:  minMatch,
		matcher:   matcher,
		logger:    logger.With(slog.String("component", "license_validator")),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs the full check sequence on a raw license payload. Checks
// run in a fixed order and the first failing check produces the terminal
// status; later checks are never evaluated after a failure.
func (v *Validator) Validate(ctx context.Context, raw []byte) domain.LicenseStatus {
	sl, err := Parse(raw)
	if err != nil {
		v.logger.WarnContext(ctx, "license parse failed",
			slog.String("error", err.Error()),
		)
		return v.finish(ctx, domain.LicenseStatus{
			State:   domain.StateCorrupted,
			Reason:  domain.ReasonCorrupted,
			Message: "The license file is corrupted or unreadable. Re-import the license you received.",
		})
	}

	return v.ValidateSigned(ctx, sl)
}

// ValidateSigned evaluates an already-parsed signed license.
func (v *Validator) ValidateSigned(ctx context.Context, sl *domain.SignedLicense) domain.LicenseStatus {
	if !VerifySignature(sl, v.publicKey) {
		v.logger.WarnContext(ctx, "license signature verification failed",
			slog.String("license_id", sl.License.LicenseID),
		)
		return v.finish(ctx, domain.LicenseStatus{
			State:   domain.StateInvalidSignature,
			Reason:  domain.ReasonInvalidSignature,
			Message: "The license signature is invalid. The file may have been modified.",
		})
	}

	if sl.License.Product != v.product {
		// Wrong product collapses into InvalidSignature deliberately: the
		// signature is valid but not for this product's trust domain, and
		// the distinction would only help an attacker probing key reuse.
		v.logger.WarnContext(ctx, "license issued for different product",
			slog.String("license_id", sl.License.LicenseID),
			slog.String("license_product", sl.License.Product),
			slog.String("expected_product", v.product),
		)
		return v.finish(ctx, domain.LicenseStatus{
			State:   domain.StateInvalidSignature,
			Reason:  domain.ReasonWrongProduct,
			Message: fmt.Sprintf("This license was issued for %s, not %s.", sl.License.Product, v.product),
		})
	}

	matches, bound, err := v.matcher.Matches(ctx, sl.License.HardwareFingerprints, v.minMatch)
	if err != nil {
		// A machine with no obtainable hardware identity cannot prove the
		// binding; per contract this fails explicitly instead of degrading.
		v.logger.ErrorContext(ctx, "hardware fingerprint probe failed",
			slog.String("license_id", sl.License.LicenseID),
			slog.String("error", err.Error()),
		)
		return v.finish(ctx, domain.LicenseStatus{
			State:   domain.StateHardwareMismatch,
			Reason:  domain.ReasonHardwareMismatch,
			Message: "Hardware identity could not be established on this machine.",
		})
	}
	if !bound {
		v.logger.WarnContext(ctx, "license hardware binding failed",
			slog.String("license_id", sl.License.LicenseID),
			slog.Int("matches", matches),
			slog.Int("required", v.minMatch),
		)
		return v.finish(ctx, domain.LicenseStatus{
			State:   domain.StateHardwareMismatch,
			Reason:  domain.ReasonHardwareMismatch,
			Message: "This license is bound to different hardware. Contact support to transfer it.",
		})
	}

	return v.finish(ctx, v.temporalStatus(&sl.License))
}

// temporalStatus derives the temporal window state. All comparisons are in
// UTC and day counts are truncated toward zero, never rounded up, so a
// license never gains an extra day from rounding.
func (v *Validator) temporalStatus(doc *domain.LicenseDocument) domain.LicenseStatus {
	now := v.now().UTC()
	expires := doc.ExpiresAt.UTC()
	graceEnd := expires.Add(time.Duration(v.graceDays) * 24 * time.Hour)

	switch {
	case !now.After(expires):
		days := int(expires.Sub(now).Hours() / 24)
		return domain.LicenseStatus{
			State:              domain.StateValid,
			Message:            fmt.Sprintf("License valid, %d days remaining.", days),
			DaysRemaining:      days,
			GraceDaysRemaining: v.graceDays,
		}

	case !now.After(graceEnd):
		elapsed := int(now.Sub(expires).Hours() / 24)
		remaining := v.graceDays - elapsed
		return domain.LicenseStatus{
			State:              domain.StateGracePeriod,
			Reason:             domain.ReasonGracePeriod,
			Message:            fmt.Sprintf("License expired; grace period active, %d days remaining. Renew now to avoid interruption.", remaining),
			GraceDaysRemaining: remaining,
		}

	default:
		return domain.LicenseStatus{
			State:   domain.StateExpired,
			Reason:  domain.ReasonExpired,
			Message: "License has expired beyond its grace period. Renew to restore access.",
		}
	}
}

// finish stamps the check time and records the outcome metric.
func (v *Validator) finish(ctx context.Context, status domain.LicenseStatus) domain.LicenseStatus {
	status.CheckedAt = v.now().UTC()
	if v.metrics != nil {
		v.metrics.ValidationsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("state", string(status.State))),
		)
	}
	return status
}
