package license

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fathomos/pkg/contracts/domain"
)

// ManagerInterface is the surface the HTTP layer and the license-gating
// middleware consume, kept as an interface so handlers can be tested with
// mocks.
type ManagerInterface interface {
	Status(ctx context.Context) domain.LicenseStatus
	Revalidate(ctx context.Context) domain.LicenseStatus
	Activate(ctx context.Context, payload []byte) (domain.LicenseStatus, error)
	Current() (*domain.SignedLicense, bool)
	LicensePath() string
}

// Manager owns the installed license file and caches validation results so
// that gating every privileged operation does not re-verify signatures on
// the hot path. The cache is bypassed by Revalidate and invalidated by
// Activate.
type Manager struct {
	validator   *Validator
	licenseFile string
	cacheTTL    time.Duration
	logger      *slog.Logger

	mu          sync.RWMutex
	current     *domain.SignedLicense
	lastStatus  *domain.LicenseStatus
	lastChecked time.Time
}

var _ ManagerInterface = (*Manager)(nil)

// NewManager creates a license manager. The license file may not exist yet;
// status reporting then yields Corrupted with an actionable message until a
// license is activated.
func NewManager(validator *Validator, licenseFile string, cacheTTL time.Duration, logger *slog.Logger) *Manager {
	m := &Manager{
		validator:   validator,
		licenseFile: licenseFile,
		cacheTTL:    cacheTTL,
		logger:      logger.With(slog.String("component", "license_manager")),
	}

	if raw, err := os.ReadFile(licenseFile); err == nil {
		if sl, err := Parse(raw); err == nil {
			m.current = sl
		} else {
			m.logger.Warn("installed license failed to parse",
				slog.String("path", licenseFile),
				slog.String("error", err.Error()),
			)
		}
	}

	return m
}

// LicensePath returns the resolved license file path.
func (m *Manager) LicensePath() string {
	return m.licenseFile
}

// Current returns the installed signed license, if one parsed successfully.
func (m *Manager) Current() (*domain.SignedLicense, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, false
	}
	clone := *m.current
	return &clone, true
}

// Status returns the license status, serving a cached result when it is
// fresh enough. Validation is side-effect free, so serving a slightly
// stale result only delays the transition between temporal states by at
// most the cache TTL.
func (m *Manager) Status(ctx context.Context) domain.LicenseStatus {
	m.mu.RLock()
	if m.lastStatus != nil && time.Since(m.lastChecked) < m.cacheTTL {
		status := *m.lastStatus
		m.mu.RUnlock()
		return status
	}
	m.mu.RUnlock()

	return m.Revalidate(ctx)
}

// Revalidate runs a full validation, bypassing and refreshing the cache.
func (m *Manager) Revalidate(ctx context.Context) domain.LicenseStatus {
	raw, err := os.ReadFile(m.licenseFile)
	if err != nil {
		status := domain.LicenseStatus{
			State:     domain.StateCorrupted,
			Reason:    domain.ReasonCorrupted,
			Message:   "No license is installed. Activate a license to continue.",
			CheckedAt: time.Now().UTC(),
		}
		m.storeStatus(nil, status)
		return status
	}

	status := m.validator.Validate(ctx, raw)

	var current *domain.SignedLicense
	if sl, perr := Parse(raw); perr == nil {
		current = sl
	}
	m.storeStatus(current, status)

	m.logger.InfoContext(ctx, "license revalidated",
		slog.String("state", string(status.State)),
		slog.Int("days_remaining", status.DaysRemaining),
		slog.Int("grace_days_remaining", status.GraceDaysRemaining),
	)

	return status
}

// Activate validates the supplied license payload and, if it is usable,
// installs it as the current license. The write is atomic (temp file +
// rename) so a crash mid-activation never leaves a torn license file.
func (m *Manager) Activate(ctx context.Context, payload []byte) (domain.LicenseStatus, error) {
	status := m.validator.Validate(ctx, payload)
	if !status.State.Usable() {
		m.logger.WarnContext(ctx, "license activation rejected",
			slog.String("state", string(status.State)),
			slog.String("reason", status.Reason),
		)
		return status, fmt.Errorf("license is not usable: %s", status.State)
	}

	sl, err := Parse(payload)
	if err != nil {
		// Unreachable after a usable validation, but kept as a guard.
		return status, err
	}

	data, err := Serialize(sl)
	if err != nil {
		return status, err
	}

	dir := filepath.Dir(m.licenseFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return status, fmt.Errorf("failed to create license directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "license-*.tmp")
	if err != nil {
		return status, fmt.Errorf("failed to stage license file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return status, fmt.Errorf("failed to write license file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return status, fmt.Errorf("failed to close license file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return status, fmt.Errorf("failed to restrict license permissions: %w", err)
	}
	if err := os.Rename(tmpName, m.licenseFile); err != nil {
		os.Remove(tmpName)
		return status, fmt.Errorf("failed to install license file: %w", err)
	}

	m.storeStatus(sl, status)

	m.logger.InfoContext(ctx, "license activated",
		slog.String("license_id", sl.License.LicenseID),
		slog.String("edition", sl.License.Edition),
		slog.String("state", string(status.State)),
		slog.Time("expires_at", sl.License.ExpiresAt),
	)

	return status, nil
}

// InvalidateCache drops the cached status; the next Status call revalidates.
func (m *Manager) InvalidateCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastStatus = nil
	m.lastChecked = time.Time{}
}

func (m *Manager) storeStatus(sl *domain.SignedLicense, status domain.LicenseStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sl != nil {
		m.current = sl
	}
	m.lastStatus = &status
	m.lastChecked = time.Now()
}
