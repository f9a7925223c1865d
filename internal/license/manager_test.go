package license

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fathomos/pkg/contracts/domain"
)

func newTestManager(t *testing.T, v *Validator) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "license.json")
	return NewManager(v, path, 5*time.Minute, slog.Default()), path
}

func TestManagerStatusWithoutLicense(t *testing.T) {
	pub, _ := testKeyPair(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	v := newTestValidator(pub, now, &stubMatcher{machine: []string{"fp-disk"}})
	m, _ := newTestManager(t, v)

	status := m.Status(context.Background())

	assert.Equal(t, domain.StateCorrupted, status.State)
	assert.Contains(t, status.Message, "No license")
}

func TestManagerActivateInstallsAtomically(t *testing.T) {
	pub, priv := testKeyPair(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	v := newTestValidator(pub, now, &stubMatcher{machine: []string{"fp-disk"}})
	m, path := newTestManager(t, v)

	payload := signedPayload(t, testDocument(now.AddDate(0, 0, 30)), priv)
	status, err := m.Activate(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, domain.StateValid, status.State)

	// The file on disk round-trips through the validator.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, domain.StateValid, v.Validate(context.Background(), data).State)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	sl, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, "FOS-2026-000123", sl.License.LicenseID)
}

func TestManagerActivateRejectsUnusableLicense(t *testing.T) {
	pub, priv := testKeyPair(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	v := newTestValidator(pub, now, &stubMatcher{machine: []string{"fp-disk"}})
	m, path := newTestManager(t, v)

	// Expired beyond grace: activation must not install the file.
	payload := signedPayload(t, testDocument(now.AddDate(0, 0, -60)), priv)
	_, err := m.Activate(context.Background(), payload)
	assert.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestManagerActivateRejectsGarbage(t *testing.T) {
	pub, _ := testKeyPair(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	v := newTestValidator(pub, now, &stubMatcher{machine: []string{"fp-disk"}})
	m, path := newTestManager(t, v)

	_, err := m.Activate(context.Background(), []byte("not a license"))
	assert.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestManagerStatusServesCache(t *testing.T) {
	pub, priv := testKeyPair(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	v := newTestValidator(pub, now, &stubMatcher{machine: []string{"fp-disk"}})
	m, path := newTestManager(t, v)

	payload := signedPayload(t, testDocument(now.AddDate(0, 0, 30)), priv)
	_, err := m.Activate(context.Background(), payload)
	require.NoError(t, err)

	first := m.Status(context.Background())
	require.Equal(t, domain.StateValid, first.State)

	// Deleting the file does not change cached status until invalidated.
	require.NoError(t, os.Remove(path))
	cached := m.Status(context.Background())
	assert.Equal(t, domain.StateValid, cached.State)

	m.InvalidateCache()
	fresh := m.Status(context.Background())
	assert.Equal(t, domain.StateCorrupted, fresh.State)
}

func TestManagerRevalidatePicksUpReplacedFile(t *testing.T) {
	pub, priv := testKeyPair(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	v := newTestValidator(pub, now, &stubMatcher{machine: []string{"fp-disk"}})
	m, path := newTestManager(t, v)

	expired := signedPayload(t, testDocument(now.AddDate(0, 0, -60)), priv)
	require.NoError(t, os.WriteFile(path, expired, 0600))
	assert.Equal(t, domain.StateExpired, m.Revalidate(context.Background()).State)

	renewed := signedPayload(t, testDocument(now.AddDate(1, 0, 0)), priv)
	require.NoError(t, os.WriteFile(path, renewed, 0600))
	assert.Equal(t, domain.StateValid, m.Revalidate(context.Background()).State)
}
