// Package apikey implements admin credential generation and validation plus
// the setup bootstrap flow. Keys are 32 bytes from a CSPRNG, encoded
// base64url, persisted only as a bcrypt hash with a 4-character hint.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"fathomos/internal/audit"
	"fathomos/internal/infrastructure"
	"fathomos/pkg/contracts/domain"
)

// KeyPrefix marks generated keys so they are recognizable in logs and
// support tickets without revealing material.
const KeyPrefix = "fok_"

// rawKeyBytes is the entropy per key before encoding.
const rawKeyBytes = 32

var (
	// ErrInvalidKey is returned when a presented key matches no active
	// credential.
	ErrInvalidKey = errors.New("apikey: invalid key")
	// ErrTokenInvalid covers expired, malformed, or already consumed setup
	// tokens.
	ErrTokenInvalid = errors.New("apikey: setup token invalid")
	// ErrSetupComplete is returned when bootstrap is attempted after an
	// admin already exists.
	ErrSetupComplete = errors.New("apikey: setup already completed")
)

// Store persists credentials, admins, and setup token state.
type Store interface {
	// RotateAPIKey atomically deactivates every active key and inserts the
	// replacement, preserving the single-active-key invariant.
	RotateAPIKey(ctx context.Context, record *domain.APIKeyRecord) error
	ActiveAPIKeys(ctx context.Context) ([]domain.APIKeyRecord, error)
	TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error

	CreateSetupToken(ctx context.Context, jti string, expiresAt time.Time) error
	// ConsumeSetupToken marks the token used; it fails if the token is
	// unknown, expired, or already consumed.
	ConsumeSetupToken(ctx context.Context, jti string, now time.Time) error

	CreateAdmin(ctx context.Context, admin *domain.Admin) error
	CountAdmins(ctx context.Context) (int, error)
}

// cachedKey is a positive validation result; caching bounds bcrypt cost
// under load.
type cachedKey struct {
	identity  domain.Identity
	expiresAt time.Time
}

// Service validates and rotates admin API keys.
type Service struct {
	store       Store
	auditor     *audit.Logger
	logger      *slog.Logger
	metrics     *infrastructure.TrustMetrics
	envKey      string
	setupSecret []byte
	tokenTTL    time.Duration
	cacheTTL    time.Duration
	now         func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedKey
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics attaches the trust-core metric instruments.
func WithMetrics(m *infrastructure.TrustMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Config carries the service's operational knobs.
type Config struct {
	// EnvKey is the ADMIN_API_KEY override; empty disables it.
	EnvKey      string
	SetupSecret string
	TokenTTL    time.Duration
	CacheTTL    time.Duration
}

// NewService creates the credential service.
func NewService(store Store, auditor *audit.Logger, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		auditor:     auditor,
		logger:      logger.With(slog.String("component", "apikey")),
		envKey:      cfg.EnvKey,
		setupSecret: []byte(cfg.SetupSecret),
		tokenTTL:    cfg.TokenTTL,
		cacheTTL:    cfg.CacheTTL,
		now:         time.Now,
		cache:       make(map[string]cachedKey),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate mints a new admin key and atomically deactivates all previous
// keys. The plaintext is returned exactly once; only hash and hint persist.
func (s *Service) Generate(ctx context.Context, label, actor string) (string, *domain.APIKeyRecord, error) {
	raw := make([]byte, rawKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate key material: %w", err)
	}
	plaintext := KeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}

	record := &domain.APIKeyRecord{
		ID:        uuid.NewString(),
		Label:     label,
		Hash:      string(hash),
		Hint:      plaintext[len(plaintext)-4:],
		Active:    true,
		CreatedAt: s.now().UTC(),
	}

	// Key rotation is audit-mandatory: a credential change must never
	// happen unrecorded.
	if _, err := s.auditor.RecordMandatory(ctx, audit.Event{
		Action:  domain.AuditActionKeyGenerated,
		Entity:  "apikey:" + record.ID,
		Actor:   actor,
		Success: true,
		Details: map[string]string{"hint": record.Hint, "label": label},
	}); err != nil {
		return "", nil, fmt.Errorf("audit key generation: %w", err)
	}

	if err := s.store.RotateAPIKey(ctx, record); err != nil {
		s.auditor.Record(ctx, audit.Event{
			Action:  domain.AuditActionKeyGenerated,
			Entity:  "apikey:" + record.ID,
			Actor:   actor,
			Details: map[string]string{"error": err.Error()},
		})
		return "", nil, fmt.Errorf("rotate api key: %w", err)
	}

	// Old keys are gone; drop every cached positive result.
	s.mu.Lock()
	s.cache = make(map[string]cachedKey)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "api key rotated",
		slog.String("key_id", record.ID),
		slog.String("hint", record.Hint))
	return plaintext, record, nil
}

// Validate checks a presented key. Order: constant-time comparison against
// the environment override, then the validated-key cache, then bcrypt
// against stored active keys.
func (s *Service) Validate(ctx context.Context, presented string) (domain.Identity, error) {
	if presented == "" {
		return domain.Identity{}, s.reject(ctx, "missing key")
	}

	if s.envKey != "" &&
		subtle.ConstantTimeCompare([]byte(presented), []byte(s.envKey)) == 1 {
		return domain.Identity{Source: "env"}, nil
	}

	cacheKey := fingerprint(presented)
	if id, ok := s.cachedIdentity(cacheKey); ok {
		return id, nil
	}

	keys, err := s.store.ActiveAPIKeys(ctx)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("load active keys: %w", err)
	}

	for i := range keys {
		record := &keys[i]
		if bcrypt.CompareHashAndPassword([]byte(record.Hash), []byte(presented)) == nil {
			identity := domain.Identity{Source: "key", KeyID: record.ID, Hint: record.Hint}
			s.storeCached(cacheKey, identity)
			if err := s.store.TouchAPIKey(ctx, record.ID, s.now().UTC()); err != nil {
				s.logger.WarnContext(ctx, "failed to update key last_used_at",
					slog.String("key_id", record.ID),
					slog.String("error", err.Error()))
			}
			return identity, nil
		}
	}

	return domain.Identity{}, s.reject(ctx, "unknown key")
}

func (s *Service) reject(ctx context.Context, reason string) error {
	if s.metrics != nil {
		s.metrics.AuthFailuresTotal.Add(ctx, 1)
	}
	s.auditor.Record(ctx, audit.Event{
		Action:  domain.AuditActionAuthFailure,
		Entity:  "admin_surface",
		Actor:   "anonymous",
		Details: map[string]string{"reason": reason},
	})
	return ErrInvalidKey
}

// fingerprint keys the cache without retaining plaintext key material.
func fingerprint(presented string) string {
	sum := sha256.Sum256([]byte(presented))
	return hex.EncodeToString(sum[:])
}

func (s *Service) cachedIdentity(cacheKey string) (domain.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.cache[cacheKey]
	if !ok || s.now().After(entry.expiresAt) {
		return domain.Identity{}, false
	}
	return entry.identity, true
}

func (s *Service) storeCached(cacheKey string, identity domain.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[cacheKey] = cachedKey{
		identity:  identity,
		expiresAt: s.now().Add(s.cacheTTL),
	}
}

// InvalidateCache drops all cached validation results.
func (s *Service) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cachedKey)
}

// setupClaims is the JWT payload of a setup token.
type setupClaims struct {
	jwt.RegisteredClaims
}

// IssueSetupToken creates a single-use, time-boxed bootstrap token. The jti
// is persisted so the token cannot be replayed, and issuance stops entirely
// once an admin exists.
func (s *Service) IssueSetupToken(ctx context.Context) (string, error) {
	if len(s.setupSecret) == 0 {
		return "", errors.New("apikey: setup secret not configured")
	}

	count, err := s.store.CountAdmins(ctx)
	if err != nil {
		return "", fmt.Errorf("count admins: %w", err)
	}
	if count > 0 {
		return "", ErrSetupComplete
	}

	now := s.now().UTC()
	jti := uuid.NewString()
	expiresAt := now.Add(s.tokenTTL)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, setupClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   "setup",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(s.setupSecret)
	if err != nil {
		return "", fmt.Errorf("sign setup token: %w", err)
	}

	if err := s.store.CreateSetupToken(ctx, jti, expiresAt); err != nil {
		return "", fmt.Errorf("persist setup token: %w", err)
	}
	return signed, nil
}

// CompleteSetup consumes a setup token and creates the first admin plus the
// initial API key, returning the plaintext key.
func (s *Service) CompleteSetup(ctx context.Context, token, username, email, password string) (string, *domain.Admin, error) {
	claims := &setupClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.setupSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid || claims.Subject != "setup" {
		return "", nil, ErrTokenInvalid
	}

	if err := s.store.ConsumeSetupToken(ctx, claims.ID, s.now().UTC()); err != nil {
		return "", nil, ErrTokenInvalid
	}

	return s.createFirstAdmin(ctx, username, email, password)
}

// BootstrapFromEnv creates the first admin from the ADMIN_EMAIL /
// ADMIN_USERNAME / ADMIN_PASSWORD triple when no admin exists yet. A no-op
// when the variables are unset or setup already ran.
func (s *Service) BootstrapFromEnv(ctx context.Context, username, email, password string) error {
	if username == "" || email == "" || password == "" {
		return nil
	}
	count, err := s.store.CountAdmins(ctx)
	if err != nil {
		return fmt.Errorf("count admins: %w", err)
	}
	if count > 0 {
		return nil
	}

	if _, _, err := s.createFirstAdmin(ctx, username, email, password); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "admin auto-setup completed from environment",
		slog.String("username", username))
	return nil
}

func (s *Service) createFirstAdmin(ctx context.Context, username, email, password string) (string, *domain.Admin, error) {
	count, err := s.store.CountAdmins(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("count admins: %w", err)
	}
	if count > 0 {
		return "", nil, ErrSetupComplete
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash password: %w", err)
	}

	admin := &domain.Admin{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: string(passwordHash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateAdmin(ctx, admin); err != nil {
		return "", nil, fmt.Errorf("create admin: %w", err)
	}

	plaintext, _, err := s.Generate(ctx, "initial setup", admin.Username)
	if err != nil {
		return "", nil, err
	}

	s.auditor.Record(ctx, audit.Event{
		Action:  domain.AuditActionSetupCompleted,
		Entity:  "admin:" + admin.ID,
		Actor:   admin.Username,
		Success: true,
	})
	return plaintext, admin, nil
}
