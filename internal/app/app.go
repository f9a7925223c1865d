package app

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"fathomos/internal/apikey"
	"fathomos/internal/audit"
	"fathomos/internal/backup"
	"fathomos/internal/certificate"
	"fathomos/internal/config"
	"fathomos/internal/fingerprint"
	"fathomos/internal/infrastructure"
	"fathomos/internal/license"
	"fathomos/internal/middleware"
	"fathomos/internal/ratelimit"
	"fathomos/internal/store"
	transport "fathomos/internal/transport/http"
)

// Application wires the trust core together: store, audit chain,
// fingerprint-bound license validation, certificate issuance and sync, key
// management, backups, and the HTTP surface over all of it.
type Application struct {
	Config *config.Config
	Logger *slog.Logger
	Router *chi.Mux
	Server *http.Server

	Store          *store.Store
	Auditor        *audit.Logger
	LicenseManager *license.Manager
	Keys           *apikey.Service
	Issuer         *certificate.Issuer
	Receiver       *certificate.Receiver
	SyncWorker     *certificate.SyncWorker
	Backups        *backup.Service
	Limiter        *ratelimit.Limiter
	OTelProviders  *infrastructure.OTelProviders
	Metrics        *infrastructure.TrustMetrics
}

// NewApplication builds the full application from configuration.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig builds the application from an already-loaded configuration.
func NewWithConfig(cfg *config.Config) (*Application, error) {
	ctx := context.Background()

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	logger.InfoContext(ctx, "trust core starting",
		slog.String("service", infrastructure.ServiceName),
		slog.String("version", infrastructure.ServiceVersion),
		slog.Int("port", cfg.Server.Port))

	providers, err := infrastructure.InitializeOTel(logger)
	if err != nil {
		return nil, fmt.Errorf("initialize metrics: %w", err)
	}
	metrics, err := infrastructure.CreateTrustMetrics(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("create metric instruments: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: providers,
		Metrics:       metrics,
	}

	if err := app.initializeServices(ctx); err != nil {
		return nil, err
	}

	app.setupRouter()
	app.createServer()
	return app, nil
}

func (a *Application) initializeServices(ctx context.Context) error {
	cfg := a.Config

	st, err := store.Open(cfg.Paths.DatabasePath, a.Logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.Store = st

	auditSecret, err := loadOrCreateSecret(cfg.Audit.SecretHex,
		filepath.Join(cfg.Paths.DataDir, "audit.secret"))
	if err != nil {
		return fmt.Errorf("load audit secret: %w", err)
	}

	auditor, err := audit.NewLogger(ctx, st, auditSecret, a.Logger,
		audit.WithMetrics(a.Metrics))
	if err != nil {
		return fmt.Errorf("open audit chain: %w", err)
	}
	a.Auditor = auditor

	collector := fingerprint.NewCollector(a.Logger)

	publicKey, err := licensePublicKey(cfg.License.PublicKeyHex, a.Logger)
	if err != nil {
		return err
	}
	validator := license.NewValidator(cfg.License.Product, publicKey,
		cfg.License.GraceDays, cfg.License.MinFingerprintMatch,
		collector, a.Logger, license.WithMetrics(a.Metrics))
	a.LicenseManager = license.NewManager(validator, cfg.GetLicenseFile(),
		cfg.License.StatusCacheTTL, a.Logger)

	setupSecret := cfg.Security.SetupSecret
	if setupSecret == "" {
		// The setup secret signs bootstrap tokens; deriving it from the
		// audit secret keeps headless deployments to a single secret.
		setupSecret = hex.EncodeToString(auditSecret)
	}
	a.Keys = apikey.NewService(st, auditor, apikey.Config{
		EnvKey:      cfg.Bootstrap.AdminAPIKey,
		SetupSecret: setupSecret,
		TokenTTL:    cfg.Security.SetupTokenTTL,
		CacheTTL:    cfg.Security.KeyCacheTTL,
	}, a.Logger, apikey.WithMetrics(a.Metrics))

	if err := a.Keys.BootstrapFromEnv(ctx, cfg.Bootstrap.AdminUsername,
		cfg.Bootstrap.AdminEmail, cfg.Bootstrap.AdminPassword); err != nil {
		return fmt.Errorf("bootstrap admin from environment: %w", err)
	}

	signingKey, err := loadOrCreateSigningKey(filepath.Join(cfg.Paths.DataDir, "signing.key"))
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}

	a.Issuer = certificate.NewIssuer(st, signingKey, auditor, a.Logger,
		certificate.WithMetrics(a.Metrics))
	a.Receiver = certificate.NewReceiver(st,
		signingKey.Public().(ed25519.PublicKey), auditor, a.Logger)

	if cfg.Sync.Enabled {
		uploader := certificate.NewHTTPUploader(cfg.Sync.URL, cfg.Sync.APIKey, cfg.Sync.Timeout)
		a.SyncWorker = certificate.NewSyncWorker(st, uploader, auditor,
			cfg.Sync.Interval, a.Logger, certificate.WithSyncMetrics(a.Metrics))
	}

	a.Backups = backup.NewService(st, auditor, cfg.Backup.Dir, a.Logger,
		backup.WithMetrics(a.Metrics))

	a.Limiter = ratelimit.NewLimiter(ratelimit.Limits{
		PerMinute: cfg.Security.RateLimit.PerMinute,
		PerHour:   cfg.Security.RateLimit.PerHour,
	}, cfg.Security.RateLimit.Retention, a.Logger, ratelimit.WithMetrics(a.Metrics))

	return nil
}

// setupRouter builds the HTTP surface. The metrics endpoint sits outside
// the middleware stack; the admin and analytics groups sit behind API key
// auth; certificate issuance sits behind the license guard.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.CapturePeerAddr)
	if a.Config.Server.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.StructuredLogger(a.Logger))
		r.Use(middleware.Recoverer(a.Logger))
		r.Use(middleware.SecurityHeaders)
		r.Use(middleware.CORS(middleware.CORSConfig{
			ExposedHeaders: []string{"X-Request-ID", "X-License-State", "X-License-Warning"},
			Logger:         a.Logger,
		}))
		if a.Config.Security.RateLimit.Enabled {
			r.Use(middleware.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.Logger,
			).Handler)
		}

		licenseHandler := transport.NewLicenseHandler(a.LicenseManager, a.Logger)
		certHandler := transport.NewCertificateHandler(a.Issuer, a.Store, a.Logger)
		adminHandler := transport.NewAdminHandler(a.Keys, a.Auditor, a.Backups, a.Receiver, a.Logger)
		analyticsHandler := transport.NewAnalyticsHandler(a.LicenseManager, a.Store, a.Auditor, a.Backups, a.Logger)
		setupHandler := transport.NewSetupHandler(a.Keys, a.Logger)
		healthHandler := transport.NewHealthHandler(a.LicenseManager, a.Auditor, a.Store, a.Logger)

		guard := middleware.NewLicenseGuard(a.LicenseManager, a.Logger, nil, nil)
		auth := middleware.APIKeyAuth(a.Keys, a.Limiter, a.Logger)

		r.Route("/api", func(r chi.Router) {
			r.Use(render.SetContentType(render.ContentTypeJSON))

			r.Mount("/health", healthHandler.Routes())
			r.Mount("/license", licenseHandler.Routes())

			r.Route("/setup", func(r chi.Router) {
				r.Use(middleware.IPRateLimit(a.Limiter, a.Logger))
				r.Mount("/", setupHandler.Routes())
			})

			r.Route("/certificates", func(r chi.Router) {
				r.Use(guard.Handler)
				r.Mount("/", certHandler.Routes())
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(auth)
				r.Mount("/", adminHandler.Routes())
			})

			r.Route("/analytics", func(r chi.Router) {
				r.Use(auth)
				r.Mount("/", analyticsHandler.Routes())
			})
		})
	})

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Run serves until the context is canceled or a signal arrives, then shuts
// down gracefully.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Limiter.Start()
	if a.SyncWorker != nil {
		a.SyncWorker.Start(ctx)
	}

	status := a.LicenseManager.Status(ctx)
	a.Logger.InfoContext(ctx, "trust core ready",
		slog.String("address", a.Server.Addr),
		slog.String("license_state", string(status.State)),
		slog.String("audit_chain", a.Auditor.ChainID()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return a.Shutdown()
	})

	return g.Wait()
}

// Shutdown stops the server, background workers and the metric pipeline in
// dependency order, closing the store last.
func (a *Application) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	a.Logger.InfoContext(ctx, "trust core shutting down")

	var firstErr error
	if err := a.Server.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("server shutdown: %w", err)
	}

	if a.SyncWorker != nil {
		a.SyncWorker.Stop()
	}
	a.Limiter.Stop()

	if err := a.OTelProviders.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("metrics shutdown: %w", err)
	}
	if err := a.Store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close store: %w", err)
	}
	if err := infrastructure.CloseLogFile(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close log file: %w", err)
	}
	return firstErr
}

// licensePublicKey decodes the configured verification key. An empty value
// is tolerated so the server can come up before provisioning; every license
// then fails signature verification, which the status surface makes
// visible.
func licensePublicKey(keyHex string, logger *slog.Logger) (ed25519.PublicKey, error) {
	if keyHex == "" {
		logger.Warn("no license public key configured, all licenses will be rejected")
		return nil, nil
	}
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode license public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("license public key must be %d bytes, got %d",
			ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// loadOrCreateSecret returns the configured secret, or a persisted one
// generated on first boot. The generated secret lives next to the data so
// backups of the data directory keep the audit chain verifiable.
func loadOrCreateSecret(configuredHex, path string) ([]byte, error) {
	if configuredHex != "" {
		secret, err := hex.DecodeString(configuredHex)
		if err != nil {
			return nil, fmt.Errorf("decode configured secret: %w", err)
		}
		return secret, nil
	}

	if raw, err := os.ReadFile(path); err == nil {
		secret, err := hex.DecodeString(string(raw))
		if err != nil {
			return nil, fmt.Errorf("decode persisted secret %s: %w", path, err)
		}
		return secret, nil
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)), 0o600); err != nil {
		return nil, fmt.Errorf("persist secret: %w", err)
	}
	return secret, nil
}

// loadOrCreateSigningKey returns the installation's certificate signing
// key, generating one on first boot.
func loadOrCreateSigningKey(path string) (ed25519.PrivateKey, error) {
	if raw, err := os.ReadFile(path); err == nil {
		seed, err := hex.DecodeString(string(raw))
		if err != nil {
			return nil, fmt.Errorf("decode signing key %s: %w", path, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing key must be a %d-byte seed", ed25519.SeedSize)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}

	_, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key.Seed())), 0o600); err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	return key, nil
}
