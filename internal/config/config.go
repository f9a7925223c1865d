// Package config loads and validates the trust-core configuration from
// environment variables layered over an optional YAML file. Environment
// values take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Audit     AuditConfig     `yaml:"audit" envconfig:"AUDIT"`
	Backup    BackupConfig    `yaml:"backup" envconfig:"BACKUP"`
	Sync      SyncConfig      `yaml:"sync" envconfig:"SYNC"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Paths     PathsConfig     `yaml:"paths" envconfig:"PATHS"`
	Bootstrap BootstrapConfig `yaml:"-" envconfig:"-"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	// TrustProxyHeaders enables X-Real-IP / X-Forwarded-For handling.
	// Only set this when the server sits behind a proxy that strips
	// client-supplied values of those headers.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" envconfig:"TRUST_PROXY_HEADERS" default:"false"`
}

// SecurityConfig contains admin-auth and rate-limiting configuration
type SecurityConfig struct {
	RateLimit     RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	KeyCacheTTL   time.Duration   `yaml:"key_cache_ttl" envconfig:"KEY_CACHE_TTL" default:"5m"`
	SetupSecret   string          `yaml:"setup_secret" envconfig:"SETUP_SECRET"`
	SetupTokenTTL time.Duration   `yaml:"setup_token_ttl" envconfig:"SETUP_TOKEN_TTL" default:"24h"`
}

// RateLimitConfig contains rate limiting configuration. The global RPS/Burst
// pair throttles the whole server; PerMinute/PerHour are the per-credential
// windows enforced by the admin limiter.
type RateLimitConfig struct {
	Enabled   bool          `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS       float64       `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst     int           `yaml:"burst" envconfig:"BURST" default:"50"`
	PerMinute int           `yaml:"per_minute" envconfig:"PER_MINUTE" default:"100"`
	PerHour   int           `yaml:"per_hour" envconfig:"PER_HOUR" default:"1000"`
	Retention time.Duration `yaml:"retention" envconfig:"RETENTION" default:"2h"`
}

// LicenseConfig contains license validation configuration
type LicenseConfig struct {
	Product             string        `yaml:"product" envconfig:"PRODUCT" default:"FathomOS"`
	GraceDays           int           `yaml:"grace_days" envconfig:"GRACE_DAYS" default:"14"`
	PublicKeyHex        string        `yaml:"public_key_hex" envconfig:"PUBLIC_KEY_HEX"`
	MinFingerprintMatch int           `yaml:"min_fingerprint_match" envconfig:"MIN_FINGERPRINT_MATCH" default:"1"`
	StatusCacheTTL      time.Duration `yaml:"status_cache_ttl" envconfig:"STATUS_CACHE_TTL" default:"5m"`
}

// AuditConfig contains tamper-evident audit log configuration
type AuditConfig struct {
	SecretHex string `yaml:"secret_hex" envconfig:"SECRET_HEX"`
}

// BackupConfig contains backup/restore configuration
type BackupConfig struct {
	Dir       string `yaml:"dir" envconfig:"DIR" default:"backups"`
	Retention int    `yaml:"retention" envconfig:"RETENTION" default:"10"`
}

// SyncConfig contains certificate upload configuration. Sync is optional:
// an installation with no reachable server simply keeps its queue.
type SyncConfig struct {
	Enabled  bool          `yaml:"enabled" envconfig:"ENABLED" default:"false"`
	URL      string        `yaml:"url" envconfig:"URL"`
	APIKey   string        `yaml:"api_key" envconfig:"API_KEY"`
	Interval time.Duration `yaml:"interval" envconfig:"INTERVAL" default:"5m"`
	Timeout  time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"30s"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/app.log"`
}

// PathsConfig contains file system paths configuration
type PathsConfig struct {
	DataDir      string `yaml:"data_dir" envconfig:"DATA_DIR" default:"data"`
	LicenseFile  string `yaml:"license_file" envconfig:"LICENSE_FILE" default:"license.json"`
	DatabasePath string `yaml:"database_path" envconfig:"DATABASE_PATH" default:"data/trust.db"`
	LogsDir      string `yaml:"logs_dir" envconfig:"LOGS_DIR" default:"logs"`
}

// BootstrapConfig carries the externally specified, unprefixed environment
// variables used for headless deployment. ADMIN_API_KEY bypasses the stored
// key; the admin triple enables auto-setup when no admin exists yet.
type BootstrapConfig struct {
	AdminAPIKey   string
	AdminEmail    string
	AdminUsername string
	AdminPassword string
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	var cfg Config

	// File first so env can override it
	if configFile := findConfigFile(); configFile != "" {
		fileCfg, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = *fileCfg
	}

	if err := envconfig.Process("FATHOM", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// Bootstrap variables are part of the external interface and keep their
	// unprefixed names.
	cfg.Bootstrap = BootstrapConfig{
		AdminAPIKey:   os.Getenv("ADMIN_API_KEY"),
		AdminEmail:    os.Getenv("ADMIN_EMAIL"),
		AdminUsername: os.Getenv("ADMIN_USERNAME"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if err := cfg.ensureDirectories(); err != nil {
		return nil, fmt.Errorf("path setup failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if c.License.GraceDays < 0 {
		return fmt.Errorf("grace days must not be negative")
	}

	if c.License.MinFingerprintMatch < 1 {
		return fmt.Errorf("min fingerprint match must be at least 1")
	}

	if c.Security.RateLimit.PerMinute <= 0 || c.Security.RateLimit.PerHour <= 0 {
		return fmt.Errorf("per-credential rate limits must be positive")
	}

	if c.Backup.Retention < 1 {
		return fmt.Errorf("backup retention must keep at least one snapshot")
	}

	if c.Sync.Enabled && c.Sync.URL == "" {
		return fmt.Errorf("sync is enabled but no sync url is configured")
	}

	// JSON dual-output logging is the only supported mode; coerce rather
	// than fail so an old config file does not brick the server.
	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output != "both" && c.Logging.Output != "file" && c.Logging.Output != "stdout" {
		c.Logging.Output = "both"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/app.log"
	}

	return nil
}

// ensureDirectories creates the directories the services write to.
func (c *Config) ensureDirectories() error {
	dirs := []string{
		c.Paths.DataDir,
		c.Paths.LogsDir,
		c.Backup.Dir,
		filepath.Dir(c.Paths.DatabasePath),
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// GetLicenseFile returns the resolved license file path
func (c *Config) GetLicenseFile() string {
	if filepath.IsAbs(c.Paths.LicenseFile) {
		return c.Paths.LicenseFile
	}
	return filepath.Join(c.Paths.DataDir, c.Paths.LicenseFile)
}

// findConfigFile returns the path to the config file, if any
func findConfigFile() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns a default configuration suitable for tests and tools.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:   true,
				RPS:       100,
				Burst:     50,
				PerMinute: 100,
				PerHour:   1000,
				Retention: 2 * time.Hour,
			},
			KeyCacheTTL:   5 * time.Minute,
			SetupTokenTTL: 24 * time.Hour,
		},
		License: LicenseConfig{
			Product:             "FathomOS",
			GraceDays:           14,
			MinFingerprintMatch: 1,
			StatusCacheTTL:      5 * time.Minute,
		},
		Backup: BackupConfig{
			Dir:       "backups",
			Retention: 10,
		},
		Sync: SyncConfig{
			Interval: 5 * time.Minute,
			Timeout:  30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "both",
			FilePath: "logs/app.log",
		},
		Paths: PathsConfig{
			DataDir:      "data",
			LicenseFile:  "license.json",
			DatabasePath: "data/trust.db",
			LogsDir:      "logs",
		},
	}
}
