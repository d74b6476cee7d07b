package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for ekaya-tables.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3443"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// TLS configuration (optional - if both provided, server uses HTTPS)
	TLSCertPath string `yaml:"tls_cert_path" env:"TLS_CERT_PATH" env-default:""`
	TLSKeyPath  string `yaml:"tls_key_path" env:"TLS_KEY_PATH" env-default:""`

	// Database configuration (PostgreSQL). Holds both the metadata store and
	// the physical tables it describes.
	Database DatabaseConfig `yaml:"database"`

	// Redis backs the descriptor cache. Leave host empty to cache in process.
	Redis RedisConfig `yaml:"redis"`

	Locks  LockConfig   `yaml:"locks"`
	Engine EngineConfig `yaml:"engine"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_tables"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`

	// StatementTimeout applies to every pooled connection. Zero disables it.
	StatementTimeout time.Duration `yaml:"statement_timeout" env:"PGSTATEMENT_TIMEOUT" env-default:"30s"`
}

// RedisConfig holds Redis connection settings for the descriptor cache.
type RedisConfig struct {
	Host     string        `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int           `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string        `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	CacheTTL time.Duration `yaml:"cache_ttl" env:"REDIS_CACHE_TTL" env-default:"10m"`
}

// LockConfig controls advisory lock polling for schema mutations.
type LockConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" env:"LOCK_POLL_INTERVAL" env-default:"50ms"`
	MaxAttempts  int           `yaml:"max_attempts" env:"LOCK_MAX_ATTEMPTS" env-default:"100"`
	Timeout      time.Duration `yaml:"timeout" env:"LOCK_TIMEOUT" env-default:"5s"`
}

// EngineConfig holds schema engine limits.
type EngineConfig struct {
	// ReservedPrefix may not start a user-supplied logical name.
	ReservedPrefix        string `yaml:"reserved_prefix" env:"ENGINE_RESERVED_PREFIX" env-default:"sys_"`
	MaxNameLength         int    `yaml:"max_name_length" env:"ENGINE_MAX_NAME_LENGTH" env-default:"255"`
	DefaultChangeLogLimit int    `yaml:"default_change_log_limit" env:"ENGINE_DEFAULT_CHANGE_LOG_LIMIT" env-default:"50"`
	MaxBatchSize          int    `yaml:"max_batch_size" env:"ENGINE_MAX_BATCH_SIZE" env-default:"1000"`
	RunMigrations         bool   `yaml:"run_migrations" env:"ENGINE_RUN_MIGRATIONS" env-default:"true"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	// Load config from YAML file with environment variable overrides
	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Auto-derive BaseURL from Port if not explicitly set
	if cfg.BaseURL == "" {
		scheme := "http"
		if cfg.TLSCertPath != "" {
			scheme = "https"
		}
		cfg.BaseURL = (&url.URL{
			Scheme: scheme,
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// Validate checks cross-field constraints that tags cannot express.
func (c *Config) Validate() error {
	if err := c.validateTLS(); err != nil {
		return fmt.Errorf("invalid TLS configuration: %w", err)
	}
	if err := c.Locks.Validate(); err != nil {
		return fmt.Errorf("invalid lock configuration: %w", err)
	}
	if c.Engine.MaxNameLength <= 0 {
		return fmt.Errorf("engine.max_name_length must be positive")
	}
	if c.Engine.MaxBatchSize <= 0 {
		return fmt.Errorf("engine.max_batch_size must be positive")
	}
	if c.Engine.DefaultChangeLogLimit <= 0 {
		return fmt.Errorf("engine.default_change_log_limit must be positive")
	}
	return nil
}

// Validate rejects non-positive settings and a timeout shorter than one poll.
func (l *LockConfig) Validate() error {
	if l.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if l.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if l.Timeout < l.PollInterval {
		return fmt.Errorf("timeout %s is shorter than poll_interval %s", l.Timeout, l.PollInterval)
	}
	return nil
}

// validateTLS ensures TLS configuration is valid if provided.
// Both cert and key must be provided together, and files must exist.
func (c *Config) validateTLS() error {
	certSet := c.TLSCertPath != ""
	keySet := c.TLSKeyPath != ""

	if certSet != keySet {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be provided together")
	}

	if certSet {
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("TLS cert file does not exist: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("TLS key file does not exist: %w", err)
		}
	}

	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the connection settings as a postgres:// URL for pgxpool.
func (c *DatabaseConfig) URL() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}
