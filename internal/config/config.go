// Package config loads abtrack configuration from YAML, .env files and the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/davanti/abtrack/internal/guard"
	"github.com/davanti/abtrack/internal/logger"
	"github.com/davanti/abtrack/internal/signing"
)

// Default configuration values.
const (
	DefaultPath = "abtrack.yml"

	defaultServiceName = "abtrack"
	defaultPort        = 8080
	defaultDBDriver    = DriverSQLite
	defaultDBPath      = "abtrack.db"
	defaultDBHost      = "localhost"
	defaultDBPort      = 5432
	defaultDBUser      = "postgres"
	defaultDBName      = "abtrack"
	defaultDBSSLMode   = "disable"
	defaultGuard       = GuardMemory
	defaultLeadTimeout = 10 * time.Second
	defaultLeadSource  = "Site Davanti"
	defaultLookback    = 60 * 24 * time.Hour
	defaultMaxBuckets  = 50
	defaultLogLevel    = "info"
	defaultLogFormat   = "json"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Guard backends.
const (
	GuardMemory = "memory"
	GuardRedis  = "redis"
)

// Config holds the application configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Security  SecurityConfig  `yaml:"security"`
	CORS      CORSConfig      `yaml:"cors"`
	Server    ServerConfig    `yaml:"server"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Signing   SigningConfig   `yaml:"signing"`
	Report    ReportConfig    `yaml:"report"`
	Database  DatabaseConfig  `yaml:"database"`
	Guard     GuardConfig     `yaml:"guard"`
	Redis     RedisConfig     `yaml:"redis"`
	Lead      LeadConfig      `yaml:"lead"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServiceConfig struct {
	Name  string `yaml:"name"`
	Port  int    `env:"ABTRACK_PORT"  yaml:"port"`
	Debug bool   `env:"ABTRACK_DEBUG" yaml:"debug"`
}

// SecurityConfig holds the shared secrets. Neither value is ever logged.
type SecurityConfig struct {
	HMACSecret    string `env:"AB_HMAC_SECRET" yaml:"hmac_secret"`
	AdminPassword string `env:"ADMIN_PASSWORD" yaml:"admin_password"`
}

type CORSConfig struct {
	// AllowedOrigins is matched by prefix. Empty allows any origin.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" yaml:"allowed_origins"`
}

type ServerConfig struct {
	// TrustProxyHeaders makes X-Forwarded-For and X-Real-IP identify clients.
	TrustProxyHeaders bool          `env:"ABTRACK_TRUST_PROXY" yaml:"trust_proxy_headers"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

type RateLimitConfig struct {
	TrackPerMinute  int           `yaml:"track_per_minute"`
	BeaconPerMinute int           `yaml:"beacon_per_minute"`
	LeadPerMinute   int           `yaml:"lead_per_minute"`
	Window          time.Duration `yaml:"window"`
}

type AuthConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	Lockout       time.Duration `yaml:"lockout"`
	AttemptWindow time.Duration `yaml:"attempt_window"`
}

type DedupConfig struct {
	Window time.Duration `yaml:"window"`
}

type SigningConfig struct {
	MaxSkew time.Duration `yaml:"max_skew"`
}

type ReportConfig struct {
	Lookback   time.Duration `yaml:"lookback"`
	MaxBuckets int           `yaml:"max_buckets"`
}

// DatabaseConfig selects the event store. Path is used by sqlite, the
// remaining fields by postgres.
type DatabaseConfig struct {
	Driver   string `env:"ABTRACK_DB_DRIVER" yaml:"driver"`
	Path     string `env:"ABTRACK_DB_PATH"   yaml:"path"`
	Host     string `env:"POSTGRES_HOST"     yaml:"host"`
	Port     int    `env:"POSTGRES_PORT"     yaml:"port"`
	User     string `env:"POSTGRES_USER"     yaml:"user"`
	Password string `env:"POSTGRES_PASSWORD" yaml:"password"`
	Name     string `env:"POSTGRES_DB"       yaml:"name"`
	SSLMode  string `env:"POSTGRES_SSLMODE"  yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type GuardConfig struct {
	Backend string `env:"ABTRACK_GUARD_BACKEND" yaml:"backend"`
}

type RedisConfig struct {
	Address  string `env:"REDIS_ADDR"     yaml:"address"`
	Password string `env:"REDIS_PASSWORD" yaml:"password"`
	DB       int    `env:"REDIS_DB"       yaml:"db"`
}

// LeadConfig configures the CRM relay. When APIURL or APIToken is empty the
// relay runs in test mode.
type LeadConfig struct {
	APIURL        string        `env:"ISALES_API_URL"   yaml:"api_url"`
	APIToken      string        `env:"ISALES_API_TOKEN" yaml:"api_token"`
	Timeout       time.Duration `yaml:"timeout"`
	DefaultSource string        `yaml:"default_source"`
}

type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL"  yaml:"level"`
	Format string `env:"LOG_FORMAT" yaml:"format"`
}

func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = defaultServiceName
	}
	if cfg.Service.Port == 0 {
		cfg.Service.Port = defaultPort
	}

	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}

	limits := guard.DefaultLimits()
	if cfg.RateLimit.TrackPerMinute == 0 {
		cfg.RateLimit.TrackPerMinute = limits.TrackPerWindow
	}
	if cfg.RateLimit.BeaconPerMinute == 0 {
		cfg.RateLimit.BeaconPerMinute = limits.BeaconPerWindow
	}
	if cfg.RateLimit.LeadPerMinute == 0 {
		cfg.RateLimit.LeadPerMinute = limits.LeadPerWindow
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = limits.Window
	}
	if cfg.Auth.MaxAttempts == 0 {
		cfg.Auth.MaxAttempts = limits.MaxAttempts
	}
	if cfg.Auth.Lockout == 0 {
		cfg.Auth.Lockout = limits.LockoutFor
	}
	if cfg.Auth.AttemptWindow == 0 {
		cfg.Auth.AttemptWindow = limits.AttemptWindow
	}
	if cfg.Dedup.Window == 0 {
		cfg.Dedup.Window = limits.DedupWindow
	}
	if cfg.Signing.MaxSkew == 0 {
		cfg.Signing.MaxSkew = signing.DefaultMaxSkew
	}

	if cfg.Report.Lookback == 0 {
		cfg.Report.Lookback = defaultLookback
	}
	if cfg.Report.MaxBuckets == 0 {
		cfg.Report.MaxBuckets = defaultMaxBuckets
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = defaultDBDriver
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultDBPath
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = defaultDBHost
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = defaultDBPort
	}
	if cfg.Database.User == "" {
		cfg.Database.User = defaultDBUser
	}
	if cfg.Database.Name == "" {
		cfg.Database.Name = defaultDBName
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = defaultDBSSLMode
	}

	if cfg.Guard.Backend == "" {
		cfg.Guard.Backend = defaultGuard
	}

	if cfg.Lead.Timeout == 0 {
		cfg.Lead.Timeout = defaultLeadTimeout
	}
	if cfg.Lead.DefaultSource == "" {
		cfg.Lead.DefaultSource = defaultLeadSource
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogFormat
	}
}

// ValidationError names the offending config key.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration needed to serve traffic. The admin
// password is optional here; the reporting endpoint answers 500 without it.
func (c *Config) Validate() error {
	if c.Security.HMACSecret == "" {
		return &ValidationError{Field: "security.hmac_secret", Message: "is required"}
	}
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return &ValidationError{Field: "service.port", Message: "must be between 1 and 65535"}
	}
	return c.ValidateStorage()
}

// ValidateStorage checks only what is needed to open the event store and
// log, for commands that never verify signatures.
func (c *Config) ValidateStorage() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return &ValidationError{Field: "database.driver", Message: "must be one of: sqlite, postgres"}
	}

	switch c.Guard.Backend {
	case GuardMemory:
	case GuardRedis:
		if c.Redis.Address == "" {
			return &ValidationError{Field: "redis.address", Message: "is required when guard.backend is redis"}
		}
	default:
		return &ValidationError{Field: "guard.backend", Message: "must be one of: memory, redis"}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return &ValidationError{Field: "logging.level", Message: "must be one of: debug, info, warn, error"}
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return &ValidationError{Field: "logging.format", Message: "must be one of: json, console"}
	}
	return nil
}

// Limits converts the rate limit, dedup and auth settings into guard limits.
func (c *Config) Limits() guard.Limits {
	return guard.Limits{
		TrackPerWindow:  c.RateLimit.TrackPerMinute,
		BeaconPerWindow: c.RateLimit.BeaconPerMinute,
		LeadPerWindow:   c.RateLimit.LeadPerMinute,
		Window:          c.RateLimit.Window,
		DedupWindow:     c.Dedup.Window,
		MaxAttempts:     c.Auth.MaxAttempts,
		AttemptWindow:   c.Auth.AttemptWindow,
		LockoutFor:      c.Auth.Lockout,
	}
}

// LoggerConfig returns the logger settings. Debug mode forces debug level.
func (c *Config) LoggerConfig() logger.Config {
	lc := logger.Config{Level: c.Logging.Level, Format: c.Logging.Format, Development: c.Service.Debug}
	if c.Service.Debug {
		lc.Level = "debug"
	}
	return lc
}

// RedisGuardConfig returns the connection settings for the Redis guards.
func (c *Config) RedisGuardConfig() guard.RedisConfig {
	return guard.RedisConfig{Address: c.Redis.Address, Password: c.Redis.Password, DB: c.Redis.DB}
}
